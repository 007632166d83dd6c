package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/platinummonkey/taskforge/pkg/database"
	"github.com/platinummonkey/taskforge/pkg/observability"
)

// DecisionSource tells which rule decided a permission check
type DecisionSource string

const (
	SourceCache         DecisionSource = "cache"
	SourceDenyOverride  DecisionSource = "deny_override"
	SourceGrantOverride DecisionSource = "grant_override"
	SourceRole          DecisionSource = "role"
	SourceNone          DecisionSource = "none"
)

// Decision is the result of a permission check
type Decision struct {
	Allowed bool
	Source  DecisionSource
}

// Resolver computes effective permissions:
//
//	(union of role template permissions ∪ direct grants) ∖ direct denials
//
// A denial always wins over both role membership and a direct grant.
type Resolver struct {
	base
	cache   Cache
	logger  *observability.Logger
	metrics *observability.Metrics

	group singleflight.Group
	// epoch changes on every invalidation; a set computed across a change is
	// not cached
	epoch atomic.Uint64
}

// NewResolver creates a resolver. A nil cache disables caching.
func NewResolver(db *sql.DB, dialect database.Dialect, cache Cache) *Resolver {
	if cache == nil {
		cache = NopCache{}
	}
	return &Resolver{
		base:   base{db: db, dialect: dialect},
		cache:  cache,
		logger: observability.NewLogger(observability.InfoLevel, nil),
	}
}

// EffectivePermissions returns the subject's permission set in the
// organisation
func (r *Resolver) EffectivePermissions(ctx context.Context, subject Subject, organisationID int64) (PermissionSet, error) {
	if err := subject.Validate(); err != nil {
		return nil, err
	}

	if perms, ok := r.cached(ctx, subject, organisationID); ok {
		return perms.Clone(), nil
	}

	epoch := r.epoch.Load()
	key := fmt.Sprintf("%s@%d#%d", subject, organisationID, epoch)
	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		perms, err := r.compute(ctx, subject, organisationID)
		if err != nil {
			return nil, err
		}
		if r.epoch.Load() == epoch {
			r.store(ctx, subject, organisationID, perms, epoch)
		}
		return perms, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(PermissionSet).Clone(), nil
}

// HasPermission reports whether name is in the subject's effective set
func (r *Resolver) HasPermission(ctx context.Context, subject Subject, name PermissionName, organisationID int64) (bool, error) {
	d, err := r.Check(ctx, subject, name, organisationID)
	return d.Allowed, err
}

// Check decides a single permission. Without a cached set it consults the
// subject's override for the permission first, a denial or grant there is
// final, and only then scans role templates.
func (r *Resolver) Check(ctx context.Context, subject Subject, name PermissionName, organisationID int64) (Decision, error) {
	if err := subject.Validate(); err != nil {
		return Decision{}, err
	}

	if perms, ok := r.cached(ctx, subject, organisationID); ok {
		return Decision{Allowed: perms.Has(name), Source: SourceCache}, nil
	}

	var d Decision
	err := r.read(ctx, "check permission", func(tx *sql.Tx) error {
		var granted bool
		err := tx.QueryRowContext(ctx, `
			SELECT po.granted
			FROM permission_overrides po
			JOIN permissions p ON p.id = po.permission_id
			WHERE po.subject_type = $1 AND po.subject_id = $2 AND po.organisation_id = $3 AND p.name = $4
		`, string(subject.Type), subject.ID, organisationID, string(name)).Scan(&granted)
		switch {
		case err == nil && !granted:
			d = Decision{Allowed: false, Source: SourceDenyOverride}
			return nil
		case err == nil:
			d = Decision{Allowed: true, Source: SourceGrantOverride}
			return nil
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("failed to query permission override: %w", err)
		}

		var one int
		err = tx.QueryRowContext(ctx, `
			SELECT 1
			FROM role_assignments ra
			JOIN roles r ON r.id = ra.role_id
			JOIN role_template_permissions rtp ON rtp.template_id = r.template_id
			JOIN permissions p ON p.id = rtp.permission_id
			WHERE ra.subject_type = $1 AND ra.subject_id = $2 AND ra.organisation_id = $3 AND p.name = $4
			LIMIT 1
		`, string(subject.Type), subject.ID, organisationID, string(name)).Scan(&one)
		switch {
		case err == nil:
			d = Decision{Allowed: true, Source: SourceRole}
		case errors.Is(err, sql.ErrNoRows):
			d = Decision{Allowed: false, Source: SourceNone}
		default:
			return fmt.Errorf("failed to scan role permissions: %w", err)
		}
		return nil
	})
	if err != nil {
		return Decision{}, err
	}
	return d, nil
}

// HighestLevel returns the highest template level among the subject's roles
// in the organisation, or ErrNoRole when it holds none
func (r *Resolver) HighestLevel(ctx context.Context, subject Subject, organisationID int64) (int, error) {
	if err := subject.Validate(); err != nil {
		return 0, err
	}

	var level sql.NullInt64
	err := r.db.QueryRowContext(ctx, `
		SELECT MAX(t.level)
		FROM role_assignments ra
		JOIN roles r ON r.id = ra.role_id
		JOIN role_templates t ON t.id = r.template_id
		WHERE ra.subject_type = $1 AND ra.subject_id = $2 AND ra.organisation_id = $3
	`, string(subject.Type), subject.ID, organisationID).Scan(&level)
	if err != nil {
		return 0, wrapStore("highest level", err)
	}
	if !level.Valid {
		return 0, fmt.Errorf("%w: %s in organisation %d", ErrNoRole, subject, organisationID)
	}
	return int(level.Int64), nil
}

// InvalidateSubject drops the cached set of one subject
func (r *Resolver) InvalidateSubject(ctx context.Context, subject Subject, organisationID int64) error {
	r.epoch.Add(1)
	return r.cache.InvalidateSubject(ctx, subject, organisationID)
}

// InvalidateOrganisation drops every cached set of the organisation
func (r *Resolver) InvalidateOrganisation(ctx context.Context, organisationID int64) error {
	r.epoch.Add(1)
	return r.cache.InvalidateOrganisation(ctx, organisationID)
}

// InvalidateAll drops every cached set
func (r *Resolver) InvalidateAll(ctx context.Context) error {
	r.epoch.Add(1)
	return r.cache.InvalidateAll(ctx)
}

// store caches a set computed at epoch. An invalidation that lands while
// the set is being written would be undone by the write, so the entry is
// dropped again when the epoch moved.
func (r *Resolver) store(ctx context.Context, subject Subject, organisationID int64, perms PermissionSet, epoch uint64) {
	if err := r.cache.Set(ctx, subject, organisationID, perms); err != nil {
		r.metrics.RecordCacheError("set")
		r.logger.WithError(err).WithField("subject", subject.String()).Warn("Failed to cache permissions")
		return
	}
	if r.epoch.Load() == epoch {
		return
	}
	if err := r.cache.InvalidateSubject(ctx, subject, organisationID); err != nil {
		r.metrics.RecordCacheError("invalidate_stale")
		r.logger.WithError(err).WithField("subject", subject.String()).Error("Failed to drop stale cached permissions")
	}
}

func (r *Resolver) cached(ctx context.Context, subject Subject, organisationID int64) (PermissionSet, bool) {
	perms, ok, err := r.cache.Get(ctx, subject, organisationID)
	if err != nil {
		r.metrics.RecordCacheError("get")
		r.logger.WithError(err).WithField("subject", subject.String()).Warn("Permission cache lookup failed")
		return nil, false
	}
	r.metrics.RecordCacheLookup(ok)
	return perms, ok
}

// compute reads role permissions and overrides from one snapshot
func (r *Resolver) compute(ctx context.Context, subject Subject, organisationID int64) (PermissionSet, error) {
	perms := make(PermissionSet)
	err := r.read(ctx, "effective permissions", func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT DISTINCT p.name
			FROM role_assignments ra
			JOIN roles r ON r.id = ra.role_id
			JOIN role_template_permissions rtp ON rtp.template_id = r.template_id
			JOIN permissions p ON p.id = rtp.permission_id
			WHERE ra.subject_type = $1 AND ra.subject_id = $2 AND ra.organisation_id = $3
		`, string(subject.Type), subject.ID, organisationID)
		if err != nil {
			return fmt.Errorf("failed to query role permissions: %w", err)
		}
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan role permission: %w", err)
			}
			perms.Add(PermissionName(name))
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		overrides, err := listOverrides(ctx, tx, subject, organisationID)
		if err != nil {
			return err
		}
		perms = applyOverrides(perms, overrides)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return perms, nil
}

// applyOverrides adds grants and then removes denials
func applyOverrides(perms PermissionSet, overrides []PermissionOverride) PermissionSet {
	for _, o := range overrides {
		if o.Grant {
			perms.Add(o.Permission)
		}
	}
	for _, o := range overrides {
		if !o.Grant {
			perms.Remove(o.Permission)
		}
	}
	return perms
}
