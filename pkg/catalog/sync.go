package catalog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/taskforge/pkg/audit"
	"github.com/platinummonkey/taskforge/pkg/observability"
	"github.com/platinummonkey/taskforge/pkg/rbac"
)

// Target is the part of the engine a sync writes to
type Target interface {
	RegisterPermissions(ctx context.Context, perms []rbac.Permission) (int, error)
	CreateSystemTemplate(ctx context.Context, in rbac.SystemTemplateInput) (*rbac.RoleTemplate, rbac.UpsertOutcome, error)
}

// Report summarises one sync
type Report struct {
	Source                string
	Checksum              string
	PermissionsRegistered int
	Created               int
	Updated               int
	Unchanged             int
	// Templates maps each template name to its outcome
	Templates map[string]rbac.UpsertOutcome
	// Skipped is set when the catalogue matched the last applied checksum
	Skipped  bool
	Duration time.Duration
}

func (r *Report) outcomes() map[string]int {
	return map[string]int{
		rbac.OutcomeCreated.String():   r.Created,
		rbac.OutcomeUpdated.String():   r.Updated,
		rbac.OutcomeUnchanged.String(): r.Unchanged,
	}
}

// Syncer applies a catalogue from a source to the engine. Runs are
// serialised.
type Syncer struct {
	source  Source
	target  Target
	logger  logrus.FieldLogger
	metrics *observability.Metrics
	audit   audit.Logger
	observe func(*Report, error)

	mu           sync.Mutex
	lastChecksum string
}

// SyncerOption configures a Syncer
type SyncerOption func(*Syncer)

// WithLogger sets the logger
func WithLogger(l logrus.FieldLogger) SyncerOption {
	return func(s *Syncer) { s.logger = l }
}

// WithMetrics sets the metrics sink
func WithMetrics(m *observability.Metrics) SyncerOption {
	return func(s *Syncer) { s.metrics = m }
}

// WithAuditLogger records one catalog sync event per run
func WithAuditLogger(l audit.Logger) SyncerOption {
	return func(s *Syncer) { s.audit = l }
}

// WithObserver calls fn after every run that was not skipped
func WithObserver(fn func(*Report, error)) SyncerOption {
	return func(s *Syncer) { s.observe = fn }
}

// NewSyncer creates a syncer
func NewSyncer(source Source, target Target, opts ...SyncerOption) *Syncer {
	s := &Syncer{
		source: source,
		target: target,
		logger: logrus.StandardLogger(),
		audit:  audit.NopLogger{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sync fetches and applies the catalogue unconditionally
func (s *Syncer) Sync(ctx context.Context) (*Report, error) {
	return s.run(ctx, true)
}

// SyncIfChanged applies the catalogue unless it matches the last one applied
func (s *Syncer) SyncIfChanged(ctx context.Context) (*Report, error) {
	return s.run(ctx, false)
}

func (s *Syncer) run(ctx context.Context, force bool) (report *Report, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	report = &Report{Source: s.source.String(), Templates: make(map[string]rbac.UpsertOutcome)}
	logger := s.logger.WithField("source", report.Source)

	if audit.OperationIDFromContext(ctx) == "" {
		ctx = audit.WithOperationID(ctx, uuid.NewString())
	}
	event := audit.NewEvent(ctx, audit.EventTypeCatalogSync)
	event.ResourceType = audit.ResourceTypeCatalog
	event.ResourceName = report.Source

	defer func() {
		report.Duration = time.Since(start)
		if report.Skipped {
			return
		}
		status := "success"
		if err != nil {
			status = "error"
			event.Status = audit.EventStatusFailure
			event.ErrorMessage = err.Error()
			logger.WithError(err).Error("Catalog sync failed")
		} else {
			logger.WithFields(logrus.Fields{
				"created":     report.Created,
				"updated":     report.Updated,
				"unchanged":   report.Unchanged,
				"permissions": report.PermissionsRegistered,
				"duration":    report.Duration,
			}).Info("Catalog synced")
		}
		s.metrics.RecordCatalogSync(status, report.outcomes())
		if s.observe != nil {
			s.observe(report, err)
		}

		event.Metadata["checksum"] = report.Checksum
		event.Metadata["created"] = report.Created
		event.Metadata["updated"] = report.Updated
		event.Metadata["unchanged"] = report.Unchanged
		event.Metadata["permissions_registered"] = report.PermissionsRegistered
		if auditErr := s.audit.Log(ctx, event); auditErr != nil {
			logger.WithError(auditErr).Warn("Failed to write audit event")
		}
	}()

	data, err := s.source.Fetch(ctx)
	if err != nil {
		return report, err
	}
	c, err := Parse(data)
	if err != nil {
		return report, err
	}
	report.Checksum = c.Checksum

	if !force && c.Checksum == s.lastChecksum {
		report.Skipped = true
		logger.Debug("Catalog unchanged, skipping sync")
		return report, nil
	}

	report.PermissionsRegistered, err = s.target.RegisterPermissions(ctx, c.RegistryEntries())
	if err != nil {
		return report, fmt.Errorf("failed to register permissions: %w", err)
	}

	for _, in := range c.TemplateInputs() {
		_, outcome, err := s.target.CreateSystemTemplate(ctx, in)
		if err != nil {
			return report, fmt.Errorf("failed to sync template %q: %w", in.Name, err)
		}
		report.Templates[in.Name] = outcome
		switch outcome {
		case rbac.OutcomeCreated:
			report.Created++
		case rbac.OutcomeUpdated:
			report.Updated++
		default:
			report.Unchanged++
		}
	}

	s.lastChecksum = c.Checksum
	return report, nil
}
