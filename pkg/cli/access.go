package cli

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/platinummonkey/taskforge/pkg/app"
	"github.com/platinummonkey/taskforge/pkg/rbac"
)

// resolveRole accepts a role id or the name of a template; a name resolves
// to the role the organisation currently uses for it
func resolveRole(ctx context.Context, a *app.App, value string, org int64) (int64, error) {
	if value == "" {
		return 0, fmt.Errorf("--role is required")
	}
	if id, ok := parseID(value); ok {
		return id, nil
	}
	r, err := a.Engine.ActiveRole(ctx, value, org)
	if err != nil {
		return 0, err
	}
	return r.ID, nil
}

func roleName(r *rbac.Role) string {
	if r.Template == nil {
		return fmt.Sprintf("#%d", r.ID)
	}
	return r.Template.Name
}

func newRolesCommand() *Command {
	return &Command{
		Name:        "roles",
		Description: "List roles usable in an organisation, or a subject's roles",
		Run:         runRoles,
	}
}

func runRoles(ctx context.Context, env *Env, args []string) error {
	fs := newFlagSet("roles", env)
	var s scope
	s.register(fs, true)
	asJSON := fs.Bool("json", false, "Print JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := s.requireOrg(); err != nil {
		return err
	}

	return withApp(ctx, env, func(a *app.App) error {
		var roles []*rbac.Role
		var err error
		if s.subject.set {
			roles, err = a.Engine.RolesFor(ctx, s.subject.subject, s.org)
		} else {
			roles, err = a.Engine.ListRoles(ctx, s.org)
		}
		if err != nil {
			return err
		}
		if *asJSON {
			return printJSON(env.Out, roles)
		}

		tw := tabwriter.NewWriter(env.Out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tLEVEL\tKIND")
		for _, r := range roles {
			kind := "custom"
			switch {
			case r.IsSystem():
				kind = "system"
			case r.OverridesSystem:
				kind = "override"
			}
			level := 0
			if r.Template != nil {
				level = r.Template.Level
			}
			fmt.Fprintf(tw, "%d\t%s\t%d\t%s\n", r.ID, roleName(r), level, kind)
		}
		return tw.Flush()
	})
}

func newEffectiveCommand() *Command {
	return &Command{
		Name:        "effective",
		Description: "Print a subject's effective permissions",
		Run:         runEffective,
	}
}

func runEffective(ctx context.Context, env *Env, args []string) error {
	fs := newFlagSet("effective", env)
	var s scope
	s.register(fs, true)
	asJSON := fs.Bool("json", false, "Print JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := s.requireSubject(); err != nil {
		return err
	}

	return withApp(ctx, env, func(a *app.App) error {
		perms, err := a.Engine.EffectivePermissions(ctx, s.subject.subject, s.org)
		if err != nil {
			return err
		}
		names := perms.Names()
		if *asJSON {
			if names == nil {
				names = []rbac.PermissionName{}
			}
			return printJSON(env.Out, names)
		}
		for _, name := range names {
			fmt.Fprintln(env.Out, name)
		}
		return nil
	})
}

func newCheckCommand() *Command {
	return &Command{
		Name:        "check",
		Description: "Decide whether a subject holds a permission",
		Run:         runCheck,
	}
}

func runCheck(ctx context.Context, env *Env, args []string) error {
	fs := newFlagSet("check", env)
	var s scope
	s.register(fs, true)
	permission := fs.String("permission", "", "Permission name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := s.requireSubject(); err != nil {
		return err
	}
	name, err := rbac.ParsePermissionName(*permission)
	if err != nil {
		return err
	}

	return withApp(ctx, env, func(a *app.App) error {
		d, err := a.Engine.Check(ctx, s.subject.subject, name, s.org)
		if err != nil {
			return err
		}
		result := "denied"
		if d.Allowed {
			result = "allowed"
		}
		fmt.Fprintf(env.Out, "%s %s %s in organisation %d (%s)\n", s.subject.subject, result, name, s.org, d.Source)
		return nil
	})
}

func newLevelCommand() *Command {
	return &Command{
		Name:        "level",
		Description: "Print the highest role level a subject holds",
		Run:         runLevel,
	}
}

func runLevel(ctx context.Context, env *Env, args []string) error {
	fs := newFlagSet("level", env)
	var s scope
	s.register(fs, true)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := s.requireSubject(); err != nil {
		return err
	}

	return withApp(ctx, env, func(a *app.App) error {
		level, err := a.Engine.HighestLevel(ctx, s.subject.subject, s.org)
		if errors.Is(err, rbac.ErrNoRole) {
			fmt.Fprintf(env.Out, "%s holds no role in organisation %d\n", s.subject.subject, s.org)
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Fprintln(env.Out, level)
		return nil
	})
}
