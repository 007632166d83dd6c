package cli

import (
	"context"
	"fmt"

	"github.com/platinummonkey/taskforge/pkg/app"
	"github.com/platinummonkey/taskforge/pkg/rbac"
)

func newGrantCommand() *Command {
	return &Command{
		Name:        "grant",
		Description: "Grant a permission to a subject directly",
		Run: func(ctx context.Context, env *Env, args []string) error {
			return runOverridePermission(ctx, env, "grant", args)
		},
	}
}

func newDenyCommand() *Command {
	return &Command{
		Name:        "deny",
		Description: "Deny a permission to a subject whatever its roles",
		Run: func(ctx context.Context, env *Env, args []string) error {
			return runOverridePermission(ctx, env, "deny", args)
		},
	}
}

func newClearCommand() *Command {
	return &Command{
		Name:        "clear",
		Description: "Remove a subject's direct grant or denial",
		Run: func(ctx context.Context, env *Env, args []string) error {
			return runOverridePermission(ctx, env, "clear", args)
		},
	}
}

func runOverridePermission(ctx context.Context, env *Env, action string, args []string) error {
	fs := newFlagSet(action, env)
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
		subject := s.subject.subject
		switch action {
		case "grant":
			_, err = a.Engine.Grant(ctx, subject, name, s.org)
		case "deny":
			_, err = a.Engine.Deny(ctx, subject, name, s.org)
		default:
			err = a.Engine.ClearOverride(ctx, subject, name, s.org)
		}
		if err != nil {
			return err
		}

		verb := map[string]string{"grant": "Granted", "deny": "Denied", "clear": "Cleared"}[action]
		fmt.Fprintf(env.Out, "%s %s for %s in organisation %d\n", verb, name, subject, s.org)
		return nil
	})
}

func newAssignCommand() *Command {
	return &Command{
		Name:        "assign",
		Description: "Assign a role to a subject",
		Run:         runAssign,
	}
}

func runAssign(ctx context.Context, env *Env, args []string) error {
	fs := newFlagSet("assign", env)
	var s scope
	s.register(fs, true)
	role := fs.String("role", "", "Role id or template name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := s.requireSubject(); err != nil {
		return err
	}

	return withApp(ctx, env, func(a *app.App) error {
		roleID, err := resolveRole(ctx, a, *role, s.org)
		if err != nil {
			return err
		}
		r, err := a.Engine.Assign(ctx, roleID, s.subject.subject, s.org)
		if err != nil {
			return err
		}
		fmt.Fprintf(env.Out, "Assigned role %d (%s) to %s in organisation %d\n", r.ID, roleName(r), s.subject.subject, s.org)
		return nil
	})
}

func newRevokeCommand() *Command {
	return &Command{
		Name:        "revoke",
		Description: "Revoke a role from a subject",
		Run:         runRevoke,
	}
}

func runRevoke(ctx context.Context, env *Env, args []string) error {
	fs := newFlagSet("revoke", env)
	var s scope
	s.register(fs, true)
	role := fs.String("role", "", "Role id or template name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := s.requireSubject(); err != nil {
		return err
	}

	return withApp(ctx, env, func(a *app.App) error {
		roleID, err := resolveRole(ctx, a, *role, s.org)
		if err != nil {
			return err
		}
		if err := a.Engine.Revoke(ctx, roleID, s.subject.subject, s.org); err != nil {
			return err
		}
		fmt.Fprintf(env.Out, "Revoked role %d from %s in organisation %d\n", roleID, s.subject.subject, s.org)
		return nil
	})
}

func newCreateRoleCommand() *Command {
	return &Command{
		Name:        "create-role",
		Description: "Create a custom role in an organisation",
		Run:         runCreateRole,
	}
}

func runCreateRole(ctx context.Context, env *Env, args []string) error {
	fs := newFlagSet("create-role", env)
	var s scope
	s.register(fs, false)
	name := fs.String("name", "", "Template name")
	permissions := fs.String("permissions", "", "Comma separated permissions")
	var tf templateFlags
	tf.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := s.requireOrg(); err != nil {
		return err
	}
	if *name == "" {
		return fmt.Errorf("--name is required")
	}
	names, err := parsePermissionList(*permissions)
	if err != nil {
		return err
	}

	return withApp(ctx, env, func(a *app.App) error {
		r, err := a.Engine.CreateCustomRole(ctx, s.org, rbac.TemplateInput{
			Name:        *name,
			DisplayName: tf.displayName,
			Description: tf.description,
			Level:       tf.level,
			Permissions: names,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(env.Out, "Created role %d (%s) in organisation %d\n", r.ID, roleName(r), s.org)
		return nil
	})
}

func newDeleteRoleCommand() *Command {
	return &Command{
		Name:        "delete-role",
		Description: "Delete an unassigned custom or reverted role",
		Run:         runDeleteRole,
	}
}

func runDeleteRole(ctx context.Context, env *Env, args []string) error {
	fs := newFlagSet("delete-role", env)
	var s scope
	s.register(fs, false)
	role := fs.Int64("role", 0, "Role id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := s.requireOrg(); err != nil {
		return err
	}
	if *role <= 0 {
		return fmt.Errorf("--role is required")
	}

	return withApp(ctx, env, func(a *app.App) error {
		templateDeleted, err := a.Engine.DeleteRole(ctx, *role, s.org)
		if err != nil {
			return err
		}
		fmt.Fprintf(env.Out, "Deleted role %d (template deleted: %t)\n", *role, templateDeleted)
		return nil
	})
}
