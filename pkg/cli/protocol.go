package cli

import (
	"context"
	"flag"
	"fmt"

	"github.com/platinummonkey/taskforge/pkg/app"
	"github.com/platinummonkey/taskforge/pkg/rbac"
)

func newOverrideCommand() *Command {
	return &Command{
		Name:        "override",
		Description: "Give an organisation its own copy of a system role",
		Run:         runOverride,
	}
}

// templateFlags records which optional template fields were passed
type templateFlags struct {
	displayName string
	description string
	level       int
}

func (f *templateFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.displayName, "display-name", "", "Display name")
	fs.StringVar(&f.description, "description", "", "Description")
	fs.IntVar(&f.level, "level", 0, "Role level")
}

func (f *templateFlags) fields(fs *flag.FlagSet) rbac.TemplateFields {
	var fields rbac.TemplateFields
	fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "display-name":
			fields.DisplayName = &f.displayName
		case "description":
			fields.Description = &f.description
		case "level":
			fields.Level = &f.level
		}
	})
	return fields
}

func runOverride(ctx context.Context, env *Env, args []string) error {
	fs := newFlagSet("override", env)
	var s scope
	s.register(fs, false)
	template := fs.String("template", "", "System template id or name")
	permissions := fs.String("permissions", "", "Comma separated permissions (default: copy the system template)")
	var tf templateFlags
	tf.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := s.requireOrg(); err != nil {
		return err
	}
	if *template == "" {
		return fmt.Errorf("--template is required")
	}

	var names []rbac.PermissionName
	if *permissions != "" {
		var err error
		if names, err = parsePermissionList(*permissions); err != nil {
			return err
		}
	}

	return withApp(ctx, env, func(a *app.App) error {
		templateID, ok := parseID(*template)
		if !ok {
			t, err := a.Engine.FindTemplate(ctx, *template, nil)
			if err != nil {
				return err
			}
			templateID = t.ID
		}

		result, err := a.Engine.CreateOverride(ctx, templateID, s.org, tf.fields(fs), names)
		if err != nil {
			return err
		}
		fmt.Fprintf(env.Out, "Created override role %d (template %d) in organisation %d, migrated %d users\n",
			result.Role.ID, result.Template.ID, s.org, result.MigratedUserCount)
		return nil
	})
}

func newRevertCommand() *Command {
	return &Command{
		Name:        "revert",
		Description: "Return an overridden role to its system role",
		Run:         runRevert,
	}
}

func runRevert(ctx context.Context, env *Env, args []string) error {
	fs := newFlagSet("revert", env)
	var s scope
	s.register(fs, false)
	role := fs.String("role", "", "Override role id or template name")
	purge := fs.Bool("purge", false, "Delete the detached override role")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := s.requireOrg(); err != nil {
		return err
	}

	return withApp(ctx, env, func(a *app.App) error {
		roleID, err := resolveRole(ctx, a, *role, s.org)
		if err != nil {
			return err
		}

		result, err := a.Engine.RevertToSystem(ctx, roleID, s.org, rbac.RevertOptions{PurgeOrphan: *purge})
		if err != nil {
			return err
		}
		fmt.Fprintf(env.Out, "Reverted role %d to system role %d, migrated %d users\n",
			roleID, result.SystemRole.ID, result.MigratedUserCount)
		if result.RolePurged {
			fmt.Fprintf(env.Out, "Deleted role %d (template deleted: %t)\n", roleID, result.TemplatePurged)
		}
		return nil
	})
}

func newAddPermissionsCommand() *Command {
	return &Command{
		Name:        "add-permissions",
		Description: "Add permissions to a role, overriding a system role first",
		Run: func(ctx context.Context, env *Env, args []string) error {
			return runChangePermissions(ctx, env, "add-permissions", args, true)
		},
	}
}

func newRemovePermissionsCommand() *Command {
	return &Command{
		Name:        "remove-permissions",
		Description: "Remove permissions from a role, overriding a system role first",
		Run: func(ctx context.Context, env *Env, args []string) error {
			return runChangePermissions(ctx, env, "remove-permissions", args, false)
		},
	}
}

func runChangePermissions(ctx context.Context, env *Env, name string, args []string, add bool) error {
	fs := newFlagSet(name, env)
	var s scope
	s.register(fs, false)
	role := fs.String("role", "", "Role id or template name")
	permissions := fs.String("permissions", "", "Comma separated permissions")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := s.requireOrg(); err != nil {
		return err
	}
	names, err := parsePermissionList(*permissions)
	if err != nil {
		return err
	}

	return withApp(ctx, env, func(a *app.App) error {
		roleID, err := resolveRole(ctx, a, *role, s.org)
		if err != nil {
			return err
		}

		var change *rbac.PermissionChange
		if add {
			change, err = a.Engine.AddPermissions(ctx, roleID, s.org, names)
		} else {
			change, err = a.Engine.RemovePermissions(ctx, roleID, s.org, names)
		}
		if err != nil {
			return err
		}

		if change.Override != nil {
			fmt.Fprintf(env.Out, "Overrode system role %d as role %d, migrated %d users\n",
				roleID, change.Role.ID, change.Override.MigratedUserCount)
		}
		perms := 0
		if change.Role.Template != nil {
			perms = len(change.Role.Template.Permissions)
		}
		fmt.Fprintf(env.Out, "Role %d now has %d permissions\n", change.Role.ID, perms)
		return nil
	})
}
