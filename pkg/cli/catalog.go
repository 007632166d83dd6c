package cli

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/taskforge/pkg/app"
	"github.com/platinummonkey/taskforge/pkg/catalog"
)

func newMigrateCommand() *Command {
	return &Command{
		Name:        "migrate",
		Description: "Apply pending schema migrations",
		Run:         runMigrate,
	}
}

func runMigrate(ctx context.Context, env *Env, args []string) error {
	fs := newFlagSet("migrate", env)
	if err := fs.Parse(args); err != nil {
		return err
	}

	return withApp(ctx, env, func(a *app.App) error {
		n, err := a.Engine.Migrate(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(env.Out, "Applied %d migrations\n", n)
		return nil
	})
}

func newValidateCommand() *Command {
	return &Command{
		Name:        "validate",
		Description: "Validate a catalogue file without applying it",
		Run:         runValidate,
	}
}

func runValidate(ctx context.Context, env *Env, args []string) error {
	fs := newFlagSet("validate", env)
	file := fs.String("file", "", "Catalogue file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" {
		return fmt.Errorf("--file is required")
	}

	c, err := catalog.LoadFile(*file)
	if err != nil {
		return err
	}
	fmt.Fprintf(env.Out, "Catalog OK: %d permissions, %d templates (sha256 %s)\n",
		len(c.Permissions), len(c.Templates), c.Checksum)
	return nil
}

func newSyncCommand() *Command {
	return &Command{
		Name:        "sync",
		Description: "Apply the permission catalogue",
		Run:         runSync,
	}
}

func runSync(ctx context.Context, env *Env, args []string) error {
	fs := newFlagSet("sync", env)
	var s3cfg catalog.S3Config
	var path string
	if env.Config != nil {
		path, s3cfg = env.Config.Catalog.Path, env.Config.Catalog.S3
	}
	fs.StringVar(&path, "file", path, "Catalogue file")
	fs.StringVar(&s3cfg.Bucket, "s3-bucket", s3cfg.Bucket, "Catalogue bucket")
	fs.StringVar(&s3cfg.Key, "s3-key", s3cfg.Key, "Catalogue object key")
	fs.StringVar(&s3cfg.Region, "s3-region", s3cfg.Region, "Bucket region")
	fs.StringVar(&s3cfg.Endpoint, "s3-endpoint", s3cfg.Endpoint, "S3 endpoint (MinIO)")
	fs.BoolVar(&s3cfg.UsePathStyle, "s3-path-style", s3cfg.UsePathStyle, "Use path-style addressing")
	if err := fs.Parse(args); err != nil {
		return err
	}

	source, err := catalog.OpenSource(ctx, path, s3cfg)
	if err != nil {
		return err
	}

	logger := logrus.New()
	logger.SetOutput(env.Err)
	logger.SetLevel(logrus.WarnLevel)

	return withApp(ctx, env, func(a *app.App) error {
		syncer := catalog.NewSyncer(source, a.Engine,
			catalog.WithLogger(logger),
			catalog.WithAuditLogger(a.Audit),
			catalog.WithMetrics(a.Metrics),
		)
		report, err := syncer.Sync(ctx)
		if err != nil {
			return err
		}

		fmt.Fprintf(env.Out, "Synced %s: %d permissions, %d created, %d updated, %d unchanged\n",
			report.Source, report.PermissionsRegistered, report.Created, report.Updated, report.Unchanged)
		return nil
	})
}

func newPermissionsCommand() *Command {
	return &Command{
		Name:        "permissions",
		Description: "List registered permissions",
		Run:         runPermissions,
	}
}

func runPermissions(ctx context.Context, env *Env, args []string) error {
	fs := newFlagSet("permissions", env)
	asJSON := fs.Bool("json", false, "Print JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	return withApp(ctx, env, func(a *app.App) error {
		perms, err := a.Engine.Permissions(ctx)
		if err != nil {
			return err
		}
		if *asJSON {
			return printJSON(env.Out, perms)
		}

		tw := tabwriter.NewWriter(env.Out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tDESCRIPTION")
		for _, p := range perms {
			fmt.Fprintf(tw, "%s\t%s\n", p.Name, p.Description)
		}
		return tw.Flush()
	})
}

func newTemplatesCommand() *Command {
	return &Command{
		Name:        "templates",
		Description: "List role templates visible to an organisation",
		Run:         runTemplates,
	}
}

func runTemplates(ctx context.Context, env *Env, args []string) error {
	fs := newFlagSet("templates", env)
	org := fs.Int64("org", 0, "Organisation id (system templates only when unset)")
	asJSON := fs.Bool("json", false, "Print JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var orgID *int64
	if *org > 0 {
		orgID = org
	}

	return withApp(ctx, env, func(a *app.App) error {
		templates, err := a.Engine.ListTemplates(ctx, orgID)
		if err != nil {
			return err
		}
		if *asJSON {
			return printJSON(env.Out, templates)
		}

		tw := tabwriter.NewWriter(env.Out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tLEVEL\tKIND\tPERMISSIONS")
		for _, t := range templates {
			kind := "custom"
			if t.IsSystem {
				kind = "system"
			}
			fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%d\n", t.ID, t.Name, t.Level, kind, len(t.Permissions))
		}
		return tw.Flush()
	})
}
