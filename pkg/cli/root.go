package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/platinummonkey/taskforge/pkg/app"
	"github.com/platinummonkey/taskforge/pkg/audit"
	"github.com/platinummonkey/taskforge/pkg/config"
)

// Command represents a CLI command. A command either runs or dispatches to
// its subcommands.
type Command struct {
	Name        string
	Description string
	Run         func(ctx context.Context, env *Env, args []string) error
	Subcommands map[string]*Command
}

// Env is what commands run against
type Env struct {
	Out io.Writer
	Err io.Writer

	// Actor is recorded on audit events
	Actor  string
	Config *config.Config

	// Connect opens the runtime for commands that need the store
	Connect func(ctx context.Context) (*app.App, error)
}

// NewEnv returns an environment writing to stdout and stderr that connects
// with cfg
func NewEnv(cfg *config.Config) *Env {
	env := &Env{
		Out:    os.Stdout,
		Err:    os.Stderr,
		Actor:  os.Getenv("USER"),
		Config: cfg,
	}
	env.Connect = func(ctx context.Context) (*app.App, error) {
		return app.Open(ctx, cfg, nil, nil)
	}
	return env
}

// NewRootCommand creates the root command
func NewRootCommand() *Command {
	root := &Command{
		Name:        "taskforge-rbac",
		Description: "TaskForge RBAC administration",
		Subcommands: make(map[string]*Command),
	}

	for _, cmd := range []*Command{
		newMigrateCommand(),
		newValidateCommand(),
		newSyncCommand(),
		newPermissionsCommand(),
		newTemplatesCommand(),
		newRolesCommand(),
		newEffectiveCommand(),
		newCheckCommand(),
		newLevelCommand(),
		newOverrideCommand(),
		newRevertCommand(),
		newAddPermissionsCommand(),
		newRemovePermissionsCommand(),
		newGrantCommand(),
		newDenyCommand(),
		newClearCommand(),
		newAssignCommand(),
		newRevokeCommand(),
		newCreateRoleCommand(),
		newDeleteRoleCommand(),
		newMembersCommand(),
		newAuditExportCommand(),
	} {
		root.Subcommands[cmd.Name] = cmd
	}

	return root
}

// Execute runs the command named by args[0]
func (c *Command) Execute(ctx context.Context, env *Env, args []string) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		return c.usage(env.Out)
	}

	subcmd, ok := c.Subcommands[args[0]]
	if !ok {
		return fmt.Errorf("unknown command: %s", args[0])
	}

	if env.Actor != "" && audit.ActorFromContext(ctx) == "" {
		ctx = audit.WithActor(ctx, env.Actor)
	}
	if len(subcmd.Subcommands) > 0 {
		return subcmd.Execute(ctx, env, args[1:])
	}
	return subcmd.Run(ctx, env, args[1:])
}

// usage prints the command usage
func (c *Command) usage(w io.Writer) error {
	names := make([]string, 0, len(c.Subcommands))
	for name := range c.Subcommands {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintf(w, "Usage: %s <command> [flags]\n\n", c.Name)
	fmt.Fprintf(w, "Commands:\n")
	for _, name := range names {
		fmt.Fprintf(w, "  %-20s %s\n", name, c.Subcommands[name].Description)
	}
	return nil
}

// withApp connects, runs fn and closes the runtime
func withApp(ctx context.Context, env *Env, fn func(a *app.App) error) error {
	if env.Connect == nil {
		return fmt.Errorf("no store configured")
	}
	a, err := env.Connect(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer a.Close()
	return fn(a)
}
