package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/rcourtman/snowctl/internal/audit"
	"github.com/rcourtman/snowctl/internal/config"
	"github.com/rcourtman/snowctl/internal/credentials"
	snowerrors "github.com/rcourtman/snowctl/internal/errors"
	"github.com/rcourtman/snowctl/internal/instances"
	"github.com/rcourtman/snowctl/internal/logging"
	"github.com/rcourtman/snowctl/internal/tools"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// rootOptions holds the persistent flags shared by every command.
type rootOptions struct {
	instance  string
	user      string
	password  string
	logLevel  string
	logFormat string
	verbose   bool
}

// app is the wired runtime for one command invocation.
type app struct {
	cfg       *config.Config
	store     *config.Store
	creds     *credentials.Store
	instances *instances.Manager
	audit     *audit.Logger
	svc       *tools.Service
}

func (a *app) Close() {
	if err := a.audit.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close audit log")
	}
}

// load reads configuration, applies flag overrides and wires the service.
func (o *rootOptions) load(cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if o.instance != "" {
		cfg.Instance = o.instance
	}
	if o.user != "" {
		cfg.User = o.user
	}
	if o.password != "" {
		cfg.Password = o.password
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	if o.verbose {
		cfg.LogLevel = "debug"
	}
	if o.logFormat != "" {
		cfg.LogFormat = o.logFormat
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "snow",
		FilePath:  cfg.LogFile,
		Output:    cmd.ErrOrStderr(),
	})

	store := config.NewStore(cfg.ConfigFile())
	creds := credentials.NewStore(store, credentials.Options{
		DataDir:        cfg.DataDir,
		Passphrase:     cfg.KeyringPassphrase,
		ProbeTimeout:   cfg.KeyringProbeTimeout,
		DisableKeyring: cfg.DisableKeyring,
	})
	mgr := instances.NewManager(cfg, store, creds)
	auditLog := audit.Open(cmd.Context(), cfg, false)

	svc, err := tools.New(tools.Options{Config: cfg, Instances: mgr, Audit: auditLog})
	if err != nil {
		_ = auditLog.Close()
		return nil, err
	}
	return &app{cfg: cfg, store: store, creds: creds, instances: mgr, audit: auditLog, svc: svc}, nil
}

// withApp adapts a command body that needs the wired runtime.
func (o *rootOptions) withApp(fn func(cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := o.load(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(cmd, a, args)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "snow",
		Short: "snow - ServiceNow command line and tool server",
		Long: `snow runs background scripts, reads records and inspects tables on ServiceNow
instances. The same operations are served to automated clients with 'snow serve'.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.instance, "instance", "i", "", "target instance (overrides SNOW_INSTANCE and the default)")
	flags.StringVar(&opts.user, "user", "", "username override for this invocation")
	flags.StringVar(&opts.password, "password", "", "password override for this invocation")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.StringVar(&opts.logFormat, "log-format", "", "log format: auto, json, console")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")

	cmd.AddCommand(
		newVersionCmd(),
		newInstanceCmd(opts),
		newLoginCmd(opts),
		newElevateCmd(opts),
		newLogoutCmd(opts),
		newRunCmd(opts),
		newRecordCmd(opts),
		newTableCmd(opts),
		newAuditCmd(opts),
		newServeCmd(opts),
	)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "snow %s\n", Version)
			if BuildTime != "unknown" {
				fmt.Fprintf(out, "Built: %s\n", BuildTime)
			}
			if GitCommit != "unknown" {
				fmt.Fprintf(out, "Commit: %s\n", GitCommit)
			}
		},
	}
}

// execute runs the command tree against args and returns the exit code.
func execute(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetIn(stdin)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "Error: %s\n", strings.TrimSpace(err.Error()))
		if errors.Is(err, snowerrors.ErrNotAuthenticated) || errors.Is(err, snowerrors.ErrSessionExpired) {
			fmt.Fprintln(stderr, "Run 'snow login' and try again.")
		}
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(context.Background(), os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
