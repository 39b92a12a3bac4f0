package main

import (
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/rcourtman/snowctl/internal/audit"
	"github.com/rcourtman/snowctl/internal/config"
	"github.com/rcourtman/snowctl/internal/mcp"
	"github.com/rcourtman/snowctl/internal/session"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var (
		metricsAddr string
		echoAudit   bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the tools to an MCP client over stdio",
		Long: `Serve every snow operation as an MCP tool over stdin/stdout. Logs go to
stderr. The instances file is watched and reloaded while serving.`,
		Args: cobra.NoArgs,
		RunE: opts.withApp(func(cmd *cobra.Command, a *app, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if echoAudit {
				a.audit.AddSink(audit.NewConsoleSink())
			}
			if metricsAddr != "" {
				if _, err := startMetricsServer(ctx, metricsAddr); err != nil {
					return err
				}
			}

			if w, err := watchInstances(a); err != nil {
				log.Warn().Err(err).Msg("Instances file will not be reloaded while serving")
			} else {
				defer w.Stop()
			}

			log.Info().Str("version", Version).Str("data_dir", a.cfg.DataDir).Msg("Starting snow tool server")
			err := mcp.NewServer(a.svc, Version).Run(ctx)
			if err != nil && ctx.Err() != nil {
				return nil
			}
			return err
		}),
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. 127.0.0.1:9091")
	cmd.Flags().BoolVar(&echoAudit, "audit-echo", false, "also write audit events to the log")
	return cmd
}

// watchInstances drops the sessions of instances removed from another shell.
func watchInstances(a *app) (*config.Watcher, error) {
	w, err := config.NewWatcher(a.store)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	known := map[string]bool{}
	if list, err := a.instances.List(); err == nil {
		for _, s := range list {
			known[s.Host] = true
		}
	}
	w.OnReload(func(doc *config.Document) {
		mu.Lock()
		defer mu.Unlock()
		next := make(map[string]bool, len(doc.Instances))
		for host := range doc.Instances {
			next[host] = true
		}
		for host := range known {
			if !next[host] {
				forgetSession(a.svc.Sessions(), host)
			}
		}
		known = next
		log.Info().Int("instances", len(next)).Str("default", doc.DefaultInstance).Msg("Reloaded instances")
	})

	if err := w.Start(); err != nil {
		w.Stop()
		return nil, err
	}
	return w, nil
}

func forgetSession(sessions *session.Manager, host string) {
	sessions.Forget(host)
	log.Info().Str("instance", host).Msg("Instance removed; dropped its session")
}
