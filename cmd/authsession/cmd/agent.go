package cmd

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ideamans/authsession/pkg/agent"
	"github.com/ideamans/authsession/pkg/authsession"
	"github.com/ideamans/authsession/pkg/config"
	"github.com/ideamans/authsession/pkg/watcher"
)

var agentListen string

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Serve access tokens to local processes over HTTP",
	Long: `Run a local token agent.

Endpoints:
  GET  /token?audience=&scope=   access token for audience and scopes
  GET  /session                  current session
  POST /login                    sign in through the system browser
  POST /logout?local=true        sign out
  GET  /healthz                  liveness
  GET  /metrics                  Prometheus metrics

The configuration file is watched; log level and rate limit changes apply in
place and identity changes rebuild the session.`,
	RunE: runAgent,
}

func init() {
	agentCmd.Flags().StringVar(&agentListen, "listen", "", "Listen address (default: agent.listen)")
	rootCmd.AddCommand(agentCmd)
}

func runAgent(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := agent.New(agent.Options{
		Config: rt.cfg,
		Factory: func(cfg *config.Config) (*authsession.AuthSession, error) {
			s, err := rt.newSession(cfg)
			if err != nil {
				return nil, err
			}
			if _, err := s.HandleRedirectCallback(ctx); err != nil {
				rt.logger.Warn("Could not restore the previous session", "error", err)
			}
			return s, nil
		},
		Gatherer: rt.registry,
		Levels:   rt.logger,
		Logger:   rt.logger,
	})
	if err != nil {
		return err
	}
	defer a.Close()

	w, err := watcher.New(watcher.WatcherConfig{
		Loader:     rt.loader,
		Target:     a,
		ConfigPath: rt.loader.Path(),
		Initial:    rt.cfg,
		Logger:     rt.logger,
	})
	if err != nil {
		return err
	}
	go func() {
		if err := w.Watch(ctx); err != nil {
			rt.logger.Error("Configuration watch failed", "error", err)
		}
	}()

	addr := agentListen
	if addr == "" {
		addr = rt.cfg.Agent.Listen
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return a.Serve(ctx, ln)
}

