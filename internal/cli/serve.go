package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"schedflow/internal/api"
	"schedflow/internal/config"
	"schedflow/internal/scheduler"
)

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the task runner, the HTTP API and the schedule tick driver",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfgManager)
			if err != nil {
				return err
			}
			defer a.Close()

			cfg := cfgManager.Get()
			if addr == "" {
				addr = cfg.HTTP.Addr
			}
			srv := &http.Server{
				Addr: addr,
				Handler: api.NewServer(api.Options{
					Store:         a.store,
					Registry:      a.registry,
					Facade:        a.facade,
					Ticker:        a.ticker,
					Settings:      cfgManager,
					Runner:        a.runner,
					TickOnRequest: cfg.HTTP.TickOnRequest,
					Debug:         cfg.HTTP.Debug,
				}),
				ReadHeaderTimeout: 10 * time.Second,
			}

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return a.runner.Run(ctx) })
			g.Go(func() error {
				return scheduler.NewService(a.ticker, cfg.Scheduler.TickInterval).Start(ctx)
			})
			g.Go(func() error { return cfgManager.Watch(ctx) })
			g.Go(func() error { return followReloads(ctx, cfgManager.Subscribe(), a.runner) })
			g.Go(func() error {
				log.Info().Str("addr", addr).Msg("HTTP server starting")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				log.Info().Msg("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP bind address (overrides http.addr)")
	return cmd
}

// followReloads wakes the runner on every committed config change so new
// runner settings apply without waiting out the old wakeup delay.
func followReloads(ctx context.Context, updates <-chan *config.Config, w api.Waker) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case cfg := <-updates:
			log.Info().
				Int("max_concurrency", cfg.Runner.MaxConcurrency).
				Dur("wakeup_delay", cfg.Runner.WakeupDelay).
				Msg("runner settings reloaded")
			w.Wake()
		}
	}
}
