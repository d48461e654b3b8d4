package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveNoWorkers bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API together with the job workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context(), !serveNoWorkers)
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the job workers without the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext(cmd.Context())
		defer stop()
		return app.Scheduler.Run(ctx)
	},
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func runServe(parent context.Context, workers bool) error {
	ctx, stop := signalContext(parent)
	defer stop()

	log := app.Log.WithField("component", "server")
	srv := &http.Server{
		Addr:              ":" + app.Config.Server.Port,
		Handler:           app.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithFields(logrus.Fields{
			"port":       app.Config.Server.Port,
			"public_url": app.Config.Server.PublicURL,
			"database":   app.Config.Database.Driver,
		}).Info("Starting mailsync server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		log.Info("Shutting down server")
		return srv.Shutdown(shutdownCtx)
	})
	if workers {
		g.Go(func() error {
			return app.Scheduler.Run(ctx)
		})
	}
	return g.Wait()
}

func init() {
	serveCmd.Flags().BoolVar(&serveNoWorkers, "no-workers", false, "serve HTTP only; run workers with 'mailsync worker'")
}
