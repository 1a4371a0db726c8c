package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/warp/attendance-points/api"
)

func init() {
	rootCmd.AddCommand(serveCmd)

	f := serveCmd.Flags()
	f.Int("port", 0, "HTTP server port (env PORT)")
	f.Duration("verify-interval", 0, "Scheduled verification interval, 0 disables (env VERIFY_INTERVAL)")
	f.Bool("verify-auto-fix", false, "Let scheduled verification fix drift (env VERIFY_AUTOFIX)")
	f.Bool("two-step-only", false, "Never use the atomic write path (env TWO_STEP_ONLY)")

	_ = v.BindPFlag("PORT", f.Lookup("port"))
	_ = v.BindPFlag("VERIFY_INTERVAL", f.Lookup("verify-interval"))
	_ = v.BindPFlag("VERIFY_AUTOFIX", f.Lookup("verify-auto-fix"))
	_ = v.BindPFlag("TWO_STEP_ONLY", f.Lookup("two-step-only"))
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Run the HTTP API. On SIGINT/SIGTERM the server stops accepting
connections, waits up to 30s for active requests, stops the scheduler and
closes the store.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := loadApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.backend.Close()

	handler := api.NewHandler(a.backend, api.Config{
		Calendar:    a.cfg.Calendar(),
		Defaults:    a.cfg.Rewards,
		TwoStepOnly: a.cfg.TwoStepOnly,
		Logger:      a.logger,
	})
	router := api.NewRouter(handler, api.RouterOptions{
		CORSOrigins: a.cfg.CORSOrigins,
		RateLimit:   a.cfg.RateLimit,
		RateBurst:   a.cfg.RateBurst,
	})

	scheduler := api.NewVerificationScheduler(a.backend, handler.Reconciler, a.logger)
	scheduler.CheckInterval = a.cfg.VerifyInterval
	scheduler.AutoFix = a.cfg.VerifyAutoFix
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", a.cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info().Int("port", a.cfg.Port).Str("driver", a.cfg.DBDriver).Msg("Server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	a.logger.Info().Msg("Shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	a.logger.Info().Msg("Server stopped")
	return nil
}
