package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"splatstream/internal/api"
	"splatstream/internal/app"
	"splatstream/internal/controller"
	"splatstream/internal/metrics"
	"splatstream/internal/viewer"
)

var listenAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the viewer daemon",
	Long: `Run the HTTP daemon. Each viewer loads one splat at a time:

  PUT    /viewers/{id}/source    {"url": "..."}
  GET    /viewers/{id}
  GET    /viewers/{id}/asset
  GET    /viewers/{id}/progress  (websocket)
  DELETE /viewers/{id}
  POST   /cache/prefetch         {"urls": [...], "parallel": 4}
  GET    /healthz, /metrics`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if listenAddr != "" {
			cfg.Listen = listenAddr
		}
		log.Infof("Starting splat streaming daemon...")
		log.Infof("Log level set to: %s", cfg.LogLevel)

		p, err := app.New(cmd.Context(), cfg, log, app.Options{})
		if err != nil {
			return err
		}
		defer p.Close()

		reg := prometheus.NewRegistry()
		metrics.RegisterMetrics(reg)

		viewers := viewer.NewManager(log, func(id string) *controller.Controller {
			return p.NewController()
		})
		router := api.New(viewers, p.Warmer(), reg, log)

		server := &http.Server{
			Addr:    cfg.Listen,
			Handler: router,
		}

		serverErr := make(chan error, 1)
		go func() {
			log.Infof("Server starting on %s", cfg.Listen)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				serverErr <- err
			}
		}()

		// Listen for shutdown signals
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		select {
		case <-quit:
		case err := <-serverErr:
			log.Errorf("Could not listen on %s: %v", cfg.Listen, err)
			return err
		}
		log.Infof("Server is shutting down...")

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		// Closing the viewers also ends their progress websockets.
		viewers.Stop()

		if err := server.Shutdown(ctx); err != nil {
			log.Errorf("Server shutdown failed: %v", err)
			return err
		}

		log.Infof("Server exited gracefully")
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVarP(&listenAddr, "listen", "l", "", "HTTP listen address (default from config, :8080)")
	rootCmd.AddCommand(serveCmd)
}
