package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nobletooth/kvcache/pkg/utils"
)

var (
	adminAddress    = flag.String("admin_address", ":9090", "The ip:port serving /metrics and /healthz.")
	shutdownTimeout = flag.Duration("shutdown_timeout", 5*time.Second,
		"How long the admin server waits for in-flight requests on shutdown.")
)

// newAdminRouter routes the operational endpoints of kvcached.
func newAdminRouter() *mux.Router {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = fmt.Fprintln(w, "ok")
	}).Methods(http.MethodGet)
	router.HandleFunc("/buildz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = fmt.Fprintf(w, "version=%s commit=%s build=%s uptime=%s\n",
			utils.Version, utils.Commit, utils.BuildTime, time.Since(utils.StartTime).Truncate(time.Second))
	}).Methods(http.MethodGet)
	return router
}

// runAdminServer serves the admin router on --admin_address until `ctx` is done. An empty address disables it.
func runAdminServer(ctx context.Context) error {
	if *adminAddress == "" {
		slog.Info("Admin server disabled.")
		return nil
	}
	server := &http.Server{
		Addr:              *adminAddress,
		Handler:           newAdminRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErrs := make(chan error, 1)
	go func() { serveErrs <- server.ListenAndServe() }()
	slog.Info("Serving admin endpoints.", "address", *adminAddress)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), *shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down admin server: %w", err)
		}
		return nil
	case err := <-serveErrs:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("admin server stopped unexpectedly: %w", err)
	}
}
