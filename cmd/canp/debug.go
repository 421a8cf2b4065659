package main

import (
	"context"
	"expvar"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/arl/statsviz"

	"github.com/Abyteon/canp/config"
)

// startDebugServer serves pprof, expvar and statsviz on the configured
// address. The returned function stops it.
func startDebugServer(cfg config.DebugConfig, logger *slog.Logger) func() {
	mux := http.NewServeMux()
	logger = logger.With("component", "DebugServer")

	if cfg.EnableProfiling {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		logger.Info("pprof profiling endpoints enabled on /debug/pprof")
	}
	if cfg.EnableMetrics {
		mux.Handle("/metrics", expvar.Handler())
		logger.Info("expvar metrics endpoint enabled on /metrics")
	}
	if cfg.EnableStatsviz {
		_ = statsviz.Register(mux,
			statsviz.Root("/viz"),
			statsviz.SendFrequency(250*time.Millisecond),
		)
		logger.Info("statsviz enabled on /viz")
	}

	server := &http.Server{Addr: cfg.Addr, Handler: mux}
	go func() {
		logger.Info("debug server listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("debug server stopped", "error", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}
}
