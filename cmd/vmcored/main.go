// Command vmcored is a demonstration host binary: it parses flags
// into engine.Options, builds an Engine, and exposes the Prometheus
// remote-write adjunct plus self-observability metrics over HTTP. The
// VM.* command surface itself is exercised through engine.Engine's Go
// API directly -- a real host embeds vmcore as a library inside its
// own key-value server's command dispatcher rather than through this
// binary (scope). This binary exists to give the engine an address
// to write samples at and a /metrics endpoint to scrape, the way the
// teacher's own main.go gives its server somewhere to listen.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vmcore/vmcore/engine"
	"github.com/vmcore/vmcore/remotewrite"
)

func main() {
	a := kingpin.New("vmcored", "Demonstration host for the vmcore in-process time-series engine.")
	a.HelpFlag.Short('h')

	listenAddr := a.Flag("web.listen-address", "Address to listen on for HTTP requests.").
		Default(":9090").String()
	retention := a.Flag("storage.retention", "Default series retention.").
		Default("360h").Duration()
	maxSamples := a.Flag("query.max-samples", "Maximum samples a single query may touch before failing. 0 is unbounded.").
		Default("50000000").Int64()
	queryTimeout := a.Flag("query.timeout", "Maximum wall-clock time for a single query.").
		Default("2m").Duration()
	rollupCacheBytes := a.Flag("rollup-cache.max-bytes", "Approximate byte budget for the rollup result cache.").
		Default("67108864").Int64()
	logLevel := a.Flag("log.level", "One of 'debug', 'info', 'warn', 'error'.").
		Default("info").Enum("debug", "info", "warn", "error")

	if _, err := a.Parse(os.Args[1:]); err != nil {
		kingpin.Fatalf("parsing flags: %v", err)
	}

	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
	logger = level.NewFilter(logger, levelOption(*logLevel))

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	eng, err := engine.New(engine.Options{
		Retention:            *retention,
		MaxSamplesPerQuery:   *maxSamples,
		QueryTimeout:         *queryTimeout,
		RollupCacheSizeBytes: *rollupCacheBytes,
		Logger:               logger,
		Registerer:           reg,
	})
	if err != nil {
		level.Error(logger).Log("msg", "failed to build engine", "err", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.Handle("/api/v1/write", remotewrite.NewHandler(eng, logger))
	mux.HandleFunc("/-/healthy", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	server := &http.Server{
		Addr:         *listenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	var g run.Group
	{
		term := make(chan os.Signal, 1)
		cancel := make(chan struct{})
		signal.Notify(term, os.Interrupt, syscall.SIGTERM)
		g.Add(func() error {
			select {
			case <-term:
				level.Info(logger).Log("msg", "received termination signal, shutting down")
			case <-cancel:
			}
			return nil
		}, func(error) {
			close(cancel)
		})
	}
	{
		g.Add(func() error {
			level.Info(logger).Log("msg", "listening", "addr", *listenAddr)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		}, func(error) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				level.Error(logger).Log("msg", "error during server shutdown", "err", err)
			}
			if err := eng.Close(); err != nil {
				level.Error(logger).Log("msg", "error closing engine", "err", err)
			}
		})
	}

	if err := g.Run(); err != nil {
		level.Error(logger).Log("msg", "exiting with error", "err", err)
		os.Exit(1)
	}
	level.Info(logger).Log("msg", "server stopped")
}

func levelOption(s string) level.Option {
	switch s {
	case "debug":
		return level.AllowDebug()
	case "warn":
		return level.AllowWarn()
	case "error":
		return level.AllowError()
	default:
		return level.AllowInfo()
	}
}
