package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/sapcc/go-api-declarations/bininfo"
	"go.uber.org/zap"

	_ "go.uber.org/automaxprocs"

	"github.com/cosmic-connect/cosmic-connectd/internal/config"
	"github.com/cosmic-connect/cosmic-connectd/internal/cosmicconnect"

	_ "github.com/cosmic-connect/cosmic-connectd/plugins/ping"
	_ "github.com/cosmic-connect/cosmic-connectd/plugins/share"
)

func main() {
	// if called with `--version`, report version and exit
	bininfo.HandleVersionArgument()

	var development bool
	flag.BoolVar(&development, "development", false, "Use a human-readable, debug-level logger instead of the production JSON encoder.")
	cfg := config.Defaults()
	cfg.BindFlags(flag.CommandLine)
	flag.Parse()

	if err := cfg.Finalize(); err != nil {
		fmt.Fprintln(os.Stderr, "cosmicconnectd: invalid configuration:", err)
		os.Exit(1)
	}

	zapLog, err := newZapLogger(development)
	if err != nil {
		fmt.Fprintln(os.Stderr, "cosmicconnectd: unable to build logger:", err)
		os.Exit(1)
	}
	defer zapLog.Sync() //nolint:errcheck
	log := zapr.NewLogger(zapLog)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	core, err := cosmicconnect.New(ctx, cfg, log.WithName("core"))
	if err != nil {
		log.Error(err, "unable to construct core")
		os.Exit(1)
	}

	serveHealthAndMetrics(ctx, cfg.MetricsBindAddress, log.WithName("health"))

	log.Info("starting", "device-id", cfg.DeviceID, "device-name", cfg.DeviceName, "udp-port", cfg.UDPPort, "tcp-port", cfg.TCPPort)
	if err := core.Start(ctx); err != nil {
		log.Error(err, "unable to start")
		os.Exit(1)
	}

	<-ctx.Done()
	log.Info("received shutdown signal, draining")
	core.Shutdown()
	log.Info("stopped")
}

func newZapLogger(development bool) (*zap.Logger, error) {
	if development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// serveHealthAndMetrics starts a bare liveness endpoint on addr, mirroring
// the bind-address-or-"0"-to-disable convention of a manager's metrics
// server, minus the metrics themselves: this daemon has no request-serving
// surface worth instrumenting beyond "is the process up", so /healthz is
// all it exposes. A nil or "0" addr disables it entirely, matching the
// config default. The listener runs until ctx is cancelled; a failure to
// bind is logged, not fatal, since it is diagnostic tooling, not the
// daemon's actual job.
func serveHealthAndMetrics(ctx context.Context, addr *string, log logr.Logger) {
	if addr == nil || *addr == "" || *addr == "0" {
		return
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := &http.Server{Addr: *addr, Handler: mux}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error(err, "health endpoint stopped", "addr", *addr)
		}
	}()
	log.Info("health endpoint listening", "addr", *addr)
}
