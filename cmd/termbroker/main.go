// Command termbroker runs the terminal output streaming broker: it
// connects to NATS for inbound PTY bytes from an external host process,
// serves authenticated WebSocket attachments, and exposes health and
// Prometheus endpoints.
//
// Grounded on go-server-3/cmd/odin-ws/main.go's wiring order (config,
// logger, metrics registry, transport, HTTP server, signal-driven
// shutdown).
package main

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"termbroker/internal/auth"
	"termbroker/internal/config"
	"termbroker/internal/httpapi"
	"termbroker/internal/logging"
	"termbroker/internal/metrics"
	"termbroker/internal/obs"
	"termbroker/internal/registry"
	"termbroker/pkg/termstream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	m := metrics.New()
	sampler := metrics.NewSystemSampler(m)
	go sampler.Run(5 * time.Second)
	defer sampler.Stop()

	sink := obs.New(log.Named("broker"), m)

	reg, err := registry.Connect(registry.Config{
		URL:             cfg.NATS.URL,
		SubjectPrefix:   cfg.NATS.SubjectPrefix,
		QueueGroup:      cfg.NATS.QueueGroup,
		MaxReconnects:   -1,
		ReconnectWait:   time.Second,
		ReconnectJitter: 200 * time.Millisecond,
	}, log.Named("registry"), m)
	if err != nil {
		log.Fatal("failed to connect to nats", zap.Error(err))
	}
	defer reg.Close()

	broker := termstream.NewBroker(reg, sink, cfg.Stream.ToTermstream())
	defer broker.Close()

	var authMgr *auth.Manager
	if cfg.Auth.Enabled {
		authMgr = auth.NewManager(cfg.Auth.Secret, cfg.Auth.Issuer)
	}

	server := httpapi.New(cfg.Server, cfg.Auth, authMgr, broker, m, log.Named("http"))
	if err := server.Start(); err != nil {
		log.Fatal("http server error", zap.Error(err))
	}
}
