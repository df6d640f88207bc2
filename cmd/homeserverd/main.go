// Command homeserverd is the process entrypoint: it loads configuration,
// opens the room server and federation storage pools, brings up the
// internal NATS bus, and wires C1-C9 together, then runs until it receives
// SIGINT or SIGTERM.
// It exposes no HTTP API of its own (client/federation endpoint wiring is
// explicitly out of scope, see SPEC_FULL.md §1) beyond the Prometheus
// metrics listener every dendrite-style component carries.
package main

import (
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	federationclient "github.com/matrixcore/matrixcore/federationapi/client"
	federationinternal "github.com/matrixcore/matrixcore/federationapi/internal"
	federationqueue "github.com/matrixcore/matrixcore/federationapi/queue"
	federationstorage "github.com/matrixcore/matrixcore/federationapi/storage"
	"github.com/matrixcore/matrixcore/internal/backpressure"
	"github.com/matrixcore/matrixcore/internal/caching"
	"github.com/matrixcore/matrixcore/internal/config"
	"github.com/matrixcore/matrixcore/internal/jetstream"
	"github.com/matrixcore/matrixcore/internal/logging"
	"github.com/matrixcore/matrixcore/internal/signing"
	"github.com/matrixcore/matrixcore/internal/tracing"
	roomserverinternal "github.com/matrixcore/matrixcore/roomserver/internal"
	roomserverstorage "github.com/matrixcore/matrixcore/roomserver/storage"
)

func main() {
	configPath := flag.String("config", "homeserver.yaml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("homeserverd: failed to load configuration")
	}

	logging.SetupStdLogging()
	logging.SetupHookLogging(cfg.Logging)

	if cfg.Global.Sentry.Enabled {
		if err := sentry.Init(sentry.ClientOptions{Dsn: cfg.Global.Sentry.DSN}); err != nil {
			logrus.WithError(err).Error("homeserverd: sentry.Init failed; continuing without error reporting")
		}
		defer sentry.Flush(2 * time.Second)
	}

	tracerCloser, err := tracing.Init("homeserverd", cfg.Global.Tracing)
	if err != nil {
		logrus.WithError(err).Fatal("homeserverd: failed to initialise tracing")
	}
	defer tracerCloser.Close()

	privateKey, err := signing.LoadOrGenerateKey(cfg.Global.PrivateKeyPath)
	if err != nil {
		logrus.WithError(err).Fatal("homeserverd: failed to load signing key")
	}
	keyID := signing.KeyID(cfg.Global.KeyID)

	natsConn, closeNATS, err := jetstream.Connect(cfg.Global.JetStream)
	if err != nil {
		logrus.WithError(err).Fatal("homeserverd: failed to start NATS")
	}
	defer closeNATS()

	caches, err := caching.NewRistrettoCaches(caching.Config{
		MaxEntries: cfg.Global.Cache.MaxEntries,
		MaxCost:    cfg.Global.Cache.MaxCost,
	})
	if err != nil {
		logrus.WithError(err).Fatal("homeserverd: failed to build caches")
	}

	roomDB, err := roomserverstorage.Open(
		cfg.RoomServer.Database.ConnectionString,
		cfg.RoomServer.Database.MaxOpenConns,
		cfg.RoomServer.Database.MaxIdleConns,
		cfg.Derived.ConnMaxLifetime,
	)
	if err != nil {
		logrus.WithError(err).Fatal("homeserverd: failed to open room server storage")
	}
	roomDB.SetStateRebaseInterval(cfg.Derived.StateRebaseInterval)

	fedDB, err := federationstorage.Open(
		cfg.FederationAPI.Database.ConnectionString,
		cfg.FederationAPI.Database.MaxOpenConns,
		cfg.FederationAPI.Database.MaxIdleConns,
		cfg.Derived.ConnMaxLifetime,
	)
	if err != nil {
		logrus.WithError(err).Fatal("homeserverd: failed to open federation storage")
	}

	rsAPI := roomserverinternal.NewRoomserverAPI(roomDB, caches, roomserverinternal.Config{
		ServerName:         cfg.Global.ServerName,
		KeyID:              keyID,
		PrivateKey:         privateKey,
		NATS:               natsConn,
		MaxConcurrentRooms: cfg.RoomServer.MaxConcurrentRooms,
		RateLimit: backpressure.Config{
			Enabled:   cfg.RoomServer.RateLimiting.Enabled,
			Threshold: cfg.RoomServer.RateLimiting.Threshold,
			Cooloff:   cfg.Derived.RateLimitCooloff,
		},
	})

	fedClient := federationclient.New(
		cfg.Global.ServerName, keyID, privateKey,
		cfg.FederationAPI.AllowNetworkCIDRs, cfg.FederationAPI.DenyNetworkCIDRs,
		cfg.Derived.FederationDialTimeout, cfg.Derived.FederationDialTimeout,
	)
	keyRing := signing.NewKeyRing(caches, fedClient)

	fedQueue := federationqueue.New(fedClient, fedDB, federationqueue.Config{
		MaxRetries:         cfg.FederationAPI.SendMaxRetries,
		BackoffBase:        cfg.Derived.FederationSendBackoffBase,
		BackoffCap:         cfg.Derived.FederationSendBackoffCap,
		MaxInFlightPerDest: int32(cfg.FederationAPI.MaxInFlightPerDest),
	})
	fedAPI := federationinternal.New(fedClient, fedQueue)

	rsAPI.SetFederationAPI(fedAPI, keyRing)

	if cfg.Global.Metrics.Enabled {
		go serveMetrics()
	}

	logrus.WithField("server_name", cfg.Global.ServerName).Info("homeserverd: ready")
	waitForShutdown()
}

func serveMetrics() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(":2112", mux); err != nil && err != http.ErrServerClosed {
		logrus.WithError(err).Error("homeserverd: metrics listener stopped")
	}
}

func waitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logrus.Info("homeserverd: shutting down")
}
