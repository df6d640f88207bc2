// Package jetstream starts or connects to the NATS bus C9's notifier
// publishes to, mirroring dendrite's own setup/jetstream convention of
// offering either a real cluster address list or a single embedded
// in-process server for standalone deployments.
package jetstream

import (
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/matrixcore/matrixcore/internal/config"
)

// Connect returns a ready *nats.Conn per cfg, and a shutdown func the
// caller should invoke at process exit. When cfg.InMemory is set (or no
// Addresses are configured) it starts an embedded nats-server instance
// rather than dialing out, so a single binary has no external dependency
// for local development or single-node deployments.
func Connect(cfg config.JetStream) (*nats.Conn, func(), error) {
	if !cfg.InMemory && len(cfg.Addresses) > 0 {
		nc, err := nats.Connect(joinAddresses(cfg.Addresses))
		if err != nil {
			return nil, nil, fmt.Errorf("jetstream: connect to %v: %w", cfg.Addresses, err)
		}
		return nc, nc.Close, nil
	}

	opts := &server.Options{
		JetStream: true,
		StoreDir:  cfg.StoragePath,
		NoLog:     true,
		NoSigs:    true,
	}
	embedded, err := server.NewServer(opts)
	if err != nil {
		return nil, nil, fmt.Errorf("jetstream: start embedded server: %w", err)
	}
	go embedded.Start()
	if !embedded.ReadyForConnections(10 * time.Second) {
		return nil, nil, fmt.Errorf("jetstream: embedded server did not become ready in time")
	}

	nc, err := nats.Connect(embedded.ClientURL())
	if err != nil {
		embedded.Shutdown()
		return nil, nil, fmt.Errorf("jetstream: connect to embedded server: %w", err)
	}
	return nc, func() {
		nc.Close()
		embedded.Shutdown()
	}, nil
}

func joinAddresses(addrs []string) string {
	out := addrs[0]
	for _, a := range addrs[1:] {
		out += "," + a
	}
	return out
}
