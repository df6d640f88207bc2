// Package internal wires the room server's components (C1-C7, C9) into the
// single api.Inbound surface the rest of the homeserver talks to.
package internal

import (
	"context"

	"github.com/nats-io/nats.go"
	"golang.org/x/crypto/ed25519"

	fedapi "github.com/matrixcore/matrixcore/federationapi/api"
	"github.com/matrixcore/matrixcore/internal/backpressure"
	"github.com/matrixcore/matrixcore/internal/caching"
	"github.com/matrixcore/matrixcore/internal/signing"
	"github.com/matrixcore/matrixcore/internal/spec"
	"github.com/matrixcore/matrixcore/roomserver/api"
	"github.com/matrixcore/matrixcore/roomserver/internal/gaptracker"
	"github.com/matrixcore/matrixcore/roomserver/internal/input"
	"github.com/matrixcore/matrixcore/roomserver/internal/notifier"
	"github.com/matrixcore/matrixcore/roomserver/internal/walker"
	"github.com/matrixcore/matrixcore/roomserver/state"
	"github.com/matrixcore/matrixcore/roomserver/storage"
	"github.com/matrixcore/matrixcore/roomserver/types"
)

// RoomserverInternalAPI composes the event pipeline (C6), its sequencing and
// fanout (C2, C9), and state resolution (C5) behind the single api.Inbound
// contract HTTP handlers and the federation sender depend on. It never
// implements pipeline logic itself — that lives in input.Inputer — only
// construction and federation-dependency wiring.
type RoomserverInternalAPI struct {
	*input.Inputer

	DB         storage.Database
	Cache      *caching.Caches
	Notifier   *notifier.Notifier
	ServerName spec.ServerName
	Gaps       *gaptracker.Tracker

	// Walker is nil until SetFederationAPI supplies the federation client
	// it needs to fetch missing history.
	Walker *walker.Walker
}

var _ api.Inbound = (*RoomserverInternalAPI)(nil)

// Config carries the construction-time parameters NewRoomserverAPI needs.
// KeyID and PrivateKey are this server's own signing identity, used to sign
// locally-authored events (spec.md §4.1).
type Config struct {
	ServerName         spec.ServerName
	KeyID              signing.KeyID
	PrivateKey         ed25519.PrivateKey
	NATS               *nats.Conn
	RateLimit          backpressure.Config
	MaxConcurrentRooms int
}

// NewRoomserverAPI builds the full pipeline against db and caches. The
// federation client can't be constructed until the room server exists (it
// needs api.Inbound to deliver fetched events back in), so FSAPI is supplied
// afterwards via SetFederationAPI, mirroring the teacher's own
// chicken-and-egg resolution between roomserver and federationapi.
func NewRoomserverAPI(db storage.Database, cache *caching.Caches, cfg Config) *RoomserverInternalAPI {
	n := notifier.New(cfg.NATS)
	resolver := &state.Resolver{Events: db, AuthChains: dbAuthChains{db}}

	a := &RoomserverInternalAPI{
		DB:         db,
		Cache:      cache,
		Notifier:   n,
		ServerName: cfg.ServerName,
		Gaps:       gaptracker.New(),
		Inputer: &input.Inputer{
			DB:                 db,
			Resolver:           resolver,
			Notifier:           n,
			ServerName:         cfg.ServerName,
			KeyID:              cfg.KeyID,
			PrivateKey:         cfg.PrivateKey,
			Limiter:            backpressure.New(cfg.RateLimit),
			MaxConcurrentRooms: cfg.MaxConcurrentRooms,
		},
	}
	a.Inputer.Gaps = a.Gaps
	return a
}

// SetFederationAPI wires the federation client and key ring in once they
// exist, unblocking the pipeline's missing-ancestor fetches, inbound PDU
// signature verification, and the DAG walker's gap-closing backfill.
func (a *RoomserverInternalAPI) SetFederationAPI(fsAPI fedapi.FederationInternalAPI, keyRing *signing.KeyRing) {
	a.Inputer.FSAPI = fsAPI
	a.Inputer.KeyRing = keyRing
	a.Walker = &walker.Walker{
		DB:      a.DB,
		Inputer: a.Inputer,
		FSAPI:   fsAPI,
		Gaps:    a.Gaps,
	}
}

// dbAuthChains adapts storage.Database's context-taking AuthChain to the
// state package's state.AuthChainProvider, which predates this module's
// context-propagation convention and operates purely in memory once a
// resolution is in flight.
type dbAuthChains struct {
	db storage.Database
}

func (d dbAuthChains) AuthChain(nids []types.EventNID) ([]types.EventNID, error) {
	return d.db.AuthChain(context.Background(), nids)
}
