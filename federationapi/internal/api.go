// Package internal composes federationapi/client's signed network calls
// with federationapi/queue's retrying send path into the single
// federationapi/api.FederationInternalAPI the room server holds a
// reference to, mirroring roomserver/internal's own role as the
// composition root for its component.
package internal

import (
	"context"

	fedapi "github.com/matrixcore/matrixcore/federationapi/api"
	"github.com/matrixcore/matrixcore/federationapi/client"
	"github.com/matrixcore/matrixcore/federationapi/queue"
	"github.com/matrixcore/matrixcore/internal/spec"
	"github.com/matrixcore/matrixcore/roomserver/types"
)

// FederationInternalAPI implements federationapi/api.FederationInternalAPI.
// Every method except SendTransaction dials destination directly through
// Client; SendTransaction hands off to Queue so a slow destination can't
// block the caller.
type FederationInternalAPI struct {
	Client *client.Client
	Queue  *queue.Queue
}

var _ fedapi.FederationInternalAPI = (*FederationInternalAPI)(nil)

// New builds a FederationInternalAPI from its two collaborators, already
// wired against storage and configuration by the caller (cmd/homeserverd).
func New(c *client.Client, q *queue.Queue) *FederationInternalAPI {
	return &FederationInternalAPI{Client: c, Queue: q}
}

func (f *FederationInternalAPI) GetEvent(ctx context.Context, destination spec.ServerName, eventID, roomID string) (*types.Event, error) {
	return f.Client.GetEvent(ctx, destination, eventID, roomID)
}

func (f *FederationInternalAPI) GetMissingEvents(ctx context.Context, destination spec.ServerName, roomID string, earliestEvents, latestEvents []string, limit int) ([]*types.Event, error) {
	return f.Client.GetMissingEvents(ctx, destination, roomID, earliestEvents, latestEvents, limit)
}

func (f *FederationInternalAPI) GetStateIDs(ctx context.Context, destination spec.ServerName, roomID, eventID string) ([]string, []string, error) {
	return f.Client.GetStateIDs(ctx, destination, roomID, eventID)
}

func (f *FederationInternalAPI) GetState(ctx context.Context, destination spec.ServerName, roomID, eventID string) ([]*types.Event, []*types.Event, error) {
	return f.Client.GetState(ctx, destination, roomID, eventID)
}

func (f *FederationInternalAPI) GetServerKeys(ctx context.Context, destination spec.ServerName) (*fedapi.ServerKeys, error) {
	return f.Client.GetServerKeys(ctx, destination)
}

// SendTransaction enqueues pdus/edus on the destination's retry queue
// rather than dialing synchronously (spec.md §6 send_transaction, C8's
// queueing behaviour).
func (f *FederationInternalAPI) SendTransaction(ctx context.Context, destination spec.ServerName, pdus []*types.Event, edus []fedapi.EDUEvent) error {
	return f.Queue.SendTransaction(ctx, destination, pdus, edus)
}

func (f *FederationInternalAPI) QueryEventAuthFromFederation(ctx context.Context, destination spec.ServerName, roomID, eventID string) ([]*types.Event, error) {
	return f.Client.QueryEventAuthFromFederation(ctx, destination, roomID, eventID)
}

func (f *FederationInternalAPI) MakeJoin(ctx context.Context, destination spec.ServerName, roomID, userID string) (*fedapi.MakeJoinResponse, error) {
	return f.Client.MakeJoin(ctx, destination, roomID, userID)
}

func (f *FederationInternalAPI) SendJoin(ctx context.Context, destination spec.ServerName, event *types.Event) (*fedapi.SendJoinResponse, error) {
	return f.Client.SendJoin(ctx, destination, event)
}

func (f *FederationInternalAPI) MakeLeave(ctx context.Context, destination spec.ServerName, roomID, userID string) (*fedapi.MakeLeaveResponse, error) {
	return f.Client.MakeLeave(ctx, destination, roomID, userID)
}

func (f *FederationInternalAPI) SendLeave(ctx context.Context, destination spec.ServerName, event *types.Event) error {
	return f.Client.SendLeave(ctx, destination, event)
}

func (f *FederationInternalAPI) Invite(ctx context.Context, destination spec.ServerName, event *types.Event) (*types.Event, error) {
	return f.Client.Invite(ctx, destination, event)
}
