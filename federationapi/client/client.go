// Package client implements federationapi/api.FederationInternalAPI's
// wire-level half: signed outbound HTTP requests to other Matrix
// homeservers, dialed through internal/netutil's SSRF-safe dialer. Requests
// are authenticated the way the Matrix server-server API requires: an
// Ed25519 signature over a canonical JSON object of
// {method, uri, origin, destination, content}, carried in an
// "Authorization: X-Matrix ..." header, signed with signing.SignEvent's own
// canonical-JSON/signing primitives so the request and event signing paths
// share one implementation.
package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/crypto/ed25519"

	fedapi "github.com/matrixcore/matrixcore/federationapi/api"
	"github.com/matrixcore/matrixcore/internal/caching"
	"github.com/matrixcore/matrixcore/internal/netutil"
	"github.com/matrixcore/matrixcore/internal/signing"
	"github.com/matrixcore/matrixcore/internal/spec"
	"github.com/matrixcore/matrixcore/roomserver/types"
)

// Client signs and dials outbound federation requests. It satisfies both
// federationapi/api.FederationInternalAPI's network methods (the subset
// federationapi/queue and federationapi/internal call directly) and
// signing.KeySource, so a single Client can back a KeyRing's fetch-on-miss
// path.
type Client struct {
	ServerName spec.ServerName
	KeyID      signing.KeyID
	PrivateKey ed25519.PrivateKey

	HTTPClient *http.Client
}

// New builds a Client whose outbound connections are restricted to
// allowCIDRs/denyCIDRs by internal/netutil.GetDialer, applying requestTimeout
// to every round trip.
func New(serverName spec.ServerName, keyID signing.KeyID, privateKey ed25519.PrivateKey, allowCIDRs, denyCIDRs []string, dialTimeout, requestTimeout time.Duration) *Client {
	dialer := netutil.GetDialer(allowCIDRs, denyCIDRs, dialTimeout)
	transport := &http.Transport{
		DialContext: dialer.DialContext,
	}
	return &Client{
		ServerName: serverName,
		KeyID:      keyID,
		PrivateKey: privateKey,
		HTTPClient: &http.Client{Transport: transport, Timeout: requestTimeout},
	}
}

var _ signing.KeySource = (*Client)(nil)

// authHeader signs {method, uri, origin, destination, content} and returns
// the value of the "Authorization" header the request must carry.
func (c *Client) authHeader(method, uri string, destination spec.ServerName, content json.RawMessage) (string, error) {
	authObj := map[string]interface{}{
		"method":      method,
		"uri":         uri,
		"origin":      string(c.ServerName),
		"destination": string(destination),
	}
	if len(content) > 0 {
		var contentVal interface{}
		if err := json.Unmarshal(content, &contentVal); err != nil {
			return "", fmt.Errorf("client: auth header: content is not valid JSON: %w", err)
		}
		authObj["content"] = contentVal
	}
	authJSON, err := json.Marshal(authObj)
	if err != nil {
		return "", fmt.Errorf("client: auth header: marshal: %w", err)
	}
	signed, err := signing.SignEvent(c.ServerName, c.KeyID, c.PrivateKey, authJSON)
	if err != nil {
		return "", fmt.Errorf("client: auth header: sign: %w", err)
	}
	sigPath := fmt.Sprintf("signatures.%s.%s", c.ServerName, c.KeyID)
	sig := gjson.GetBytes(signed, sigPath)
	if !sig.Exists() {
		return "", fmt.Errorf("client: auth header: signed JSON missing %s", sigPath)
	}
	return fmt.Sprintf(`X-Matrix origin="%s",destination="%s",key="%s",sig="%s"`,
		c.ServerName, destination, c.KeyID, sig.String()), nil
}

// doRequest signs and executes an HTTP request against destination, JSON-
// decoding the response body into out if it is non-nil. A non-2xx response
// is returned as an error carrying the status code and body.
func (c *Client) doRequest(ctx context.Context, method string, destination spec.ServerName, path string, reqBody, out interface{}) error {
	var bodyJSON json.RawMessage
	var bodyReader io.Reader
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("client: marshal request body: %w", err)
		}
		bodyJSON = b
		bodyReader = bytes.NewReader(b)
	}

	url := fmt.Sprintf("https://%s%s", destination, path)
	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return fmt.Errorf("client: build request: %w", err)
	}
	req.Host = string(destination)
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	auth, err := c.authHeader(method, path, destination, bodyJSON)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", auth)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("client: %s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("client: read response from %s: %w", destination, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("client: %s %s: http %d: %s", method, url, resp.StatusCode, string(respBody))
	}
	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("client: decode response from %s: %w", destination, err)
		}
	}
	return nil
}

// GetServerKeys implements signing.KeySource by fetching
// /_matrix/key/v2/server, the entry point KeyRing uses on a cache miss.
func (c *Client) GetServerKeys(ctx context.Context, destination spec.ServerName) (*fedapi.ServerKeys, error) {
	var resp struct {
		ServerName string                    `json:"server_name"`
		VerifyKeys map[string]struct{ Key string `json:"key"` } `json:"verify_keys"`
		ValidUntilTS int64                   `json:"valid_until_ts"`
	}
	if err := c.doRequest(ctx, http.MethodGet, destination, "/_matrix/key/v2/server", nil, &resp); err != nil {
		return nil, err
	}
	keys := make(map[string][]byte, len(resp.VerifyKeys))
	for keyID, v := range resp.VerifyKeys {
		raw, err := base64.RawStdEncoding.DecodeString(v.Key)
		if err != nil {
			return nil, fmt.Errorf("client: decode verify key %s from %s: %w", keyID, destination, err)
		}
		keys[keyID] = raw
	}
	return &fedapi.ServerKeys{
		ServerName:   spec.ServerName(resp.ServerName),
		VerifyKeys:   keys,
		ValidUntilTS: resp.ValidUntilTS,
	}, nil
}

// FetchServerKeys adapts GetServerKeys to signing.KeySource's shape, which
// deals in caching.ServerKeyResult rather than the federation wire format.
func (c *Client) FetchServerKeys(serverName spec.ServerName) ([]caching.ServerKeyResult, error) {
	keys, err := c.GetServerKeys(context.Background(), serverName)
	if err != nil {
		return nil, err
	}
	out := make([]caching.ServerKeyResult, 0, len(keys.VerifyKeys))
	for keyID, pub := range keys.VerifyKeys {
		out = append(out, caching.ServerKeyResult{KeyID: keyID, PublicKey: pub, ValidUntilTS: keys.ValidUntilTS})
	}
	return out, nil
}

// GetEvent fetches a single PDU by id (get_event).
func (c *Client) GetEvent(ctx context.Context, destination spec.ServerName, eventID, roomID string) (*types.Event, error) {
	var resp struct {
		Origin          string            `json:"origin"`
		OriginServerTS  int64             `json:"origin_server_ts"`
		PDUs            []json.RawMessage `json:"pdus"`
	}
	path := fmt.Sprintf("/_matrix/federation/v1/event/%s", eventID)
	if err := c.doRequest(ctx, http.MethodGet, destination, path, nil, &resp); err != nil {
		return nil, err
	}
	if len(resp.PDUs) == 0 {
		return nil, fmt.Errorf("client: GetEvent %s from %s: no pdus in response", eventID, destination)
	}
	var ev types.Event
	if err := json.Unmarshal(resp.PDUs[0], &ev); err != nil {
		return nil, fmt.Errorf("client: GetEvent %s from %s: %w", eventID, destination, err)
	}
	return &ev, nil
}

// GetMissingEvents asks destination for ancestors of latestEvents not
// reachable from earliestEvents (get_missing_events).
func (c *Client) GetMissingEvents(ctx context.Context, destination spec.ServerName, roomID string, earliestEvents, latestEvents []string, limit int) ([]*types.Event, error) {
	reqBody := map[string]interface{}{
		"earliest_events": earliestEvents,
		"latest_events":   latestEvents,
		"limit":           limit,
	}
	var resp struct {
		Events []json.RawMessage `json:"events"`
	}
	path := fmt.Sprintf("/_matrix/federation/v1/get_missing_events/%s", roomID)
	if err := c.doRequest(ctx, http.MethodPost, destination, path, reqBody, &resp); err != nil {
		return nil, err
	}
	return unmarshalEvents(resp.Events)
}

// GetStateIDs returns the event ids of resolved state and its auth chain at
// eventID (state_ids).
func (c *Client) GetStateIDs(ctx context.Context, destination spec.ServerName, roomID, eventID string) (stateEventIDs, authEventIDs []string, err error) {
	var resp struct {
		PDUIDs     []string `json:"pdu_ids"`
		AuthChainIDs []string `json:"auth_chain_ids"`
	}
	path := fmt.Sprintf("/_matrix/federation/v1/state_ids/%s?event_id=%s", roomID, eventID)
	if err := c.doRequest(ctx, http.MethodGet, destination, path, nil, &resp); err != nil {
		return nil, nil, err
	}
	return resp.PDUIDs, resp.AuthChainIDs, nil
}

// GetState returns full resolved-state events at eventID (state).
func (c *Client) GetState(ctx context.Context, destination spec.ServerName, roomID, eventID string) (stateEvents, authEvents []*types.Event, err error) {
	var resp struct {
		PDUs       []json.RawMessage `json:"pdus"`
		AuthChain  []json.RawMessage `json:"auth_chain"`
	}
	path := fmt.Sprintf("/_matrix/federation/v1/state/%s?event_id=%s", roomID, eventID)
	if err := c.doRequest(ctx, http.MethodGet, destination, path, nil, &resp); err != nil {
		return nil, nil, err
	}
	state, err := unmarshalEvents(resp.PDUs)
	if err != nil {
		return nil, nil, err
	}
	auth, err := unmarshalEvents(resp.AuthChain)
	if err != nil {
		return nil, nil, err
	}
	return state, auth, nil
}

// QueryEventAuthFromFederation fetches the full reverse-topological auth
// chain for an event (event_auth).
func (c *Client) QueryEventAuthFromFederation(ctx context.Context, destination spec.ServerName, roomID, eventID string) ([]*types.Event, error) {
	var events []json.RawMessage
	path := fmt.Sprintf("/_matrix/federation/v1/event_auth/%s/%s", roomID, eventID)
	if err := c.doRequest(ctx, http.MethodGet, destination, path, nil, &events); err != nil {
		return nil, err
	}
	return unmarshalEvents(events)
}

// SendTransaction delivers a batch of PDUs/EDUs directly (send_transaction).
// federationapi/queue is the only caller; it owns batching, retry and
// backoff, so this method makes exactly one attempt.
func (c *Client) SendTransaction(ctx context.Context, destination spec.ServerName, txnID string, pdus []*types.Event, edus []fedapi.EDUEvent) error {
	reqBody := map[string]interface{}{
		"origin":           string(c.ServerName),
		"origin_server_ts": time.Now().UnixMilli(),
		"pdus":             pdus,
		"edus":             marshalEDUs(edus),
	}
	path := fmt.Sprintf("/_matrix/federation/v1/send/%s", txnID)
	return c.doRequest(ctx, http.MethodPut, destination, path, reqBody, nil)
}

func marshalEDUs(edus []fedapi.EDUEvent) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(edus))
	for _, e := range edus {
		out = append(out, map[string]interface{}{"edu_type": e.Type, "content": json.RawMessage(e.Content)})
	}
	return out
}

// MakeJoin requests an unsigned join event template (make_join).
func (c *Client) MakeJoin(ctx context.Context, destination spec.ServerName, roomID, userID string) (*fedapi.MakeJoinResponse, error) {
	var resp struct {
		RoomVersion string          `json:"room_version"`
		Event       json.RawMessage `json:"event"`
	}
	path := fmt.Sprintf("/_matrix/federation/v1/make_join/%s/%s", roomID, userID)
	if err := c.doRequest(ctx, http.MethodGet, destination, path, nil, &resp); err != nil {
		return nil, err
	}
	version := resp.RoomVersion
	if version == "" {
		version = string(spec.RoomVersionV1)
	}
	return &fedapi.MakeJoinResponse{RoomVersion: spec.RoomVersion(version), EventTemplate: resp.Event}, nil
}

// SendJoin submits the signed join event (send_join) and returns the state
// the joining server needs to seed its own copy.
func (c *Client) SendJoin(ctx context.Context, destination spec.ServerName, event *types.Event) (*fedapi.SendJoinResponse, error) {
	var resp struct {
		State     []json.RawMessage `json:"state"`
		AuthChain []json.RawMessage `json:"auth_chain"`
	}
	path := fmt.Sprintf("/_matrix/federation/v2/send_join/%s/%s", event.RoomID, event.EventID)
	if err := c.doRequest(ctx, http.MethodPut, destination, path, event, &resp); err != nil {
		return nil, err
	}
	state, err := unmarshalEvents(resp.State)
	if err != nil {
		return nil, err
	}
	auth, err := unmarshalEvents(resp.AuthChain)
	if err != nil {
		return nil, err
	}
	return &fedapi.SendJoinResponse{StateEvents: state, AuthEvents: auth}, nil
}

// MakeLeave requests an unsigned leave event template (make_leave).
func (c *Client) MakeLeave(ctx context.Context, destination spec.ServerName, roomID, userID string) (*fedapi.MakeLeaveResponse, error) {
	var resp struct {
		RoomVersion string          `json:"room_version"`
		Event       json.RawMessage `json:"event"`
	}
	path := fmt.Sprintf("/_matrix/federation/v1/make_leave/%s/%s", roomID, userID)
	if err := c.doRequest(ctx, http.MethodGet, destination, path, nil, &resp); err != nil {
		return nil, err
	}
	version := resp.RoomVersion
	if version == "" {
		version = string(spec.RoomVersionV1)
	}
	return &fedapi.MakeLeaveResponse{RoomVersion: spec.RoomVersion(version), EventTemplate: resp.Event}, nil
}

// SendLeave submits the signed leave event (send_leave).
func (c *Client) SendLeave(ctx context.Context, destination spec.ServerName, event *types.Event) error {
	path := fmt.Sprintf("/_matrix/federation/v2/send_leave/%s/%s", event.RoomID, event.EventID)
	return c.doRequest(ctx, http.MethodPut, destination, path, event, nil)
}

// Invite delivers a signed invite event to a remote user's server and
// returns the server's (possibly further-signed) copy back.
func (c *Client) Invite(ctx context.Context, destination spec.ServerName, event *types.Event) (*types.Event, error) {
	var resp struct {
		Event json.RawMessage `json:"event"`
	}
	path := fmt.Sprintf("/_matrix/federation/v2/invite/%s/%s", event.RoomID, event.EventID)
	if err := c.doRequest(ctx, http.MethodPut, destination, path, event, &resp); err != nil {
		return nil, err
	}
	var out types.Event
	if len(resp.Event) > 0 {
		if err := json.Unmarshal(resp.Event, &out); err != nil {
			return nil, fmt.Errorf("client: Invite: decode response event: %w", err)
		}
		return &out, nil
	}
	return event, nil
}

func unmarshalEvents(raw []json.RawMessage) ([]*types.Event, error) {
	out := make([]*types.Event, 0, len(raw))
	for _, r := range raw {
		var ev types.Event
		if err := json.Unmarshal(r, &ev); err != nil {
			return nil, fmt.Errorf("client: decode event: %w", err)
		}
		out = append(out, &ev)
	}
	return out, nil
}
