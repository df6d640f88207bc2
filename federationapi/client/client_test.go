package client_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ed25519"

	"github.com/matrixcore/matrixcore/federationapi/client"
	"github.com/matrixcore/matrixcore/internal/signing"
)

// newTestClient builds a Client whose HTTP transport is redirected to ts by
// overriding the request URL's scheme/host, since httptest.Server doesn't
// speak the "https://<destination>" convention SendJoin et al construct.
func newTestClient(t *testing.T, ts *httptest.Server) *client.Client {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	c := client.New("origin.example.org", "ed25519:1", priv, nil, nil, 5*time.Second, 5*time.Second)
	c.HTTPClient = &http.Client{
		Transport: roundTripperFunc(func(req *http.Request) (*http.Response, error) {
			req.URL.Scheme = "http"
			req.URL.Host = strings.TrimPrefix(ts.URL, "http://")
			return http.DefaultTransport.RoundTrip(req)
		}),
	}
	return c
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

func TestGetServerKeys_SignsRequestWithXMatrixHeader(t *testing.T) {
	var gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"server_name": "dest.example.org",
			"verify_keys": map[string]interface{}{
				"ed25519:1": map[string]string{"key": "c29tZS1rZXktYnl0ZXM"},
			},
			"valid_until_ts": time.Now().Add(time.Hour).UnixMilli(),
		})
	}))
	defer ts.Close()

	c := newTestClient(t, ts)
	keys, err := c.GetServerKeys(context.Background(), "dest.example.org")
	require.NoError(t, err)
	assert.Equal(t, "dest.example.org", string(keys.ServerName))

	assert.True(t, strings.HasPrefix(gotAuth, "X-Matrix "), "expected an X-Matrix auth header, got %q", gotAuth)
	assert.Contains(t, gotAuth, `origin="origin.example.org"`)
	assert.Contains(t, gotAuth, `destination="dest.example.org"`)
	assert.Contains(t, gotAuth, `key="ed25519:1"`)
}

func TestFetchServerKeys_AdaptsToKeySourceShape(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"server_name": "dest.example.org",
			"verify_keys": map[string]interface{}{
				"ed25519:1": map[string]string{"key": "c29tZS1rZXktYnl0ZXM"},
			},
			"valid_until_ts": time.Now().Add(time.Hour).UnixMilli(),
		})
	}))
	defer ts.Close()

	c := newTestClient(t, ts)
	var src signing.KeySource = c
	results, err := src.FetchServerKeys("dest.example.org")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "ed25519:1", results[0].KeyID)
}
