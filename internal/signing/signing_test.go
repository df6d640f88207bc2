package signing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"golang.org/x/crypto/ed25519"

	"github.com/matrixcore/matrixcore/internal/caching"
	"github.com/matrixcore/matrixcore/internal/spec"
)

func TestSignThenVerifyRoundTrips(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	input := []byte(`{"type":"m.room.message","room_id":"!a:b","sender":"@a:b","content":{"body":"hi"}}`)
	signed, err := SignEvent("example.com", "ed25519:1", priv, input)
	require.NoError(t, err)

	err = VerifyEventSignature("example.com", "ed25519:1", pub, signed)
	assert.NoError(t, err)
}

func TestVerifyFailsOnTamperedContent(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	input := []byte(`{"type":"m.room.message","room_id":"!a:b","sender":"@a:b","content":{"body":"hi"}}`)
	signed, err := SignEvent("example.com", "ed25519:1", priv, input)
	require.NoError(t, err)

	sigs := gjson.GetBytes(signed, "signatures").Raw
	tampered, err := sjson.SetRawBytes([]byte(`{"type":"m.room.message","room_id":"!a:b","sender":"@a:b","content":{"body":"bye"}}`), "signatures", []byte(sigs))
	require.NoError(t, err)

	err = VerifyEventSignature("example.com", "ed25519:1", pub, tampered)
	assert.Error(t, err)
}

func TestVerifyFailsWithoutSignature(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	err = VerifyEventSignature("example.com", "ed25519:1", pub, []byte(`{"type":"m.room.message"}`))
	assert.Error(t, err)
}

func TestKeyRingFetchesAndCachesOnMiss(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	caches, err := caching.NewRistrettoCaches(caching.DefaultConfig())
	require.NoError(t, err)

	src := &fakeKeySource{keys: []caching.ServerKeyResult{
		{KeyID: "ed25519:1", PublicKey: pub, ValidUntilTS: 1_000_000_000_000},
	}}
	kr := NewKeyRing(caches, src)

	input := []byte(`{"type":"m.room.message","room_id":"!a:b","sender":"@a:b","content":{"body":"hi"}}`)
	signed, err := SignEvent("example.com", "ed25519:1", priv, input)
	require.NoError(t, err)

	err = kr.VerifyJSON("example.com", "ed25519:1", signed, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, src.fetchCount)
	caches.Wait()

	// Second verification should hit the cache, not fetch again.
	err = kr.VerifyJSON("example.com", "ed25519:1", signed, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, src.fetchCount)
}

type fakeKeySource struct {
	keys       []caching.ServerKeyResult
	fetchCount int
}

func (f *fakeKeySource) FetchServerKeys(serverName spec.ServerName) ([]caching.ServerKeyResult, error) {
	f.fetchCount++
	return f.keys, nil
}

