// Package signing implements Ed25519 event signing and verification, and a
// small cache of remote servers' advertised signing keys with their
// validity windows (spec.md §4.3).
package signing

import (
	"fmt"

	"golang.org/x/crypto/ed25519"

	"github.com/matrixcore/matrixcore/internal/caching"
	"github.com/matrixcore/matrixcore/internal/eventutil"
	"github.com/matrixcore/matrixcore/internal/spec"
)

// KeyID identifies one of a server's signing keys, e.g. "ed25519:a_1".
type KeyID string

// SignEvent adds this server's signature under the given key to eventJSON's
// `signatures.<serverName>.<keyID>` entry and returns the updated JSON. The
// pre-image is the canonical form of eventJSON with hashes/signatures/
// unsigned stripped, matching the content-hash pre-image.
func SignEvent(serverName spec.ServerName, keyID KeyID, privateKey ed25519.PrivateKey, eventJSON []byte) ([]byte, error) {
	stripped, err := eventutil.StripFieldsForHashing(eventJSON)
	if err != nil {
		return nil, err
	}
	canonical, err := eventutil.CanonicalJSON(stripped)
	if err != nil {
		return nil, err
	}
	sig := ed25519.Sign(privateKey, canonical)
	return setSignature(eventJSON, serverName, keyID, sig)
}

// VerifyEventSignature checks that eventJSON carries a valid signature from
// serverName under keyID, verified against publicKey. The signature
// pre-image is computed the same way SignEvent computes it.
func VerifyEventSignature(serverName spec.ServerName, keyID KeyID, publicKey ed25519.PublicKey, eventJSON []byte) error {
	sig, err := getSignature(eventJSON, serverName, keyID)
	if err != nil {
		return err
	}
	stripped, err := eventutil.StripFieldsForHashing(eventJSON)
	if err != nil {
		return err
	}
	canonical, err := eventutil.CanonicalJSON(stripped)
	if err != nil {
		return err
	}
	if !ed25519.Verify(publicKey, canonical, sig) {
		return fmt.Errorf("signing: signature from %s/%s does not verify", serverName, keyID)
	}
	return nil
}

// KeyRing resolves a server's current and historical signing keys, backed
// by internal/caching's server-key partition with fetch-on-miss via Source.
type KeyRing struct {
	caches *caching.Caches
	source KeySource
}

// KeySource fetches a server's currently advertised signing keys, e.g. via
// federationapi/client's GET /_matrix/key/v2/server.
type KeySource interface {
	FetchServerKeys(serverName spec.ServerName) ([]caching.ServerKeyResult, error)
}

// NewKeyRing builds a KeyRing over a shared cache and a pluggable fetch
// source, so federationapi/client can supply live network fetches while
// tests supply a canned KeySource.
func NewKeyRing(caches *caching.Caches, source KeySource) *KeyRing {
	return &KeyRing{caches: caches, source: source}
}

// VerifyJSON verifies that a JSON signature block contains a valid
// signature from serverName, fetching and caching its keys on a cache miss.
// A key past its `valid_until_ts` at verifyAtTS is treated as a cache miss
// and refetched once before failing.
func (kr *KeyRing) VerifyJSON(serverName spec.ServerName, keyID KeyID, eventJSON []byte, verifyAtTS int64) error {
	result, err := kr.resolveKey(serverName, keyID, verifyAtTS)
	if err != nil {
		return err
	}
	return VerifyEventSignature(serverName, keyID, ed25519.PublicKey(result.PublicKey), eventJSON)
}

func (kr *KeyRing) resolveKey(serverName spec.ServerName, keyID KeyID, verifyAtTS int64) (caching.ServerKeyResult, error) {
	if cached, ok := kr.caches.GetServerKey(serverName, string(keyID)); ok && cached.ValidUntilTS > verifyAtTS {
		return cached, nil
	}
	if kr.source == nil {
		return caching.ServerKeyResult{}, fmt.Errorf("signing: no key cached for %s/%s and no fetch source configured", serverName, keyID)
	}
	keys, err := kr.source.FetchServerKeys(serverName)
	if err != nil {
		return caching.ServerKeyResult{}, fmt.Errorf("signing: fetch keys for %s: %w", serverName, err)
	}
	for _, k := range keys {
		kr.caches.StoreServerKey(serverName, k.KeyID, k)
	}
	for _, k := range keys {
		if k.KeyID == string(keyID) && k.ValidUntilTS > verifyAtTS {
			return k, nil
		}
	}
	return caching.ServerKeyResult{}, fmt.Errorf("signing: no valid key %s/%s at ts %d", serverName, keyID, verifyAtTS)
}
