package signing

import (
	"encoding/base64"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/matrixcore/matrixcore/internal/spec"
)

func setSignature(eventJSON []byte, serverName spec.ServerName, keyID KeyID, sig []byte) ([]byte, error) {
	path := fmt.Sprintf("signatures.%s.%s", string(serverName), string(keyID))
	encoded := base64.RawStdEncoding.EncodeToString(sig)
	out, err := sjson.SetBytes(eventJSON, path, encoded)
	if err != nil {
		return nil, fmt.Errorf("signing: set %s: %w", path, err)
	}
	return out, nil
}

func getSignature(eventJSON []byte, serverName spec.ServerName, keyID KeyID) ([]byte, error) {
	path := fmt.Sprintf("signatures.%s.%s", string(serverName), string(keyID))
	val := gjson.GetBytes(eventJSON, path)
	if !val.Exists() {
		return nil, fmt.Errorf("signing: no signature from %s/%s", serverName, keyID)
	}
	sig, err := base64.RawStdEncoding.DecodeString(val.String())
	if err != nil {
		return nil, fmt.Errorf("signing: decode signature from %s/%s: %w", serverName, keyID, err)
	}
	return sig, nil
}

// ListKeyIDs returns the key ids a server has signed eventJSON with.
func ListKeyIDs(serverName spec.ServerName, eventJSON []byte) []KeyID {
	result := gjson.GetBytes(eventJSON, "signatures."+string(serverName))
	if !result.Exists() {
		return nil
	}
	var ids []KeyID
	result.ForEach(func(key, _ gjson.Result) bool {
		ids = append(ids, KeyID(key.String()))
		return true
	})
	return ids
}
