package eventutil

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/matrixcore/matrixcore/internal/spec"
)

// AddContentHash computes the SHA-256 content hash of eventJSON (per
// spec.md §4.3: canonicalized event minus hashes/signatures/unsigned) and
// returns a copy of eventJSON with `hashes.sha256` set to it.
func AddContentHash(eventJSON []byte) ([]byte, error) {
	stripped, err := StripFieldsForHashing(eventJSON)
	if err != nil {
		return nil, err
	}
	canonical, err := CanonicalJSON(stripped)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(canonical)
	encoded := base64.RawStdEncoding.EncodeToString(sum[:])
	out, err := sjson.SetBytes(eventJSON, "hashes.sha256", encoded)
	if err != nil {
		return nil, fmt.Errorf("eventutil: set hashes.sha256: %w", err)
	}
	return out, nil
}

// CheckContentHash recomputes the SHA-256 content hash of eventJSON and
// reports whether it matches the claimed `hashes.sha256` value. An event
// with no hashes.sha256 field fails the check.
func CheckContentHash(eventJSON []byte) (bool, error) {
	claimed := gjson.GetBytes(eventJSON, "hashes.sha256")
	if !claimed.Exists() {
		return false, nil
	}
	stripped, err := StripFieldsForHashing(eventJSON)
	if err != nil {
		return false, err
	}
	canonical, err := CanonicalJSON(stripped)
	if err != nil {
		return false, err
	}
	sum := sha256.Sum256(canonical)
	expected := base64.RawStdEncoding.EncodeToString(sum[:])
	return claimed.String() == expected, nil
}

// ReferenceHash computes the reference hash used to derive event ids in
// room versions 3 and above: the event is redacted for its room version
// (see Redact), StripFieldsForHashing then removes the fields excluded from
// hashing (`signatures`, `unsigned` and the like), and the result is the
// SHA-256 of the canonical JSON of what remains.
func ReferenceHash(eventJSON []byte, version spec.RoomVersion) ([]byte, error) {
	redacted, err := Redact(eventJSON, version)
	if err != nil {
		return nil, err
	}
	stripped, err := StripFieldsForHashing(redacted)
	if err != nil {
		return nil, err
	}
	canonical, err := CanonicalJSON(stripped)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(canonical)
	return sum[:], nil
}

// DeriveEventID returns the event id for eventJSON under the given room
// version. Pre-v3 rooms carry an explicit, server-assigned `event_id` field
// that this function simply echoes back; v3+ rooms derive it from the
// unpadded base64 reference hash with no domain suffix (spec.md §4.3).
func DeriveEventID(eventJSON []byte, version spec.RoomVersion) (string, error) {
	if version.EventIDFormat() == spec.EventIDFormatRandom {
		id := gjson.GetBytes(eventJSON, "event_id")
		if !id.Exists() {
			return "", fmt.Errorf("eventutil: room version %s requires an explicit event_id", version)
		}
		return id.String(), nil
	}
	hash, err := ReferenceHash(eventJSON, version)
	if err != nil {
		return "", err
	}
	return "$" + base64.RawURLEncoding.EncodeToString(hash), nil
}
