package eventutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/sjson"
	gtassert "gotest.tools/v3/assert"
	"gotest.tools/v3/assert/cmp"

	"github.com/matrixcore/matrixcore/internal/spec"
)

func TestCanonicalJSONSortsKeysAndStripsWhitespace(t *testing.T) {
	input := []byte(`{"b": 2, "a": 1, "c": {"z": 9, "y": 8}}`)
	out, err := CanonicalJSON(input)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":2,"c":{"y":8,"z":9}}`, string(out))
}

func TestCanonicalJSONIsIdempotentUnderKeyReordering(t *testing.T) {
	a, err := CanonicalJSON([]byte(`{"a":1,"b":2}`))
	require.NoError(t, err)
	b, err := CanonicalJSON([]byte(`{"b":2,"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestStripFieldsForHashingRemovesSignaturesHashesUnsigned(t *testing.T) {
	input := []byte(`{"type":"m.room.message","hashes":{"sha256":"x"},"signatures":{"a":{"b":"c"}},"unsigned":{"age":1}}`)
	out, err := StripFieldsForHashing(input)
	require.NoError(t, err)
	assert.NotContains(t, string(out), "hashes")
	assert.NotContains(t, string(out), "signatures")
	assert.NotContains(t, string(out), "unsigned")
	assert.Contains(t, string(out), "m.room.message")
}

func TestAddContentHashThenCheckContentHashRoundTrips(t *testing.T) {
	input := []byte(`{"type":"m.room.message","content":{"body":"hi"},"room_id":"!a:b","sender":"@a:b"}`)
	hashed, err := AddContentHash(input)
	require.NoError(t, err)

	ok, err := CheckContentHash(hashed)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCheckContentHashFailsOnTamperedContent(t *testing.T) {
	input := []byte(`{"type":"m.room.message","content":{"body":"hi"},"room_id":"!a:b","sender":"@a:b"}`)
	hashed, err := AddContentHash(input)
	require.NoError(t, err)

	tampered, err := setBody(hashed, "bye")
	require.NoError(t, err)

	ok, err := CheckContentHash(tampered)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeriveEventIDPreV3UsesExplicitField(t *testing.T) {
	input := []byte(`{"event_id":"$abc:example.com","type":"m.room.message"}`)
	id, err := DeriveEventID(input, spec.RoomVersionV2)
	require.NoError(t, err)
	assert.Equal(t, "$abc:example.com", id)
}

func TestDeriveEventIDV3PlusIsDeterministic(t *testing.T) {
	input := []byte(`{"type":"m.room.create","room_id":"!a:b","sender":"@a:b","content":{"creator":"@a:b"},"depth":1,"prev_events":[],"auth_events":[],"origin_server_ts":1}`)
	id1, err := DeriveEventID(input, spec.RoomVersionV10)
	require.NoError(t, err)
	id2, err := DeriveEventID(input, spec.RoomVersionV10)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
	assert.True(t, len(id1) > 1 && id1[0] == '$')
}

func TestRedactMembershipKeepsOnlyMembership(t *testing.T) {
	input := []byte(`{"type":"m.room.member","state_key":"@a:b","sender":"@a:b","room_id":"!a:b","content":{"membership":"join","displayname":"Alice","avatar_url":"mxc://x"}}`)
	out, err := Redact(input, spec.RoomVersionV10)
	require.NoError(t, err)
	assert.NotContains(t, string(out), "displayname")
	assert.NotContains(t, string(out), "avatar_url")
	assert.Contains(t, string(out), `"membership":"join"`)
}

func TestRedactMessageStripsAllContent(t *testing.T) {
	input := []byte(`{"type":"m.room.message","sender":"@a:b","room_id":"!a:b","content":{"body":"secret"}}`)
	out, err := Redact(input, spec.RoomVersionV10)
	require.NoError(t, err)
	assert.NotContains(t, string(out), "secret")
	assert.Contains(t, string(out), `"content":{}`)
}

func TestRedactPowerLevelsKeepsAuthFields(t *testing.T) {
	input := []byte(`{"type":"m.room.power_levels","state_key":"","sender":"@a:b","room_id":"!a:b","content":{"users":{"@a:b":100},"custom_field":"drop me"}}`)
	out, err := Redact(input, spec.RoomVersionV10)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"users"`)
	assert.NotContains(t, string(out), "drop me")
}

func TestCanonicalJSONHandlesNestedArraysOfObjects(t *testing.T) {
	input := []byte(`{"list":[{"b":1,"a":2},{"d":3,"c":4}],"top":1}`)
	out, err := CanonicalJSON(input)
	require.NoError(t, err)
	gtassert.Check(t, cmp.Equal(string(out), `{"list":[{"a":2,"b":1},{"c":4,"d":3}],"top":1}`))
}

func setBody(eventJSON []byte, body string) ([]byte, error) {
	return sjson.SetBytes(eventJSON, "content.body", body)
}
