// Package spec provides the small value types used to identify Matrix
// entities (servers, users, rooms, events) across the rest of this module.
// It exists so that roomserver, federationapi and internal/* packages share
// one vocabulary instead of passing bare strings around.
package spec

import (
	"fmt"
	"strings"
)

// ServerName is the DNS name (optionally with an explicit port) a homeserver
// identifies itself as, e.g. "matrix.org" or "localhost:8448".
type ServerName string

// UserID is a fully qualified Matrix user identifier, e.g. "@alice:example.com".
type UserID string

// RoomID is a fully qualified Matrix room identifier, e.g. "!abc123:example.com".
type RoomID string

// EventID is a fully qualified Matrix event identifier. Its shape depends on
// the room version: pre-v3 rooms use "$random:domain", v3+ rooms use a
// base64 reference hash with no domain suffix.
type EventID string

// RoomVersion names the rule set governing event-id derivation, canonical
// form, auth rules and state resolution for a room.
type RoomVersion string

const (
	RoomVersionV1  RoomVersion = "1"
	RoomVersionV2  RoomVersion = "2"
	RoomVersionV3  RoomVersion = "3"
	RoomVersionV4  RoomVersion = "4"
	RoomVersionV5  RoomVersion = "5"
	RoomVersionV6  RoomVersion = "6"
	RoomVersionV7  RoomVersion = "7"
	RoomVersionV8  RoomVersion = "8"
	RoomVersionV9  RoomVersion = "9"
	RoomVersionV10 RoomVersion = "10"
	RoomVersionV11 RoomVersion = "11"
)

// Supported reports whether this module knows how to run a room of this
// version. Unknown versions are rejected at ingest with UnknownRoomVersion.
func (v RoomVersion) Supported() bool {
	switch v {
	case RoomVersionV1, RoomVersionV2, RoomVersionV3, RoomVersionV4, RoomVersionV5,
		RoomVersionV6, RoomVersionV7, RoomVersionV8, RoomVersionV9, RoomVersionV10, RoomVersionV11:
		return true
	default:
		return false
	}
}

// StateResAlgorithm identifies which state-resolution algorithm a room
// version uses. Only room version 1 uses the simpler priority-based
// resolution; every later version uses the full mainline-ordering algorithm
// (the "room version 2" state-res algorithm, confusingly sharing its name
// with room version 2).
type StateResAlgorithm int

const (
	StateResV1 StateResAlgorithm = iota
	StateResV2
)

// StateResAlgorithmForRoomVersion returns which conflict-resolution
// algorithm a room version runs. Room version 1 is the only version still
// using the V1 algorithm; all others (2 through 11) use V2.
func StateResAlgorithmForRoomVersion(v RoomVersion) StateResAlgorithm {
	if v == RoomVersionV1 {
		return StateResV1
	}
	return StateResV2
}

// EventIDFormat identifies whether event IDs in a room version are
// server-assigned random strings (pre-v3) or derived reference hashes (v3+).
type EventIDFormat int

const (
	EventIDFormatRandom EventIDFormat = iota
	EventIDFormatReferenceHash
)

// EventIDFormat returns which event-id scheme a room version uses.
func (v RoomVersion) EventIDFormat() EventIDFormat {
	switch v {
	case RoomVersionV1, RoomVersionV2:
		return EventIDFormatRandom
	default:
		return EventIDFormatReferenceHash
	}
}

// Domain returns the hostname portion of a UserID, RoomID or ServerName-like
// identifier of the form "sigil+localpart:domain". It returns an error if
// the identifier has no domain separator.
func Domain(id string) (ServerName, error) {
	idx := strings.IndexByte(id, ':')
	if idx == -1 || idx == len(id)-1 {
		return "", fmt.Errorf("spec: %q has no domain part", id)
	}
	return ServerName(id[idx+1:]), nil
}

// Localpart returns the part of an identifier between its sigil and its
// domain separator, e.g. "alice" from "@alice:example.com".
func Localpart(id string) (string, error) {
	if len(id) == 0 {
		return "", fmt.Errorf("spec: empty identifier")
	}
	idx := strings.IndexByte(id, ':')
	if idx == -1 {
		return "", fmt.Errorf("spec: %q has no domain part", id)
	}
	return id[1:idx], nil
}

// Domain returns the server name a UserID belongs to.
func (u UserID) Domain() (ServerName, error) { return Domain(string(u)) }

// Domain returns the server name that originally created a RoomID. Note this
// is provenance only — for v3+ rooms the domain in a RoomID is not
// necessarily still in the room or authoritative for it.
func (r RoomID) Domain() (ServerName, error) { return Domain(string(r)) }

// Valid performs a cheap structural check: "@localpart:domain" with a
// non-empty localpart and domain.
func (u UserID) Valid() bool {
	s := string(u)
	return len(s) > 1 && s[0] == '@' && strings.IndexByte(s, ':') > 1
}

// Valid performs a cheap structural check: "!localpart:domain".
func (r RoomID) Valid() bool {
	s := string(r)
	return len(s) > 1 && s[0] == '!' && strings.IndexByte(s, ':') > 1
}
