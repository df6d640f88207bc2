package eventutil

import (
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/matrixcore/matrixcore/internal/spec"
	"github.com/matrixcore/matrixcore/roomserver/types"
)

// topLevelKeptFields are the event envelope fields every room version
// preserves across redaction.
var topLevelKeptFields = []string{
	"event_id", "type", "room_id", "sender", "state_key", "content",
	"hashes", "signatures", "depth", "prev_events", "auth_events",
	"origin_server_ts", "membership",
}

// contentKeptFieldsByType lists, per event type, the content sub-fields a
// redaction preserves. Everything else under `content` is stripped. Types
// not listed here lose their entire content object.
func contentKeptFieldsByType(eventType string, version spec.RoomVersion) []string {
	switch eventType {
	case types.MRoomMember:
		fields := []string{"membership"}
		if roomVersionKeepsJoinAuthorisedVia(version) {
			fields = append(fields, "join_authorised_via_users_server")
		}
		return fields
	case types.MRoomCreate:
		if roomVersionKeepsFullCreateContent(version) {
			return nil // keep everything; handled specially below
		}
		return []string{"creator"}
	case types.MRoomJoinRules:
		fields := []string{"join_rule"}
		if roomVersionKeepsJoinRuleAllow(version) {
			fields = append(fields, "allow")
		}
		return fields
	case types.MRoomPowerLevels:
		return []string{
			"ban", "events", "events_default", "kick", "redact",
			"state_default", "users", "users_default", "invite",
		}
	case types.MRoomHistoryVisibility:
		return []string{"history_visibility"}
	case types.MRoomThirdPartyInvite:
		return []string{"token"}
	case types.MRoomAliases:
		if roomVersionKeepsAliasesContent(version) {
			return []string{"aliases"}
		}
		return []string{}
	case types.MRoomRedaction:
		if roomVersionKeepsRedacts(version) {
			return []string{"redacts"}
		}
		return []string{}
	default:
		return []string{}
	}
}

// Room versions 9+ keep join_authorised_via_users_server on membership
// events (restricted joins, MSC3083).
func roomVersionKeepsJoinAuthorisedVia(v spec.RoomVersion) bool {
	switch v {
	case spec.RoomVersionV9, spec.RoomVersionV10, spec.RoomVersionV11:
		return true
	default:
		return false
	}
}

// Room version 11 stops special-casing m.room.create's content (the whole
// content object is preserved, matching MSC2175's removal of the implicit
// creator field).
func roomVersionKeepsFullCreateContent(v spec.RoomVersion) bool {
	return v == spec.RoomVersionV11
}

func roomVersionKeepsJoinRuleAllow(v spec.RoomVersion) bool {
	switch v {
	case spec.RoomVersionV8, spec.RoomVersionV9, spec.RoomVersionV10, spec.RoomVersionV11:
		return true
	default:
		return false
	}
}

func roomVersionKeepsAliasesContent(v spec.RoomVersion) bool {
	switch v {
	case spec.RoomVersionV1, spec.RoomVersionV2, spec.RoomVersionV3, spec.RoomVersionV4, spec.RoomVersionV5:
		return true
	default:
		return false
	}
}

// Room version 11 moves `redacts` to the top level of the event instead of
// inside `content`; older versions keep it in content.
func roomVersionKeepsRedacts(v spec.RoomVersion) bool {
	return v != spec.RoomVersionV11
}

// Redact returns a copy of eventJSON with all fields not preserved by the
// room version's redaction algorithm removed, per spec.md §4.6/§8 property 10.
func Redact(eventJSON []byte, version spec.RoomVersion) ([]byte, error) {
	eventType := gjson.GetBytes(eventJSON, "type").String()

	var keptContent []byte = []byte("{}")
	if contentKeptFieldsByType(eventType, version) == nil && eventType == types.MRoomCreate && roomVersionKeepsFullCreateContent(version) {
		keptContent = []byte(gjson.GetBytes(eventJSON, "content").Raw)
		if keptContent == nil || len(keptContent) == 0 {
			keptContent = []byte("{}")
		}
	} else {
		for _, field := range contentKeptFieldsByType(eventType, version) {
			val := gjson.GetBytes(eventJSON, "content."+field)
			if !val.Exists() {
				continue
			}
			var err error
			keptContent, err = sjson.SetRawBytes(keptContent, field, []byte(val.Raw))
			if err != nil {
				return nil, fmt.Errorf("eventutil: redact content.%s: %w", field, err)
			}
		}
	}

	result := []byte("{}")
	var err error
	for _, field := range topLevelKeptFields {
		if field == "content" {
			result, err = sjson.SetRawBytes(result, "content", keptContent)
			if err != nil {
				return nil, err
			}
			continue
		}
		val := gjson.GetBytes(eventJSON, field)
		if !val.Exists() {
			continue
		}
		result, err = sjson.SetRawBytes(result, field, []byte(val.Raw))
		if err != nil {
			return nil, fmt.Errorf("eventutil: redact %s: %w", field, err)
		}
	}

	if eventType == types.MRoomRedaction && roomVersionKeepsRedacts(version) {
		if redacts := gjson.GetBytes(eventJSON, "redacts"); redacts.Exists() {
			result, err = sjson.SetBytes(result, "redacts", redacts.String())
			if err != nil {
				return nil, err
			}
		}
	}

	return result, nil
}
