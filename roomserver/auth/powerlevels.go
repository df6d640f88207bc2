package auth

import (
	"encoding/json"

	"github.com/matrixcore/matrixcore/roomserver/types"
)

// powerLevels mirrors the m.room.power_levels content shape relevant to
// auth decisions. Per-type state overrides live in Events; everything else
// uses EventsDefault/StateDefault.
type powerLevels struct {
	Ban            int            `json:"ban"`
	Events         map[string]int `json:"events"`
	EventsDefault  int            `json:"events_default"`
	Invite         int            `json:"invite"`
	Kick           int            `json:"kick"`
	Redact         int            `json:"redact"`
	StateDefault   int            `json:"state_default"`
	Users          map[string]int `json:"users"`
	UsersDefault   int            `json:"users_default"`
}

// UnmarshalJSON fills in the power-level defaults (50 for ban, kick, redact
// and state_default; 0 for invite, events_default and users_default)
// whenever the corresponding key is absent from content. A plain struct tag
// default can't distinguish "absent" from "explicitly zero", so the defaults
// are set before decoding and only keys present in content overwrite them;
// the raw-map decode beforehand only rejects content that is not an object.
func (p *powerLevels) UnmarshalJSON(data []byte) error {
	type alias powerLevels
	aux := alias{
		Ban: 50, Kick: 50, Redact: 50, Invite: 0,
		EventsDefault: 0, StateDefault: 50, UsersDefault: 0,
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*p = powerLevels(aux)
	return nil
}

func defaultPowerLevels(create *types.Event) powerLevels {
	var content struct {
		Creator string `json:"creator"`
	}
	_ = json.Unmarshal(create.Content, &content)
	users := map[string]int{}
	if content.Creator != "" {
		users[content.Creator] = 100
	}
	users[create.Sender] = 100
	return powerLevels{
		Ban: 50, Kick: 50, Redact: 50, Invite: 0,
		EventsDefault: 0, StateDefault: 50, UsersDefault: 0,
		Users: users,
	}
}

// fillDefaults copies current's values into any field absent from p
// (invoked after unmarshaling a candidate m.room.power_levels event so
// that unset fields are compared against the room's existing levels, not
// against the struct zero value).
func (p *powerLevels) fillDefaults(current powerLevels) {
	if p.Users == nil {
		p.Users = current.Users
	}
	if p.Events == nil {
		p.Events = current.Events
	}
}

func (p powerLevels) forUser(userID string) int {
	if level, ok := p.Users[userID]; ok {
		return level
	}
	return p.UsersDefault
}

func (p powerLevels) stateLevel(eventType string) int {
	if level, ok := p.Events[eventType]; ok {
		return level
	}
	return p.StateDefault
}

// SenderPowerLevel returns sender's power level as recorded in a room's
// m.room.power_levels content, for callers outside this package that need
// the same "what power level does this user have" answer auth decisions
// use (state resolution's v1 algorithm, spec.md §4.5). When
// powerLevelsContent is empty (the room has none yet), it falls back to
// createEvent's implied defaults, matching defaultPowerLevels. createEvent
// may itself be nil if the room's create event isn't known either, in
// which case every sender is treated as power level 0.
func SenderPowerLevel(sender string, powerLevelsContent []byte, createEvent *types.Event) int {
	if len(powerLevelsContent) > 0 {
		var p powerLevels
		if err := json.Unmarshal(powerLevelsContent, &p); err == nil {
			return p.forUser(sender)
		}
	}
	if createEvent == nil {
		return 0
	}
	return defaultPowerLevels(createEvent).forUser(sender)
}
