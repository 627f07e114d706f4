package models

import (
	"github.com/google/uuid"

	"github.com/nydus-gg/nydus/internal/slot"
)

// Map-force player type ids as stored in the map file. Anything else
// (neutral, rescuable, ...) exists on the map but is never joinable.
const (
	UmsTypeComputer = 5
	UmsTypeHuman    = 6
)

// MapInfo describes a playable map. Only the fields the coordinator needs
// are modeled here; full map metadata lives with the content service.
type MapInfo struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
	Hash string    `json:"hash,omitempty"`

	// Forces is only populated for use-map-settings capable maps.
	Forces []MapForce `json:"forces,omitempty"`
}

// MapForce is one map-defined force (team) with its player list.
type MapForce struct {
	Name    string           `json:"name"`
	TeamID  int              `json:"teamId"`
	Players []MapForcePlayer `json:"players"`
}

// MapForcePlayer is one map-defined seat inside a force.
type MapForcePlayer struct {
	ID       int       `json:"id"`
	Race     slot.Race `json:"race,omitempty"`
	TypeID   int       `json:"typeId"`
	Computer bool      `json:"computer"`
}

// ForcedRace reports whether the map pins this seat to a specific race.
// An empty or random race means the joining player picks.
func (p MapForcePlayer) ForcedRace() bool {
	return p.Race != "" && p.Race != slot.RaceRandom
}
