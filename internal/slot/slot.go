// internal/slot/slot.go
package slot

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// Type identifies what currently occupies (or may occupy) a seat.
type Type string

const (
	TypeOpen             Type = "open"
	TypeClosed           Type = "closed"
	TypeHuman            Type = "human"
	TypeComputer         Type = "computer"
	TypeControlledOpen   Type = "controlledOpen"
	TypeControlledClosed Type = "controlledClosed"
	TypeUmsComputer      Type = "umsComputer"
	TypeObserver         Type = "observer"
)

// Race is one of the playable races, or random.
type Race string

const (
	RaceZerg    Race = "z"
	RaceTerran  Race = "t"
	RaceProtoss Race = "p"
	RaceRandom  Race = "r"
)

// ValidRace reports whether r is a race a client is allowed to request.
func ValidRace(r Race) bool {
	switch r {
	case RaceZerg, RaceTerran, RaceProtoss, RaceRandom:
		return true
	}
	return false
}

// NoPlayerID marks a slot that carries no map-defined player id. Real ids
// (use-map-settings games only) are >= 0.
const NoPlayerID = -1

// Slot is one seat in a lobby or match. Slots are plain values: mutation
// helpers always return a copy, and the ID is assigned exactly once at
// creation. Two slots describe the same seat occupant across a mutation
// iff their IDs match.
type Slot struct {
	Type Type      `json:"type"`
	ID   uuid.UUID `json:"id"`

	Name   string    `json:"name,omitempty"`
	Race   Race      `json:"race,omitempty"`
	UserID uuid.UUID `json:"userId,omitempty"`

	// HasForcedRace is set when the map dictates this seat's race.
	HasForcedRace bool `json:"hasForcedRace,omitempty"`

	// PlayerID and TypeID are the map-defined player/unit ids; they are only
	// meaningful for use-map-settings games. NoPlayerID otherwise.
	PlayerID int `json:"playerId"`
	TypeID   int `json:"typeId,omitempty"`

	// ControlledBy holds the slot id of the human who sets this seat's race
	// while it is unoccupied (team game types only).
	ControlledBy uuid.UUID `json:"controlledBy,omitempty"`

	// JoinedAt is a process-wide monotonic join order, used to pick the
	// oldest human for host and controller succession. Not serialized.
	JoinedAt int64 `json:"-"`
}

// joinCounter backs JoinedAt. Monotonic within the process, which is all
// succession ordering needs.
var joinCounter atomic.Int64

func nextJoinOrder() int64 {
	return joinCounter.Add(1)
}

// CreateOpen returns a joinable empty slot with a random race.
func CreateOpen() Slot {
	return CreateUmsOpen(RaceRandom, false, NoPlayerID)
}

// CreateUmsOpen returns a joinable empty slot carrying map-defined attributes.
func CreateUmsOpen(race Race, hasForcedRace bool, playerID int) Slot {
	return Slot{
		Type:          TypeOpen,
		ID:            uuid.New(),
		Race:          race,
		HasForcedRace: hasForcedRace,
		PlayerID:      playerID,
	}
}

// CreateClosed returns an empty slot that nobody may join.
func CreateClosed() Slot {
	return CreateUmsClosed(RaceRandom, false, NoPlayerID)
}

// CreateUmsClosed returns a closed slot carrying map-defined attributes.
func CreateUmsClosed(race Race, hasForcedRace bool, playerID int) Slot {
	return Slot{
		Type:          TypeClosed,
		ID:            uuid.New(),
		Race:          race,
		HasForcedRace: hasForcedRace,
		PlayerID:      playerID,
	}
}

// CreateHuman returns a slot occupied by the given user.
func CreateHuman(name string, userID uuid.UUID, race Race) Slot {
	return CreateUmsHuman(name, userID, race, false, NoPlayerID)
}

// CreateUmsHuman returns a human slot carrying map-defined attributes.
func CreateUmsHuman(name string, userID uuid.UUID, race Race, hasForcedRace bool, playerID int) Slot {
	return Slot{
		Type:          TypeHuman,
		ID:            uuid.New(),
		Name:          name,
		Race:          race,
		UserID:        userID,
		HasForcedRace: hasForcedRace,
		PlayerID:      playerID,
		JoinedAt:      nextJoinOrder(),
	}
}

// CreateComputer returns an AI-occupied slot.
func CreateComputer(race Race) Slot {
	return Slot{
		Type:     TypeComputer,
		ID:       uuid.New(),
		Name:     "Computer",
		Race:     race,
		PlayerID: NoPlayerID,
	}
}

// CreateControlledOpen returns an empty joinable slot whose race is managed
// by the slot identified by controlledBy.
func CreateControlledOpen(race Race, controlledBy uuid.UUID) Slot {
	return Slot{
		Type:         TypeControlledOpen,
		ID:           uuid.New(),
		Race:         race,
		PlayerID:     NoPlayerID,
		ControlledBy: controlledBy,
	}
}

// CreateControlledClosed returns a closed slot whose race is managed by the
// slot identified by controlledBy.
func CreateControlledClosed(race Race, controlledBy uuid.UUID) Slot {
	return Slot{
		Type:         TypeControlledClosed,
		ID:           uuid.New(),
		Race:         race,
		PlayerID:     NoPlayerID,
		ControlledBy: controlledBy,
	}
}

// CreateUmsComputer returns a computer seat defined by the map itself.
func CreateUmsComputer(race Race, playerID, typeID int) Slot {
	return Slot{
		Type:          TypeUmsComputer,
		ID:            uuid.New(),
		Name:          "Computer",
		Race:          race,
		HasForcedRace: true,
		PlayerID:      playerID,
		TypeID:        typeID,
	}
}

// CreateObserver returns a slot occupied by a user who watches but does not play.
func CreateObserver(name string, userID uuid.UUID) Slot {
	return Slot{
		Type:     TypeObserver,
		ID:       uuid.New(),
		Name:     name,
		UserID:   userID,
		PlayerID: NoPlayerID,
		JoinedAt: nextJoinOrder(),
	}
}

// Occupied reports whether the slot holds a player that counts toward a side
// in the game (humans and all computer variants; observers do not count).
func (s Slot) Occupied() bool {
	switch s.Type {
	case TypeHuman, TypeComputer, TypeUmsComputer:
		return true
	}
	return false
}

// HasUser reports whether a real user sits in this slot.
func (s Slot) HasUser() bool {
	return s.Type == TypeHuman || s.Type == TypeObserver
}

// Joinable reports whether a player may take this slot.
func (s Slot) Joinable() bool {
	return s.Type == TypeOpen || s.Type == TypeControlledOpen
}

// Empty reports whether the slot is an unoccupied plain seat.
func (s Slot) Empty() bool {
	return s.Type == TypeOpen || s.Type == TypeClosed
}

// WithRace returns a copy of s with the race replaced.
func (s Slot) WithRace(race Race) Slot {
	s.Race = race
	return s
}

// WithControlledBy returns a copy of s pointing at a new controller slot id.
func (s Slot) WithControlledBy(controller uuid.UUID) Slot {
	s.ControlledBy = controller
	return s
}

// WithType returns a copy of s retyped. Used when a seat crosses the
// observer-team boundary and keeps its occupant (same ID).
func (s Slot) WithType(t Type) Slot {
	s.Type = t
	return s
}
