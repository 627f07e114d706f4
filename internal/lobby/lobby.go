// Package lobby holds the pure lobby data model and its transition
// algorithms. Nothing in this package performs I/O or locking: every
// operation takes a Lobby value and returns a new one, leaving the caller's
// value untouched. The session layer owns the authoritative copy and swaps
// it by reference.
package lobby

import (
	"github.com/google/uuid"

	"github.com/nydus-gg/nydus/internal/models"
	"github.com/nydus-gg/nydus/internal/slot"
)

// GameType selects the team/slot layout rules for a lobby.
type GameType string

const (
	GameTypeMelee          GameType = "melee"
	GameTypeFFA            GameType = "ffa"
	GameTypeOneVOne        GameType = "oneVOne"
	GameTypeTopVsBottom    GameType = "topVBottom"
	GameTypeTeamMelee      GameType = "teamMelee"
	GameTypeTeamFFA        GameType = "teamFfa"
	GameTypeUseMapSettings GameType = "ums"
)

// ValidGameType reports whether t is a known game type.
func ValidGameType(t GameType) bool {
	switch t {
	case GameTypeMelee, GameTypeFFA, GameTypeOneVOne, GameTypeTopVsBottom,
		GameTypeTeamMelee, GameTypeTeamFFA, GameTypeUseMapSettings:
		return true
	}
	return false
}

// HasControlledOpens reports whether unoccupied slots in partially-filled
// teams must be converted to the Controlled slot variants. The game engine
// requires this for the team game types, where one human drives every seat
// of their team.
func (t GameType) HasControlledOpens() bool {
	return t == GameTypeTeamMelee || t == GameTypeTeamFFA
}

// IsTeamType reports whether sides are teams rather than individual players.
func (t GameType) IsTeamType() bool {
	switch t {
	case GameTypeTopVsBottom, GameTypeTeamMelee, GameTypeTeamFFA, GameTypeUseMapSettings:
		return true
	}
	return false
}

// IsUms reports whether the map, not the server, defines the slot layout.
func (t GameType) IsUms() bool {
	return t == GameTypeUseMapSettings
}

// MaxObservers bounds the observer team's size.
const MaxObservers = 4

// Team is an ordered group of slots. Non-observer teams never change their
// slot count after creation except through observer conversion, which is
// why OriginalSize is recorded separately.
type Team struct {
	Name       string      `json:"name"`
	TeamID     int         `json:"teamId"`
	IsObserver bool        `json:"isObserver,omitempty"`
	Slots      []slot.Slot `json:"slots"`

	// OriginalSize is the slot count at lobby creation. Teams hollowed out
	// by observer conversion have len(Slots) < OriginalSize.
	OriginalSize int `json:"originalSize"`

	// HiddenSlots are use-map-settings seats that exist on the map but are
	// never shown or joinable (neutral units, rescuables).
	HiddenSlots []slot.Slot `json:"hiddenSlots,omitempty"`
}

// OpenCount returns how many seats of the team are currently joinable.
func (t Team) OpenCount() int {
	n := 0
	for _, s := range t.Slots {
		if s.Joinable() {
			n++
		}
	}
	return n
}

// Full reports whether no seat of the team is joinable.
func (t Team) Full() bool {
	return t.OpenCount() == 0
}

// EmptyTeam reports whether the team holds only plain Open/Closed seats,
// i.e. nobody has claimed it yet in a controlled-open game type.
func (t Team) EmptyTeam() bool {
	for _, s := range t.Slots {
		if !s.Empty() {
			return false
		}
	}
	return true
}

func (t Team) hasComputer() bool {
	for _, s := range t.Slots {
		if s.Type == slot.TypeComputer {
			return true
		}
	}
	return false
}

func (t Team) humanCount() int {
	n := 0
	for _, s := range t.Slots {
		if s.Type == slot.TypeHuman {
			n++
		}
	}
	return n
}

// clone returns a copy of the team with its own slot slice, so transition
// functions never write through a shared backing array.
func (t Team) clone() Team {
	slots := make([]slot.Slot, len(t.Slots))
	copy(slots, t.Slots)
	t.Slots = slots
	return t
}

// Lobby is the complete description of one pre-game session. It is a value:
// transition functions copy the teams they touch and return a fresh Lobby.
type Lobby struct {
	Name        string          `json:"name"`
	Map         *models.MapInfo `json:"map"`
	GameType    GameType        `json:"gameType"`
	GameSubType int             `json:"gameSubType,omitempty"`
	Teams       []Team          `json:"teams"`

	// Host mirrors the authoritative host slot by value. Kept in sync by
	// the transition functions; always matches a Human or Observer slot
	// present in the lobby.
	Host slot.Slot `json:"host"`

	TurnRate        int  `json:"turnRate,omitempty"`
	UseLegacyLimits bool `json:"useLegacyLimits,omitempty"`
}

// cloneTeams returns the lobby with a fresh teams slice (the teams
// themselves are still shared until individually cloned).
func (l Lobby) cloneTeams() Lobby {
	teams := make([]Team, len(l.Teams))
	copy(teams, l.Teams)
	l.Teams = teams
	return l
}

// ObserverTeamIndex returns the index of the observer team, if one exists.
// At most one team is an observer team and it sits at the end.
func (l Lobby) ObserverTeamIndex() (int, bool) {
	for i, t := range l.Teams {
		if t.IsObserver {
			return i, true
		}
	}
	return 0, false
}

// SlotCount is the total number of visible seats in non-observer teams.
func (l Lobby) SlotCount() int {
	n := 0
	for _, t := range l.Teams {
		if !t.IsObserver {
			n += len(t.Slots)
		}
	}
	return n
}

// TakenSlotCount counts occupied seats in non-observer teams.
func (l Lobby) TakenSlotCount() int {
	n := 0
	for _, t := range l.Teams {
		if t.IsObserver {
			continue
		}
		for _, s := range t.Slots {
			if s.Occupied() {
				n++
			}
		}
	}
	return n
}

// OpenSlotCount counts joinable seats across every team, observers included.
func (l Lobby) OpenSlotCount() int {
	n := 0
	for _, t := range l.Teams {
		n += t.OpenCount()
	}
	return n
}

// HumanSlotCount counts playing humans (observers excluded).
func (l Lobby) HumanSlotCount() int {
	n := 0
	for _, t := range l.Teams {
		n += t.humanCount()
	}
	return n
}

// userCount counts every seat held by a real user, observers included. The
// lobby ceases to exist the moment this reaches zero.
func (l Lobby) userCount() int {
	n := 0
	for _, t := range l.Teams {
		for _, s := range t.Slots {
			if s.HasUser() {
				n++
			}
		}
	}
	return n
}

// HasOpposingSides reports whether at least two sides that can fight each
// other are present. In team game types a side is a team; otherwise every
// occupied seat is its own side.
func (l Lobby) HasOpposingSides() bool {
	if l.GameType.IsTeamType() {
		sides := 0
		for _, t := range l.Teams {
			if t.IsObserver {
				continue
			}
			for _, s := range t.Slots {
				if s.Occupied() {
					sides++
					break
				}
			}
		}
		return sides > 1
	}
	return l.TakenSlotCount() > 1
}

// FindSlotByID locates a slot by its id across all visible teams.
func (l Lobby) FindSlotByID(id uuid.UUID) (teamIndex, slotIndex int, ok bool) {
	for ti, t := range l.Teams {
		for si, s := range t.Slots {
			if s.ID == id {
				return ti, si, true
			}
		}
	}
	return 0, 0, false
}

// FindSlotByUserID locates the seat held by the given user, if any.
func (l Lobby) FindSlotByUserID(userID uuid.UUID) (teamIndex, slotIndex int, ok bool) {
	for ti, t := range l.Teams {
		for si, s := range t.Slots {
			if s.HasUser() && s.UserID == userID {
				return ti, si, true
			}
		}
	}
	return 0, 0, false
}

// SlotAt returns the slot value at the given position.
func (l Lobby) SlotAt(teamIndex, slotIndex int) (slot.Slot, bool) {
	if teamIndex < 0 || teamIndex >= len(l.Teams) {
		return slot.Slot{}, false
	}
	t := l.Teams[teamIndex]
	if slotIndex < 0 || slotIndex >= len(t.Slots) {
		return slot.Slot{}, false
	}
	return t.Slots[slotIndex], true
}

// oldestUserSlot returns the longest-seated Human or Observer, used for host
// succession.
func (l Lobby) oldestUserSlot() (slot.Slot, bool) {
	var best slot.Slot
	found := false
	for _, t := range l.Teams {
		for _, s := range t.Slots {
			if !s.HasUser() {
				continue
			}
			if !found || s.JoinedAt < best.JoinedAt {
				best = s
				found = true
			}
		}
	}
	return best, found
}
