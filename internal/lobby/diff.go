// internal/lobby/diff.go
//
// Computes the network diff between two lobby values. Slots are matched by
// id: the same id in both lobbies is the same seat occupant, a new id is a
// created seat, a vanished human id is a departure. The one thing the id
// diff cannot reconstruct is which *index* disappeared when a team shrank
// through observer conversion, so the triggering operation supplies it.
package lobby

import (
	"github.com/google/uuid"

	"github.com/nydus-gg/nydus/internal/slot"
)

type DiffEventType string

const (
	DiffLeave       DiffEventType = "leave"
	DiffKick        DiffEventType = "kick"
	DiffBan         DiffEventType = "ban"
	DiffSlotCreate  DiffEventType = "slotCreate"
	DiffSlotChange  DiffEventType = "slotChange"
	DiffRaceChange  DiffEventType = "raceChange"
	DiffSlotDeleted DiffEventType = "slotDeleted"
	DiffHostChange  DiffEventType = "hostChange"
)

// RemovalKind disambiguates how a vanished human id should be reported.
type RemovalKind DiffEventType

const (
	RemovalLeave RemovalKind = RemovalKind(DiffLeave)
	RemovalKick  RemovalKind = RemovalKind(DiffKick)
	RemovalBan   RemovalKind = RemovalKind(DiffBan)
)

// DeletedSlot names a team index position removed by observer conversion.
type DeletedSlot struct {
	TeamIndex int `json:"teamIndex"`
	SlotIndex int `json:"slotIndex"`
}

// DiffEvent is one entry of a diff publication.
type DiffEvent struct {
	Type      DiffEventType `json:"type"`
	TeamIndex int           `json:"teamIndex,omitempty"`
	SlotIndex int           `json:"slotIndex,omitempty"`
	Slot      *slot.Slot    `json:"slot,omitempty"`
	SlotID    uuid.UUID     `json:"slotId,omitempty"`
	UserID    uuid.UUID     `json:"userId,omitempty"`
	Race      slot.Race     `json:"race,omitempty"`
	Host      *slot.Slot    `json:"host,omitempty"`
}

type slotPos struct {
	teamIndex, slotIndex int
	s                    slot.Slot
}

func indexSlots(l Lobby) map[uuid.UUID]slotPos {
	m := make(map[uuid.UUID]slotPos)
	for ti, t := range l.Teams {
		for si, s := range t.Slots {
			m[s.ID] = slotPos{ti, si, s}
		}
	}
	return m
}

// Diff computes the batched event list describing the transition from
// before to after. removal tells how vanished humans should be labeled;
// deleted carries the index removed by an observer conversion, if any.
// An empty result means nothing observable changed.
func Diff(before, after Lobby, removal RemovalKind, deleted *DeletedSlot) []DiffEvent {
	prev := indexSlots(before)
	next := indexSlots(after)

	var events []DiffEvent

	// Vanished humans first, in before-lobby order for determinism.
	for _, t := range before.Teams {
		for _, s := range t.Slots {
			if _, still := next[s.ID]; still {
				continue
			}
			if s.HasUser() {
				events = append(events, DiffEvent{
					Type:   DiffEventType(removal),
					SlotID: s.ID,
					UserID: s.UserID,
				})
			}
		}
	}

	// Created and changed seats, in after-lobby order.
	for ti, t := range after.Teams {
		for si := range t.Slots {
			s := t.Slots[si]
			old, existed := prev[s.ID]
			if !existed {
				events = append(events, DiffEvent{
					Type:      DiffSlotCreate,
					TeamIndex: ti,
					SlotIndex: si,
					Slot:      &s,
				})
				continue
			}
			if old.teamIndex != ti || old.slotIndex != si {
				events = append(events, DiffEvent{
					Type:      DiffSlotChange,
					TeamIndex: ti,
					SlotIndex: si,
					Slot:      &s,
				})
			} else if old.s.Race != s.Race {
				events = append(events, DiffEvent{
					Type:      DiffRaceChange,
					TeamIndex: ti,
					SlotIndex: si,
					SlotID:    s.ID,
					Race:      s.Race,
				})
			}
		}
	}

	if deleted != nil {
		events = append(events, DiffEvent{
			Type:      DiffSlotDeleted,
			TeamIndex: deleted.TeamIndex,
			SlotIndex: deleted.SlotIndex,
		})
	}

	if before.Host.ID != after.Host.ID {
		host := after.Host
		events = append(events, DiffEvent{
			Type: DiffHostChange,
			Host: &host,
		})
	}

	return events
}
