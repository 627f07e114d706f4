// internal/lobby/teams.go
//
// Initial team/slot layout computation. Pure functions over the map
// description and game type; nothing here touches a live lobby.
package lobby

import (
	"errors"
	"fmt"

	"github.com/nydus-gg/nydus/internal/models"
	"github.com/nydus-gg/nydus/internal/slot"
)

var (
	ErrInvalidGameSubType = errors.New("invalid game sub-type")
	ErrMapMissingForces   = errors.New("use-map-settings game requires map force data")
)

// teamMeleePartitions maps a TeamMelee/TeamFFA sub-type (the number of
// teams) to the per-team slot counts.
var teamMeleePartitions = map[int][]int{
	2: {4, 4},
	3: {3, 3, 2},
	4: {2, 2, 2, 2},
}

// teamSlotCounts computes the per-team slot counts for a game type.
func teamSlotCounts(gameType GameType, gameSubType, numSlots int) ([]int, error) {
	switch gameType {
	case GameTypeMelee, GameTypeFFA, GameTypeOneVOne:
		return []int{numSlots}, nil
	case GameTypeTopVsBottom:
		if gameSubType < 1 || gameSubType >= numSlots {
			return nil, fmt.Errorf("%w: topVBottom split %d of %d slots", ErrInvalidGameSubType, gameSubType, numSlots)
		}
		return []int{gameSubType, numSlots - gameSubType}, nil
	case GameTypeTeamMelee, GameTypeTeamFFA:
		counts, ok := teamMeleePartitions[gameSubType]
		if !ok {
			return nil, fmt.Errorf("%w: %d teams", ErrInvalidGameSubType, gameSubType)
		}
		return counts, nil
	default:
		return nil, fmt.Errorf("teamSlotCounts called for %q", gameType)
	}
}

// teamName returns the display name for team i of n.
func teamName(gameType GameType, i, n int) string {
	switch gameType {
	case GameTypeTopVsBottom:
		if i == 0 {
			return "Top"
		}
		return "Bottom"
	case GameTypeTeamMelee, GameTypeTeamFFA:
		return fmt.Sprintf("Team %d", i+1)
	default:
		return ""
	}
}

// CreateInitialTeams computes the full team layout for a new lobby. For
// use-map-settings games the map's forces dictate everything; otherwise the
// layout is numSlots Open seats partitioned by game type.
func CreateInitialTeams(m *models.MapInfo, gameType GameType, gameSubType, numSlots int) ([]Team, error) {
	if gameType.IsUms() {
		return createUmsTeams(m)
	}

	counts, err := teamSlotCounts(gameType, gameSubType, numSlots)
	if err != nil {
		return nil, err
	}

	teams := make([]Team, 0, len(counts))
	for i, count := range counts {
		slots := make([]slot.Slot, count)
		for j := range slots {
			slots[j] = slot.CreateOpen()
		}
		teamID := i
		if gameType.IsTeamType() {
			teamID = i + 1
		}
		teams = append(teams, Team{
			Name:         teamName(gameType, i, len(counts)),
			TeamID:       teamID,
			Slots:        slots,
			OriginalSize: count,
		})
	}
	return teams, nil
}

// createUmsTeams builds one team per map force, splitting out hidden seats
// (map players that are neither regular computers nor human-joinable).
func createUmsTeams(m *models.MapInfo) ([]Team, error) {
	if m == nil || len(m.Forces) == 0 {
		return nil, ErrMapMissingForces
	}

	teams := make([]Team, 0, len(m.Forces))
	for _, force := range m.Forces {
		var visible, hidden []slot.Slot
		for _, p := range force.Players {
			race := p.Race
			if race == "" {
				race = slot.RaceRandom
			}
			if p.Computer {
				s := slot.CreateUmsComputer(race, p.ID, p.TypeID)
				if p.TypeID != models.UmsTypeComputer {
					hidden = append(hidden, s)
				} else {
					visible = append(visible, s)
				}
			} else {
				visible = append(visible, slot.CreateUmsOpen(race, p.ForcedRace(), p.ID))
			}
		}
		teams = append(teams, Team{
			Name:         force.Name,
			TeamID:       force.TeamID,
			Slots:        visible,
			OriginalSize: len(visible),
			HiddenSlots:  hidden,
		})
	}
	return teams, nil
}
