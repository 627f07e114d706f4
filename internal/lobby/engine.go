// internal/lobby/engine.go
//
// Pure state-transition functions over a Lobby value. Every operation
// either returns a fresh Lobby or an error; the input value is never
// touched, so a failed call leaves the caller holding valid state.
package lobby

import (
	"errors"
	"math"

	"github.com/google/uuid"

	"github.com/nydus-gg/nydus/internal/models"
	"github.com/nydus-gg/nydus/internal/slot"
)

var (
	ErrInvalidLocation    = errors.New("no slot at that location")
	ErrSlotNotOpen        = errors.New("slot is not open")
	ErrWrongSlotType      = errors.New("operation not valid for this slot type")
	ErrAlreadyInSlot      = errors.New("already in that slot")
	ErrLobbyFull          = errors.New("lobby is full")
	ErrForcedRace         = errors.New("race is forced by the map")
	ErrNoObserverTeam     = errors.New("game type does not support observers")
	ErrObserversFull      = errors.New("observer team is full")
	ErrObserverTeamSource = errors.New("slot is already in the observer team")
	ErrTeamTooSmall       = errors.New("team would be left empty")
	ErrNoTeamCapacity     = errors.New("no team has room for the observer")
)

// CreateParams collects everything needed to build a new lobby.
type CreateParams struct {
	Name            string
	Map             *models.MapInfo
	GameType        GameType
	GameSubType     int
	NumSlots        int
	HostName        string
	HostUserID      uuid.UUID
	HostRace        slot.Race
	AllowObservers  bool
	TurnRate        int
	UseLegacyLimits bool
}

// CreateLobby builds the initial team layout, appends an observer team when
// the game type allows one, and seats the host in the lowest-indexed open
// slot.
func CreateLobby(p CreateParams) (Lobby, error) {
	teams, err := CreateInitialTeams(p.Map, p.GameType, p.GameSubType, p.NumSlots)
	if err != nil {
		return Lobby{}, err
	}

	if p.GameType == GameTypeMelee && p.AllowObservers {
		total := 0
		for _, t := range teams {
			total += len(t.Slots)
		}
		obsCount := min(8-total, MaxObservers)
		if obsCount < 0 {
			obsCount = 0
		}
		obsSlots := make([]slot.Slot, obsCount)
		for i := range obsSlots {
			obsSlots[i] = slot.CreateClosed()
		}
		teams = append(teams, Team{
			Name:         "Observers",
			TeamID:       len(teams),
			IsObserver:   true,
			Slots:        obsSlots,
			OriginalSize: obsCount,
		})
	}

	l := Lobby{
		Name:            p.Name,
		Map:             p.Map,
		GameType:        p.GameType,
		GameSubType:     p.GameSubType,
		Teams:           teams,
		TurnRate:        p.TurnRate,
		UseLegacyLimits: p.UseLegacyLimits,
	}

	hostTeam, hostSlot, found := firstOpenSlot(l)
	if !found {
		return Lobby{}, ErrLobbyFull
	}

	seat := l.Teams[hostTeam].Slots[hostSlot]
	var host slot.Slot
	if l.GameType.IsUms() {
		race := p.HostRace
		if seat.HasForcedRace {
			race = seat.Race
		}
		host = slot.CreateUmsHuman(p.HostName, p.HostUserID, race, seat.HasForcedRace, seat.PlayerID)
	} else {
		host = slot.CreateHuman(p.HostName, p.HostUserID, p.HostRace)
	}

	l, err = AddPlayer(l, hostTeam, hostSlot, host)
	if err != nil {
		return Lobby{}, err
	}
	l.Host = host
	return l, nil
}

// firstOpenSlot returns the lowest-indexed Open slot in team-then-slot order.
func firstOpenSlot(l Lobby) (int, int, bool) {
	for ti, t := range l.Teams {
		if t.IsObserver {
			continue
		}
		for si, s := range t.Slots {
			if s.Type == slot.TypeOpen {
				return ti, si, true
			}
		}
	}
	return 0, 0, false
}

// FindAvailableSlot picks the seat the next joining player should take.
// When the playing teams are full it falls back to an open observer seat.
// Otherwise it prefers the team with the most available seats (ties by
// encounter order, which is arbitrary but stable) so team games fill evenly.
func FindAvailableSlot(l Lobby) (teamIndex, slotIndex int, err error) {
	if l.TakenSlotCount() >= l.SlotCount() {
		if oi, ok := l.ObserverTeamIndex(); ok {
			for si, s := range l.Teams[oi].Slots {
				if s.Type == slot.TypeOpen {
					return oi, si, nil
				}
			}
		}
		return 0, 0, ErrLobbyFull
	}

	best, bestOpen := -1, 0
	for ti, t := range l.Teams {
		if t.IsObserver || t.Full() {
			continue
		}
		if open := t.OpenCount(); open > bestOpen {
			best, bestOpen = ti, open
		}
	}
	if best < 0 {
		return 0, 0, ErrLobbyFull
	}
	for si, s := range l.Teams[best].Slots {
		if s.Joinable() {
			return best, si, nil
		}
	}
	return 0, 0, ErrLobbyFull
}

// AddPlayer seats player at the given location. In controlled-open game
// types, claiming a seat in an untouched team converts the rest of that
// team to the Controlled variants under the new player's slot id (or to
// same-race computers when a computer is being added).
func AddPlayer(l Lobby, teamIndex, slotIndex int, player slot.Slot) (Lobby, error) {
	target, ok := l.SlotAt(teamIndex, slotIndex)
	if !ok {
		return l, ErrInvalidLocation
	}
	team := l.Teams[teamIndex]

	if l.GameType.HasControlledOpens() && !team.IsObserver && team.EmptyTeam() {
		if target.Type != slot.TypeOpen {
			return l, ErrSlotNotOpen
		}
		return fillEmptyControlledTeam(l, teamIndex, slotIndex, player), nil
	}

	if !target.Joinable() {
		return l, ErrSlotNotOpen
	}
	l = l.cloneTeams()
	team = l.Teams[teamIndex].clone()
	team.Slots[slotIndex] = player
	l.Teams[teamIndex] = team
	return l, nil
}

// fillEmptyControlledTeam claims a whole untouched team for player: every
// other seat keeps its race but becomes Controlled* under player's id, and
// closure is preserved. Adding a computer instead fills the team with
// same-race computers, since the game engine cannot mix races within one
// controlled team.
func fillEmptyControlledTeam(l Lobby, teamIndex, slotIndex int, player slot.Slot) Lobby {
	l = l.cloneTeams()
	team := l.Teams[teamIndex].clone()
	for j := range team.Slots {
		if j == slotIndex {
			team.Slots[j] = player
			continue
		}
		prior := team.Slots[j]
		if player.Type == slot.TypeComputer {
			team.Slots[j] = slot.CreateComputer(player.Race)
			continue
		}
		switch prior.Type {
		case slot.TypeClosed:
			team.Slots[j] = slot.CreateControlledClosed(prior.Race, player.ID)
		default:
			team.Slots[j] = slot.CreateControlledOpen(prior.Race, player.ID)
		}
	}
	l.Teams[teamIndex] = team
	return l
}

// SetRace changes the race at a location. Controlled teams containing a
// computer change race as a unit.
func SetRace(l Lobby, teamIndex, slotIndex int, race slot.Race) (Lobby, error) {
	target, ok := l.SlotAt(teamIndex, slotIndex)
	if !ok {
		return l, ErrInvalidLocation
	}
	if target.HasForcedRace {
		return l, ErrForcedRace
	}

	l = l.cloneTeams()
	team := l.Teams[teamIndex].clone()
	if l.GameType.HasControlledOpens() && team.hasComputer() {
		for j := range team.Slots {
			team.Slots[j] = team.Slots[j].WithRace(race)
		}
	} else {
		team.Slots[slotIndex] = team.Slots[slotIndex].WithRace(race)
	}
	l.Teams[teamIndex] = team

	if l.Host.ID == team.Slots[slotIndex].ID {
		l.Host = team.Slots[slotIndex]
	}
	return l, nil
}

// RemovePlayer vacates a seat. The returned pointer is nil when the last
// user left and the lobby ceased to exist. Host succession picks the
// longest-seated remaining user.
func RemovePlayer(l Lobby, teamIndex, slotIndex int) (*Lobby, error) {
	s, ok := l.SlotAt(teamIndex, slotIndex)
	if !ok {
		return nil, ErrInvalidLocation
	}
	if !s.Occupied() && s.Type != slot.TypeObserver {
		return nil, ErrWrongSlotType
	}

	l = l.cloneTeams()
	team := l.Teams[teamIndex]
	if l.GameType.HasControlledOpens() && !team.IsObserver {
		l.Teams[teamIndex] = cleanupControlledTeam(team, slotIndex, s)
	} else {
		team = team.clone()
		if l.GameType.IsUms() {
			team.Slots[slotIndex] = slot.CreateUmsOpen(s.Race, s.HasForcedRace, s.PlayerID)
		} else {
			team.Slots[slotIndex] = slot.CreateOpen()
		}
		l.Teams[teamIndex] = team
	}

	if l.userCount() == 0 {
		return nil, nil
	}
	if s.ID == l.Host.ID {
		newHost, _ := l.oldestUserSlot()
		l.Host = newHost
	}
	return &l, nil
}

// cleanupControlledTeam recomputes a controlled team after the seat at
// departedIndex was vacated by departed. If no human remains (or the team
// holds computers, which never share a team with humans), the whole team
// reverts to Open seats, keeping forced closure. Otherwise the oldest
// remaining human inherits control of every seat the departed player held.
func cleanupControlledTeam(team Team, departedIndex int, departed slot.Slot) Team {
	team = team.clone()

	remainingHumans := 0
	for j, s := range team.Slots {
		if j != departedIndex && s.Type == slot.TypeHuman {
			remainingHumans++
		}
	}

	if remainingHumans == 0 || team.hasComputer() {
		for j := range team.Slots {
			switch team.Slots[j].Type {
			case slot.TypeControlledClosed, slot.TypeClosed:
				team.Slots[j] = slot.CreateClosed()
			default:
				team.Slots[j] = slot.CreateOpen()
			}
		}
		return team
	}

	var controller slot.Slot
	found := false
	for j, s := range team.Slots {
		if j == departedIndex || s.Type != slot.TypeHuman {
			continue
		}
		if !found || s.JoinedAt < controller.JoinedAt {
			controller = s
			found = true
		}
	}

	team.Slots[departedIndex] = slot.CreateControlledOpen(departed.Race, controller.ID)
	for j := range team.Slots {
		if team.Slots[j].ControlledBy == departed.ID {
			team.Slots[j] = team.Slots[j].WithControlledBy(controller.ID)
		}
	}
	return team
}

// MovePlayerToSlot relocates a user's seat. The exact effects depend on the
// game type; see the individual branches.
func MovePlayerToSlot(l Lobby, srcTeam, srcSlot, dstTeam, dstSlot int) (Lobby, error) {
	src, ok := l.SlotAt(srcTeam, srcSlot)
	if !ok {
		return l, ErrInvalidLocation
	}
	dst, ok := l.SlotAt(dstTeam, dstSlot)
	if !ok {
		return l, ErrInvalidLocation
	}
	if srcTeam == dstTeam && srcSlot == dstSlot {
		return l, ErrAlreadyInSlot
	}
	if !src.HasUser() {
		return l, ErrWrongSlotType
	}
	if !dst.Joinable() {
		return l, ErrSlotNotOpen
	}

	if l.GameType.HasControlledOpens() {
		if srcTeam == dstTeam {
			return moveWithinControlledTeam(l, srcTeam, srcSlot, dstSlot)
		}
		return moveAcrossControlledTeams(l, srcTeam, srcSlot, dstTeam, dstSlot)
	}
	return movePlain(l, srcTeam, srcSlot, dstTeam, dstSlot)
}

// moveWithinControlledTeam swaps a player to another seat of their own
// team; the vacated seat becomes a ControlledOpen inheriting the
// destination's prior race and controller.
func moveWithinControlledTeam(l Lobby, teamIndex, srcSlot, dstSlot int) (Lobby, error) {
	l = l.cloneTeams()
	team := l.Teams[teamIndex].clone()
	moving := team.Slots[srcSlot]
	prior := team.Slots[dstSlot]
	team.Slots[dstSlot] = moving
	team.Slots[srcSlot] = slot.CreateControlledOpen(prior.Race, prior.ControlledBy)
	l.Teams[teamIndex] = team
	if moving.ID == l.Host.ID {
		l.Host = moving
	}
	return l, nil
}

// moveAcrossControlledTeams claims a seat in another team (filling it if it
// was untouched), then runs the source team's cleanup as if the player had
// left it.
func moveAcrossControlledTeams(l Lobby, srcTeam, srcSlot, dstTeam, dstSlot int) (Lobby, error) {
	moving := l.Teams[srcTeam].Slots[srcSlot]

	var err error
	if l.Teams[dstTeam].EmptyTeam() {
		l, err = AddPlayer(l, dstTeam, dstSlot, moving)
	} else {
		l = l.cloneTeams()
		team := l.Teams[dstTeam].clone()
		team.Slots[dstSlot] = moving
		l.Teams[dstTeam] = team
	}
	if err != nil {
		return l, err
	}

	l = l.cloneTeams()
	l.Teams[srcTeam] = cleanupControlledTeam(l.Teams[srcTeam], srcSlot, moving)
	if moving.ID == l.Host.ID {
		l.Host = moving
	}
	return l, nil
}

// movePlain handles the non-controlled game types, including the UMS
// attribute swap and retyping across the observer-team boundary.
func movePlain(l Lobby, srcTeam, srcSlot, dstTeam, dstSlot int) (Lobby, error) {
	moving := l.Teams[srcTeam].Slots[srcSlot]
	dst := l.Teams[dstTeam].Slots[dstSlot]

	var srcReplacement slot.Slot
	if l.GameType.IsUms() {
		// The vacated seat keeps the mover's original map attributes; the
		// mover adopts the destination's.
		srcReplacement = slot.CreateUmsOpen(moving.Race, moving.HasForcedRace, moving.PlayerID)
		if dst.HasForcedRace {
			moving.Race = dst.Race
			moving.HasForcedRace = true
		} else {
			moving.HasForcedRace = false
		}
		moving.PlayerID = dst.PlayerID
	} else {
		srcReplacement = slot.CreateOpen()
	}

	if _, hasObs := l.ObserverTeamIndex(); hasObs {
		srcObs := l.Teams[srcTeam].IsObserver
		dstObs := l.Teams[dstTeam].IsObserver
		if !srcObs && dstObs && moving.Type == slot.TypeHuman {
			moving = moving.WithType(slot.TypeObserver)
		} else if srcObs && !dstObs && moving.Type == slot.TypeObserver {
			moving = moving.WithType(slot.TypeHuman)
			if moving.Race == "" {
				moving.Race = slot.RaceRandom
			}
		}
	}

	l = l.cloneTeams()
	st := l.Teams[srcTeam].clone()
	st.Slots[srcSlot] = srcReplacement
	l.Teams[srcTeam] = st
	dt := l.Teams[dstTeam].clone()
	dt.Slots[dstSlot] = moving
	l.Teams[dstTeam] = dt

	if moving.ID == l.Host.ID {
		l.Host = moving
	}
	return l, nil
}

// OpenSlot makes a closed seat joinable again. Only the Closed variants may
// be opened; race, controller and map attributes carry over.
func OpenSlot(l Lobby, teamIndex, slotIndex int) (Lobby, error) {
	s, ok := l.SlotAt(teamIndex, slotIndex)
	if !ok {
		return l, ErrInvalidLocation
	}
	var replacement slot.Slot
	switch s.Type {
	case slot.TypeClosed:
		replacement = slot.CreateUmsOpen(s.Race, s.HasForcedRace, s.PlayerID)
	case slot.TypeControlledClosed:
		replacement = slot.CreateControlledOpen(s.Race, s.ControlledBy)
	default:
		return l, ErrWrongSlotType
	}
	l = l.cloneTeams()
	team := l.Teams[teamIndex].clone()
	team.Slots[slotIndex] = replacement
	l.Teams[teamIndex] = team
	return l, nil
}

// CloseSlot bars an open seat from being joined.
func CloseSlot(l Lobby, teamIndex, slotIndex int) (Lobby, error) {
	s, ok := l.SlotAt(teamIndex, slotIndex)
	if !ok {
		return l, ErrInvalidLocation
	}
	var replacement slot.Slot
	switch s.Type {
	case slot.TypeOpen:
		replacement = slot.CreateUmsClosed(s.Race, s.HasForcedRace, s.PlayerID)
	case slot.TypeControlledOpen:
		replacement = slot.CreateControlledClosed(s.Race, s.ControlledBy)
	default:
		return l, ErrWrongSlotType
	}
	l = l.cloneTeams()
	team := l.Teams[teamIndex].clone()
	team.Slots[slotIndex] = replacement
	l.Teams[teamIndex] = team
	return l, nil
}

// MakeObserver converts a seat into an observer: a replacement seat is
// appended to the observer team's tail, the human (if any) is moved there,
// and the original seat position is deleted from its team. The caller owns
// the deleted (teamIndex, slotIndex) pair for diff reporting.
func MakeObserver(l Lobby, teamIndex, slotIndex int) (Lobby, error) {
	oi, ok := l.ObserverTeamIndex()
	if !ok {
		return l, ErrNoObserverTeam
	}
	if teamIndex == oi {
		return l, ErrObserverTeamSource
	}
	if len(l.Teams[oi].Slots) >= MaxObservers {
		return l, ErrObserversFull
	}
	s, ok := l.SlotAt(teamIndex, slotIndex)
	if !ok {
		return l, ErrInvalidLocation
	}
	if len(l.Teams[teamIndex].Slots) <= 1 {
		return l, ErrTeamTooSmall
	}

	switch s.Type {
	case slot.TypeHuman:
		l = l.cloneTeams()
		obs := l.Teams[oi].clone()
		obs.Slots = append(obs.Slots, slot.CreateOpen())
		l.Teams[oi] = obs
		moved, err := MovePlayerToSlot(l, teamIndex, slotIndex, oi, len(obs.Slots)-1)
		if err != nil {
			return l, err
		}
		l = moved
	case slot.TypeOpen:
		l = l.cloneTeams()
		obs := l.Teams[oi].clone()
		obs.Slots = append(obs.Slots, slot.CreateUmsOpen(s.Race, s.HasForcedRace, s.PlayerID))
		l.Teams[oi] = obs
	case slot.TypeClosed:
		l = l.cloneTeams()
		obs := l.Teams[oi].clone()
		obs.Slots = append(obs.Slots, slot.CreateUmsClosed(s.Race, s.HasForcedRace, s.PlayerID))
		l.Teams[oi] = obs
	default:
		return l, ErrWrongSlotType
	}

	team := l.Teams[teamIndex].clone()
	team.Slots = append(team.Slots[:slotIndex], team.Slots[slotIndex+1:]...)
	l.Teams[teamIndex] = team
	return l, nil
}

// RemoveObserver moves an observer seat back to the smallest playing team
// that has been hollowed out below its original size, mirroring
// MakeObserver's append-then-delete. The deleted index is in the observer
// team at slotIndex.
func RemoveObserver(l Lobby, slotIndex int) (Lobby, error) {
	oi, ok := l.ObserverTeamIndex()
	if !ok {
		return l, ErrNoObserverTeam
	}
	s, ok := l.SlotAt(oi, slotIndex)
	if !ok {
		return l, ErrInvalidLocation
	}

	dest, destSize := -1, math.MaxInt
	for ti, t := range l.Teams {
		if t.IsObserver {
			continue
		}
		if len(t.Slots) < t.OriginalSize && len(t.Slots) < destSize {
			dest, destSize = ti, len(t.Slots)
		}
	}
	if dest < 0 {
		return l, ErrNoTeamCapacity
	}

	switch s.Type {
	case slot.TypeObserver:
		l = l.cloneTeams()
		dt := l.Teams[dest].clone()
		dt.Slots = append(dt.Slots, slot.CreateOpen())
		l.Teams[dest] = dt
		moved, err := MovePlayerToSlot(l, oi, slotIndex, dest, len(dt.Slots)-1)
		if err != nil {
			return l, err
		}
		l = moved
	case slot.TypeOpen:
		l = l.cloneTeams()
		dt := l.Teams[dest].clone()
		dt.Slots = append(dt.Slots, slot.CreateOpen())
		l.Teams[dest] = dt
	case slot.TypeClosed:
		l = l.cloneTeams()
		dt := l.Teams[dest].clone()
		dt.Slots = append(dt.Slots, slot.CreateClosed())
		l.Teams[dest] = dt
	default:
		return l, ErrWrongSlotType
	}

	obs := l.Teams[oi].clone()
	obs.Slots = append(obs.Slots[:slotIndex], obs.Slots[slotIndex+1:]...)
	l.Teams[oi] = obs
	return l, nil
}
