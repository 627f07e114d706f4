// internal/gameload/mapselect.go
package gameload

import (
	"math/rand"

	"github.com/google/uuid"

	"github.com/nydus-gg/nydus/internal/models"
)

// selectionPoolSize is the number of candidate maps the final pick is drawn
// from. Preferred maps fill the pool first, random maps top it up.
const selectionPoolSize = 4

// MapSelection records how the played map was chosen, so clients can show
// which candidates were player picks and which were random fillers.
type MapSelection struct {
	Preferred []*models.MapInfo `json:"preferred"`
	Random    []*models.MapInfo `json:"random"`
	Chosen    *models.MapInfo   `json:"chosen"`
}

// SelectMap picks the map for a matchmade game. Every player's preferred
// maps are intersected with the active pool; if fewer than four unique
// preferences survive, the pool of candidates is topped up with random
// draws from the remaining maps, then one candidate is picked uniformly.
func SelectMap(rng *rand.Rand, pool []*models.MapInfo, players []Player) MapSelection {
	byID := make(map[uuid.UUID]*models.MapInfo, len(pool))
	for _, m := range pool {
		byID[m.ID] = m
	}

	seen := make(map[uuid.UUID]bool)
	var preferred []*models.MapInfo
	for _, p := range players {
		for _, id := range p.PreferredMaps {
			m, inPool := byID[id]
			if !inPool || seen[id] {
				continue
			}
			seen[id] = true
			preferred = append(preferred, m)
		}
	}
	if len(preferred) > selectionPoolSize {
		preferred = preferred[:selectionPoolSize]
	}

	var remaining []*models.MapInfo
	for _, m := range pool {
		if !seen[m.ID] {
			remaining = append(remaining, m)
		}
	}
	rng.Shuffle(len(remaining), func(i, j int) {
		remaining[i], remaining[j] = remaining[j], remaining[i]
	})

	var random []*models.MapInfo
	for len(preferred)+len(random) < selectionPoolSize && len(random) < len(remaining) {
		random = append(random, remaining[len(random)])
	}

	candidates := append(append([]*models.MapInfo{}, preferred...), random...)
	sel := MapSelection{Preferred: preferred, Random: random}
	if len(candidates) > 0 {
		sel.Chosen = candidates[rng.Intn(len(candidates))]
	}
	return sel
}
