package monitor

import (
	"MarginEngine/internal/domain/models"
	"sync"

	"github.com/google/uuid"
)

// Index is the monitor's read-mostly view of open positions: pair → isolated
// positions, pair → owners with cross exposure, owner → cross set. It is
// bootstrapped from the store and kept current from the position event
// stream; lookups never block price evaluation for other pairs longer than a
// map read.
type Index struct {
	mu          sync.RWMutex
	positions   map[uuid.UUID]models.Position
	byPair      map[string]map[uuid.UUID]struct{}
	crossOwners map[int64]map[uuid.UUID]struct{}
	quarantined map[uuid.UUID]struct{}
}

func NewIndex() *Index {
	return &Index{
		positions:   make(map[uuid.UUID]models.Position),
		byPair:      make(map[string]map[uuid.UUID]struct{}),
		crossOwners: make(map[int64]map[uuid.UUID]struct{}),
		quarantined: make(map[uuid.UUID]struct{}),
	}
}

// Bootstrap merges the queried open positions into the index. Entries already
// applied from the event stream are newer than the query snapshot and win;
// the caller must subscribe to position events before querying, so nothing
// opened in between is lost.
func (i *Index) Bootstrap(positions []models.Position) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, p := range positions {
		if _, ok := i.positions[p.Id]; ok {
			continue
		}
		i.put(p)
	}
}

// Put inserts or refreshes a snapshot. Terminal positions are dropped.
func (i *Index) Put(p models.Position) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !p.IsOpen() {
		i.remove(p.Id)
		return
	}
	i.remove(p.Id)
	i.put(p)
}

func (i *Index) Remove(id uuid.UUID) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.remove(id)
}

// Quarantine marks a position whose snapshot failed margin math; the monitor
// refuses to evaluate it again until a fresh snapshot arrives via Put.
func (i *Index) Quarantine(id uuid.UUID) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.quarantined[id] = struct{}{}
}

func (i *Index) IsQuarantined(id uuid.UUID) bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	_, ok := i.quarantined[id]
	return ok
}

// OpenByPair returns snapshots of every indexed position on the pair.
func (i *Index) OpenByPair(pair string) []models.Position {
	i.mu.RLock()
	defer i.mu.RUnlock()
	ids := i.byPair[pair]
	out := make([]models.Position, 0, len(ids))
	for id := range ids {
		out = append(out, i.positions[id])
	}
	return out
}

// IsolatedByPair returns isolated-mode snapshots on the pair.
func (i *Index) IsolatedByPair(pair string) []models.Position {
	i.mu.RLock()
	defer i.mu.RUnlock()
	var out []models.Position
	for id := range i.byPair[pair] {
		if p := i.positions[id]; p.Mode == models.Isolated {
			out = append(out, p)
		}
	}
	return out
}

// CrossOwnersByPair returns owners holding cross positions on the pair.
func (i *Index) CrossOwnersByPair(pair string) []int64 {
	i.mu.RLock()
	defer i.mu.RUnlock()
	seen := make(map[int64]struct{})
	var out []int64
	for id := range i.byPair[pair] {
		p := i.positions[id]
		if p.Mode != models.Cross {
			continue
		}
		if _, ok := seen[p.OwnerId]; !ok {
			seen[p.OwnerId] = struct{}{}
			out = append(out, p.OwnerId)
		}
	}
	return out
}

// CrossByOwner returns the owner's full cross set across all pairs.
func (i *Index) CrossByOwner(ownerId int64) []models.Position {
	i.mu.RLock()
	defer i.mu.RUnlock()
	ids := i.crossOwners[ownerId]
	out := make([]models.Position, 0, len(ids))
	for id := range ids {
		out = append(out, i.positions[id])
	}
	return out
}

func (i *Index) put(p models.Position) {
	i.positions[p.Id] = p
	if i.byPair[p.Pair] == nil {
		i.byPair[p.Pair] = make(map[uuid.UUID]struct{})
	}
	i.byPair[p.Pair][p.Id] = struct{}{}
	if p.Mode == models.Cross {
		if i.crossOwners[p.OwnerId] == nil {
			i.crossOwners[p.OwnerId] = make(map[uuid.UUID]struct{})
		}
		i.crossOwners[p.OwnerId][p.Id] = struct{}{}
	}
	delete(i.quarantined, p.Id)
}

func (i *Index) remove(id uuid.UUID) {
	p, ok := i.positions[id]
	if !ok {
		return
	}
	delete(i.positions, id)
	delete(i.quarantined, id)
	if set := i.byPair[p.Pair]; set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(i.byPair, p.Pair)
		}
	}
	if set := i.crossOwners[p.OwnerId]; set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(i.crossOwners, p.OwnerId)
		}
	}
}
