package ledger

import (
	"MarginEngine/internal/domain/models"
	"sync"

	"github.com/google/uuid"
)

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

type groupKey struct {
	owner int64
	mode  models.MarginMode
}

// Coordinator serializes mutations per position id and, for cross margin,
// per (owner, mode) group, so read-modify-write sequences never interleave
// on the same position. Unrelated positions never contend: entries are
// created on demand and dropped when the last holder releases.
//
// Lock order is group before position. Cross-mode paths take the group lock
// first and then individual position locks; isolated paths take only the
// position lock.
type Coordinator struct {
	mu        sync.Mutex
	positions map[uuid.UUID]*lockEntry
	groups    map[groupKey]*lockEntry
}

func NewCoordinator() *Coordinator {
	return &Coordinator{
		positions: make(map[uuid.UUID]*lockEntry),
		groups:    make(map[groupKey]*lockEntry),
	}
}

// LockPosition blocks until the per-position lock is held and returns the
// release func.
func (c *Coordinator) LockPosition(id uuid.UUID) func() {
	c.mu.Lock()
	e, ok := c.positions[id]
	if !ok {
		e = &lockEntry{}
		c.positions[id] = e
	}
	e.refs++
	c.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		c.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(c.positions, id)
		}
		c.mu.Unlock()
	}
}

// LockGroup blocks until the (owner, mode) group lock is held. Cross-margin
// evaluation and mutation hold it so the owner's aggregate stays consistent
// while individual positions are being touched.
func (c *Coordinator) LockGroup(owner int64, mode models.MarginMode) func() {
	key := groupKey{owner: owner, mode: mode}

	c.mu.Lock()
	e, ok := c.groups[key]
	if !ok {
		e = &lockEntry{}
		c.groups[key] = e
	}
	e.refs++
	c.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		c.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(c.groups, key)
		}
		c.mu.Unlock()
	}
}
