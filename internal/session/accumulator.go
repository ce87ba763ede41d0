// Package session accumulates gameplay snapshots per player until a session
// closes.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MJE43/arena-rewards/internal/gameplay"
)

// Session is one player's open snapshot sequence.
type Session struct {
	ID        uuid.UUID
	Player    string
	OpenedAt  time.Time
	Snapshots []gameplay.Snapshot
}

// Accumulator holds at most one open session per player. It is safe for
// concurrent use.
type Accumulator struct {
	mu       sync.Mutex
	sessions map[string]*Session
	clk      func() time.Time
}

// NewAccumulator creates an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{
		sessions: make(map[string]*Session),
		clk:      time.Now,
	}
}

// WithClock replaces the time source, for tests.
func (a *Accumulator) WithClock(clock func() time.Time) *Accumulator {
	if clock != nil {
		a.clk = clock
	}
	return a
}

// Record appends snap to the player's open session, opening one if needed.
// It returns the session id and the number of snapshots now held.
func (a *Accumulator) Record(player string, snap gameplay.Snapshot) (uuid.UUID, int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.sessions[player]
	if !ok {
		s = &Session{
			ID:       uuid.New(),
			Player:   player,
			OpenedAt: a.clk(),
		}
		a.sessions[player] = s
	}
	s.Snapshots = append(s.Snapshots, snap)
	return s.ID, len(s.Snapshots)
}

// Drain removes and returns the player's open session. The zero Session is
// returned when nothing is open.
func (a *Accumulator) Drain(player string) Session {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.sessions[player]
	if !ok {
		return Session{Player: player}
	}
	delete(a.sessions, player)
	return *s
}

// Len returns the number of snapshots in the player's open session.
func (a *Accumulator) Len(player string) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	if s, ok := a.sessions[player]; ok {
		return len(s.Snapshots)
	}
	return 0
}

// Open returns the number of players with an open session.
func (a *Accumulator) Open() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sessions)
}
