// Package gameplay holds the telemetry the game client reports and the
// statistics derived from it.
package gameplay

import "strings"

// GameState is the client's current-state label.
type GameState string

const (
	StateStart                 GameState = "Start"
	StateBirdMovingToSlingshot GameState = "BirdMovingToSlingshot"
	StatePlaying               GameState = "Playing"
	StateWon                   GameState = "Won"
	StateLost                  GameState = "Lost"
)

// Entity states reported by the client.
const (
	PigAlive     = "Alive"
	PigDestroyed = "Destroyed"
	EntityIdle   = "Idle"
)

// Position is a 2-D world position.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// EntityState is one bird, pig or brick at the time of the snapshot.
type EntityState struct {
	Position Position `json:"position"`
	State    string   `json:"state"`
}

// SlingshotState is the control state of the slingshot.
type SlingshotState struct {
	BirdToThrow    string `json:"birdToThrow"`
	SlingshotState string `json:"slingshotState"`
}

// Snapshot is one reported game state. Snapshots are treated as immutable
// once recorded.
type Snapshot struct {
	CurrentGameState string         `json:"currentGameState"`
	Birds            []EntityState  `json:"birds"`
	Pigs             []EntityState  `json:"pigs"`
	Bricks           []EntityState  `json:"bricks"`
	Slingshot        SlingshotState `json:"slingshot"`
}

// State normalises CurrentGameState. Unknown labels are returned as-is.
func (s Snapshot) State() GameState {
	label := strings.TrimSpace(s.CurrentGameState)
	for _, known := range []GameState{StateStart, StateBirdMovingToSlingshot, StatePlaying, StateWon, StateLost} {
		if strings.EqualFold(label, string(known)) {
			return known
		}
	}
	return GameState(label)
}

// IsTerminal reports whether the snapshot ends a session.
func (s Snapshot) IsTerminal() bool {
	st := s.State()
	return st == StateWon || st == StateLost
}
