package gameplay

// Summary is the derived view of a single snapshot. Every field always
// carries a value.
type Summary struct {
	TotalShots     int     `json:"total_shots"`
	DestroyedPigs  int     `json:"destroyed_pigs"`
	TotalPigs      int     `json:"total_pigs"`
	HitPercentage  float64 `json:"hit_percentage"`
	CurrentState   string  `json:"current_state"`
	SlingshotState string  `json:"slingshot_state"`
}

// SessionSummary is the summary of a session's final snapshot together with
// the number of snapshots the session held.
type SessionSummary struct {
	Summary
	Snapshots int `json:"snapshots"`
}

// Summarize reduces one snapshot into shot and hit statistics.
func Summarize(s Snapshot) Summary {
	destroyed := 0
	for _, pig := range s.Pigs {
		if pig.State == PigDestroyed {
			destroyed++
		}
	}
	state := string(s.State())
	if state == "" {
		state = string(StateStart)
	}
	sling := s.Slingshot.SlingshotState
	if sling == "" {
		sling = EntityIdle
	}
	return Summary{
		TotalShots:     len(s.Birds),
		DestroyedPigs:  destroyed,
		TotalPigs:      len(s.Pigs),
		HitPercentage:  HitPercentage(destroyed, len(s.Pigs)),
		CurrentState:   state,
		SlingshotState: sling,
	}
}

// SummarizeSession summarises the last snapshot of history. Pig states are
// cumulative on the client, so the final snapshot carries the session's
// totals.
func SummarizeSession(history []Snapshot) SessionSummary {
	if len(history) == 0 {
		return SessionSummary{Summary: Summary{CurrentState: string(StateStart), SlingshotState: EntityIdle}}
	}
	return SessionSummary{
		Summary:   Summarize(history[len(history)-1]),
		Snapshots: len(history),
	}
}

// HitPercentage is 100*destroyed/total, or 0 when total is 0.
func HitPercentage(destroyed, total int) float64 {
	if total <= 0 {
		return 0
	}
	return 100 * float64(destroyed) / float64(total)
}
