// Package report turns a finished session into a gamified performance report:
// it builds the prompt, drives the chat collaborator with its fallback policy
// and extracts the reward fields from the reply.
package report

import (
	"encoding/json"
)

// Report is a decoded performance report. Raw holds the JSON object exactly
// as received (minus any code fence) so stored reports round-trip unchanged.
type Report struct {
	Raw json.RawMessage

	RewardEarned       int
	UserReputation     string
	FunPun             string
	GamerMatch         string
	OverallPerformance string
}

// MarshalJSON emits the raw report.
func (r Report) MarshalJSON() ([]byte, error) {
	if r.IsZero() {
		return []byte("{}"), nil
	}
	return r.Raw, nil
}

// UnmarshalJSON re-parses a stored report.
func (r *Report) UnmarshalJSON(data []byte) error {
	parsed, err := Parse(string(data))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// IsZero reports whether r holds no report.
func (r Report) IsZero() bool {
	return len(r.Raw) == 0
}
