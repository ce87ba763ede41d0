package api

import (
	"encoding/json"

	"github.com/MJE43/arena-rewards/internal/ledger"
	"github.com/MJE43/arena-rewards/internal/report"
	"github.com/MJE43/arena-rewards/internal/store"
)

// ErrorResponse represents a structured error response with context
type ErrorResponse struct {
	Type      string                 `json:"type"`
	Message   string                 `json:"message"`
	Context   map[string]interface{} `json:"context,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
	Timestamp string                 `json:"timestamp,omitempty"`
}

// Error implements the error interface
func (e ErrorResponse) Error() string {
	return e.Message
}

// Error types with proper categorization
const (
	// Input validation errors
	ErrTypeValidation   = "validation_error"
	ErrTypeInvalidBody  = "invalid_body"
	ErrTypeUnauthorized = "unauthorized"

	// Pipeline errors
	ErrTypeRewardOutOfRange = "reward_out_of_range"
	ErrTypeMalformedReport  = "malformed_report"
	ErrTypeMissingField     = "missing_field"
	ErrTypeLedgerRejected   = "ledger_rejected"
	ErrTypeUnavailable      = "collaborator_unavailable"

	// System errors
	ErrTypeTimeout  = "timeout"
	ErrTypeInternal = "internal_error"
)

// ErrorCategory represents error categories for monitoring
type ErrorCategory string

const (
	CategoryValidation   ErrorCategory = "validation"
	CategoryCollaborator ErrorCategory = "collaborator"
	CategorySystem       ErrorCategory = "system"
	CategoryTimeout      ErrorCategory = "timeout"
)

// GetErrorCategory returns the category for an error type
func GetErrorCategory(errType string) ErrorCategory {
	switch errType {
	case ErrTypeValidation, ErrTypeInvalidBody, ErrTypeUnauthorized, ErrTypeRewardOutOfRange:
		return CategoryValidation
	case ErrTypeMalformedReport, ErrTypeMissingField, ErrTypeLedgerRejected, ErrTypeUnavailable:
		return CategoryCollaborator
	case ErrTypeTimeout:
		return CategoryTimeout
	default:
		return CategorySystem
	}
}

// VersionInfo contains service version information
type VersionInfo struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit,omitempty"`
	BuildTime string `json:"build_time,omitempty"`
}

// ReportResponse wraps the last stored report for a wallet
type ReportResponse = store.StoredReport

// StandingResponse is the on-chain standing of a wallet
type StandingResponse = ledger.Standing

// MintsResponse is a page of mint history
type MintsResponse struct {
	Wallet string       `json:"wallet"`
	Mints  []store.Mint `json:"mints"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

// LegacyIngestResponse is the /getUserData reply the original game client
// expects. AIAgent holds the report once a session closes, null before.
type LegacyIngestResponse struct {
	Message string         `json:"message"`
	AIAgent map[string]any `json:"aiagent"`
}

// legacyFeed is one "Personalized Feeds" entry as the dashboard reads it.
type legacyFeed struct {
	RewardsEarned  int    `json:"rewards earned"`
	UserReputation string `json:"user reputation"`
}

// camelReportKeys are replaced by their spaced names in legacy payloads.
var camelReportKeys = []string{"PersonalizedFeeds", "funPun", "gamerMatch", "overallPerformance"}

// legacyReport re-keys a report for the original dashboard. Keys the parser
// does not know are passed through.
func legacyReport(rep report.Report) map[string]any {
	out := map[string]any{}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(rep.Raw, &raw); err == nil {
		for k, v := range raw {
			out[k] = v
		}
	}
	for _, k := range camelReportKeys {
		delete(out, k)
	}
	if _, ok := raw["Personalized Feeds"]; !ok {
		out["Personalized Feeds"] = []legacyFeed{{RewardsEarned: rep.RewardEarned, UserReputation: rep.UserReputation}}
	}
	out["fun pun"] = rep.FunPun
	out["gamer match/ doppleganger"] = rep.GamerMatch
	out["overall performance"] = rep.OverallPerformance
	return out
}
