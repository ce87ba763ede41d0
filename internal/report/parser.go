package report

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Field names accepted in a report. The spaced variants are what older
// prompts asked the model for.
var (
	feedsKeys       = []string{"PersonalizedFeeds", "Personalized Feeds"}
	rewardKeys      = []string{"rewardEarned", "rewardsEarned", "rewards earned"}
	reputationKeys  = []string{"userReputation", "user reputation"}
	punKeys         = []string{"funPun", "fun pun"}
	matchKeys       = []string{"gamerMatch", "gamer match/ doppleganger", "doppelganger"}
	performanceKeys = []string{"overallPerformance", "overall performance"}
)

// MalformedReportError means the reply was not a decodable JSON object.
type MalformedReportError struct {
	Reason string
	Err    error
}

func (e *MalformedReportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("report: malformed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("report: malformed: %s", e.Reason)
}

func (e *MalformedReportError) Unwrap() error { return e.Err }

// MissingFieldError means a required report field was absent.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("report: missing field %q", e.Field)
}

// Parse decodes a model reply into a Report. A surrounding markdown code
// fence is removed first. Reward bounds are not checked here.
func Parse(raw string) (Report, error) {
	body := StripCodeFences(raw)
	if body == "" {
		return Report{}, &MalformedReportError{Reason: "empty reply"}
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(body), &obj); err != nil {
		return Report{}, &MalformedReportError{Reason: "not a JSON object", Err: err}
	}
	if obj == nil {
		return Report{}, &MalformedReportError{Reason: "not a JSON object"}
	}

	feedsRaw, ok := lookup(obj, feedsKeys)
	if !ok {
		return Report{}, &MissingFieldError{Field: feedsKeys[0]}
	}
	var feeds []map[string]json.RawMessage
	if err := json.Unmarshal(feedsRaw, &feeds); err != nil {
		return Report{}, &MalformedReportError{Reason: feedsKeys[0] + " is not a list of objects", Err: err}
	}
	if len(feeds) == 0 || feeds[0] == nil {
		return Report{}, &MissingFieldError{Field: feedsKeys[0]}
	}
	feed := feeds[0]

	rewardRaw, ok := lookup(feed, rewardKeys)
	if !ok {
		return Report{}, &MissingFieldError{Field: rewardKeys[0]}
	}
	reward, err := decodeReward(rewardRaw)
	if err != nil {
		return Report{}, &MalformedReportError{Reason: rewardKeys[0] + " is not numeric", Err: err}
	}

	repRaw, ok := lookup(feed, reputationKeys)
	if !ok {
		return Report{}, &MissingFieldError{Field: reputationKeys[0]}
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, []byte(body)); err != nil {
		return Report{}, &MalformedReportError{Reason: "not a JSON object", Err: err}
	}

	return Report{
		Raw:                json.RawMessage(compact.Bytes()),
		RewardEarned:       reward,
		UserReputation:     text(repRaw),
		FunPun:             optionalText(obj, punKeys),
		GamerMatch:         optionalText(obj, matchKeys),
		OverallPerformance: optionalText(obj, performanceKeys),
	}, nil
}

// StripCodeFences trims whitespace and removes a leading ``` fence (with an
// optional language tag) and a trailing ``` fence.
func StripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		tag := strings.TrimSpace(s[:nl])
		if tag == "" || isLanguageTag(tag) {
			s = s[nl+1:]
		}
	} else {
		s = strings.TrimPrefix(s, "json")
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func isLanguageTag(tag string) bool {
	for _, r := range tag {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_') {
			return false
		}
	}
	return true
}

func lookup(obj map[string]json.RawMessage, keys []string) (json.RawMessage, bool) {
	for _, k := range keys {
		if v, ok := obj[k]; ok && !isNull(v) {
			return v, true
		}
	}
	return nil, false
}

func isNull(v json.RawMessage) bool {
	return len(bytes.TrimSpace(v)) == 0 || string(bytes.TrimSpace(v)) == "null"
}

// decodeReward accepts a JSON number or a numeric string. Fractions are
// truncated toward zero.
func decodeReward(v json.RawMessage) (int, error) {
	var num json.Number
	dec := json.NewDecoder(bytes.NewReader(v))
	dec.UseNumber()
	var val any
	if err := dec.Decode(&val); err != nil {
		return 0, err
	}
	switch t := val.(type) {
	case json.Number:
		num = t
	case string:
		num = json.Number(strings.TrimSpace(t))
	default:
		return 0, fmt.Errorf("unexpected %T", val)
	}
	if n, err := strconv.ParseInt(string(num), 10, 64); err == nil {
		return saturate(float64(n)), nil
	}
	f, err := strconv.ParseFloat(string(num), 64)
	if err != nil && !errors.Is(err, strconv.ErrRange) {
		return 0, err
	}
	if math.IsNaN(f) {
		return 0, fmt.Errorf("value %q is not a number", num)
	}
	return saturate(f), nil
}

// saturate truncates f and clamps it to the int32 range so that huge rewards
// reach the bounds check instead of failing to parse.
func saturate(f float64) int {
	switch {
	case f >= math.MaxInt32:
		return math.MaxInt32
	case f <= math.MinInt32:
		return math.MinInt32
	}
	return int(math.Trunc(f))
}

func text(v json.RawMessage) string {
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	return string(bytes.TrimSpace(v))
}

func optionalText(obj map[string]json.RawMessage, keys []string) string {
	if v, ok := lookup(obj, keys); ok {
		return text(v)
	}
	return ""
}
