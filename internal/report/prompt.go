package report

import (
	"encoding/json"
	"fmt"

	"github.com/MJE43/arena-rewards/internal/gameplay"
	"github.com/MJE43/arena-rewards/internal/llm"
)

// DefaultIntent is the user question sent when the caller has none.
const DefaultIntent = "Give me a detailed and personalized feedback on my gameplay"

// Instruction is the system message for every report request.
const Instruction = `Context: You are an expert mobile game analyst for a slingshot game where birds are thrown at pigs sheltered behind bricks.
Instructions:
- Reply with a single JSON object and nothing else. No prose, no markdown.
- Base the analysis on the player's accuracy, total shots, destroyed pigs, hit percentage, current state and slingshot state.
- Never answer a field with None or N/A. If data is missing, give a plausible value.
- "funPun" is a short, fresh pun about the player's gameplay that playfully roasts their gamer match.
- "gamerMatch" names a well-known web3 builder whose style best matches the player.
- "rewardEarned" is an integer between 0 and 10 with no units.

Required JSON structure:
{
  "funPun": "string",
  "gamerMatch": "string",
  "overallPerformance": "string",
  "PersonalizedFeeds": [
    {
      "rewardEarned": 0,
      "userReputation": "string",
      "percentile": "string",
      "gameGenres": ["string"]
    }
  ],
  "accuracy": "string",
  "estimatedRewards": "string",
  "recommendedGames": ["string"]
}`

// Document is one snapshot of the session history as sent to the model.
type Document struct {
	ID   string            `json:"id"`
	Data gameplay.Snapshot `json:"data"`
}

// Documents numbers the session history in order.
func Documents(history []gameplay.Snapshot) []Document {
	docs := make([]Document, len(history))
	for i, s := range history {
		docs[i] = Document{ID: fmt.Sprintf("snapshot-%d", i+1), Data: s}
	}
	return docs
}

// AugmentedMessages builds the request carrying the full history as
// documents.
func AugmentedMessages(intent string, history []gameplay.Snapshot) ([]llm.Message, error) {
	docs, err := json.Marshal(Documents(history))
	if err != nil {
		return nil, fmt.Errorf("report: marshal documents: %w", err)
	}
	return []llm.Message{
		{Role: llm.RoleSystem, Content: Instruction},
		{Role: llm.RoleUser, Content: fmt.Sprintf("From the given data of game movements: %s. Answer this: %s", docs, intentOrDefault(intent))},
	}, nil
}

// PlainMessages builds the request carrying only the session summary.
func PlainMessages(intent string, summary gameplay.SessionSummary) ([]llm.Message, error) {
	stats, err := json.Marshal(summary)
	if err != nil {
		return nil, fmt.Errorf("report: marshal summary: %w", err)
	}
	return []llm.Message{
		{Role: llm.RoleSystem, Content: Instruction},
		{Role: llm.RoleUser, Content: fmt.Sprintf("My gameplay statistics: %s. %s", stats, intentOrDefault(intent))},
	}, nil
}

func intentOrDefault(intent string) string {
	if intent == "" {
		return DefaultIntent
	}
	return intent
}
