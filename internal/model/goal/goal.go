package goal

import (
	"strings"
	"time"
)

// Lifecycle states for a goal.
const (
	StatusPending   = "pending"
	StatusAccepted  = "accepted"
	StatusDeclined  = "declined"
	StatusCompleted = "completed"
)

// Difficulty tiers assigned by the detailing collaborator.
const (
	DifficultyEasy   = "easy"
	DifficultyMedium = "medium"
	DifficultyHard   = "hard"
)

// Goal is a unit of user-committed action, worth experience points once
// its completion is verified. Declined goals are never persisted.
type Goal struct {
	ID             string     `json:"id"`
	AccountID      string     `json:"accountId"`
	ConversationID string     `json:"conversationId,omitempty"`
	Description    string     `json:"description"`
	Difficulty     string     `json:"difficulty"`
	ExperienceXP   int        `json:"experienceXp"`
	Motivation     int        `json:"motivation,omitempty"` // 1-10, advisory only
	Status         string     `json:"status"`
	Completed      bool       `json:"completed"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
	Justification  string     `json:"justification,omitempty"`
	Deadline       *time.Time `json:"deadline,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// DeadlineFromTimeframe maps a detailing timeframe onto an absolute deadline
// counted from the resolution time. Unknown timeframes get the one-week default.
func DeadlineFromTimeframe(timeframe string, now time.Time) time.Time {
	switch normalizeTimeframe(timeframe) {
	case "24h":
		return now.Add(24 * time.Hour)
	case "3d":
		return now.Add(3 * 24 * time.Hour)
	default:
		return now.Add(7 * 24 * time.Hour)
	}
}

func normalizeTimeframe(timeframe string) string {
	switch strings.ToLower(strings.TrimSpace(timeframe)) {
	case "24h", "24 hours", "1 day", "1d":
		return "24h"
	case "3d", "3 days":
		return "3d"
	default:
		return "1w"
	}
}
