package chat

import "time"

// Conversation is the transcript header for one coaching dialogue.
// Turns are stored separately and ordered by append sequence.
type Conversation struct {
	ID        string    `json:"id"`
	AccountID string    `json:"accountId"`
	Completed bool      `json:"completed"`
	CreatedAt time.Time `json:"createdAt"`
}

// Reopened reports whether a completed conversation has been revisited:
// loading a concluded transcript injects a welcome-back turn, after which
// the user-input path is accepted again. The stored Completed flag keeps
// its historical meaning either way.
func Reopened(turns []Turn) bool {
	lastClosing := -1
	lastWelcome := -1
	for i, t := range turns {
		switch t.Kind {
		case KindClosing:
			lastClosing = i
		case KindWelcomeBack:
			lastWelcome = i
		}
	}
	return lastWelcome > lastClosing
}
