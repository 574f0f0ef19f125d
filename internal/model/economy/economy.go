package economy

import "time"

// DayFormat is the calendar-day granularity used for streak tracking.
const DayFormat = "2006-01-02"

// UserEconomy holds the per-account reward totals shared by every
// conversation and device of that account. Level is intentionally absent:
// it is always derived from TotalXP, never stored.
type UserEconomy struct {
	AccountID     string `json:"accountId"`
	TotalXP       int    `json:"totalXp"`
	DailyStreak   int    `json:"dailyStreak"`
	LastActiveDay string `json:"lastActiveDay,omitempty"`
}

// NextStreak computes the streak value after activity on day `today`
// (DayFormat). Same-day activity keeps the streak, the next calendar day
// extends it, any gap resets to 1.
func NextStreak(lastActiveDay string, streak int, today string) int {
	if lastActiveDay == today {
		if streak < 1 {
			return 1
		}
		return streak
	}
	last, err := time.Parse(DayFormat, lastActiveDay)
	if err != nil {
		return 1
	}
	if last.AddDate(0, 0, 1).Format(DayFormat) == today {
		return streak + 1
	}
	return 1
}

// TouchActivity applies the daily-streak update for activity at `now`.
func (e *UserEconomy) TouchActivity(now time.Time) {
	today := now.UTC().Format(DayFormat)
	e.DailyStreak = NextStreak(e.LastActiveDay, e.DailyStreak, today)
	e.LastActiveDay = today
}
