package domain

// DailyCounters is the persisted state of the daily send limits. Day is the
// calendar date (YYYY-MM-DD) in the reference timezone the counts belong to.
type DailyCounters struct {
	Day     string         `json:"day"`
	Global  int            `json:"global"`
	PerUser map[string]int `json:"per_user,omitempty"`
}
