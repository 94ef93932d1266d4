package usage

import "time"

// Usage is one owner's run consumption for a billing period. Periods are
// calendar months keyed "YYYY-MM".
type Usage struct {
	OwnerID  string    `json:"ownerId"`
	Period   string    `json:"period"`
	Used     int       `json:"used"`
	Limit    int       `json:"limit"`
	ResetsAt time.Time `json:"resetsAt"`
}

// Remaining reports how many runs the owner can still start this period.
func (u Usage) Remaining() int {
	if u.Used >= u.Limit {
		return 0
	}
	return u.Limit - u.Used
}

// periodKey formats t's calendar month as a period key.
func periodKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// periodEnd returns the first instant of the month after t.
func periodEnd(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
}
