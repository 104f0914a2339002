package tracking

import "time"

const DateLayout = "2006-01-02"

// Calendar decides service days. The zero value uses the local zone and the
// wall clock.
type Calendar struct {
	Location *time.Location
	Clock    func() time.Time
}

func (c Calendar) Now() time.Time {
	now := time.Now
	if c.Clock != nil {
		now = c.Clock
	}
	loc := c.Location
	if loc == nil {
		loc = time.Local
	}
	return now().In(loc)
}

// Today returns the current service day as YYYY-MM-DD.
func (c Calendar) Today() string { return c.Now().Format(DateLayout) }

// ParseDay parses a YYYY-MM-DD day in the calendar's zone.
func (c Calendar) ParseDay(s string) (time.Time, error) {
	loc := c.Location
	if loc == nil {
		loc = time.Local
	}
	return time.ParseInLocation(DateLayout, s, loc)
}
