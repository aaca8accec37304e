package market

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Clock abstracts wall time so tests and mock mode can steer the calendar.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Calendar answers market-hours questions in a configured timezone.
type Calendar struct {
	clock     Clock
	loc       *time.Location
	openHour  int
	openMin   int
	closeHour int
	closeMin  int
}

// NewCalendar builds a calendar for the given timezone and session times
// ("HH:MM" strings, e.g. "09:15" and "15:30").
func NewCalendar(clock Clock, timezone, open, close string) (*Calendar, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid market timezone %q: %w", timezone, err)
	}

	oh, om, err := parseClockTime(open)
	if err != nil {
		return nil, fmt.Errorf("invalid market open time: %w", err)
	}
	ch, cm, err := parseClockTime(close)
	if err != nil {
		return nil, fmt.Errorf("invalid market close time: %w", err)
	}

	return &Calendar{
		clock:     clock,
		loc:       loc,
		openHour:  oh,
		openMin:   om,
		closeHour: ch,
		closeMin:  cm,
	}, nil
}

// Now returns the current time in the market timezone.
func (c *Calendar) Now() time.Time {
	return c.clock.Now().In(c.loc)
}

// Location returns the market timezone.
func (c *Calendar) Location() *time.Location {
	return c.loc
}

// IsOpen reports whether the market is currently in session. Weekends are
// closed; exchange holidays are not modeled here, silence on the stream
// during a holiday is handled by the watchdog's market-hours gate instead.
func (c *Calendar) IsOpen() bool {
	now := c.Now()
	if now.Weekday() == time.Saturday || now.Weekday() == time.Sunday {
		return false
	}
	open := time.Date(now.Year(), now.Month(), now.Day(), c.openHour, c.openMin, 0, 0, c.loc)
	close := time.Date(now.Year(), now.Month(), now.Day(), c.closeHour, c.closeMin, 0, 0, c.loc)
	return !now.Before(open) && now.Before(close)
}

// SessionClose returns the session close instant on the given date.
func (c *Calendar) SessionClose(date time.Time) time.Time {
	d := date.In(c.loc)
	return time.Date(d.Year(), d.Month(), d.Day(), c.closeHour, c.closeMin, 0, 0, c.loc)
}

// YearsToExpiry returns the time to expiry in years, measured from now to
// the session close on the expiry date. Non-positive when expired.
func (c *Calendar) YearsToExpiry(expiry time.Time) float64 {
	const secondsPerYear = 365.0 * 24 * 3600
	remaining := c.SessionClose(expiry).Sub(c.Now()).Seconds()
	return remaining / secondsPerYear
}

// NextTradingDayBoundary returns the next midnight in the market timezone,
// used to schedule the daily registry refresh.
func (c *Calendar) NextTradingDayBoundary() time.Time {
	now := c.Now()
	next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, c.loc).AddDate(0, 0, 1)
	return next
}

func parseClockTime(s string) (int, int, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("want HH:MM, got %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("bad hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("bad minute in %q", s)
	}
	return h, m, nil
}
