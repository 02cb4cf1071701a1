package model

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	gocron "github.com/go-co-op/gocron/v2"
	"github.com/robfig/cron/v3"
)

var (
	ErrSchedule  = errors.New("invalid service.schedule")
	ErrISOFormat = errors.New("invalid ISO 8601 duration")
)

// JobDefinition validates the schedule of the timer mode. Exactly one of cron
// and duration must be set and a duration must be positive.
func (s *TimerSchedule) JobDefinition() (gocron.JobDefinition, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: missing", ErrSchedule)
	}
	switch {
	case s.Cron != "" && s.Duration != "":
		return nil, fmt.Errorf("%w: both cron and duration are set", ErrSchedule)
	case s.Cron != "":
		if _, err := cron.ParseStandard(s.Cron); err != nil {
			return nil, fmt.Errorf("%w: cron %q: %w", ErrSchedule, s.Cron, err)
		}
		return gocron.CronJob(s.Cron, false), nil
	case s.Duration != "":
		d, err := ParseDuration(s.Duration)
		if err != nil {
			return nil, fmt.Errorf("%w: duration: %w", ErrSchedule, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("%w: duration must be positive, got %s", ErrSchedule, d)
		}
		return gocron.DurationJob(d), nil
	default:
		return nil, fmt.Errorf("%w: both cron and duration are empty", ErrSchedule)
	}
}

// Interval returns the time between the first two runs after now.
func (s *TimerSchedule) Interval(now time.Time) (time.Duration, error) {
	if _, err := s.JobDefinition(); err != nil {
		return 0, err
	}
	if s.Duration != "" {
		return ParseDuration(s.Duration)
	}
	sched, err := cron.ParseStandard(s.Cron)
	if err != nil {
		return 0, err
	}
	next := sched.Next(now)
	return sched.Next(next).Sub(next), nil
}

// ParseDuration parses a Go duration like 90m, or an ISO 8601 duration made
// of days, hours, minutes and seconds like P1DT12H or PT0.5S.
func ParseDuration(s string) (time.Duration, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	rest, ok := strings.CutPrefix(s, "P")
	if !ok || rest == "" {
		return 0, ErrISOFormat
	}

	var ret time.Duration
	inTime := false
	last := -1
	for rest != "" {
		if rest[0] == 'T' {
			if inTime || len(rest) == 1 {
				return 0, ErrISOFormat
			}
			inTime = true
			rest = rest[1:]
			continue
		}
		i := strings.IndexFunc(rest, func(r rune) bool {
			return (r < '0' || r > '9') && r != '.' && r != ','
		})
		if i <= 0 {
			return 0, ErrISOFormat
		}
		num, unit := strings.Replace(rest[:i], ",", ".", 1), rest[i]
		rest = rest[i+1:]

		// designators in order, M means minutes only after T
		order := strings.IndexByte("DHMS", unit)
		if order < 0 || order <= last || (order == 0) == inTime {
			return 0, ErrISOFormat
		}
		last = order

		f, err := strconv.ParseFloat(num, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %w", ErrISOFormat, err)
		}
		unitDuration := [...]time.Duration{24 * time.Hour, time.Hour, time.Minute, time.Second}[order]
		ret += time.Duration(f * float64(unitDuration))
	}
	return ret, nil
}
