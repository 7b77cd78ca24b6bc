package scheduler

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var ErrInvalidSpec = errors.New("invalid schedule spec")

// Schedule decides whether a task is due.
type Schedule interface {
	// Due reports whether a task last run at last should run at now. A nil
	// last means the task has never run.
	Due(last *time.Time, now time.Time) bool
}

// Interval runs a task once at least its duration has passed since the last run.
type Interval time.Duration

func (i Interval) Due(last *time.Time, now time.Time) bool {
	return now.Sub(lastOrEpoch(last)) >= time.Duration(i)
}

func (i Interval) String() string { return "every " + time.Duration(i).String() }

// Cron runs a task when the cron schedule fires after the last run.
type Cron struct {
	expr  string
	sched cron.Schedule
}

func (c Cron) Due(last *time.Time, now time.Time) bool {
	return !c.sched.Next(lastOrEpoch(last)).After(now)
}

func (c Cron) String() string { return "cron " + c.expr }

func lastOrEpoch(last *time.Time) time.Time {
	if last == nil {
		return time.Unix(0, 0)
	}
	return *last
}

var everyRe = regexp.MustCompile(`^every\s+(\d+)\s*([a-z]+)$`)

var units = map[string]time.Duration{
	"s": time.Second, "sec": time.Second, "secs": time.Second, "second": time.Second, "seconds": time.Second,
	"m": time.Minute, "min": time.Minute, "mins": time.Minute, "minute": time.Minute, "minutes": time.Minute,
	"h": time.Hour, "hr": time.Hour, "hrs": time.Hour, "hour": time.Hour, "hours": time.Hour,
	"d": 24 * time.Hour, "day": 24 * time.Hour, "days": 24 * time.Hour,
}

// ParseSpec accepts:
//
//	every 5 min        interval in seconds, minutes, hours or days
//	every:90s          Go duration (also "interval:")
//	*/5 * * * *        standard 5-field cron, or "cron:" prefixed
//	@hourly, @every 1h cron descriptors
func ParseSpec(spec string) (Schedule, error) {
	s := strings.ToLower(strings.TrimSpace(spec))
	switch {
	case s == "":
		return nil, fmt.Errorf("%w: empty", ErrInvalidSpec)

	case strings.HasPrefix(s, "every:"), strings.HasPrefix(s, "interval:"):
		raw := strings.TrimSpace(s[strings.IndexByte(s, ':')+1:])
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrInvalidSpec, spec, err)
		}
		return interval(spec, d)

	case strings.HasPrefix(s, "every "):
		m := everyRe.FindStringSubmatch(s)
		if m == nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidSpec, spec)
		}
		unit, ok := units[m[2]]
		if !ok {
			return nil, fmt.Errorf("%w: unknown unit %q", ErrInvalidSpec, m[2])
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidSpec, spec)
		}
		return interval(spec, time.Duration(n)*unit)

	case strings.HasPrefix(s, "cron:"):
		return parseCron(spec, strings.TrimSpace(strings.TrimSpace(spec)[len("cron:"):]))

	case strings.HasPrefix(s, "@"), len(strings.Fields(s)) == 5:
		return parseCron(spec, strings.TrimSpace(spec))
	}
	return nil, fmt.Errorf("%w: %q", ErrInvalidSpec, spec)
}

func interval(spec string, d time.Duration) (Schedule, error) {
	if d <= 0 {
		return nil, fmt.Errorf("%w: %q: interval must be positive", ErrInvalidSpec, spec)
	}
	return Interval(d), nil
}

func parseCron(spec, expr string) (Schedule, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidSpec, spec, err)
	}
	return Cron{expr: expr, sched: sched}, nil
}

// ValidateSpec reports whether spec can be parsed.
func ValidateSpec(spec string) error {
	_, err := ParseSpec(spec)
	return err
}
