package pipeline

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/osa-io/osa/internal/domain"
)

// cronField bounds, in field order: minute, hour, day of month, month,
// day of week (0 = Sunday).
var cronBounds = [5]struct{ min, max int }{
	{0, 59},
	{0, 23},
	{1, 31},
	{1, 12},
	{0, 6},
}

// Schedule is a parsed five-field cron expression.
type Schedule struct {
	fields [5]map[int]struct{}
}

// ParseSchedule parses a five-field cron expression supporting "*",
// "*/step", single values, ranges ("a-b") and comma lists.
func ParseSchedule(expr string) (*Schedule, error) {
	parts := strings.Fields(strings.TrimSpace(expr))
	if len(parts) != 5 {
		return nil, fmt.Errorf("%w: schedule %q: want 5 fields, got %d", domain.ErrConfiguration, expr, len(parts))
	}

	var s Schedule

	for i, part := range parts {
		field, err := parseCronField(part, cronBounds[i].min, cronBounds[i].max)
		if err != nil {
			return nil, fmt.Errorf("%w: schedule %q: %w", domain.ErrConfiguration, expr, err)
		}

		s.fields[i] = field
	}

	return &s, nil
}

// Matches reports whether the schedule fires at the given minute. Day of
// month and day of week are OR-ed when both are restricted, per cron
// convention.
func (s *Schedule) Matches(t time.Time) bool {
	if !contains(s.fields[0], t.Minute()) || !contains(s.fields[1], t.Hour()) || !contains(s.fields[3], int(t.Month())) {
		return false
	}

	domRestricted := len(s.fields[2]) != cronBounds[2].max-cronBounds[2].min+1
	dowRestricted := len(s.fields[4]) != cronBounds[4].max-cronBounds[4].min+1

	domMatch := contains(s.fields[2], t.Day())
	dowMatch := contains(s.fields[4], int(t.Weekday()))

	if domRestricted && dowRestricted {
		return domMatch || dowMatch
	}

	return domMatch && dowMatch
}

func contains(set map[int]struct{}, v int) bool {
	_, ok := set[v]

	return ok
}

func parseCronField(part string, lo, hi int) (map[int]struct{}, error) {
	values := make(map[int]struct{})

	for _, term := range strings.Split(part, ",") {
		rangePart, stepPart, hasStep := strings.Cut(term, "/")

		step := 1
		if hasStep {
			n, err := strconv.Atoi(stepPart)
			if err != nil || n < 1 {
				return nil, fmt.Errorf("invalid step %q", term)
			}

			step = n
		}

		start, end := lo, hi

		switch {
		case rangePart == "*":
		case strings.Contains(rangePart, "-"):
			from, to, _ := strings.Cut(rangePart, "-")

			var err error
			if start, err = strconv.Atoi(from); err != nil {
				return nil, fmt.Errorf("invalid range %q", term)
			}

			if end, err = strconv.Atoi(to); err != nil {
				return nil, fmt.Errorf("invalid range %q", term)
			}
		default:
			n, err := strconv.Atoi(rangePart)
			if err != nil {
				return nil, fmt.Errorf("invalid value %q", term)
			}

			start, end = n, n
		}

		if start < lo || end > hi || start > end {
			return nil, fmt.Errorf("value %q out of range [%d,%d]", term, lo, hi)
		}

		for v := start; v <= end; v += step {
			values[v] = struct{}{}
		}
	}

	return values, nil
}
