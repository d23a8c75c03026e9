package periodic

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	_ "time/tzdata"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

var locations sync.Map

// ValidateCron reports whether expression is a standard 5-field cron
// expression (minute, hour, day of month, month, day of week).
func ValidateCron(expression string) bool {
	_, err := parseCron(expression)
	return err == nil
}

// NextFireTime returns the earliest instant strictly after base that matches
// expression when read as wall-clock time in timezone. The result is in UTC.
// A zero base means now.
func NextFireTime(expression, timezone string, base time.Time) (time.Time, error) {
	loc, err := loadLocation(timezone)
	if err != nil {
		return time.Time{}, err
	}

	schedule, err := parseCron(expression)
	if err != nil {
		return time.Time{}, err
	}

	if base.IsZero() {
		base = time.Now()
	}

	next := schedule.Next(base.In(loc))
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("%w: %q never fires", ErrInvalidCronExpression, expression)
	}

	return next.UTC(), nil
}

// ValidateTimezone reports whether name is a known IANA timezone.
func ValidateTimezone(name string) bool {
	_, err := loadLocation(name)
	return err == nil
}

func parseCron(expression string) (cron.Schedule, error) {
	expr := strings.TrimSpace(expression)
	// timezone prefixes and descriptors are not part of the 5-field grammar
	if expr == "" || strings.HasPrefix(expr, "@") || strings.Contains(expr, "TZ=") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCronExpression, expression)
	}

	fields := strings.Fields(expr)
	if len(fields) == 5 {
		fields[4] = normalizeDow(fields[4])
		expr = strings.Join(fields, " ")
	}

	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidCronExpression, expression, err)
	}

	return schedule, nil
}

// normalizeDow rewrites the day-of-week value 7 as 0 (Sunday), which the
// parser does not accept, wherever it appears in the field.
func normalizeDow(field string) string {
	items := strings.Split(field, ",")
	for i, item := range items {
		items[i] = normalizeDowItem(item)
	}
	return strings.Join(items, ",")
}

func normalizeDowItem(item string) string {
	base, stepText, stepped := strings.Cut(item, "/")
	loText, hiText, ranged := strings.Cut(base, "-")
	lo, err := strconv.Atoi(loText)
	if err != nil {
		return item
	}
	hi := lo
	if ranged {
		if hi, err = strconv.Atoi(hiText); err != nil {
			return item
		}
	}
	if (lo != 7 && hi != 7) || lo > hi {
		return item
	}

	if !stepped {
		switch {
		case lo == 7:
			return "0"
		case lo == 6:
			return "6,0"
		default:
			return strconv.Itoa(lo) + "-6,0"
		}
	}

	step, err := strconv.Atoi(stepText)
	if err != nil || step <= 0 {
		return item
	}
	var days []string
	for d := lo; d <= hi; d += step {
		days = append(days, strconv.Itoa(d%7))
	}
	return strings.Join(days, ",")
}

func loadLocation(name string) (*time.Location, error) {
	if name == "" || name == "Local" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTimezone, name)
	}
	if loc, ok := locations.Load(name); ok {
		return loc.(*time.Location), nil
	}

	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTimezone, name)
	}
	locations.Store(name, loc)

	return loc, nil
}
