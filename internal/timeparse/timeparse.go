// Package timeparse parses the loosely-formatted date strings found in
// user-uploaded attribute data: BC/AD era markers, a leading minus as a
// BC indicator, partial dates, and a handful of common layouts. Values
// far outside the Common Era are representable because results are
// carried as a millisecond epoch offset in an int64.
package timeparse

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	bcMarker = regexp.MustCompile(`(?i)bce?`)
	adMarker = regexp.MustCompile(`(?i)ad`)

	// yearOnly matches a bare year of one to six digits.
	yearOnly = regexp.MustCompile(`^\d{1,6}$`)
)

// layouts tried in order for non-era-marked inputs.
var layouts = []string{
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	"2006-01",
	"January 2, 2006",
	"Jan 2, 2006",
	"2 January 2006",
}

// Parse interprets s as a date/time. It returns the value as epoch
// milliseconds (negative for dates before 1970, including BC dates far
// outside time.Time's printable range) together with a canonical
// ISO-style rendering of what was parsed.
func Parse(s string) (int64, string, error) {
	timestr := strings.TrimSpace(s)
	if timestr == "" {
		return 0, "", fmt.Errorf("empty date string")
	}

	bc := false
	if bcMarker.MatchString(timestr) {
		bc = true
		timestr = strings.TrimSpace(bcMarker.ReplaceAllString(timestr, ""))
	}
	if strings.HasPrefix(timestr, "-") {
		bc = true
		timestr = strings.TrimSpace(strings.Replace(timestr, "-", "", 1))
	}
	if adMarker.MatchString(timestr) {
		timestr = strings.TrimSpace(adMarker.ReplaceAllString(timestr, ""))
	}

	if yearOnly.MatchString(timestr) {
		year, err := strconv.Atoi(timestr)
		if err != nil {
			return 0, "", err
		}
		if bc {
			year = -year
		}
		t := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
		return t.UnixMilli(), canonical(t), nil
	}

	if bc {
		// Era-marked inputs with more than a year are rare; accept
		// year-month and full dates.
		for _, layout := range []string{"2006-01-02", "2006-01"} {
			if t, err := time.Parse(layout, timestr); err == nil {
				t = time.Date(-t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
				return t.UnixMilli(), canonical(t), nil
			}
		}
		return 0, "", fmt.Errorf("unparseable BC date %q", s)
	}

	for _, layout := range layouts {
		if t, err := time.Parse(layout, timestr); err == nil {
			t = t.UTC()
			return t.UnixMilli(), canonical(t), nil
		}
	}

	return 0, "", fmt.Errorf("unparseable date %q", s)
}

// ParseTime is Parse for callers that want a time.Time; it fails for
// values a time.Time cannot meaningfully round-trip through SQL date
// types (years outside 1..9999).
func ParseTime(s string) (time.Time, error) {
	ms, _, err := Parse(s)
	if err != nil {
		return time.Time{}, err
	}
	t := time.UnixMilli(ms).UTC()
	if t.Year() < 1 || t.Year() > 9999 {
		return time.Time{}, fmt.Errorf("date %q outside native date range", s)
	}
	return t, nil
}

// canonical renders a time in ISO order with an explicit sign for
// negative (BC) years, e.g. "-0500-01-01T00:00:00.000".
func canonical(t time.Time) string {
	year := t.Year()
	sign := ""
	if year < 0 {
		sign = "-"
		year = -year
	}
	return fmt.Sprintf("%s%04d-%02d-%02dT%02d:%02d:%02d.%03d",
		sign, year, int(t.Month()), t.Day(),
		t.Hour(), t.Minute(), t.Second(), t.Nanosecond()/1e6)
}
