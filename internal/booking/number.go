package booking

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Confirmation numbers are the human-facing booking identifier:
// FH-YYYY-NNNN, sequential per year, easy to read over the phone and free
// of patient information. Uniqueness is enforced by the database; callers
// retry on collision and fall back to a timestamp-derived number.

var numberPattern = regexp.MustCompile(`^FH-\d{4}-\d{4,}$`)

// IsValidNumber reports whether s looks like a confirmation number.
func IsValidNumber(s string) bool {
	return numberPattern.MatchString(s)
}

// FormatNumber renders a year/sequence pair, zero-padded to four digits.
func FormatNumber(year, seq int) string {
	return fmt.Sprintf("FH-%d-%04d", year, seq)
}

// NextNumber derives the successor of the latest number issued this year.
// An empty or unparseable latest value starts the year at 0001.
func NextNumber(latest string, year int) string {
	seq := 1
	parts := strings.Split(latest, "-")
	if len(parts) == 3 {
		if n, err := strconv.Atoi(parts[2]); err == nil && n > 0 {
			seq = n + 1
		}
	}
	return FormatNumber(year, seq)
}

// FallbackNumber is used when sequential generation keeps colliding.
func FallbackNumber(now time.Time) string {
	millis := strconv.FormatInt(now.UnixMilli(), 10)
	if len(millis) > 8 {
		millis = millis[len(millis)-8:]
	}
	return fmt.Sprintf("FH-%d-%s", now.Year(), millis)
}
