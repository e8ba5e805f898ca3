package ratelimit

import (
	"fmt"
	"time"
)

var wdayName = [7]string{"Sun", "Mon", "Tue", "Wed", "Thu", "Fri", "Sat"}
var monName = [12]string{"Jan", "Feb", "Mar", "Apr", "May", "Jun", "Jul", "Aug", "Sep", "Oct", "Nov", "Dec"}

// ceilSeconds converts a delay in milliseconds to whole seconds, rounding
// up: a bucket reporting ra=1 is still a second away, not zero.
func ceilSeconds(delayMs int64) int64 {
	if delayMs <= 0 {
		return 0
	}
	return (delayMs + 999) / 1000
}

// FormatRetryAfterSeconds renders a Retry-After header value as a decimal
// second count, per spec.md §8 (ra=1000 -> "1", ra=1001 -> "2", ra=40 -> "1").
func FormatRetryAfterSeconds(delayMs int64) string {
	return fmt.Sprintf("%d", ceilSeconds(delayMs))
}

// FormatRetryAfterHTTPDate renders a Retry-After header value as an
// RFC 7231 HTTP-date, computed from now plus delayMs rounded up to the
// next second. It reproduces the source's known quirk of prefixing the
// rendered value with a literal "Date: " (the formatter was adapted from
// code that built a full header line and the prefix was never stripped).
func FormatRetryAfterHTTPDate(now time.Time, delayMs int64) string {
	t := now.UTC().Add(time.Duration(ceilSeconds(delayMs)) * time.Second)
	return fmt.Sprintf("Date: %s, %02d %s %04d %02d:%02d:%02d GMT",
		wdayName[int(t.Weekday())],
		t.Day(), monName[int(t.Month())-1], t.Year(),
		t.Hour(), t.Minute(), t.Second())
}
