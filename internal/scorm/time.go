package scorm

import (
	"fmt"
	"strconv"
	"strings"
)

// AddTime adds two SCORM 1.2 timespans in hh:mm:ss[.cc] format, carrying
// centiseconds into seconds, seconds into minutes and minutes into hours.
// Trailing ".00" centiseconds are omitted from the result.
func AddTime(first, second string) string {
	fParts := strings.Split(first, ":")
	sParts := strings.Split(second, ":")
	fSecs := strings.Split(fParts[2], ".")
	sSecs := strings.Split(sParts[2], ".")

	fCents := 0
	if len(fSecs) > 1 {
		fCents = atoiOrZero(padCents(fSecs[1]))
	}
	sCents := 0
	if len(sSecs) > 1 {
		sCents = atoiOrZero(padCents(sSecs[1]))
	}

	cents := fCents + sCents
	change := cents / 100
	cents = cents % 100

	secs := atoiOrZero(fSecs[0]) + atoiOrZero(sSecs[0]) + change
	change = secs / 60
	secs = secs % 60

	mins := atoiOrZero(fParts[1]) + atoiOrZero(sParts[1]) + change
	change = mins / 60
	mins = mins % 60

	hours := atoiOrZero(fParts[0]) + atoiOrZero(sParts[0]) + change

	result := fmt.Sprintf("%02d:%02d:%02d", hours, mins, secs)
	if cents > 0 {
		result += fmt.Sprintf(".%02d", cents)
	}
	return result
}

// padCents normalizes a 1-digit centisecond fraction: ".5" means 50 cents.
func padCents(s string) string {
	if len(s) == 1 {
		return s + "0"
	}
	return s
}

func atoiOrZero(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
