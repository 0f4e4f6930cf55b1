// Package normalize converts raw extracted strings into comparable canonical
// forms. Every function is total: input that cannot be interpreted yields the
// empty value instead of an error.
package normalize

import (
	"strconv"
	"strings"
	"time"
	"unicode"
)

// Name returns the comparison key for a person name. Display values keep
// their original casing; only the key is folded.
func Name(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Gender canonicalizes the common spellings of male and female. Any other
// non-empty value is trimmed and passed through, so two different
// unrecognized strings never compare equal.
func Gender(s string) string {
	t := strings.TrimSpace(s)
	switch strings.ToLower(t) {
	case "m", "male":
		return "male"
	case "f", "female":
		return "female"
	}
	return t
}

// Procedure folds free-text procedure or surgery descriptions. No semantic
// normalization is attempted.
func Procedure(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// AgeFromText extracts the first run of ASCII digits, e.g. "45 yrs" -> 45.
// ok is false when s holds no digits.
func AgeFromText(s string) (age int, ok bool) {
	start := -1
	end := len(s)
	for i, r := range s {
		if r >= '0' && r <= '9' {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			end = i
			break
		}
	}
	if start < 0 {
		return 0, false
	}
	n, err := strconv.Atoi(s[start:end])
	if err != nil {
		return 0, false
	}
	return n, true
}

// AgeText renders the leading integer of s, or "" when there is none.
func AgeText(s string) string {
	if n, ok := AgeFromText(s); ok {
		return strconv.Itoa(n)
	}
	return ""
}

// AgeFromDOB returns the age in whole years on now's calendar date. A birth
// date after now or an unparseable DOB yields ok=false.
func AgeFromDOB(dob string, now time.Time) (age int, ok bool) {
	d, ok := ParseDate(dob)
	if !ok {
		return 0, false
	}
	age = now.Year() - d.Year()
	if now.Month() < d.Month() || (now.Month() == d.Month() && now.Day() < d.Day()) {
		age--
	}
	if age < 0 {
		return 0, false
	}
	return age, true
}

// IsBlank reports whether s is empty after trimming whitespace.
func IsBlank(s string) bool {
	return strings.IndexFunc(s, func(r rune) bool { return !unicode.IsSpace(r) }) < 0
}
