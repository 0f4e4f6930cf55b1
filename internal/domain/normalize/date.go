package normalize

import (
	"strings"
	"time"
)

const (
	// DisplayLayout is used for user display and for the downstream wire format.
	DisplayLayout = "02-01-2006"
	// InputLayout is used by editable form inputs.
	InputLayout = "2006-01-02"
)

// dateLayouts lists the formats the extraction service is known to emit.
// Day-first numeric forms are tried before ISO since the documents are Indian.
var dateLayouts = []string{
	DisplayLayout,
	"2-1-2006",
	"02/01/2006",
	"2/1/2006",
	"02.01.2006",
	InputLayout,
	"2006/01/02",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2 Jan 2006",
	"02 Jan 2006",
	"2-Jan-2006",
	"02-Jan-2006",
	"Jan 2, 2006",
	"January 2, 2006",
	"2 January 2006",
	"02 January 2006",
}

// ParseDate interprets s with each known layout in turn.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// ToDisplay renders any recognizable date as DD-MM-YYYY.
func ToDisplay(s string) string {
	t, ok := ParseDate(s)
	if !ok {
		return ""
	}
	return t.Format(DisplayLayout)
}

// ToInput renders any recognizable date as YYYY-MM-DD.
func ToInput(s string) string {
	t, ok := ParseDate(s)
	if !ok {
		return ""
	}
	return t.Format(InputLayout)
}

// DisplayToInput converts strictly from DD-MM-YYYY to YYYY-MM-DD.
func DisplayToInput(s string) string {
	t, err := time.Parse(DisplayLayout, strings.TrimSpace(s))
	if err != nil {
		return ""
	}
	return t.Format(InputLayout)
}

// InputToDisplay converts strictly from YYYY-MM-DD to DD-MM-YYYY.
func InputToDisplay(s string) string {
	t, err := time.Parse(InputLayout, strings.TrimSpace(s))
	if err != nil {
		return ""
	}
	return t.Format(DisplayLayout)
}
