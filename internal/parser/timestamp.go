package parser

import (
	"errors"
	"regexp"
	"strings"
	"time"
)

var ErrUnparseableTimestamp = errors.New("unparseable timestamp")

// Layouts are tried in order; the first one that parses wins.
var timestampLayouts = []string{
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05",
}

var (
	whitespaceRun  = regexp.MustCompile(`\s+`)
	trailingParen  = regexp.MustCompile(`\s*\([^()]*\)\s*$`)
	trailingZoneID = regexp.MustCompile(`\s+[A-Za-z]{1,5}$`)
)

// NormalizeTimestamp turns the text after a Received record's ';' into an
// instant in UTC. Only numeric offsets are honoured; zone names are dropped and
// a timestamp without an offset is read as UTC.
func NormalizeTimestamp(raw string) (time.Time, error) {
	s := strings.TrimSpace(whitespaceRun.ReplaceAllString(raw, " "))
	for trailingParen.MatchString(s) {
		s = trailingParen.ReplaceAllString(s, "")
	}
	s = strings.TrimSpace(trailingZoneID.ReplaceAllString(s, ""))

	for _, layout := range timestampLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.UTC(), nil
		}
	}

	return time.Time{}, ErrUnparseableTimestamp
}
