package normalize

import (
	"strconv"
	"strings"
	"time"
)

// parseFloatOr parses a string as a float64, returning def if parsing fails.
// DOR extracts use "*" and "#" as suppression flags in numeric columns.
func parseFloatOr(s string, def float64) float64 {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" || s == "**" || s == "#" {
		return def
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
	if err != nil {
		return def
	}
	return v
}

// parseIntOr parses a string as an int, returning def if parsing fails.
func parseIntOr(s string, def int) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

var dateLayouts = []string{
	"2006-01-02",
	"01/02/2006",
	"1/2/2006",
	time.RFC3339,
	"01-02-2006",
	"20060102",
}

// parseDate tries the date layouts the Florida portals actually emit.
// Returns the zero time when nothing matches.
func parseDate(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// parsePercent parses "14.9%", "14.9", or "+14.9" into a float.
func parsePercent(s string) float64 {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "%")
	s = strings.TrimPrefix(s, "+")
	return parseFloatOr(s, 0)
}

// trimQuotes removes surrounding double quotes from a CSV field.
func trimQuotes(s string) string {
	return strings.Trim(strings.TrimSpace(s), `"`)
}

// sanitizeUTF8 replaces invalid UTF-8 byte sequences (e.g., Latin-1 data)
// with empty strings so Postgres doesn't reject the row.
func sanitizeUTF8(s string) string {
	return strings.ToValidUTF8(s, "")
}

// collapseSpaces trims and collapses runs of whitespace to single spaces.
// Situs addresses in the rolls are fixed-width padded.
func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
