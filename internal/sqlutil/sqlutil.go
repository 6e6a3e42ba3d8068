package sqlutil

import (
	"database/sql"
	"strconv"
	"strings"
	"time"
)

// Placeholder renders the bind marker for the i-th argument (1-based).
type Placeholder func(i int) string

// Question renders MySQL/SQLite style markers.
func Question(int) string { return "?" }

// Dollar renders Postgres style markers.
func Dollar(i int) string { return "$" + strconv.Itoa(i) }

// List renders n comma separated markers starting at argument start.
func List(p Placeholder, start, n int) string {
	if n <= 0 {
		return ""
	}
	parts := make([]string, n)
	for i := range parts {
		parts[i] = p(start + i)
	}
	return strings.Join(parts, ",")
}

func QuoteIdentifier(name, quote string) string {
	return quote + escapeIdentifier(name, quote) + quote
}

func escapeIdentifier(name, quote string) string {
	if name == "" {
		return ""
	}
	escapedQuote := quote + quote
	return strings.ReplaceAll(name, quote, escapedQuote)
}

func NullableString(ns sql.NullString) *string {
	if ns.Valid {
		val := ns.String
		return &val
	}
	return nil
}

// NullIfEmpty binds an empty string as NULL.
func NullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// UTC normalises a scanned timestamp; drivers differ on the location they attach.
func UTC(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
}
