// Package units parses human-readable durations ("2 days", "1d12h") and data
// sizes ("500mb") into canonical values.
//
// Both parsers accept concatenated <integer><unit> tokens. Case and
// whitespace are ignored, and the result is the sum of every token. Sizes are
// decimal (1kb = 1000 bytes). Parsing is all-or-nothing: any unrecognized
// token fails the whole string.
package units

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"
)

var durationUnits = map[string]int64{
	"s": 1, "sec": 1, "secs": 1, "second": 1, "seconds": 1,
	"m": 60, "min": 60, "mins": 60, "minute": 60, "minutes": 60,
	"h": 3600, "hr": 3600, "hrs": 3600, "hour": 3600, "hours": 3600,
	"d": 86400, "day": 86400, "days": 86400,
}

var sizeUnits = map[string]int64{
	"b": 1, "byte": 1, "bytes": 1,
	"k": 1000, "kb": 1000, "kilobyte": 1000, "kilobytes": 1000,
	"m": 1000 * 1000, "mb": 1000 * 1000, "megabyte": 1000 * 1000, "megabytes": 1000 * 1000,
	"g": 1000 * 1000 * 1000, "gb": 1000 * 1000 * 1000, "gigabyte": 1000 * 1000 * 1000, "gigabytes": 1000 * 1000 * 1000,
}

// ParseError reports a string that could not be parsed.
type ParseError struct {
	Kind  string // "duration" or "size"
	Input string
	Token string
	Msg   string
}

func (e *ParseError) Error() string {
	if e.Token == "" {
		return fmt.Sprintf("parse %s %q: %s", e.Kind, e.Input, e.Msg)
	}
	return fmt.Sprintf("parse %s %q: %q %s", e.Kind, e.Input, e.Token, e.Msg)
}

// ParseDuration parses a duration such as "1day12hours" or "2 hours 30 minutes".
func ParseDuration(s string) (time.Duration, error) {
	secs, err := parse("duration", s, durationUnits)
	if err != nil {
		return 0, err
	}
	if secs > math.MaxInt64/int64(time.Second) {
		return 0, &ParseError{Kind: "duration", Input: s, Msg: "is out of range"}
	}
	return time.Duration(secs) * time.Second, nil
}

// ParseSize parses a size such as "500 mb" or "1gb250mb" into bytes.
func ParseSize(s string) (int64, error) {
	return parse("size", s, sizeUnits)
}

func parse(kind, input string, table map[string]int64) (int64, error) {
	tokens := tokenize(strings.ToLower(input))
	if len(tokens) == 0 {
		return 0, &ParseError{Kind: kind, Input: input, Msg: "is empty"}
	}

	var (
		total   int64
		pending = ""
	)
	for _, tok := range tokens {
		if isDigits(tok) {
			if pending != "" {
				return 0, &ParseError{Kind: kind, Input: input, Token: pending, Msg: "has no unit"}
			}
			pending = tok
			continue
		}

		mult, ok := table[tok]
		if !ok {
			return 0, &ParseError{Kind: kind, Input: input, Token: tok, Msg: "is not a recognised unit"}
		}
		if pending == "" {
			return 0, &ParseError{Kind: kind, Input: input, Token: tok, Msg: "has no value"}
		}

		n, err := strconv.ParseInt(pending, 10, 64)
		if err != nil || n > math.MaxInt64/mult || total > math.MaxInt64-n*mult {
			return 0, &ParseError{Kind: kind, Input: input, Token: pending + tok, Msg: "is out of range"}
		}
		total += n * mult
		pending = ""
	}
	if pending != "" {
		return 0, &ParseError{Kind: kind, Input: input, Token: pending, Msg: "has no unit"}
	}
	return total, nil
}

// tokenize splits s into digit runs, letter runs and single other runes.
// Whitespace separates tokens and is dropped.
func tokenize(s string) []string {
	var (
		out []string
		cur []rune
		cls int
	)
	flush := func() {
		if len(cur) > 0 {
			out = append(out, string(cur))
			cur = cur[:0]
		}
	}
	for _, r := range s {
		switch {
		case unicode.IsSpace(r):
			// Dropped without ending the run: "1 0s" reads as "10s".
			continue
		case r >= '0' && r <= '9':
			if cls != 1 {
				flush()
				cls = 1
			}
			cur = append(cur, r)
		case unicode.IsLetter(r):
			if cls != 2 {
				flush()
				cls = 2
			}
			cur = append(cur, r)
		default:
			flush()
			cls = 0
			out = append(out, string(r))
		}
	}
	flush()
	return out
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
