// Package offsetparse converts chrony offset tokens into milliseconds.
//
// A token is what chronyc prints in the offset column of "sources -v":
// a signed number with a unit suffix, optionally followed by a corrected
// estimate in brackets, e.g. "-3069ns[+1489us]". The bracketed term is the
// post-correction value and wins over the bare one.
package offsetparse

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrNoUnit    = errors.New("no recognized unit suffix")
	ErrBadNumber = errors.New("numeric portion does not parse")
)

// ParseError reports a token that could not be converted. Callers treat it
// as "offset unknown", not as a session-fatal condition.
type ParseError struct {
	Token string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("offset token %q: %v", e.Token, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// multipliers to milliseconds, longest suffix first so "ns"/"us"/"ms"
// are tried before the bare "s"
var units = []struct {
	suffix string
	toMs   float64
}{
	{"ns", 1e-6},
	{"us", 1e-3},
	{"ms", 1},
	{"s", 1e3},
}

// Parse extracts the most precise offset from token and returns it in
// milliseconds, sign preserved.
func Parse(token string) (float64, error) {
	term := token
	if i := strings.IndexByte(token, '['); i >= 0 {
		term = strings.TrimSuffix(token[i+1:], "]")
	}
	return parseTerm(token, term)
}

func parseTerm(token, term string) (float64, error) {
	for _, u := range units {
		mag, ok := strings.CutSuffix(term, u.suffix)
		if !ok {
			continue
		}
		v, err := strconv.ParseFloat(mag, 64)
		if err != nil {
			return 0, &ParseError{Token: token, Err: ErrBadNumber}
		}
		return v * u.toMs, nil
	}
	return 0, &ParseError{Token: token, Err: ErrNoUnit}
}

// ActiveSourceOffset scans chronyc "sources -v" output for the selected
// source line (marked "^*") and returns its offset column token. ok is
// false when no source has been selected yet.
func ActiveSourceOffset(output string) (token string, ok bool) {
	for _, line := range strings.Split(output, "\n") {
		if !strings.HasPrefix(line, "^*") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) >= 7 {
			return fields[6], true
		}
	}
	return "", false
}
