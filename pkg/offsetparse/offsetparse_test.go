package offsetparse_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"udplat/pkg/offsetparse"
)

func TestParseUnits(t *testing.T) {
	cases := []struct {
		token string
		ms    float64
	}{
		{"-3069ns", -3069e-6},
		{"+1489us", 1.489},
		{"1.8ms", 1.8},
		{"0.002s", 2},
		{"-24ms", -24},
		{"+0.5s", 500},
		{"0ns", 0},
	}
	for _, c := range cases {
		got, err := offsetparse.Parse(c.token)
		require.NoError(t, err, c.token)
		assert.InDelta(t, c.ms, got, 1e-9, c.token)
	}
}

func TestParseRoundTrip(t *testing.T) {
	for _, ms := range []float64{-1500, -1.25, -0.004, 0.004, 1.25, 1500} {
		for _, u := range []struct {
			suffix string
			fromMs float64
		}{
			{"ns", 1e6},
			{"us", 1e3},
			{"ms", 1},
			{"s", 1e-3},
		} {
			token := fmt.Sprintf("%+g%s", ms*u.fromMs, u.suffix)
			got, err := offsetparse.Parse(token)
			require.NoError(t, err, token)
			assert.InDelta(t, ms, got, 1e-9, token)
		}
	}
}

func TestParseCompositePrefersBracketed(t *testing.T) {
	got, err := offsetparse.Parse("-3069ns[+1489us]")
	require.NoError(t, err)
	assert.InDelta(t, 1.489, got, 1e-9)

	got, err = offsetparse.Parse("+12ms[-4us]")
	require.NoError(t, err)
	assert.InDelta(t, -0.004, got, 1e-9)
}

func TestParseErrors(t *testing.T) {
	for _, token := range []string{"", "12", "12xs", "abcms", "1ms[]"} {
		_, err := offsetparse.Parse(token)
		require.Error(t, err, token)
		var pe *offsetparse.ParseError
		assert.True(t, errors.As(err, &pe), token)
	}

	_, err := offsetparse.Parse("12qq")
	assert.ErrorIs(t, err, offsetparse.ErrNoUnit)
	_, err = offsetparse.Parse("1.2.3ms")
	assert.ErrorIs(t, err, offsetparse.ErrBadNumber)
}

const sourcesOutput = `210 Number of sources = 1

  .-- Source mode  '^' = server, '=' = peer, '#' = local clock.
 / .- Source state '*' = current best, '+' = combined, '-' = not combined,
| /             'x' = may be in error, '~' = too variable, '?' = unusable.
||                                                 .- xxxx [ yyyy ] +/- zzzz
MS Name/IP address         Stratum Poll Reach LastRx Last sample
===============================================================================
^* 192.168.105.20                8   6   377    23  -3069ns[+1489us] +/-  15ms
`

func TestActiveSourceOffset(t *testing.T) {
	token, ok := offsetparse.ActiveSourceOffset(sourcesOutput)
	require.True(t, ok)
	assert.Equal(t, "-3069ns[+1489us]", token)

	_, ok = offsetparse.ActiveSourceOffset("^? 192.168.105.20 8 6 0 - +0ns[+0ns] +/- 0ns\n")
	assert.False(t, ok)
	_, ok = offsetparse.ActiveSourceOffset("")
	assert.False(t, ok)
}
