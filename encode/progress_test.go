package encode

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProgressParserFrameBased(t *testing.T) {
	stream := strings.Join([]string{
		"frame=25",
		"fps=25.0",
		"speed=1.0x",
		"progress=continue",
		"frame=50",
		"fps=24.8",
		"speed=0.99x",
		"progress=continue",
		"frame=100",
		"progress=end",
	}, "\n")

	var events []Progress
	parser := newProgressParser(100, 0)
	last := parser.run(strings.NewReader(stream), func(p Progress) {
		events = append(events, p)
	})

	require.Len(t, events, 3)
	assert.Equal(t, float64(25), events[0].Percent)
	assert.Equal(t, int64(25), events[0].Frame)
	assert.Equal(t, 25.0, events[0].FPS)
	assert.Equal(t, "1.0x", events[0].Speed)
	assert.Equal(t, float64(50), events[1].Percent)
	assert.Equal(t, float64(100), events[2].Percent)
	assert.Equal(t, float64(100), last.Percent)
	require.NotNil(t, last.TotalFrames)
	assert.Equal(t, int64(100), *last.TotalFrames)
}

func TestProgressParserTimeFallback(t *testing.T) {
	// No frame count known: percent comes from output time vs duration.
	stream := strings.Join([]string{
		"frame=10",
		"out_time_us=5000000",
		"progress=continue",
		"out_time_us=10000000",
		"progress=continue",
	}, "\n")

	var events []Progress
	parser := newProgressParser(0, 20)
	parser.run(strings.NewReader(stream), func(p Progress) {
		events = append(events, p)
	})

	require.Len(t, events, 2)
	assert.Equal(t, float64(25), events[0].Percent)
	assert.Equal(t, float64(50), events[1].Percent)
	assert.Nil(t, events[0].TotalFrames)
}

func TestProgressParserOutTimeMSIsMicroseconds(t *testing.T) {
	stream := "out_time_ms=10000000\nprogress=continue\n"

	var events []Progress
	parser := newProgressParser(0, 20)
	parser.run(strings.NewReader(stream), func(p Progress) {
		events = append(events, p)
	})

	require.Len(t, events, 1)
	assert.Equal(t, float64(50), events[0].Percent)
}

func TestProgressParserClampsAndNeverRegresses(t *testing.T) {
	stream := strings.Join([]string{
		"frame=150",
		"progress=continue",
		"frame=90",
		"progress=continue",
	}, "\n")

	var events []Progress
	parser := newProgressParser(100, 0)
	parser.run(strings.NewReader(stream), func(p Progress) {
		events = append(events, p)
	})

	require.Len(t, events, 2)
	assert.Equal(t, float64(100), events[0].Percent, "clamped to 100")
	assert.Equal(t, float64(100), events[1].Percent, "never goes backwards")
}

func TestProgressParserUnknownTotals(t *testing.T) {
	stream := "frame=10\nprogress=continue\nframe=20\nprogress=end\n"

	var events []Progress
	parser := newProgressParser(0, 0)
	parser.run(strings.NewReader(stream), func(p Progress) {
		events = append(events, p)
	})

	require.Len(t, events, 2)
	assert.Equal(t, float64(0), events[0].Percent)
	assert.Equal(t, float64(100), events[1].Percent, "terminator forces completion")
}

func TestProgressParserIgnoresGarbage(t *testing.T) {
	stream := "not a key value line\nframe=abc\nprogress=continue\n"

	count := 0
	parser := newProgressParser(100, 0)
	parser.run(strings.NewReader(stream), func(Progress) { count++ })

	assert.Equal(t, 1, count)
}
