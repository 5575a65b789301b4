package encode

import (
	"bufio"
	"io"
	"strconv"
	"strings"
)

// progressParser consumes the encoder's machine-readable progress
// stream: key=value lines, each block terminated by a
// progress=continue|end line. One snapshot is emitted per terminator.
type progressParser struct {
	totalFrames     int64
	durationSeconds float64
	lastPercent     float64

	fields map[string]string
}

func newProgressParser(totalFrames int64, durationSeconds float64) *progressParser {
	return &progressParser{
		totalFrames:     totalFrames,
		durationSeconds: durationSeconds,
		fields:          make(map[string]string),
	}
}

// run reads the stream to EOF, calling emit once per progress block.
// Returns the last emitted snapshot.
func (p *progressParser) run(r io.Reader, emit func(Progress)) Progress {
	var last Progress
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		if key != "progress" {
			p.fields[key] = value
			continue
		}
		last = p.snapshot(value == "end")
		emit(last)
	}
	return last
}

func (p *progressParser) snapshot(final bool) Progress {
	frame, _ := strconv.ParseInt(p.fields["frame"], 10, 64)
	fps, _ := strconv.ParseFloat(p.fields["fps"], 64)

	snap := Progress{
		Frame:   frame,
		FPS:     fps,
		Speed:   p.fields["speed"],
		Percent: p.percent(frame, final),
	}
	if p.totalFrames > 0 {
		total := p.totalFrames
		snap.TotalFrames = &total
	}
	p.lastPercent = snap.Percent
	return snap
}

// percent prefers frame counting, falls back to elapsed output time,
// and never goes backwards.
func (p *progressParser) percent(frame int64, final bool) float64 {
	if final {
		return 100
	}

	var pct float64
	switch {
	case p.totalFrames > 0:
		pct = 100 * float64(frame) / float64(p.totalFrames)
	case p.durationSeconds > 0:
		pct = 100 * p.outTimeSeconds() / p.durationSeconds
	default:
		pct = p.lastPercent
	}

	if pct > 100 {
		pct = 100
	}
	if pct < p.lastPercent {
		pct = p.lastPercent
	}
	return pct
}

// outTimeSeconds reads the encoder's elapsed output timestamp. The
// out_time_ms field is microseconds despite its name; out_time_us is
// preferred when present.
func (p *progressParser) outTimeSeconds() float64 {
	raw := p.fields["out_time_us"]
	if raw == "" {
		raw = p.fields["out_time_ms"]
	}
	us, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || us < 0 {
		return 0
	}
	return float64(us) / 1e6
}
