//go:build linux

package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/term"
)

// pingStats draws a progress bar with a smoothed round-trip
// rate while ping runs. It is silent unless stdout is a
// terminal.
type pingStats struct {
	isTerm     bool
	total      int
	lastUpdate time.Time
	lastDone   int
	emaRate    float64 // round trips per second
	alpha      float64
}

func newPingStats(total int) *pingStats {
	return &pingStats{
		isTerm:     term.IsTerminal(int(os.Stdout.Fd())),
		total:      total,
		lastUpdate: time.Now(),
		alpha:      0.1,
	}
}

func (s *pingStats) updateRate(done int) {
	now := time.Now()
	secs := now.Sub(s.lastUpdate).Seconds()
	if secs > 0 {
		rate := float64(done-s.lastDone) / secs
		if s.emaRate == 0 {
			s.emaRate = rate
		} else {
			s.emaRate = s.alpha*rate + (1-s.alpha)*s.emaRate
		}
	}
	s.lastUpdate = now
	s.lastDone = done
}

func (s *pingStats) show(done int) {
	s.updateRate(done)
	if !s.isTerm || s.total <= 0 {
		return
	}
	const width = 40
	frac := float64(done) / float64(s.total)
	completed := int(frac * width)

	var bar strings.Builder
	bar.WriteString("[")
	for i := 0; i < width; i++ {
		switch {
		case i < completed:
			bar.WriteRune('=')
		case i == completed:
			bar.WriteRune('>')
		default:
			bar.WriteRune(' ')
		}
	}
	bar.WriteString("]")
	fmt.Printf("\r\033[K%s %6.2f%% %9.1f rt/s", bar.String(), frac*100, s.emaRate)
}

func (s *pingStats) finish() {
	if s.isTerm {
		fmt.Println()
	}
}
