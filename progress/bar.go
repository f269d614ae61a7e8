package progress

import (
	"fmt"
	"math"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/term"

	"github.com/ollama/losparse/format"
)

// Bar tracks a count towards a known total. Values are shown with Unit, which
// defaults to plain counts.
type Bar struct {
	message      string
	messageWidth int

	maxValue     int64
	currentValue atomic.Int64

	Unit func(int64) string

	started time.Time
}

func NewBar(message string, maxValue, initialValue int64) *Bar {
	b := &Bar{
		message:      message,
		messageWidth: -1,
		maxValue:     maxValue,
		Unit:         func(v int64) string { return format.HumanNumber(uint64(max(v, 0))) },
		started:      time.Now(),
	}
	b.Set(initialValue)
	return b
}

// formatDuration limits the rendering of a time.Duration to 2 units
func formatDuration(d time.Duration) string {
	if d >= 100*time.Hour {
		return "99h+"
	}

	if d >= time.Hour {
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	}

	return d.Round(time.Second).String()
}

func (b *Bar) String() string {
	termWidth, _, err := term.GetSize(int(os.Stderr.Fd()))
	if err != nil {
		termWidth = 80
	}

	var pre, mid, suf strings.Builder

	if b.message != "" {
		message := strings.TrimSpace(b.message)
		if b.messageWidth > 0 && len(message) > b.messageWidth {
			message = message[:b.messageWidth]
		}

		pre.WriteString(message)
		if b.messageWidth-pre.Len() >= 0 {
			pre.WriteString(strings.Repeat(" ", b.messageWidth-pre.Len()))
		}

		pre.WriteString(" ")
	}

	fmt.Fprintf(&pre, "%3.0f%% ", math.Floor(b.percent()))

	current := b.currentValue.Load()
	fmt.Fprintf(&suf, "%s/%s", b.Unit(current), b.Unit(b.maxValue))
	if current > 0 && current < b.maxValue {
		elapsed := time.Since(b.started)
		remaining := time.Duration(float64(elapsed) / float64(current) * float64(b.maxValue-current))
		fmt.Fprintf(&suf, " [%s:%s]", formatDuration(elapsed), formatDuration(remaining))
	}

	// add 3 extra spaces: 2 boundary characters and 1 space at the end
	f := termWidth - pre.Len() - len([]rune(suf.String())) - 3
	n := int(float64(f) * b.percent() / 100)

	if f > 0 {
		mid.WriteString("▕")
		mid.WriteString(strings.Repeat("█", n))
		if f-n > 0 {
			mid.WriteString(strings.Repeat(" ", f-n))
		}
		mid.WriteString("▏ ")
	}

	return pre.String() + mid.String() + suf.String()
}

// Set records the current value, capped at the maximum. It is safe to call
// from multiple goroutines.
func (b *Bar) Set(value int64) {
	b.currentValue.Store(min(value, b.maxValue))
}

// Add increments the current value by n.
func (b *Bar) Add(n int64) {
	b.Set(b.currentValue.Add(n))
}

func (b *Bar) percent() float64 {
	if b.maxValue > 0 {
		return float64(b.currentValue.Load()) / float64(b.maxValue) * 100
	}

	return 0
}
