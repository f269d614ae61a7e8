package progress

import (
	"strings"
	"sync/atomic"
	"time"
)

// Spinner is shown for work with no known total.
type Spinner struct {
	message string

	parts []string
	value atomic.Int32

	stopped chan struct{}
	once    atomic.Bool
}

func NewSpinner(message string) *Spinner {
	s := &Spinner{
		message: message,
		parts: []string{
			"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏",
		},
		stopped: make(chan struct{}),
	}
	go s.start()
	return s
}

func (s *Spinner) String() string {
	var sb strings.Builder
	if message := strings.TrimSpace(s.message); message != "" {
		sb.WriteString(message)
		sb.WriteString(" ")
	}

	if !s.Stopped() {
		sb.WriteString(s.parts[s.value.Load()])
		sb.WriteString(" ")
	}

	return sb.String()
}

func (s *Spinner) start() {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.value.Store((s.value.Load() + 1) % int32(len(s.parts)))
		case <-s.stopped:
			return
		}
	}
}

func (s *Spinner) Stopped() bool {
	return s.once.Load()
}

// Stop halts the animation. Calling it more than once is a no-op.
func (s *Spinner) Stop() {
	if s.once.CompareAndSwap(false, true) {
		close(s.stopped)
	}
}
