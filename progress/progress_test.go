package progress

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ollama/losparse/format"
)

func TestBar(t *testing.T) {
	b := NewBar("pruning", 32, 0)
	assert.Contains(t, b.String(), "pruning   0% ")
	assert.True(t, strings.HasSuffix(b.String(), "0/32"))

	b.Set(8)
	assert.Contains(t, b.String(), " 25% ")
	assert.Contains(t, b.String(), "8/32 [")

	b.Add(100)
	assert.Contains(t, b.String(), "100% ")
	assert.True(t, strings.HasSuffix(b.String(), "32/32"))

	b = NewBar("loading", 3*format.GigaByte, 1500*format.MegaByte)
	b.Unit = func(v int64) string { return format.HumanBytes(v) }
	assert.Contains(t, b.String(), " 50% ")
	assert.Contains(t, b.String(), "1.5 GB/3.0 GB")
}

func TestFormatDuration(t *testing.T) {
	cases := map[time.Duration]string{
		1500 * time.Millisecond:     "2s",
		90 * time.Second:            "1m30s",
		2*time.Hour + 5*time.Minute: "2h5m",
		120 * time.Hour:             "99h+",
	}

	for d, want := range cases {
		assert.Equal(t, want, formatDuration(d))
	}
}

func TestSpinner(t *testing.T) {
	s := NewSpinner("converting")
	assert.Contains(t, s.String(), "converting ")
	assert.False(t, s.Stopped())

	s.Stop()
	s.Stop()
	assert.True(t, s.Stopped())
	assert.Equal(t, "converting ", s.String())
}

func TestProgress(t *testing.T) {
	var buf bytes.Buffer
	p := NewProgress(&buf)

	s := NewSpinner("converting")
	b := NewBar("pruning", 4, 4)
	p.Add(s)
	p.Add(b)

	assert.True(t, p.Stop())
	assert.False(t, p.Stop())
	assert.True(t, s.Stopped())

	out := buf.String()
	assert.Contains(t, out, "converting")
	assert.Contains(t, out, "4/4")
	assert.True(t, strings.HasSuffix(out, "\033[?25h"))
}
