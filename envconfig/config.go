package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/ollama/losparse/logutil"
)

var (
	// Set via LOSPARSE_DEBUG in the environment
	Debug int
	// Set via LOSPARSE_DEVICE in the environment
	Device string
	// Set via LOSPARSE_DEVICE_MAP in the environment
	DeviceMap []string
	// Set via LOSPARSE_NOPROGRESS in the environment
	NoProgress bool
	// Set via LOSPARSE_NUM_THREADS in the environment
	NumThreads int
)

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"LOSPARSE_DEBUG":       {"LOSPARSE_DEBUG", Debug, "Show additional debug information (e.g. LOSPARSE_DEBUG=1, 2 for trace)"},
		"LOSPARSE_DEVICE":      {"LOSPARSE_DEVICE", Device, "Device to run low-rank extraction on (e.g. cuda:0)"},
		"LOSPARSE_DEVICE_MAP":  {"LOSPARSE_DEVICE_MAP", DeviceMap, "A comma separated list of module=device placements"},
		"LOSPARSE_NOPROGRESS":  {"LOSPARSE_NOPROGRESS", NoProgress, "Do not show progress bars"},
		"LOSPARSE_NUM_THREADS": {"LOSPARSE_NUM_THREADS", NumThreads, "Maximum number of layers decomposed concurrently (default number of CPUs)"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

// Clean quotes and spaces from the value
func clean(key string) string {
	return strings.Trim(os.Getenv(key), "\"' ")
}

// LogLevel maps LOSPARSE_DEBUG to a slog level.
func LogLevel() slog.Level {
	switch {
	case Debug >= 2:
		return logutil.LevelTrace
	case Debug == 1:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

func init() {
	LoadConfig()
}

func LoadConfig() {
	Debug = 0
	if debug := clean("LOSPARSE_DEBUG"); debug != "" {
		if d, err := strconv.Atoi(debug); err == nil {
			Debug = d
		} else if b, err := strconv.ParseBool(debug); err == nil {
			if b {
				Debug = 1
			}
		} else {
			Debug = 1
		}
	}

	Device = clean("LOSPARSE_DEVICE")

	DeviceMap = nil
	if dm := clean("LOSPARSE_DEVICE_MAP"); dm != "" {
		for _, pair := range strings.Split(dm, ",") {
			if pair = strings.TrimSpace(pair); pair != "" {
				DeviceMap = append(DeviceMap, pair)
			}
		}
	}

	NoProgress = false
	if np := clean("LOSPARSE_NOPROGRESS"); np != "" {
		b, err := strconv.ParseBool(np)
		NoProgress = err != nil || b
	}

	NumThreads = runtime.NumCPU()
	if nt := clean("LOSPARSE_NUM_THREADS"); nt != "" {
		val, err := strconv.Atoi(nt)
		if err != nil || val <= 0 {
			slog.Error("invalid setting must be greater than zero", "LOSPARSE_NUM_THREADS", nt, "error", err)
		} else {
			NumThreads = val
		}
	}
}
