package ml

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseDevice(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Device
		wantErr bool
	}{
		{name: "cpu", input: "cpu", want: CPU},
		{name: "cuda ordinal", input: "cuda:1", want: "cuda:1"},
		{name: "bare ordinal", input: "0", want: "cuda:0"},
		{name: "upper case", input: " METAL ", want: "metal"},
		{name: "empty", input: "", wantErr: true},
		{name: "unknown", input: "tpu:0", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDevice(tt.input)
			if tt.wantErr {
				if !errors.Is(err, ErrDeviceMapping) {
					t.Fatalf("expected ErrDeviceMapping, got %v", err)
				}
				return
			}

			if err != nil {
				t.Fatal(err)
			}

			if got != tt.want {
				t.Errorf("want %q, got %q", tt.want, got)
			}
		})
	}
}

func TestDeviceMapResolve(t *testing.T) {
	m := DeviceMap{
		"model.embed_tokens": "cuda:0",
		"model.layers.0":     "cuda:0",
		"model.layers.1":     "cuda:1",
		"model":              "cuda:1",
	}

	tests := []struct {
		path string
		want Device
	}{
		{"model.layers.0", "cuda:0"},
		{"model.layers.1", "cuda:1"},
		{"model.layers.1.self_attn.q_proj", "cuda:1"},
		{"model.layers.7", "cuda:1"},
		{"model.norm", "cuda:1"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, err := m.Resolve(tt.path)
			if err != nil {
				t.Fatal(err)
			}

			if got != tt.want {
				t.Errorf("want %q, got %q", tt.want, got)
			}
		})
	}

	if _, err := m.Resolve("lm_head"); !errors.Is(err, ErrDeviceMapping) {
		t.Errorf("expected ErrDeviceMapping for unmapped module, got %v", err)
	}

	if d, err := DeviceMap(nil).Resolve("model.layers.0"); err != nil || d != CPU {
		t.Errorf("empty map should resolve to cpu, got %q %v", d, err)
	}
}

func TestParseDeviceMap(t *testing.T) {
	m, err := ParseDeviceMap([]string{"model.layers.0=0", "model.layers.1=cuda:1", "lm_head=cpu"})
	if err != nil {
		t.Fatal(err)
	}

	want := DeviceMap{"model.layers.0": "cuda:0", "model.layers.1": "cuda:1", "lm_head": CPU}
	if diff := cmp.Diff(want, m); diff != "" {
		t.Errorf("device map mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff([]Device{CPU, "cuda:0", "cuda:1"}, m.Devices()); diff != "" {
		t.Errorf("devices mismatch (-want +got):\n%s", diff)
	}

	if _, err := ParseDeviceMap([]string{"model.layers.0"}); !errors.Is(err, ErrDeviceMapping) {
		t.Errorf("expected ErrDeviceMapping, got %v", err)
	}
}
