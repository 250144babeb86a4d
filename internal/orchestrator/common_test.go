package orchestrator

import (
	"regexp"
	"testing"
)

func TestParseCPUToNanoCPUs(t *testing.T) {
	tests := []struct {
		input    string
		expected int64
		wantErr  bool
	}{
		{"0.5", 500_000_000, false},
		{"1", 1_000_000_000, false},
		{"500m", 500_000_000, false},
		{"", 0, false},
		{"lots", 0, true},
		{"xm", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := parseCPUToNanoCPUs(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseCPUToNanoCPUs(%q) err = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.expected {
				t.Errorf("parseCPUToNanoCPUs(%q) = %d, want %d", tt.input, got, tt.expected)
			}
		})
	}
}

func TestParseMemoryToBytes(t *testing.T) {
	got, err := parseMemoryToBytes("256m")
	if err != nil {
		t.Fatalf("parseMemoryToBytes: %v", err)
	}
	if got != 268435456 {
		t.Errorf("expected 268435456 bytes, got %d", got)
	}

	if _, err := parseMemoryToBytes("a lot"); err == nil {
		t.Error("expected error for invalid memory string")
	}
}

func TestContainerName(t *testing.T) {
	valid := regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]+$`)

	tests := []struct {
		id       string
		expected string
	}{
		{"user_abcdef123", "k8s-lab-user_abc-1a2b3c4d"},
		{"a/b c:d", "k8s-lab-abcd-1a2b3c4d"},
		{"", "k8s-lab-anon-1a2b3c4d"},
		{"!!!", "k8s-lab-anon-1a2b3c4d"},
	}
	for _, tt := range tests {
		got := ContainerName("k8s-lab", tt.id, "1a2b3c4d")
		if got != tt.expected {
			t.Errorf("ContainerName(%q) = %q, want %q", tt.id, got, tt.expected)
		}
		if !valid.MatchString(got) {
			t.Errorf("ContainerName(%q) = %q is not a valid docker name", tt.id, got)
		}
	}
}
