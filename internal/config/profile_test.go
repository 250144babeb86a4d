package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeProfile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sandbox.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write profile: %v", err)
	}
	return path
}

func TestLoadProfile_AppliesNonEmptyFields(t *testing.T) {
	path := writeProfile(t, `
image: kind-lab
memory: 512m
env:
  B: "2"
  A: "1"
`)
	p, err := LoadProfile(path)
	if err != nil {
		t.Fatalf("LoadProfile: %v", err)
	}

	s := Settings{Image: "ubuntu-k8s", MemoryLimit: "256m", CPULimit: "0.5", Shell: "/bin/bash"}
	p.Apply(&s)
	t.Cleanup(func() { SandboxEnv = nil })

	if s.Image != "kind-lab" {
		t.Errorf("Image = %q, want kind-lab", s.Image)
	}
	if s.MemoryLimit != "512m" {
		t.Errorf("MemoryLimit = %q, want 512m", s.MemoryLimit)
	}
	if s.CPULimit != "0.5" {
		t.Errorf("CPULimit should be untouched, got %q", s.CPULimit)
	}
	if s.Shell != "/bin/bash" {
		t.Errorf("Shell should be untouched, got %q", s.Shell)
	}
	if len(SandboxEnv) != 2 || SandboxEnv[0] != "A=1" || SandboxEnv[1] != "B=2" {
		t.Errorf("SandboxEnv = %v, want [A=1 B=2]", SandboxEnv)
	}
}

func TestLoadProfile_Errors(t *testing.T) {
	tests := []struct {
		name string
		path func(t *testing.T) string
	}{
		{"missing file", func(t *testing.T) string { return filepath.Join(t.TempDir(), "nope.yaml") }},
		{"invalid yaml", func(t *testing.T) string { return writeProfile(t, "image: [unclosed") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadProfile(tt.path(t)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestEnvList_Empty(t *testing.T) {
	p := &Profile{}
	if env := p.EnvList(); env != nil {
		t.Errorf("expected nil env, got %v", env)
	}
}
