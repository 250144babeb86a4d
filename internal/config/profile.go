package config

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Profile is the optional YAML description of the sandbox each session gets.
// Empty fields leave the environment settings untouched.
//
//	image: ubuntu-k8s
//	build_context: ./sandbox
//	dockerfile: dockerfile
//	memory: 512m
//	cpus: "1"
//	shell: /bin/bash
//	env:
//	  KUBECONFIG: /root/.kube/config
type Profile struct {
	Image        string            `yaml:"image"`
	BuildContext string            `yaml:"build_context"`
	Dockerfile   string            `yaml:"dockerfile"`
	Memory       string            `yaml:"memory"`
	CPUs         string            `yaml:"cpus"`
	Shell        string            `yaml:"shell"`
	NamePrefix   string            `yaml:"name_prefix"`
	Env          map[string]string `yaml:"env"`
}

// SandboxEnv holds the KEY=VALUE pairs from the loaded profile.
var SandboxEnv []string

// LoadProfile reads and parses a profile file.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse profile %s: %w", path, err)
	}
	return &p, nil
}

// Apply overlays the non-empty profile fields onto s and publishes the
// profile environment in SandboxEnv.
func (p *Profile) Apply(s *Settings) {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&s.Image, p.Image)
	set(&s.BuildContext, p.BuildContext)
	set(&s.Dockerfile, p.Dockerfile)
	set(&s.MemoryLimit, p.Memory)
	set(&s.CPULimit, p.CPUs)
	set(&s.Shell, p.Shell)
	set(&s.NamePrefix, p.NamePrefix)
	SandboxEnv = p.EnvList()
}

// EnvList returns the profile environment as sorted KEY=VALUE lines.
func (p *Profile) EnvList() []string {
	if len(p.Env) == 0 {
		return nil
	}
	env := make([]string, 0, len(p.Env))
	for k, v := range p.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(env)
	return env
}
