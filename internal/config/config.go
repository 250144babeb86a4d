package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Settings are read from KLAB_-prefixed variables only (KLAB_SHELL,
// KLAB_CPU_LIMIT, ...). Unprefixed names such as SHELL are never consulted.
type Settings struct {
	ListenAddr string `split_words:"true" default:":3001"`
	DockerHost string `split_words:"true" default:""`
	LogPath    string `split_words:"true" default:""`

	// Sandbox image and container shape
	Image        string `split_words:"true" default:"ubuntu-k8s"`
	BuildContext string `split_words:"true" default:"./sandbox"`
	Dockerfile   string `split_words:"true" default:"dockerfile"`
	MemoryLimit  string `split_words:"true" default:"256m"`
	CPULimit     string `split_words:"true" default:"0.5"`
	Shell        string `split_words:"true" default:"/bin/bash"`
	NamePrefix   string `split_words:"true" default:"k8s-lab"`
	ProfilePath  string `split_words:"true" default:""`
	SweepOrphans bool   `split_words:"true" default:"true"`

	// Session expiry
	IdleTimeout     time.Duration `split_words:"true" default:"60m"`
	SessionExpiry   time.Duration `split_words:"true" default:"60m"`
	ReaperSchedule  string        `split_words:"true" default:"@every 1m"`
	CreateSettle    time.Duration `split_words:"true" default:"2s"`
	ReconnectSettle time.Duration `split_words:"true" default:"1s"`
	ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("KLAB", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if Cfg.ProfilePath == "" {
		return
	}
	p, err := LoadProfile(Cfg.ProfilePath)
	if err != nil {
		log.Fatalf("failed to load sandbox profile: %v", err)
	}
	p.Apply(&Cfg)
	log.Printf("Sandbox profile loaded from %s", Cfg.ProfilePath)
}
