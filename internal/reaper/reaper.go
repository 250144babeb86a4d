// Package reaper periodically reclaims sandboxes that outlived their
// absolute lifetime or went idle.
package reaper

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/robfig/cron/v3"

	"github.com/m1theusr/k8s-easy-start-lab/internal/logutil"
	"github.com/m1theusr/k8s-easy-start-lab/internal/session"
)

const (
	ReasonExpired = "expired"
	ReasonIdle    = "idle"
)

// Reclaimer tears down a session when the verdict asks for it.
// *lifecycle.Manager implements it.
type Reclaimer interface {
	Reclaim(ctx context.Context, s *session.Session, verdict func(session.Snapshot) string) (string, bool)
}

type Policy struct {
	IdleTimeout   time.Duration
	SessionExpiry time.Duration
}

// Verdict returns why a session should be reclaimed at now, or "". An
// expired sandbox is reported as expired even when it is also idle.
func (p Policy) Verdict(snap session.Snapshot, now time.Time) string {
	if snap.ContainerID == "" {
		return ""
	}
	if p.SessionExpiry > 0 && snap.Age(now) > p.SessionExpiry {
		return ReasonExpired
	}
	if p.IdleTimeout > 0 && snap.Idle(now) > p.IdleTimeout {
		return ReasonIdle
	}
	return ""
}

type Reaper struct {
	sessions  *session.Registry
	reclaimer Reclaimer
	clock     clock.Clock
	policy    Policy

	cron *cron.Cron
}

func New(sessions *session.Registry, reclaimer Reclaimer, clk clock.Clock, policy Policy) *Reaper {
	if clk == nil {
		clk = clock.New()
	}
	return &Reaper{sessions: sessions, reclaimer: reclaimer, clock: clk, policy: policy}
}

// Sweep examines every session once and reclaims the ones due. Sessions busy
// with another lifecycle operation are left for the next sweep. It returns
// the number of sessions reclaimed.
func (r *Reaper) Sweep(ctx context.Context) int {
	now := r.clock.Now()
	all := r.sessions.List()
	log.Printf("[reaper] checking %d session(s)", len(all))

	reclaimed := 0
	for _, s := range all {
		if ctx.Err() != nil {
			break
		}
		var snap session.Snapshot
		reason, ok := r.reclaimer.Reclaim(ctx, s, func(cur session.Snapshot) string {
			snap = cur
			return r.policy.Verdict(cur, now)
		})
		if !ok {
			continue
		}
		reclaimed++
		switch reason {
		case ReasonExpired:
			log.Printf("[reaper] session %s expired after %s, removed", logutil.ShortID(s.ID), snap.Age(now).Round(time.Second))
		default:
			log.Printf("[reaper] session %s idle for %s, removed", logutil.ShortID(s.ID), snap.Idle(now).Round(time.Second))
		}
	}
	return reclaimed
}

// Start runs Sweep on schedule (any robfig/cron spec, e.g. "@every 1m")
// until Stop. A sweep still running when the next one is due is skipped.
func (r *Reaper) Start(ctx context.Context, schedule string) error {
	logger := cron.PrintfLogger(log.Default())
	c := cron.New(cron.WithLogger(logger), cron.WithChain(cron.SkipIfStillRunning(logger)))
	if _, err := c.AddFunc(schedule, func() { r.Sweep(ctx) }); err != nil {
		return fmt.Errorf("reaper schedule %q: %w", schedule, err)
	}
	r.cron = c
	c.Start()
	log.Printf("[reaper] started (%s, idle %s, expiry %s)", schedule, r.policy.IdleTimeout, r.policy.SessionExpiry)
	return nil
}

// Stop prevents further sweeps. The returned context is done once a sweep in
// progress has finished.
func (r *Reaper) Stop() context.Context {
	if r.cron == nil {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	log.Println("[reaper] stopping")
	return r.cron.Stop()
}
