package lifecycle

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/m1theusr/k8s-easy-start-lab/internal/orchestrator"
)

// imageRef returns name with an explicit tag, the form the engine lists.
func imageRef(name string) string {
	if i := strings.LastIndex(name, ":"); i > strings.LastIndex(name, "/") {
		return name
	}
	return name + ":latest"
}

// EnsureImage builds the sandbox image unless the engine already has it.
// Concurrent callers share a single build.
func (m *Manager) EnsureImage(ctx context.Context) error {
	ref := imageRef(m.cfg.Image)
	_, err, _ := m.images.Do(ref, func() (any, error) {
		tags, err := m.runtime.ListImages(ctx)
		if err != nil {
			return nil, wrap(ErrImageBuild, err)
		}
		if lo.Contains(tags, ref) {
			return nil, nil
		}

		log.Printf("[lifecycle] image %s not found, building from %s", ref, m.cfg.BuildContext)
		start := m.clock.Now()
		err = m.runtime.BuildImage(ctx, orchestrator.BuildParams{
			Tag:         m.cfg.Image,
			ContextDir:  m.cfg.BuildContext,
			Dockerfile:  m.cfg.Dockerfile,
			BuildOutput: log.Writer(),
		})
		if err != nil {
			return nil, wrap(ErrImageBuild, err)
		}
		log.Printf("[lifecycle] image %s built in %s", ref, m.clock.Since(start).Round(time.Millisecond))
		return nil, nil
	})
	return err
}
