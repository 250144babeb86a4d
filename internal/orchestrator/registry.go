package orchestrator

import (
	"context"
	"fmt"
	"log"
	"sync"
)

var (
	current ContainerRuntime
	mu      sync.RWMutex
)

// InitRuntime connects to the docker engine and makes it the process-wide
// runtime returned by Get.
func InitRuntime(ctx context.Context, dockerHost string) (ContainerRuntime, error) {
	docker := NewDockerRuntime(dockerHost)
	if err := docker.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("no container runtime available: %w", err)
	}
	mu.Lock()
	current = docker
	mu.Unlock()
	log.Printf("Runtime: using %s backend", docker.BackendName())
	return docker, nil
}

func Get() ContainerRuntime {
	mu.RLock()
	defer mu.RUnlock()
	return current
}
