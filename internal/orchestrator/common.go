package orchestrator

import (
	"fmt"
	"strings"

	"github.com/docker/go-units"
)

const (
	LabelManagedBy = "managed-by"
	LabelSession   = "session"
	ManagedByValue = "k8s-lab"
)

// parseCPUToNanoCPUs accepts "0.5" style core counts and "500m" millicores.
func parseCPUToNanoCPUs(cpuStr string) (int64, error) {
	if cpuStr == "" {
		return 0, nil
	}
	if strings.HasSuffix(cpuStr, "m") {
		var n int64
		if _, err := fmt.Sscanf(cpuStr[:len(cpuStr)-1], "%d", &n); err != nil {
			return 0, fmt.Errorf("invalid cpu limit %q", cpuStr)
		}
		return n * 1_000_000, nil
	}
	var f float64
	if _, err := fmt.Sscanf(cpuStr, "%g", &f); err != nil || f < 0 {
		return 0, fmt.Errorf("invalid cpu limit %q", cpuStr)
	}
	return int64(f * 1_000_000_000), nil
}

// parseMemoryToBytes uses docker's RAM notation: "256m" is 256 MiB.
func parseMemoryToBytes(memStr string) (int64, error) {
	if memStr == "" {
		return 0, nil
	}
	n, err := units.RAMInBytes(memStr)
	if err != nil {
		return 0, fmt.Errorf("invalid memory limit %q: %w", memStr, err)
	}
	return n, nil
}

// ContainerName builds a docker-safe unique container name from a prefix,
// the session's persistent identifier (first 8 usable characters) and a
// random suffix.
func ContainerName(prefix, persistentID, suffix string) string {
	var b strings.Builder
	for _, r := range persistentID {
		if b.Len() == 8 {
			break
		}
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-' || r == '.' {
			b.WriteRune(r)
		}
	}
	id := b.String()
	if id == "" {
		id = "anon"
	}
	return fmt.Sprintf("%s-%s-%s", prefix, id, suffix)
}
