package sandbox

import (
	"fmt"
	"os/exec"
)

// searchOrder lists runtimes in preference order: rootless first.
var searchOrder = []string{"podman", "docker"}

// LookPathFunc resolves an executable name to a path.
type LookPathFunc func(file string) (string, error)

// Locate returns the path of the first container runtime found.
func Locate(lookPath LookPathFunc) (string, error) {
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	for _, name := range searchOrder {
		if p, err := lookPath(name); err == nil && p != "" {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: tried %v", ErrToolingMissing, searchOrder)
}
