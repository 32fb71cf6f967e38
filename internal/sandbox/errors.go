package sandbox

import (
	"errors"
	"strings"
)

var (
	ErrToolingMissing = errors.New("no container runtime found on PATH")

	ErrContainerNotFound = errors.New("container not found")

	ErrContainerStartFailed = errors.New("failed to start container")

	ErrBuildFailed = errors.New("image build failed")

	ErrPortConflict = errors.New("host port already in use")

	ErrImageNotFound = errors.New("image not found")
)

var portConflictMarkers = []string{
	"port is already allocated",
	"address already in use",
	"port is already in use",
	"bind: address already in use",
}

// IsPortConflict reports whether err comes from the runtime refusing to
// publish a host port that something else holds.
func IsPortConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPortConflict) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range portConflictMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

var imageNotFoundMarkers = []string{
	"no such image",
	"image not known",
	"unable to find image",
	"pull access denied",
}

// IsImageNotFound reports whether err comes from the runtime refusing to
// start a container because its image is gone.
func IsImageNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrImageNotFound) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range imageNotFoundMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
