package sandbox

import (
	"fmt"
	"strconv"
	"time"
)

const (
	LabelManagedBy = "managed_by"
	LabelSession   = "embedder.session"
	LabelOwnerPID  = "embedder.owner_pid"
	LabelOwnerHost = "embedder.owner_host"

	ManagedByValue = "embedder"

	// DriverBinary is the entrypoint installed by the embedded recipe.
	DriverBinary = "embedder-driver"
)

// RunSpec describes one detached browser container.
type RunSpec struct {
	Image         string
	Name          string
	HostIP        string
	HostPort      int
	ContainerPort int
	Labels        map[string]string
}

// DefaultStopGrace is how long a container gets between SIGTERM and SIGKILL
// when the caller does not say.
const DefaultStopGrace = 5 * time.Second

// stopSeconds rounds grace up to whole seconds, the unit both runtimes take.
func stopSeconds(grace time.Duration) int {
	if grace <= 0 {
		grace = DefaultStopGrace
	}
	return int((grace + time.Second - 1) / time.Second)
}

// DriverArgs is the command line the container runs.
func (s RunSpec) DriverArgs() []string {
	return []string{DriverBinary, "--host", "0.0.0.0", "-p", strconv.Itoa(s.ContainerPort)}
}

// PublishSpec renders the -p value, e.g. 127.0.0.1:4444:4444.
func (s RunSpec) PublishSpec() string {
	if s.HostIP == "" {
		return fmt.Sprintf("%d:%d", s.HostPort, s.ContainerPort)
	}
	return fmt.Sprintf("%s:%d:%d", s.HostIP, s.HostPort, s.ContainerPort)
}

type ManagedContainer struct {
	ID      string
	Name    string
	Running bool
	Labels  map[string]string
}

// OwnerPID returns the pid recorded in the owner label, or 0.
func (m ManagedContainer) OwnerPID() int {
	pid, err := strconv.Atoi(m.Labels[LabelOwnerPID])
	if err != nil {
		return 0
	}
	return pid
}

// OwnerHost returns the hostname recorded in the owner label.
func (m ManagedContainer) OwnerHost() string {
	return m.Labels[LabelOwnerHost]
}

// ContainerName derives the system name of a session container.
func ContainerName(prefix, name, suffix string) string {
	return prefix + "-" + name + "-" + suffix
}

// ManagedLabels returns the label set stamped on every session container.
func ManagedLabels(sessionID string, ownerPID int, ownerHost string) map[string]string {
	return map[string]string{
		LabelManagedBy: ManagedByValue,
		LabelSession:   sessionID,
		LabelOwnerPID:  strconv.Itoa(ownerPID),
		LabelOwnerHost: ownerHost,
	}
}
