package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

var _ Runtime = (*CLIRuntime)(nil)

// commandFunc runs bin with args, feeding stdin when non-nil, and returns
// stdout. Errors carry the trimmed stderr.
type commandFunc func(ctx context.Context, stdin io.Reader, bin string, args ...string) (string, error)

// CLIRuntime drives podman or docker through their command line.
type CLIRuntime struct {
	path   string
	podman bool
	run    commandFunc
	logger *slog.Logger
}

func NewCLIRuntime(path string, logger *slog.Logger) *CLIRuntime {
	return &CLIRuntime{
		path:   path,
		podman: strings.HasPrefix(filepath.Base(path), "podman"),
		run:    commandOutput,
		logger: logger.With("component", "runtime", "runtime", filepath.Base(path)),
	}
}

func (r *CLIRuntime) Name() string {
	return filepath.Base(r.path)
}

func imageExistsArgs(podman bool, image string) []string {
	if podman {
		return []string{"image", "exists", image}
	}
	return []string{"image", "inspect", "--format", "{{.Id}}", image}
}

// buildArgs reads the recipe from stdin; contextDir is an empty scratch
// directory so nothing from the caller's working directory is uploaded.
func buildArgs(image, contextDir string) []string {
	return []string{"build", "-f", "-", "-t", image, contextDir}
}

func runArgs(spec RunSpec) []string {
	args := []string{"run", "-d", "--name", spec.Name, "-p", spec.PublishSpec()}

	keys := make([]string, 0, len(spec.Labels))
	for k := range spec.Labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--label", k+"="+spec.Labels[k])
	}

	args = append(args, spec.Image)
	args = append(args, spec.DriverArgs()...)
	return args
}

func stopArgs(name string, grace time.Duration) []string {
	return []string{"stop", "-t", strconv.Itoa(stopSeconds(grace)), name}
}

func removeArgs(name string) []string {
	return []string{"rm", "-f", name}
}

func listManagedArgs() []string {
	return []string{"ps", "-a", "-q", "--filter", "label=" + LabelManagedBy + "=" + ManagedByValue}
}

const inspectFormat = `{{.Id}}|{{.Name}}|{{.State.Running}}|{{json .Config.Labels}}`

func (r *CLIRuntime) ImageExists(ctx context.Context, image string) (bool, error) {
	_, err := r.run(ctx, nil, r.path, imageExistsArgs(r.podman, image)...)
	if err == nil {
		return true, nil
	}
	// Both tools exit 1 for a missing image; anything else is a runtime fault.
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 && !isDaemonDown(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to inspect image: %w", err)
}

func (r *CLIRuntime) BuildImage(ctx context.Context, image string, recipe io.Reader) error {
	dir, err := os.MkdirTemp("", "embedder-build-*")
	if err != nil {
		return fmt.Errorf("%w: scratch context: %v", ErrBuildFailed, err)
	}
	defer os.RemoveAll(dir)

	r.logger.Info("Building image", "image", image)
	if _, err := r.run(ctx, recipe, r.path, buildArgs(image, dir)...); err != nil {
		return fmt.Errorf("%w: %w", ErrBuildFailed, err)
	}
	r.logger.Info("Image built", "image", image)
	return nil
}

func (r *CLIRuntime) Run(ctx context.Context, spec RunSpec) (string, error) {
	out, err := r.run(ctx, nil, r.path, runArgs(spec)...)
	if err != nil {
		if IsPortConflict(err) {
			return "", fmt.Errorf("%w: %w", ErrPortConflict, err)
		}
		if IsImageNotFound(err) {
			return "", fmt.Errorf("%w: %w", ErrImageNotFound, err)
		}
		return "", fmt.Errorf("%w: %w", ErrContainerStartFailed, err)
	}
	id := strings.TrimSpace(out)
	r.logger.Info("Container started", "name", spec.Name, "container_id", shortID(id), "port", spec.HostPort)
	return id, nil
}

func (r *CLIRuntime) Stop(ctx context.Context, name string, grace time.Duration) error {
	if _, err := r.run(ctx, nil, r.path, stopArgs(name, grace)...); err != nil {
		if isNoSuchContainer(err) {
			return ErrContainerNotFound
		}
		return fmt.Errorf("failed to stop container: %w", err)
	}
	return nil
}

func (r *CLIRuntime) Remove(ctx context.Context, name string) error {
	if _, err := r.run(ctx, nil, r.path, removeArgs(name)...); err != nil {
		if isNoSuchContainer(err) {
			return ErrContainerNotFound
		}
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

func (r *CLIRuntime) IsRunning(ctx context.Context, name string) (bool, error) {
	out, err := r.run(ctx, nil, r.path, "inspect", "--format", "{{.State.Running}}", name)
	if err != nil {
		if isNoSuchContainer(err) {
			return false, nil
		}
		return false, err
	}
	return strings.TrimSpace(out) == "true", nil
}

func (r *CLIRuntime) ListManaged(ctx context.Context) ([]ManagedContainer, error) {
	out, err := r.run(ctx, nil, r.path, listManagedArgs()...)
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	ids := strings.Fields(out)
	if len(ids) == 0 {
		return nil, nil
	}

	args := append([]string{"inspect", "--format", inspectFormat}, ids...)
	out, err = r.run(ctx, nil, r.path, args...)
	if err != nil {
		return nil, fmt.Errorf("inspect containers: %w", err)
	}
	return parseInspectLines(out), nil
}

func parseInspectLines(out string) []ManagedContainer {
	var result []ManagedContainer
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "|", 4)
		if len(parts) != 4 {
			continue
		}
		labels := map[string]string{}
		_ = json.Unmarshal([]byte(parts[3]), &labels)
		result = append(result, ManagedContainer{
			ID:      parts[0],
			Name:    strings.TrimPrefix(parts[1], "/"),
			Running: parts[2] == "true",
			Labels:  labels,
		})
	}
	return result
}

func isNoSuchContainer(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no such container") ||
		strings.Contains(msg, "no container with name or id")
}

func isDaemonDown(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "cannot connect to the docker daemon")
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// commandError keeps the exit error reachable through errors.As.
type commandError struct {
	cmd    string
	stderr string
	err    error
}

func (e *commandError) Error() string {
	if e.stderr == "" {
		return fmt.Sprintf("%s: %v", e.cmd, e.err)
	}
	return fmt.Sprintf("%s: %v: %s", e.cmd, e.err, e.stderr)
}

func (e *commandError) Unwrap() error { return e.err }

func commandOutput(ctx context.Context, stdin io.Reader, bin string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdin = stdin
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", &commandError{
			cmd:    filepath.Base(bin) + " " + strings.Join(args, " "),
			stderr: strings.TrimSpace(stderr.String()),
			err:    err,
		}
	}
	return stdout.String(), nil
}
