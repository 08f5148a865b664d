package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/google/shlex"
	"github.com/google/uuid"
	"github.com/programme-lv/referee/internal/logger"
)

// Executor runs a command inside a container image and returns its stdout.
type Executor interface {
	Execute(ctx context.Context, image string, command string) ([]byte, error)
}

// DigestResolver maps a tag reference to its content digest.
type DigestResolver interface {
	ResolveDigest(ctx context.Context, uri string) (string, error)
}

// docker exits with 125 when the daemon itself fails
const dockerEngineExitCode = 125

// how long a cancelled docker client may hold its output pipes open
const waitDelay = 2 * time.Second

// bound on the docker rm issued when a run is cancelled
const removeTimeout = 10 * time.Second

// ExitError reports a container that ran and exited non-zero, or a docker
// invocation that failed.
type ExitError struct {
	Code   int
	Stderr []byte
}

func (e *ExitError) Error() string {
	stderr := strings.TrimSpace(string(e.Stderr))
	if stderr == "" {
		return fmt.Sprintf("container exited with code %d", e.Code)
	}
	return fmt.Sprintf("container exited with code %d: %s", e.Code, stderr)
}

// Transient reports whether the failure came from the container engine
// rather than the submission.
func (e *ExitError) Transient() bool {
	return e.Code == dockerEngineExitCode
}

type Docker struct {
	bin         string
	constraints Constraints
}

func NewDocker(bin string, constraints Constraints) *Docker {
	if bin == "" {
		bin = "docker"
	}
	return &Docker{bin: bin, constraints: constraints}
}

// runArgs splits command with shell quoting rules, so a quoted argument
// reaches the container as one word.
func (d *Docker) runArgs(name string, image string, command string) ([]string, error) {
	words, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("invalid command %q: %w", command, err)
	}
	args := []string{"run", "--rm", "--name=" + name}
	args = append(args, d.constraints.ToArgs()...)
	args = append(args, image)
	return append(args, words...), nil
}

// Execute runs command in a fresh container. When ctx ends first, the
// container is force-removed before the docker client is killed.
func (d *Docker) Execute(ctx context.Context, image string, command string) ([]byte, error) {
	log := logger.FromContext(ctx)
	name := "referee-" + uuid.NewString()
	args, err := d.runArgs(name, image, command)
	if err != nil {
		return nil, err
	}
	log.Debug("starting container", "image", image, "command", command, "container", name)

	cmd := d.command(ctx, args...)
	cmd.Cancel = func() error {
		d.remove(log, name)
		return cmd.Process.Kill()
	}
	stdout, err := d.wait(ctx, cmd)
	if err != nil {
		return nil, err
	}
	log.Debug("container finished", "image", image, "stdout_bytes", len(stdout))
	return stdout, nil
}

func (d *Docker) remove(log *slog.Logger, name string) {
	ctx, cancel := context.WithTimeout(context.Background(), removeTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, d.bin, "rm", "--force", name).CombinedOutput()
	if err != nil {
		log.Warn("failed to remove cancelled container", "container", name,
			"error", err, "output", strings.TrimSpace(string(out)))
		return
	}
	log.Debug("removed cancelled container", "container", name)
}

// ResolveDigest pulls uri and returns the sha256 digest the registry reports
// for it.
func (d *Docker) ResolveDigest(ctx context.Context, uri string) (string, error) {
	if _, err := d.run(ctx, "pull", "--quiet", uri); err != nil {
		return "", fmt.Errorf("failed to pull %s: %w", uri, err)
	}
	out, err := d.run(ctx, "image", "inspect", "--format", "{{index .RepoDigests 0}}", uri)
	if err != nil {
		return "", fmt.Errorf("failed to inspect %s: %w", uri, err)
	}
	return parseRepoDigest(string(out))
}

// ServerVersion reports the engine version, failing when the daemon is not
// reachable.
func (d *Docker) ServerVersion(ctx context.Context) (string, error) {
	out, err := d.run(ctx, "version", "--format", "{{.Server.Version}}")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func parseRepoDigest(s string) (string, error) {
	s = strings.TrimSpace(s)
	_, digest, found := strings.Cut(s, "@")
	if !found {
		digest = s
	}
	if !strings.HasPrefix(digest, "sha256:") || len(digest) == len("sha256:") {
		return "", fmt.Errorf("unexpected repo digest %q", s)
	}
	return digest, nil
}

func (d *Docker) run(ctx context.Context, args ...string) ([]byte, error) {
	return d.wait(ctx, d.command(ctx, args...))
}

func (d *Docker) command(ctx context.Context, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, d.bin, args...)
	cmd.WaitDelay = waitDelay
	return cmd
}

func (d *Docker) wait(ctx context.Context, cmd *exec.Cmd) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, &ExitError{Code: exitErr.ExitCode(), Stderr: stderr.Bytes()}
		}
		return nil, fmt.Errorf("failed to start %s: %w", d.bin, err)
	}
	return stdout.Bytes(), nil
}
