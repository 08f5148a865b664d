package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDocker installs a shell script standing in for the docker binary.
func fakeDocker(t *testing.T) string {
	t.Helper()
	script := `#!/bin/sh
case "$1" in
run)
	shift 2
	while [ "${1#--}" != "$1" ]; do shift; done
	image="$1"; shift
	case "$1" in
	fail) echo "boom" >&2; exit 3 ;;
	engine) echo "daemon unreachable" >&2; exit 125 ;;
	sleep) exec sleep 5 ;;
	esac
	echo "$image $*"
	;;
rm) echo "rm $*" >> "${FAKE_DOCKER_LOG:-/dev/null}" ;;
pull) exit 0 ;;
version) echo "27.3.1" ;;
image) echo "localhost:5000/mmh42/sampl-test@sha256:0123abcd" ;;
esac
`
	p := filepath.Join(t.TempDir(), "docker")
	require.NoError(t, os.WriteFile(p, []byte(script), 0755))
	return p
}

func TestDocker_ExecuteSplitsCommand(t *testing.T) {
	d := NewDocker(fakeDocker(t), DefaultConstraints())
	out, err := d.Execute(context.Background(), "img:1", "score  CC")
	require.NoError(t, err)
	assert.Equal(t, "img:1 score CC\n", string(out))
}

func TestRunArgs_QuotedWordsStayTogether(t *testing.T) {
	d := NewDocker("docker", Constraints{})
	args, err := d.runArgs("referee-1", "img:1", `score --name "a b" 'C C'`)
	require.NoError(t, err)
	assert.Equal(t, []string{"run", "--rm", "--name=referee-1", "img:1", "score", "--name", "a b", "C C"}, args)

	_, err = d.runArgs("referee-1", "img:1", `score "unterminated`)
	require.Error(t, err)
}

func TestDocker_ExecuteNonZeroExit(t *testing.T) {
	d := NewDocker(fakeDocker(t), Constraints{})
	_, err := d.Execute(context.Background(), "img:1", "fail")

	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 3, exitErr.Code)
	assert.Contains(t, exitErr.Error(), "boom")
	assert.False(t, exitErr.Transient())
}

func TestDocker_EngineFailureIsTransient(t *testing.T) {
	d := NewDocker(fakeDocker(t), Constraints{})
	_, err := d.Execute(context.Background(), "img:1", "engine")

	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.True(t, exitErr.Transient())
}

func TestDocker_ExecuteHonorsContext(t *testing.T) {
	d := NewDocker(fakeDocker(t), Constraints{})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := d.Execute(ctx, "img:1", "sleep")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDocker_CancelRemovesContainer(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "calls")
	t.Setenv("FAKE_DOCKER_LOG", logPath)
	d := NewDocker(fakeDocker(t), Constraints{})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := d.Execute(ctx, "img:1", "sleep")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	calls, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Regexp(t, `^rm --force referee-[0-9a-f-]{36}\n$`, string(calls))
}

func TestDocker_FinishedRunIssuesNoRemove(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "calls")
	t.Setenv("FAKE_DOCKER_LOG", logPath)
	d := NewDocker(fakeDocker(t), Constraints{})

	_, err := d.Execute(context.Background(), "img:1", "score C")
	require.NoError(t, err)
	assert.NoFileExists(t, logPath)
}

func TestDocker_ResolveDigest(t *testing.T) {
	d := NewDocker(fakeDocker(t), Constraints{})
	digest, err := d.ResolveDigest(context.Background(), "localhost:5000/mmh42/sampl-test:0.1")
	require.NoError(t, err)
	assert.Equal(t, "sha256:0123abcd", digest)
}

func TestDocker_ServerVersion(t *testing.T) {
	d := NewDocker(fakeDocker(t), Constraints{})
	v, err := d.ServerVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "27.3.1", v)

	_, err = NewDocker(filepath.Join(t.TempDir(), "missing"), Constraints{}).ServerVersion(context.Background())
	require.Error(t, err)
}

func TestParseRepoDigest(t *testing.T) {
	_, err := parseRepoDigest("")
	require.Error(t, err)
	_, err = parseRepoDigest("repo@md5:xx")
	require.Error(t, err)

	d, err := parseRepoDigest("sha256:ff\n")
	require.NoError(t, err)
	assert.Equal(t, "sha256:ff", d)
}

func TestConstraints_ToArgs(t *testing.T) {
	c := DefaultConstraints()
	c.Network = "none"
	assert.Equal(t, []string{"--memory=2048000k", "--cpus=1", "--pids-limit=128", "--network=none"}, c.ToArgs())
	assert.Empty(t, (&Constraints{}).ToArgs())
}
