// Package localexec runs shell sessions on the local machine.
package localexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fentz26/warden/internal/connectors"
)

// VirtualRoot is the path prefix intents use for the workspace root.
const VirtualRoot = "/workspace"

const waitDelay = time.Second

// shellMeta are characters that let one line run more than the command
// the allowlist checked: separators, pipes, substitution, redirection and
// subshells.
const shellMeta = ";&|`$<>()\\\n\r"

// LocalExec implements connectors.Terminal with sh sessions.
type LocalExec struct {
	workDir string
	shell   string
	allow   map[string][]string

	mu       sync.Mutex
	sessions map[string]*session
}

// New creates a LocalExec rooted at workDir. A nil allowlist permits every
// command; otherwise the first word must be listed, if its entry names
// subcommands the second word must be one of them, and the line may not
// contain shell metacharacters.
func New(workDir string, allow map[string][]string) *LocalExec {
	return &LocalExec{
		workDir:  workDir,
		shell:    "sh",
		allow:    allow,
		sessions: make(map[string]*session),
	}
}

// ParseAllowlist turns entries like "go test" or "npm" into an allowlist.
func ParseAllowlist(entries []string) map[string][]string {
	if len(entries) == 0 {
		return nil
	}
	allow := make(map[string][]string)
	for _, e := range entries {
		fields := strings.Fields(e)
		if len(fields) == 0 {
			continue
		}
		if _, ok := allow[fields[0]]; !ok {
			allow[fields[0]] = nil
		}
		if len(fields) > 1 {
			allow[fields[0]] = append(allow[fields[0]], fields[1])
		}
	}
	return allow
}

// Name returns the connector identifier.
func (l *LocalExec) Name() string {
	return "localexec"
}

// IsAllowed checks the command line against the allowlist.
func (l *LocalExec) IsAllowed(command string) bool {
	if l.allow == nil {
		return true
	}
	if strings.ContainsAny(command, shellMeta) {
		return false
	}
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return false
	}
	subcmds, ok := l.allow[fields[0]]
	if !ok {
		return false
	}
	if len(subcmds) == 0 {
		return true
	}
	if len(fields) < 2 {
		return false
	}
	for _, allowed := range subcmds {
		if fields[1] == allowed {
			return true
		}
	}
	return false
}

// ResolveDir maps an intent working directory onto the local filesystem.
func (l *LocalExec) ResolveDir(cwd string) string {
	switch {
	case cwd == "":
		return l.workDir
	case cwd == VirtualRoot:
		return l.workDir
	case strings.HasPrefix(cwd, VirtualRoot+"/"):
		return filepath.Join(l.workDir, strings.TrimPrefix(cwd, VirtualRoot+"/"))
	case filepath.IsAbs(cwd):
		return cwd
	}
	return filepath.Join(l.workDir, cwd)
}

// Spawn starts a shell session.
func (l *LocalExec) Spawn(ctx context.Context, id, cwd string, env map[string]string) (connectors.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.sessions[id]; ok {
		return nil, fmt.Errorf("spawn %s: %w", id, connectors.ErrSessionExists)
	}

	cmd := exec.CommandContext(ctx, l.shell)
	// Children of a killed shell may hold the output pipes open.
	cmd.WaitDelay = waitDelay
	if dir := l.ResolveDir(cwd); dir != "" {
		cmd.Dir = dir
	}
	if len(env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	s := &session{id: id, owner: l, cmd: cmd, stdin: stdin}
	cmd.Stdout = &s.stdout
	cmd.Stderr = &s.stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start shell: %w", err)
	}
	s.started = time.Now()
	l.sessions[id] = s
	return s, nil
}

// Kill terminates the session's shell.
func (l *LocalExec) Kill(id string) error {
	l.mu.Lock()
	s, ok := l.sessions[id]
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("kill %s: %w", id, connectors.ErrUnknownSession)
	}
	if err := s.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill %s: %w", id, err)
	}
	return nil
}

// Live returns the number of running sessions.
func (l *LocalExec) Live() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sessions)
}

func (l *LocalExec) forget(id string) {
	l.mu.Lock()
	delete(l.sessions, id)
	l.mu.Unlock()
}

type session struct {
	id      string
	owner   *LocalExec
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	started time.Time

	mu     sync.Mutex
	sent   []string
	stdout bytes.Buffer
	stderr bytes.Buffer
}

func (s *session) ID() string { return s.id }

func (s *session) Send(text string) error {
	if !s.owner.IsAllowed(text) {
		return fmt.Errorf("command not allowed: %s", text)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := io.WriteString(s.stdin, text+"\n"); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	s.sent = append(s.sent, text)
	return nil
}

func (s *session) Wait() (*connectors.ExecResult, error) {
	defer s.owner.forget(s.id)

	s.mu.Lock()
	_ = s.stdin.Close()
	command := strings.Join(s.sent, "; ")
	s.mu.Unlock()

	err := s.cmd.Wait()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("exec error: %w", err)
		}
		exitCode = exitErr.ExitCode()
	}

	return &connectors.ExecResult{
		Command:  command,
		ExitCode: exitCode,
		Stdout:   s.stdout.String(),
		Stderr:   s.stderr.String(),
		Duration: time.Since(s.started),
	}, nil
}
