package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fentz26/warden/internal/connectors"
	"github.com/fentz26/warden/internal/models"
	"go.uber.org/zap"
)

// externalStubFormat is the output of StubExternal.
const externalStubFormat = "external service %s call recorded (no network call performed)"

// processedExternally is the output for intents applied by the execution engine.
const processedExternally = "approved, will be processed externally"

// ExternalHandler performs third-party service calls.
type ExternalHandler interface {
	Call(ctx context.Context, svc *models.ExternalService) (string, error)
}

// StubExternal records the call without touching the network.
type StubExternal struct{}

// Call implements ExternalHandler.
func (StubExternal) Call(_ context.Context, svc *models.ExternalService) (string, error) {
	return fmt.Sprintf(externalStubFormat, svc.Service), nil
}

// modifiedIntent returns a copy of the intent with the validation
// modifications applied, or the original when there are none.
func modifiedIntent(rc *Context) (*models.Intent, error) {
	if rc.Validation == nil || len(rc.Validation.Modifications) == 0 {
		return rc.Intent, nil
	}
	in, err := rc.Intent.WithModifications(rc.Validation.Modifications)
	if err != nil {
		return nil, fmt.Errorf("apply modifications: %w", err)
	}
	return in, nil
}

func (r *Router) handleFileOperation(_ context.Context, rc *Context) *models.ExecutionResult {
	in, err := modifiedIntent(rc)
	if err != nil {
		return failed(rc.Intent, err.Error())
	}
	if in.File == nil {
		return failed(in, "file operation payload missing")
	}
	affected := []string{in.File.Target.Path}
	if in.File.Target.NewPath != "" {
		affected = append(affected, in.File.Target.NewPath)
	}
	return &models.ExecutionResult{
		Success:       true,
		Intent:        in,
		Output:        processedExternally,
		AffectedFiles: affected,
	}
}

func (r *Router) handleCodeGeneration(_ context.Context, rc *Context) *models.ExecutionResult {
	in, err := modifiedIntent(rc)
	if err != nil {
		return failed(rc.Intent, err.Error())
	}
	if in.CodeGen == nil {
		return failed(in, "code generation payload missing")
	}
	return &models.ExecutionResult{
		Success:       true,
		Intent:        in,
		Output:        processedExternally,
		AffectedFiles: []string{in.CodeGen.Target.FilePath},
	}
}

func (r *Router) handleTerminalCommand(ctx context.Context, rc *Context) *models.ExecutionResult {
	in, err := modifiedIntent(rc)
	if err != nil {
		return failed(rc.Intent, err.Error())
	}
	cmd := in.Terminal
	if cmd == nil {
		return failed(in, "terminal command payload missing")
	}
	if r.terminal == nil {
		return failed(in, "no terminal configured")
	}
	for _, g := range cmd.Validation.RestrictedPaths {
		if ok, _ := doublestar.Match(g, cmd.WorkingDir); ok {
			return failed(in, fmt.Sprintf("working directory %s is restricted by %s", cmd.WorkingDir, g))
		}
	}

	timeout := r.config.CommandTimeout
	if cmd.TimeoutMS > 0 {
		timeout = time.Duration(cmd.TimeoutMS) * time.Millisecond
	}

	env := cmd.Environment
	if len(rc.Environment) > 0 {
		env = make(map[string]string, len(rc.Environment)+len(cmd.Environment))
		for k, v := range rc.Environment {
			env[k] = v
		}
		for k, v := range cmd.Environment {
			env[k] = v
		}
	}

	sess, err := r.terminal.Spawn(ctx, in.ID, cmd.WorkingDir, env)
	if err != nil {
		return failed(in, err.Error())
	}

	type waited struct {
		res *connectors.ExecResult
		err error
	}
	if err := sess.Send(cmd.Command); err != nil {
		_ = r.terminal.Kill(in.ID)
		_, _ = sess.Wait()
		return failed(in, err.Error())
	}
	done := make(chan waited, 1)
	go func() {
		res, err := sess.Wait()
		done <- waited{res, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var w waited
	select {
	case w = <-done:
	case <-timer.C:
		r.kill(in.ID)
		<-done
		return failed(in, fmt.Sprintf("command timed out after %s", timeout))
	case <-ctx.Done():
		r.kill(in.ID)
		<-done
		return failed(in, ctx.Err().Error())
	}

	if w.err != nil {
		return failed(in, w.err.Error())
	}
	res := &models.ExecutionResult{
		Success:     w.res.ExitCode == 0,
		Intent:      in,
		Output:      w.res.Stdout,
		SideEffects: []string{"executed: " + cmd.Command},
	}
	if !res.Success {
		res.Error = fmt.Sprintf("exit code %d", w.res.ExitCode)
		if stderr := strings.TrimSpace(w.res.Stderr); stderr != "" {
			res.Error += ": " + stderr
		}
	}
	return res
}

func (r *Router) kill(id string) {
	if err := r.terminal.Kill(id); err != nil && !errors.Is(err, connectors.ErrUnknownSession) {
		r.logger.Warn("kill session failed", zap.String("session", id), zap.Error(err))
	}
}

func (r *Router) handleExternalService(ctx context.Context, rc *Context) *models.ExecutionResult {
	in, err := modifiedIntent(rc)
	if err != nil {
		return failed(rc.Intent, err.Error())
	}
	if in.External == nil {
		return failed(in, "external service payload missing")
	}
	out, err := r.external.Call(ctx, in.External)
	if err != nil {
		return failed(in, err.Error())
	}
	return &models.ExecutionResult{
		Success:     true,
		Intent:      in,
		Output:      out,
		SideEffects: []string{"external: " + in.External.Service},
	}
}

func (r *Router) handleProjectScaffold(ctx context.Context, rc *Context) *models.ExecutionResult {
	in, err := modifiedIntent(rc)
	if err != nil {
		return failed(rc.Intent, err.Error())
	}
	sc := in.Scaffold
	if sc == nil {
		return failed(in, "scaffold payload missing")
	}
	if r.fs == nil {
		return failed(in, "no file system configured")
	}

	total := len(sc.Directories) + len(sc.Files)
	var created []string
	var errs []string
	for _, dir := range sc.Directories {
		if err := r.fs.MkdirAll(ctx, dir); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", dir, err))
			continue
		}
		created = append(created, dir)
	}
	for _, f := range sc.Files {
		if err := r.fs.CreateFile(ctx, f.Path, []byte(f.Content)); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", f.Path, err))
			continue
		}
		created = append(created, f.Path)
	}

	return &models.ExecutionResult{
		Success:       len(errs) == 0,
		Intent:        in,
		Output:        fmt.Sprintf("created %d of %d entries", len(created), total),
		Error:         strings.Join(errs, "; "),
		AffectedFiles: created,
	}
}
