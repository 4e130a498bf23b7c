// Package code generates and runs the local and remote code of objects.
//
// The pipeline of one object is fixed:
//
//	gencode-local -> gencode-remote -> transfer -> code-local -> code-remote
//
// Generators run locally and print the code to standard output. Empty code
// is never transferred or run. A dry run stops after generation.
package code

import (
	"context"
	"path/filepath"

	"github.com/openfroyo/converge/pkg/core"
	"github.com/openfroyo/converge/pkg/exec/local"
	"github.com/openfroyo/converge/pkg/exec/remote"
	"github.com/openfroyo/converge/pkg/telemetry"
)

// Code runs the code pipeline of objects for one target host.
type Code struct {
	Local  *local.Local
	Remote *remote.Remote
	DryRun bool
}

// New returns a Code working with l and r.
func New(l *local.Local, r *remote.Remote, dryRun bool) *Code {
	return &Code{Local: l, Remote: r, DryRun: dryRun}
}

func (c *Code) log() *telemetry.Logger {
	return telemetry.ForHost(c.Local.Target.Host).NewComponentLogger("code")
}

// Env returns the environment of obj's generators and local code.
func (c *Code) Env(obj *core.Object) map[string]string {
	env := c.Local.ScriptEnv(telemetry.ForHost(c.Local.Target.Host), c.DryRun)
	for k, v := range obj.Env() {
		env[k] = v
	}
	return env
}

// RemoteEnv returns the environment of obj's remote code. Paths point
// into the remote working directory.
func (c *Code) RemoteEnv(obj *core.Object) map[string]string {
	env := c.Local.Target.Env()
	env["__object"] = filepath.Join(c.Remote.ObjectPath(), obj.RelativePath())
	env["__object_id"] = obj.ID
	env["__object_name"] = obj.Name()
	env["__type"] = filepath.Join(c.Remote.TypePath(), obj.Type.Name)
	return env
}

// RemoteCodePath is where the remote code of obj lives on the target.
func (c *Code) RemoteCodePath(obj *core.Object) string {
	return filepath.Join(c.Remote.ObjectPath(), obj.RelativePath(), "code-remote")
}

func (c *Code) runGencode(ctx context.Context, obj *core.Object, phase core.Phase, script string) (string, error) {
	if script == "" {
		return "", nil
	}
	c.log().WithObject(obj.Name()).Debugf("Running %s %s", phase, script)
	return c.Local.RunScript(ctx, script, local.RunOptions{
		Env:          c.Env(obj),
		StderrPath:   obj.StderrPath(phase),
		ReturnOutput: true,
	})
}

// RunGencodeLocal runs the local code generator of obj's type and returns
// the generated code. A type without generator yields no code.
func (c *Code) RunGencodeLocal(ctx context.Context, obj *core.Object) (string, error) {
	return c.runGencode(ctx, obj, core.PhaseGencodeLocal, obj.Type.GencodeLocalPath())
}

// RunGencodeRemote runs the remote code generator of obj's type and
// returns the generated code.
func (c *Code) RunGencodeRemote(ctx context.Context, obj *core.Object) (string, error) {
	return c.runGencode(ctx, obj, core.PhaseGencodeRemote, obj.Type.GencodeRemotePath())
}

// TransferCodeRemote copies the stored remote code of obj to the target.
// Nothing is transferred if there is no remote code.
func (c *Code) TransferCodeRemote(ctx context.Context, obj *core.Object) error {
	code, err := obj.CodeRemote()
	if err != nil || code == "" {
		return err
	}
	dest := c.RemoteCodePath(obj)
	if err := c.Remote.Mkdir(ctx, filepath.Dir(dest), remote.NoUmask); err != nil {
		return err
	}
	return c.Remote.Transfer(ctx, obj.CodeRemotePath(), dest, remote.NoUmask)
}

// RunCodeLocal runs the stored local code of obj, if any.
func (c *Code) RunCodeLocal(ctx context.Context, obj *core.Object) error {
	code, err := obj.CodeLocal()
	if err != nil || code == "" {
		return err
	}
	c.log().WithObject(obj.Name()).Debug("Running code-local")
	_, err = c.Local.RunScript(ctx, obj.CodeLocalPath(), local.RunOptions{
		Env:        c.Env(obj),
		StdoutPath: obj.StdoutPath(core.PhaseCodeLocal),
		StderrPath: obj.StderrPath(core.PhaseCodeLocal),
	})
	return err
}

// RunCodeRemote runs the transferred remote code of obj, if any.
func (c *Code) RunCodeRemote(ctx context.Context, obj *core.Object) error {
	code, err := obj.CodeRemote()
	if err != nil || code == "" {
		return err
	}
	c.log().WithObject(obj.Name()).Debug("Running code-remote")
	_, err = c.Remote.RunScript(ctx, c.RemoteCodePath(obj), remote.RunOptions{
		Env:        c.RemoteEnv(obj),
		StdoutPath: obj.StdoutPath(core.PhaseCodeRemote),
		StderrPath: obj.StderrPath(core.PhaseCodeRemote),
	})
	return err
}

// Step is one phase of the pipeline.
type Step struct {
	Phase core.Phase
	Run   func(ctx context.Context) error
}

// Steps returns the pipeline of obj in execution order. Generated code is
// stored in the object so later steps and later runs can see it.
func (c *Code) Steps(obj *core.Object) []Step {
	steps := []Step{
		{core.PhaseGencodeLocal, func(ctx context.Context) error {
			code, err := c.RunGencodeLocal(ctx, obj)
			if err != nil {
				return err
			}
			return obj.SetCodeLocal(code)
		}},
		{core.PhaseGencodeRemote, func(ctx context.Context) error {
			code, err := c.RunGencodeRemote(ctx, obj)
			if err != nil {
				return err
			}
			return obj.SetCodeRemote(code)
		}},
	}
	if c.DryRun {
		return steps
	}
	return append(steps,
		Step{core.PhaseTransfer, func(ctx context.Context) error { return c.TransferCodeRemote(ctx, obj) }},
		Step{core.PhaseCodeLocal, func(ctx context.Context) error { return c.RunCodeLocal(ctx, obj) }},
		Step{core.PhaseCodeRemote, func(ctx context.Context) error { return c.RunCodeRemote(ctx, obj) }},
	)
}

// Run executes every step of obj's pipeline in order and stops at the
// first failure.
func (c *Code) Run(ctx context.Context, obj *core.Object) error {
	for _, step := range c.Steps(obj) {
		if err := step.Run(ctx); err != nil {
			return &PhaseError{Phase: step.Phase, Err: err}
		}
	}
	return nil
}

// PhaseError records the pipeline step that failed.
type PhaseError struct {
	Phase core.Phase
	Err   error
}

func (e *PhaseError) Error() string {
	return string(e.Phase) + ": " + e.Err.Error()
}

func (e *PhaseError) Unwrap() error { return e.Err }
