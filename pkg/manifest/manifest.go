// Package manifest runs the initial manifest and type manifests.
//
// A manifest never talks to the engine directly: it declares objects by
// calling the emulator links in PATH, which write into the object store.
// The runner only supplies the environment and captures the output.
package manifest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/openfroyo/converge/pkg/core"
	"github.com/openfroyo/converge/pkg/emulator"
	"github.com/openfroyo/converge/pkg/exec/local"
	"github.com/openfroyo/converge/pkg/telemetry"
)

// NoInitialManifestError reports an initial manifest that cannot be read.
// A default path is not shown, it points into the run's temporary tree.
type NoInitialManifestError struct {
	Path         string
	UserSupplied bool
}

func (e *NoInitialManifestError) Error() string {
	const header = "Initial manifest missing"
	if !e.UserSupplied {
		return header
	}
	if fi, err := os.Lstat(e.Path); err == nil && fi.Mode()&os.ModeSymlink != 0 {
		if real, err := filepath.EvalSymlinks(e.Path); err == nil {
			return fmt.Sprintf("%s: %s -> %s", header, e.Path, real)
		}
		if target, err := os.Readlink(e.Path); err == nil {
			return fmt.Sprintf("%s: %s -> %s", header, e.Path, target)
		}
	}
	return fmt.Sprintf("%s: %s", header, e.Path)
}

// Runner executes manifests for one target host.
type Runner struct {
	Local  *local.Local
	DryRun bool
}

// New returns a manifest runner working in l.
func New(l *local.Local, dryRun bool) *Runner {
	return &Runner{Local: l, DryRun: dryRun}
}

func (r *Runner) log() *telemetry.Logger {
	return telemetry.ForHost(r.Local.Target.Host).NewComponentLogger("manifest")
}

// Env returns the variables shared by every manifest.
func (r *Runner) Env() map[string]string {
	return r.Local.ScriptEnv(telemetry.ForHost(r.Local.Target.Host), r.DryRun)
}

// InitialManifestEnv returns the environment of the initial manifest.
func (r *Runner) InitialManifestEnv(path string) map[string]string {
	env := r.Env()
	env["__cdist_manifest"] = path
	env["__manifest"] = r.Local.ManifestPath()
	env["__explorer"] = r.Local.GlobalExplorerOutPath()
	return env
}

// TypeManifestEnv returns the environment of script, a manifest of obj.
func (r *Runner) TypeManifestEnv(obj *core.Object, script string) map[string]string {
	env := r.Env()
	for k, v := range obj.Env() {
		env[k] = v
	}
	env["__cdist_manifest"] = script
	env["__manifest"] = r.Local.ManifestPath()
	return env
}

// RunInitialManifest runs the manifest at path, or the default initial
// manifest of the configuration if path is empty. Output goes to
// stdout/init and stderr/init below the output root.
func (r *Runner) RunInitialManifest(ctx context.Context, path string) error {
	userSupplied := path != ""
	if !userSupplied {
		path = r.Local.InitialManifest()
	}

	f, err := os.Open(path)
	if err != nil {
		return &NoInitialManifestError{Path: path, UserSupplied: userSupplied}
	}
	f.Close()

	r.log().Verbosef("Running initial manifest %s", path)
	defer r.cleanup()
	_, err = r.Local.RunScript(ctx, path, local.RunOptions{
		Env:        r.InitialManifestEnv(path),
		StdoutPath: filepath.Join(r.Local.StdoutBasePath(), string(core.PhaseInit)),
		StderrPath: filepath.Join(r.Local.StderrBasePath(), string(core.PhaseInit)),
	})
	return err
}

// RunTypeManifest runs the manifests of obj's type in order. A type
// without a manifest is not an error.
func (r *Runner) RunTypeManifest(ctx context.Context, obj *core.Object) error {
	scripts, err := obj.Type.ManifestScripts()
	if err != nil {
		return err
	}

	if len(scripts) > 0 {
		defer r.cleanup()
	}
	for _, script := range scripts {
		r.log().WithObject(obj.Name()).Verbosef("Running type manifest %s", script)
		_, err := r.Local.RunScript(ctx, script, local.RunOptions{
			Env:        r.TypeManifestEnv(obj, script),
			StdoutPath: obj.StdoutPath(core.PhaseManifest),
			StderrPath: obj.StderrPath(core.PhaseManifest),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// cleanup ends the order dependency chain the emulator kept for the
// manifest that just ran.
func (r *Runner) cleanup() {
	for _, name := range []string{emulator.OrderDepStateName, emulator.TypeOrderDepName} {
		path := filepath.Join(r.Local.BasePath, name)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			r.log().WithError(err).Warnf("Cannot remove %s", path)
		}
	}
}
