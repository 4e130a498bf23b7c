// Package explorer gathers facts from the target host.
//
// Global explorers are shipped once per run and their results land in
// <out>/explorer/<name>, visible to manifests as $__explorer. Type
// explorers run once per object, before its manifest, and write to
// <object>/explorer/<name>.
package explorer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/openfroyo/converge/pkg/core"
	"github.com/openfroyo/converge/pkg/exec/local"
	"github.com/openfroyo/converge/pkg/exec/remote"
	"github.com/openfroyo/converge/pkg/telemetry"
)

// Explorer runs global and type explorers on the target.
type Explorer struct {
	Local  *local.Local
	Remote *remote.Remote

	mu          sync.Mutex
	transferred map[string]bool
}

// New returns an Explorer working with l and r.
func New(l *local.Local, r *remote.Remote) *Explorer {
	return &Explorer{Local: l, Remote: r, transferred: make(map[string]bool)}
}

func (e *Explorer) log() *telemetry.Logger {
	return telemetry.ForHost(e.Local.Target.Host).NewComponentLogger("explorer")
}

func (e *Explorer) env() map[string]string {
	env := e.Local.Target.Env()
	env["__explorer"] = e.Remote.GlobalExplorerPath()
	return env
}

// ListGlobalExplorers returns the sorted names of the global explorers.
func (e *Explorer) ListGlobalExplorers() ([]string, error) {
	entries, err := os.ReadDir(e.Local.GlobalExplorerPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, entry := range entries {
		fi, err := os.Stat(filepath.Join(e.Local.GlobalExplorerPath(), entry.Name()))
		if err == nil && fi.Mode().IsRegular() {
			names = append(names, entry.Name())
		}
	}
	return names, nil
}

// RunGlobalExplorers transfers the global explorers and stores the
// output of each one in the local explorer directory.
func (e *Explorer) RunGlobalExplorers(ctx context.Context) error {
	names, err := e.ListGlobalExplorers()
	if err != nil || len(names) == 0 {
		return err
	}

	e.log().Verbose("Running global explorers")
	if err := e.Remote.Transfer(ctx, e.Local.GlobalExplorerPath(), e.Remote.GlobalExplorerPath(), remote.NoUmask); err != nil {
		return fmt.Errorf("transfer global explorers: %w", err)
	}

	if err := os.MkdirAll(e.Local.GlobalExplorerOutPath(), 0755); err != nil {
		return err
	}
	for _, name := range names {
		e.log().Tracef("Running global explorer %s", name)
		out, err := e.Remote.RunScript(ctx, filepath.Join(e.Remote.GlobalExplorerPath(), name), remote.RunOptions{
			Env:          e.env(),
			ReturnOutput: true,
		})
		if err != nil {
			return fmt.Errorf("global explorer %s: %w", name, err)
		}
		if err := os.WriteFile(filepath.Join(e.Local.GlobalExplorerOutPath(), name), []byte(out), 0644); err != nil {
			return err
		}
	}
	return nil
}

// remoteTypeExplorerPath is the explorer directory of t on the target.
func (e *Explorer) remoteTypeExplorerPath(t *core.Type) string {
	return filepath.Join(e.Remote.TypePath(), t.Name, "explorer")
}

// TransferTypeExplorers copies the explorers of t to the target once per
// run.
func (e *Explorer) TransferTypeExplorers(ctx context.Context, t *core.Type) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.transferred[t.Name] {
		return nil
	}

	dest := e.remoteTypeExplorerPath(t)
	if err := e.Remote.Mkdir(ctx, filepath.Dir(dest), remote.NoUmask); err != nil {
		return err
	}
	if err := e.Remote.Transfer(ctx, t.ExplorerPath(), dest, remote.NoUmask); err != nil {
		return fmt.Errorf("transfer explorers of %s: %w", t.Name, err)
	}
	e.transferred[t.Name] = true
	return nil
}

// PrepareObject creates the remote directories of obj and its type and
// copies the parameters of obj, so explorers and remote code can read
// them from $__object/parameter and find $__type.
func (e *Explorer) PrepareObject(ctx context.Context, obj *core.Object) (string, error) {
	remoteObject := filepath.Join(e.Remote.ObjectPath(), obj.RelativePath())
	for _, dir := range []string{remoteObject, filepath.Join(e.Remote.TypePath(), obj.Type.Name)} {
		if err := e.Remote.Mkdir(ctx, dir, remote.NoUmask); err != nil {
			return "", err
		}
	}
	params, err := obj.Parameters()
	if err != nil || len(params) == 0 {
		return remoteObject, err
	}
	dest := filepath.Join(remoteObject, "parameter")
	return remoteObject, e.Remote.Transfer(ctx, obj.ParameterPath(), dest, remote.NoUmask)
}

// RunTypeExplorers prepares obj on the target, then runs every explorer
// of its type and stores the results in the object. The preparation
// happens for types without explorers too.
func (e *Explorer) RunTypeExplorers(ctx context.Context, obj *core.Object) error {
	remoteObject, err := e.PrepareObject(ctx, obj)
	if err != nil {
		return err
	}
	names, err := obj.Type.Explorers()
	if err != nil || len(names) == 0 {
		return err
	}
	if err := e.TransferTypeExplorers(ctx, obj.Type); err != nil {
		return err
	}

	env := e.env()
	env["__object"] = remoteObject
	env["__object_id"] = obj.ID
	env["__object_name"] = obj.Name()
	env["__type_explorer"] = e.remoteTypeExplorerPath(obj.Type)

	if err := os.MkdirAll(obj.ExplorerPath(), 0755); err != nil {
		return err
	}
	for _, name := range names {
		e.log().WithObject(obj.Name()).Tracef("Running type explorer %s", name)
		out, err := e.Remote.RunScript(ctx, filepath.Join(e.remoteTypeExplorerPath(obj.Type), name), remote.RunOptions{
			Env:          env,
			ReturnOutput: true,
		})
		if err != nil {
			return fmt.Errorf("type explorer %s: %w", name, err)
		}
		if err := os.WriteFile(filepath.Join(obj.ExplorerPath(), name), []byte(out), 0644); err != nil {
			return err
		}
	}
	return nil
}
