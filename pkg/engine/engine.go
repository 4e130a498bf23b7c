package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/converge/pkg/archive"
	"github.com/openfroyo/converge/pkg/code"
	"github.com/openfroyo/converge/pkg/core"
	"github.com/openfroyo/converge/pkg/exec/local"
	"github.com/openfroyo/converge/pkg/exec/remote"
	"github.com/openfroyo/converge/pkg/explorer"
	"github.com/openfroyo/converge/pkg/manifest"
	"github.com/openfroyo/converge/pkg/telemetry"
)

// DefaultRemoteExec reaches the target when no transport is given.
const DefaultRemoteExec = "ssh -o User=root"

// PhaseResolve labels failures found while resolving requirements.
const PhaseResolve core.Phase = "resolve"

// Options configures one run against one target host. Options hold no
// process-local state and are what a Snapshot persists.
type Options struct {
	Target core.TargetHost `json:"target"`

	// OutPath is the local output root. A temporary directory is created
	// when it is empty.
	OutPath string `json:"out_path"`

	// ConfDirs are merged into the configuration of the run.
	ConfDirs []string `json:"conf_dirs"`

	// InitialManifest overrides the initial manifest of the configuration.
	InitialManifest string `json:"initial_manifest,omitempty"`

	// ObjectMarker is generated when empty.
	ObjectMarker string `json:"object_marker,omitempty"`

	// ExecPath is the emulator binary. Defaults to the running executable.
	ExecPath string `json:"exec_path,omitempty"`

	LocalShell    string `json:"local_shell,omitempty"`
	RemoteShell   string `json:"remote_shell,omitempty"`
	RemoteExec    string `json:"remote_exec,omitempty"`
	RemoteOutPath string `json:"remote_out_path,omitempty"`

	// Archiving is an archive mode name, "tar" when empty.
	Archiving string `json:"archiving,omitempty"`

	DryRun            bool `json:"dry_run,omitempty"`
	SaveOutputStreams bool `json:"save_output_streams"`

	// RunID identifies the run in events and the journal. Generated when
	// empty.
	RunID string `json:"run_id,omitempty"`
}

// DefaultOptions returns options for target with output streams kept.
func DefaultOptions(target core.TargetHost) Options {
	return Options{Target: target, SaveOutputStreams: true}
}

// Engine converges one target host.
type Engine struct {
	Local     *local.Local
	Remote    *remote.Remote
	Store     *core.Store
	Manifest  *manifest.Runner
	Code      *code.Code
	Explorer  *explorer.Explorer
	Telemetry *telemetry.Telemetry

	// RunID identifies this run.
	RunID string

	// Sweeps counts the sweeps made so far.
	Sweeps int

	opts  Options
	known map[string]bool
}

// New builds an engine from opts. A nil transport reaches the target
// through opts.RemoteExec, a nil tel disables metrics, tracing and events.
func New(opts Options, transport remote.Transport, tel *telemetry.Telemetry) (*Engine, error) {
	if tel == nil {
		tel = telemetry.Noop()
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	if opts.OutPath == "" {
		dir, err := os.MkdirTemp("", "converge-")
		if err != nil {
			return nil, fmt.Errorf("create output directory: %w", err)
		}
		opts.OutPath = dir
	}

	mode := archive.Tar
	if opts.Archiving != "" {
		m, err := archive.ParseMode(opts.Archiving)
		if err != nil {
			return nil, err
		}
		mode = m
	}

	if transport == nil {
		remoteExec := opts.RemoteExec
		if remoteExec == "" {
			remoteExec = DefaultRemoteExec
		}
		t, err := remote.NewCommandTransport(remoteExec, opts.Target)
		if err != nil {
			return nil, err
		}
		transport = t
	}

	l := local.New(opts.Target, opts.OutPath, opts.ConfDirs)
	l.ExecPath = opts.ExecPath
	l.SaveOutputStreams = opts.SaveOutputStreams
	if opts.LocalShell != "" {
		l.Shell = opts.LocalShell
	}
	if opts.ObjectMarker != "" {
		l.ObjectMarker = opts.ObjectMarker
	}
	opts.ObjectMarker = l.ObjectMarker

	r := remote.New(opts.Target, transport)
	r.Archiving = mode
	r.StdoutBasePath = l.StdoutBasePath()
	r.StderrBasePath = l.StderrBasePath()
	r.Metrics = tel.Metrics
	if opts.RemoteOutPath != "" {
		r.BasePath = opts.RemoteOutPath
	}
	if opts.RemoteShell != "" {
		r.Shell = opts.RemoteShell
	}

	return &Engine{
		Local:     l,
		Remote:    r,
		Store:     l.NewStore(),
		Manifest:  manifest.New(l, opts.DryRun),
		Code:      code.New(l, r, opts.DryRun),
		Explorer:  explorer.New(l, r),
		Telemetry: tel,
		RunID:     opts.RunID,
		opts:      opts,
		known:     make(map[string]bool),
	}, nil
}

// Options returns the options the engine was built with, with generated
// values filled in.
func (e *Engine) Options() Options {
	return e.opts
}

func (e *Engine) log() *telemetry.Logger {
	return telemetry.ForHost(e.opts.Target.Host)
}

func (e *Engine) publish(err error) {
	if err != nil {
		e.log().Debugf("Publishing event failed: %v", err)
	}
}

// Prepare creates the local and remote working trees and runs the
// global explorers.
func (e *Engine) Prepare(ctx context.Context) error {
	if err := e.Local.CreateFilesDirs(); err != nil {
		return &ObjectError{Phase: core.PhaseInit, Err: err}
	}
	if err := e.SaveSnapshot(); err != nil {
		return &ObjectError{Phase: core.PhaseInit, Err: err}
	}
	if err := e.Remote.CreateFilesDirs(ctx); err != nil {
		return &ObjectError{Phase: core.PhaseInit, Err: err}
	}
	if err := e.Explorer.RunGlobalExplorers(ctx); err != nil {
		return &ObjectError{Phase: core.PhaseExplorer, Err: err}
	}
	return nil
}

// Run converges the target: it prepares the working trees, runs the
// initial manifest and iterates until every object is done.
func (e *Engine) Run(ctx context.Context) (err error) {
	host := e.opts.Target.Host
	start := time.Now()

	ctx, span := e.Telemetry.Tracer.StartRunSpan(ctx, e.RunID, host)
	defer func() { telemetry.EndSpan(span, err) }()

	e.publish(e.Telemetry.Events.PublishRunStarted(e.RunID, host))
	if e.opts.DryRun {
		e.log().Info("Starting dry run")
	} else {
		e.log().Info("Starting configuration run")
	}

	err = e.run(ctx)
	duration := time.Since(start)
	if err != nil {
		e.Telemetry.Metrics.RecordRunCompleted("failed", duration)
		e.publish(e.Telemetry.Events.PublishRunFailed(e.RunID, host, err.Error()))
		return err
	}

	e.Telemetry.Metrics.RecordRunCompleted("success", duration)
	e.publish(e.Telemetry.Events.PublishRunCompleted(e.RunID, host, duration))
	e.log().Infof("Finished successful run in %.2f seconds", duration.Seconds())
	return nil
}

func (e *Engine) run(ctx context.Context) error {
	if err := e.Prepare(ctx); err != nil {
		return err
	}
	if err := e.Manifest.RunInitialManifest(ctx, e.opts.InitialManifest); err != nil {
		var missing *manifest.NoInitialManifestError
		if errors.As(err, &missing) {
			return err
		}
		return &ObjectError{Phase: core.PhaseInit, Err: err}
	}
	return e.IterateUntilFinished(ctx)
}

// IterateOnce makes one sweep over the declared objects in lexical order
// and processes every pending object whose requirements are done. It
// reports whether any object was processed.
func (e *Engine) IterateOnce(ctx context.Context) (bool, error) {
	e.Sweeps++
	e.Telemetry.Metrics.RecordSweep()

	objs, err := e.Store.List()
	if err != nil {
		return false, &ObjectError{Phase: PhaseResolve, Err: err}
	}
	e.announce(objs)
	e.log().Tracef("Sweep %d over %d objects", e.Sweeps, len(objs))

	progress := false
	for _, obj := range objs {
		if err := ctx.Err(); err != nil {
			return progress, err
		}
		done, err := obj.IsDone()
		if err != nil {
			return progress, &ObjectError{Object: obj.Name(), Phase: PhaseResolve, Err: err}
		}
		if done || !e.ready(obj) {
			continue
		}
		if err := e.process(ctx, obj); err != nil {
			return progress, err
		}
		progress = true
	}
	return progress, nil
}

// IterateUntilFinished sweeps until every declared object is done. When a
// sweep makes no progress while objects are pending the stall is
// diagnosed and returned as an error.
func (e *Engine) IterateUntilFinished(ctx context.Context) error {
	for {
		progress, err := e.IterateOnce(ctx)
		if err != nil {
			return err
		}

		objs, err := e.Store.List()
		if err != nil {
			return &ObjectError{Phase: PhaseResolve, Err: err}
		}
		pending, err := pendingObjects(objs)
		if err != nil {
			return &ObjectError{Phase: PhaseResolve, Err: err}
		}
		if len(pending) == 0 {
			e.log().Verbosef("All %d objects done after %d sweeps", len(objs), e.Sweeps)
			return nil
		}
		if !progress {
			return e.diagnose(pending)
		}
	}
}

func pendingObjects(objs []*core.Object) ([]*core.Object, error) {
	var pending []*core.Object
	for _, obj := range objs {
		done, err := obj.IsDone()
		if err != nil {
			return nil, err
		}
		if !done {
			pending = append(pending, obj)
		}
	}
	return pending, nil
}

// announce publishes a created event for every object not seen before.
func (e *Engine) announce(objs []*core.Object) {
	for _, obj := range objs {
		name := obj.Name()
		if e.known[name] {
			continue
		}
		e.known[name] = true
		e.log().WithObject(name).Debug("Object declared")
		e.publish(e.Telemetry.Events.PublishObjectCreated(e.RunID, e.opts.Target.Host, name))
	}
}

// ready reports whether every requirement of obj names another declared
// object that is done.
func (e *Engine) ready(obj *core.Object) bool {
	reqs, err := obj.Requirements()
	if err != nil {
		return false
	}
	for _, req := range reqs {
		if req == obj.Name() {
			return false
		}
		r, err := e.Store.ObjectFromName(req)
		if err != nil || !r.Exists() {
			return false
		}
		if done, err := r.IsDone(); err != nil || !done {
			return false
		}
	}
	return true
}

// Steps returns the phases of obj in execution order.
func (e *Engine) Steps(obj *core.Object) []code.Step {
	steps := []code.Step{
		{Phase: core.PhaseExplorer, Run: func(ctx context.Context) error { return e.Explorer.RunTypeExplorers(ctx, obj) }},
		{Phase: core.PhaseManifest, Run: func(ctx context.Context) error { return e.Manifest.RunTypeManifest(ctx, obj) }},
	}
	return append(steps, e.Code.Steps(obj)...)
}

func (e *Engine) process(ctx context.Context, obj *core.Object) (err error) {
	name := obj.Name()
	log := e.log().WithObject(name)

	ctx, span := e.Telemetry.Tracer.StartObjectSpan(ctx, name)
	defer func() { telemetry.EndSpan(span, err) }()

	log.Verbose("Processing object")
	for _, step := range e.Steps(obj) {
		if err := e.runStep(ctx, name, step); err != nil {
			log.WithError(err).Errorf("Phase %s failed", step.Phase)
			e.Telemetry.Metrics.RecordObject(obj.Type.Name, "failed")
			e.publish(e.Telemetry.Events.PublishObjectFailed(e.RunID, e.opts.Target.Host, name, string(step.Phase), err.Error()))
			return &ObjectError{Object: name, Phase: step.Phase, Err: err}
		}
	}

	if err := obj.SetState(core.StateDone); err != nil {
		return &ObjectError{Object: name, Phase: PhaseResolve, Err: err}
	}
	e.Telemetry.Metrics.RecordObject(obj.Type.Name, "done")
	e.publish(e.Telemetry.Events.PublishObjectDone(e.RunID, e.opts.Target.Host, name))
	log.Verbose("Object done")
	return nil
}

func (e *Engine) runStep(ctx context.Context, name string, step code.Step) (err error) {
	ctx, span := e.Telemetry.Tracer.StartPhaseSpan(ctx, name, string(step.Phase))
	defer func() { telemetry.EndSpan(span, err) }()

	start := time.Now()
	err = step.Run(ctx)
	e.Telemetry.Metrics.RecordPhase(string(step.Phase), time.Since(start), err)
	return err
}

// diagnose explains why pending objects cannot advance. Self
// requirements are reported first, then cycles, then requirements on
// unknown types, then malformed object ids and last requirements on
// objects that were never declared.
func (e *Engine) diagnose(pending []*core.Object) error {
	graph := make(map[string][]string, len(pending))
	for _, obj := range pending {
		reqs, err := obj.Requirements()
		if err != nil {
			return &ObjectError{Object: obj.Name(), Phase: PhaseResolve, Err: err}
		}
		graph[obj.Name()] = reqs
	}

	for _, obj := range pending {
		for _, req := range graph[obj.Name()] {
			if req == obj.Name() {
				return &ObjectError{Object: obj.Name(), Phase: PhaseResolve,
					Err: &UnresolvableRequirementsError{Object: obj.Name(), Requirement: req}}
			}
		}
	}

	if found, cycle := CheckCycle(graph); found {
		return &ObjectError{Object: cycle[0], Phase: PhaseResolve,
			Err: &UnresolvableRequirementsError{Object: cycle[0], Cycle: cycle}}
	}

	var (
		invalidType, badID, missing *ObjectError
	)
	for _, obj := range pending {
		for _, req := range graph[obj.Name()] {
			r, err := e.Store.ObjectFromName(req)
			var typeErr *core.InvalidTypeError
			switch {
			case errors.As(err, &typeErr):
				if invalidType == nil {
					invalidType = &ObjectError{Object: obj.Name(), Phase: PhaseResolve, Err: err}
				}
			case err != nil:
				if badID == nil {
					badID = &ObjectError{Object: obj.Name(), Phase: PhaseResolve, Err: err}
				}
			case !r.Exists():
				if missing == nil {
					missing = &ObjectError{Object: obj.Name(), Phase: PhaseResolve,
						Err: &UnresolvableRequirementsError{Object: obj.Name(), Requirement: req,
							Err: &core.ObjectNotFoundError{Name: req}}}
				}
			}
		}
	}
	for _, err := range []*ObjectError{invalidType, badID, missing} {
		if err != nil {
			return err
		}
	}

	names := make([]string, len(pending))
	for i, obj := range pending {
		names[i] = obj.Name()
	}
	return &ObjectError{Phase: PhaseResolve,
		Err: fmt.Errorf("no progress with pending objects: %v", names)}
}
