// Package emulator implements the type commands manifests call to
// declare objects.
//
// Every type gets a link named after it in the run's bin directory that
// points back at the converge binary. When the binary starts under such
// a name it runs as the emulator: it creates or updates one object in the
// store described by the environment and exits.
//
//	__file /etc/motd --source "$__files/motd" --mode 0644
//	require="__package/nginx" __service nginx --state running
package emulator

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/openfroyo/converge/pkg/core"
	"github.com/openfroyo/converge/pkg/exec/local"
	"github.com/openfroyo/converge/pkg/telemetry"
)

// Prefix starts every type name and therefore every emulator command.
const Prefix = "__"

// IsEmulator reports whether argv0 names a type command.
func IsEmulator(argv0 string) bool {
	return strings.HasPrefix(filepath.Base(argv0), Prefix)
}

// UsageError reports a malformed emulator invocation.
type UsageError struct {
	Type    string
	Message string
}

func (e *UsageError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ConflictError reports an object declared twice with different
// parameters.
type ConflictError struct {
	Object   string
	Sources  []string
	Existing map[string]string
	Wanted   map[string]string
}

func (e *ConflictError) Error() string {
	msg := fmt.Sprintf("object %s already exists with conflicting parameters (%s, wanted %s)",
		e.Object, formatParams(e.Existing), formatParams(e.Wanted))
	if len(e.Sources) > 0 {
		msg += "; declared in " + strings.Join(e.Sources, ", ")
	}
	return msg
}

func formatParams(params map[string]string) string {
	if len(params) == 0 {
		return "no parameters"
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("--%s %q", k, params[k])
	}
	return strings.Join(parts, " ")
}

// Emulator holds the context of one emulator invocation.
type Emulator struct {
	TypeName string
	Args     []string

	// Env is the environment the manifest passed down.
	Env map[string]string
}

// New builds an emulator from the process arguments and environment
// ("KEY=value" entries).
func New(argv []string, environ []string) *Emulator {
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return &Emulator{TypeName: filepath.Base(argv[0]), Args: argv[1:], Env: env}
}

func (e *Emulator) log() *telemetry.Logger {
	return telemetry.ForHost(e.Env["__target_host"]).NewComponentLogger("emulator")
}

// store opens the object store of the calling run.
func (e *Emulator) store() (*core.Store, error) {
	for _, key := range []string{"__global", "__cdist_type_base_path", "__cdist_object_marker"} {
		if e.Env[key] == "" {
			return nil, fmt.Errorf("%s: %s is not set, type commands only work inside a manifest", e.TypeName, key)
		}
	}
	l := local.New(core.TargetHost{Host: e.Env["__target_host"]}, e.Env["__global"], nil)
	return core.NewStore(l.ObjectPath(), e.Env["__cdist_type_base_path"], e.Env["__cdist_object_marker"]), nil
}

// Run declares the object. Redeclaring an object with the same
// parameters only adds requirements.
func (e *Emulator) Run() (*core.Object, error) {
	store, err := e.store()
	if err != nil {
		return nil, err
	}
	t, err := store.Type(e.TypeName)
	if err != nil {
		return nil, err
	}
	id, params, err := e.parseArgs(t)
	if err != nil {
		return nil, err
	}

	obj, created, err := store.Create(t.Name, id)
	if err != nil {
		return nil, err
	}

	if created {
		if err := obj.SetParameters(params); err != nil {
			return nil, err
		}
		e.log().WithObject(obj.Name()).Trace("Object created")
	} else {
		existing, err := obj.Parameters()
		if err != nil {
			return nil, err
		}
		if !equalParams(existing, params) {
			sources, _ := obj.Sources()
			return nil, &ConflictError{Object: obj.Name(), Sources: sources, Existing: existing, Wanted: params}
		}
		e.log().WithObject(obj.Name()).Trace("Object already declared")
	}

	if source := e.Env["__cdist_manifest"]; source != "" {
		if err := obj.AddSource(source); err != nil {
			return nil, err
		}
	}

	if reqs := strings.Fields(e.Env["require"]); len(reqs) > 0 {
		for i, r := range reqs {
			reqs[i] = strings.TrimPrefix(r, "/")
		}
		e.log().WithObject(obj.Name()).Tracef("Adding requirements: %s", strings.Join(reqs, " "))
		if err := obj.AddRequirements(reqs...); err != nil {
			return nil, err
		}
	}

	if err := e.orderDependency(obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// parseArgs splits the arguments into the object id and parameters and
// checks them against the parameter definitions of t.
func (e *Emulator) parseArgs(t *core.Type) (string, map[string]string, error) {
	spec, err := t.Parameters()
	if err != nil {
		return "", nil, err
	}
	boolean := make(map[string]bool, len(spec.Boolean))
	for _, b := range spec.Boolean {
		boolean[b] = true
	}

	usage := func(format string, args ...interface{}) error {
		return &UsageError{Type: t.Name, Message: fmt.Sprintf(format, args...)}
	}

	params := make(map[string]string)
	var positional []string
	args := e.Args
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			positional = append(positional, args[i+1:]...)
			break
		}
		if !strings.HasPrefix(arg, "--") || len(arg) == 2 {
			positional = append(positional, arg)
			continue
		}

		name, value, hasValue := strings.Cut(arg[2:], "=")
		if !hasValue && !boolean[name] {
			// Declared types know which options take a value. Elsewhere an
			// option directly followed by another one is a flag.
			hasNext := i+1 < len(args) && (spec.Declared() || !strings.HasPrefix(args[i+1], "--"))
			switch {
			case hasNext:
				i++
				value = args[i]
			case spec.Declared():
				return "", nil, usage("parameter --%s requires a value", name)
			}
		}
		if old, ok := params[name]; ok {
			if spec.Declared() && !spec.Multiple[name] {
				return "", nil, usage("parameter --%s given more than once", name)
			}
			value = old + "\n" + value
		}
		params[name] = value
	}

	if spec.Declared() {
		known := make(map[string]bool)
		for _, list := range [][]string{spec.Required, spec.Optional, spec.Boolean} {
			for _, n := range list {
				known[n] = true
			}
		}
		for name := range params {
			if !known[name] {
				return "", nil, usage("unknown parameter --%s", name)
			}
		}
		for _, name := range spec.Required {
			if _, ok := params[name]; !ok {
				return "", nil, usage("missing required parameter --%s", name)
			}
		}
		for name, value := range spec.Defaults {
			if _, ok := params[name]; !ok && !boolean[name] {
				params[name] = value
			}
		}
	}

	var id string
	switch {
	case t.IsSingleton():
		if len(positional) > 0 {
			return "", nil, usage("singleton type takes no object id, got %q", strings.Join(positional, " "))
		}
	case len(positional) == 0:
		return "", nil, &core.MissingObjectIdError{Type: t.Name}
	case len(positional) > 1:
		return "", nil, usage("expected one object id, got %q", strings.Join(positional, " "))
	default:
		id = strings.TrimLeft(positional[0], "/")
	}
	return id, params, nil
}

func equalParams(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if w, ok := b[k]; !ok || v != w {
			return false
		}
	}
	return true
}

// Main runs the emulator for the current process and returns the exit
// status. Logging follows the level the manifest was started with.
func Main(argv []string, environ []string) int {
	e := New(argv, environ)

	cfg := telemetry.DefaultConfig().Logging
	cfg.Level = e.Env["__cdist_log_level"]
	cfg.Colored = e.Env["__cdist_colored_log"] == "true"
	logger, err := telemetry.NewLogger(cfg)
	if err != nil {
		cfg.Level = telemetry.LevelInfo.String()
		logger, _ = telemetry.NewLogger(cfg)
	}
	telemetry.SetDefault(logger)

	if _, err := e.Run(); err != nil {
		var usage *UsageError
		if errors.As(err, &usage) {
			fmt.Fprintf(os.Stderr, "usage error: %v\n", err)
			return 2
		}
		e.log().Error(err.Error())
		return 1
	}
	return 0
}
