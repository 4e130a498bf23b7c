package code

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openfroyo/converge/pkg/core"
	"github.com/openfroyo/converge/pkg/exec/local"
	"github.com/openfroyo/converge/pkg/exec/remote"
	"github.com/openfroyo/converge/pkg/telemetry"
)

var target = core.TargetHost{Host: "h", Hostname: "hn", FQDN: "fqdn"}

const dumpEnv = `for v in __target_host __target_hostname __target_fqdn __global __type __object __object_id __object_name __files __target_host_tags __cdist_log_level __cdist_log_level_name; do
	eval "printf 'echo %s: %s\n' $v \"\$$v\""
done
`

type fixture struct {
	local  *local.Local
	remote *remote.Remote
	store  *core.Store
}

func newFixture(t *testing.T, types map[string]map[string]string) *fixture {
	t.Helper()
	telemetry.SetDefault(telemetry.NewLoggerFromWriter(io.Discard, telemetry.LoggingConfig{}, telemetry.LevelWarning))

	root := t.TempDir()
	conf := filepath.Join(root, "conf")
	require.NoError(t, os.MkdirAll(filepath.Join(conf, "type"), 0755))
	for name, files := range types {
		require.NoError(t, os.MkdirAll(filepath.Join(conf, "type", name), 0755))
		for file, body := range files {
			require.NoError(t, os.WriteFile(filepath.Join(conf, "type", name, file), []byte(body), 0755))
		}
	}

	l := local.New(target, filepath.Join(root, "out"), []string{conf})
	l.ExecPath = "/bin/true"
	require.NoError(t, l.CreateFilesDirs())

	execPath := filepath.Join(root, "remote-exec")
	require.NoError(t, os.WriteFile(execPath, []byte("#!/bin/sh\nshift\nexec /bin/sh -c \"$1\"\n"), 0755))
	transport, err := remote.NewCommandTransport(execPath, target)
	require.NoError(t, err)
	r := remote.New(target, transport)
	r.BasePath = filepath.Join(root, "remote")
	r.StdoutBasePath = l.StdoutBasePath()
	r.StderrBasePath = l.StderrBasePath()
	require.NoError(t, r.CreateFilesDirs(context.Background()))

	return &fixture{local: l, remote: r, store: l.NewStore()}
}

func (f *fixture) object(t *testing.T, typeName, id string) *core.Object {
	t.Helper()
	obj, _, err := f.store.Create(typeName, id)
	require.NoError(t, err)
	return obj
}

func parseDump(out string) map[string]string {
	vars := make(map[string]string)
	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		key, value, _ := strings.Cut(strings.TrimPrefix(line, "echo "), ": ")
		vars[key] = value
	}
	return vars
}

func TestGencodeEnvironment(t *testing.T) {
	f := newFixture(t, map[string]map[string]string{
		"__dump_environment": {"gencode-local": dumpEnv, "gencode-remote": dumpEnv},
	})
	obj := f.object(t, "__dump_environment", "whatever")
	c := New(f.local, f.remote, false)

	for _, gencode := range []func(context.Context, *core.Object) (string, error){c.RunGencodeLocal, c.RunGencodeRemote} {
		out, err := gencode(context.Background(), obj)
		require.NoError(t, err)

		vars := parseDump(out)
		require.Equal(t, "h", vars["__target_host"])
		require.Equal(t, "hn", vars["__target_hostname"])
		require.Equal(t, "fqdn", vars["__target_fqdn"])
		require.Equal(t, f.local.BasePath, vars["__global"])
		require.Equal(t, obj.Type.Path, vars["__type"])
		require.Equal(t, obj.Path(), vars["__object"])
		require.Equal(t, "whatever", vars["__object_id"])
		require.Equal(t, "__dump_environment/whatever", vars["__object_name"])
		require.Equal(t, f.local.FilesPath(), vars["__files"])
		require.Equal(t, "", vars["__target_host_tags"])
		require.Equal(t, "30", vars["__cdist_log_level"])
		require.Equal(t, "WARNING", vars["__cdist_log_level_name"])
	}
}

func TestGencodeIsIdempotent(t *testing.T) {
	f := newFixture(t, map[string]map[string]string{
		"__dump_environment": {"gencode-local": dumpEnv},
	})
	obj := f.object(t, "__dump_environment", "whatever")
	c := New(f.local, f.remote, false)

	first, err := c.RunGencodeLocal(context.Background(), obj)
	require.NoError(t, err)
	second, err := c.RunGencodeLocal(context.Background(), obj)
	require.NoError(t, err)
	require.NotEmpty(t, first)
	require.Equal(t, first, second)
}

func TestTypeWithoutGenerators(t *testing.T) {
	f := newFixture(t, map[string]map[string]string{"__empty": {}})
	obj := f.object(t, "__empty", "x")
	c := New(f.local, f.remote, false)

	out, err := c.RunGencodeLocal(context.Background(), obj)
	require.NoError(t, err)
	require.Empty(t, out)

	require.NoError(t, c.Run(context.Background(), obj))
	_, err = os.Stat(c.RemoteCodePath(obj))
	require.True(t, os.IsNotExist(err), "empty remote code must not be transferred")
}

func TestTransferCodeRemote(t *testing.T) {
	f := newFixture(t, map[string]map[string]string{
		"__remote": {"gencode-remote": "echo 'echo from-remote'\n"},
	})
	obj := f.object(t, "__remote", "x")
	c := New(f.local, f.remote, false)

	code, err := c.RunGencodeRemote(context.Background(), obj)
	require.NoError(t, err)
	require.NoError(t, obj.SetCodeRemote(code))
	require.NoError(t, c.TransferCodeRemote(context.Background(), obj))

	dest := filepath.Join(f.remote.ObjectPath(), obj.RelativePath(), "code-remote")
	require.Equal(t, dest, c.RemoteCodePath(obj))
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, "echo from-remote\n", string(data))
}

func TestRunPipeline(t *testing.T) {
	f := newFixture(t, map[string]map[string]string{
		"__both": {
			"gencode-local":  "echo 'touch \"$__object/local-ran\"'\necho 'echo local-out'\n",
			"gencode-remote": "echo 'touch \"$__object/remote-ran\"'\necho 'echo \"remote $__object_name\"'\n",
		},
	})
	obj := f.object(t, "__both", "x")
	c := New(f.local, f.remote, false)

	require.NoError(t, c.Run(context.Background(), obj))

	require.FileExists(t, filepath.Join(obj.Path(), "local-ran"))
	require.FileExists(t, filepath.Join(f.remote.ObjectPath(), obj.RelativePath(), "remote-ran"))

	out, err := os.ReadFile(obj.StdoutPath(core.PhaseCodeLocal))
	require.NoError(t, err)
	require.Equal(t, "local-out\n", string(out))
	out, err = os.ReadFile(obj.StdoutPath(core.PhaseCodeRemote))
	require.NoError(t, err)
	require.Equal(t, "remote __both/x\n", string(out))
}

func TestDryRunOnlyGenerates(t *testing.T) {
	f := newFixture(t, map[string]map[string]string{
		"__both": {
			"gencode-local":  "echo 'touch \"$__object/local-ran\"'\n",
			"gencode-remote": "echo \"echo dry=$__cdist_dry_run\"\n",
		},
	})
	obj := f.object(t, "__both", "x")
	c := New(f.local, f.remote, true)

	steps := c.Steps(obj)
	require.Len(t, steps, 2)
	require.NoError(t, c.Run(context.Background(), obj))

	code, err := obj.CodeRemote()
	require.NoError(t, err)
	require.Equal(t, "echo dry=1\n", code)
	require.NoFileExists(t, filepath.Join(obj.Path(), "local-ran"))
	_, err = os.Stat(c.RemoteCodePath(obj))
	require.True(t, os.IsNotExist(err))
}

func TestPipelineOrder(t *testing.T) {
	f := newFixture(t, map[string]map[string]string{"__empty": {}})
	obj := f.object(t, "__empty", "x")

	var phases []core.Phase
	for _, s := range New(f.local, f.remote, false).Steps(obj) {
		phases = append(phases, s.Phase)
	}
	require.Equal(t, []core.Phase{
		core.PhaseGencodeLocal, core.PhaseGencodeRemote, core.PhaseTransfer, core.PhaseCodeLocal, core.PhaseCodeRemote,
	}, phases)
}

func TestFailingStepNamesPhase(t *testing.T) {
	f := newFixture(t, map[string]map[string]string{
		"__broken": {
			"gencode-local":  "echo 'exit 4'\n",
			"gencode-remote": "echo never >&2\n",
		},
	})
	obj := f.object(t, "__broken", "x")

	err := New(f.local, f.remote, false).Run(context.Background(), obj)
	var perr *PhaseError
	require.True(t, errors.As(err, &perr))
	require.Equal(t, core.PhaseCodeLocal, perr.Phase)

	var cerr *local.CommandError
	require.True(t, errors.As(err, &cerr))
	require.Equal(t, 4, cerr.ExitCode)
}
