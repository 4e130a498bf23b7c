package explorer

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openfroyo/converge/pkg/core"
	"github.com/openfroyo/converge/pkg/exec/local"
	"github.com/openfroyo/converge/pkg/exec/remote"
	"github.com/openfroyo/converge/pkg/telemetry"
)

var target = core.TargetHost{Host: "h", Hostname: "hn", FQDN: "fqdn"}

func newExplorer(t *testing.T, files map[string]string) (*Explorer, *core.Store) {
	t.Helper()
	telemetry.SetDefault(telemetry.NewLoggerFromWriter(io.Discard, telemetry.LoggingConfig{}, telemetry.LevelWarning))

	root := t.TempDir()
	conf := filepath.Join(root, "conf")
	require.NoError(t, os.MkdirAll(filepath.Join(conf, "type"), 0755))
	for name, body := range files {
		path := filepath.Join(conf, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(body), 0755))
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
	require.NoError(t, r.CreateFilesDirs(context.Background()))

	return New(l, r), l.NewStore()
}

func TestRunGlobalExplorers(t *testing.T) {
	e, _ := newExplorer(t, map[string]string{
		"explorer/os":       "echo linux\n",
		"explorer/hostname": "echo \"$__target_hostname\"\n",
	})

	names, err := e.ListGlobalExplorers()
	require.NoError(t, err)
	require.Equal(t, []string{"hostname", "os"}, names)

	require.NoError(t, e.RunGlobalExplorers(context.Background()))

	out, err := os.ReadFile(filepath.Join(e.Local.GlobalExplorerOutPath(), "os"))
	require.NoError(t, err)
	require.Equal(t, "linux\n", string(out))
	out, err = os.ReadFile(filepath.Join(e.Local.GlobalExplorerOutPath(), "hostname"))
	require.NoError(t, err)
	require.Equal(t, "hn\n", string(out))
}

func TestNoGlobalExplorers(t *testing.T) {
	e, _ := newExplorer(t, nil)
	require.NoError(t, e.RunGlobalExplorers(context.Background()))
	_, err := os.Stat(e.Remote.GlobalExplorerPath())
	require.True(t, os.IsNotExist(err))
}

func TestRunTypeExplorers(t *testing.T) {
	e, store := newExplorer(t, map[string]string{
		"type/__package/explorer/state": "printf 'want %s for %s\\n' \"$(cat \"$__object/parameter/name\")\" \"$__object_id\"\n",
	})

	for _, id := range []string{"nginx", "curl"} {
		obj, _, err := store.Create("__package", id)
		require.NoError(t, err)
		require.NoError(t, obj.SetParameters(map[string]string{"name": id + "-pkg"}))

		require.NoError(t, e.RunTypeExplorers(context.Background(), obj))

		out, err := os.ReadFile(filepath.Join(obj.ExplorerPath(), "state"))
		require.NoError(t, err)
		require.Equal(t, "want "+id+"-pkg for "+id+"\n", string(out))
	}
	require.True(t, e.transferred["__package"])
}

func TestTypeWithoutExplorers(t *testing.T) {
	e, store := newExplorer(t, map[string]string{"type/__plain/manifest": "true\n"})
	obj, _, err := store.Create("__plain", "x")
	require.NoError(t, err)

	require.NoError(t, obj.SetParameters(map[string]string{"value": "hello"}))

	require.NoError(t, e.RunTypeExplorers(context.Background(), obj))
	require.False(t, e.transferred["__plain"])

	remoteObject := filepath.Join(e.Remote.ObjectPath(), obj.RelativePath())
	got, err := os.ReadFile(filepath.Join(remoteObject, "parameter", "value"))
	require.NoError(t, err)
	require.Equal(t, "hello\n", string(got))
	require.DirExists(t, filepath.Join(e.Remote.TypePath(), "__plain"))
}

func TestFailingExplorer(t *testing.T) {
	e, _ := newExplorer(t, map[string]string{
		"explorer/broken": "echo nope >&2\nexit 1\n",
	})

	err := e.RunGlobalExplorers(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "global explorer broken")
}
