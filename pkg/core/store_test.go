package core

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, types ...string) *Store {
	t.Helper()
	root := t.TempDir()
	typeBase := filepath.Join(root, "type")
	for _, name := range types {
		require.NoError(t, os.MkdirAll(filepath.Join(typeBase, name), 0755))
	}
	return NewStore(filepath.Join(root, "object"), typeBase, ".cdist-test")
}

func TestCreateObjectIsIdempotent(t *testing.T) {
	s := newTestStore(t, "__file")

	obj, created, err := s.Create("__file", "etc/motd")
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, "__file/etc/motd", obj.Name())
	require.DirExists(t, obj.Path())

	state, err := obj.State()
	require.NoError(t, err)
	require.Equal(t, StatePending, state)

	again, created, err := s.Create("__file", "etc/motd")
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, obj.Path(), again.Path())
}

func TestSingletonObjects(t *testing.T) {
	s := newTestStore(t, "__timezone")
	require.NoError(t, os.WriteFile(filepath.Join(s.TypeBasePath, "__timezone", "singleton"), nil, 0644))

	obj, _, err := s.Create("__timezone", "")
	require.NoError(t, err)
	require.Equal(t, "__timezone", obj.Name())

	_, _, err = s.Create("__timezone", "UTC")
	var illegal *IllegalObjectIdError
	require.ErrorAs(t, err, &illegal)
}

func TestObjectIDValidation(t *testing.T) {
	s := newTestStore(t, "__file")

	_, err := s.Object("__file", "")
	var missing *MissingObjectIdError
	require.ErrorAs(t, err, &missing)

	for _, id := range []string{"/etc", "etc/", "etc//motd", ".", "a/../b", "a/./b", "x/.cdist-test/y"} {
		_, err := s.Object("__file", id)
		var illegal *IllegalObjectIdError
		require.ErrorAsf(t, err, &illegal, "id %q", id)
	}

	_, err = s.Object("__file", "etc/motd")
	require.NoError(t, err)
}

func TestInvalidType(t *testing.T) {
	s := newTestStore(t, "__file")

	_, err := s.ObjectFromName("__nope/x")
	var invalid *InvalidTypeError
	require.ErrorAs(t, err, &invalid)
	require.Equal(t, "__nope", invalid.Name)
}

func TestRequirementsKeepOrderAndDeduplicate(t *testing.T) {
	s := newTestStore(t, "__file")
	obj, _, err := s.Create("__file", "a")
	require.NoError(t, err)

	require.NoError(t, obj.AddRequirements("__file/c", "__file/b"))
	require.NoError(t, obj.AddRequirements("__file/b", "", "__file/d"))

	reqs, err := obj.Requirements()
	require.NoError(t, err)
	require.Equal(t, []string{"__file/c", "__file/b", "__file/d"}, reqs)
}

func TestListAndRequirementGraph(t *testing.T) {
	s := newTestStore(t, "__file", "__package")

	b, _, err := s.Create("__package", "vim")
	require.NoError(t, err)
	a, _, err := s.Create("__file", "etc/vimrc")
	require.NoError(t, err)
	require.NoError(t, a.AddRequirements(b.Name()))

	objs, err := s.List()
	require.NoError(t, err)
	require.Len(t, objs, 2)
	require.Equal(t, "__file/etc/vimrc", objs[0].Name())
	require.Equal(t, "__package/vim", objs[1].Name())

	graph, err := s.Requirements()
	require.NoError(t, err)
	require.Equal(t, map[string][]string{
		"__file/etc/vimrc": {"__package/vim"},
		"__package/vim":    nil,
	}, graph)
}

func TestListEmptyStore(t *testing.T) {
	s := newTestStore(t)
	objs, err := s.List()
	require.NoError(t, err)
	require.Empty(t, objs)
}

func TestParametersAndCode(t *testing.T) {
	s := newTestStore(t, "__file")
	obj, _, err := s.Create("__file", "x")
	require.NoError(t, err)

	require.NoError(t, obj.SetParameters(map[string]string{"mode": "0644", "owner": "root"}))
	params, err := obj.Parameters()
	require.NoError(t, err)
	require.Equal(t, map[string]string{"mode": "0644", "owner": "root"}, params)

	require.Error(t, obj.SetParameters(map[string]string{"a/b": "x"}))

	code, err := obj.CodeRemote()
	require.NoError(t, err)
	require.Empty(t, code)
	require.NoError(t, obj.SetCodeRemote("echo hi\n"))
	code, err = obj.CodeRemote()
	require.NoError(t, err)
	require.Equal(t, "echo hi\n", code)
}

func TestTypeManifestScripts(t *testing.T) {
	s := newTestStore(t, "__single", "__dir", "__dirinit", "__none")

	single := filepath.Join(s.TypeBasePath, "__single", "manifest")
	require.NoError(t, os.WriteFile(single, []byte("true\n"), 0755))

	dir := filepath.Join(s.TypeBasePath, "__dir", "manifest")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0755))
	for _, f := range []string{"b", "a"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, f), nil, 0755))
	}

	dirinit := filepath.Join(s.TypeBasePath, "__dirinit", "manifest")
	require.NoError(t, os.MkdirAll(dirinit, 0755))
	for _, f := range []string{"init", "other"} {
		require.NoError(t, os.WriteFile(filepath.Join(dirinit, f), nil, 0755))
	}

	cases := map[string][]string{
		"__single":  {single},
		"__dir":     {filepath.Join(dir, "a"), filepath.Join(dir, "b")},
		"__dirinit": {filepath.Join(dirinit, "init")},
		"__none":    nil,
	}
	for name, want := range cases {
		typ, err := s.Type(name)
		require.NoError(t, err)
		got, err := typ.ManifestScripts()
		require.NoError(t, err)
		require.Equal(t, want, got, name)
	}
}
