package archive

import (
	"archive/tar"
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/dsnet/compress/bzip2"
	"github.com/google/go-cmp/cmp"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		p := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0640))
	}
}

type entry struct {
	Name    string
	Content string
}

func readTar(t *testing.T, r io.Reader) ([]entry, []*tar.Header) {
	t.Helper()
	var entries []entry
	var headers []*tar.Header
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		data, err := io.ReadAll(tr)
		require.NoError(t, err)
		entries = append(entries, entry{Name: hdr.Name, Content: string(data)})
		headers = append(headers, hdr)
	}
	return entries, headers
}

func TestParseMode(t *testing.T) {
	for _, tt := range []struct {
		in   string
		want Mode
	}{
		{"none", None}, {"tar", Tar}, {"TGZ", TarGz}, {"tbz2", TarBz2}, {"txz", TarXz},
	} {
		got, err := ParseMode(tt.in)
		require.NoError(t, err)
		require.Equal(t, tt.want, got)
	}

	_, err := ParseMode("zip")
	require.Error(t, err)

	require.Equal(t, "z", TarGz.ExtractOptions())
	require.Equal(t, "j", TarBz2.ExtractOptions())
	require.Equal(t, "J", TarXz.ExtractOptions())
	require.Equal(t, "", Tar.ExtractOptions())
	require.Equal(t, ".tar.xz", TarXz.FileExtension())
	require.False(t, None.Enabled())
}

func TestCheckNotEnoughFiles(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{"only": "x"})

	err := Check(dir)
	require.True(t, errors.Is(err, ErrNotEnoughFiles))

	err = Write(io.Discard, dir, Tar)
	require.True(t, errors.Is(err, ErrNotEnoughFiles))

	err = Check(filepath.Join(dir, "only"))
	require.True(t, errors.Is(err, ErrNotEnoughFiles))

	writeTree(t, dir, map[string]string{"second": "y"})
	require.NoError(t, Check(dir))
}

func TestWriteIsSortedAndNormalized(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		"b":       "bee",
		"a/z":     "zed",
		"a/c/d":   "dee",
		"c":       "see",
		"a/inner": "in",
	})
	require.NoError(t, os.Symlink(filepath.Join(dir, "b"), filepath.Join(dir, "link")))

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, dir, Tar))

	entries, headers := readTar(t, &buf)
	want := []entry{
		{Name: "a/"},
		{Name: "a/c/"},
		{Name: "a/c/d", Content: "dee"},
		{Name: "a/inner", Content: "in"},
		{Name: "a/z", Content: "zed"},
		{Name: "b", Content: "bee"},
		{Name: "c", Content: "see"},
		{Name: "link", Content: "bee"},
	}
	if diff := cmp.Diff(want, entries); diff != "" {
		t.Fatalf("archive entries mismatch (-want +got):\n%s", diff)
	}

	mtime := headers[0].ModTime
	for _, h := range headers {
		require.Equal(t, 0, h.Uid, h.Name)
		require.Equal(t, 0, h.Gid, h.Name)
		require.Empty(t, h.Uname, h.Name)
		require.Empty(t, h.Gname, h.Name)
		require.True(t, h.ModTime.Equal(mtime), h.Name)
		require.Equal(t, tar.FormatUSTAR, h.Format, h.Name)
	}
	require.EqualValues(t, 0640, headers[5].Mode)
}

func TestWriteCompressedModes(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{"one": "1", "two": "2"})

	readers := map[Mode]func(io.Reader) (io.Reader, error){
		TarGz: func(r io.Reader) (io.Reader, error) { return gzip.NewReader(r) },
		TarBz2: func(r io.Reader) (io.Reader, error) {
			return bzip2.NewReader(r, nil)
		},
		TarXz: func(r io.Reader) (io.Reader, error) { return xz.NewReader(r) },
	}

	for mode, open := range readers {
		t.Run(mode.String(), func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, Write(&buf, dir, mode))

			r, err := open(&buf)
			require.NoError(t, err)
			entries, _ := readTar(t, r)
			require.Equal(t, []entry{{Name: "one", Content: "1"}, {Name: "two", Content: "2"}}, entries)
		})
	}
}

func TestWriteRejectsNone(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{"one": "1", "two": "2"})
	require.Error(t, Write(io.Discard, dir, None))
}
