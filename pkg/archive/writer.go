package archive

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/gzip"
	"github.com/ulikunitz/xz"
)

// FilesLimit is the minimum number of entries a directory needs before it
// is shipped as an archive.
const FilesLimit = 2

// ErrNotEnoughFiles is returned when the source has fewer than FilesLimit
// entries. Callers fall back to copying files one by one.
var ErrNotEnoughFiles = errors.New("not enough files to archive")

// CountEntries returns the number of top-level entries of source. A file
// counts as one entry.
func CountEntries(source string) (int, error) {
	fi, err := os.Stat(source)
	if err != nil {
		return 0, err
	}
	if !fi.IsDir() {
		return 1, nil
	}
	entries, err := os.ReadDir(source)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// Check returns an error wrapping ErrNotEnoughFiles if source is too small
// to be worth archiving.
func Check(source string) error {
	n, err := CountEntries(source)
	if err != nil {
		return err
	}
	if n < FilesLimit {
		return fmt.Errorf("%w: file count %d is lower than %d limit", ErrNotEnoughFiles, n, FilesLimit)
	}
	return nil
}

// Write streams the contents of the source directory to w as an archive
// of the given mode. Entries are added in lexical order with owner ids
// and names cleared, the archive creation time as modification time and
// symlinks followed, so the archive depends only on file names, modes
// and contents.
func Write(w io.Writer, source string, mode Mode) error {
	if !mode.Enabled() {
		return fmt.Errorf("archiving mode %s cannot write archives", mode)
	}
	if err := Check(source); err != nil {
		return err
	}

	cw, err := compressor(w, mode)
	if err != nil {
		return err
	}

	tw := tar.NewWriter(cw)
	a := &archiver{tw: tw, mtime: time.Now().Truncate(time.Second)}

	entries, err := os.ReadDir(source)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := a.add(filepath.Join(source, e.Name()), e.Name()); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return err
	}
	return cw.Close()
}

type archiver struct {
	tw    *tar.Writer
	mtime time.Time
}

func (a *archiver) add(src, name string) error {
	fi, err := os.Stat(src)
	if err != nil {
		return err
	}

	hdr, err := tar.FileInfoHeader(fi, "")
	if err != nil {
		return fmt.Errorf("%s: %w", src, err)
	}
	hdr.Name = name
	hdr.Uid, hdr.Gid = 0, 0
	hdr.Uname, hdr.Gname = "", ""
	hdr.ModTime = a.mtime
	hdr.AccessTime, hdr.ChangeTime = time.Time{}, time.Time{}
	hdr.Format = tar.FormatUSTAR

	switch {
	case fi.IsDir():
		hdr.Name += "/"
		if err := a.tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("%s: %w", src, err)
		}
		entries, err := os.ReadDir(src)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := a.add(filepath.Join(src, e.Name()), path.Join(name, e.Name())); err != nil {
				return err
			}
		}
		return nil

	case fi.Mode().IsRegular():
		if err := a.tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("%s: %w", src, err)
		}
		f, err := os.Open(src)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(a.tw, f)
		return err

	default:
		return fmt.Errorf("%s: unsupported file type %s", src, fi.Mode().Type())
	}
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

func compressor(w io.Writer, mode Mode) (io.WriteCloser, error) {
	switch mode {
	case Tar:
		return nopCloser{w}, nil
	case TarGz:
		return gzip.NewWriter(w), nil
	case TarBz2:
		return bzip2.NewWriter(w, &bzip2.WriterConfig{Level: bzip2.DefaultCompression})
	case TarXz:
		return xz.NewWriter(w)
	default:
		return nil, fmt.Errorf("unsupported archiving mode %s", mode)
	}
}
