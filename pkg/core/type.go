package core

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Type is a reusable object definition loaded from a directory below the
// type base path. Types are read-only during a run.
type Type struct {
	// Name is the directory name, for example "__file".
	Name string

	// Path is the absolute path of the type directory.
	Path string
}

func loadType(basePath, name string) (*Type, error) {
	path := filepath.Join(basePath, name)
	if name == "" || strings.ContainsRune(name, '/') || strings.HasPrefix(name, ".") {
		return nil, &InvalidTypeError{Name: name, Path: path}
	}
	fi, err := os.Stat(path)
	if err != nil || !fi.IsDir() {
		return nil, &InvalidTypeError{Name: name, Path: path}
	}
	return &Type{Name: name, Path: path}, nil
}

// IsSingleton reports whether the type carries a "singleton" marker file.
func (t *Type) IsSingleton() bool {
	return fileExists(filepath.Join(t.Path, "singleton"))
}

// ManifestScripts returns the manifest scripts of the type in execution
// order. A manifest directory contributes its "init" file if present,
// otherwise every regular file inside it sorted by name. A type without
// a manifest returns nil.
func (t *Type) ManifestScripts() ([]string, error) {
	path := filepath.Join(t.Path, "manifest")
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if !fi.IsDir() {
		if fi.Mode().IsRegular() {
			return []string{path}, nil
		}
		return nil, nil
	}

	if init := filepath.Join(path, "init"); fileExists(init) {
		return []string{init}, nil
	}
	return regularFiles(path)
}

// GencodeLocalPath returns the local code generator, or "" if the type
// has none.
func (t *Type) GencodeLocalPath() string {
	return t.optionalFile("gencode-local")
}

// GencodeRemotePath returns the remote code generator, or "" if the type
// has none.
func (t *Type) GencodeRemotePath() string {
	return t.optionalFile("gencode-remote")
}

// ExplorerPath returns the directory holding the type explorers.
func (t *Type) ExplorerPath() string {
	return filepath.Join(t.Path, "explorer")
}

// Explorers returns the sorted names of the type explorers.
func (t *Type) Explorers() ([]string, error) {
	files, err := regularFiles(t.ExplorerPath())
	if err != nil {
		return nil, err
	}
	names := make([]string, len(files))
	for i, f := range files {
		names[i] = filepath.Base(f)
	}
	return names, nil
}

// ParameterSpec lists the parameters a type declares in its parameter
// directory. Multiple-value variants are folded into Required and
// Optional and flagged in Multiple.
type ParameterSpec struct {
	Required []string
	Optional []string
	Boolean  []string
	Multiple map[string]bool
	Defaults map[string]string

	declared bool
}

// Declared reports whether the type has any parameter definition. Types
// without one accept arbitrary parameters.
func (p ParameterSpec) Declared() bool { return p.declared }

// Parameters reads the parameter definitions of the type.
func (t *Type) Parameters() (ParameterSpec, error) {
	dir := filepath.Join(t.Path, "parameter")
	spec := ParameterSpec{Multiple: map[string]bool{}, Defaults: map[string]string{}}

	read := func(name string) ([]string, error) {
		path := filepath.Join(dir, name)
		if !fileExists(path) {
			return nil, nil
		}
		spec.declared = true
		return readLines(path)
	}

	for _, f := range []struct {
		file     string
		into     *[]string
		multiple bool
	}{
		{"required", &spec.Required, false},
		{"required_multiple", &spec.Required, true},
		{"optional", &spec.Optional, false},
		{"optional_multiple", &spec.Optional, true},
		{"boolean", &spec.Boolean, false},
	} {
		names, err := read(f.file)
		if err != nil {
			return spec, err
		}
		*f.into = append(*f.into, names...)
		if f.multiple {
			for _, n := range names {
				spec.Multiple[n] = true
			}
		}
	}

	defaults, err := regularFiles(filepath.Join(dir, "default"))
	if err != nil {
		return spec, err
	}
	for _, path := range defaults {
		data, err := os.ReadFile(path)
		if err != nil {
			return spec, err
		}
		spec.Defaults[filepath.Base(path)] = strings.TrimSuffix(string(data), "\n")
	}
	return spec, nil
}

func (t *Type) optionalFile(name string) string {
	path := filepath.Join(t.Path, name)
	if fileExists(path) {
		return path
	}
	return ""
}

// regularFiles lists the regular files of dir sorted by name. A missing
// directory yields an empty list.
func regularFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var files []string
	for _, e := range entries {
		path := filepath.Join(dir, e.Name())
		fi, err := os.Stat(path)
		if err != nil || !fi.Mode().IsRegular() {
			continue
		}
		files = append(files, path)
	}
	sort.Strings(files)
	return files, nil
}

func fileExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}
