package core

import (
	"bufio"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Object is one configuration unit, an instance of a Type. All mutable
// attributes live on disk below Path so that emulator child processes
// and the engine see the same state.
type Object struct {
	Type *Type
	ID   string

	store *Store
}

// Name returns "type/id", or just the type name for singletons.
func (o *Object) Name() string {
	return JoinName(o.Type.Name, o.ID)
}

// RelativePath returns the object directory relative to the store root.
func (o *Object) RelativePath() string {
	return filepath.Join(o.Type.Name, o.ID, o.store.Marker)
}

// Path returns the absolute object directory.
func (o *Object) Path() string {
	return filepath.Join(o.store.BasePath, o.RelativePath())
}

// Exists reports whether the object has been declared.
func (o *Object) Exists() bool {
	fi, err := os.Stat(o.Path())
	return err == nil && fi.IsDir()
}

// Requirements returns the requirement names in insertion order.
func (o *Object) Requirements() ([]string, error) {
	return readLines(filepath.Join(o.Path(), "require"))
}

// AddRequirements appends names that are not yet required. Order is kept.
func (o *Object) AddRequirements(names ...string) error {
	current, err := o.Requirements()
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(current))
	for _, n := range current {
		seen[n] = true
	}
	var add []string
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		add = append(add, n)
	}
	if len(add) == 0 {
		return nil
	}
	f, err := os.OpenFile(filepath.Join(o.Path(), "require"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(strings.Join(add, "\n") + "\n")
	return err
}

// State returns the processing state. Objects without a state file are
// pending.
func (o *Object) State() (State, error) {
	data, err := os.ReadFile(filepath.Join(o.Path(), "state"))
	if err != nil {
		if os.IsNotExist(err) {
			return StatePending, nil
		}
		return "", err
	}
	s := State(strings.TrimSpace(string(data)))
	if s == "" {
		return StatePending, nil
	}
	return s, nil
}

// SetState writes the processing state.
func (o *Object) SetState(s State) error {
	return os.WriteFile(filepath.Join(o.Path(), "state"), []byte(string(s)+"\n"), 0644)
}

// IsDone is a shortcut for State() == StateDone.
func (o *Object) IsDone() (bool, error) {
	s, err := o.State()
	return s == StateDone, err
}

// ParameterPath returns the directory holding one file per parameter.
func (o *Object) ParameterPath() string {
	return filepath.Join(o.Path(), "parameter")
}

// Parameters returns all parameters of the object.
func (o *Object) Parameters() (map[string]string, error) {
	entries, err := os.ReadDir(o.ParameterPath())
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, err
	}
	params := make(map[string]string, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(o.ParameterPath(), e.Name()))
		if err != nil {
			return nil, err
		}
		params[e.Name()] = strings.TrimSuffix(string(data), "\n")
	}
	return params, nil
}

// SetParameters replaces the parameters of the object.
func (o *Object) SetParameters(params map[string]string) error {
	if err := os.RemoveAll(o.ParameterPath()); err != nil {
		return err
	}
	if err := os.MkdirAll(o.ParameterPath(), 0755); err != nil {
		return err
	}
	for name, value := range params {
		if strings.ContainsRune(name, '/') || name == "" {
			return errors.New("invalid parameter name: " + name)
		}
		if err := os.WriteFile(filepath.Join(o.ParameterPath(), name), []byte(value+"\n"), 0644); err != nil {
			return err
		}
	}
	return nil
}

// CodeLocalPath is where the generated local code is stored.
func (o *Object) CodeLocalPath() string {
	return filepath.Join(o.Path(), "code-local")
}

// CodeRemotePath is where the generated remote code is stored.
func (o *Object) CodeRemotePath() string {
	return filepath.Join(o.Path(), "code-remote")
}

// CodeLocal returns the generated local code, "" if none was generated.
func (o *Object) CodeLocal() (string, error) {
	return readOptional(o.CodeLocalPath())
}

// SetCodeLocal stores the generated local code.
func (o *Object) SetCodeLocal(code string) error {
	return os.WriteFile(o.CodeLocalPath(), []byte(code), 0755)
}

// CodeRemote returns the generated remote code, "" if none was generated.
func (o *Object) CodeRemote() (string, error) {
	return readOptional(o.CodeRemotePath())
}

// SetCodeRemote stores the generated remote code.
func (o *Object) SetCodeRemote(code string) error {
	return os.WriteFile(o.CodeRemotePath(), []byte(code), 0755)
}

// ExplorerPath is the directory holding the type explorer results.
func (o *Object) ExplorerPath() string {
	return filepath.Join(o.Path(), "explorer")
}

// Env returns the variables describing the object to its type's scripts.
func (o *Object) Env() map[string]string {
	return map[string]string{
		"__object":      o.Path(),
		"__object_id":   o.ID,
		"__object_name": o.Name(),
		"__object_fq":   o.Name(),
		"__type":        o.Type.Path,
	}
}

// SourcePath lists the manifests that declared the object.
func (o *Object) SourcePath() string {
	return filepath.Join(o.Path(), "source")
}

// Sources returns the manifests that declared the object, in order.
func (o *Object) Sources() ([]string, error) {
	return readLines(o.SourcePath())
}

// AddSource records that manifest declared the object.
func (o *Object) AddSource(manifest string) error {
	f, err := os.OpenFile(o.SourcePath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(manifest + "\n"); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// StdoutPath returns the capture file for stdout of a phase.
func (o *Object) StdoutPath(phase Phase) string {
	return filepath.Join(o.Path(), "stdout", string(phase))
}

// StderrPath returns the capture file for stderr of a phase.
func (o *Object) StderrPath(phase Phase) string {
	return filepath.Join(o.Path(), "stderr", string(phase))
}

func readOptional(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return string(data), nil
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, scanner.Err()
}

// sortObjects orders objects by name.
func sortObjects(objs []*Object) {
	sort.Slice(objs, func(i, j int) bool { return objs[i].Name() < objs[j].Name() })
}
