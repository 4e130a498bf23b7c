package core

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// MarkerPrefix starts every object marker directory name.
const MarkerPrefix = ".cdist-"

// NewMarker returns a fresh per-run object marker.
func NewMarker() string {
	return MarkerPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Store is the on-disk object store. Objects live in
// <BasePath>/<type>/<object id>/<Marker>/.
type Store struct {
	// BasePath is the root of the object tree.
	BasePath string

	// TypeBasePath is the directory holding the type definitions.
	TypeBasePath string

	// Marker is the per-run directory name that terminates an object path.
	Marker string

	mu    sync.Mutex
	types map[string]*Type
}

// NewStore creates a store rooted at basePath.
func NewStore(basePath, typeBasePath, marker string) *Store {
	return &Store{
		BasePath:     basePath,
		TypeBasePath: typeBasePath,
		Marker:       marker,
		types:        make(map[string]*Type),
	}
}

// Type loads a type by name. Loaded types are cached.
func (s *Store) Type(name string) (*Type, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.types[name]; ok {
		return t, nil
	}
	t, err := loadType(s.TypeBasePath, name)
	if err != nil {
		return nil, err
	}
	s.types[name] = t
	return t, nil
}

// JoinName builds an object name from a type name and object id.
func JoinName(typeName, id string) string {
	if id == "" {
		return typeName
	}
	return typeName + "/" + id
}

// SplitName splits an object name into type name and object id.
func SplitName(name string) (typeName, id string) {
	typeName, id, _ = strings.Cut(name, "/")
	return typeName, id
}

// ValidateObjectID checks id against the rules for objects of t.
func (s *Store) ValidateObjectID(t *Type, id string) error {
	if t.IsSingleton() {
		if id != "" {
			return &IllegalObjectIdError{Type: t.Name, ID: id, Message: "singleton objects can't have an object id"}
		}
		return nil
	}
	if id == "" {
		return &MissingObjectIdError{Type: t.Name}
	}

	illegal := func(msg string) error {
		return &IllegalObjectIdError{Type: t.Name, ID: id, Message: msg}
	}
	if strings.HasPrefix(id, "/") {
		return illegal("object id may not start with /")
	}
	if strings.HasSuffix(id, "/") {
		return illegal("object id may not end with /")
	}
	if strings.Contains(id, "//") {
		return illegal("object id may not contain //")
	}
	for _, part := range strings.Split(id, "/") {
		switch {
		case part == ".":
			return illegal("object id may not contain . as a path component")
		case part == "..":
			return illegal("object id may not contain .. as a path component")
		case part == s.Marker || strings.HasPrefix(part, MarkerPrefix):
			return illegal("object id may not contain the object marker")
		}
	}
	return nil
}

// Object returns the object handle for type name and id, validating both.
// The object need not exist.
func (s *Store) Object(typeName, id string) (*Object, error) {
	t, err := s.Type(typeName)
	if err != nil {
		return nil, err
	}
	if err := s.ValidateObjectID(t, id); err != nil {
		return nil, err
	}
	return &Object{Type: t, ID: id, store: s}, nil
}

// ObjectFromName parses and validates an object name.
func (s *Store) ObjectFromName(name string) (*Object, error) {
	typeName, id := SplitName(name)
	return s.Object(typeName, id)
}

// Create declares an object. Declaring an existing object is idempotent
// and returns the existing object with created set to false.
func (s *Store) Create(typeName, id string) (obj *Object, created bool, err error) {
	obj, err = s.Object(typeName, id)
	if err != nil {
		return nil, false, err
	}
	if obj.Exists() {
		return obj, false, nil
	}
	for _, dir := range []string{obj.Path(), filepath.Join(obj.Path(), "stdout"), filepath.Join(obj.Path(), "stderr"), obj.ExplorerPath()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, false, err
		}
	}
	if err := obj.SetState(StatePending); err != nil {
		return nil, false, err
	}
	return obj, true, nil
}

// List returns every declared object sorted by name.
func (s *Store) List() ([]*Object, error) {
	var objs []*Object
	err := filepath.WalkDir(s.BasePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == s.BasePath {
				return fs.SkipDir
			}
			return err
		}
		if !d.IsDir() || d.Name() != s.Marker {
			return nil
		}
		rel, err := filepath.Rel(s.BasePath, filepath.Dir(path))
		if err != nil {
			return err
		}
		typeName, id := SplitName(filepath.ToSlash(rel))
		obj, err := s.Object(typeName, id)
		if err != nil {
			return err
		}
		objs = append(objs, obj)
		return fs.SkipDir
	})
	if err != nil {
		return nil, err
	}
	sortObjects(objs)
	return objs, nil
}

// Requirements returns the requirement graph of all declared objects.
func (s *Store) Requirements() (map[string][]string, error) {
	objs, err := s.List()
	if err != nil {
		return nil, err
	}
	graph := make(map[string][]string, len(objs))
	for _, o := range objs {
		reqs, err := o.Requirements()
		if err != nil {
			return nil, err
		}
		graph[o.Name()] = reqs
	}
	return graph, nil
}
