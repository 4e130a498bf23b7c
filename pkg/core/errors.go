package core

import "fmt"

// InvalidTypeError is returned when a type name does not resolve to a
// type directory.
type InvalidTypeError struct {
	Name string
	Path string
}

func (e *InvalidTypeError) Error() string {
	return fmt.Sprintf("invalid type %q: no such type directory %s", e.Name, e.Path)
}

// MissingObjectIdError is returned when an object of a non-singleton type
// is named without an object id.
type MissingObjectIdError struct {
	Type string
}

func (e *MissingObjectIdError) Error() string {
	return fmt.Sprintf("type %s requires an object id", e.Type)
}

// IllegalObjectIdError is returned when an object id is malformed.
type IllegalObjectIdError struct {
	Type    string
	ID      string
	Message string
}

func (e *IllegalObjectIdError) Error() string {
	return fmt.Sprintf("illegal object id %q for type %s: %s", e.ID, e.Type, e.Message)
}

// ObjectNotFoundError is returned when a named object was never declared.
type ObjectNotFoundError struct {
	Name string
}

func (e *ObjectNotFoundError) Error() string {
	return fmt.Sprintf("object %s does not exist", e.Name)
}
