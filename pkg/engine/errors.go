package engine

import (
	"errors"
	"fmt"

	"github.com/openfroyo/converge/pkg/core"
	"github.com/openfroyo/converge/pkg/exec/local"
	"github.com/openfroyo/converge/pkg/exec/remote"
	"github.com/openfroyo/converge/pkg/manifest"
)

// ErrorClass groups run failures for reporting.
type ErrorClass string

const (
	// ErrorClassUnresolvable marks requirements that can never be met.
	ErrorClassUnresolvable ErrorClass = "unresolvable"

	// ErrorClassScript marks a manifest, generator or code script that
	// exited non-zero.
	ErrorClassScript ErrorClass = "script"

	// ErrorClassTransport marks a failure to reach or talk to the target.
	ErrorClassTransport ErrorClass = "transport"

	// ErrorClassConfig marks missing or invalid configuration, such as a
	// missing initial manifest.
	ErrorClassConfig ErrorClass = "config"

	// ErrorClassInternal marks everything else, mostly local I/O.
	ErrorClassInternal ErrorClass = "internal"
)

// ObjectError wraps any failure while an object was processed. Object is
// empty for failures outside object processing, such as the initial
// manifest or the global explorers.
type ObjectError struct {
	Object string     `json:"object,omitempty"`
	Phase  core.Phase `json:"phase"`
	Err    error      `json:"-"`
}

func (e *ObjectError) Error() string {
	if e.Object == "" {
		return fmt.Sprintf("%s: %v", e.Phase, e.Err)
	}
	return fmt.Sprintf("object %s (phase=%s): %v", e.Object, e.Phase, e.Err)
}

// Unwrap returns the original cause.
func (e *ObjectError) Unwrap() error {
	return e.Err
}

// Class classifies the cause of the failure.
func (e *ObjectError) Class() ErrorClass {
	return Classify(e.Err)
}

// UnresolvableRequirementsError reports pending objects that can never
// become ready. Exactly one of Cycle and Requirement describes the cause.
type UnresolvableRequirementsError struct {
	// Object is the pending object whose requirement is at fault.
	Object string

	// Requirement is the requirement that names no declared object, or
	// Object itself for a self-requirement.
	Requirement string

	// Cycle is a requirement cycle whose first and last entries are the
	// same object.
	Cycle []string

	// Err is the *core.ObjectNotFoundError of a requirement naming an
	// object that was never declared.
	Err error
}

func (e *UnresolvableRequirementsError) Error() string {
	switch {
	case len(e.Cycle) > 0:
		return "unresolvable requirements: cycle detected: " + formatCycle(e.Cycle)
	case e.Requirement == e.Object:
		return fmt.Sprintf("unresolvable requirements: object %s requires itself", e.Object)
	default:
		return fmt.Sprintf("unresolvable requirements: object %s requires %s which does not exist", e.Object, e.Requirement)
	}
}

func (e *UnresolvableRequirementsError) Unwrap() error {
	return e.Err
}

// Classify maps an error to its class.
func Classify(err error) ErrorClass {
	var (
		unresolvable *UnresolvableRequirementsError
		invalidType  *core.InvalidTypeError
		missingID    *core.MissingObjectIdError
		illegalID    *core.IllegalObjectIdError
		notFound     *core.ObjectNotFoundError
		noManifest   *manifest.NoInitialManifestError
		localCmd     *local.CommandError
		remoteCmd    *remote.CommandError
		decode       *remote.DecodeError
		connection   interface{ Temporary() bool }
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &unresolvable), errors.As(err, &invalidType),
		errors.As(err, &missingID), errors.As(err, &illegalID), errors.As(err, &notFound):
		return ErrorClassUnresolvable
	case errors.As(err, &noManifest):
		return ErrorClassConfig
	case errors.As(err, &localCmd), errors.As(err, &remoteCmd) && remoteCmd.Exited():
		return ErrorClassScript
	case errors.As(err, &decode), errors.As(err, &remoteCmd), errors.As(err, &connection):
		return ErrorClassTransport
	default:
		return ErrorClassInternal
	}
}

// IsUnresolvable reports whether err means the requirement graph cannot
// be satisfied.
func IsUnresolvable(err error) bool {
	return Classify(err) == ErrorClassUnresolvable
}
