package engine

import (
	"errors"
	"fmt"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openfroyo/converge/pkg/core"
	"github.com/openfroyo/converge/pkg/exec/local"
	"github.com/openfroyo/converge/pkg/exec/remote"
	"github.com/openfroyo/converge/pkg/manifest"
)

type exitStatus int

func (e exitStatus) Error() string { return fmt.Sprintf("exit status %d", int(e)) }
func (e exitStatus) ExitCode() int { return int(e) }

func TestClassify(t *testing.T) {
	exitErr := exec.Command("/bin/sh", "-c", "exit 3").Run()
	var execExit *exec.ExitError
	require.ErrorAs(t, exitErr, &execExit)

	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"nil", nil, ""},
		{"missing object", &UnresolvableRequirementsError{Object: "a", Requirement: "b", Err: &core.ObjectNotFoundError{Name: "b"}}, ErrorClassUnresolvable},
		{"not found alone", &core.ObjectNotFoundError{Name: "b"}, ErrorClassUnresolvable},
		{"invalid type", &core.InvalidTypeError{Name: "__x"}, ErrorClassUnresolvable},
		{"no initial manifest", &manifest.NoInitialManifestError{}, ErrorClassConfig},
		{"local script", &local.CommandError{Command: []string{"gencode-local"}, ExitCode: 1}, ErrorClassScript},
		{"remote exec exit", &remote.CommandError{Command: "code-remote", Err: exitErr}, ErrorClassScript},
		{"remote session exit", &remote.CommandError{Command: "code-remote", Err: exitStatus(2)}, ErrorClassScript},
		{"remote start", &remote.CommandError{Command: "true", Err: errors.New("start ssh: no such file")}, ErrorClassTransport},
		{"remote decode", &remote.DecodeError{Command: "explorer"}, ErrorClassTransport},
		{"wrapped remote exit", &ObjectError{Object: "__test/a", Phase: core.PhaseCodeRemote,
			Err: fmt.Errorf("run: %w", &remote.CommandError{Command: "code-remote", Err: exitStatus(1)})}, ErrorClassScript},
		{"other", errors.New("disk full"), ErrorClassInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Classify(tt.err))
		})
	}
}
