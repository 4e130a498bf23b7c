package core

// Phase names an output-producing step of object processing. The names
// double as file names for the captured stdout and stderr streams.
type Phase string

const (
	PhaseInit          Phase = "init"
	PhaseExplorer      Phase = "explorer"
	PhaseManifest      Phase = "manifest"
	PhaseGencodeLocal  Phase = "gencode-local"
	PhaseGencodeRemote Phase = "gencode-remote"
	PhaseTransfer      Phase = "transfer"
	PhaseCodeLocal     Phase = "code-local"
	PhaseCodeRemote    Phase = "code-remote"
)

// ObjectPhases lists the captured phases of an object in execution order.
var ObjectPhases = []Phase{
	PhaseManifest,
	PhaseGencodeLocal,
	PhaseGencodeRemote,
	PhaseCodeLocal,
	PhaseCodeRemote,
}

// State is the processing state of an object.
type State string

const (
	StatePending State = "pending"
	StateDone    State = "done"
)
