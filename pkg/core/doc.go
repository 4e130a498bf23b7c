// Package core holds the data model of a run: types, objects and the
// on-disk object store that manifests, emulator processes and the engine
// share.
package core
