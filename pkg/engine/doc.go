// Package engine converges one target host.
//
// The object graph is discovered while it is processed: every manifest
// run may declare new objects. The engine therefore works in sweeps. A
// sweep walks all declared objects in lexical order and processes every
// pending object whose requirements are done:
//
//	explorer -> manifest -> gencode-local -> gencode-remote ->
//	transfer -> code-local -> code-remote
//
// Sweeps repeat until every object is done. A sweep that makes no
// progress while objects are still pending ends the run with an error
// explaining the stall: a requirement cycle, a requirement on an unknown
// type, a malformed object id or an object that was never declared.
package engine
