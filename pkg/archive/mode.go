// Package archive builds the normalized tar streams used to ship
// directories to a target host in one remote call.
package archive

import (
	"fmt"
	"strings"
)

// Mode selects the archive compression. None disables archiving.
type Mode int

const (
	None Mode = iota
	Tar
	TarGz
	TarBz2
	TarXz
)

type modeInfo struct {
	name        string
	tag         string
	ext         string
	extractOpts string
	description string
}

var modeTable = map[Mode]modeInfo{
	None:   {name: "none", description: "archiving disabled"},
	Tar:    {name: "tar", tag: "", ext: ".tar", extractOpts: "", description: "tar archive"},
	TarGz:  {name: "tgz", tag: "gz", ext: ".tar.gz", extractOpts: "z", description: "gzip tar archive"},
	TarBz2: {name: "tbz2", tag: "bz2", ext: ".tar.bz2", extractOpts: "j", description: "bzip2 tar archive"},
	TarXz:  {name: "txz", tag: "xz", ext: ".tar.xz", extractOpts: "J", description: "lzma tar archive"},
}

// Modes lists the archiving modes, None first.
func Modes() []Mode {
	return []Mode{None, Tar, TarGz, TarBz2, TarXz}
}

// ParseMode parses a mode name case-insensitively.
func ParseMode(s string) (Mode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, m := range Modes() {
		if modeTable[m].name == s {
			return m, nil
		}
	}
	return None, fmt.Errorf("invalid archiving mode: %s", s)
}

// String returns the mode name as accepted by ParseMode.
func (m Mode) String() string {
	if info, ok := modeTable[m]; ok {
		return info.name
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// Enabled reports whether the mode archives at all.
func (m Mode) Enabled() bool {
	_, ok := modeTable[m]
	return ok && m != None
}

// Tag is the compression tag of the mode ("", "gz", "bz2" or "xz").
func (m Mode) Tag() string {
	return modeTable[m].tag
}

// FileExtension is the conventional archive file extension.
func (m Mode) FileExtension() string {
	return modeTable[m].ext
}

// ExtractOptions are the flags appended to "tar x" on the receiving side.
func (m Mode) ExtractOptions() string {
	return modeTable[m].extractOpts
}

// Description is a short human readable description.
func (m Mode) Description() string {
	return modeTable[m].description
}
