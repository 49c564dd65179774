// Package compaction defines the compaction modes understood by the storage
// layer. The entry core treats a Mode as an opaque tag: it is chosen by the
// compaction policy, carried through the entry's cleaner, and interpreted by
// the storage engine when it rewrites segments.
package compaction

import (
	"fmt"

	"github.com/pkg/errors"
)

// Mode identifies how an entry should be reclaimed from storage.
type Mode uint8

const (
	// None means the entry has not been marked for compaction.
	None Mode = iota
	// Snapshot marks an entry whose effect is captured by a snapshot and
	// whose payload can be reclaimed as soon as storage gets to it.
	Snapshot
	// Sequential marks an entry that must be reclaimed in log order,
	// i.e. only once all entries before it have been reclaimed.
	Sequential
	// Tombstone marks an entry that deletes prior state and must outlive
	// the entries it deletes.
	Tombstone
)

var names = map[Mode]string{
	None:       "none",
	Snapshot:   "snapshot",
	Sequential: "sequential",
	Tombstone:  "tombstone",
}

func (m Mode) String() string {
	if s, ok := names[m]; ok {
		return s
	}

	return fmt.Sprintf("mode(%d)", uint8(m))
}

// ParseMode converts a mode name, e.g. from a config file, into a Mode.
func ParseMode(s string) (Mode, error) {
	for m, name := range names {
		if name == s {
			return m, nil
		}
	}

	return None, errors.Errorf("unrecognized compaction mode %+q", s)
}
