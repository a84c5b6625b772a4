// Cross-process writer exclusion.
//
// A journal admits one writer at a time, enforced with an OS-level
// lock on lock.lock in the journal directory. The lock is advisory
// between processes; within a process the second OpenWriter fails the
// same way.
package strata

import (
	"path/filepath"

	"github.com/gofrs/flock"
)

const lockFile = "lock.lock"

// acquireWriterLock takes the exclusive journal lock without blocking.
func acquireWriterLock(dir string) (*flock.Flock, error) {
	fl := flock.New(filepath.Join(dir, lockFile))
	ok, err := fl.TryLock()
	if err != nil {
		return nil, ioErr("lock", fl.Path(), err)
	}
	if !ok {
		return nil, ErrConcurrentWriter
	}
	return fl, nil
}
