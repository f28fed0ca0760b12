//go:build !unix

package disk

import "os"

// tryLockFile is a no-op on platforms without fcntl locks.
func tryLockFile(f *os.File) error { return nil }

// unlockFile is the counterpart of tryLockFile.
func unlockFile(f *os.File) error { return nil }
