//go:build !unix

package store

import "os"

// Advisory file locking is only wired up on unix. Elsewhere the
// in-process mutex still serializes mutations within one process.
func lockFile(_ *os.File) error   { return nil }
func unlockFile(_ *os.File) error { return nil }
