//go:build !unix

package lock

import "os"

func lockFile(*os.File) error { return errNoFlock }

func unlockFile(*os.File) {}

func tryLockFile(*os.File) error { return errNoFlock }
