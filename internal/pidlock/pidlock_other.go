//go:build !unix

package pidlock

import "os"

// Advisory locking is not available; the pid file is still written.
func tryLock(*os.File) error { return nil }

func unlock(*os.File) error { return nil }
