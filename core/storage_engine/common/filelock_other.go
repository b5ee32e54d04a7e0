//go:build !unix

package common

import "os"

// Advisory locking is only wired on unix; other platforms run unlocked.
func flock(*os.File, bool) error { return nil }

func funlock(*os.File) error { return nil }
