package internal

import (
	"fmt"
	"runtime"
)

// Version is the current version of chatboard
// This should be updated with each release
const Version = "0.1.0"

// VersionString renders the version line printed by --version.
func VersionString() string {
	return fmt.Sprintf("chatboard %s (%s/%s)", Version, runtime.GOOS, runtime.GOARCH)
}
