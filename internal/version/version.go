// Package version reports the spectree build version.
package version

import (
	_ "embed"
	"fmt"
	"runtime"
	"strings"
)

//go:embed VERSION
var versionContent string

// Override replaces the embedded version when set with
// -ldflags "-X github.com/ShayCichocki/spectree/internal/version.Override=v1.2.3".
var Override string

// Get returns the current version, with whitespace trimmed
func Get() string {
	if v := strings.TrimSpace(Override); v != "" {
		return v
	}
	return strings.TrimSpace(versionContent)
}

// Long returns the version with the Go runtime and platform.
func Long() string {
	return fmt.Sprintf("spectree %s (%s %s/%s)", Get(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
