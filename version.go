package aard

// Build identity. Release builds override these via -ldflags; a plain
// source build reports "development".
const (
	// Version is the orchestration core release.
	Version = "development"

	// APIVersion names the HTTP surface generation.
	APIVersion = "v1"

	// BuildDate is stamped by the release build.
	BuildDate = "development"

	// GitCommit is stamped by the release build.
	GitCommit = "unknown"
)
