package config

import "fmt"

// CurrentVersion is the configuration format this build reads. A file
// without a version is treated as current.
const CurrentVersion = 1

// VersionError reports a configuration file written for another format.
type VersionError struct {
	Found     int
	Supported int
}

func (e *VersionError) Error() string {
	if e.Found > e.Supported {
		return fmt.Sprintf("config version %d was written by a newer agentcore (this build reads version %d)", e.Found, e.Supported)
	}
	return fmt.Sprintf("config version %d is no longer supported; set version: %d and review the changelog", e.Found, e.Supported)
}

// Newer reports whether the file needs a newer build.
func (e *VersionError) Newer() bool {
	return e.Found > e.Supported
}

// ValidateVersion rejects any version other than CurrentVersion.
func ValidateVersion(version int) error {
	if version == CurrentVersion {
		return nil
	}
	return &VersionError{Found: version, Supported: CurrentVersion}
}
