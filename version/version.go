package version

import (
	"fmt"
	"runtime"

	"github.com/Masterminds/semver/v3"

	"github.com/teranos/docpulse/errors"
)

// Build information. These variables are set at build time via ldflags.
var (
	// CommitHash is the git commit hash when the binary was built
	CommitHash = "dev"

	// BuildTime is when the binary was built
	BuildTime = "unknown"

	// Version is the semantic version (if tagged)
	Version = "dev"
)

// Info contains version and build information
type Info struct {
	CommitHash string `json:"commit_hash"`
	BuildTime  string `json:"build_time"`
	Version    string `json:"version"`
	GoVersion  string `json:"go_version"`
	Platform   string `json:"platform"`
}

// Get returns the current version information
func Get() Info {
	return Info{
		CommitHash: CommitHash,
		BuildTime:  BuildTime,
		Version:    Version,
		GoVersion:  runtime.Version(),
		Platform:   fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}

// String returns a human-readable version string
func (i Info) String() string {
	if i.Version != "dev" {
		return fmt.Sprintf("docpulse %s (commit %s, built %s)", i.Version, i.CommitHash, i.BuildTime)
	}
	return fmt.Sprintf("docpulse dev (commit %s, built %s)", i.CommitHash, i.BuildTime)
}

// Short returns a short version string with just the commit hash
func (i Info) Short() string {
	if len(i.CommitHash) >= 7 {
		return i.CommitHash[:7]
	}
	return i.CommitHash
}

// Generator identifies this binary in persisted run state
func Generator() string {
	return "docpulse/" + Version
}

// Compatible reports whether state written by generator can be read by the
// running binary. Anything written by a newer major version is not.
// Unversioned writers ("dev", empty) are always compatible.
func Compatible(generator string) (bool, error) {
	written := stripName(generator)
	if written == "" || written == "dev" || Version == "dev" {
		return true, nil
	}

	writtenVer, err := semver.NewVersion(written)
	if err != nil {
		return false, errors.Wrapf(err, "invalid generator version %s", generator)
	}
	running, err := semver.NewVersion(Version)
	if err != nil {
		return false, errors.Wrapf(err, "invalid binary version %s", Version)
	}

	constraint, err := semver.NewConstraint(fmt.Sprintf("< %d.0.0", running.Major()+1))
	if err != nil {
		return false, errors.Wrap(err, "build version constraint")
	}
	return constraint.Check(writtenVer), nil
}

func stripName(generator string) string {
	for i := len(generator) - 1; i >= 0; i-- {
		if generator[i] == '/' {
			return generator[i+1:]
		}
	}
	return generator
}
