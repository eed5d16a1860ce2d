// Package build carries build-time identification injected via -ldflags,
// for example:
//
//	go build -ldflags "-X batmon/internal/build.buildVersion=0.3.0"
//
// The version string also ends up in the GUANO metadata of every recording,
// so files can be traced back to the software that produced them.
package build

// Flags holds the resolved build information.
type Flags struct {
	Name    string // Application name
	Version string // Semantic version
	Commit  string // Git commit hash
	Time    string // Build timestamp
}

var (
	buildName    string
	buildVersion string
	buildCommit  string
	buildTime    string
)

// GetBuildFlags returns the build information, substituting development
// defaults for anything the linker did not set.
func GetBuildFlags() Flags {
	f := Flags{
		Name:    buildName,
		Version: buildVersion,
		Commit:  buildCommit,
		Time:    buildTime,
	}
	if f.Name == "" {
		f.Name = "batmon"
	}
	if f.Version == "" {
		f.Version = "dev"
	}
	if f.Commit == "" {
		f.Commit = "unknown"
	}
	if f.Time == "" {
		f.Time = "unknown"
	}
	return f
}
