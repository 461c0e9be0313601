package version

// Values for these are injected at build time with
// -ldflags "-X github.com/krancour/abe/internal/version.version=..."
var (
	version string
	commit  string
)

// Version returns the abe version, or "devel" for builds that didn't set one.
func Version() string {
	if version == "" {
		return "devel"
	}
	return version
}

// Commit returns the git commit SHA abe was built from, if known.
func Commit() string {
	return commit
}

// String returns the version and, if known, the commit in a form suitable
// for display.
func String() string {
	if commit == "" {
		return Version()
	}
	return Version() + " (" + commit + ")"
}
