package boundscheck

// Version information for the bounds-checking runtime.
const (
	// Version is the current version of the bounds-checking runtime.
	Version = "0.1.0"

	// VersionMajor is the major version number.
	VersionMajor = 0

	// VersionMinor is the minor version number.
	VersionMinor = 1

	// VersionPatch is the patch version number.
	VersionPatch = 0
)

// Info provides runtime information about the bounds checker.
type Info struct {
	// Version is the runtime version string.
	Version string

	// Algorithm is the region lookup scheme used.
	Algorithm string

	// Enabled indicates whether a runtime is initialized.
	Enabled bool

	// RuntimeID identifies the process-wide runtime, empty when disabled.
	RuntimeID string
}

// GetInfo returns information about the bounds-checking runtime.
//
// Example:
//
//	info := boundscheck.GetInfo()
//	fmt.Printf("boundscheck %s (%s)\n", info.Version, info.Algorithm)
func GetInfo() Info {
	info := Info{
		Version:   Version,
		Algorithm: "two-level granule table with region chains",
	}
	if rt := current.Load(); rt != nil {
		info.Enabled = true
		info.RuntimeID = rt.ID()
	}
	return info
}
