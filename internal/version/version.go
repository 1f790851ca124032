package version

import "strings"

// Version is the current version of clarvis.
const Version = "0.1.0"

// GitRef is injected at build time for dev builds (e.g. via -ldflags -X).
var GitRef = "unknown"

// ReleaseBuild is injected at build time. When true, DisplayVersion omits git ref.
var ReleaseBuild = "false"

// Info is the build description reported by the health endpoint.
type Info struct {
	Version string `json:"version"`
	GitRef  string `json:"gitRef,omitempty"`
	Release bool   `json:"release"`
}

// Current returns the running build's Info.
func Current() Info {
	info := Info{Version: Version, Release: isReleaseBuild()}
	if !info.Release {
		info.GitRef = normalizeRef(GitRef)
	}
	return info
}

// DisplayVersion returns the user-facing build version:
// - release: v<semver>
// - dev:     v<semver>-<gitref>
func DisplayVersion() string {
	info := Current()
	if info.Release {
		return "v" + info.Version
	}
	return "v" + info.Version + "-" + info.GitRef
}

func isReleaseBuild() bool {
	switch strings.ToLower(strings.TrimSpace(ReleaseBuild)) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}

func normalizeRef(ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "unknown"
	}
	return ref
}
