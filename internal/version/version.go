// Package version reports which spacesync build is running. Release builds
// stamp the variables below with -ldflags; other builds fall back to the module
// and VCS data the Go toolchain embeds.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

const (
	devVersion  = "0.1.0-dev"
	devRevision = "HEAD"
)

var (
	AppName   = "spacesync"
	Version   = devVersion
	Revision  = devRevision
	BuildDate = ""
)

func init() {
	if info, ok := debug.ReadBuildInfo(); ok && info != nil {
		settings := make(map[string]string, len(info.Settings))
		for _, s := range info.Settings {
			settings[s.Key] = s.Value
		}
		applyBuildInfo(info.Main.Version, settings)
	}
	if BuildDate == "" {
		BuildDate = time.Now().UTC().Format(time.RFC3339)
	}
}

// applyBuildInfo only touches values still at their placeholder, so ldflags
// always take precedence.
func applyBuildInfo(mainVersion string, settings map[string]string) {
	if unstamped(Version, devVersion) {
		if mainVersion != "" && mainVersion != "(devel)" {
			Version = strings.TrimPrefix(mainVersion, "v")
		}
	}

	if unstamped(Revision, devRevision) {
		if rev := settings["vcs.revision"]; rev != "" {
			if settings["vcs.modified"] == "true" {
				rev += "-dirty"
			}
			Revision = rev
		}
	}

	if BuildDate == "" {
		BuildDate = settings["vcs.time"]
	}
}

func unstamped(v, placeholder string) bool {
	return v == "" || v == placeholder
}

// Short is the version and revision alone, e.g. `0.3.1 (0f1e2d3c)`.
func Short() string {
	return fmt.Sprintf("%s (%s)", Version, Revision)
}

func ShortWithApp() string {
	return AppName + " " + Short()
}

// Detailed adds the toolchain, platform and build date; `spacesync version`
// and `--version` print it.
func Detailed() string {
	details := []string{Revision, runtime.Version(), runtime.GOOS + "/" + runtime.GOARCH, BuildDate}
	return fmt.Sprintf("%s (%s)", Version, strings.Join(details, "; "))
}

func DetailedWithApp() string {
	return AppName + " " + Detailed()
}
