// Package version reports what build of copilotbridge is running.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

// Linker overrides:
//
//	-X github.com/lkarlslund/copilotbridge/pkg/version.Version=v0.3.0
//	-X github.com/lkarlslund/copilotbridge/pkg/version.Commit=<sha>
var (
	Version = "dev"
	Commit  = ""
	Date    = ""
	Dirty   = ""
)

const (
	Component     = "copilotbridge"
	shortCommitLn = 12
)

type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	Date      string `json:"date,omitempty"`
	Dirty     bool   `json:"dirty,omitempty"`
	GoVersion string `json:"go_version"`
}

// Current merges the linker values with the module build info. Linker values
// win; build info only fills the gaps.
func Current() Info {
	info := fromLinker()
	if bi, ok := debug.ReadBuildInfo(); ok {
		info = info.withBuildInfo(bi)
	}
	return info
}

func fromLinker() Info {
	info := Info{
		Version:   strings.TrimSpace(Version),
		Commit:    strings.TrimSpace(Commit),
		Date:      strings.TrimSpace(Date),
		Dirty:     isTrue(Dirty),
		GoVersion: runtime.Version(),
	}
	if info.Version == "" {
		info.Version = "dev"
	}
	return info
}

func (i Info) withBuildInfo(bi *debug.BuildInfo) Info {
	if bi == nil {
		return i
	}
	if i.Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		i.Version = bi.Main.Version
	}
	if bi.GoVersion != "" {
		i.GoVersion = bi.GoVersion
	}
	settings := make(map[string]string, len(bi.Settings))
	for _, s := range bi.Settings {
		settings[s.Key] = strings.TrimSpace(s.Value)
	}
	if i.Commit == "" {
		i.Commit = settings["vcs.revision"]
	}
	if i.Date == "" {
		i.Date = settings["vcs.time"]
	}
	i.Dirty = i.Dirty || isTrue(settings["vcs.modified"])
	return i
}

// ShortCommit truncates the revision for display.
func (i Info) ShortCommit() string {
	if len(i.Commit) > shortCommitLn {
		return i.Commit[:shortCommitLn]
	}
	return i.Commit
}

// String renders version[+shortcommit][+dirty].
func (i Info) String() string {
	var b strings.Builder
	b.WriteString(i.Version)
	if c := i.ShortCommit(); c != "" {
		b.WriteString("+" + c)
	}
	if i.Dirty {
		b.WriteString("+dirty")
	}
	return b.String()
}

func String() string {
	return Current().String()
}

// Detailed is the multi-line form printed by the version command.
func Detailed() string {
	i := Current()
	out := fmt.Sprintf("%s %s (%s)", Component, i, i.GoVersion)
	if i.Date != "" {
		out += "\nBuilt: " + i.Date
	}
	return out
}

func isTrue(v string) bool {
	return strings.EqualFold(strings.TrimSpace(v), "true")
}
