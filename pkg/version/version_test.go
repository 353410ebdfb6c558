package version

import (
	"runtime/debug"
	"strings"
	"testing"
)

func TestStringUsesLinkerValues(t *testing.T) {
	oldV, oldC, oldD := Version, Commit, Dirty
	defer func() { Version, Commit, Dirty = oldV, oldC, oldD }()

	Version, Commit, Dirty = "v1.2.3", "0123456789abcdef0123", "true"
	if got := String(); got != "v1.2.3+0123456789ab+dirty" {
		t.Fatalf("unexpected version string %q", got)
	}
	if got := Detailed(); !strings.HasPrefix(got, "copilotbridge v1.2.3+0123456789ab+dirty (go") {
		t.Fatalf("unexpected detailed version %q", got)
	}
}

func TestBuildInfoFillsGaps(t *testing.T) {
	bi := &debug.BuildInfo{
		GoVersion: "go1.25.7",
		Main:      debug.Module{Version: "v0.9.0"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "abcdef0123456789"},
			{Key: "vcs.time", Value: "2026-01-02T03:04:05Z"},
			{Key: "vcs.modified", Value: "false"},
		},
	}
	got := Info{Version: "dev"}.withBuildInfo(bi)
	if got.Version != "v0.9.0" || got.Commit != "abcdef0123456789" || got.Date != "2026-01-02T03:04:05Z" || got.Dirty || got.GoVersion != "go1.25.7" {
		t.Fatalf("unexpected info %+v", got)
	}
	if got.String() != "v0.9.0+abcdef012345" {
		t.Fatalf("unexpected string %q", got.String())
	}

	pinned := Info{Version: "v1.0.0", Commit: "feed", Dirty: true}.withBuildInfo(bi)
	if pinned.Version != "v1.0.0" || pinned.Commit != "feed" || !pinned.Dirty {
		t.Fatalf("linker values must win, got %+v", pinned)
	}
}

func TestDevelBuildStaysDev(t *testing.T) {
	got := Info{Version: "dev"}.withBuildInfo(&debug.BuildInfo{Main: debug.Module{Version: "(devel)"}})
	if got.String() != "dev" {
		t.Fatalf("unexpected string %q", got.String())
	}
}
