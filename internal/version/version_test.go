package version

import (
	"runtime/debug"
	"testing"
)

func TestApplyBuildInfo(t *testing.T) {
	bi := &debug.BuildInfo{
		GoVersion: "go1.24.11",
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "0123456789abcdef"},
			{Key: "vcs.time", Value: "2026-01-02T03:04:05Z"},
			{Key: "vcs.modified", Value: "true"},
		},
	}

	out := Info{Version: "dev", Commit: "none"}
	applyBuildInfo(&out, bi)
	if out.Commit != "0123456789abcdef" || out.CommitDate != "2026-01-02T03:04:05Z" || out.BuildDate != out.CommitDate {
		t.Fatalf("vcs fallback = %+v", out)
	}
	if out.VCSDirty == nil || !*out.VCSDirty {
		t.Fatal("vcs.modified=true should mark dirty")
	}
	if out.GoVersion != "go1.24.11" {
		t.Fatalf("GoVersion = %q", out.GoVersion)
	}

	clean := false
	out = Info{Commit: "ldflags", BuildDate: "release", VCSDirty: &clean}
	applyBuildInfo(&out, bi)
	if out.Commit != "ldflags" || out.BuildDate != "release" || *out.VCSDirty {
		t.Fatalf("ldflags must win: %+v", out)
	}
}

func TestInfoString(t *testing.T) {
	dirty := true
	got := Info{Version: "v1.2.0", Commit: "0123456789abcdef", GoVersion: "go1.24", VCSDirty: &dirty}.String()
	if want := "linnemanlabs-pages v1.2.0 (0123456789ab-dirty, go1.24)"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestGet_PrefersVariables(t *testing.T) {
	old := Version
	t.Cleanup(func() { Version = old })
	Version = "v9.9.9"
	if Get().Version != "v9.9.9" {
		t.Fatal("Version variable ignored")
	}
}
