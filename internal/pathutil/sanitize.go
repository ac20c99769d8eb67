package pathutil

import (
	"strings"
	"unicode"

	"github.com/keithlinneman/linnemanlabs-pages/internal/archive"
	"github.com/keithlinneman/linnemanlabs-pages/internal/xerrors"
)

// Reason explains why an archive entry was not materialized.
type Reason string

const (
	ReasonNone        Reason = ""
	ReasonEmpty       Reason = "empty path"
	ReasonAbsolute    Reason = "absolute path"
	ReasonTraversal   Reason = "parent directory segment"
	ReasonHidden      Reason = "hidden path segment"
	ReasonSymlink     Reason = "symlink entry"
	ReasonUnsupported Reason = "unsupported entry type"
	ReasonInvalidName Reason = "invalid characters in name"
	ReasonTooLong     Reason = "path segment too long"

	// ReasonRoot marks the archive's own root directory ("./"). It carries no
	// content and is neither extracted nor counted as a rejection.
	ReasonRoot Reason = "archive root"
)

const maxSegment = 255

// Sanitize turns a raw archive entry name into a relative, slash-separated
// path that is safe to join under an extraction root. Checks run in order:
// empty or absolute, traversal, invalid characters, hidden segments,
// symlinks, other non-file kinds. "." segments and empty segments are
// normalized away.
func Sanitize(raw string, kind archive.Kind) (string, Reason) {
	if raw == "" {
		return "", ReasonEmpty
	}
	p := strings.ReplaceAll(raw, `\`, "/")
	if strings.HasPrefix(p, "/") || hasDrivePrefix(p) {
		return "", ReasonAbsolute
	}

	segs := make([]string, 0, strings.Count(p, "/")+1)
	for _, seg := range strings.Split(p, "/") {
		switch seg {
		case "", ".":
			continue
		case "..":
			return "", ReasonTraversal
		}
		segs = append(segs, seg)
	}
	if strings.IndexFunc(p, invalidRune) >= 0 {
		return "", ReasonInvalidName
	}
	for _, seg := range segs {
		if strings.HasPrefix(seg, ".") {
			return "", ReasonHidden
		}
		if len(seg) > maxSegment {
			return "", ReasonTooLong
		}
	}

	switch kind {
	case archive.KindSymlink:
		return "", ReasonSymlink
	case archive.KindFile, archive.KindDir:
	default:
		return "", ReasonUnsupported
	}

	if len(segs) == 0 {
		if kind == archive.KindDir {
			return "", ReasonRoot
		}
		return "", ReasonEmpty
	}
	return strings.Join(segs, "/"), ReasonNone
}

func hasDrivePrefix(p string) bool {
	return len(p) >= 2 && p[1] == ':' && ((p[0] >= 'a' && p[0] <= 'z') || (p[0] >= 'A' && p[0] <= 'Z'))
}

func invalidRune(r rune) bool {
	return r == 0 || r == unicode.ReplacementChar || unicode.IsControl(r)
}

// Decision is the sanitizer verdict for one entry, in archive order.
type Decision struct {
	Raw    string
	Path   string
	Kind   archive.Kind
	Reason Reason
}

// Accepted reports whether the entry is to be materialized.
func (d Decision) Accepted() bool { return d.Reason == ReasonNone }

// Rejection is a skipped entry surfaced to the caller as a warning.
type Rejection struct {
	Path   string `json:"path"`
	Reason Reason `json:"reason"`
}

// Plan is the evaluated sanitization of a whole archive.
type Plan struct {
	Decisions []Decision
	Rejected  []Rejection
	Files     int
	Dirs      int
}

// Policy decides when skipped entries make the whole upload worthless.
type Policy struct {
	// MaxRejected fails the upload when more entries than this are rejected.
	// Zero or less disables the count check.
	MaxRejected int
	// MaxRejectedRatio fails the upload when rejected/total exceeds it.
	// Zero or less disables the ratio check.
	MaxRejectedRatio float64
}

// Evaluate sanitizes every entry and applies the policy. It fails with
// NoValidContent when no regular file survives or a threshold is exceeded.
func (p Policy) Evaluate(entries []archive.EntryInfo) (*Plan, error) {
	plan := &Plan{Decisions: make([]Decision, len(entries))}
	counted := 0
	for i, e := range entries {
		clean, reason := Sanitize(e.Name, e.Kind)
		plan.Decisions[i] = Decision{Raw: e.Name, Path: clean, Kind: e.Kind, Reason: reason}
		switch {
		case reason == ReasonRoot:
			continue
		case reason != ReasonNone:
			plan.Rejected = append(plan.Rejected, Rejection{Path: e.Name, Reason: reason})
		case e.Kind == archive.KindDir:
			plan.Dirs++
		default:
			plan.Files++
		}
		counted++
	}

	rejected := len(plan.Rejected)
	switch {
	case plan.Files == 0:
		return plan, xerrors.NewKind(xerrors.NoValidContent,
			"archive has no usable files (%d of %d entries rejected)", rejected, counted)
	case p.MaxRejected > 0 && rejected > p.MaxRejected:
		return plan, xerrors.NewKind(xerrors.NoValidContent,
			"too many rejected entries: %d exceeds %d", rejected, p.MaxRejected)
	case p.MaxRejectedRatio > 0 && float64(rejected)/float64(counted) > p.MaxRejectedRatio:
		return plan, xerrors.NewKind(xerrors.NoValidContent,
			"%d of %d entries rejected, above the allowed ratio %.2f", rejected, counted, p.MaxRejectedRatio)
	}
	return plan, nil
}

func isSep(r rune) bool { return r == '/' || r == '\\' }

// HasDotSegments reports whether p has a "." or ".." segment, treating
// both slash kinds as separators. Request paths are checked with it before
// they reach a site directory.
func HasDotSegments(p string) bool {
	for seg := range strings.FieldsFuncSeq(p, isSep) {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}
