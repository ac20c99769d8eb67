package log

import (
	"errors"
	"fmt"
	"runtime"
	"strings"

	"github.com/keithlinneman/linnemanlabs-pages/internal/xerrors"
)

type stackCarrier interface{ StackPCs() []uintptr }

type pcCarrier interface{ PC() uintptr }

type xerrorsWrapper interface{ IsXerrorsWrapper() }

// errLink is one error_links entry: a message and where it was produced.
type errLink struct {
	Msg  string `json:"msg"`
	Func string `json:"func,omitempty"`
	File string `json:"file,omitempty"`
	Line int    `json:"line,omitempty"`
}

// errorAttrs is the kv appended by Logger.Error. links caps error_links;
// zero omits them.
func errorAttrs(err error, links int) []any {
	surface, root := classifyTypes(err)
	kv := []any{"err", err, "error_type", surface, "cause_type", root}
	if kind, ok := xerrors.KindOf(err); ok {
		kv = append(kv, "error_kind", string(kind))
	}
	if chain := errorChain(err); len(chain) > 0 {
		kv = append(kv, "error_chain", chain)
	}
	if links > 0 {
		kv = append(kv, "error_links", chainLinks(err, links))
	}
	return kv
}

// errorChain lists the distinct messages down the Unwrap chain, then the
// members of a top-level errors.Join.
func errorChain(err error) []string {
	var out []string
	add := func(msg string) {
		if len(out) == 0 || out[len(out)-1] != msg {
			out = append(out, msg)
		}
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		add(e.Error())
	}
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range j.Unwrap() {
			add(e.Error())
		}
	}
	return out
}

// chainLinks keeps the outermost error plus every link that knows where it
// was created.
func chainLinks(err error, max int) []errLink {
	var links []errLink
	depth := 0
	for e := err; e != nil && depth < max; e = errors.Unwrap(e) {
		l := errLink{Msg: e.Error()}
		var fr runtime.Frame
		var ok bool
		switch c := e.(type) {
		case pcCarrier:
			fr, ok = frameAt(c.PC())
		case stackCarrier:
			fr, ok = firstCallerFrame(c.StackPCs())
		}
		if ok {
			l.Func, l.File, l.Line = fr.Function, fr.File, fr.Line
		}
		if depth == 0 || ok {
			links = append(links, l)
		}
		depth++
	}
	return links
}

func frameAt(pc uintptr) (runtime.Frame, bool) {
	if pc == 0 {
		return runtime.Frame{}, false
	}
	fr, _ := runtime.CallersFrames([]uintptr{pc}).Next()
	return fr, true
}

// firstCallerFrame skips runtime, xerrors and logging frames.
func firstCallerFrame(pcs []uintptr) (runtime.Frame, bool) {
	frames := runtime.CallersFrames(pcs)
	for len(pcs) > 0 {
		fr, more := frames.Next()
		if !internalFrame(fr.Function) {
			return fr, true
		}
		if !more {
			break
		}
	}
	return runtime.Frame{}, false
}

func internalFrame(fn string) bool {
	return strings.HasPrefix(fn, "runtime.") || strings.Contains(fn, "/internal/xerrors.") || loggingFrame(fn)
}

// loggingFrame reports frames that belong to the logging machinery itself.
func loggingFrame(fn string) bool {
	return strings.HasPrefix(fn, "log/slog.") || strings.Contains(fn, "/internal/log.")
}

// renderPCs writes "func\n\tfile:line" per frame, from the first frame
// outside the logger up to the runtime.
func renderPCs(pcs []uintptr) string {
	var b strings.Builder
	started := false
	frames := runtime.CallersFrames(pcs)
	for {
		fr, more := frames.Next()
		if strings.HasPrefix(fr.Function, "runtime.") {
			break
		}
		started = started || !loggingFrame(fr.Function)
		if started && fr.Function != "" {
			fmt.Fprintf(&b, "%s\n\t%s:%d\n", fr.Function, fr.File, fr.Line)
		}
		if !more {
			break
		}
	}
	return b.String()
}

// classifyTypes names the first type in the chain that is not a plain
// wrapper (surface) and the innermost type (root).
func classifyTypes(err error) (surface, root string) {
	for e := err; e != nil; e = errors.Unwrap(e) {
		root = fmt.Sprintf("%T", e)
		if surface == "" && !plainWrapper(e) {
			surface = root
		}
	}
	if surface == "" {
		surface = fmt.Sprintf("%T", err)
	}
	return surface, root
}

func plainWrapper(err error) bool {
	if _, ok := err.(xerrorsWrapper); ok {
		return true
	}
	return fmt.Sprintf("%T", err) == "*fmt.wrapError"
}
