package log

import (
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"strings"
)

type hasPC interface{ PC() uintptr }

type hasStack interface{ StackPCs() []uintptr }

type xerrorsWrapper interface{ IsXerrorsWrapper() }

// errorChain lists distinct messages from outermost to innermost, then the
// members of a top level errors.Join.
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
			if e != nil {
				add(e.Error())
			}
		}
	}
	return out
}

// chainLinks returns one entry per wrap that recorded a position. The
// outermost error is always present even without one.
func chainLinks(err error, max int) []map[string]any {
	var links []map[string]any
	depth := 0
	for e := err; e != nil && depth < max; e = errors.Unwrap(e) {
		link := map[string]any{"msg": e.Error()}
		var fr runtime.Frame
		found := false
		switch v := e.(type) {
		case hasPC:
			if pc := v.PC(); pc != 0 {
				fr, _ = runtime.CallersFrames([]uintptr{pc}).Next()
				found = true
			}
		case hasStack:
			fr, found = firstExternalFrame(v.StackPCs())
		}
		if found {
			link["func"], link["file"], link["line"] = fr.Function, fr.File, fr.Line
		}
		if depth == 0 || found {
			links = append(links, link)
		}
		depth++
	}
	return links
}

func firstExternalFrame(pcs []uintptr) (runtime.Frame, bool) {
	if len(pcs) == 0 {
		return runtime.Frame{}, false
	}
	frames := runtime.CallersFrames(pcs)
	for {
		fr, more := frames.Next()
		if !strings.HasPrefix(fr.Function, "runtime.") && !internalFrame(fr.Function) {
			return fr, true
		}
		if !more {
			return runtime.Frame{}, false
		}
	}
}

// classifyTypes returns the first type in the chain that is not a plain wrapper,
// and the type of the innermost error.
func classifyTypes(err error) (surface, root string) {
	if err == nil {
		return "", ""
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		if _, ok := e.(xerrorsWrapper); ok {
			continue
		}
		t := reflect.TypeOf(e)
		base := t
		for base.Kind() == reflect.Pointer {
			base = base.Elem()
		}
		if base.PkgPath() == "fmt" && base.Name() == "wrapError" {
			continue
		}
		surface = t.String()
		break
	}
	if surface == "" {
		surface = fmt.Sprintf("%T", err)
	}

	last := err
	for e := errors.Unwrap(err); e != nil; e = errors.Unwrap(e) {
		last = e
	}
	return surface, fmt.Sprintf("%T", last)
}
