// File: internal/taint/location.go
package taint

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/xkilldash9x/scalpel-taint/api/schemas"
)

// ErrScriptNotFound is returned when a location refers to a script id the driver
// never registered. It means the driver and the engine have desynchronised.
var ErrScriptNotFound = errors.New("entry not found in script map")

// Span is a [startLine, startColumn, endLine, endColumn] source range.
type Span [4]int

// ScriptEntry is the driver's record for one instrumented script. EvalSID and
// EvalIID are non-zero when the script was produced by a dynamic evaluation.
type ScriptEntry struct {
	URL     string
	Spans   map[int]Span
	EvalSID int
	EvalIID int
}

// ScriptMap resolves script ids to entries. It is owned by the driver.
type ScriptMap interface {
	Script(sid int) (ScriptEntry, bool)
}

// MapScripts is a map-backed ScriptMap.
type MapScripts map[int]ScriptEntry

// Script implements ScriptMap.
func (m MapScripts) Script(sid int) (ScriptEntry, bool) {
	e, ok := m[sid]
	return e, ok
}

// Location is a possibly nested pointer into the program's static source map.
type Location struct {
	ScriptID      int
	InstructionID int
	URL           string
	Span          Span
	Eval          *Location
}

// Resolve derives the location of instruction iid in script sid.
func Resolve(smap ScriptMap, sid, iid int) (Location, error) {
	entry, ok := smap.Script(sid)
	if !ok {
		return Location{}, fmt.Errorf("resolving location sid=%d iid=%d: %w", sid, iid, ErrScriptNotFound)
	}

	loc := Location{
		ScriptID:      sid,
		InstructionID: iid,
		URL:           urlOrNull(entry.URL),
		Span:          entry.Spans[iid],
	}
	if entry.EvalSID != 0 && entry.EvalIID != 0 {
		// Guard against a self-referencing entry.
		if entry.EvalSID == sid {
			return Location{}, fmt.Errorf("script %d is its own eval parent: %w", sid, ErrScriptNotFound)
		}
		parent, err := Resolve(smap, entry.EvalSID, entry.EvalIID)
		if err != nil {
			return Location{}, err
		}
		loc.Eval = &parent
	}
	return loc, nil
}

// ScriptURL returns the URL of script sid.
func ScriptURL(smap ScriptMap, sid int) (string, error) {
	entry, ok := smap.Script(sid)
	if !ok {
		return "", fmt.Errorf("resolving script url sid=%d: %w", sid, ErrScriptNotFound)
	}
	return urlOrNull(entry.URL), nil
}

func urlOrNull(u string) string {
	if u == "" {
		return "null"
	}
	return u
}

// Schema converts the location to its wire form.
func (l Location) Schema() schemas.Location {
	out := schemas.Location{
		ScriptID:      l.ScriptID,
		InstructionID: l.InstructionID,
		URL:           l.URL,
		Span:          l.Span,
	}
	if l.Eval != nil {
		sub := l.Eval.Schema()
		out.Sub = &sub
	}
	return out
}

// LocationFromSchema is the inverse of Location.Schema.
func LocationFromSchema(s schemas.Location) Location {
	loc := Location{
		ScriptID:      s.ScriptID,
		InstructionID: s.InstructionID,
		URL:           s.URL,
		Span:          s.Span,
	}
	if s.Sub != nil {
		sub := LocationFromSchema(*s.Sub)
		loc.Eval = &sub
	}
	return loc
}

// rebase resolves the location's URL, and those of its eval parents, against the
// document URL base.
func (l Location) rebase(base *url.URL) Location {
	switch l.URL {
	case "", "null":
		l.URL = base.String()
	default:
		if ref, err := url.Parse(l.URL); err == nil {
			l.URL = base.ResolveReference(ref).String()
		}
	}
	if l.Eval != nil {
		parent := l.Eval.rebase(base)
		l.Eval = &parent
	}
	return l
}
