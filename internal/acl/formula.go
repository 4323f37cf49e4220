package acl

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"go.starlark.net/resolve"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"doc-access/internal/docdata"
)

// DefaultMaxSteps bounds the work a single rule evaluation may do.
const DefaultMaxSteps = uint64(10_000)

// ErrNeedsRow is returned when a predicate reads rec or newRec but the
// evaluation context has no row.
var ErrNeedsRow = errors.New("rule needs row data")

// Input is the context a rule is evaluated in. Rec and NewRec are nil when
// no row is available.
type Input struct {
	User   *UserInfo
	Rec    *docdata.RecordView
	NewRec *docdata.RecordView
}

// Predicate is a compiled rule condition.
type Predicate interface {
	Matches(in Input) (bool, error)
}

// Compiler turns rule formula text into a predicate.
type Compiler interface {
	Compile(formula string) (Predicate, error)
}

// CompileError reports a formula that could not be compiled.
type CompileError struct {
	Formula string
	Line    int32
	Col     int32
	Msg     string
}

func (e *CompileError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("invalid rule formula %q at %d:%d: %s", e.Formula, e.Line, e.Col, e.Msg)
	}
	return fmt.Sprintf("invalid rule formula %q: %s", e.Formula, e.Msg)
}

const (
	formulaFuncName = "acl_rule"
	formulaPrefix   = "    return ("
)

var formulaGlobals = starlark.StringDict{
	"OWNER":  starlark.String("owners"),
	"EDITOR": starlark.String("editors"),
	"VIEWER": starlark.String("viewers"),
}

// StarlarkCompiler compiles rule formulas as starlark expressions over
// user, rec and newRec.
type StarlarkCompiler struct {
	maxSteps uint64
}

// NewStarlarkCompiler returns a compiler whose predicates stop after
// maxSteps execution steps. Zero selects DefaultMaxSteps.
func NewStarlarkCompiler(maxSteps uint64) *StarlarkCompiler {
	if maxSteps == 0 {
		maxSteps = DefaultMaxSteps
	}
	return &StarlarkCompiler{maxSteps: maxSteps}
}

// Compile implements Compiler. An empty formula always matches.
func (c *StarlarkCompiler) Compile(formula string) (Predicate, error) {
	text := strings.TrimSpace(formula)
	if text == "" {
		return alwaysMatch{}, nil
	}
	src := "def " + formulaFuncName + "(user, rec, newRec):\n" + formulaPrefix + text + "\n    )\n"

	thread := &starlark.Thread{Name: "acl-compile"}
	thread.SetMaxExecutionSteps(c.maxSteps)
	globals, err := starlark.ExecFileOptions(&syntax.FileOptions{}, thread, "rule.star", src, formulaGlobals)
	if err != nil {
		return nil, compileError(text, err)
	}
	globals.Freeze()
	fn, ok := globals[formulaFuncName].(*starlark.Function)
	if !ok {
		return nil, &CompileError{Formula: text, Msg: "formula did not compile to a function"}
	}
	return &starlarkPredicate{formula: text, fn: fn, maxSteps: c.maxSteps}, nil
}

func compileError(formula string, err error) *CompileError {
	out := &CompileError{Formula: formula, Msg: err.Error()}
	var pos syntax.Position
	var synErr syntax.Error
	var resolveErrs resolve.ErrorList
	switch {
	case errors.As(err, &synErr):
		pos, out.Msg = synErr.Pos, synErr.Msg
	case errors.As(err, &resolveErrs) && len(resolveErrs) > 0:
		pos, out.Msg = resolveErrs[0].Pos, resolveErrs[0].Msg
	default:
		return out
	}
	// The formula starts on line 2, after the return prefix.
	out.Line = pos.Line - 1
	out.Col = pos.Col
	if out.Line == 1 {
		out.Col -= int32(len(formulaPrefix))
	}
	lines := strings.Split(formula, "\n")
	if int(out.Line) > len(lines) {
		// Errors reported at the closing parenthesis point past the end.
		out.Line = int32(len(lines))
		out.Col = int32(len(lines[len(lines)-1]) + 1)
	}
	if out.Line < 1 || out.Col < 1 {
		out.Line, out.Col = 1, 1
	}
	return out
}

type alwaysMatch struct{}

func (alwaysMatch) Matches(Input) (bool, error) { return true, nil }

type starlarkPredicate struct {
	formula  string
	fn       *starlark.Function
	maxSteps uint64
}

// Matches evaluates the formula on a fresh thread.
func (p *starlarkPredicate) Matches(in Input) (bool, error) {
	thread := &starlark.Thread{Name: "acl-rule"}
	thread.SetMaxExecutionSteps(p.maxSteps)
	tracker := &rowTracker{}
	args := starlark.Tuple{
		userValue{user: in.User},
		recordValue{view: in.Rec, tracker: tracker, name: "rec"},
		recordValue{view: in.NewRec, tracker: tracker, name: "newRec"},
	}
	result, err := starlark.Call(thread, p.fn, args, nil)
	if tracker.missing {
		return false, ErrNeedsRow
	}
	if err != nil {
		return false, fmt.Errorf("evaluate rule formula %q: %w", p.formula, err)
	}
	return bool(result.Truth()), nil
}

// rowTracker records whether a formula tried to read an absent row.
type rowTracker struct {
	missing bool
}

type userValue struct {
	user *UserInfo
}

var _ starlark.HasAttrs = userValue{}

func (v userValue) String() string        { return "user" }
func (v userValue) Type() string          { return "user" }
func (v userValue) Freeze()               {}
func (v userValue) Truth() starlark.Bool  { return starlark.True }
func (v userValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: user") }

func (v userValue) Attr(name string) (starlark.Value, error) {
	if v.user == nil {
		return starlark.None, nil
	}
	if rec, ok := v.user.Attrs[name]; ok {
		return recordValue{view: &rec, name: name}, nil
	}
	if name == "LinkKey" {
		return linkValue(v.user.LinkKey), nil
	}
	return toStarlark(v.user.Get(name)), nil
}

func (v userValue) AttrNames() []string {
	names := []string{"Access", "Email", "IsLoggedIn", "LinkKey", "Name", "Origin", "SessionID", "UserID"}
	if v.user != nil {
		for name := range v.user.Attrs {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

type recordValue struct {
	view    *docdata.RecordView
	tracker *rowTracker
	name    string
}

var _ starlark.HasAttrs = recordValue{}

func (v recordValue) String() string        { return v.name }
func (v recordValue) Type() string          { return "record" }
func (v recordValue) Freeze()               {}
func (v recordValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: record") }

func (v recordValue) Truth() starlark.Bool {
	if v.view == nil && v.tracker != nil {
		v.tracker.missing = true
	}
	return starlark.Bool(v.view != nil && !v.view.IsEmpty())
}

func (v recordValue) Attr(name string) (starlark.Value, error) {
	if v.view == nil {
		if v.tracker != nil {
			v.tracker.missing = true
		}
		return nil, ErrNeedsRow
	}
	return toStarlark(v.view.Get(name)), nil
}

func (v recordValue) AttrNames() []string {
	if v.view == nil {
		return nil
	}
	names := []string{"id"}
	for name := range v.view.Fields() {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type linkValue map[string]string

var _ starlark.HasAttrs = linkValue(nil)

func (v linkValue) String() string        { return "LinkKey" }
func (v linkValue) Type() string          { return "linkkey" }
func (v linkValue) Freeze()               {}
func (v linkValue) Truth() starlark.Bool  { return starlark.Bool(len(v) > 0) }
func (v linkValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: linkkey") }

func (v linkValue) Attr(name string) (starlark.Value, error) {
	s, ok := v[name]
	if !ok {
		return starlark.None, nil
	}
	return starlark.String(s), nil
}

func (v linkValue) AttrNames() []string {
	names := make([]string, 0, len(v))
	for k := range v {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func toStarlark(v any) starlark.Value {
	switch x := v.(type) {
	case nil:
		return starlark.None
	case bool:
		return starlark.Bool(x)
	case string:
		return starlark.String(x)
	case int:
		return starlark.MakeInt(x)
	case int64:
		return starlark.MakeInt64(x)
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1<<53 {
			return starlark.MakeInt64(int64(x))
		}
		return starlark.Float(x)
	case []any:
		items := make([]starlark.Value, len(x))
		for i, item := range x {
			items[i] = toStarlark(item)
		}
		return starlark.NewList(items)
	case map[string]any:
		d := starlark.NewDict(len(x))
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			_ = d.SetKey(starlark.String(k), toStarlark(x[k]))
		}
		return d
	}
	return starlark.String(fmt.Sprint(v))
}
