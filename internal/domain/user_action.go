package domain

import (
	"encoding/json"
	"fmt"
)

// Names of user intents that wrap lists of doc actions.
const (
	UserActionApplyUndoActions  = "ApplyUndoActions"
	UserActionApplyDocActions   = "ApplyDocActions"
	UserActionAddOrUpdateRecord = "AddOrUpdateRecord"
)

// UserAction is a user intent: a named tuple whose vocabulary is open.
// Args hold the remaining tuple elements in their JSON shape, except for
// ApplyUndoActions and ApplyDocActions whose doc actions are kept in Nested.
type UserAction struct {
	Name   string
	Args   []any
	Nested []Action
}

// NewUserAction builds an intent from a name and its arguments.
func NewUserAction(name string, args ...any) UserAction {
	return UserAction{Name: name, Args: args}
}

// ApplyUndo builds an ApplyUndoActions intent.
func ApplyUndo(actions ...Action) UserAction {
	return UserAction{Name: UserActionApplyUndoActions, Nested: actions}
}

// UserActionFor builds the intent that shares the shape of a doc action.
func UserActionFor(a Action) UserAction {
	tuple := ActionTuple(a)
	return UserAction{Name: string(a.Kind()), Args: normalizeArgs(tuple[1:])}
}

// IsWrapper reports whether the intent carries a nested list of doc actions.
func (u UserAction) IsWrapper() bool {
	return u.Name == UserActionApplyUndoActions || u.Name == UserActionApplyDocActions
}

// TableID returns the first argument when it is a string.
func (u UserAction) TableID() string {
	if len(u.Args) == 0 {
		return ""
	}
	s, _ := u.Args[0].(string)
	return s
}

// AsDocAction decodes the intent as a doc action when its name is a doc
// action kind.
func (u UserAction) AsDocAction() (Action, bool) {
	kind := ActionKind(u.Name)
	if !kind.IsDataKind() && !kind.IsSchemaKind() {
		return nil, false
	}
	data, err := json.Marshal(append([]any{u.Name}, u.Args...))
	if err != nil {
		return nil, false
	}
	a, err := UnmarshalAction(data)
	if err != nil {
		return nil, false
	}
	return a, true
}

// MarshalJSON implements json.Marshaler.
func (u UserAction) MarshalJSON() ([]byte, error) {
	if u.IsWrapper() {
		return json.Marshal([]any{u.Name, ActionList(u.Nested)})
	}
	return json.Marshal(append([]any{u.Name}, u.Args...))
}

// UnmarshalJSON implements json.Unmarshaler.
func (u *UserAction) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("decode user action: %w", err)
	}
	if len(parts) == 0 {
		return ErrValidation("empty user action")
	}
	var name string
	if err := json.Unmarshal(parts[0], &name); err != nil {
		return fmt.Errorf("decode user action name: %w", err)
	}
	out := UserAction{Name: name}
	if out.IsWrapper() {
		if len(parts) > 1 {
			var nested ActionList
			if err := json.Unmarshal(parts[1], &nested); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			out.Nested = nested
		}
		*u = out
		return nil
	}
	for _, p := range parts[1:] {
		var v any
		if err := json.Unmarshal(p, &v); err != nil {
			return fmt.Errorf("%s argument: %w", name, err)
		}
		out.Args = append(out.Args, v)
	}
	*u = out
	return nil
}

// normalizeArgs round trips args through JSON so they take their wire shape.
func normalizeArgs(args []any) []any {
	data, err := json.Marshal(args)
	if err != nil {
		return args
	}
	var out []any
	if err := json.Unmarshal(data, &out); err != nil {
		return args
	}
	return out
}
