// Package fixture loads documents, sessions and bundles from YAML files
// for the command line tools and tests.
package fixture

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"doc-access/internal/docdata"
	"doc-access/internal/domain"
)

// Scenario is the content of a fixture file.
type Scenario struct {
	Tables         []Table         `yaml:"tables"`
	Rules          []Rule          `yaml:"rules"`
	UserAttributes []UserAttribute `yaml:"userAttributes,omitempty"`
	Users          []User          `yaml:"users,omitempty"`
	Sessions       []Session       `yaml:"sessions,omitempty"`
	Bundles        []Bundle        `yaml:"bundles,omitempty"`
}

// Table is a user table with its rows.
type Table struct {
	ID      string            `yaml:"id"`
	Columns []string          `yaml:"columns"`
	Types   map[string]string `yaml:"types,omitempty"`
	Rows    []map[string]any  `yaml:"rows,omitempty"`
}

// Rule is one access rule. Table "*" targets the whole document and
// Columns defaults to "*".
type Rule struct {
	Table       string `yaml:"table"`
	Columns     string `yaml:"columns,omitempty"`
	Formula     string `yaml:"formula,omitempty"`
	Permissions string `yaml:"permissions"`
	Memo        string `yaml:"memo,omitempty"`
}

// UserAttribute makes the rows of a table available to rule formulas as
// user.<Name>.
type UserAttribute struct {
	Name         string `yaml:"name"`
	Table        string `yaml:"table"`
	LookupColumn string `yaml:"lookupColumn"`
	UserField    string `yaml:"userField"`
}

// User is an entry of the account directory.
type User struct {
	ID     int64       `yaml:"id"`
	Email  string      `yaml:"email"`
	Name   string      `yaml:"name,omitempty"`
	Access domain.Role `yaml:"access"`
}

// Session is a connected client.
type Session struct {
	ID        string      `yaml:"id"`
	Email     string      `yaml:"email,omitempty"`
	Name      string      `yaml:"name,omitempty"`
	UserID    int64       `yaml:"userId,omitempty"`
	Access    domain.Role `yaml:"access"`
	Mode      string      `yaml:"mode,omitempty"`
	Anonymous bool        `yaml:"anonymous,omitempty"`
	// ViewAs is an email the session asks to view the document as.
	ViewAs string            `yaml:"viewAs,omitempty"`
	Link   map[string]string `yaml:"link,omitempty"`
}

// Bundle is a set of changes made by one session. Actions are doc action
// tuples such as ["UpdateRecord", "Docs", 1, {"Text": "x"}]. Intents
// default to one per doc action.
type Bundle struct {
	Session string  `yaml:"session"`
	Desc    string  `yaml:"desc,omitempty"`
	Intents [][]any `yaml:"intents,omitempty"`
	Actions [][]any `yaml:"actions"`
	Undo    [][]any `yaml:"undo,omitempty"`
}

// Load reads a scenario file. Unknown fields are rejected.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path) //nolint:gosec // intentional: reading user-specified fixture files
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return s, nil
}

// Parse decodes and validates a scenario.
func Parse(data []byte) (*Scenario, error) {
	var s Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks references between the parts of the scenario.
func (s *Scenario) Validate() error {
	tables := map[string]bool{"*": true}
	for _, t := range s.Tables {
		if t.ID == "" || domain.IsMetadataTable(t.ID) {
			return domain.ErrValidation("invalid table id %q", t.ID)
		}
		if tables[t.ID] {
			return domain.ErrValidation("table %q defined twice", t.ID)
		}
		tables[t.ID] = true
	}
	for i, r := range s.Rules {
		if !tables[r.Table] {
			return domain.ErrValidation("rule %d: unknown table %q", i+1, r.Table)
		}
		if r.Permissions == "" {
			return domain.ErrValidation("rule %d: permissions are required", i+1)
		}
	}
	for _, a := range s.UserAttributes {
		if a.Name == "" || !tables[a.Table] {
			return domain.ErrValidation("user attribute %q: unknown table %q", a.Name, a.Table)
		}
	}
	sessions := map[string]bool{}
	for _, sess := range s.Sessions {
		if sess.ID == "" {
			return domain.ErrValidation("session without id")
		}
		if sessions[sess.ID] {
			return domain.ErrValidation("session %q defined twice", sess.ID)
		}
		sessions[sess.ID] = true
	}
	for i, b := range s.Bundles {
		if !sessions[b.Session] {
			return domain.ErrValidation("bundle %d: unknown session %q", i+1, b.Session)
		}
		if len(b.Actions) == 0 {
			return domain.ErrValidation("bundle %d: no actions", i+1)
		}
	}
	return nil
}

// Document builds the document described by the scenario.
func (s *Scenario) Document() *docdata.DocData {
	b := NewBuilder()
	for _, t := range s.Tables {
		b.Table(t.ID, t.Columns...)
		for _, colID := range sortedKeys(t.Types) {
			b.SetColumnType(t.ID, colID, t.Types[colID])
		}
		rows := make([]domain.ColValues, len(t.Rows))
		for i, row := range t.Rows {
			rows[i] = cellValues(row)
		}
		b.Rows(t.ID, rows...)
	}
	for _, a := range s.UserAttributes {
		b.UserAttribute(a.Name, a.Table, a.LookupColumn, a.UserField)
	}
	for _, r := range s.Rules {
		cols := r.Columns
		if cols == "" {
			cols = "*"
		}
		b.RuleWithMemo(r.Table, cols, r.Formula, r.Permissions, r.Memo)
	}
	return b.Build()
}

// cellValues converts YAML scalars to cell values: integers become int64.
func cellValues(row map[string]any) domain.ColValues {
	out := make(domain.ColValues, len(row))
	for k, v := range row {
		out[k] = cellValue(v)
	}
	return out
}

func cellValue(v any) domain.CellValue {
	switch x := v.(type) {
	case int:
		return int64(x)
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = cellValue(item)
		}
		return out
	}
	return v
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// DomainSessions returns the scenario's sessions keyed by id.
func (s *Scenario) DomainSessions() map[string]*domain.Session {
	out := make(map[string]*domain.Session, len(s.Sessions))
	for _, sess := range s.Sessions {
		out[sess.ID] = sess.Domain()
	}
	return out
}

// Domain converts the fixture session.
func (s Session) Domain() *domain.Session {
	sess := &domain.Session{
		ID:     s.ID,
		Mode:   domain.SessionMode(s.Mode),
		Access: s.Access,
		User: domain.UserProfile{
			UserID:    s.UserID,
			Email:     s.Email,
			Name:      s.Name,
			Anonymous: s.Anonymous,
		},
		LinkParameters: map[string]string{},
	}
	if s.Anonymous {
		sess.AltSessionID = strings.TrimPrefix(s.ID, "a")
	}
	for k, v := range s.Link {
		sess.LinkParameters[k] = v
	}
	if s.ViewAs != "" {
		sess.LinkParameters[domain.LinkAclAsUser] = s.ViewAs
	}
	return sess
}

// Request is a bundle decoded into actions.
type Request struct {
	Session     string
	Desc        string
	UserActions []domain.UserAction
	DocActions  []domain.Action
	Undo        []domain.Action
}

// Requests decodes the scenario's bundles.
func (s *Scenario) Requests() ([]Request, error) {
	out := make([]Request, 0, len(s.Bundles))
	for i, b := range s.Bundles {
		actions, err := decodeActions(b.Actions)
		if err != nil {
			return nil, fmt.Errorf("bundle %d actions: %w", i+1, err)
		}
		undo, err := decodeActions(b.Undo)
		if err != nil {
			return nil, fmt.Errorf("bundle %d undo: %w", i+1, err)
		}
		var intents []domain.UserAction
		if len(b.Intents) == 0 {
			for _, a := range actions {
				intents = append(intents, domain.UserActionFor(a))
			}
		} else if intents, err = decodeIntents(b.Intents); err != nil {
			return nil, fmt.Errorf("bundle %d intents: %w", i+1, err)
		}
		out = append(out, Request{
			Session: b.Session, Desc: b.Desc,
			UserActions: intents, DocActions: actions, Undo: undo,
		})
	}
	return out, nil
}

func decodeActions(tuples [][]any) ([]domain.Action, error) {
	out := make([]domain.Action, 0, len(tuples))
	for i, tuple := range tuples {
		data, err := json.Marshal(tuple)
		if err != nil {
			return nil, fmt.Errorf("action %d: %w", i+1, err)
		}
		a, err := domain.UnmarshalAction(data)
		if err != nil {
			return nil, fmt.Errorf("action %d: %w", i+1, err)
		}
		out = append(out, a)
	}
	return out, nil
}

func decodeIntents(tuples [][]any) ([]domain.UserAction, error) {
	data, err := json.Marshal(tuples)
	if err != nil {
		return nil, err
	}
	var out []domain.UserAction
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Directory is a user directory backed by the scenario's users.
type Directory struct {
	users []User
}

var _ domain.UserDirectory = (*Directory)(nil)

// NewDirectory returns a directory over users.
func NewDirectory(users []User) *Directory {
	return &Directory{users: users}
}

func (d *Directory) UserByID(_ context.Context, id int64) (*domain.DirectoryUser, error) {
	for _, u := range d.users {
		if u.ID == id {
			return u.directoryUser(), nil
		}
	}
	return nil, domain.ErrNotFound("user %d not found", id)
}

func (d *Directory) UserByEmail(_ context.Context, email string) (*domain.DirectoryUser, error) {
	want := domain.NormalizeEmail(email)
	for _, u := range d.users {
		if domain.NormalizeEmail(u.Email) == want {
			return u.directoryUser(), nil
		}
	}
	return nil, domain.ErrNotFound("user %q not found", email)
}

func (u User) directoryUser() *domain.DirectoryUser {
	return &domain.DirectoryUser{UserID: u.ID, Email: u.Email, Name: u.Name, Access: u.Access}
}

// LoadDirectory reads a YAML list of users.
func LoadDirectory(path string) (*Directory, error) {
	data, err := os.ReadFile(path) //nolint:gosec // intentional: reading user-specified directory files
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var users []User
	if err := yaml.Unmarshal(data, &users); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return NewDirectory(users), nil
}
