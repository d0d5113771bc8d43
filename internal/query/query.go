// Package query implements offline note search: substring text matching,
// required tags, and optional expr filter expressions.
package query

import (
	"sort"
	"strings"
	"time"

	exprlang "github.com/expr-lang/expr"
	exprvm "github.com/expr-lang/expr/vm"

	"github.com/agentworkforce/relaynotes/internal/notes"
)

// Query is a search request. Empty fields match everything.
type Query struct {
	Text   string   `json:"text,omitempty"`
	Tags   []string `json:"tags,omitempty"`
	Filter string   `json:"filter,omitempty"`
}

// env is the variable set a filter expression sees, e.g.
// `"work" in tags && updated_at > now() - duration("24h")`.
type env struct {
	ID        string    `expr:"id"`
	Title     string    `expr:"title"`
	Content   string    `expr:"content"`
	Tags      []string  `expr:"tags"`
	Owner     string    `expr:"owner"`
	CreatedAt time.Time `expr:"created_at"`
	UpdatedAt time.Time `expr:"updated_at"`
}

type Matcher struct {
	text    string
	tags    []string
	program *exprvm.Program
	filter  string
}

// Compile validates q. A filter that does not type-check as a boolean
// expression over the note variables is ErrInvalidInput.
func Compile(q Query) (*Matcher, error) {
	m := &Matcher{
		text:   strings.ToLower(strings.TrimSpace(q.Text)),
		tags:   notes.NormalizeTags(q.Tags),
		filter: strings.TrimSpace(q.Filter),
	}
	if m.filter != "" {
		program, err := exprlang.Compile(m.filter, exprlang.Env(env{}), exprlang.AsBool())
		if err != nil {
			return nil, notes.Wrapf(notes.ErrInvalidInput, "filter %q: %v", m.filter, err)
		}
		m.program = program
	}
	return m, nil
}

func (m *Matcher) Match(note notes.Note) (bool, error) {
	if m.text != "" {
		if !strings.Contains(strings.ToLower(note.Title), m.text) &&
			!strings.Contains(strings.ToLower(note.Content), m.text) {
			return false, nil
		}
	}
	if len(m.tags) > 0 {
		have := make(map[string]struct{}, len(note.Tags))
		for _, tag := range note.Tags {
			have[tag] = struct{}{}
		}
		for _, tag := range m.tags {
			if _, ok := have[tag]; !ok {
				return false, nil
			}
		}
	}
	if m.program == nil {
		return true, nil
	}
	out, err := exprlang.Run(m.program, env{
		ID:        note.ID,
		Title:     note.Title,
		Content:   note.Content,
		Tags:      append([]string{}, note.Tags...),
		Owner:     note.OwnerID,
		CreatedAt: note.CreatedAt,
		UpdatedAt: note.UpdatedAt,
	})
	if err != nil {
		return false, notes.Wrapf(notes.ErrInvalidInput, "filter %q on note %s: %v", m.filter, note.ID, err)
	}
	matched, _ := out.(bool)
	return matched, nil
}

// Filter returns the notes in list that match q, preserving order.
func Filter(list []notes.Note, q Query) ([]notes.Note, error) {
	m, err := Compile(q)
	if err != nil {
		return nil, err
	}
	out := make([]notes.Note, 0, len(list))
	for _, note := range list {
		ok, err := m.Match(note)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, note)
		}
	}
	return out, nil
}

// AllTags is the sorted union of tags across list.
func AllTags(list []notes.Note) []string {
	seen := map[string]struct{}{}
	for _, note := range list {
		for _, tag := range note.Tags {
			if tag = strings.TrimSpace(tag); tag != "" {
				seen[tag] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(seen))
	for tag := range seen {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}
