package extract

import (
	"strings"

	"github.com/tdimino/claudicle/internal/memory"
)

// Section is one recognized span of the reply.
type Section struct {
	Field Field
	Verb  string
	Attrs map[string]string
	Text  string
}

// StateChange is one accepted line of a state_update section.
type StateChange struct {
	Key   string
	Value string
}

// Result is everything recovered from one reply. Absent fields keep their zero value;
// boolean gates are nil when the section was missing or not a literal true/false.
type Result struct {
	Sections []Section

	Monologue     string
	MonologueVerb string
	Reply         string
	ReplyVerb     string

	UserModelCheck    *bool
	UserModelUpdate   string
	ProfileChangeNote string

	StateCheck   *bool
	StateChanges []StateChange
	DroppedKeys  []string

	// Degraded is set when no reply could be recovered from structured sections.
	// With no sections at all Reply holds the whole raw text. When sections were
	// found but none was a reply and no untagged text remains, Reply is empty.
	Degraded bool
	// Leftover is untagged text outside every recognized section.
	Leftover string
}

// Has reports whether the reply carried a section for f.
func (r *Result) Has(f Field) bool {
	for _, s := range r.Sections {
		if s.Field == f {
			return true
		}
	}
	return false
}

// Parse scans raw for the section vocabulary. It never fails: malformed markup is kept
// as text and a reply without any recognized section degrades to the raw text.
func Parse(raw string) *Result {
	sections, leftover := scan(raw)
	r := &Result{Sections: sections, Leftover: strings.TrimSpace(leftover)}

	var monologue, reply []string
	for _, s := range sections {
		switch s.Field {
		case FieldMonologue:
			monologue = appendText(monologue, s.Text)
			if r.MonologueVerb == "" {
				r.MonologueVerb = s.Verb
			}
		case FieldReply:
			reply = appendText(reply, s.Text)
			if r.ReplyVerb == "" {
				r.ReplyVerb = s.Verb
			}
		case FieldUserModelCheck:
			if r.UserModelCheck == nil {
				r.UserModelCheck = ParseBool(s.Text)
			}
		case FieldStateCheck:
			if r.StateCheck == nil {
				r.StateCheck = ParseBool(s.Text)
			}
		case FieldUserModelUpdate:
			if r.UserModelUpdate == "" {
				r.UserModelUpdate = strings.TrimSpace(s.Text)
				r.ProfileChangeNote = strings.TrimSpace(s.Attrs["note"])
			}
		case FieldStateUpdate:
			changes, dropped := ParseStateUpdate(s.Text)
			r.StateChanges = append(r.StateChanges, changes...)
			r.DroppedKeys = append(r.DroppedKeys, dropped...)
		}
	}
	r.Monologue = strings.Join(monologue, "\n\n")
	r.Reply = strings.Join(reply, "\n\n")

	switch {
	case len(sections) == 0:
		r.Reply = strings.TrimSpace(raw)
		r.Degraded = true
	case r.Reply == "" && r.Leftover != "":
		r.Reply = r.Leftover
	case r.Reply == "":
		r.Degraded = true
	}
	return r
}

// ParseStateUpdate reads "key: value" lines. Keys are normalized against the soul
// state key set; unknown keys are returned in dropped and never applied.
func ParseStateUpdate(text string) (changes []StateChange, dropped []string) {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "-*• ")
		if line == "" {
			continue
		}
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key, known := memory.NormalizeStateKey(k)
		if !known {
			dropped = append(dropped, strings.TrimSpace(k))
			continue
		}
		changes = append(changes, StateChange{Key: key, Value: strings.TrimSpace(v)})
	}
	return changes, dropped
}

// ParseBool accepts only the literal words true and false, ignoring case and
// surrounding space. Anything else is nil.
func ParseBool(s string) *bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true":
		return memory.Bool(true)
	case "false":
		return memory.Bool(false)
	}
	return nil
}

func appendText(dst []string, s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return dst
	}
	return append(dst, s)
}
