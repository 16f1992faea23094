// Package extract recovers the typed sections of a model reply.
package extract

import "strings"

// Field names one section of the structured reply.
type Field string

const (
	FieldMonologue       Field = "monologue"
	FieldReply           Field = "reply"
	FieldUserModelCheck  Field = "user_model_check"
	FieldUserModelUpdate Field = "user_model_update"
	FieldStateCheck      Field = "state_check"
	FieldStateUpdate     Field = "state_update"
)

// Fields lists the vocabulary in canonical order.
var Fields = []Field{
	FieldMonologue,
	FieldReply,
	FieldUserModelCheck,
	FieldUserModelUpdate,
	FieldStateCheck,
	FieldStateUpdate,
}

var fieldAliases = map[string]Field{
	"internal_monologue": FieldMonologue,
	"external_dialogue":  FieldReply,
	"dialogue":           FieldReply,
	"soul_state_check":   FieldStateCheck,
	"soul_state_update":  FieldStateUpdate,
}

// LookupField maps a tag name (case and hyphen insensitive, aliases allowed) to a Field.
func LookupField(name string) (Field, bool) {
	n := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "-", "_")
	for _, f := range Fields {
		if string(f) == n {
			return f, true
		}
	}
	f, ok := fieldAliases[n]
	return f, ok
}

// IsBool reports whether the field only takes literal true/false.
func (f Field) IsBool() bool {
	return f == FieldUserModelCheck || f == FieldStateCheck
}

// Suggested verbs. Models may use others; any single word is accepted.
var (
	MonologueVerbs = []string{
		"thought", "mused", "pondered", "wondered", "considered",
		"reflected", "noticed", "recalled", "weighed", "suspected",
	}
	DialogueVerbs = []string{
		"said", "explained", "offered", "suggested", "noted", "observed",
		"replied", "asked", "clarified", "acknowledged", "confirmed", "quipped",
	}
)

// DefaultMonologueVerb and DefaultDialogueVerb are used when a section carries no verb.
const (
	DefaultMonologueVerb = "thought"
	DefaultDialogueVerb  = "said"
)

// NormalizeVerb lowercases v and keeps its first word.
func NormalizeVerb(v string) string {
	fields := strings.Fields(strings.ToLower(v))
	if len(fields) == 0 {
		return ""
	}
	return strings.Trim(fields[0], `"'.,;:!?`)
}
