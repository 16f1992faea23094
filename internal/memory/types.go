package memory

import "time"

// Kind tags a working-memory row. The set is closed for the kinds the cycle writes;
// rows carrying any other tag are read back as-is and treated like KindNote.
type Kind string

const (
	KindUserMessage Kind = "user_message"
	KindMonologue   Kind = "monologue"
	KindDialogue    Kind = "dialogue"
	KindGate        Kind = "gate"
	KindSideEffect  Kind = "side_effect"
	KindCounsel     Kind = "counsel"
	KindNote        Kind = "note"
)

// Known reports whether k is one of the kinds written by this package's callers.
func (k Kind) Known() bool {
	switch k {
	case KindUserMessage, KindMonologue, KindDialogue, KindGate, KindSideEffect, KindCounsel, KindNote:
		return true
	}
	return false
}

// Gate names recorded in Meta.Gate.
const (
	GateUserModel  = "user_model_check"
	GateStateCheck = "state_check"
)

// Side-effect names recorded in Meta.Effect.
const (
	EffectUserModelUpdate = "user_model_update"
	EffectStateUpdate     = "state_update"
)

// Meta carries the per-kind attributes of an Entry. Gate rows set Gate and Result,
// side-effect rows set Effect, counsel rows set Source. Extra is the residual bag
// for note rows and anything newer than this schema.
type Meta struct {
	Gate   string            `json:"gate,omitempty"`
	Result *bool             `json:"result,omitempty"`
	Effect string            `json:"effect,omitempty"`
	Source string            `json:"source,omitempty"`
	Extra  map[string]string `json:"extra,omitempty"`
}

func (m Meta) empty() bool {
	return m.Gate == "" && m.Result == nil && m.Effect == "" && m.Source == "" && len(m.Extra) == 0
}

// Entry is one immutable working-memory row.
type Entry struct {
	ID        int64
	ThreadKey string
	UserID    string
	Author    string
	Kind      Kind
	Verb      string
	Content   string
	Meta      Meta
	CreatedAt time.Time
	TraceID   string
}

// GateValue returns the recorded boolean of a gate row.
func (e Entry) GateValue() (name string, value bool, ok bool) {
	if e.Kind != KindGate || e.Meta.Result == nil {
		return "", false, false
	}
	return e.Meta.Gate, *e.Meta.Result, true
}

// UserModel is the permanent per-user profile.
type UserModel struct {
	UserID           string
	DisplayName      string
	Profile          string
	InteractionCount int64
	LastCheckedAt    time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ProfileChange is one accepted profile replacement.
type ProfileChange struct {
	ID         int64
	UserID     string
	ChangeNote string
	TraceID    string
	CreatedAt  time.Time
}

// Whisper is the single pending counsel message.
type Whisper struct {
	Text      string
	Source    string
	Influence string
	CreatedAt time.Time
}

// TraceSummary is one row of RecentTraces.
type TraceSummary struct {
	TraceID   string
	ThreadKey string
	Entries   int
	StartedAt time.Time
}

// Stats is a compact snapshot used by status reporting.
type Stats struct {
	WorkingEntries int
	Threads        int
	Users          int
	StateOverrides int
	PendingWhisper bool
	Counter        int64
}

// Bool is a small helper for building gate metadata.
func Bool(v bool) *bool { return &v }
