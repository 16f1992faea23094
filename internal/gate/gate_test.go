package gate

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tdimino/claudicle/internal/memory"
)

func gateRow(name string, v bool) memory.Entry {
	return memory.Entry{Kind: memory.KindGate, Meta: memory.Meta{Gate: name, Result: memory.Bool(v)}}
}

func TestShouldInjectProfile(t *testing.T) {
	user := memory.Entry{Kind: memory.KindUserMessage, Content: "hi"}
	reply := memory.Entry{Kind: memory.KindDialogue, Content: "hello"}

	tests := []struct {
		name    string
		history []memory.Entry
		want    bool
	}{
		{"empty history", nil, true},
		{"no gate rows", []memory.Entry{user, reply}, false},
		{"last gate true", []memory.Entry{user, gateRow(memory.GateUserModel, true), reply}, true},
		{"last gate false", []memory.Entry{user, gateRow(memory.GateUserModel, false), reply}, false},
		{"newest wins", []memory.Entry{gateRow(memory.GateUserModel, true), user, gateRow(memory.GateUserModel, false)}, false},
		{"newest wins true", []memory.Entry{gateRow(memory.GateUserModel, false), user, gateRow(memory.GateUserModel, true)}, true},
		{"other gates ignored", []memory.Entry{gateRow(memory.GateUserModel, false), gateRow(memory.GateStateCheck, true)}, false},
		{"gate without result ignored", []memory.Entry{gateRow(memory.GateUserModel, true), {Kind: memory.KindGate, Meta: memory.Meta{Gate: memory.GateUserModel}}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ShouldInjectProfile(tt.history)
			assert.Equal(t, tt.want, got)
			// same history, same answer
			assert.Equal(t, got, ShouldInjectProfile(tt.history))
		})
	}
}

func TestShouldRequestStateCheck(t *testing.T) {
	for _, c := range []int64{3, 6, 9, 300} {
		assert.True(t, ShouldRequestStateCheck(c, 3), c)
	}
	for _, c := range []int64{0, 1, 2, 4, 5, 7, -3} {
		assert.False(t, ShouldRequestStateCheck(c, 3), c)
	}
	assert.False(t, ShouldRequestStateCheck(5, 0))
	assert.True(t, ShouldRequestStateCheck(1, 1))
}

func TestIsFirstTurn(t *testing.T) {
	assert.True(t, IsFirstTurn(nil))
	assert.False(t, IsFirstTurn([]memory.Entry{{Kind: memory.KindNote}}))
}
