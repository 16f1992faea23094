// Package gate holds the pure decisions that control when expensive context is
// injected into a prompt.
package gate

import "github.com/tdimino/claudicle/internal/memory"

// ShouldInjectProfile decides whether the user profile goes into the next prompt.
// An empty history is a first turn and always injects. Otherwise the most recent
// user-model gate row decides; with no such row the profile is left out.
func ShouldInjectProfile(history []memory.Entry) bool {
	if len(history) == 0 {
		return true
	}
	for i := len(history) - 1; i >= 0; i-- {
		name, value, ok := history[i].GateValue()
		if ok && name == memory.GateUserModel {
			return value
		}
	}
	return false
}

// ShouldRequestStateCheck is true iff counter is a positive multiple of interval.
func ShouldRequestStateCheck(counter, interval int64) bool {
	if counter <= 0 || interval <= 0 {
		return false
	}
	return counter%interval == 0
}

// IsFirstTurn reports whether history holds no earlier exchange for the thread.
func IsFirstTurn(history []memory.Entry) bool {
	return len(history) == 0
}
