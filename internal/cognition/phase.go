package cognition

// Phase is a state of the cognitive cycle.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseAssembling
	PhaseAwaitingModel
	PhaseExtracting
	PhasePersisting
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseAssembling:
		return "assembling"
	case PhaseAwaitingModel:
		return "awaiting_model"
	case PhaseExtracting:
		return "extracting"
	case PhasePersisting:
		return "persisting"
	}
	return "unknown"
}

// Observer is told about every phase change of a cycle.
type Observer func(traceID string, from, to Phase)
