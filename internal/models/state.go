package models

// State is the position of a user inside the conversation flow.
type State string

const (
	// StateInit is the implicit state of a user without a stored session.
	StateInit                  State = ""
	StateWaitingForService     State = "WAITING_FOR_SERVICE"
	StateWaitingForEntity      State = "WAITING_FOR_ENTITY"
	StateWaitingForImageCount  State = "WAITING_FOR_IMAGE_COUNT"
	StateWaitingForImages      State = "WAITING_FOR_IMAGES"
	StateProcessingBatch       State = "PROCESSING_BATCH"
	StateWaitingForClaimChoice State = "WAITING_FOR_CLAIM_CHOICE"
	StateCommitting            State = "COMMITTING"
	StateWaitingForAddAnother  State = "WAITING_FOR_ADD_ANOTHER"
	StateWaitingForGRNUpload   State = "WAITING_FOR_GRN_UPLOAD"
	StateProcessingGRN         State = "PROCESSING_GRN"
	// StateDone is terminal; a session reaching it is deleted.
	StateDone State = "DONE"
)

var knownStates = map[State]struct{}{
	StateInit:                  {},
	StateWaitingForService:     {},
	StateWaitingForEntity:      {},
	StateWaitingForImageCount:  {},
	StateWaitingForImages:      {},
	StateProcessingBatch:       {},
	StateWaitingForClaimChoice: {},
	StateCommitting:            {},
	StateWaitingForAddAnother:  {},
	StateWaitingForGRNUpload:   {},
	StateProcessingGRN:         {},
	StateDone:                  {},
}

// Valid reports whether s is one of the enumerated states.
func (s State) Valid() bool {
	_, ok := knownStates[s]
	return ok
}

// Busy reports whether a background task owns the session in this state.
func (s State) Busy() bool {
	switch s {
	case StateProcessingBatch, StateCommitting, StateProcessingGRN:
		return true
	}
	return false
}

// AcceptsMedia reports whether media events are meaningful in this state.
func (s State) AcceptsMedia() bool {
	return s == StateWaitingForImages || s == StateWaitingForGRNUpload
}

// States lists every enumerated state, initial first.
func States() []State {
	return []State{
		StateInit,
		StateWaitingForService,
		StateWaitingForEntity,
		StateWaitingForImageCount,
		StateWaitingForImages,
		StateProcessingBatch,
		StateWaitingForClaimChoice,
		StateCommitting,
		StateWaitingForAddAnother,
		StateWaitingForGRNUpload,
		StateProcessingGRN,
		StateDone,
	}
}
