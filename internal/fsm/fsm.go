package fsm

import (
	"errors"
	"fmt"
)

type State string

type Event string

const (
	StateIdle          State = "idle"
	StateAwaitingInput State = "awaiting_input"
	StateGenerating    State = "generating"
	StateResponseReady State = "response_ready"
	StateReportReady   State = "report_ready"
)

const (
	EventImageUploaded  Event = "image_uploaded"
	EventSpeechCaptured Event = "speech_captured"
	EventGenerate       Event = "generate"
	EventGenerated      Event = "generated"
	EventGenerateFailed Event = "generate_failed"
	EventReportBuilt    Event = "report_built"
)

var ErrInvalidTransition = errors.New("invalid transition")

// Transition returns the phase reached from current on event. The machine has
// no terminal state; a new image brings every phase except Generating back to
// AwaitingInput.
func Transition(current State, event Event) (State, error) {
	switch current {
	case StateIdle:
		switch event {
		case EventImageUploaded, EventSpeechCaptured:
			return StateAwaitingInput, nil
		case EventGenerate:
			return StateGenerating, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateAwaitingInput:
		switch event {
		case EventImageUploaded, EventSpeechCaptured:
			return StateAwaitingInput, nil
		case EventGenerate:
			return StateGenerating, nil
		case EventReportBuilt:
			return StateReportReady, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateGenerating:
		switch event {
		case EventGenerated:
			return StateResponseReady, nil
		case EventGenerateFailed:
			return StateAwaitingInput, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateResponseReady, StateReportReady:
		switch event {
		case EventImageUploaded:
			return StateAwaitingInput, nil
		case EventSpeechCaptured:
			return current, nil
		case EventGenerate:
			return StateGenerating, nil
		case EventReportBuilt:
			return StateReportReady, nil
		default:
			return current, invalidTransition(current, event)
		}
	default:
		return current, fmt.Errorf("unknown state %q", current)
	}
}

func invalidTransition(state State, event Event) error {
	return fmt.Errorf("%w: %s --(%s)--> ?", ErrInvalidTransition, state, event)
}
