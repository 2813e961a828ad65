package gate

import (
	"fmt"

	"github.com/wolfman30/security-gate-ai/internal/visitor"
)

// State is a node of the conversation graph.
type State int

const (
	StateReceiveInput State = iota
	StateDetectSession
	StateResetConversation
	StateCheckContextLength
	StateSummarize
	StateExtractProfile
	StateValidateContact
	StateAskMissingField
	StateDecide
	StateNotify
	// StateAwaitInput ends a turn back at receive_input, waiting for the
	// next human message.
	StateAwaitInput
	StateTerminal
)

var stateNames = [...]string{
	"receive_input",
	"detect_session",
	"reset_conversation",
	"check_context_length",
	"summarize",
	"extract_profile",
	"validate_contact",
	"ask_missing_field",
	"decide",
	"notify",
	"await_input",
	"terminal",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// halts reports whether a turn stops at s.
func (s State) halts() bool {
	return s == StateAwaitInput || s == StateTerminal
}

// event is the result of running one node.
type event interface{ isEvent() }

type (
	evInput struct {
		Relevant  bool
		Forced    bool
		FirstTurn bool
		Decided   bool
	}
	evSessionDetected struct {
		New     bool
		Decided bool
		Reply   string
	}
	evReset          struct{}
	evContextChecked struct{ OverLimit bool }
	evSummarized     struct{}
	evExtracted      struct{ Forced bool }
	evContactChecked struct {
		Forced             bool
		Missing            []visitor.FieldName
		AffiliationPending bool
	}
	evAsked   struct{ Question string }
	evDecided struct {
		Replies []string
		Notify  bool
	}
	evNotified struct{}
)

func (evInput) isEvent()           {}
func (evSessionDetected) isEvent() {}
func (evReset) isEvent()           {}
func (evContextChecked) isEvent()  {}
func (evSummarized) isEvent()      {}
func (evExtracted) isEvent()       {}
func (evContactChecked) isEvent()  {}
func (evAsked) isEvent()           {}
func (evDecided) isEvent()         {}
func (evNotified) isEvent()        {}

type effectKind int

const (
	effectReply effectKind = iota
	effectComplete
)

type effect struct {
	kind effectKind
	text string
}

func reply(text string) effect { return effect{kind: effectReply, text: text} }

var complete = effect{kind: effectComplete}

// errBadTransition is reported for an event a state cannot accept.
type errBadTransition struct {
	from State
	ev   event
}

func (e errBadTransition) Error() string {
	return fmt.Sprintf("gate: no transition from %s on %T", e.from, e.ev)
}

// transition is the whole conversation graph. It is pure: nodes perform
// the work and report it as an event.
func transition(from State, ev event) (State, []effect, error) {
	switch from {
	case StateReceiveInput:
		e, ok := ev.(evInput)
		if !ok {
			break
		}
		switch {
		case e.Decided:
			return StateDetectSession, nil, nil
		case e.Forced:
			return StateDecide, nil, nil
		case !e.Relevant:
			return StateAwaitInput, []effect{reply(unrelatedInputReply)}, nil
		case e.FirstTurn:
			return StateCheckContextLength, nil, nil
		default:
			return StateDetectSession, nil, nil
		}

	case StateDetectSession:
		e, ok := ev.(evSessionDetected)
		if !ok {
			break
		}
		switch {
		case e.New:
			return StateResetConversation, nil, nil
		case e.Decided:
			return StateTerminal, []effect{reply(e.Reply), complete}, nil
		default:
			return StateCheckContextLength, nil, nil
		}

	case StateResetConversation:
		if _, ok := ev.(evReset); ok {
			return StateReceiveInput, nil, nil
		}

	case StateCheckContextLength:
		e, ok := ev.(evContextChecked)
		if !ok {
			break
		}
		if e.OverLimit {
			return StateSummarize, nil, nil
		}
		return StateExtractProfile, nil, nil

	case StateSummarize:
		if _, ok := ev.(evSummarized); ok {
			return StateExtractProfile, nil, nil
		}

	case StateExtractProfile:
		e, ok := ev.(evExtracted)
		if !ok {
			break
		}
		if e.Forced {
			return StateDecide, nil, nil
		}
		return StateValidateContact, nil, nil

	case StateValidateContact:
		e, ok := ev.(evContactChecked)
		if !ok {
			break
		}
		if !e.Forced && (len(e.Missing) > 0 || e.AffiliationPending) {
			return StateAskMissingField, nil, nil
		}
		return StateDecide, nil, nil

	case StateAskMissingField:
		if e, ok := ev.(evAsked); ok {
			return StateAwaitInput, []effect{reply(e.Question)}, nil
		}

	case StateDecide:
		e, ok := ev.(evDecided)
		if !ok {
			break
		}
		effects := make([]effect, 0, len(e.Replies)+1)
		for _, r := range e.Replies {
			effects = append(effects, reply(r))
		}
		if e.Notify {
			return StateNotify, effects, nil
		}
		return StateTerminal, append(effects, complete), nil

	case StateNotify:
		if _, ok := ev.(evNotified); ok {
			return StateTerminal, []effect{complete}, nil
		}

	case StateAwaitInput, StateTerminal:
	}
	return from, nil, errBadTransition{from: from, ev: ev}
}
