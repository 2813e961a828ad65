package gate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/security-gate-ai/internal/visitor"
)

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		name string
		from State
		ev   event
		want State
	}{
		{"forced input goes to decide", StateReceiveInput, evInput{Relevant: true, Forced: true}, StateDecide},
		{"first turn skips detection", StateReceiveInput, evInput{Relevant: true, FirstTurn: true}, StateCheckContextLength},
		{"later turns detect session", StateReceiveInput, evInput{Relevant: true}, StateDetectSession},
		{"unrelated input awaits", StateReceiveInput, evInput{Relevant: false}, StateAwaitInput},
		{"decided session re-detects", StateReceiveInput, evInput{Relevant: true, Decided: true}, StateDetectSession},
		{"new visitor resets", StateDetectSession, evSessionDetected{New: true}, StateResetConversation},
		{"same decided visitor ends", StateDetectSession, evSessionDetected{Decided: true}, StateTerminal},
		{"same visitor continues", StateDetectSession, evSessionDetected{}, StateCheckContextLength},
		{"reset reprocesses input", StateResetConversation, evReset{}, StateReceiveInput},
		{"long history summarizes", StateCheckContextLength, evContextChecked{OverLimit: true}, StateSummarize},
		{"short history extracts", StateCheckContextLength, evContextChecked{}, StateExtractProfile},
		{"summary then extract", StateSummarize, evSummarized{}, StateExtractProfile},
		{"threat after extraction decides", StateExtractProfile, evExtracted{Forced: true}, StateDecide},
		{"extraction validates contact", StateExtractProfile, evExtracted{}, StateValidateContact},
		{"missing field asks", StateValidateContact, evContactChecked{Missing: []visitor.FieldName{visitor.FieldContactPerson}}, StateAskMissingField},
		{"forced ignores missing fields", StateValidateContact, evContactChecked{Forced: true, Missing: []visitor.FieldName{visitor.FieldVisitorName}}, StateDecide},
		{"affiliation pending asks", StateValidateContact, evContactChecked{AffiliationPending: true}, StateAskMissingField},
		{"complete profile decides", StateValidateContact, evContactChecked{}, StateDecide},
		{"question awaits", StateAskMissingField, evAsked{Question: "What is your name?"}, StateAwaitInput},
		{"allow notifies", StateDecide, evDecided{Notify: true}, StateNotify},
		{"deny terminates", StateDecide, evDecided{}, StateTerminal},
		{"notify terminates", StateNotify, evNotified{}, StateTerminal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _, err := transition(tt.from, tt.ev)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTransitionRejectsMismatchedEvent(t *testing.T) {
	_, _, err := transition(StateDecide, evReset{})
	var bad errBadTransition
	require.ErrorAs(t, err, &bad)
	assert.Equal(t, StateDecide, bad.from)

	_, _, err = transition(StateTerminal, evInput{})
	assert.Error(t, err)
}

func TestTransitionEffects(t *testing.T) {
	_, effects, err := transition(StateReceiveInput, evInput{Relevant: false})
	require.NoError(t, err)
	require.Len(t, effects, 1)
	assert.Equal(t, unrelatedInputReply, effects[0].text)

	_, effects, err = transition(StateDecide, evDecided{Replies: []string{"a", "b"}})
	require.NoError(t, err)
	require.Len(t, effects, 3)
	assert.Equal(t, effectComplete, effects[2].kind)

	_, effects, err = transition(StateDecide, evDecided{Replies: []string{"a"}, Notify: true})
	require.NoError(t, err)
	require.Len(t, effects, 1)
	assert.Equal(t, effectReply, effects[0].kind)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "receive_input", StateReceiveInput.String())
	assert.Equal(t, "terminal", StateTerminal.String())
	assert.Equal(t, "State(99)", State(99).String())
}
