package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMessage(t *testing.T) {
	msg, err := ParseMessage([]byte(`{"type":"save-answer","requestId":"r1","payload":{"marathonId":"m1","questionId":"q1","draftAnswer":"je vais"}}`))
	require.NoError(t, err)
	assert.Equal(t, MsgSaveAnswer, msg.Type)
	assert.Equal(t, "r1", msg.RequestID)

	var p SaveAnswerPayload
	require.NoError(t, msg.DecodePayload(&p))
	assert.Equal(t, SaveAnswerPayload{MarathonID: "m1", QuestionID: "q1", DraftAnswer: "je vais"}, p)

	_, err = ParseMessage([]byte(`{"payload":{}}`))
	assert.Error(t, err)
	_, err = ParseMessage([]byte(`not json`))
	assert.Error(t, err)

	empty, err := ParseMessage([]byte(`{"type":"start-marathon"}`))
	require.NoError(t, err)
	assert.Error(t, empty.DecodePayload(&StartMarathonPayload{}))
}

func TestNewErrorMessage(t *testing.T) {
	msg, err := NewErrorMessage("NOT_ENROLLED", "not enrolled", "r9")
	require.NoError(t, err)
	assert.Equal(t, MsgError, msg.Type)
	assert.Equal(t, "r9", msg.RequestID)
	assert.JSONEq(t, `{"code":"NOT_ENROLLED","message":"not enrolled"}`, string(msg.Payload))
}
