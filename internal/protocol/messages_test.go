package protocol_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haroon-sajid/teamapp-gateway/internal/protocol"
)

func TestKnown(t *testing.T) {
	assert.True(t, protocol.Known(protocol.EvJoinProject))
	assert.True(t, protocol.Known(protocol.EvRefresh))
	assert.False(t, protocol.Known("made_up_event"))
}

func TestValidate(t *testing.T) {
	err := protocol.Validate(protocol.EvTaskCreated, []byte(`{"taskId":"t1","projectId":"p1","taskData":{}}`))
	assert.NoError(t, err)

	err = protocol.Validate(protocol.EvTaskCreated, []byte(`{"taskId":"t1","taskData":{}}`))
	require.Error(t, err)
	var vErr *protocol.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "projectId", vErr.Field)
	assert.Equal(t, protocol.EvTaskCreated, vErr.Event)
}

func TestValidateUnknownEvent(t *testing.T) {
	err := protocol.Validate("made_up_event", []byte(`{}`))
	assert.Error(t, err)
}

func TestValidateNullFieldCountsAsPresent(t *testing.T) {
	// gjson reports null fields as existing; deep null-handling is the
	// handler's concern, presence is the boundary's.
	err := protocol.Validate(protocol.EvUserTyping, []byte(`{"projectId":"p1","isTyping":false}`))
	assert.NoError(t, err)
}

func TestMarshalEnvelope(t *testing.T) {
	msg := protocol.Marshal(protocol.EvUserJoined, protocol.RoomEventPayload{
		ProjectID: "p1",
		User:      protocol.UserInfo{ID: "alice"},
	})

	var env protocol.Envelope
	require.NoError(t, json.Unmarshal(msg, &env))
	assert.Equal(t, protocol.EvUserJoined, env.Event)

	var payload protocol.RoomEventPayload
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	assert.Equal(t, "p1", payload.ProjectID)
	assert.Equal(t, "alice", payload.User.ID)
}

func TestNewEventIDMonotonicAndUnique(t *testing.T) {
	a := protocol.NewEventID()
	b := protocol.NewEventID()
	assert.Len(t, a, 26)
	assert.NotEqual(t, a, b)
	assert.Less(t, a, b)
}
