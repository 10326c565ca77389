package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEffectOf_SynonymsMapToSameEffect(t *testing.T) {
	cases := []struct {
		names []string
		want  Effect
	}{
		{[]string{"connect_confirm", "connect_ack"}, EffectConnectConfirmed},
		{[]string{"round_ended", "snippet_broadcast"}, EffectRoundClosed},
		{[]string{"new_story_part", "ai_response"}, EffectStoryPart},
		{[]string{"status_update", "error"}, EffectStatusNotice},
	}
	for _, tc := range cases {
		for _, name := range tc.names {
			eff, ok := EffectOf(name)
			require.True(t, ok, "event %q should be recognized", name)
			assert.Equal(t, tc.want, eff, "event %q", name)
		}
	}
}

func TestEffectOf_UnknownEvent(t *testing.T) {
	_, ok := EffectOf("telemetry_blob")
	assert.False(t, ok)
}

func TestAck_Err(t *testing.T) {
	assert.NoError(t, Ack{Status: "ok"}.Err())

	err := Ack{Status: "error", Msg: "room is full"}.Err()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAckRejected)
	assert.Contains(t, err.Error(), "room is full")

	assert.ErrorIs(t, Ack{Status: "error"}.Err(), ErrAckRejected)
}

func TestFrame_AckIDSurvivesZero(t *testing.T) {
	// Ack ids start at 1, but the zero id must still round-trip as "an ack"
	// rather than decaying into a push frame.
	id := uint64(0)
	raw, err := json.Marshal(Frame{AckID: &id})
	require.NoError(t, err)

	var back Frame
	require.NoError(t, json.Unmarshal(raw, &back))
	require.True(t, back.IsAck())
	assert.Equal(t, uint64(0), *back.AckID)
}

func TestNewRequest(t *testing.T) {
	f, err := NewRequest(7, EventJoinRoom, JoinRoomRequest{RoomID: 3})
	require.NoError(t, err)
	assert.Equal(t, uint64(7), f.ID)
	assert.Equal(t, EventJoinRoom, f.Event)
	assert.JSONEq(t, `{"room_id":3}`, string(f.Data))
	assert.False(t, f.IsAck())
}
