package message

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypeValidate(t *testing.T) {
	tests := []struct {
		name    string
		typ     Type
		wantErr bool
	}{
		{"request", TypeRequest, false},
		{"response", TypeResponse, false},
		{"broadcast", TypeBroadcast, false},
		{"empty", Type(""), true},
		{"unknown", Type("notify"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.typ.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestReplyCarriesJobID(t *testing.T) {
	req, err := NewRequest("storage", "supervisor", "SAVE", nil)
	require.NoError(t, err)
	req.JobID = 42

	resp, err := req.Reply(map[string]int{"blockNumber": 3})
	require.NoError(t, err)

	assert.Equal(t, "supervisor", resp.To)
	assert.Equal(t, "storage", resp.From)
	assert.Equal(t, TypeResponse, resp.Type)
	assert.Equal(t, int64(42), resp.JobID)
	assert.Equal(t, "SAVE", resp.Action)
	assert.JSONEq(t, `{"blockNumber":3}`, string(resp.Payload))
}

func TestPayloadErrors(t *testing.T) {
	req := &Message{To: "storage", From: "supervisor", Type: TypeRequest, JobID: 1, Action: ActionInit}

	t.Run("null payload is success", func(t *testing.T) {
		resp, err := req.Reply(nil)
		require.NoError(t, err)
		assert.True(t, resp.IsNull())
		assert.NoError(t, resp.Err())
		assert.NoError(t, resp.StatusErr())
	})

	t.Run("failure payload carries error", func(t *testing.T) {
		resp := req.Failure(errors.New("redis unreachable"))
		assert.False(t, resp.IsNull())
		require.Error(t, resp.Err())
		assert.Equal(t, "redis unreachable", resp.Err().Error())
		assert.Error(t, resp.StatusErr())
	})

	t.Run("string payload is an error description", func(t *testing.T) {
		resp := &Message{Payload: json.RawMessage(`"bad config"`)}
		require.Error(t, resp.Err())
		assert.Equal(t, "bad config", resp.Err().Error())
	})

	t.Run("data payload is not an error but fails status check", func(t *testing.T) {
		resp := &Message{Payload: json.RawMessage(`{"blockNumber":1}`)}
		assert.NoError(t, resp.Err())
		assert.Error(t, resp.StatusErr())
	})
}

func TestUnmarshalValidates(t *testing.T) {
	t.Run("accepts valid request", func(t *testing.T) {
		m, err := Unmarshal([]byte(`{"to":"storage","from":"supervisor","type":"request","jobId":1,"action":"SAVE"}`))
		require.NoError(t, err)
		assert.Equal(t, int64(1), m.JobID)
	})

	t.Run("rejects request without job id", func(t *testing.T) {
		_, err := Unmarshal([]byte(`{"to":"storage","from":"supervisor","type":"request","action":"SAVE"}`))
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "job id")
	})

	t.Run("accepts broadcast without recipient", func(t *testing.T) {
		_, err := Unmarshal([]byte(`{"from":"streamer","type":"broadcast","action":"NEW_BLOCK"}`))
		assert.NoError(t, err)
	})

	t.Run("rejects malformed JSON", func(t *testing.T) {
		_, err := Unmarshal([]byte(`{"to":`))
		assert.Error(t, err)
	})
}

func TestCloneIsDeep(t *testing.T) {
	orig := &Message{To: "api", From: "storage", Type: TypeResponse, JobID: 9, Payload: json.RawMessage(`{"a":1}`)}
	c, err := Clone(orig)
	require.NoError(t, err)

	c.Payload[2] = 'b'
	assert.JSONEq(t, `{"a":1}`, string(orig.Payload))
}
