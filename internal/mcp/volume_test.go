package mcp

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func fixedClock() int64 { return 1000 }

func TestDebouncedAdjustVolumeAccumulatesAndApplies(t *testing.T) {
	pub := &capturePublisher{}
	coord := NewCoordinator("G@@@00_16_3e_ac_b5_38@@@u1", "s1", pub, zap.NewNop().Sugar())

	var calls []ToolCall
	pub.onPublish = func(_ string, payload interface{}) {
		call := decodeEnvelopePayload(t, payload)
		calls = append(calls, call)

		var result json.RawMessage
		if call.Params.Name == FunctionToTool["self_set_volume"] {
			args, _ := json.Marshal(call.Params.Arguments)
			var body struct {
				Volume int `json:"volume"`
			}
			_ = json.Unmarshal(args, &body)
			result = mustMarshal(t, body.Volume)
		}
		go coord.HandleResponse(mustMarshal(t, ToolResponse{JSONRPC: "2.0", ID: call.ID, Result: result}))
	}

	vc := NewVolumeController(coord, fixedClock)
	vc.lastKnownVolume = intPtr(50)

	w1 := vc.DebouncedAdjustVolume(VolumeUp, 5, 20*time.Millisecond)
	w2 := vc.DebouncedAdjustVolume(VolumeUp, 5, 20*time.Millisecond)

	select {
	case v := <-w1:
		require.NotNil(t, v)
		assert.Equal(t, 60, *v)
	case <-time.After(time.Second):
		t.Fatal("w1 did not resolve")
	}
	select {
	case v := <-w2:
		require.NotNil(t, v)
		assert.Equal(t, 60, *v)
	case <-time.After(time.Second):
		t.Fatal("w2 did not resolve")
	}

	require.Len(t, calls, 1, "two accumulated steps should yield exactly one device call")
	assert.Equal(t, 60, *vc.lastKnownVolume)
}

func TestDebouncedAdjustVolumeClampsAndInvalidatesOnError(t *testing.T) {
	pub := &capturePublisher{}
	coord := NewCoordinator("G@@@00_16_3e_ac_b5_38@@@u1", "s1", pub, zap.NewNop().Sugar())
	var sentVolume int
	pub.onPublish = func(_ string, payload interface{}) {
		call := decodeEnvelopePayload(t, payload)
		args, _ := json.Marshal(call.Params.Arguments)
		var body struct {
			Volume int `json:"volume"`
		}
		_ = json.Unmarshal(args, &body)
		sentVolume = body.Volume
		go coord.HandleResponse(mustMarshal(t, ToolResponse{JSONRPC: "2.0", ID: call.ID, Error: &ToolError{Code: 1, Message: "device offline"}}))
	}

	vc := NewVolumeController(coord, fixedClock)
	vc.lastKnownVolume = intPtr(95)

	w := vc.DebouncedAdjustVolume(VolumeUp, 50, 10*time.Millisecond)
	select {
	case v := <-w:
		assert.Nil(t, v)
	case <-time.After(time.Second):
		t.Fatal("did not resolve")
	}
	assert.Equal(t, 100, sentVolume, "95+50 must be clamped to 100")
	assert.Nil(t, vc.lastKnownVolume)
}

func intPtr(v int) *int { return &v }
