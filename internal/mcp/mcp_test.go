package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type capturePublisher struct {
	lastPayload interface{}
	onPublish   func(fullClientID string, payload interface{})
}

func (p *capturePublisher) PublishToDevice(fullClientID string, payload interface{}) error {
	p.lastPayload = payload
	if p.onPublish != nil {
		p.onPublish(fullClientID, payload)
	}
	return nil
}

func decodeEnvelopePayload(t *testing.T, payload interface{}) ToolCall {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	var env mcpEnvelope
	require.NoError(t, json.Unmarshal(body, &env))
	var call ToolCall
	require.NoError(t, json.Unmarshal(env.Payload, &call))
	return call
}

func TestSendAndWaitResolvesOnMatchingResponse(t *testing.T) {
	pub := &capturePublisher{}
	coord := NewCoordinator("G@@@00_16_3e_ac_b5_38@@@u1", "s1", pub, zap.NewNop().Sugar())

	pub.onPublish = func(_ string, payload interface{}) {
		call := decodeEnvelopePayload(t, payload)
		go coord.HandleResponse(mustMarshal(t, ToolResponse{JSONRPC: "2.0", ID: call.ID, Result: mustMarshal(t, 42)}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	raw, err := coord.SendAndWait(ctx, "self.audio_speaker.mute", nil, 123)
	require.NoError(t, err)
	assert.Equal(t, "42", string(raw))
}

func TestSendAndWaitUnwrapsContentText(t *testing.T) {
	pub := &capturePublisher{}
	coord := NewCoordinator("G@@@00_16_3e_ac_b5_38@@@u1", "s1", pub, zap.NewNop().Sugar())

	pub.onPublish = func(_ string, payload interface{}) {
		call := decodeEnvelopePayload(t, payload)
		result := mustMarshal(t, map[string]interface{}{
			"content": []map[string]string{{"text": "battery ok"}},
		})
		go coord.HandleResponse(mustMarshal(t, ToolResponse{JSONRPC: "2.0", ID: call.ID, Result: result}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	raw, err := coord.SendAndWait(ctx, "self.battery.get_status", nil, 123)
	require.NoError(t, err)
	var s string
	require.NoError(t, json.Unmarshal(raw, &s))
	assert.Equal(t, "battery ok", s)
}

func TestSendAndWaitRejectsOnError(t *testing.T) {
	pub := &capturePublisher{}
	coord := NewCoordinator("G@@@00_16_3e_ac_b5_38@@@u1", "s1", pub, zap.NewNop().Sugar())

	pub.onPublish = func(_ string, payload interface{}) {
		call := decodeEnvelopePayload(t, payload)
		go coord.HandleResponse(mustMarshal(t, ToolResponse{JSONRPC: "2.0", ID: call.ID, Error: &ToolError{Code: 1, Message: "nope"}}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := coord.SendAndWait(ctx, "self.led.set_color", nil, 123)
	assert.Error(t, err)
}

func TestSendAndWaitTimesOut(t *testing.T) {
	pub := &capturePublisher{}
	coord := NewCoordinator("G@@@00_16_3e_ac_b5_38@@@u1", "s1", pub, zap.NewNop().Sugar())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := coord.SendAndWait(ctx, "self.led.set_mode", nil, 123)
	assert.ErrorIs(t, err, ErrMcpTimeout)
	assert.Zero(t, coord.PendingCount())
}

func TestCloseRejectsPending(t *testing.T) {
	pub := &capturePublisher{}
	coord := NewCoordinator("G@@@00_16_3e_ac_b5_38@@@u1", "s1", pub, zap.NewNop().Sugar())

	done := make(chan error, 1)
	go func() {
		_, err := coord.SendAndWait(context.Background(), "self.led.set_mode", nil, 123)
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	coord.Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrCoordinatorClosed)
	case <-time.After(time.Second):
		t.Fatal("SendAndWait did not unblock after Close")
	}

	_, err := coord.SendAndWait(context.Background(), "self.led.set_mode", nil, 123)
	assert.ErrorIs(t, err, ErrCoordinatorClosed)
}

func mustMarshal(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
