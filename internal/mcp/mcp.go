// Package mcp implements McpCoordinator: JSON-RPC 2.0 request/response
// correlation over the device's MQTT control channel, the function-name to
// device-tool mapping, and the debounced/serialized volume-adjust path.
// Grounded on the teacher's EventEmitter-based request/response pattern in
// retellAI/events.go, generalized from pub/sub listener fan-out to a
// single-waiter correlation map.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// ErrMcpTimeout is returned when a request is not matched by a response
// before its deadline.
var ErrMcpTimeout = errors.New("mcp: request timed out")

// ErrCoordinatorClosed is returned to any pending or new request once the
// owning session has closed.
var ErrCoordinatorClosed = errors.New("mcp: coordinator closed")

// DevicePublisher is the subset of ControlBus a Coordinator needs; it exists
// to avoid an import cycle between mcp and controlbus.
type DevicePublisher interface {
	PublishToDevice(fullClientID string, payload interface{}) error
}

// ToolCall is the inner JSON-RPC payload carried by the mcp envelope.
type ToolCall struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  ToolParams  `json:"params"`
	ID      int64       `json:"id"`
}

type ToolParams struct {
	Name      string      `json:"name"`
	Arguments interface{} `json:"arguments"`
}

// ToolResponse is the inner JSON-RPC payload a device sends back.
type ToolResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ToolError      `json:"error,omitempty"`
}

type ToolError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// contentResult matches the `content[0].text` unwrap the spec calls for.
type contentResult struct {
	Content []struct {
		Text string `json:"text"`
	} `json:"content"`
}

// FunctionToTool maps agent-side function_call names to device tool names.
var FunctionToTool = map[string]string{
	"self_set_volume":         "self.audio_speaker.set_volume",
	"self_get_volume":         "self.get_device_status",
	"self_mute":                "self.audio_speaker.mute",
	"self_unmute":              "self.audio_speaker.unmute",
	"self_set_light_color":     "self.led.set_color",
	"self_set_light_mode":      "self.led.set_mode",
	"self_set_rainbow_speed":   "self.led.set_rainbow_speed",
	"self_get_battery_status":  "self.battery.get_status",
}

type pendingRequest struct {
	resultCh chan result
}

type result struct {
	raw json.RawMessage
	err error
}

// Coordinator correlates outbound tool calls with their device responses for
// exactly one session. It is owned by that session (session.Session holds it
// alongside its MediaBridge).
type Coordinator struct {
	mu            sync.Mutex
	pending       map[int64]*pendingRequest
	nextID        atomic.Int64
	fullClientID  string
	sessionID     string
	publisher     DevicePublisher
	log           *zap.SugaredLogger
	closed        atomic.Bool
}

// NewCoordinator builds a Coordinator that publishes to fullClientID on
// behalf of sessionID.
func NewCoordinator(fullClientID, sessionID string, publisher DevicePublisher, log *zap.SugaredLogger) *Coordinator {
	return &Coordinator{
		pending:      make(map[int64]*pendingRequest),
		fullClientID: fullClientID,
		sessionID:    sessionID,
		publisher:    publisher,
		log:          log.Named("mcp"),
	}
}

// mcpEnvelope mirrors controlbus.McpOut's shape without importing controlbus.
type mcpEnvelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	SessionID string          `json:"session_id"`
	RequestID string          `json:"request_id"`
	Timestamp int64           `json:"timestamp"`
}

// SendAndWait allocates the next request id, transmits the tool call, and
// blocks until a matching response arrives, ctx is cancelled, or the
// coordinator closes. If the result unwraps to a single content[0].text
// item, that string is returned JSON-encoded (as a quoted JSON string) in
// place of the raw result.
func (c *Coordinator) SendAndWait(ctx context.Context, tool string, args interface{}, nowUnixMs int64) (json.RawMessage, error) {
	if c.closed.Load() {
		return nil, ErrCoordinatorClosed
	}

	id := c.nextID.Add(1)
	pr := &pendingRequest{resultCh: make(chan result, 1)}

	c.mu.Lock()
	c.pending[id] = pr
	c.mu.Unlock()

	call := ToolCall{
		JSONRPC: "2.0",
		Method:  "tools/call",
		Params:  ToolParams{Name: tool, Arguments: args},
		ID:      id,
	}
	payload, err := json.Marshal(call)
	if err != nil {
		c.removePending(id)
		return nil, fmt.Errorf("mcp: marshal tool call: %w", err)
	}

	env := mcpEnvelope{
		Type:      "mcp",
		Payload:   payload,
		SessionID: c.sessionID,
		RequestID: fmt.Sprintf("req_%d", id),
		Timestamp: nowUnixMs,
	}
	if err := c.publisher.PublishToDevice(c.fullClientID, env); err != nil {
		c.removePending(id)
		return nil, fmt.Errorf("mcp: publish tool call: %w", err)
	}

	select {
	case res := <-pr.resultCh:
		return res.raw, res.err
	case <-ctx.Done():
		c.removePending(id)
		return nil, ErrMcpTimeout
	}
}

func (c *Coordinator) removePending(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// HandleResponse is invoked by ControlBus when an inbound `mcp` message
// arrives on this session's data topic. It parses the JSON-RPC response and
// resolves or rejects the matching pending request; ids with no match are
// logged and dropped (already-timed-out or foreign requests).
func (c *Coordinator) HandleResponse(payload json.RawMessage) {
	var resp ToolResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		c.log.Warnw("dropping malformed mcp response", "error", err)
		return
	}

	c.mu.Lock()
	pr, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.mu.Unlock()
	if !ok {
		c.log.Debugw("dropping mcp response with no matching pending request", "id", resp.ID)
		return
	}

	if resp.Error != nil {
		pr.resultCh <- result{err: fmt.Errorf("mcp: tool error %d: %s", resp.Error.Code, resp.Error.Message)}
		return
	}

	raw := resp.Result
	var content contentResult
	if err := json.Unmarshal(resp.Result, &content); err == nil && len(content.Content) > 0 {
		raw, _ = json.Marshal(content.Content[0].Text)
	}
	pr.resultCh <- result{raw: raw}
}

// Close rejects every outstanding request with ErrCoordinatorClosed and
// refuses new ones.
func (c *Coordinator) Close() {
	c.closed.Store(true)
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, pr := range c.pending {
		pr.resultCh <- result{err: ErrCoordinatorClosed}
		delete(c.pending, id)
	}
}

// PendingCount reports the number of outstanding requests (tests/metrics).
func (c *Coordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
