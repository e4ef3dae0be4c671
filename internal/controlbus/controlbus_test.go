package controlbus

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingHandlers struct {
	hellos     []HelloIn
	goodbyes   []GoodbyeIn
	unknowns   []string
	lastMcp    McpIn
	lastFnCall FunctionCallIn
}

func (r *recordingHandlers) HandleHello(_ ClientID, msg HelloIn)     { r.hellos = append(r.hellos, msg) }
func (r *recordingHandlers) HandleGoodbye(_ ClientID, msg GoodbyeIn) { r.goodbyes = append(r.goodbyes, msg) }
func (r *recordingHandlers) HandleAbort(ClientID, AbortIn)           {}
func (r *recordingHandlers) HandleListen(ClientID, ListenIn)         {}
func (r *recordingHandlers) HandleModeChange(ClientID, ModeChangeIn) {}
func (r *recordingHandlers) HandleCharacterChange(ClientID, CharacterChangeIn) {}
func (r *recordingHandlers) HandleSetListeningMode(ClientID, SetListeningModeIn) {}
func (r *recordingHandlers) HandlePlaybackControl(ClientID, PlaybackControlIn) {}
func (r *recordingHandlers) HandleFunctionCall(_ ClientID, msg FunctionCallIn) { r.lastFnCall = msg }
func (r *recordingHandlers) HandleMcp(_ ClientID, msg McpIn)                   { r.lastMcp = msg }
func (r *recordingHandlers) HandleStartGreeting(ClientID, StartGreetingIn)     {}
func (r *recordingHandlers) HandleUnknown(_ ClientID, msgType string, _ []byte) {
	r.unknowns = append(r.unknowns, msgType)
}

func newTestClient(h Handlers) *Client {
	return &Client{handlers: h, log: zap.NewNop().Sugar()}
}

func TestDispatchHello(t *testing.T) {
	h := &recordingHandlers{}
	c := newTestClient(h)
	id := ClientID{Full: "G@@@00_16_3e_ac_b5_38@@@u1", Mac: "00_16_3e_ac_b5_38"}

	c.dispatch(id, []byte(`{"type":"hello","version":3,"audio_params":{"sample_rate":16000,"channels":1,"frame_duration":60,"format":"opus"}}`))

	require.Len(t, h.hellos, 1)
	assert.Equal(t, 3, h.hellos[0].Version)
	assert.Equal(t, 16000, h.hellos[0].AudioParams.SampleRate)
}

func TestDispatchUnknownTypeDropped(t *testing.T) {
	h := &recordingHandlers{}
	c := newTestClient(h)
	id := ClientID{Full: "G@@@00_16_3e_ac_b5_38@@@u1"}

	c.dispatch(id, []byte(`{"type":"reboot_now"}`))

	assert.Empty(t, h.hellos)
	assert.Empty(t, h.goodbyes)
	require.Len(t, h.unknowns, 1)
	assert.Equal(t, "reboot_now", h.unknowns[0])
}

func TestDispatchMalformedJSONDropped(t *testing.T) {
	h := &recordingHandlers{}
	c := newTestClient(h)
	id := ClientID{Full: "G@@@00_16_3e_ac_b5_38@@@u1"}

	c.dispatch(id, []byte(`not json`))

	assert.Empty(t, h.hellos)
	assert.Empty(t, h.unknowns)
}

func TestClientIDFromTopic(t *testing.T) {
	id, err := clientIDFromTopic("devices/G@@@00_16_3e_ac_b5_38@@@u1/hello")
	require.NoError(t, err)
	assert.Equal(t, "00_16_3e_ac_b5_38", id.Mac)
}

func TestOnFirehosePreservesMisspelledKey(t *testing.T) {
	h := &recordingHandlers{}
	c := newTestClient(h)

	var fh Firehose
	payload := []byte(`{"sender_client_id":"G@@@00_16_3e_ac_b5_38@@@u1","orginal_payload":{"type":"goodbye","session_id":"s1"}}`)
	require.NoError(t, json.Unmarshal(payload, &fh))
	assert.Equal(t, "G@@@00_16_3e_ac_b5_38@@@u1", fh.SenderClientID)

	id, err := ParseClientID(fh.SenderClientID)
	require.NoError(t, err)
	c.dispatch(id, fh.OrginalPayload)
	require.Len(t, h.goodbyes, 1)
	assert.Equal(t, "s1", h.goodbyes[0].SessionID)
}
