package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/toybridge/gateway/internal/controlbus"
	"github.com/toybridge/gateway/internal/mcp"
	"github.com/toybridge/gateway/internal/media"
)

// fakePublisher is a minimal ControlPublisher double that records every
// publish and optionally feeds a canned MCP response back through a
// Coordinator, mirroring mcp_test.go's capturePublisher.
type fakePublisher struct {
	mu        sync.Mutex
	device    []interface{}
	app       []interface{}
	onPublish func(fullClientID string, payload interface{})
}

func (f *fakePublisher) PublishToDevice(fullClientID string, payload interface{}) error {
	f.mu.Lock()
	f.device = append(f.device, payload)
	f.mu.Unlock()
	if f.onPublish != nil {
		f.onPublish(fullClientID, payload)
	}
	return nil
}

func (f *fakePublisher) PublishToApp(mac string, payload interface{}) error {
	f.mu.Lock()
	f.app = append(f.app, payload)
	f.mu.Unlock()
	return nil
}

func (f *fakePublisher) last() interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.device) == 0 {
		return nil
	}
	return f.device[len(f.device)-1]
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.device)
}

// fakeRooms is a media.RoomService double.
type fakeRooms struct {
	mu       sync.Mutex
	deleted  []string
	deleteErr error
}

func (f *fakeRooms) EnsureRoom(context.Context, string, time.Duration) error { return nil }

func (f *fakeRooms) DeleteRoom(_ context.Context, name string) error {
	f.mu.Lock()
	f.deleted = append(f.deleted, name)
	f.mu.Unlock()
	return f.deleteErr
}

func (f *fakeRooms) ParticipantIdentities(context.Context, string) ([]string, error) {
	return nil, nil
}

// fakeMediaBackend is a MediaBackend double.
type fakeMediaBackend struct {
	mu        sync.Mutex
	botActions []string
	stopped   []string
}

func (f *fakeMediaBackend) StartMusicBot(context.Context, string, string, string, []string) error {
	return nil
}

func (f *fakeMediaBackend) StartStoryBot(context.Context, string, string, string, []string) error {
	return nil
}

func (f *fakeMediaBackend) BotAction(_ context.Context, mode BotMode, roomName, action string) error {
	f.mu.Lock()
	f.botActions = append(f.botActions, string(mode)+":"+roomName+":"+action)
	f.mu.Unlock()
	return nil
}

func (f *fakeMediaBackend) StopBot(_ context.Context, roomName string) error {
	f.mu.Lock()
	f.stopped = append(f.stopped, roomName)
	f.mu.Unlock()
	return nil
}

// fakeDirectory is a DeviceDirectory double.
type fakeDirectory struct {
	mode             string
	listeningMode    string
	listeningModeErr error
	character        string
	characterErr     error
	cycleCharErr     error
	cycleModeResult  CycleModeResult
	cycleModeErr     error
	playlist         []string
}

func (f *fakeDirectory) Mode(context.Context, string) string { return f.mode }

func (f *fakeDirectory) ListeningMode(context.Context, string) (string, error) {
	return f.listeningMode, f.listeningModeErr
}

func (f *fakeDirectory) CurrentCharacter(context.Context, string) (string, error) {
	return f.character, f.characterErr
}

func (f *fakeDirectory) CycleMode(context.Context, string) (CycleModeResult, error) {
	return f.cycleModeResult, f.cycleModeErr
}

func (f *fakeDirectory) CycleCharacter(context.Context, string, string) error {
	return f.cycleCharErr
}

func (f *fakeDirectory) Playlist(context.Context, string, string) ([]string, error) {
	return f.playlist, nil
}

func testClientID(t *testing.T) controlbus.ClientID {
	t.Helper()
	id, err := controlbus.ParseClientID("G@@@00_16_3e_ac_b5_38@@@device-uuid-1")
	require.NoError(t, err)
	return id
}

// testClientIDN builds distinct, still-valid client ids for tests that need
// more than one device registered at once.
func testClientIDN(t *testing.T, n byte) controlbus.ClientID {
	t.Helper()
	full := "G@@@00_16_3e_ac_b5_" + hexByte(n) + "@@@device-uuid-" + hexByte(n)
	id, err := controlbus.ParseClientID(full)
	require.NoError(t, err)
	return id
}

func hexByte(n byte) string {
	const digits = "0123456789abcdef"
	return string([]byte{digits[n>>4], digits[n&0xf]})
}

// newTestSession builds a Session the way manager.go's handleHello does,
// minus the attachBridge call: every test in this file exercises FSM logic
// that never reaches media.New's real network dial.
func newTestSession(t *testing.T, deps Deps) *Session {
	t.Helper()
	if deps.Log == nil {
		deps.Log = zap.NewNop().Sugar()
	}
	if deps.ControlBus == nil {
		deps.ControlBus = &fakePublisher{}
	}
	if deps.Rooms == nil {
		deps.Rooms = &fakeRooms{}
	}
	if deps.MediaBackend == nil {
		deps.MediaBackend = &fakeMediaBackend{}
	}
	if deps.Directory == nil {
		deps.Directory = &fakeDirectory{mode: "conversation"}
	}
	connID, err := randomConnectionID()
	require.NoError(t, err)
	s, err := newSession(testClientID(t), media.RoomConversation, connID, deps)
	require.NoError(t, err)
	return s
}

func TestNewSessionStartsHandshaking(t *testing.T) {
	s := newTestSession(t, Deps{})
	assert.Equal(t, Handshaking, s.State())
	assert.NotEmpty(t, s.ID())
	assert.Equal(t, "00:16:3e:ac:b5:38", s.Mac())
	assert.NotZero(t, s.ConnectionID())
}

func TestAcceptSequenceRejectsStaleAndDuplicate(t *testing.T) {
	s := newTestSession(t, Deps{})

	assert.True(t, s.AcceptSequence(5))
	assert.True(t, s.AcceptSequence(6))
	assert.False(t, s.AcceptSequence(6), "duplicate sequence must be rejected")
	assert.False(t, s.AcceptSequence(3), "stale sequence must be rejected")
	assert.True(t, s.AcceptSequence(7))
}

func TestHandlePingTouchesActivityWithoutBridge(t *testing.T) {
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := newTestSession(t, Deps{Clock: func() time.Time { return clock }})

	clock = clock.Add(time.Minute)
	s.HandlePing()

	s.mu.Lock()
	last := s.lastActivity
	s.mu.Unlock()
	assert.Equal(t, clock, last)
}

func TestCheckTimersEntersEndingAfterInactivity(t *testing.T) {
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := newTestSession(t, Deps{Clock: func() time.Time { return clock }})

	clock = clock.Add(inactivityThreshold + time.Second)
	s.checkTimers()

	assert.Equal(t, Ending, s.State())
	s.mu.Lock()
	ending := s.ending
	sent := s.endPromptSentTime
	s.mu.Unlock()
	assert.True(t, ending)
	require.NotNil(t, sent)
	assert.Equal(t, clock, *sent)
}

func TestCheckTimersSkipsEndingWhileAudioPlaying(t *testing.T) {
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := newTestSession(t, Deps{Clock: func() time.Time { return clock }})

	// lastActivity is stale enough to trigger Ending on its own; audio
	// just started playing (recent enough to not hit audioStuckCap), so
	// the inactivity check must still be suppressed.
	staleActivity := clock.Add(-(inactivityThreshold + time.Second))
	audioStart := clock
	s.mu.Lock()
	s.lastActivity = staleActivity
	s.audioPlaying = true
	s.audioPlayingStartTime = &audioStart
	s.mu.Unlock()

	s.checkTimers()

	assert.Equal(t, Handshaking, s.State(), "audio playing should suppress the inactivity transition")
}

func TestCheckTimersClearsStuckAudioFlagThenEnters(t *testing.T) {
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := newTestSession(t, Deps{Clock: func() time.Time { return clock }})

	started := clock
	s.mu.Lock()
	s.audioPlaying = true
	s.audioPlayingStartTime = &started
	s.lastActivity = clock
	s.mu.Unlock()

	clock = clock.Add(audioStuckCap + inactivityThreshold + time.Second)
	s.checkTimers()

	s.mu.Lock()
	audioPlaying := s.audioPlaying
	s.mu.Unlock()
	assert.False(t, audioPlaying, "audioStuckCap should clear the stuck flag")
	assert.Equal(t, Ending, s.State())
}

func TestCheckTimersForceClosesAfterEndPromptGrace(t *testing.T) {
	pub := &fakePublisher{}
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := newTestSession(t, Deps{ControlBus: pub, Clock: func() time.Time { return clock }})

	clock = clock.Add(inactivityThreshold + time.Second)
	s.checkTimers()
	require.Equal(t, Ending, s.State())

	clock = clock.Add(endPromptGrace + time.Second)
	s.checkTimers()

	assert.Equal(t, Closed, s.State())
	goodbye, ok := pub.last().(controlbus.GoodbyeOut)
	require.True(t, ok, "expected a goodbye publish, got %#v", pub.last())
	assert.Equal(t, controlbus.ReasonInactivityTimeout, goodbye.Reason)
}

func TestCheckTimersSuppressesEndPromptGraceWhileAudioPlaying(t *testing.T) {
	pub := &fakePublisher{}
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := newTestSession(t, Deps{ControlBus: pub, Clock: func() time.Time { return clock }})

	clock = clock.Add(inactivityThreshold + time.Second)
	s.checkTimers()
	require.Equal(t, Ending, s.State())

	// Audio starts playing (e.g. TTS responding to end_prompt) right as the
	// 30s grace would otherwise expire; audioStuckCap (90s) has not elapsed,
	// so the force-close must be suppressed.
	audioStart := clock
	s.mu.Lock()
	s.audioPlaying = true
	s.audioPlayingStartTime = &audioStart
	s.mu.Unlock()

	clock = clock.Add(endPromptGrace + time.Second)
	s.checkTimers()
	assert.Equal(t, Ending, s.State(), "audio playing during Ending must suppress the end-prompt-grace close")

	// Once audio has been stuck long enough to exceed audioStuckCap, the
	// flag clears and the grace timeout is free to force-close on the next
	// tick.
	clock = clock.Add(audioStuckCap + time.Second)
	s.checkTimers()
	assert.Equal(t, Closed, s.State(), "stuck audio must not block the close forever")
}

func TestCheckTimersForceClosesAtMaxDuration(t *testing.T) {
	pub := &fakePublisher{}
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := newTestSession(t, Deps{ControlBus: pub, Clock: func() time.Time { return clock }})

	clock = clock.Add(maxSessionDuration + time.Second)
	s.checkTimers()

	assert.Equal(t, Closed, s.State())
	goodbye, ok := pub.last().(controlbus.GoodbyeOut)
	require.True(t, ok)
	assert.Equal(t, controlbus.ReasonSessionMaxDuration, goodbye.Reason)
}

func TestCheckTimersNoopOnClosedSession(t *testing.T) {
	pub := &fakePublisher{}
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := newTestSession(t, Deps{ControlBus: pub, Clock: func() time.Time { return clock }})

	s.closeSession("", false)
	require.Equal(t, 0, pub.count(), "explicit no-goodbye close must not publish")

	clock = clock.Add(maxSessionDuration + time.Hour)
	s.checkTimers()

	assert.Equal(t, 0, pub.count(), "a closed session must not re-enter checkTimers")
}

func TestCloseSessionIsIdempotent(t *testing.T) {
	pub := &fakePublisher{}
	rooms := &fakeRooms{}
	s := newTestSession(t, Deps{ControlBus: pub, Rooms: rooms})

	s.closeSession(controlbus.ReasonModeChange, true)
	s.closeSession(controlbus.ReasonModeChange, true)

	assert.Equal(t, 1, pub.count(), "closeSession must only publish once")
	assert.Len(t, rooms.deleted, 1, "closeSession must only tear down the room once")
}

func TestHandleGoodbyeResetsEndingState(t *testing.T) {
	s := newTestSession(t, Deps{})

	now := time.Now()
	s.mu.Lock()
	s.ending = true
	s.endPromptSentTime = &now
	s.goodbyeSent = true
	s.mu.Unlock()

	s.handleGoodbye(controlbus.GoodbyeIn{Type: "goodbye", SessionID: s.id})

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.False(t, s.ending)
	assert.Nil(t, s.endPromptSentTime)
	assert.False(t, s.goodbyeSent)
}

func TestHandleModeChangeReturnsEarlyOnCycleModeError(t *testing.T) {
	dir := &fakeDirectory{cycleModeErr: assertErr("directory unreachable")}
	s := newTestSession(t, Deps{Directory: dir})
	s.roomType = media.RoomConversation

	s.handleModeChange(controlbus.ModeChangeIn{Type: "mode_change"})

	assert.Equal(t, media.RoomConversation, s.roomType, "room type must not change when CycleMode fails")
	assert.Nil(t, s.bridgeRef())
}

func TestHandlePlaybackControlStartAgentForBot(t *testing.T) {
	mb := &fakeMediaBackend{}
	s := newTestSession(t, Deps{MediaBackend: mb})
	s.roomType = media.RoomMusic

	s.handlePlaybackControl(controlbus.PlaybackControlIn{Type: "playback_control", Action: "start_agent"})

	require.Len(t, mb.botActions, 1)
	assert.Equal(t, "music:"+s.RoomName()+":start", mb.botActions[0])
}

func TestHandlePlaybackControlNextSkipsTrackAndSendsTTS(t *testing.T) {
	mb := &fakeMediaBackend{}
	pub := &fakePublisher{}
	s := newTestSession(t, Deps{MediaBackend: mb, ControlBus: pub})
	s.roomType = media.RoomStory

	s.handlePlaybackControl(controlbus.PlaybackControlIn{Type: "playback_control", Action: "next"})

	require.Len(t, mb.botActions, 1)
	assert.Equal(t, "story:"+s.RoomName()+":next", mb.botActions[0])
	require.Equal(t, 2, pub.count(), "expected a stop tts then a start tts")
	first, ok := pub.device[0].(controlbus.TTSOut)
	require.True(t, ok)
	assert.Equal(t, "stop", first.State)
	second, ok := pub.device[1].(controlbus.TTSOut)
	require.True(t, ok)
	assert.Equal(t, "start", second.State)
}

func TestHandlePlaybackControlNextIsUnsupportedInConversation(t *testing.T) {
	mb := &fakeMediaBackend{}
	s := newTestSession(t, Deps{MediaBackend: mb})
	s.roomType = media.RoomConversation

	s.handlePlaybackControl(controlbus.PlaybackControlIn{Type: "playback_control", Action: "next"})

	assert.Empty(t, mb.botActions, "conversation rooms have no bot to skip tracks on")
}

func TestHandleCharacterChangeUpdatesCurrentCharacter(t *testing.T) {
	dir := &fakeDirectory{character: "astronaut"}
	s := newTestSession(t, Deps{Directory: dir})

	s.handleCharacterChange(controlbus.CharacterChangeIn{Type: "character_change", CharacterName: "astronaut"})

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, "astronaut", s.character)
}

func TestHandleCharacterChangeLeavesCharacterOnCycleError(t *testing.T) {
	dir := &fakeDirectory{cycleCharErr: assertErr("not found"), character: "astronaut"}
	s := newTestSession(t, Deps{Directory: dir})

	s.handleCharacterChange(controlbus.CharacterChangeIn{Type: "character_change", CharacterName: "ghost"})

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Empty(t, s.character)
}

func TestHandleSetListeningModeUpdatesMode(t *testing.T) {
	dir := &fakeDirectory{listeningMode: "wakeword"}
	s := newTestSession(t, Deps{Directory: dir})

	s.handleSetListeningMode()

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, "wakeword", s.listeningMode)
}

// attachCoordinator wires the session's McpCoordinator and VolumeController
// directly, the way attachBridge would, without touching media.New.
func attachCoordinator(s *Session, pub mcp.DevicePublisher) {
	s.coordinator = mcp.NewCoordinator(s.fullClientID, s.id, pub, s.deps.Log)
	s.volume = mcp.NewVolumeController(s.coordinator, func() int64 { return s.deps.now().UnixMilli() })
}

// wireEnvelope mirrors the JSON shape mcp.Coordinator publishes (its
// mcpEnvelope type is unexported), just enough to recover the call id so a
// test can answer it through HandleResponse.
type wireEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func TestRouteFunctionCallVolumeUpDebounces(t *testing.T) {
	pub := &fakePublisher{}
	s := newTestSession(t, Deps{ControlBus: pub})
	attachCoordinator(s, pub)

	pub.onPublish = func(_ string, payload interface{}) {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		var env wireEnvelope
		require.NoError(t, json.Unmarshal(raw, &env))
		if env.Type != "mcp" {
			return
		}
		var call mcp.ToolCall
		require.NoError(t, json.Unmarshal(env.Payload, &call))
		go s.coordinator.HandleResponse(mustMarshalResponse(t, call.ID, 1))
	}

	s.routeFunctionCall("self_volume_up", json.RawMessage(`{"step":5}`))

	require.Eventually(t, func() bool { return pub.count() > 0 }, time.Second, 5*time.Millisecond)
}

func TestRouteFunctionCallUnknownNameIsDropped(t *testing.T) {
	pub := &fakePublisher{}
	s := newTestSession(t, Deps{ControlBus: pub})
	attachCoordinator(s, pub)

	s.routeFunctionCall("not_a_real_tool", nil)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, pub.count())
}

func TestOnSpeechCreatedMarksAudioPlaying(t *testing.T) {
	pub := &fakePublisher{}
	clock := time.Now()
	s := newTestSession(t, Deps{ControlBus: pub, Clock: func() time.Time { return clock }})

	s.OnSpeechCreated("hello there")

	s.mu.Lock()
	playing := s.audioPlaying
	started := s.audioPlayingStartTime
	s.mu.Unlock()
	assert.True(t, playing)
	require.NotNil(t, started)

	tts, ok := pub.last().(controlbus.TTSOut)
	require.True(t, ok)
	assert.Equal(t, "start", tts.State)
	assert.Equal(t, "hello there", tts.Text)
}

func TestOnMusicPlaybackStoppedClearsAudioPlaying(t *testing.T) {
	pub := &fakePublisher{}
	s := newTestSession(t, Deps{ControlBus: pub})

	now := time.Now()
	s.mu.Lock()
	s.audioPlaying = true
	s.audioPlayingStartTime = &now
	s.mu.Unlock()

	s.OnMusicPlaybackStopped()

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.False(t, s.audioPlaying)
	assert.Nil(t, s.audioPlayingStartTime)
}

func TestOnUserInputTranscribedSuppressesPartials(t *testing.T) {
	pub := &fakePublisher{}
	s := newTestSession(t, Deps{ControlBus: pub})

	s.OnUserInputTranscribed("he", false)
	assert.Equal(t, 0, pub.count())

	s.OnUserInputTranscribed("hello", true)
	require.Equal(t, 1, pub.count())
	stt, ok := pub.last().(controlbus.STTOut)
	require.True(t, ok)
	assert.Equal(t, "hello", stt.Text)
}

// assertErr is a tiny helper that satisfies error without importing errors
// just for a one-off sentinel in these tests.
type assertErr string

func (e assertErr) Error() string { return string(e) }

func mustMarshalResponse(t *testing.T, id int64, result interface{}) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(result)
	require.NoError(t, err)
	b, err := json.Marshal(mcp.ToolResponse{JSONRPC: "2.0", ID: id, Result: raw})
	require.NoError(t, err)
	return b
}
