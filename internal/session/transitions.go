package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/toybridge/gateway/internal/controlbus"
	"github.com/toybridge/gateway/internal/mcp"
	"github.com/toybridge/gateway/internal/media"
)

const (
	externalCallTimeout = 5 * time.Second
	mcpRequestTimeout   = 5 * time.Second
)

// handleGoodbye implements spec.md §4.9's goodbye transition: the room is
// kept alive awaiting a new greeting trigger.
func (s *Session) handleGoodbye(controlbus.GoodbyeIn) {
	bridge := s.bridgeRef()
	if bridge != nil {
		if err := bridge.SendDataMessage(map[string]string{"type": "disconnect_agent"}); err != nil {
			s.deps.Log.Warnw("send disconnect_agent failed", "session", s.id, "error", err)
		}
	}
	s.mu.Lock()
	s.ending = false
	s.endPromptSentTime = nil
	s.goodbyeSent = false
	s.mu.Unlock()
}

func (s *Session) handleAbort(controlbus.AbortIn) {
	bridge := s.bridgeRef()
	if bridge != nil {
		if err := bridge.SendDataMessage(map[string]string{"type": "abort"}); err != nil {
			s.deps.Log.Warnw("forward abort to agent failed", "session", s.id, "error", err)
		}
	}
	s.sendTTS("stop", "")
}

func (s *Session) handleListen(msg controlbus.ListenIn) {
	s.deps.Log.Debugw("listen", "session", s.id, "state", msg.State, "mode", msg.Mode)
}

func (s *Session) handleSetListeningMode() {
	ctx, cancel := context.WithTimeout(context.Background(), externalCallTimeout)
	defer cancel()
	mode, err := s.deps.Directory.ListeningMode(ctx, s.mac)
	if err != nil {
		s.deps.Log.Warnw("listening mode lookup failed", "session", s.id, "error", err)
		return
	}
	s.mu.Lock()
	s.listeningMode = mode
	s.mu.Unlock()
}

func (s *Session) handleCharacterChange(msg controlbus.CharacterChangeIn) {
	ctx, cancel := context.WithTimeout(context.Background(), externalCallTimeout)
	defer cancel()
	if err := s.deps.Directory.CycleCharacter(ctx, s.mac, msg.CharacterName); err != nil {
		s.deps.Log.Warnw("character change failed", "session", s.id, "error", err)
		return
	}
	character, err := s.deps.Directory.CurrentCharacter(ctx, s.mac)
	if err != nil {
		s.deps.Log.Warnw("current character lookup failed", "session", s.id, "error", err)
		return
	}
	s.mu.Lock()
	s.character = character
	s.mu.Unlock()
}

// handleModeChange implements spec.md §4.9's mode-change transition: tear
// down the old room, cycle mode via DeviceDirectory, and rebuild against the
// new room name.
func (s *Session) handleModeChange(controlbus.ModeChangeIn) {
	ctx, cancel := context.WithTimeout(context.Background(), externalCallTimeout)
	defer cancel()

	if bridge := s.bridgeRef(); bridge != nil {
		if s.roomType == media.RoomMusic || s.roomType == media.RoomStory {
			_ = s.deps.MediaBackend.StopBot(ctx, bridge.RoomName())
		}
		bridge.Close()
		_ = s.deps.Rooms.DeleteRoom(ctx, bridge.RoomName())
	}

	result, err := s.deps.Directory.CycleMode(ctx, s.mac)
	if err != nil {
		s.deps.Log.Warnw("cycle mode failed", "session", s.id, "error", err)
		return
	}

	s.roomType = media.RoomType(result.NewMode)
	if err := s.attachBridge(ctx); err != nil {
		s.deps.Log.Errorw("rebuild bridge after mode-change failed", "session", s.id, "error", err)
		return
	}

	out := controlbus.ModeUpdateOut{
		Type:        "mode_update",
		Mode:        result.NewMode,
		Character:   s.character,
		SessionID:   s.id,
		UDP:         s.udpMaterial(s.publicIP, s.udpPort),
		AudioParams: s.audioParams(),
	}
	if err := s.deps.ControlBus.PublishToDevice(s.fullClientID, out); err != nil {
		s.deps.Log.Warnw("publish mode_update failed", "session", s.id, "error", err)
	}

	switch s.roomType {
	case media.RoomMusic, media.RoomStory:
		s.spawnMediaBot(ctx)
	case media.RoomConversation:
		s.dispatchAgent(ctx)
	}
}

// handlePlaybackControl implements spec.md §4.9's playback_control
// transitions.
func (s *Session) handlePlaybackControl(msg controlbus.PlaybackControlIn) {
	ctx, cancel := context.WithTimeout(context.Background(), externalCallTimeout)
	defer cancel()

	switch msg.Action {
	case "start_agent":
		switch s.roomType {
		case media.RoomMusic, media.RoomStory:
			_ = s.deps.MediaBackend.BotAction(ctx, botModeFor(s.roomType), s.RoomName(), "start")
		case media.RoomConversation:
			s.dispatchAgent(ctx)
			s.sendStartGreeting()
		}
	case "next", "previous":
		if s.roomType == media.RoomConversation {
			s.deps.Log.Debugw("playback_control unsupported in conversation mode", "session", s.id, "action", msg.Action)
			return
		}
		s.sendTTS("stop", "")
		if err := s.deps.MediaBackend.BotAction(ctx, botModeFor(s.roomType), s.RoomName(), msg.Action); err != nil {
			s.deps.Log.Warnw("bot action failed", "session", s.id, "action", msg.Action, "error", err)
		}
		s.sendTTS("start", "Skipping to the "+msg.Action+" track")
	default:
		s.deps.Log.Warnw("dropping unknown playback_control action", "session", s.id, "action", msg.Action)
	}
}

func (s *Session) handleStartGreeting(controlbus.StartGreetingIn) {
	s.sendStartGreeting()
}

func (s *Session) handleMcp(msg controlbus.McpIn) {
	if s.coordinator != nil {
		s.coordinator.HandleResponse(msg.Payload)
	}
}

// handleDeviceFunctionCall routes a device-originated function_call the same
// way an agent-originated one is routed (spec.md §4.7's "route to
// McpCoordinator"), since both ultimately invoke a device tool.
func (s *Session) handleDeviceFunctionCall(msg controlbus.FunctionCallIn) {
	s.routeFunctionCall(msg.FunctionCall.Name, msg.FunctionCall.Arguments)
}

func (s *Session) routeFunctionCall(name string, arguments json.RawMessage) {
	if name == "self_volume_up" || name == "self_volume_down" {
		action := mcp.VolumeUp
		if name == "self_volume_down" {
			action = mcp.VolumeDown
		}
		s.volume.DebouncedAdjustVolume(action, parseVolumeStep(arguments), 0)
		return
	}

	tool, ok := mcp.FunctionToTool[name]
	if !ok {
		s.deps.Log.Warnw("dropping function_call with unknown name", "session", s.id, "name", name)
		return
	}
	var args interface{}
	if len(arguments) > 0 {
		_ = json.Unmarshal(arguments, &args)
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), mcpRequestTimeout)
		defer cancel()
		if _, err := s.coordinator.SendAndWait(ctx, tool, args, s.deps.now().UnixMilli()); err != nil {
			s.deps.Log.Debugw("mcp tool call failed", "session", s.id, "tool", tool, "error", err)
		}
	}()
}

func parseVolumeStep(arguments json.RawMessage) int {
	var v struct {
		Step int `json:"step"`
	}
	if err := json.Unmarshal(arguments, &v); err != nil || v.Step == 0 {
		return 1
	}
	return v.Step
}

func (s *Session) dispatchAgent(ctx context.Context) {
	if bridge := s.bridgeRef(); bridge != nil && bridge.VerifyAgentPresentByListing(ctx) {
		return
	}
	if err := s.deps.Agents.DispatchAgent(ctx, s.RoomName(), agentDispatchName); err != nil {
		s.deps.Log.Warnw("agent dispatch failed", "session", s.id, "error", err)
	}
}

func (s *Session) spawnMediaBot(ctx context.Context) {
	playlist, err := s.deps.Directory.Playlist(ctx, s.mac, string(s.roomType))
	if err != nil {
		s.deps.Log.Warnw("playlist lookup failed", "session", s.id, "error", err)
	}
	switch s.roomType {
	case media.RoomMusic:
		if err := s.deps.MediaBackend.StartMusicBot(ctx, s.RoomName(), s.mac, s.language, playlist); err != nil {
			s.deps.Log.Warnw("start music bot failed", "session", s.id, "error", err)
		}
	case media.RoomStory:
		if err := s.deps.MediaBackend.StartStoryBot(ctx, s.RoomName(), s.mac, s.language, playlist); err != nil {
			s.deps.Log.Warnw("start story bot failed", "session", s.id, "error", err)
		}
	}
}

func (s *Session) sendTTS(state, text string) {
	msg := controlbus.TTSOut{Type: "tts", State: state, SessionID: s.id, Text: text}
	if err := s.deps.ControlBus.PublishToDevice(s.fullClientID, msg); err != nil {
		s.deps.Log.Warnw("publish tts failed", "session", s.id, "state", state, "error", err)
	}
}

func botModeFor(rt media.RoomType) BotMode {
	if rt == media.RoomStory {
		return BotStory
	}
	return BotMusic
}

