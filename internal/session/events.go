package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/toybridge/gateway/internal/controlbus"
)

const (
	// ttsStopDelay is the "schedule a TTS-stop MQTT to the device after
	// ~1s" delay from spec.md §4.7's speaking->listening transition.
	ttsStopDelay = time.Second
	// closeAfterGoodbyeDelay is the grace period between sending the final
	// goodbye and tearing the session down, from the same transition.
	closeAfterGoodbyeDelay = 500 * time.Millisecond
)

// OnAgentStateChanged implements media.SessionEventSink. Grounded verbatim
// on spec.md §4.7's agent_state_changed handling.
func (s *Session) OnAgentStateChanged(oldState, newState string) {
	if oldState == "speaking" && newState == "listening" {
		s.mu.Lock()
		s.audioPlaying = false
		s.audioPlayingStartTime = nil
		ending := s.ending
		goodbyeSent := s.goodbyeSent
		s.mu.Unlock()

		time.AfterFunc(ttsStopDelay, func() { s.sendTTS("stop", "") })

		if ending && !goodbyeSent {
			s.publishGoodbye(controlbus.ReasonEndPromptTimeout)
			time.AfterFunc(closeAfterGoodbyeDelay, func() {
				s.enqueue(func() { s.closeSession(controlbus.ReasonEndPromptTimeout, false) })
			})
		}
	}
	// listening->thinking and every other transition has no wire effect.
}

// OnUserInputTranscribed implements media.SessionEventSink. Production
// default is to suppress intermediate partials (spec.md §4.7).
func (s *Session) OnUserInputTranscribed(text string, isFinal bool) {
	if !isFinal {
		return
	}
	msg := controlbus.STTOut{Type: "stt", Text: text, SessionID: s.id}
	if err := s.deps.ControlBus.PublishToDevice(s.fullClientID, msg); err != nil {
		s.deps.Log.Warnw("publish stt failed", "session", s.id, "error", err)
	}
}

// OnSpeechCreated implements media.SessionEventSink.
func (s *Session) OnSpeechCreated(text string) {
	s.mu.Lock()
	now := s.deps.now()
	s.audioPlaying = true
	s.audioPlayingStartTime = &now
	s.lastActivity = now
	s.mu.Unlock()

	s.sendTTS("start", text)
}

// OnDeviceControl implements media.SessionEventSink: translates an agent
// device_control event into an MCP tool invocation. The action string is
// itself the device tool name the agent intends to call.
func (s *Session) OnDeviceControl(action string, raw json.RawMessage) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), mcpRequestTimeout)
		defer cancel()
		if _, err := s.coordinator.SendAndWait(ctx, action, raw, s.deps.now().UnixMilli()); err != nil {
			s.deps.Log.Debugw("device_control tool call failed", "session", s.id, "action", action, "error", err)
		}
	}()
}

// OnFunctionCall implements media.SessionEventSink: an agent-originated
// function_call routes through the same name->tool mapping as a
// device-originated one (spec.md §4.7, §4.8).
func (s *Session) OnFunctionCall(name string, arguments json.RawMessage) {
	s.routeFunctionCall(name, arguments)
}

// OnMobileMusicRequest implements media.SessionEventSink: converts a
// companion-app music/story request into a function_call forwarded to the
// agent on the data channel (spec.md §4.7).
func (s *Session) OnMobileMusicRequest(kind string, _ json.RawMessage) {
	bridge := s.bridgeRef()
	if bridge == nil {
		return
	}
	name := "play_music"
	if kind == "story" {
		name = "play_story"
	}
	if err := bridge.SendDataMessage(map[string]string{"type": "function_call", "name": name}); err != nil {
		s.deps.Log.Warnw("forward mobile_music_request failed", "session", s.id, "error", err)
	}
}

// OnLLM implements media.SessionEventSink.
func (s *Session) OnLLM(text, emotion string) {
	msg := controlbus.LLMOut{Type: "llm", Text: text, Emotion: emotion}
	if err := s.deps.ControlBus.PublishToDevice(s.fullClientID, msg); err != nil {
		s.deps.Log.Warnw("publish llm failed", "session", s.id, "error", err)
	}
}

// OnMusicPlaybackStopped implements media.SessionEventSink.
func (s *Session) OnMusicPlaybackStopped() {
	s.mu.Lock()
	s.audioPlaying = false
	s.audioPlayingStartTime = nil
	s.mu.Unlock()
	s.sendTTS("stop", "")
}
