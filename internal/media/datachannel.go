package media

import (
	"encoding/json"

	lksdk "github.com/livekit/server-sdk-go/v2"
)

// SessionEventSink receives parsed agent data-channel events; the owning
// Session/SessionFSM implements it so state transitions (audio-playing
// flag, ending phase, activity timer) live with the rest of session state
// rather than inside the room adapter.
type SessionEventSink interface {
	OnAgentStateChanged(oldState, newState string)
	OnUserInputTranscribed(text string, isFinal bool)
	OnSpeechCreated(text string)
	OnDeviceControl(action string, raw json.RawMessage)
	OnFunctionCall(name string, arguments json.RawMessage)
	OnMobileMusicRequest(kind string, raw json.RawMessage)
	OnLLM(text, emotion string)
	OnMusicPlaybackStopped()
}

type dataEnvelope struct {
	Type string `json:"type"`
}

type agentStateChangedEvent struct {
	OldState string `json:"old_state"`
	NewState string `json:"new_state"`
}

type userInputTranscribedEvent struct {
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
}

type speechCreatedEvent struct {
	Text string `json:"text"`
}

type deviceControlEvent struct {
	Action string `json:"action"`
}

type functionCallEvent struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type mobileMusicRequestEvent struct {
	Kind string `json:"kind"`
}

type llmEvent struct {
	Text    string `json:"text"`
	Emotion string `json:"emotion"`
}

func (b *Bridge) onDataReceived(data []byte, _ lksdk.DataReceiveParams) {
	var env dataEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		b.log.Warnw("dropping malformed data-channel message", "error", err)
		return
	}
	if b.sink == nil {
		return
	}

	switch env.Type {
	case "agent_state_changed":
		var e agentStateChangedEvent
		if json.Unmarshal(data, &e) == nil {
			b.sink.OnAgentStateChanged(e.OldState, e.NewState)
		}
	case "user_input_transcribed":
		var e userInputTranscribedEvent
		if json.Unmarshal(data, &e) == nil {
			b.sink.OnUserInputTranscribed(e.Text, e.IsFinal)
		}
	case "speech_created":
		var e speechCreatedEvent
		if json.Unmarshal(data, &e) == nil {
			b.sink.OnSpeechCreated(e.Text)
		}
	case "device_control":
		var e deviceControlEvent
		if json.Unmarshal(data, &e) == nil {
			b.sink.OnDeviceControl(e.Action, data)
		}
	case "function_call":
		var e functionCallEvent
		if json.Unmarshal(data, &e) == nil {
			b.sink.OnFunctionCall(e.Name, e.Arguments)
		}
	case "mobile_music_request":
		var e mobileMusicRequestEvent
		if json.Unmarshal(data, &e) == nil {
			b.sink.OnMobileMusicRequest(e.Kind, data)
		}
	case "llm":
		var e llmEvent
		if json.Unmarshal(data, &e) == nil {
			b.sink.OnLLM(e.Text, e.Emotion)
		}
	case "music_playback_stopped":
		b.sink.OnMusicPlaybackStopped()
	default:
		b.log.Warnw("dropping unknown data-channel event type", "type", env.Type)
	}
}

// SendDataMessage publishes payload (marshaled to JSON) on the room's
// reliable data channel, e.g. disconnect_agent or start_greeting.
func (b *Bridge) SendDataMessage(payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return b.room.LocalParticipant.PublishData(body, lksdk.WithDataPublishReliable(true))
}
