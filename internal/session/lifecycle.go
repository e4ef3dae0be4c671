package session

import (
	"context"
	"fmt"
	"time"

	"github.com/toybridge/gateway/internal/audioconst"
	"github.com/toybridge/gateway/internal/controlbus"
	"github.com/toybridge/gateway/internal/mcp"
	"github.com/toybridge/gateway/internal/media"
)

const bridgeConnectTimeout = 5 * time.Second

// attachBridge creates this session's MediaBridge and McpCoordinator. It
// must run before the session is registered as Connected.
func (s *Session) attachBridge(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, bridgeConnectTimeout)
	defer cancel()

	bridge, err := media.New(ctx, media.Params{
		LiveKitURL: s.deps.LiveKitURL,
		APIKey:     s.deps.APIKey,
		APISecret:  s.deps.APISecret,
		UUID:       s.deviceUUID,
		Mac:        s.macRoom,
		RoomType:   s.roomType,
		Rooms:      s.deps.Rooms,
		Pool:       s.deps.Codec,
		Sender:     s.deps.Sender,
		Endpoint:   s,
		Sink:       s,
		Log:        s.deps.Log,
	})
	if err != nil {
		return fmt.Errorf("session: attach bridge: %w", err)
	}

	s.setBridge(bridge)
	s.coordinator = mcp.NewCoordinator(s.fullClientID, s.id, s.deps.ControlBus, s.deps.Log)
	s.volume = mcp.NewVolumeController(s.coordinator, func() int64 { return s.deps.now().UnixMilli() })
	s.state.Store(int32(Connected))
	return nil
}

// udpMaterial builds the UDP transport block sent on hello/mode_update.
func (s *Session) udpMaterial(publicIP string, udpPort int) controlbus.UDPMaterial {
	return controlbus.UDPMaterial{
		Server:       publicIP,
		Port:         udpPort,
		Encryption:   string(s.Algorithm()),
		Key:          fmt.Sprintf("%x", s.key),
		Nonce:        fmt.Sprintf("%x", s.nonce),
		ConnectionID: s.connectionID,
		Cookie:       fmt.Sprintf("%d", s.connectionID),
	}
}

func (s *Session) audioParams() controlbus.AudioParams {
	return controlbus.AudioParams{
		SampleRate:    audioconst.OutboundSampleRate,
		Channels:      audioconst.OutboundChannels,
		FrameDuration: int(audioconst.FrameDuration.Milliseconds()),
		Format:        "opus",
	}
}

// waitForUDPThenGreet blocks (off the FSM thread) until the first inbound
// datagram is observed or ctx expires, then emits start_greeting on the data
// channel. Only meaningful for conversation-mode sessions.
func (s *Session) waitForUDPThenGreet(ctx context.Context) {
	select {
	case <-s.udpObservedCh:
	case <-ctx.Done():
		return
	case <-s.closedCh:
		return
	}
	s.sendStartGreeting()
}

func (s *Session) sendStartGreeting() {
	bridge := s.bridgeRef()
	if bridge == nil {
		return
	}
	if err := bridge.SendDataMessage(map[string]string{"type": "start_greeting"}); err != nil {
		s.deps.Log.Warnw("send start_greeting failed", "session", s.id, "error", err)
	}
}

// closeSession runs the Closed transition: best-effort bot teardown, bridge
// close, room deletion, and deferred removal from the owning Manager's
// indexes. Idempotent.
func (s *Session) closeSession(reason controlbus.GoodbyeReason, sendGoodbye bool) {
	s.closeDone.Do(func() {
		s.mu.Lock()
		s.closing = true
		alreadySentGoodbye := s.goodbyeSent
		s.mu.Unlock()

		if sendGoodbye && !alreadySentGoodbye {
			s.publishGoodbye(reason)
		}

		s.state.Store(int32(Closed))

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if s.roomType == media.RoomMusic || s.roomType == media.RoomStory {
			if err := s.deps.MediaBackend.StopBot(ctx, s.RoomName()); err != nil {
				s.deps.Log.Debugw("stop bot on close failed", "session", s.id, "error", err)
			}
		}

		bridge := s.bridgeRef()
		if bridge != nil {
			bridge.Close()
		}
		if err := s.deps.Rooms.DeleteRoom(ctx, s.RoomName()); err != nil {
			s.deps.Log.Debugw("delete room on close failed", "session", s.id, "error", err)
		}
		if s.coordinator != nil {
			s.coordinator.Close()
		}

		close(s.closedCh)

		if s.onEvicted != nil {
			time.AfterFunc(2*time.Second, func() { s.onEvicted(s) })
		}
	})
}

func (s *Session) publishGoodbye(reason controlbus.GoodbyeReason) {
	s.mu.Lock()
	s.goodbyeSent = true
	s.mu.Unlock()
	msg := controlbus.GoodbyeOut{Type: "goodbye", SessionID: s.id, Reason: reason}
	if err := s.deps.ControlBus.PublishToDevice(s.fullClientID, msg); err != nil {
		s.deps.Log.Warnw("publish goodbye failed", "session", s.id, "error", err)
	}
}

// closeForHello tears down a prior session for the same MAC so a new hello
// can proceed. Workers are terminated lazily: the bridge close and room
// deletion happen on their own goroutine so the new hello is not blocked on
// the old session's teardown.
func (s *Session) closeForHello() {
	go s.closeSession("", false)
}
