package session

import (
	"time"

	"github.com/toybridge/gateway/internal/controlbus"
)

// checkTimers runs the inactivity and max-duration checks from spec.md
// §4.9. Manager calls it on every 15s keep-alive tick, for every live
// session, via enqueue so it never races a concurrent FSM transition.
func (s *Session) checkTimers() {
	if s.State() == Closed {
		return
	}

	now := s.deps.now()

	if now.Sub(s.startedAt) > maxSessionDuration {
		s.closeSession(controlbus.ReasonSessionMaxDuration, true)
		return
	}

	s.mu.Lock()
	if s.audioPlayingStartTime != nil && now.Sub(*s.audioPlayingStartTime) > audioStuckCap {
		s.audioPlaying = false
		s.audioPlayingStartTime = nil
	}
	audioPlaying := s.audioPlaying
	ending := s.ending
	endPromptSentTime := s.endPromptSentTime
	lastActivity := s.lastActivity
	s.mu.Unlock()

	if ending {
		// audioPlaying is already false here if it had been stuck past
		// audioStuckCap (cleared above), so that 90s backstop still forces
		// the close even if audio never stops; this only suppresses the 30s
		// grace while audio is genuinely still playing.
		if !audioPlaying && endPromptSentTime != nil && now.Sub(*endPromptSentTime) > endPromptGrace {
			s.closeSession(controlbus.ReasonInactivityTimeout, true)
		}
		return
	}

	if audioPlaying {
		return
	}

	if now.Sub(lastActivity) > inactivityThreshold {
		s.enterEnding(now)
	}
}

// enterEnding starts the Ending phase: notify the device over the data
// channel and stamp endPromptSentTime so the next tick can force-close.
func (s *Session) enterEnding(now time.Time) {
	s.mu.Lock()
	s.ending = true
	s.endPromptSentTime = &now
	s.mu.Unlock()

	s.state.Store(int32(Ending))

	bridge := s.bridgeRef()
	if bridge == nil {
		return
	}
	if err := bridge.SendDataMessage(map[string]string{"type": "end_prompt"}); err != nil {
		s.deps.Log.Warnw("send end_prompt failed", "session", s.id, "error", err)
	}
}
