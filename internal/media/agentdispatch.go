package media

import (
	"context"
	"fmt"

	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
)

// AgentDispatcher is the subset of the LiveKit agent-dispatch API SessionFSM
// needs: explicit dispatch of a named agent into an already-created room.
type AgentDispatcher interface {
	DispatchAgent(ctx context.Context, roomName, agentName string) error
}

// LiveKitAgentDispatcher wraps lksdk's agent-dispatch client.
type LiveKitAgentDispatcher struct {
	client *lksdk.AgentDispatchClient
}

// NewLiveKitAgentDispatcher builds a dispatcher against the configured
// LiveKit deployment.
func NewLiveKitAgentDispatcher(url, apiKey, apiSecret string) *LiveKitAgentDispatcher {
	return &LiveKitAgentDispatcher{client: lksdk.NewAgentDispatchClient(url, apiKey, apiSecret)}
}

// DispatchAgent requests agentName be dispatched into roomName. Dispatch is
// itself idempotent on the LiveKit server for an agent already present, so
// callers (SessionFSM) MAY call this unconditionally rather than checking
// participant presence first; SessionFSM additionally verifies via
// RoomService.ParticipantIdentities for the "idempotent via participant
// listing" policy spec.md calls for, skipping dispatch when an agent is
// already listed in the room.
func (d *LiveKitAgentDispatcher) DispatchAgent(ctx context.Context, roomName, agentName string) error {
	_, err := d.client.CreateDispatch(ctx, roomName, agentName, &livekit.CreateAgentDispatchRequest{
		Room:      roomName,
		AgentName: agentName,
	})
	if err != nil {
		return fmt.Errorf("media: dispatch agent %s into %s: %w", agentName, roomName, err)
	}
	return nil
}
