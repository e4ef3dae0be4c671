package media

import (
	"context"
	"fmt"
	"time"

	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
)

// LiveKitRoomService wraps the LiveKit room admin API: idempotent creation
// (CreateRoom is itself idempotent on the server for an existing room name),
// deletion, and participant listing.
type LiveKitRoomService struct {
	client *lksdk.RoomServiceClient
}

// NewLiveKitRoomService builds a room-service client against the configured
// LiveKit deployment.
func NewLiveKitRoomService(url, apiKey, apiSecret string) *LiveKitRoomService {
	return &LiveKitRoomService{client: lksdk.NewRoomServiceClient(url, apiKey, apiSecret)}
}

// EnsureRoom creates name if it does not already exist.
func (s *LiveKitRoomService) EnsureRoom(ctx context.Context, name string, emptyTimeout time.Duration) error {
	_, err := s.client.CreateRoom(ctx, &livekit.CreateRoomRequest{
		Name:         name,
		EmptyTimeout: uint32(emptyTimeout.Seconds()),
	})
	if err != nil {
		return fmt.Errorf("media: create room %s: %w", name, err)
	}
	return nil
}

// DeleteRoom tears down name; deleting an absent room is not an error.
func (s *LiveKitRoomService) DeleteRoom(ctx context.Context, name string) error {
	_, err := s.client.DeleteRoom(ctx, &livekit.DeleteRoomRequest{Room: name})
	if err != nil {
		return fmt.Errorf("media: delete room %s: %w", name, err)
	}
	return nil
}

// ParticipantIdentities lists the identities of every participant currently
// in name.
func (s *LiveKitRoomService) ParticipantIdentities(ctx context.Context, name string) ([]string, error) {
	resp, err := s.client.ListParticipants(ctx, &livekit.ListParticipantsRequest{Room: name})
	if err != nil {
		return nil, fmt.Errorf("media: list participants in %s: %w", name, err)
	}
	identities := make([]string, 0, len(resp.Participants))
	for _, p := range resp.Participants {
		identities = append(identities, p.Identity)
	}
	return identities, nil
}
