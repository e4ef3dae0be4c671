// Package session implements SessionFSM and its owning Manager: the
// per-device state machine that turns ControlBus messages and UDP datagrams
// into MediaBridge and McpCoordinator activity, and the process-wide indexes
// (connectionId -> session, mac -> session) the gateway's transport and
// control-bus layers dispatch through. Grounded on the teacher's
// RoomParticipant lifecycle (create/teardown, mutex-guarded state) in
// retell/retell.go, generalized from one hardcoded call to many concurrent
// per-device sessions.
package session

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/toybridge/gateway/internal/cipher"
	"github.com/toybridge/gateway/internal/codec"
	"github.com/toybridge/gateway/internal/controlbus"
	"github.com/toybridge/gateway/internal/mcp"
	"github.com/toybridge/gateway/internal/media"
)

const codecRequestTimeout = codec.DefaultRequestTimeout

// State is a SessionFSM state. Closed is terminal.
type State int32

const (
	Idle State = iota
	Handshaking
	Connected
	Ending
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Handshaking:
		return "handshaking"
	case Connected:
		return "connected"
	case Ending:
		return "ending"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	// inactivityThreshold is the wall-clock gap since last activity that
	// starts the Ending phase.
	inactivityThreshold = 2 * time.Minute
	// endPromptGrace is how long Ending waits for audio before forcing
	// Closed.
	endPromptGrace = 30 * time.Second
	// audioStuckCap is the "stuck playing" exception: if audioPlayingStartTime
	// has been set this long, the flags are cleared and normal timeout
	// handling resumes. Kept as a named constant so it is easy to tune
	// per spec.md §9's open question about this value.
	audioStuckCap = 90 * time.Second
	// maxSessionDuration forces Closed regardless of activity.
	maxSessionDuration = 60 * time.Minute

	// agentDispatchName is the agent identity dispatched into conversation
	// rooms. The spec does not name one; this is an implementation choice
	// recorded in DESIGN.md.
	agentDispatchName = "toybridge-agent"
)

// ControlPublisher is the ControlBus surface a session needs to reply to its
// device and its companion app.
type ControlPublisher interface {
	PublishToDevice(fullClientID string, payload interface{}) error
	PublishToApp(mac string, payload interface{}) error
}

// CodecPool is the CodecWorkerPool surface a session needs: decode inbound
// device Opus to PCM for the room, in addition to the encode MediaBridge
// itself dispatches for the outbound leg.
type CodecPool interface {
	Encode(ctx context.Context, pcm []byte) ([]byte, error)
	Decode(ctx context.Context, opusData []byte) ([]byte, error)
}

// DeviceDirectory is the profile-API surface a session needs.
type DeviceDirectory interface {
	Mode(ctx context.Context, mac string) string
	ListeningMode(ctx context.Context, mac string) (string, error)
	CurrentCharacter(ctx context.Context, mac string) (string, error)
	CycleMode(ctx context.Context, mac string) (CycleModeResult, error)
	CycleCharacter(ctx context.Context, mac, characterName string) error
	Playlist(ctx context.Context, mac, mode string) ([]string, error)
}

// CycleModeResult mirrors directory.CycleModeResult without importing
// directory from this package's exported surface (avoids a cyclical-looking
// dependency chain for callers that only need the FSM).
type CycleModeResult struct {
	Success bool
	NewMode string
	OldMode string
}

// MediaBackend is the bot-control surface a session needs.
type MediaBackend interface {
	StartMusicBot(ctx context.Context, roomName, deviceMac, language string, playlist []string) error
	StartStoryBot(ctx context.Context, roomName, deviceMac, ageGroup string, playlist []string) error
	BotAction(ctx context.Context, mode BotMode, roomName, action string) error
	StopBot(ctx context.Context, roomName string) error
}

// BotMode mirrors directory.BotMode.
type BotMode string

const (
	BotMusic BotMode = "music"
	BotStory BotMode = "story"
)

// Deps bundles a Session's process-wide collaborators. One Deps is shared by
// every session a Manager creates.
type Deps struct {
	ControlBus   ControlPublisher
	Directory    DeviceDirectory
	MediaBackend MediaBackend
	Rooms        media.RoomService
	Agents       media.AgentDispatcher
	Codec        CodecPool
	Sender       media.DatagramSender

	LiveKitURL string
	APIKey     string
	APISecret  string

	PublicIP string
	UDPPort  int

	Log   *zap.SugaredLogger
	Clock func() time.Time
}

func (d Deps) now() time.Time {
	if d.Clock != nil {
		return d.Clock()
	}
	return time.Now()
}

// Session is one device's SessionFSM instance plus the datagram-transport
// and MediaBridge state it owns.
type Session struct {
	id           string // session_id published on the wire
	fullClientID string
	mac          string // canonical colon form, used for DeviceDirectory/app topics
	macRoom      string // separator-free form, used inside room names
	deviceUUID   string // ClientID.UUID; the room-name uuid (stable, spec.md S1)

	deps Deps

	state        atomic.Int32
	roomType     media.RoomType
	language     string
	character    string
	listeningMode string

	key          [16]byte
	nonce        [16]byte
	connectionID uint32
	startedAt    time.Time
	publicIP     string
	udpPort      int

	mu                    sync.Mutex
	addr                  *net.UDPAddr
	localSeq              uint32
	highestInbound        uint32
	hasInbound            bool
	lastActivity          time.Time
	ending                bool
	closing               bool
	audioPlaying          bool
	audioPlayingStartTime *time.Time
	endPromptSentTime     *time.Time
	goodbyeSent           bool

	udpObservedOnce sync.Once
	udpObservedCh   chan struct{}

	bridge      *media.Bridge
	coordinator *mcp.Coordinator
	volume      *mcp.VolumeController

	inbox    chan func()
	closedCh chan struct{}
	closeDone sync.Once

	onEvicted func(*Session) // Manager hook: remove from indexes
}

// newSession allocates a Session shell bound to connID; callers must call
// attachBridge and start() once the room is up. connID must already be
// reserved unique among live sessions (Manager.reserveConnectionID) — this
// constructor never retries on collision itself.
func newSession(id controlbus.ClientID, roomType media.RoomType, connID uint32, deps Deps) (*Session, error) {
	key, err := randomBytes16()
	if err != nil {
		return nil, err
	}
	nonce, err := randomBytes16()
	if err != nil {
		return nil, err
	}

	s := &Session{
		id:            uuid.NewString(),
		fullClientID:  id.Full,
		mac:           id.CanonicalMac(),
		macRoom:       id.MacNoSeparators(),
		deviceUUID:    id.UUID,
		deps:          deps,
		roomType:      roomType,
		key:           key,
		nonce:         nonce,
		connectionID:  connID,
		startedAt:     deps.now(),
		publicIP:      deps.PublicIP,
		udpPort:       deps.UDPPort,
		lastActivity:  deps.now(),
		udpObservedCh: make(chan struct{}),
		inbox:         make(chan func()),
		closedCh:      make(chan struct{}),
	}
	s.state.Store(int32(Handshaking))
	return s, nil
}

func (s *Session) start() {
	go s.run()
}

func (s *Session) run() {
	for {
		select {
		case fn := <-s.inbox:
			fn()
		case <-s.closedCh:
			return
		}
	}
}

// enqueue serializes fn onto this session's single logical thread of
// execution, per spec.md §5's ordering guarantee. It blocks until accepted
// (not until fn completes) or the session is already closed.
func (s *Session) enqueue(fn func()) {
	select {
	case s.inbox <- fn:
	case <-s.closedCh:
	}
}

// State returns the session's current FSM state.
func (s *Session) State() State { return State(s.state.Load()) }

// ID returns the session_id published on the wire.
func (s *Session) ID() string { return s.id }

// Mac returns the device's canonical MAC.
func (s *Session) Mac() string { return s.mac }

// ConnectionID returns the session's 32-bit connection id.
func (s *Session) ConnectionID() uint32 { return s.connectionID }

// RoomName returns the stable room name, once a bridge exists.
func (s *Session) RoomName() string {
	if s.bridge == nil {
		return media.RoomName(s.deviceUUID, s.macRoom, s.roomType)
	}
	return s.bridge.RoomName()
}

// --- transport.PacketSink ---

// Key returns the session's symmetric datagram key.
func (s *Session) Key() [16]byte { return s.key }

// Algorithm is always AES-128-CTR for this gateway.
func (s *Session) Algorithm() cipher.Algorithm { return cipher.AES128CTR }

// ObserveAddr records the device's current UDP address and marks UDP as
// observed (used to gate the hello-time start_greeting emission).
func (s *Session) ObserveAddr(addr *net.UDPAddr) {
	s.mu.Lock()
	s.addr = addr
	s.mu.Unlock()
	s.udpObservedOnce.Do(func() { close(s.udpObservedCh) })
}

// AcceptSequence reports whether seq is newer than every sequence already
// accepted for this session.
func (s *Session) AcceptSequence(seq uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hasInbound && seq <= s.highestInbound {
		return false
	}
	s.highestInbound = seq
	s.hasInbound = true
	return true
}

// HandleAudio decodes an inbound device Opus frame and forwards the decoded
// PCM into the room. A decode failure forwards the raw (undecoded) payload
// instead, per spec.md §7's "falls back to forwarding raw PCM if decode
// fails"; any other codec failure (timeout, worker crash) drops the frame.
func (s *Session) HandleAudio(payload []byte) {
	s.touchActivity()

	bridge := s.bridgeRef()
	if bridge == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), codecRequestTimeout)
	defer cancel()
	pcm, err := s.deps.Codec.Decode(ctx, payload)
	if err != nil {
		if errors.Is(err, codec.ErrWorkerTimeout) || errors.Is(err, codec.ErrWorkerCrashed) ||
			errors.Is(err, codec.ErrWorkerCancelled) || errors.Is(err, codec.ErrPoolClosed) {
			s.deps.Log.Debugw("device audio codec call failed, dropping frame", "session", s.id, "error", err)
			return
		}
		s.deps.Log.Debugw("device audio decode failed, forwarding raw payload", "session", s.id, "error", err)
		bridge.PushDeviceAudio(payload)
		return
	}
	bridge.PushDeviceAudio(pcm)
}

// HandlePing refreshes the session's activity clock without forwarding
// audio.
func (s *Session) HandlePing() {
	s.touchActivity()
}

func (s *Session) touchActivity() {
	s.mu.Lock()
	s.lastActivity = s.deps.now()
	s.mu.Unlock()
}

// --- media.DeviceEndpoint ---

// Addr returns the device's last-observed UDP address.
func (s *Session) Addr() *net.UDPAddr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// NextOutboundSequence assigns and returns the next strictly increasing
// outbound sequence number.
func (s *Session) NextOutboundSequence() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.localSeq++
	return s.localSeq
}

// TimestampMs returns milliseconds elapsed since the session's monotonic
// start, truncated to the wire's 32-bit field.
func (s *Session) TimestampMs() uint32 {
	return uint32(time.Since(s.startedAt).Milliseconds())
}

func (s *Session) bridgeRef() *media.Bridge {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bridge
}

func (s *Session) setBridge(b *media.Bridge) {
	s.mu.Lock()
	s.bridge = b
	s.mu.Unlock()
}

func randomBytes16() ([16]byte, error) {
	var b [16]byte
	if err := fillRandom(b[:]); err != nil {
		return b, err
	}
	return b, nil
}
