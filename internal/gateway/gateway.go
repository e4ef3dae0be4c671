// Package gateway wires every component into the running process: the bound
// UDP transport, the ControlBus MQTT client, the session Manager, and the
// keep-alive ticker that drives SessionFSM timeout checks. Grounded on the
// teacher's main_server.go process-wiring shape, generalized from one
// hardcoded call to the gateway's multi-session lifecycle.
package gateway

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/toybridge/gateway/internal/cipher"
	"github.com/toybridge/gateway/internal/codec"
	"github.com/toybridge/gateway/internal/config"
	"github.com/toybridge/gateway/internal/controlbus"
	"github.com/toybridge/gateway/internal/directory"
	"github.com/toybridge/gateway/internal/media"
	"github.com/toybridge/gateway/internal/session"
	"github.com/toybridge/gateway/internal/transport"
)

// keepAliveInterval is the tick rate spec.md §4.10 assigns the Manager's
// inactivity/max-duration sweep.
const keepAliveInterval = 15 * time.Second

// gatewayClientID is the broker identity this process presents; it is
// distinct from any device client id shape.
const gatewayClientID = "toybridge-gateway"

// Gateway is the process singleton: one bound UDP socket, one ControlBus
// client, one session Manager.
type Gateway struct {
	log *zap.SugaredLogger

	cipher    *cipher.StreamingCipher
	codecPool *codec.Pool
	transport *transport.Transport
	bus       *controlbus.Client
	manager   *session.Manager

	ticker *time.Ticker
	stopCh chan struct{}
}

// New builds every collaborator and wires them together, binding the UDP
// socket. It does not connect to the broker or start serving; call Run for
// that.
func New(cfg *config.Config, log *zap.SugaredLogger) (*Gateway, error) {
	codecPool, err := codec.NewPool(log)
	if err != nil {
		return nil, fmt.Errorf("gateway: codec pool: %w", err)
	}

	sc := cipher.New()

	dir := directory.New(cfg.ManagerAPIURL, cfg.MediaAPIBase, cfg.CerebriumToken, log)
	rooms := media.NewLiveKitRoomService(cfg.LiveKit.URL, cfg.LiveKit.APIKey, cfg.LiveKit.APISecret)
	agents := media.NewLiveKitAgentDispatcher(cfg.LiveKit.URL, cfg.LiveKit.APIKey, cfg.LiveKit.APISecret)

	manager := session.NewManager(session.Deps{
		Directory:    session.NewDeviceDirectory(dir),
		MediaBackend: session.NewMediaBackend(dir),
		Rooms:        rooms,
		Agents:       agents,
		Codec:        codecPool,
		LiveKitURL:   cfg.LiveKit.URL,
		APIKey:       cfg.LiveKit.APIKey,
		APISecret:    cfg.LiveKit.APISecret,
		PublicIP:     cfg.PublicIP,
		UDPPort:      cfg.UDPPort,
		Log:          log,
	})

	bus := controlbus.New(cfg.MQTTBroker, gatewayClientID, manager, log)
	manager.SetControlBus(bus)

	tr, err := transport.New(cfg.UDPPort, sc, manager, log)
	if err != nil {
		return nil, fmt.Errorf("gateway: bind udp: %w", err)
	}
	manager.SetSender(tr)

	return &Gateway{
		log:       log,
		cipher:    sc,
		codecPool: codecPool,
		transport: tr,
		bus:       bus,
		manager:   manager,
		stopCh:    make(chan struct{}),
	}, nil
}

// Run connects the broker, starts the UDP serve loop and the keep-alive
// ticker, and blocks until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.bus.Connect(); err != nil {
		return fmt.Errorf("gateway: connect broker: %w", err)
	}

	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- g.transport.Serve() }()

	g.ticker = time.NewTicker(keepAliveInterval)
	go g.tickLoop()

	select {
	case <-ctx.Done():
		g.Shutdown()
		return nil
	case err := <-serveErrCh:
		g.Shutdown()
		return fmt.Errorf("gateway: udp serve: %w", err)
	}
}

func (g *Gateway) tickLoop() {
	for {
		select {
		case <-g.ticker.C:
			g.manager.Tick()
		case <-g.stopCh:
			return
		}
	}
}

// Shutdown runs the ordered teardown from spec.md §4.10: stop timers, say
// goodbye to every live session, close the UDP socket, disconnect the
// broker.
func (g *Gateway) Shutdown() {
	if g.ticker != nil {
		g.ticker.Stop()
	}
	close(g.stopCh)

	g.manager.Shutdown()
	g.codecPool.Close()

	if err := g.transport.Close(); err != nil {
		g.log.Warnw("close udp socket failed", "error", err)
	}
	g.bus.Disconnect(250)
}
