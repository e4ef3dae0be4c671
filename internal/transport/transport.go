package transport

import (
	"bytes"
	"fmt"
	"net"

	"go.uber.org/zap"

	"github.com/toybridge/gateway/internal/cipher"
)

var pingPrefix = []byte("ping:")

// PacketSink is the per-connection state a transport needs to process one
// inbound datagram: the session owns its key, algorithm and sequence
// bookkeeping; the transport only frames and decrypts.
type PacketSink interface {
	Key() [16]byte
	Algorithm() cipher.Algorithm
	// AcceptSequence reports whether seq is newer than every sequence this
	// sink has already accepted; stale/duplicate sequences return false and
	// the datagram is dropped.
	AcceptSequence(seq uint32) bool
	// HandleAudio delivers a decrypted, non-ping payload (an Opus frame).
	HandleAudio(payload []byte)
	// HandlePing is invoked for a decrypted liveness probe; no audio is
	// forwarded.
	HandlePing()
	// ObserveAddr records the UDP address a valid datagram was just received
	// from, so replies can be routed back even across NAT rebinding.
	ObserveAddr(addr *net.UDPAddr)
}

// Registry resolves a connection id to its live session sink.
type Registry interface {
	BySessionConnectionID(id uint32) (PacketSink, bool)
}

// Transport owns the bound UDP socket and the process-wide StreamingCipher.
type Transport struct {
	conn     *net.UDPConn
	cipher   *cipher.StreamingCipher
	registry Registry
	log      *zap.SugaredLogger
}

// New binds a UDP socket on port and returns a Transport ready to Serve.
func New(port int, sc *cipher.StreamingCipher, registry Registry, log *zap.SugaredLogger) (*Transport, error) {
	addr := &net.UDPAddr{Port: port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen udp :%d: %w", port, err)
	}
	return &Transport{
		conn:     conn,
		cipher:   sc,
		registry: registry,
		log:      log.Named("transport"),
	}, nil
}

// LocalAddr returns the bound socket address.
func (t *Transport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// Close shuts down the UDP socket.
func (t *Transport) Close() error {
	return t.conn.Close()
}

// Serve runs the receive loop until the socket is closed. Every datagram is
// processed inline on the caller's goroutine, including the
// PacketSink.HandleAudio call, so the next ReadFromUDP waits until the sink
// returns.
func (t *Transport) Serve() error {
	buf := make([]byte, 65535)
	for {
		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			return err
		}
		t.handleDatagram(buf[:n], addr)
	}
}

func (t *Transport) handleDatagram(data []byte, addr *net.UDPAddr) {
	if len(data) < HeaderSize {
		return
	}
	h := DecodeHeader(data)
	if h.Type != PacketType {
		return
	}
	if HeaderSize+int(h.PayloadLen) > len(data) {
		return
	}

	sink, ok := t.registry.BySessionConnectionID(h.ConnectionID)
	if !ok {
		return
	}
	sink.ObserveAddr(addr)
	if !sink.AcceptSequence(h.Sequence) {
		return
	}

	ciphertext := data[HeaderSize : HeaderSize+int(h.PayloadLen)]
	key := sink.Key()
	plaintext, err := t.cipher.Decrypt(ciphertext, sink.Algorithm(), key[:], data[:HeaderSize])
	if err != nil {
		t.log.Debugw("dropping datagram: decrypt failed", "connection_id", h.ConnectionID, "error", err)
		return
	}

	if bytes.HasPrefix(plaintext, pingPrefix) {
		sink.HandlePing()
		return
	}
	sink.HandleAudio(plaintext)
}

// Send builds the 16-byte header, encrypts payload under it as IV, and
// writes the datagram to dst.
func (t *Transport) Send(dst *net.UDPAddr, connectionID, timestamp, sequence uint32,
	algo cipher.Algorithm, key [16]byte, payload []byte) error {

	h := Header{
		Type:         PacketType,
		Flags:        0,
		PayloadLen:   uint16(len(payload)),
		ConnectionID: connectionID,
		Timestamp:    timestamp,
		Sequence:     sequence,
	}
	header := h.Encode()

	ciphertext, err := t.cipher.Encrypt(payload, algo, key[:], header)
	if err != nil {
		return fmt.Errorf("transport: encrypt: %w", err)
	}

	datagram := make([]byte, 0, len(header)+len(ciphertext))
	datagram = append(datagram, header...)
	datagram = append(datagram, ciphertext...)

	_, err = t.conn.WriteToUDP(datagram, dst)
	return err
}
