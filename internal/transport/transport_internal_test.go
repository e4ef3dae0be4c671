package transport

import (
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/toybridge/gateway/internal/cipher"
)

var testAddr = &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9000}

type fakeSink struct {
	mu          sync.Mutex
	key         [16]byte
	highest     uint32
	hasSeq      bool
	delivered   [][]byte
	pings       int
	observedAddr *net.UDPAddr
}

func (f *fakeSink) Key() [16]byte            { return f.key }
func (f *fakeSink) Algorithm() cipher.Algorithm { return cipher.AES128CTR }
func (f *fakeSink) AcceptSequence(seq uint32) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hasSeq && seq <= f.highest {
		return false
	}
	f.highest = seq
	f.hasSeq = true
	return true
}
func (f *fakeSink) HandleAudio(payload []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered = append(f.delivered, append([]byte(nil), payload...))
}
func (f *fakeSink) HandlePing() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
}
func (f *fakeSink) ObserveAddr(addr *net.UDPAddr) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observedAddr = addr
}

type fakeRegistry struct {
	sinks map[uint32]*fakeSink
}

func (r *fakeRegistry) BySessionConnectionID(id uint32) (PacketSink, bool) {
	s, ok := r.sinks[id]
	return s, ok
}

func newTestTransport(t *testing.T, reg *fakeRegistry) *Transport {
	t.Helper()
	log := zap.NewNop().Sugar()
	return &Transport{cipher: cipher.New(), registry: reg, log: log}
}

func buildDatagram(t *testing.T, sc *cipher.StreamingCipher, connID, seq uint32, key [16]byte, payload []byte) []byte {
	t.Helper()
	h := Header{Type: PacketType, PayloadLen: uint16(len(payload)), ConnectionID: connID, Sequence: seq}
	header := h.Encode()
	ct, err := sc.Encrypt(payload, cipher.AES128CTR, key[:], header)
	require.NoError(t, err)
	return append(header, ct...)
}

func TestHandleDatagramDropsStale(t *testing.T) {
	sink := &fakeSink{}
	reg := &fakeRegistry{sinks: map[uint32]*fakeSink{7: sink}}
	tr := newTestTransport(t, reg)

	dg5 := buildDatagram(t, tr.cipher, 7, 5, sink.key, []byte("frame-5"))
	dg4 := buildDatagram(t, tr.cipher, 7, 4, sink.key, []byte("frame-4"))
	dg6 := buildDatagram(t, tr.cipher, 7, 6, sink.key, []byte("frame-6"))

	tr.handleDatagram(dg5, testAddr)
	tr.handleDatagram(dg4, testAddr)
	tr.handleDatagram(dg6, testAddr)

	require.Len(t, sink.delivered, 2)
	assert.Equal(t, []byte("frame-5"), sink.delivered[0])
	assert.Equal(t, []byte("frame-6"), sink.delivered[1])
}

func TestHandleDatagramPing(t *testing.T) {
	sink := &fakeSink{}
	reg := &fakeRegistry{sinks: map[uint32]*fakeSink{1: sink}}
	tr := newTestTransport(t, reg)

	dg := buildDatagram(t, tr.cipher, 1, 1, sink.key, []byte("ping:1234"))
	tr.handleDatagram(dg, testAddr)

	assert.Equal(t, 1, sink.pings)
	assert.Empty(t, sink.delivered)
}

func TestHandleDatagramRejectsShort(t *testing.T) {
	sink := &fakeSink{}
	reg := &fakeRegistry{sinks: map[uint32]*fakeSink{1: sink}}
	tr := newTestTransport(t, reg)

	tr.handleDatagram(make([]byte, 10), testAddr)
	assert.Empty(t, sink.delivered)
}

func TestHandleDatagramRejectsBadLength(t *testing.T) {
	sink := &fakeSink{}
	reg := &fakeRegistry{sinks: map[uint32]*fakeSink{1: sink}}
	tr := newTestTransport(t, reg)

	h := Header{Type: PacketType, PayloadLen: 1000, ConnectionID: 1, Sequence: 1}
	dg := append(h.Encode(), []byte("short")...)
	tr.handleDatagram(dg, testAddr)
	assert.Empty(t, sink.delivered)
}
