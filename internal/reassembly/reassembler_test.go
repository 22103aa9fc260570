package reassembly

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stethoscope-sidecar/httpwatch/internal/decoder"
)

func seg(src, dst string, srcPort, dstPort uint16, seq uint32, syn bool, payload []byte) *decoder.Segment {
	return &decoder.Segment{
		Tuple:   decoder.FourTuple{SrcIP: src, SrcPort: srcPort, DstIP: dst, DstPort: dstPort},
		Seq:     seq,
		SYN:     syn,
		Payload: payload,
	}
}

func TestConnectionKey_CanonicalAcrossDirections(t *testing.T) {
	a := decoder.FourTuple{SrcIP: "10.0.0.1", SrcPort: 1234, DstIP: "10.0.0.2", DstPort: 80}
	b := decoder.FourTuple{SrcIP: "10.0.0.2", SrcPort: 80, DstIP: "10.0.0.1", DstPort: 1234}
	assert.Equal(t, ConnectionKey(a), ConnectionKey(b))
}

func TestReassembler_InOrderDelivery(t *testing.T) {
	var got []string
	r := New(Config{}, nil, func(chunk Chunk, now time.Time) {
		got = append(got, string(chunk.Payload))
	})

	now := time.Now()
	r.Push(seg("10.0.0.1", "10.0.0.2", 1234, 80, 100, true, nil), now)
	r.Push(seg("10.0.0.1", "10.0.0.2", 1234, 80, 101, false, []byte("hello")), now)
	r.Push(seg("10.0.0.1", "10.0.0.2", 1234, 80, 106, false, []byte(" world")), now)

	require.Equal(t, []string{"hello", " world"}, got)
}

func TestReassembler_OutOfOrderBuffersThenDrains(t *testing.T) {
	var got []string
	r := New(Config{}, nil, func(chunk Chunk, now time.Time) {
		got = append(got, string(chunk.Payload))
	})

	now := time.Now()
	r.Push(seg("10.0.0.1", "10.0.0.2", 1234, 80, 100, true, nil), now)
	// second chunk arrives before the first
	r.Push(seg("10.0.0.1", "10.0.0.2", 1234, 80, 106, false, []byte(" world")), now)
	assert.Empty(t, got, "out-of-order chunk must not deliver yet")

	r.Push(seg("10.0.0.1", "10.0.0.2", 1234, 80, 101, false, []byte("hello")), now)
	require.Equal(t, []string{"hello", " world"}, got)
}

func TestReassembler_OverlapKeepsOlderTrimsNew(t *testing.T) {
	var got []string
	r := New(Config{}, nil, func(chunk Chunk, now time.Time) {
		got = append(got, string(chunk.Payload))
	})

	now := time.Now()
	r.Push(seg("10.0.0.1", "10.0.0.2", 1234, 80, 100, true, nil), now)
	r.Push(seg("10.0.0.1", "10.0.0.2", 1234, 80, 101, false, []byte("hello")), now)
	// retransmit overlapping "lo world" starting 3 bytes into "hello"
	r.Push(seg("10.0.0.1", "10.0.0.2", 1234, 80, 104, false, []byte("lo world")), now)

	require.Equal(t, []string{"hello", " world"}, got)
}

func TestReassembler_DirectionsAreIndependentStreams(t *testing.T) {
	var got []Chunk
	r := New(Config{}, nil, func(chunk Chunk, now time.Time) {
		got = append(got, chunk)
	})

	now := time.Now()
	r.Push(seg("10.0.0.1", "10.0.0.2", 1234, 80, 1, true, nil), now)
	r.Push(seg("10.0.0.2", "10.0.0.1", 80, 1234, 1, true, nil), now)
	r.Push(seg("10.0.0.1", "10.0.0.2", 1234, 80, 2, false, []byte("GET / HTTP/1.1")), now)
	r.Push(seg("10.0.0.2", "10.0.0.1", 80, 1234, 2, false, []byte("HTTP/1.1 200 OK")), now)

	require.Len(t, got, 2)
	assert.Equal(t, ClientToServer, got[0].Direction)
	assert.Equal(t, ServerToClient, got[1].Direction)
}

func TestReassembler_ReceiverDeterminedByConfiguredPortRegardlessOfArrivalOrder(t *testing.T) {
	var got []Chunk
	r := New(Config{Ports: []int{80}}, nil, func(chunk Chunk, now time.Time) {
		got = append(got, chunk)
	})

	now := time.Now()
	// The server side (port 80) happens to be observed first -- a response
	// chunk arrives before the reassembler has ever seen this connection's
	// request. The configured port set, not arrival order, must decide
	// which endpoint is the receiver.
	r.Push(seg("10.0.0.2", "10.0.0.1", 80, 1234, 1, true, nil), now)
	r.Push(seg("10.0.0.2", "10.0.0.1", 80, 1234, 2, false, []byte("HTTP/1.1 200 OK\r\n\r\n")), now)

	require.Len(t, got, 1)
	assert.Equal(t, "10.0.0.2", got[0].ReceiverIP)
	assert.Equal(t, uint16(80), got[0].ReceiverPort)
	assert.Equal(t, "10.0.0.1", got[0].DestIP)
	assert.Equal(t, uint16(1234), got[0].DestPort)
	assert.Equal(t, ServerToClient, got[0].Direction)

	// The client's request on the same connection is still tagged
	// client_to_server relative to that same fixed receiver/destination.
	r.Push(seg("10.0.0.1", "10.0.0.2", 1234, 80, 1, true, nil), now)
	r.Push(seg("10.0.0.1", "10.0.0.2", 1234, 80, 2, false, []byte("GET / HTTP/1.1\r\n\r\n")), now)

	require.Len(t, got, 2)
	assert.Equal(t, "10.0.0.2", got[1].ReceiverIP)
	assert.Equal(t, ClientToServer, got[1].Direction)
}

func TestReassembler_EvictsOldestWhenCapExceeded(t *testing.T) {
	r := New(Config{MaxConnections: 1}, nil, func(Chunk, time.Time) {})

	now := time.Now()
	r.Push(seg("10.0.0.1", "10.0.0.2", 1, 80, 1, true, []byte("a")), now)
	assert.Equal(t, 1, r.ConnectionCount())

	r.Push(seg("10.0.0.3", "10.0.0.4", 2, 80, 1, true, []byte("b")), now.Add(time.Second))
	assert.Equal(t, 1, r.ConnectionCount())
}

func TestReassembler_SweepEvictsIdleConnections(t *testing.T) {
	r := New(Config{IdleTimeout: time.Minute}, nil, func(Chunk, time.Time) {})

	now := time.Now()
	r.Push(seg("10.0.0.1", "10.0.0.2", 1, 80, 1, true, []byte("a")), now)
	require.Equal(t, 1, r.ConnectionCount())

	r.Sweep(now.Add(2 * time.Minute))
	assert.Equal(t, 0, r.ConnectionCount())
}
