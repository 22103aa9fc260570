// Package reassembly turns decoded TCP segments into ordered per-direction
// byte streams, one pair of streams (client→server, server→client) per
// connection.
//
// A connection is identified by its four-tuple, canonicalized into a single
// key so either side's view of "src/dst" maps to the same entry. Segments
// that arrive in order are delivered immediately; segments that arrive early
// are buffered until the gap closes or the connection is evicted.
package reassembly

import (
	"fmt"
	"sort"
	"time"

	"github.com/stethoscope-sidecar/httpwatch/internal/decoder"
)

// Direction labels which side of a connection a payload travelled.
type Direction int

const (
	ClientToServer Direction = iota
	ServerToClient
)

func (d Direction) String() string {
	if d == ClientToServer {
		return "client_to_server"
	}
	return "server_to_client"
}

// Chunk is one ordered, contiguous run of payload bytes ready for HTTP
// parsing, carrying the connection metadata the receiving component needs
// without looking anything else up.
type Chunk struct {
	Key          string
	Direction    Direction
	ReceiverIP   string
	ReceiverPort uint16
	DestIP       string
	DestPort     uint16
	Payload      []byte
}

// DataFunc is invoked once per ordered, contiguous chunk of payload ready to
// hand to the HTTP stream parser.
type DataFunc func(chunk Chunk, now time.Time)

// Logger is the small leveled interface every component logs through.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

type noopLogger struct{}

func (noopLogger) Debugf(string, ...interface{}) {}
func (noopLogger) Infof(string, ...interface{})  {}
func (noopLogger) Warnf(string, ...interface{})  {}
func (noopLogger) Errorf(string, ...interface{}) {}

type pendingSegment struct {
	seq  uint32
	data []byte
}

type streamState struct {
	initialized bool
	nextSeq     uint32
	pending     []pendingSegment
	closed      bool
}

type connectionEntry struct {
	key        string
	createdAt  time.Time
	lastActive time.Time

	// receiver/dest are fixed at first sighting of the connection (the
	// endpoint whose port matched the configured capture port set is the
	// receiver) and never reassigned, per the four-tuple direction rule.
	receiverIP   string
	receiverPort uint16
	destIP       string
	destPort     uint16

	client streamState // destination -> receiver
	server streamState // receiver -> destination
}

// Config controls the reassembler's resource bounds and receiver/destination
// assignment.
type Config struct {
	// Ports is the configured capture port set. On first sighting of a
	// connection, the endpoint whose port is in this set is the receiver;
	// its peer is the destination. An empty set always assigns the
	// first-seen destination endpoint as the receiver (used by tests that
	// capture any TCP).
	Ports []int
	// MaxConnections caps the number of tracked connections. Oldest (by
	// creation time) is evicted first when the cap is exceeded.
	MaxConnections int
	// IdleTimeout evicts a connection that has seen no traffic for this long.
	IdleTimeout time.Duration
}

// Reassembler tracks connection state and delivers ordered payload chunks.
type Reassembler struct {
	cfg     Config
	portSet map[uint16]struct{}
	log     Logger
	onData  DataFunc
	conns   map[string]*connectionEntry
}

// New builds a Reassembler. onData is called synchronously from Push for
// every contiguous chunk that becomes ready; it must not block.
func New(cfg Config, log Logger, onData DataFunc) *Reassembler {
	if log == nil {
		log = noopLogger{}
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 10000
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	portSet := make(map[uint16]struct{}, len(cfg.Ports))
	for _, p := range cfg.Ports {
		portSet[uint16(p)] = struct{}{}
	}
	return &Reassembler{
		cfg:     cfg,
		portSet: portSet,
		log:     log,
		onData:  onData,
		conns:   make(map[string]*connectionEntry),
	}
}

// ConnectionKey canonicalizes a four-tuple into the key both directions of
// a connection share: the two "ip:port" endpoints sorted lexicographically
// and joined with "-".
func ConnectionKey(t decoder.FourTuple) string {
	a := fmt.Sprintf("%s:%d", t.SrcIP, t.SrcPort)
	b := fmt.Sprintf("%s:%d", t.DstIP, t.DstPort)
	pair := []string{a, b}
	sort.Strings(pair)
	return pair[0] + "-" + pair[1]
}

func (r *Reassembler) isReceiverPort(port uint16) bool {
	_, ok := r.portSet[port]
	return ok
}

// Push feeds one decoded segment into the reassembler. It may trigger zero,
// one, or several onData calls (the latter when buffered pending segments
// become deliverable).
func (r *Reassembler) Push(seg *decoder.Segment, now time.Time) {
	key := ConnectionKey(seg.Tuple)

	entry, ok := r.conns[key]
	if !ok {
		entry = &connectionEntry{key: key, createdAt: now, lastActive: now}
		if r.isReceiverPort(seg.Tuple.SrcPort) {
			entry.receiverIP, entry.receiverPort = seg.Tuple.SrcIP, seg.Tuple.SrcPort
			entry.destIP, entry.destPort = seg.Tuple.DstIP, seg.Tuple.DstPort
		} else {
			entry.receiverIP, entry.receiverPort = seg.Tuple.DstIP, seg.Tuple.DstPort
			entry.destIP, entry.destPort = seg.Tuple.SrcIP, seg.Tuple.SrcPort
		}
		r.conns[key] = entry
	}
	entry.lastActive = now

	fromDestination := seg.Tuple.SrcIP == entry.destIP && seg.Tuple.SrcPort == entry.destPort
	var stream *streamState
	var dir Direction
	if fromDestination {
		stream = &entry.client
		dir = ClientToServer
	} else {
		stream = &entry.server
		dir = ServerToClient
	}

	r.processSegment(entry, stream, dir, seg, now)
	r.lightweightEvictCheck(now)
}

func (r *Reassembler) processSegment(entry *connectionEntry, stream *streamState, dir Direction, seg *decoder.Segment, now time.Time) {
	if stream.closed {
		return
	}

	if !stream.initialized {
		// Anchor on SYN if we saw one; otherwise anchor on the first data
		// we happen to observe (we joined the connection mid-stream).
		stream.nextSeq = seg.Seq
		if seg.SYN {
			stream.nextSeq++
		}
		stream.initialized = true
	}

	if seg.SYN {
		// SYN carries no payload accounting beyond the sequence bump
		// already applied above when this was the anchoring segment.
		if len(seg.Payload) == 0 {
			if seg.RST || seg.FIN {
				stream.closed = true
			}
			return
		}
	}

	if len(seg.Payload) > 0 {
		r.insertSegment(entry, stream, dir, seg.Seq, seg.Payload, now)
	}

	if seg.FIN || seg.RST {
		stream.closed = true
	}
}

// insertSegment applies the acceptance/ordering rules: exact match delivers
// (and drains any now-contiguous pending segments); a gap buffers; overlap
// trims the new segment's already-seen prefix, keeping what was seen first.
func (r *Reassembler) insertSegment(entry *connectionEntry, stream *streamState, dir Direction, seq uint32, data []byte, now time.Time) {
	diff := int32(seq - stream.nextSeq)

	switch {
	case diff == 0:
		r.deliver(entry, stream, dir, data, now)
		r.drainPending(entry, stream, dir, now)

	case diff > 0:
		// Out-of-order: buffer for later.
		stream.pending = append(stream.pending, pendingSegment{seq: seq, data: data})

	default:
		// Overlap with already-delivered bytes. Trim the overlapping
		// prefix; keep the older bytes, deliver only the new tail.
		overlap := int(-diff)
		if overlap >= len(data) {
			return // fully a retransmit, nothing new
		}
		r.deliver(entry, stream, dir, data[overlap:], now)
		r.drainPending(entry, stream, dir, now)
	}
}

func (r *Reassembler) deliver(entry *connectionEntry, stream *streamState, dir Direction, data []byte, now time.Time) {
	stream.nextSeq += uint32(len(data))
	if r.onData != nil {
		r.onData(Chunk{
			Key:          entry.key,
			Direction:    dir,
			ReceiverIP:   entry.receiverIP,
			ReceiverPort: entry.receiverPort,
			DestIP:       entry.destIP,
			DestPort:     entry.destPort,
			Payload:      data,
		}, now)
	}
}

// drainPending repeatedly looks for a pending segment that is now exactly
// contiguous (or overlapping-but-useful) with nextSeq, delivering it and
// trimming/dropping others, until nothing more can be applied.
func (r *Reassembler) drainPending(entry *connectionEntry, stream *streamState, dir Direction, now time.Time) {
	for {
		if len(stream.pending) == 0 {
			return
		}
		sort.Slice(stream.pending, func(i, j int) bool {
			return int32(stream.pending[i].seq-stream.nextSeq) < int32(stream.pending[j].seq-stream.nextSeq)
		})

		next := stream.pending[0]
		diff := int32(next.seq - stream.nextSeq)

		if diff > 0 {
			r.log.Debugf("reassembly_gap connection=%s direction=%s", entry.key, dir)
			return
		}

		stream.pending = stream.pending[1:]

		if diff == 0 {
			r.deliver(entry, stream, dir, next.data, now)
			continue
		}

		overlap := int(-diff)
		if overlap >= len(next.data) {
			continue
		}
		r.deliver(entry, stream, dir, next.data[overlap:], now)
	}
}

// lightweightEvictCheck runs the cheap half of eviction (connection count)
// on every push; the more expensive idle sweep runs less eagerly via Sweep.
func (r *Reassembler) lightweightEvictCheck(now time.Time) {
	if len(r.conns) <= r.cfg.MaxConnections {
		return
	}
	r.evictOldest(now)
}

func (r *Reassembler) evictOldest(now time.Time) {
	var oldestKey string
	var oldestAt time.Time
	for k, e := range r.conns {
		if oldestKey == "" || e.createdAt.Before(oldestAt) {
			oldestKey = k
			oldestAt = e.createdAt
		}
	}
	if oldestKey != "" {
		r.log.Infof("eviction connection=%s", oldestKey)
		delete(r.conns, oldestKey)
	}
}

// Sweep evicts every connection idle for IdleTimeout or longer. Callers
// run this periodically (not on every Push, which only enforces the cap).
func (r *Reassembler) Sweep(now time.Time) {
	for k, e := range r.conns {
		if now.Sub(e.lastActive) >= r.cfg.IdleTimeout {
			r.log.Infof("eviction connection=%s", k)
			delete(r.conns, k)
		}
	}
}

// ConnectionCount reports how many connections are currently tracked.
func (r *Reassembler) ConnectionCount() int {
	return len(r.conns)
}
