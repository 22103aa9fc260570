package sniffer

import "time"

// Config is the sole configuration surface the core library accepts. Where
// that configuration comes from -- a file, flags, environment variables --
// is the embedding host's concern; see cmd/httpwatch for a demo harness
// that loads one from YAML.
type Config struct {
	// Interface is the network device to capture on, e.g. "eth0".
	Interface string
	// Ports restricts capture and reassembly to these TCP ports.
	Ports []int
	// MaxConnections caps concurrently tracked connections (oldest evicted
	// first once exceeded). Zero uses the reassembler's built-in default.
	MaxConnections int
	// IdleTimeout evicts a connection that has seen no traffic this long.
	// Zero uses the reassembler's built-in default.
	IdleTimeout time.Duration
	// MaxBodySize caps how many HTTP body bytes are buffered per message
	// before truncation. Zero uses httpstream's default (1 MiB).
	MaxBodySize int
	// SampleRate is reserved for a future sampling policy; it is accepted
	// and stored but not read by the pipeline today.
	SampleRate float64
	// LogLevel controls the verbosity of the internal logger ("debug",
	// "info", "warn", "error").
	LogLevel string
	// CallbackBufferSize bounds the host callback bridge channel. Zero uses
	// a built-in default.
	CallbackBufferSize int
}
