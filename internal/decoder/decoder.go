// Package decoder turns a raw link-layer frame into a decoded TCP segment.
//
// It only understands Ethernet II carrying IPv4 carrying TCP. Anything else
// -- VLAN tags, IPv6, short frames -- is rejected rather than guessed at.
// IP fragmentation is not examined: fragments are not reassembled, and a
// fragment that passes the header checks is decoded as a whole packet.
// Decode never panics; a malformed frame just comes back false.
package decoder

import (
	"encoding/binary"
	"net"
)

const (
	ethHeaderLen = 14
	minIPLen     = 20
	minTCPLen    = 20
	minFrameLen  = ethHeaderLen + minIPLen + minTCPLen

	etherTypeIPv4 = 0x0800
	ipProtoTCP    = 6

	flagFIN = 0x01
	flagSYN = 0x02
	flagRST = 0x04
)

// FourTuple identifies a TCP flow direction.
type FourTuple struct {
	SrcIP   string
	SrcPort uint16
	DstIP   string
	DstPort uint16
}

// Segment is one decoded TCP packet: header fields plus an owned payload.
type Segment struct {
	Tuple   FourTuple
	Seq     uint32
	Ack     uint32
	SYN     bool
	FIN     bool
	RST     bool
	Payload []byte
}

// Decode parses data as an Ethernet II / IPv4 / TCP frame. It returns
// (segment, true) on success, or (nil, false) if any acceptance rule fails:
//
//   - frame shorter than the minimum Ethernet+IPv4+TCP header size
//   - EtherType isn't IPv4
//   - IP version isn't 4, or the protocol isn't TCP
//   - the IP or TCP header claims more bytes than are actually present
func Decode(data []byte) (*Segment, bool) {
	if len(data) < minFrameLen {
		return nil, false
	}

	etherType := binary.BigEndian.Uint16(data[12:14])
	if etherType != etherTypeIPv4 {
		return nil, false
	}

	ip := data[ethHeaderLen:]
	if len(ip) < minIPLen {
		return nil, false
	}
	versionIHL := ip[0]
	version := versionIHL >> 4
	ihl := int(versionIHL&0x0f) * 4
	if version != 4 || ip[9] != ipProtoTCP {
		return nil, false
	}
	if len(ip) < ihl {
		return nil, false
	}

	tcp := ip[ihl:]
	if len(tcp) < minTCPLen {
		return nil, false
	}
	dataOffset := int(tcp[12]>>4) * 4
	if len(tcp) < dataOffset {
		return nil, false
	}

	flags := tcp[13]
	payload := tcp[dataOffset:]
	owned := make([]byte, len(payload))
	copy(owned, payload)

	seg := &Segment{
		Tuple: FourTuple{
			SrcIP:   net.IP(ip[12:16]).String(),
			SrcPort: binary.BigEndian.Uint16(tcp[0:2]),
			DstIP:   net.IP(ip[16:20]).String(),
			DstPort: binary.BigEndian.Uint16(tcp[2:4]),
		},
		Seq:     binary.BigEndian.Uint32(tcp[4:8]),
		Ack:     binary.BigEndian.Uint32(tcp[8:12]),
		SYN:     flags&flagSYN != 0,
		FIN:     flags&flagFIN != 0,
		RST:     flags&flagRST != 0,
		Payload: owned,
	}
	return seg, true
}
