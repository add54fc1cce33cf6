// Package codec encodes ICMP echo requests and decodes the replies and errors
// they provoke. Decoding never panics on short or malformed input.
package codec

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// Family selects the IP version a packet belongs to.
type Family int

const (
	IPv4 Family = iota
	IPv6
)

func (f Family) String() string {
	if f == IPv6 {
		return "ipv6"
	}
	return "ipv4"
}

// Kind is the class of a decoded response.
type Kind int

const (
	EchoReply Kind = iota
	TimeExceeded
	DestinationUnreachable
)

func (k Kind) String() string {
	switch k {
	case EchoReply:
		return "echo-reply"
	case TimeExceeded:
		return "time-exceeded"
	case DestinationUnreachable:
		return "dest-unreachable"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// HeaderLen is the size of an ICMP echo header.
const HeaderLen = 8

const (
	protocolICMP   = 1
	protocolICMPv6 = 58
)

// Response is what could be learned from one received datagram.
type Response struct {
	Kind       Kind
	Type       uint8
	Code       uint8
	Identifier uint16
	Sequence   uint16
}

// EncodeEchoRequest builds an 8-byte echo request. The checksum is filled in
// for IPv4 only; for IPv6 the kernel computes it over the pseudo header.
func EncodeEchoRequest(sequence, identifier uint16, family Family) []byte {
	b := make([]byte, HeaderLen)
	if family == IPv6 {
		b[0] = byte(ipv6.ICMPTypeEchoRequest)
	} else {
		b[0] = byte(ipv4.ICMPTypeEcho)
	}
	binary.BigEndian.PutUint16(b[4:6], identifier)
	binary.BigEndian.PutUint16(b[6:8], sequence)
	if family == IPv4 {
		binary.BigEndian.PutUint16(b[2:4], Checksum(b))
	}
	return b
}

// Checksum is the RFC 1071 internet checksum of b.
func Checksum(b []byte) uint16 {
	var sum uint32
	n := len(b)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(b[i])<<8 | uint32(b[i+1])
	}
	if n%2 == 1 {
		sum += uint32(b[n-1]) << 8
	}
	for sum>>16 != 0 {
		sum = sum&0xffff + sum>>16
	}
	return ^uint16(sum)
}

// DecodeResponse parses a datagram read from a raw socket. IPv4 datagrams
// carry the IP header, IPv6 datagrams start at the ICMP header. It returns nil
// for anything that is not an echo reply, time exceeded or destination
// unreachable message, or that is too short to carry a sequence number.
func DecodeResponse(b []byte, family Family) *Response {
	if family == IPv6 {
		return decodeV6(b)
	}
	return decodeV4(b)
}

func decodeV4(b []byte) *Response {
	if len(b) < ipv4.HeaderLen {
		return nil
	}
	ihl := int(b[0]&0x0f) * 4
	if ihl < ipv4.HeaderLen || len(b) < ihl+HeaderLen {
		return nil
	}
	icmp := b[ihl:]
	r := &Response{Type: icmp[0], Code: icmp[1]}

	switch ipv4.ICMPType(icmp[0]) {
	case ipv4.ICMPTypeEchoReply:
		r.Kind = EchoReply
		r.Identifier = binary.BigEndian.Uint16(icmp[4:6])
		r.Sequence = binary.BigEndian.Uint16(icmp[6:8])
		return r
	case ipv4.ICMPTypeTimeExceeded:
		r.Kind = TimeExceeded
	case ipv4.ICMPTypeDestinationUnreachable:
		r.Kind = DestinationUnreachable
	default:
		return nil
	}

	// Quoted datagram: original IP header followed by our echo header.
	inner := icmp[HeaderLen:]
	if len(inner) < ipv4.HeaderLen {
		return nil
	}
	innerIHL := int(inner[0]&0x0f) * 4
	if inner[0]>>4 != 4 || innerIHL < ipv4.HeaderLen || inner[9] != protocolICMP {
		return nil
	}
	if len(inner) < innerIHL+HeaderLen {
		return nil
	}
	echo := inner[innerIHL:]
	if ipv4.ICMPType(echo[0]) != ipv4.ICMPTypeEcho {
		return nil
	}
	r.Identifier = binary.BigEndian.Uint16(echo[4:6])
	r.Sequence = binary.BigEndian.Uint16(echo[6:8])
	return r
}

func decodeV6(b []byte) *Response {
	if len(b) < HeaderLen {
		return nil
	}
	r := &Response{Type: b[0], Code: b[1]}

	switch ipv6.ICMPType(b[0]) {
	case ipv6.ICMPTypeEchoReply:
		r.Kind = EchoReply
		r.Identifier = binary.BigEndian.Uint16(b[4:6])
		r.Sequence = binary.BigEndian.Uint16(b[6:8])
		return r
	case ipv6.ICMPTypeTimeExceeded:
		r.Kind = TimeExceeded
	case ipv6.ICMPTypeDestinationUnreachable:
		r.Kind = DestinationUnreachable
	default:
		return nil
	}

	inner := b[HeaderLen:]
	off, ok := locateInnerICMPv6(inner)
	if !ok || len(inner) < off+HeaderLen {
		return nil
	}
	echo := inner[off:]
	if ipv6.ICMPType(echo[0]) != ipv6.ICMPTypeEchoRequest {
		return nil
	}
	r.Identifier = binary.BigEndian.Uint16(echo[4:6])
	r.Sequence = binary.BigEndian.Uint16(echo[6:8])
	return r
}

// locateInnerICMPv6 walks the quoted IPv6 header and any extension headers
// and returns the offset of the quoted ICMPv6 header.
func locateInnerICMPv6(payload []byte) (int, bool) {
	if len(payload) < ipv6.HeaderLen || payload[0]>>4 != 6 {
		return 0, false
	}
	next := payload[6]
	off := ipv6.HeaderLen
	for {
		switch next {
		case protocolICMPv6:
			return off, true
		case 0, 43, 60: // hop-by-hop, routing, destination options
			if len(payload) < off+2 {
				return 0, false
			}
			next = payload[off]
			off += (int(payload[off+1]) + 1) * 8
		case 44: // fragment
			if len(payload) < off+8 {
				return 0, false
			}
			next = payload[off]
			off += 8
		default:
			return 0, false
		}
	}
}
