// Package envelope implements the wire framing spec.md §4.2 and §6
// describe: a connect-request header carrying the original destination,
// and a per-datagram UDP frame header. Both share one address encoding.
// Encoders append to a caller-owned buffer, and a decoded Packet's
// Payload borrows from the caller-owned input. Decoded host names and IP
// literals are converted into new strings, so decoding an address
// allocates.
package envelope

import (
	"encoding/binary"
	"errors"
	"net"
	"strconv"
)

// Command identifies the purpose of a connect-request envelope.
type Command byte

const (
	// Connect requests a TCP tunnel to Addr.
	Connect Command = 0x01
	// UDPAssociate requests a UDP-over-TCP encapsulation session.
	UDPAssociate Command = 0x03
)

// AddrType is the one-byte discriminant in front of every address.
type AddrType byte

const (
	IPv4   AddrType = 0x01
	Domain AddrType = 0x03
	IPv6   AddrType = 0x04
)

// MaxDomainLength is the largest domain name the single-byte length
// prefix can express.
const MaxDomainLength = 255

var (
	// ErrTooLong is returned when a hostname does not fit the one-byte
	// length prefix.
	ErrTooLong = errors.New("envelope: domain name exceeds 255 bytes")
	// ErrUnknownAddrType is returned decoding an address with an
	// unrecognized type byte; this is a protocol violation, fatal to the
	// connection per spec.md §7.
	ErrUnknownAddrType = errors.New("envelope: unknown address type")
)

// Addr is the destination carried by an envelope: either a dotted IPv4/v6
// literal or a domain name, plus a port.
type Addr struct {
	Host string
	Port uint16
}

func (a Addr) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(int(a.Port)))
}

// addrType classifies how Host should be encoded on the wire.
func (a Addr) addrType() (AddrType, net.IP) {
	if ip := net.ParseIP(a.Host); ip != nil {
		if ip4 := ip.To4(); ip4 != nil {
			return IPv4, ip4
		}
		return IPv6, ip.To16()
	}
	return Domain, nil
}

func appendAddr(buf []byte, a Addr) ([]byte, error) {
	typ, ip := a.addrType()
	switch typ {
	case IPv4:
		buf = append(buf, byte(IPv4))
		buf = append(buf, ip...)
	case IPv6:
		buf = append(buf, byte(IPv6))
		buf = append(buf, ip...)
	default:
		if len(a.Host) > MaxDomainLength {
			return nil, ErrTooLong
		}
		buf = append(buf, byte(Domain), byte(len(a.Host)))
		buf = append(buf, a.Host...)
	}
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], a.Port)
	return append(buf, portBuf[:]...), nil
}

// addrWireLen returns the number of bytes the address (type + host +
// port) starting at data[0] occupies on the wire, as declared by its type
// byte and, for a domain, its length byte; data need not hold all of
// those bytes yet, so callers compare the result against len(data). It
// returns (0, false) when data is too short to tell the length
// (Continued) and (0, true) when the type byte is unknown (Invalid).
func addrWireLen(data []byte) (n int, invalid bool) {
	if len(data) < 1 {
		return 0, false
	}
	switch AddrType(data[0]) {
	case IPv4:
		return 1 + 4 + 2, false
	case IPv6:
		return 1 + 16 + 2, false
	case Domain:
		if len(data) < 2 {
			return 0, false
		}
		hostLen := int(data[1])
		return 1 + 1 + hostLen + 2, false
	default:
		return 0, true
	}
}

func decodeAddr(data []byte) (Addr, int) {
	typ := AddrType(data[0])
	switch typ {
	case IPv4:
		ip := net.IP(data[1:5])
		port := binary.BigEndian.Uint16(data[5:7])
		return Addr{Host: ip.String(), Port: port}, 7
	case IPv6:
		ip := net.IP(data[1:17])
		port := binary.BigEndian.Uint16(data[17:19])
		return Addr{Host: ip.String(), Port: port}, 19
	case Domain:
		hostLen := int(data[1])
		host := string(data[2 : 2+hostLen])
		port := binary.BigEndian.Uint16(data[2+hostLen : 2+hostLen+2])
		return Addr{Host: host, Port: port}, 2 + hostLen + 2
	}
	panic("envelope: decodeAddr called on invalid type")
}

// AppendConnectRequest appends a connect-request header
// (command || address_type || address_bytes || port) to buf and returns
// the extended slice.
func AppendConnectRequest(buf []byte, cmd Command, dst Addr) ([]byte, error) {
	buf = append(buf, byte(cmd))
	return appendAddr(buf, dst)
}

// AppendUDPHeader appends a UDP datagram frame header plus its payload
// (address_type || address_bytes || port || length || payload) to buf.
func AppendUDPHeader(buf []byte, addr Addr, payload []byte) ([]byte, error) {
	if len(payload) > 0xffff {
		return nil, errors.New("envelope: udp payload exceeds 65535 bytes")
	}
	buf, err := appendAddr(buf, addr)
	if err != nil {
		return nil, err
	}
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(payload)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, payload...), nil
}

// ParseConnectRequest decodes a connect-request header
// (command || address_type || address_bytes || port) from the front of
// data, mirroring ParseUDP's Continued/Invalid semantics: a header split
// across reads (the common case when reading it off a tunnel session one
// chunk at a time) yields Continued rather than Invalid, and parsing never
// consumes input it cannot fully decode.
func ParseConnectRequest(data []byte) (cmd Command, dst Addr, result Result, consumed int) {
	if len(data) < 1 {
		return 0, Addr{}, ResultContinued, 0
	}
	addrLen, invalid := addrWireLen(data[1:])
	if invalid {
		return 0, Addr{}, ResultInvalid, 0
	}
	if addrLen == 0 || len(data) < 1+addrLen {
		return 0, Addr{}, ResultContinued, 0
	}
	addr, n := decodeAddr(data[1:])
	if n != addrLen {
		return 0, Addr{}, ResultInvalid, 0
	}
	return Command(data[0]), addr, ResultPacket, 1 + addrLen
}

// Result is the outcome of parsing one UDP frame from a byte stream.
type Result int

const (
	// ResultPacket means a full frame was decoded; Consumed bytes may be
	// dropped from the front of the input.
	ResultPacket Result = iota
	// ResultContinued means fewer bytes than the declared frame length are
	// present; the decoder consumed nothing and the caller must retry
	// once more bytes arrive.
	ResultContinued
	// ResultInvalid means the bytes do not form a valid frame at all —
	// fatal to the connection.
	ResultInvalid
)

// Packet is one decoded UDP frame. Payload borrows from the input slice
// passed to ParseUDP; it is only valid until that slice is reused.
type Packet struct {
	Addr    Addr
	Payload []byte
}

// ParseUDP decodes one length-delimited UDP frame from the front of data.
// On ResultPacket, Consumed is the number of bytes the frame occupied and
// must be discarded from the caller's buffer before the next call. On
// ResultContinued or ResultInvalid, Consumed is always 0 — parsing must
// not consume input when it cannot make progress, per spec.md §4.2.
func ParseUDP(data []byte) (pkt Packet, result Result, consumed int) {
	addrLen, invalid := addrWireLen(data)
	if invalid {
		return Packet{}, ResultInvalid, 0
	}
	if addrLen == 0 || len(data) < addrLen+2 {
		return Packet{}, ResultContinued, 0
	}

	addr, n := decodeAddr(data)
	if n != addrLen {
		// decodeAddr and addrWireLen disagree — cannot happen unless one
		// of them is buggy; treat as a protocol violation rather than
		// panic on attacker-controlled input.
		return Packet{}, ResultInvalid, 0
	}

	length := binary.BigEndian.Uint16(data[addrLen : addrLen+2])
	total := addrLen + 2 + int(length)
	if len(data) < total {
		return Packet{}, ResultContinued, 0
	}

	return Packet{
		Addr:    addr,
		Payload: data[addrLen+2 : total],
	}, ResultPacket, total
}
