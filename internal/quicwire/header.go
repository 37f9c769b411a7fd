// Package quicwire parses just enough of a QUIC packet header for PEMI to
// classify a datagram and walk coalesced packets. It never touches payload
// bytes and never attempts to fully decode a QUIC connection.
package quicwire

import (
	"github.com/quic-go/quic-go/quicvarint"

	"github.com/malbeclabs/pemi/internal/pemierr"
)

const (
	formBit  byte = 0x80
	fixedBit byte = 0x40
	spinBit  byte = 0x20
	typeMask byte = 0x30

	// MaxCIDLen is the largest connection ID PEMI will trust. A long
	// header reporting a longer DCID/SCID for a supported version is
	// treated as invalid state rather than parsed further.
	MaxCIDLen = 20

	protocolVersionV1 = 0x00000001
)

// Type is a QUIC packet's header type, as far as PEMI needs to tell them apart.
type Type int

const (
	TypeInitial Type = iota
	TypeRetry
	TypeHandshake
	TypeZeroRTT
	TypeVersionNegotiation
	TypeShort
)

func (t Type) String() string {
	switch t {
	case TypeInitial:
		return "Initial"
	case TypeRetry:
		return "Retry"
	case TypeHandshake:
		return "Handshake"
	case TypeZeroRTT:
		return "0-RTT"
	case TypeVersionNegotiation:
		return "VersionNegotiation"
	case TypeShort:
		return "Short"
	default:
		return "Unknown"
	}
}

// Header is the subset of a QUIC packet header PEMI inspects.
type Header struct {
	Type    Type
	Spin    bool
	Version uint32
	DCID    []byte
	SCID    []byte

	// Length is the length, in bytes, of everything after the header
	// (packet number + payload) for long-header types that carry an
	// explicit length field, or the number of bytes remaining in the
	// datagram for types that don't (Short, Retry, VersionNegotiation —
	// these must be the last QUIC packet in the datagram).
	Length int
}

// versionIsSupported reports whether version is one PEMI understands well
// enough to enforce the MaxCIDLen bound against it.
func versionIsSupported(version uint32) bool {
	return version == protocolVersionV1
}

func isLong(first byte) bool {
	return first&formBit != 0
}

func fixedBitSet(first byte) bool {
	return first&fixedBit != 0
}

func spinState(first byte) bool {
	return first&spinBit != 0
}

// ParseHeader parses a QUIC header from the start of buf. dcidLen is the
// known destination connection ID length for this connection, required to
// parse a short header (0 if unknown, e.g. before any Initial has been
// seen). It returns the header and the number of bytes consumed by the
// header fields themselves (not including Length's payload).
func ParseHeader(buf []byte, dcidLen int) (Header, int, error) {
	r := &cursor{b: buf}

	first, ok := r.readByte()
	if !ok {
		return Header{}, 0, pemierr.ErrBufferTooShort
	}
	_ = fixedBitSet(first) // absence is logged by the caller, not fatal here

	if !isLong(first) {
		if dcidLen == 0 {
			return Header{}, 0, pemierr.ErrInvalidState
		}
		dcid, ok := r.readBytes(dcidLen)
		if !ok {
			return Header{}, 0, pemierr.ErrBufferTooShort
		}
		return Header{
			Type:   TypeShort,
			Spin:   spinState(first),
			DCID:   dcid,
			Length: r.remaining(),
		}, r.offset, nil
	}

	version, ok := r.readUint32()
	if !ok {
		return Header{}, 0, pemierr.ErrBufferTooShort
	}

	var ty Type
	if version == 0 {
		ty = TypeVersionNegotiation
	} else {
		switch (first & typeMask) >> 4 {
		case 0x00:
			ty = TypeInitial
		case 0x01:
			ty = TypeZeroRTT
		case 0x02:
			ty = TypeHandshake
		case 0x03:
			ty = TypeRetry
		}
	}

	dstLen, ok := r.readByte()
	if !ok {
		return Header{}, 0, pemierr.ErrBufferTooShort
	}
	if versionIsSupported(version) && int(dstLen) > MaxCIDLen {
		return Header{}, 0, pemierr.ErrInvalidState
	}
	dcid, ok := r.readBytes(int(dstLen))
	if !ok {
		return Header{}, 0, pemierr.ErrBufferTooShort
	}

	srcLen, ok := r.readByte()
	if !ok {
		return Header{}, 0, pemierr.ErrBufferTooShort
	}
	if versionIsSupported(version) && int(srcLen) > MaxCIDLen {
		return Header{}, 0, pemierr.ErrInvalidState
	}
	scid, ok := r.readBytes(int(srcLen))
	if !ok {
		return Header{}, 0, pemierr.ErrBufferTooShort
	}

	var length int
	switch ty {
	case TypeInitial:
		if _, ok := r.readVarintPrefixedBytes(); !ok { // token, consumed and discarded
			return Header{}, 0, pemierr.ErrBufferTooShort
		}
		v, ok := r.readVarint()
		if !ok {
			return Header{}, 0, pemierr.ErrBufferTooShort
		}
		length = int(v)
	case TypeHandshake, TypeZeroRTT:
		v, ok := r.readVarint()
		if !ok {
			return Header{}, 0, pemierr.ErrBufferTooShort
		}
		length = int(v)
	case TypeRetry, TypeVersionNegotiation:
		length = r.remaining()
	}

	return Header{
		Type:    ty,
		Spin:    false,
		Version: version,
		DCID:    dcid,
		SCID:    scid,
		Length:  length,
	}, r.offset, nil
}

// IsUDPPadding reports whether the next byte in buf (if any) is the 0x00
// padding some QUIC implementations append outside the QUIC packet itself
// during the handshake phase (see quicwg/base-drafts#3333). An empty buf is
// not padding — it's simply the end of the datagram.
func IsUDPPadding(buf []byte) bool {
	return len(buf) > 0 && buf[0] == 0x00
}

// cursor is a minimal forward-only reader over a byte slice, tracking how
// many bytes have been consumed so callers can walk coalesced packets.
type cursor struct {
	b      []byte
	offset int
}

func (c *cursor) remaining() int {
	return len(c.b) - c.offset
}

func (c *cursor) readByte() (byte, bool) {
	if c.remaining() < 1 {
		return 0, false
	}
	v := c.b[c.offset]
	c.offset++
	return v, true
}

func (c *cursor) readBytes(n int) ([]byte, bool) {
	if n < 0 || c.remaining() < n {
		return nil, false
	}
	v := c.b[c.offset : c.offset+n]
	c.offset += n
	return v, true
}

func (c *cursor) readUint32() (uint32, bool) {
	bs, ok := c.readBytes(4)
	if !ok {
		return 0, false
	}
	return uint32(bs[0])<<24 | uint32(bs[1])<<16 | uint32(bs[2])<<8 | uint32(bs[3]), true
}

func (c *cursor) readVarint() (uint64, bool) {
	v, n, err := quicvarint.Parse(c.b[c.offset:])
	if err != nil {
		return 0, false
	}
	c.offset += n
	return v, true
}

func (c *cursor) readVarintPrefixedBytes() ([]byte, bool) {
	n, ok := c.readVarint()
	if !ok {
		return nil, false
	}
	return c.readBytes(int(n))
}
