package pipeline

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// packetVersion is the only wire version this codec speaks.
const packetVersion = 1

// maxDestinationLen bounds the destination address field.
const maxDestinationLen = 1023

var ErrMalformedPacket = errors.New("pipeline: malformed packet")

// Packet is the decoded header plus the opaque end-to-end payload.
//
// Wire layout, all integers big-endian:
//
//	1  byte   version
//	2  bytes  destination length, then that many bytes of address
//	1  byte   amount length, then that many big-endian magnitude bytes
//	32 bytes  execution condition
//	8  bytes  expiry as unix milliseconds
//	rest      payload
type Packet struct {
	Destination        string
	Amount             *big.Int
	ExecutionCondition [32]byte
	ExpiresAt          time.Time
	Payload            []byte
}

// Encode serializes the packet.
func (p *Packet) Encode() ([]byte, error) {
	if p.Destination == "" || len(p.Destination) > maxDestinationLen {
		return nil, fmt.Errorf("%w: destination length %d", ErrMalformedPacket, len(p.Destination))
	}
	if p.Amount == nil || p.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrMalformedPacket)
	}
	amount := p.Amount.Bytes()
	if len(amount) > 255 {
		return nil, fmt.Errorf("%w: amount too large", ErrMalformedPacket)
	}

	buf := make([]byte, 0, 1+2+len(p.Destination)+1+len(amount)+32+8+len(p.Payload))
	buf = append(buf, packetVersion)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(p.Destination)))
	buf = append(buf, p.Destination...)
	buf = append(buf, byte(len(amount)))
	buf = append(buf, amount...)
	buf = append(buf, p.ExecutionCondition[:]...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(p.ExpiresAt.UnixMilli()))
	buf = append(buf, p.Payload...)
	return buf, nil
}

// DecodePacket parses and validates a packet.
func DecodePacket(raw []byte) (*Packet, error) {
	if len(raw) < 1 {
		return nil, fmt.Errorf("%w: empty", ErrMalformedPacket)
	}
	if raw[0] != packetVersion {
		return nil, fmt.Errorf("%w: version %d", ErrMalformedPacket, raw[0])
	}
	rest := raw[1:]

	if len(rest) < 2 {
		return nil, fmt.Errorf("%w: truncated destination length", ErrMalformedPacket)
	}
	destLen := int(binary.BigEndian.Uint16(rest))
	rest = rest[2:]
	if destLen == 0 || destLen > maxDestinationLen {
		return nil, fmt.Errorf("%w: destination length %d", ErrMalformedPacket, destLen)
	}
	if len(rest) < destLen {
		return nil, fmt.Errorf("%w: truncated destination", ErrMalformedPacket)
	}
	destination := string(rest[:destLen])
	rest = rest[destLen:]

	if len(rest) < 1 {
		return nil, fmt.Errorf("%w: truncated amount length", ErrMalformedPacket)
	}
	amountLen := int(rest[0])
	rest = rest[1:]
	if amountLen == 0 || len(rest) < amountLen {
		return nil, fmt.Errorf("%w: truncated amount", ErrMalformedPacket)
	}
	amount := new(big.Int).SetBytes(rest[:amountLen])
	rest = rest[amountLen:]
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrMalformedPacket)
	}

	if len(rest) < 32+8 {
		return nil, fmt.Errorf("%w: truncated trailer", ErrMalformedPacket)
	}
	var condition [32]byte
	copy(condition[:], rest[:32])
	rest = rest[32:]

	expiresMilli := binary.BigEndian.Uint64(rest[:8])
	rest = rest[8:]
	if expiresMilli == 0 {
		return nil, fmt.Errorf("%w: missing expiry", ErrMalformedPacket)
	}

	payload := make([]byte, len(rest))
	copy(payload, rest)

	return &Packet{
		Destination:        destination,
		Amount:             amount,
		ExecutionCondition: condition,
		ExpiresAt:          time.UnixMilli(int64(expiresMilli)).UTC(),
		Payload:            payload,
	}, nil
}
