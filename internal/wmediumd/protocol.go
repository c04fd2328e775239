// Package wmediumd implements the connector to the out-of-process RF daemon
// (spec.md §4.5/§6): a length-prefixed binary protocol over a local stream
// socket, owned by a single goroutine so frame ordering per mac pair is
// guaranteed without an external lock.
package wmediumd

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"net"
)

// Opcode identifies a wmediumd protocol message. Values are process-local
// (the daemon distinguishes messages by shape, not a registry), chosen to
// sort in the same order as spec.md §4.5 lists them.
type Opcode byte

const (
	OpRegisterInterface Opcode = iota + 1
	OpUpdatePosition
	OpUpdateGain
	OpUpdateTxPower
	OpUpdateErrorProb
	OpUpdateSnr
	OpSetMedium
	OpDel
)

func (o Opcode) String() string {
	switch o {
	case OpRegisterInterface:
		return "RegisterInterface"
	case OpUpdatePosition:
		return "UpdatePosition"
	case OpUpdateGain:
		return "UpdateGain"
	case OpUpdateTxPower:
		return "UpdateTxPower"
	case OpUpdateErrorProb:
		return "UpdateErrorProb"
	case OpUpdateSnr:
		return "UpdateSnr"
	case OpSetMedium:
		return "SetMedium"
	case OpDel:
		return "Del"
	default:
		return fmt.Sprintf("Opcode(%d)", byte(o))
	}
}

// MAC is a 6-byte hardware address, the wire unit every message keys on.
type MAC [6]byte

// ParseMAC accepts the usual colon-hex notation.
func ParseMAC(s string) (MAC, error) {
	hw, err := net.ParseMAC(s)
	if err != nil {
		return MAC{}, fmt.Errorf("parsing mac %q: %w", s, err)
	}
	if len(hw) != 6 {
		return MAC{}, fmt.Errorf("mac %q is not 6 bytes", s)
	}
	var m MAC
	copy(m[:], hw)
	return m, nil
}

func (m MAC) String() string {
	return net.HardwareAddr(m[:]).String()
}

// Message is a decoded wmediumd protocol frame. Only the fields relevant to
// Op are meaningful; encoding ignores the rest.
type Message struct {
	Op Opcode

	MAC  MAC // RegisterInterface, UpdatePosition, UpdateGain, UpdateTxPower, SetMedium, Del
	MACB MAC // UpdateErrorProb, UpdateSnr (pairwise messages)

	X, Y, Z float64 // UpdatePosition
	Value   float64 // UpdateGain (dBi), UpdateTxPower (dBm), UpdateErrorProb (0..1), UpdateSnr (dB)
	Medium  int32   // RegisterInterface, SetMedium
}

// Encode serializes a Message to the wire format from spec.md §6:
// 4-byte big-endian length prefix, 1-byte opcode, then opcode-specific
// payload (MAC = 6 bytes, float = IEEE 754 little-endian 64-bit).
func Encode(m Message) ([]byte, error) {
	var body bytes.Buffer

	body.WriteByte(byte(m.Op))

	switch m.Op {
	case OpRegisterInterface:
		body.Write(m.MAC[:])
		writeLE64(&body, float64(m.Medium))

	case OpUpdatePosition:
		body.Write(m.MAC[:])
		writeLE64(&body, m.X)
		writeLE64(&body, m.Y)
		writeLE64(&body, m.Z)

	case OpUpdateGain, OpUpdateTxPower:
		body.Write(m.MAC[:])
		writeLE64(&body, m.Value)

	case OpUpdateErrorProb, OpUpdateSnr:
		body.Write(m.MAC[:])
		body.Write(m.MACB[:])
		writeLE64(&body, m.Value)

	case OpSetMedium:
		body.Write(m.MAC[:])
		writeLE64(&body, float64(m.Medium))

	case OpDel:
		body.Write(m.MAC[:])

	default:
		return nil, fmt.Errorf("encoding wmediumd message: unknown opcode %v", m.Op)
	}

	out := make([]byte, 4+body.Len())
	binary.BigEndian.PutUint32(out, uint32(body.Len()))
	copy(out[4:], body.Bytes())

	return out, nil
}

func writeLE64(buf *bytes.Buffer, v float64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], math.Float64bits(v))
	buf.Write(b[:])
}

// Decode reads exactly one frame's body (the length-prefix having already
// been consumed and used to size body) and returns the parsed Message.
func Decode(body []byte) (Message, error) {
	if len(body) < 1 {
		return Message{}, fmt.Errorf("decoding wmediumd message: empty body")
	}

	m := Message{Op: Opcode(body[0])}
	rest := body[1:]

	need := func(n int) error {
		if len(rest) < n {
			return fmt.Errorf("decoding wmediumd %v: need %d bytes, have %d", m.Op, n, len(rest))
		}
		return nil
	}

	switch m.Op {
	case OpRegisterInterface:
		if err := need(6 + 8); err != nil {
			return Message{}, err
		}
		copy(m.MAC[:], rest[:6])
		m.Medium = int32(readLE64(rest[6:14]))

	case OpUpdatePosition:
		if err := need(6 + 24); err != nil {
			return Message{}, err
		}
		copy(m.MAC[:], rest[:6])
		m.X = readLE64(rest[6:14])
		m.Y = readLE64(rest[14:22])
		m.Z = readLE64(rest[22:30])

	case OpUpdateGain, OpUpdateTxPower:
		if err := need(6 + 8); err != nil {
			return Message{}, err
		}
		copy(m.MAC[:], rest[:6])
		m.Value = readLE64(rest[6:14])

	case OpUpdateErrorProb, OpUpdateSnr:
		if err := need(6 + 6 + 8); err != nil {
			return Message{}, err
		}
		copy(m.MAC[:], rest[:6])
		copy(m.MACB[:], rest[6:12])
		m.Value = readLE64(rest[12:20])

	case OpSetMedium:
		if err := need(6 + 8); err != nil {
			return Message{}, err
		}
		copy(m.MAC[:], rest[:6])
		m.Medium = int32(readLE64(rest[6:14]))

	case OpDel:
		if err := need(6); err != nil {
			return Message{}, err
		}
		copy(m.MAC[:], rest[:6])

	default:
		return Message{}, fmt.Errorf("decoding wmediumd message: unknown opcode %d", body[0])
	}

	return m, nil
}

func readLE64(b []byte) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(b))
}
