package wmediumd

import (
	"encoding/binary"
	"testing"
)

func roundTrip(t *testing.T, m Message) Message {
	t.Helper()

	frame, err := Encode(m)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	length := binary.BigEndian.Uint32(frame[:4])
	if int(length) != len(frame)-4 {
		t.Fatalf("length prefix %d does not match body size %d", length, len(frame)-4)
	}

	got, err := Decode(frame[4:])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	return got
}

func TestRegisterInterfaceRoundTrip(t *testing.T) {
	mac, _ := ParseMAC("02:00:00:00:00:01")
	m := Message{Op: OpRegisterInterface, MAC: mac, Medium: 3}

	got := roundTrip(t, m)

	if got.Op != OpRegisterInterface || got.MAC != mac || got.Medium != 3 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestUpdatePositionRoundTrip(t *testing.T) {
	mac, _ := ParseMAC("02:00:00:00:00:02")
	m := Message{Op: OpUpdatePosition, MAC: mac, X: 12.5, Y: -3.25, Z: 0}

	got := roundTrip(t, m)

	if got.X != 12.5 || got.Y != -3.25 || got.Z != 0 {
		t.Fatalf("position round trip mismatch: %+v", got)
	}
}

func TestUpdateErrorProbRoundTrip(t *testing.T) {
	a, _ := ParseMAC("02:00:00:00:00:03")
	b, _ := ParseMAC("02:00:00:00:00:04")
	m := Message{Op: OpUpdateErrorProb, MAC: a, MACB: b, Value: 1.0}

	got := roundTrip(t, m)

	if got.MAC != a || got.MACB != b || got.Value != 1.0 {
		t.Fatalf("error-prob round trip mismatch: %+v", got)
	}
}

func TestUpdateSnrRoundTrip(t *testing.T) {
	a, _ := ParseMAC("02:00:00:00:00:05")
	b, _ := ParseMAC("02:00:00:00:00:06")
	m := Message{Op: OpUpdateSnr, MAC: a, MACB: b, Value: -12.75}

	got := roundTrip(t, m)

	if got.Value != -12.75 {
		t.Fatalf("snr round trip mismatch: %+v", got)
	}
}

func TestDelRoundTrip(t *testing.T) {
	mac, _ := ParseMAC("02:00:00:00:00:07")
	m := Message{Op: OpDel, MAC: mac}

	got := roundTrip(t, m)

	if got.Op != OpDel || got.MAC != mac {
		t.Fatalf("del round trip mismatch: %+v", got)
	}
}

func TestDecodeRejectsTruncatedFrame(t *testing.T) {
	mac, _ := ParseMAC("02:00:00:00:00:08")
	m := Message{Op: OpUpdatePosition, MAC: mac, X: 1, Y: 2, Z: 3}

	frame, _ := Encode(m)
	body := frame[4:]

	if _, err := Decode(body[:len(body)-1]); err == nil {
		t.Fatal("expected a truncated UpdatePosition frame to fail to decode")
	}
}

func TestDecodeRejectsUnknownOpcode(t *testing.T) {
	if _, err := Decode([]byte{0xFF}); err == nil {
		t.Fatal("expected an unknown opcode to fail to decode")
	}
}
