// Package rtpmidi implements the AppleMIDI / RTP-MIDI wire protocol, the
// per-session peer state machine, and the client driver that carries a
// peer through address resolution, retries, and clock synchronisation.
package rtpmidi

import "github.com/1ureka/rtpmidi/internal/buf"

// ProtocolVersion is the only invitation protocol version this peer speaks.
const ProtocolVersion uint32 = 2

// Control command codes, sent as the two ASCII bytes following the 0xFFFF
// magic prefix on the control and data channels.
const (
	cmdInvite    = "IN"
	cmdAccept    = "OK"
	cmdReject    = "NO"
	cmdClockSync = "CK"
	cmdEnd       = "BY"
	cmdFeedback  = "RS"
)

const midiPayloadType = 97

// maxShortFormPayload is the largest MIDI payload this peer's encoder will
// ever emit: the wire spec requires senders to always use the short form
// (B=0) flag byte, whose low nibble caps the length at 15 bytes.
const maxShortFormPayload = 0x0F

// hasMagic reports whether data opens with the 0xFF 0xFF control prefix.
func hasMagic(data []byte) bool {
	return len(data) >= 2 && data[0] == 0xFF && data[1] == 0xFF
}

// PeekCommand returns the two-byte ASCII command code of a control packet
// without consuming it, or a BadCommand error if data isn't a control
// packet at all.
func PeekCommand(data []byte) (string, error) {
	if !hasMagic(data) || len(data) < 4 {
		return "", newErr(BadCommand, "missing 0xFFFF control prefix", nil)
	}
	return string(data[2:4]), nil
}

func controlBody(data []byte) []byte { return data[4:] }

// Invitation is the shared body of IN, OK, and NO packets.
type Invitation struct {
	Version uint32
	Token   uint32
	SSRC    uint32
	Name    string
}

func encodeInvitation(cmd string, inv Invitation) []byte {
	size := 4 + 4 + 4 + 4 + len(inv.Name) + 1
	w := buf.NewWriter(make([]byte, size))
	_ = w.WriteU8(0xFF)
	_ = w.WriteU8(0xFF)
	_ = w.WriteBytes([]byte(cmd))
	_ = w.WriteU32(inv.Version)
	_ = w.WriteU32(inv.Token)
	_ = w.WriteU32(inv.SSRC)
	_ = w.WriteCString(inv.Name)
	return w.Bytes()
}

// EncodeInvite builds an IN packet.
func EncodeInvite(inv Invitation) []byte { return encodeInvitation(cmdInvite, inv) }

// EncodeAccept builds an OK packet.
func EncodeAccept(inv Invitation) []byte { return encodeInvitation(cmdAccept, inv) }

// EncodeReject builds a NO packet.
func EncodeReject(inv Invitation) []byte { return encodeInvitation(cmdReject, inv) }

// DecodeInvitation parses the common IN/OK/NO body. Callers dispatch on
// PeekCommand first.
func DecodeInvitation(data []byte) (Invitation, error) {
	r := buf.NewReader(controlBody(data))

	version, err := r.ReadU32()
	if err != nil {
		return Invitation{}, newErr(BufferOverflow, "invitation truncated at version", err)
	}
	if version != ProtocolVersion {
		return Invitation{}, newErr(VersionMismatch, "unsupported invitation version", nil)
	}
	token, err := r.ReadU32()
	if err != nil {
		return Invitation{}, newErr(BufferOverflow, "invitation truncated at token", err)
	}
	ssrc, err := r.ReadU32()
	if err != nil {
		return Invitation{}, newErr(BufferOverflow, "invitation truncated at ssrc", err)
	}
	name, err := r.ReadCString()
	if err != nil {
		return Invitation{}, newErr(BufferOverflow, "invitation name not NUL-terminated", err)
	}
	return Invitation{Version: version, Token: token, SSRC: ssrc, Name: name}, nil
}

// ClockSync is the CK packet body.
type ClockSync struct {
	SSRC       uint32
	Count      uint8
	T0, T1, T2 uint64
}

// EncodeClockSync builds a CK packet.
func EncodeClockSync(cs ClockSync) []byte {
	w := buf.NewWriter(make([]byte, 4+4+1+3+8*3))
	_ = w.WriteU8(0xFF)
	_ = w.WriteU8(0xFF)
	_ = w.WriteBytes([]byte(cmdClockSync))
	_ = w.WriteU32(cs.SSRC)
	_ = w.WriteU8(cs.Count)
	_ = w.WriteBytes([]byte{0, 0, 0})
	_ = w.WriteU64(cs.T0)
	_ = w.WriteU64(cs.T1)
	_ = w.WriteU64(cs.T2)
	return w.Bytes()
}

// DecodeClockSync parses a CK packet body.
func DecodeClockSync(data []byte) (ClockSync, error) {
	r := buf.NewReader(controlBody(data))

	ssrc, err := r.ReadU32()
	if err != nil {
		return ClockSync{}, newErr(BufferOverflow, "clock sync truncated at ssrc", err)
	}
	count, err := r.ReadU8()
	if err != nil {
		return ClockSync{}, newErr(BufferOverflow, "clock sync truncated at count", err)
	}
	if err := r.Skip(3); err != nil {
		return ClockSync{}, newErr(BufferOverflow, "clock sync truncated at reserved bytes", err)
	}
	t0, err := r.ReadU64()
	if err != nil {
		return ClockSync{}, newErr(BufferOverflow, "clock sync truncated at T0", err)
	}
	t1, err := r.ReadU64()
	if err != nil {
		return ClockSync{}, newErr(BufferOverflow, "clock sync truncated at T1", err)
	}
	t2, err := r.ReadU64()
	if err != nil {
		return ClockSync{}, newErr(BufferOverflow, "clock sync truncated at T2", err)
	}
	return ClockSync{SSRC: ssrc, Count: count, T0: t0, T1: t1, T2: t2}, nil
}

// EndSession is the BY packet body.
type EndSession struct {
	Token uint32
	SSRC  uint32
}

// EncodeEndSession builds a BY packet.
func EncodeEndSession(es EndSession) []byte {
	w := buf.NewWriter(make([]byte, 4+4+4))
	_ = w.WriteU8(0xFF)
	_ = w.WriteU8(0xFF)
	_ = w.WriteBytes([]byte(cmdEnd))
	_ = w.WriteU32(es.Token)
	_ = w.WriteU32(es.SSRC)
	return w.Bytes()
}

// DecodeEndSession parses a BY packet body.
func DecodeEndSession(data []byte) (EndSession, error) {
	r := buf.NewReader(controlBody(data))
	token, err := r.ReadU32()
	if err != nil {
		return EndSession{}, newErr(BufferOverflow, "end-session truncated at token", err)
	}
	ssrc, err := r.ReadU32()
	if err != nil {
		return EndSession{}, newErr(BufferOverflow, "end-session truncated at ssrc", err)
	}
	return EndSession{Token: token, SSRC: ssrc}, nil
}

// ReceiverFeedback is the RS packet body.
type ReceiverFeedback struct {
	SSRC    uint32
	SeqHigh uint16
}

// EncodeReceiverFeedback builds an RS packet.
func EncodeReceiverFeedback(fb ReceiverFeedback) []byte {
	w := buf.NewWriter(make([]byte, 4+4+2+2))
	_ = w.WriteU8(0xFF)
	_ = w.WriteU8(0xFF)
	_ = w.WriteBytes([]byte(cmdFeedback))
	_ = w.WriteU32(fb.SSRC)
	_ = w.WriteU16(fb.SeqHigh)
	_ = w.WriteU16(0)
	return w.Bytes()
}

// DecodeReceiverFeedback parses an RS packet body.
func DecodeReceiverFeedback(data []byte) (ReceiverFeedback, error) {
	r := buf.NewReader(controlBody(data))
	ssrc, err := r.ReadU32()
	if err != nil {
		return ReceiverFeedback{}, newErr(BufferOverflow, "feedback truncated at ssrc", err)
	}
	seqHigh, err := r.ReadU16()
	if err != nil {
		return ReceiverFeedback{}, newErr(BufferOverflow, "feedback truncated at seq", err)
	}
	return ReceiverFeedback{SSRC: ssrc, SeqHigh: seqHigh}, nil
}

// DataHeader is the truncated-RTP header carried by every MIDI data packet.
type DataHeader struct {
	Seq       uint16
	Timestamp uint32 // low 32 bits of the 10 kHz session clock
	SSRC      uint32
}

// EncodeDataPacket frames a MIDI running-status byte stream into a data
// packet: truncated RTP header, then a short-form flag byte (Z=1, no
// journal, no running status carried across packets), then the payload.
func EncodeDataPacket(h DataHeader, midiBytes []byte) ([]byte, error) {
	if len(midiBytes) > maxShortFormPayload {
		return nil, newErr(BufferOverflow, "midi payload exceeds short-form capacity", nil)
	}

	w := buf.NewWriter(make([]byte, 12+1+len(midiBytes)))
	_ = w.WriteU8(0x80) // V=2, P=0, X=0, CC=0
	_ = w.WriteU8(midiPayloadType)
	_ = w.WriteU16(h.Seq)
	_ = w.WriteU32(h.Timestamp)
	_ = w.WriteU32(h.SSRC)

	flag := uint8(0x20) | uint8(len(midiBytes)&0x0F) // Z=1, J=0, B=0, P=0
	_ = w.WriteU8(flag)
	_ = w.WriteBytes(midiBytes)
	return w.Bytes(), nil
}

// DecodeDataPacket parses the truncated RTP header and flag byte, returning
// the header and the raw MIDI running-status payload. Any trailing journal
// section (flag bit J) is present only when the sender opted in; this
// receiver skips it without interpretation rather than reconstructing lost
// events from it.
func DecodeDataPacket(data []byte) (DataHeader, []byte, error) {
	r := buf.NewReader(data)

	if _, err := r.ReadU8(); err != nil { // RTP V/P/X/CC byte, not validated
		return DataHeader{}, nil, newErr(BufferOverflow, "data packet truncated at rtp flags", err)
	}
	ptByte, err := r.ReadU8()
	if err != nil {
		return DataHeader{}, nil, newErr(BufferOverflow, "data packet truncated at payload type", err)
	}
	if ptByte&0x7F != midiPayloadType {
		return DataHeader{}, nil, newErr(BadCommand, "unexpected RTP payload type", nil)
	}

	seq, err := r.ReadU16()
	if err != nil {
		return DataHeader{}, nil, newErr(BufferOverflow, "data packet truncated at sequence", err)
	}
	ts, err := r.ReadU32()
	if err != nil {
		return DataHeader{}, nil, newErr(BufferOverflow, "data packet truncated at timestamp", err)
	}
	ssrc, err := r.ReadU32()
	if err != nil {
		return DataHeader{}, nil, newErr(BufferOverflow, "data packet truncated at ssrc", err)
	}

	flag, err := r.ReadU8()
	if err != nil {
		return DataHeader{}, nil, newErr(BufferOverflow, "data packet truncated at flag byte", err)
	}

	longForm := flag&0x80 != 0
	hasJournal := flag&0x40 != 0

	length := int(flag & 0x0F)
	if longForm {
		lowByte, err := r.ReadU8()
		if err != nil {
			return DataHeader{}, nil, newErr(BufferOverflow, "data packet truncated at long-form length", err)
		}
		length = length<<8 | int(lowByte)
	}

	payload, err := r.ReadBytes(length)
	if err != nil {
		return DataHeader{}, nil, newErr(BufferOverflow, "data packet shorter than declared length", err)
	}

	_ = hasJournal // remainder of r, if any, is the journal section; ignored

	return DataHeader{Seq: seq, Timestamp: ts, SSRC: ssrc}, payload, nil
}
