package midi

import (
	"errors"

	"github.com/1ureka/rtpmidi/internal/buf"
)

// ErrDataWithoutStatus is returned by Decode when a data byte (MSB clear)
// is seen before any status byte has established a running status.
var ErrDataWithoutStatus = errors.New("midi: data byte received before any status byte")

// Decode parses a running-status MIDI channel-voice byte stream. It stops
// at the first system message (a status byte 0xF0..0xFF) without
// consuming it, and stops (with no error) at the first unrecognized
// status nibble, discarding the remainder of data — per the wire spec,
// callers should log this case as a dropped/truncated packet.
//
// A non-nil error indicates the stream ended mid-message (a status byte
// promised data bytes the buffer does not contain, or a stray data byte
// arrived with no established running status); events decoded before the
// error are still returned.
func Decode(data []byte) ([]Event, error) {
	r := buf.NewReader(data)

	var events []Event
	var runningStatus uint8
	haveStatus := false

	for r.Len() > 0 {
		b, err := r.PeekU8()
		if err != nil {
			return events, err
		}

		if b&0x80 != 0 {
			if b >= 0xF0 {
				break // system message: terminates the stream for this packet
			}
			if _, err := r.ReadU8(); err != nil {
				return events, err
			}
			runningStatus = b
			haveStatus = true
			if r.Len() == 0 {
				return events, buf.ErrOverflow // status byte with no data bytes left
			}
			continue
		}

		if !haveStatus {
			return events, ErrDataWithoutStatus
		}

		kind, ok := nibbleToKind[runningStatus>>4]
		if !ok {
			break // unrecognized kind: log-and-discard at the caller
		}

		data1, err := r.ReadU8()
		if err != nil {
			return events, err
		}
		var data2 uint8
		if dataByteCount(kind) == 2 {
			data2, err = r.ReadU8()
			if err != nil {
				return events, err
			}
		}

		events = append(events, Event{
			Channel: runningStatus & 0x0F,
			Kind:    kind,
			Data1:   data1,
			Data2:   data2,
		})
	}

	return events, nil
}

// Encode serializes events into a MIDI byte stream. Every event gets an
// explicit status byte; running-status compression is never applied on the
// outbound side, matching the wire spec.
func Encode(events []Event) []byte {
	out := make([]byte, 0, len(events)*3)
	for _, e := range events {
		status := statusNibble[e.Kind]<<4 | (e.Channel & 0x0F)
		out = append(out, status, e.Data1&0x7F)
		if dataByteCount(e.Kind) == 2 {
			out = append(out, e.Data2&0x7F)
		}
	}
	return out
}
