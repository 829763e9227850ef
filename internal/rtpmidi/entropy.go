package rtpmidi

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// newRandomU32 draws 32 bits of entropy from a v4 UUID, which google/uuid
// sources from crypto/rand. Used for initiator tokens, SSRCs, and the
// initial RTP sequence number, none of which need to be reversible — they
// only need to not collide.
func newRandomU32() uint32 {
	id := uuid.New()
	return binary.BigEndian.Uint32(id[:4])
}

// NewToken generates a random 32-bit initiator token for a new invitation.
func NewToken() uint32 { return newRandomU32() }

// NewSSRC generates a random 32-bit synchronisation source identifier for a
// new session.
func NewSSRC() uint32 { return newRandomU32() }

// NewSequence generates a random initial RTP sequence number for a new
// session, so successive sessions don't restart from a predictable value.
func NewSequence() uint16 { return uint16(newRandomU32()) }
