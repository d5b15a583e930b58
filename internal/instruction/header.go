package instruction

import (
	"time"

	"github.com/google/uuid"
)

// Header carries the fields shared by every instruction. Payload structs
// embed it and add their own Type method.
type Header struct {
	InstructionID uuid.UUID // Idempotency key
	Signer        uuid.UUID // Authenticated caller identity
	Market        string
	Sequence      int64     // Source sequence from the gateway
	Timestamp     time.Time // Versioned input timestamp (NOT wall-clock)
}

func (h *Header) IdempotencyKey() string { return h.InstructionID.String() }

func (h *Header) MarketID() string { return h.Market }

func (h *Header) SourceSequence() int64 { return h.Sequence }

func (h *Header) Time() time.Time { return h.Timestamp }

func (h *Header) SignedBy() uuid.UUID { return h.Signer }
