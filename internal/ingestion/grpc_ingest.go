package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ForwardClear/internal/instruction"
)

// GRPCIngestService provides admin/manual instruction injection via gRPC.
// gRPC ingest is for operational interventions and backfills, not for
// high-throughput ingestion (use NATS for that).
type GRPCIngestService struct {
	instructionChan chan<- instruction.Instruction
}

func NewGRPCIngestService(instructionChan chan<- instruction.Instruction) *GRPCIngestService {
	return &GRPCIngestService{instructionChan: instructionChan}
}

// InjectPrice manually injects a settlement price post.
func (s *GRPCIngestService) InjectPrice(
	ctx context.Context,
	signer uuid.UUID,
	marketID string,
	price int64,
	priceExponent int32,
	volBps int64,
	priceSequence int64,
) error {
	if price <= 0 {
		return fmt.Errorf("price must be positive")
	}

	ins := &instruction.PostPrice{
		Header: instruction.Header{
			InstructionID: uuid.New(),
			Signer:        signer,
			Market:        marketID,
			Sequence:      priceSequence,
			Timestamp:     time.Now(),
		},
		Price:         price,
		PriceExponent: priceExponent,
		VolBps:        volBps,
	}

	select {
	case s.instructionChan <- ins:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InjectFund manually injects an external funding credit. The caller
// supplies the next global partition sequence; funding rides the strict
// ordering path like every non-price instruction.
func (s *GRPCIngestService) InjectFund(
	ctx context.Context,
	party uuid.UUID,
	asset string,
	amount int64,
	sequence int64,
) error {
	if amount <= 0 {
		return fmt.Errorf("amount must be positive")
	}

	ins := &instruction.ExternalFund{
		Header: instruction.Header{
			InstructionID: uuid.New(),
			Signer:        party,
			Sequence:      sequence,
			Timestamp:     time.Now(),
		},
		Party:  party,
		Asset:  asset,
		Amount: amount,
	}

	select {
	case s.instructionChan <- ins:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InjectFreeze manually injects a deal freeze.
func (s *GRPCIngestService) InjectFreeze(
	ctx context.Context,
	admin uuid.UUID,
	marketID string,
	dealID uint64,
	sequence int64,
) error {
	ins := &instruction.FreezeDeal{
		Header: instruction.Header{
			InstructionID: uuid.New(),
			Signer:        admin,
			Market:        marketID,
			Sequence:      sequence,
			Timestamp:     time.Now(),
		},
		DealID: dealID,
	}

	select {
	case s.instructionChan <- ins:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InjectPause manually injects a market pause.
func (s *GRPCIngestService) InjectPause(
	ctx context.Context,
	admin uuid.UUID,
	marketID string,
	sequence int64,
) error {
	ins := &instruction.PauseMarket{
		Header: instruction.Header{
			InstructionID: uuid.New(),
			Signer:        admin,
			Market:        marketID,
			Sequence:      sequence,
			Timestamp:     time.Now(),
		},
	}

	select {
	case s.instructionChan <- ins:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
