package ingestion

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSSubscriber subscribes to NATS JetStream subjects and feeds
// instructions into the deterministic core via the instructionChan.
// JetStream is the primary high-throughput ingestion surface; each subject
// maps to one instruction type.
type NATSSubscriber struct {
	js              jetstream.JetStream
	instructionChan chan<- RawInstruction
	consumers       []jetstream.ConsumeContext
}

// RawInstruction is the received-but-untyped message from NATS, ready for
// the shell to parse into a typed instruction before sending to the core.
type RawInstruction struct {
	Subject   string
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // Call to ACK the NATS message after successful processing
	NakFunc   func() // Call to NAK on failure (will be redelivered)
}

// SubjectConfig maps NATS subjects to instruction types.
type SubjectConfig struct {
	Subject         string
	InstructionType string
	ConsumerName    string
	StreamName      string
}

// DefaultSubjects returns the standard subject taxonomy. Each instruction
// type has its own subject for independent scaling; the market ID is the
// trailing token on market-scoped subjects.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "fwd.instr.market.init.>", InstructionType: "InitMarket", ConsumerName: "clear-market-init", StreamName: "FWD_MARKET"},
		{Subject: "fwd.instr.market.pause.>", InstructionType: "PauseMarket", ConsumerName: "clear-market-pause", StreamName: "FWD_MARKET"},
		{Subject: "fwd.instr.market.unpause.>", InstructionType: "UnpauseMarket", ConsumerName: "clear-market-unpause", StreamName: "FWD_MARKET"},
		{Subject: "fwd.instr.market.collateral_add.>", InstructionType: "AddAllowedCollateral", ConsumerName: "clear-collateral-add", StreamName: "FWD_MARKET"},
		{Subject: "fwd.instr.market.collateral_remove.>", InstructionType: "RemoveAllowedCollateral", ConsumerName: "clear-collateral-remove", StreamName: "FWD_MARKET"},
		{Subject: "fwd.instr.market.strategy_operator.>", InstructionType: "SetStrategyOperator", ConsumerName: "clear-strategy-operator", StreamName: "FWD_MARKET"},
		{Subject: "fwd.instr.price.>", InstructionType: "PostPrice", ConsumerName: "clear-prices", StreamName: "FWD_PRICES"},
		{Subject: "fwd.instr.funding.credit.>", InstructionType: "ExternalFund", ConsumerName: "clear-funding", StreamName: "FWD_FUNDING"},
		{Subject: "fwd.instr.warehouse.register.>", InstructionType: "RegisterWarehouse", ConsumerName: "clear-wh-register", StreamName: "FWD_WAREHOUSE"},
		{Subject: "fwd.instr.warehouse.mint.>", InstructionType: "MintReceipt", ConsumerName: "clear-wh-mint", StreamName: "FWD_WAREHOUSE"},
		{Subject: "fwd.instr.warehouse.burn.>", InstructionType: "BurnReceipt", ConsumerName: "clear-wh-burn", StreamName: "FWD_WAREHOUSE"},
		{Subject: "fwd.instr.deal.open.>", InstructionType: "OpenDeal", ConsumerName: "clear-deal-open", StreamName: "FWD_DEALS"},
		{Subject: "fwd.instr.deal.deposit_margin.>", InstructionType: "DepositMargin", ConsumerName: "clear-deal-deposit", StreamName: "FWD_DEALS"},
		{Subject: "fwd.instr.deal.freeze.>", InstructionType: "FreezeDeal", ConsumerName: "clear-deal-freeze", StreamName: "FWD_DEALS"},
		{Subject: "fwd.instr.deal.unfreeze.>", InstructionType: "UnfreezeDeal", ConsumerName: "clear-deal-unfreeze", StreamName: "FWD_DEALS"},
		{Subject: "fwd.instr.deal.settle_cash.>", InstructionType: "SettleCash", ConsumerName: "clear-settle-cash", StreamName: "FWD_DEALS"},
		{Subject: "fwd.instr.deal.settle_physical.>", InstructionType: "SettlePhysical", ConsumerName: "clear-settle-physical", StreamName: "FWD_DEALS"},
		{Subject: "fwd.instr.deal.settle_partial.>", InstructionType: "SettlePartialPhysical", ConsumerName: "clear-settle-partial", StreamName: "FWD_DEALS"},
		{Subject: "fwd.instr.pool.create.>", InstructionType: "CrossMarginCreate", ConsumerName: "clear-pool-create", StreamName: "FWD_POOLS"},
		{Subject: "fwd.instr.pool.deposit.>", InstructionType: "CrossMarginDeposit", ConsumerName: "clear-pool-deposit", StreamName: "FWD_POOLS"},
		{Subject: "fwd.instr.pool.withdraw.>", InstructionType: "CrossMarginWithdraw", ConsumerName: "clear-pool-withdraw", StreamName: "FWD_POOLS"},
		{Subject: "fwd.instr.pool.move_to_deal.>", InstructionType: "CrossMarginMoveToDeal", ConsumerName: "clear-pool-to-deal", StreamName: "FWD_POOLS"},
		{Subject: "fwd.instr.pool.move_from_deal.>", InstructionType: "CrossMarginMoveFromDeal", ConsumerName: "clear-pool-from-deal", StreamName: "FWD_POOLS"},
		{Subject: "fwd.instr.yield.park.>", InstructionType: "YieldPark", ConsumerName: "clear-yield-park", StreamName: "FWD_YIELD"},
		{Subject: "fwd.instr.yield.unpark.>", InstructionType: "YieldUnpark", ConsumerName: "clear-yield-unpark", StreamName: "FWD_YIELD"},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, instructionChan chan<- RawInstruction) *NATSSubscriber {
	return &NATSSubscriber{
		js:              js,
		instructionChan: instructionChan,
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawInstruction{
				Subject:   msg.Subject(),
				Data:      msg.Data(),
				Timestamp: time.Now(),
				AckFunc:   func() { msg.Ack() },
				NakFunc:   func() { msg.Nak() },
			}

			select {
			case ns.instructionChan <- raw:
				// Successfully queued for processing
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		log.Printf("INFO: subscribed to %s (consumer=%s)", cfg.Subject, cfg.ConsumerName)
	}

	return nil
}

// EnsureStreams creates the required JetStream streams if they don't exist.
// Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      "FWD_MARKET",
			Subjects:  []string{"fwd.instr.market.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "FWD_PRICES",
			Subjects:  []string{"fwd.instr.price.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "FWD_FUNDING",
			Subjects:  []string{"fwd.instr.funding.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "FWD_WAREHOUSE",
			Subjects:  []string{"fwd.instr.warehouse.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "FWD_DEALS",
			Subjects:  []string{"fwd.instr.deal.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "FWD_POOLS",
			Subjects:  []string{"fwd.instr.pool.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "FWD_YIELD",
			Subjects:  []string{"fwd.instr.yield.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		log.Printf("INFO: ensured stream %s", cfg.Name)
	}

	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	log.Println("INFO: NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Printf("WARN: NATS disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Println("INFO: NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
