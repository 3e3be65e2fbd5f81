package ingestion

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSSubscriber subscribes to NATS JetStream subjects and feeds commands
// into the single-threaded dispatch loop via the commandChan.
type NATSSubscriber struct {
	js          jetstream.JetStream
	commandChan chan<- RawEvent
	consumers   []jetstream.ConsumeContext
}

// RawEvent is the received-but-untyped command from NATS, ready for the
// shell to validate and convert into a typed Command before dispatch.
type RawEvent struct {
	Subject   string
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // Call to ACK the NATS message after successful processing
	NakFunc   func() // Call to NAK on failure (will be redelivered)
}

// SubjectConfig maps NATS subjects to command types.
type SubjectConfig struct {
	Subject      string
	CommandType  string
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns the standard subject configuration. Each command
// type has its own subject so consumers scale independently.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "perp.margin.increase.>", CommandType: "IncreasePosition", ConsumerName: "clearing-margin-increase", StreamName: "PERP_MARGIN"},
		{Subject: "perp.margin.decrease.>", CommandType: "DecreasePosition", ConsumerName: "clearing-margin-decrease", StreamName: "PERP_MARGIN"},
		{Subject: "perp.margin.collateral.add.>", CommandType: "IncreaseCollateral", ConsumerName: "clearing-collateral-add", StreamName: "PERP_MARGIN"},
		{Subject: "perp.margin.collateral.remove.>", CommandType: "DecreaseCollateral", ConsumerName: "clearing-collateral-remove", StreamName: "PERP_MARGIN"},
		{Subject: "perp.margin.liquidate.>", CommandType: "LiquidatePosition", ConsumerName: "clearing-liquidate", StreamName: "PERP_MARGIN"},
		{Subject: "perp.prices.>", CommandType: "PriceReference", ConsumerName: "clearing-prices", StreamName: "PERP_PRICES"},
		{Subject: "perp.fees.borrowing.>", CommandType: "BorrowingIndexUpdate", ConsumerName: "clearing-fees-borrowing", StreamName: "PERP_FEES"},
		{Subject: "perp.fees.funding.>", CommandType: "FundingIndexUpdate", ConsumerName: "clearing-fees-funding", StreamName: "PERP_FEES"},
		{Subject: "perp.deposits.>", CommandType: "Deposit", ConsumerName: "clearing-deposits", StreamName: "PERP_DEPOSITS"},
		{Subject: "perp.pool.provide.>", CommandType: "ProvideLiquidity", ConsumerName: "clearing-pool-provide", StreamName: "PERP_POOL"},
		{Subject: "perp.pool.withdraw.>", CommandType: "WithdrawShares", ConsumerName: "clearing-pool-withdraw", StreamName: "PERP_POOL"},
		{Subject: "perp.pool.claim.mint.>", CommandType: "ClaimMintedShares", ConsumerName: "clearing-pool-claim-mint", StreamName: "PERP_POOL"},
		{Subject: "perp.pool.claim.burn.>", CommandType: "ClaimWithdrawal", ConsumerName: "clearing-pool-claim-burn", StreamName: "PERP_POOL"},
		{Subject: "perp.rollover.>", CommandType: "RolloverBatch", ConsumerName: "clearing-rollover", StreamName: "PERP_ROLLOVER"},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, commandChan chan<- RawEvent) *NATSSubscriber {
	return &NATSSubscriber{
		js:          js,
		commandChan: commandChan,
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
			raw := RawEvent{
				Subject:   msg.Subject(),
				Data:      msg.Data(),
				Timestamp: time.Now(),
				AckFunc:   func() { msg.Ack() },
				NakFunc:   func() { msg.Nak() },
			}

			select {
			case ns.commandChan <- raw:
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
			Name:      "PERP_MARGIN",
			Subjects:  []string{"perp.margin.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "PERP_PRICES",
			Subjects:  []string{"perp.prices.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "PERP_FEES",
			Subjects:  []string{"perp.fees.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "PERP_DEPOSITS",
			Subjects:  []string{"perp.deposits.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "PERP_POOL",
			Subjects:  []string{"perp.pool.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "PERP_ROLLOVER",
			Subjects:  []string{"perp.rollover.>"},
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
