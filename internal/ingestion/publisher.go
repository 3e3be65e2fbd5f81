package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"PerpClearing/internal/settlement"

	"github.com/nats-io/nats.go/jetstream"
)

// OutboundPublisher publishes settlement records to NATS for downstream
// consumers. Subjects follow the pattern
// perp.clearing.settlements.{kind}.{instrument_id}.
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan settlement.Record
}

// settlementWire is the outbound JSON form of a settlement record.
type settlementWire struct {
	Sequence         int64  `json:"sequence"`
	InstrumentID     uint32 `json:"instrument_id"`
	UserID           string `json:"user_id"`
	Kind             string `json:"kind"`
	Success          bool   `json:"success"`
	DeclineReason    string `json:"decline_reason,omitempty"`
	Label            string `json:"label,omitempty"`
	Price            int64  `json:"price"`
	UserToCollateral int64  `json:"user_to_collateral"`
	MovedCollateral  int64  `json:"moved_collateral"`
	CollateralToUser int64  `json:"collateral_to_user"`
	CollateralToLp   int64  `json:"collateral_to_lp"`
	CollateralToTeam int64  `json:"collateral_to_team"`
	LpToUser         int64  `json:"lp_to_user"`
	LpToTeam         int64  `json:"lp_to_team"`
	LpShortfall      int64  `json:"lp_shortfall"`
	RealizedPnl      int64  `json:"realized_pnl"`
	TimestampUs      int64  `json:"timestamp_us"`
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan settlement.Record) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case rec, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, rec); err != nil {
				log.Printf("WARN: outbound publish failed seq=%d: %v", rec.Sequence, err)
				// Non-fatal: downstream consumers can query clearing.settlements
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, rec settlement.Record) error {
	r := rec.Result
	wire := settlementWire{
		Sequence:         rec.Sequence,
		InstrumentID:     rec.InstrumentID,
		UserID:           rec.UserID.String(),
		Kind:             r.Kind.String(),
		Success:          r.Success,
		DeclineReason:    r.DeclineReason,
		Label:            r.Label,
		Price:            r.Price,
		UserToCollateral: r.UserToCollateral,
		MovedCollateral:  r.MovedCollateral,
		CollateralToUser: r.CollateralToUser,
		CollateralToLp:   r.CollateralToLp,
		CollateralToTeam: r.CollateralToTeam,
		LpToUser:         r.LpToUser,
		LpToTeam:         r.LpToTeam,
		LpShortfall:      r.LpShortfall,
		RealizedPnl:      r.RealizedPnl,
		TimestampUs:      rec.Timestamp,
	}

	data, err := json.Marshal(wire)
	if err != nil {
		return fmt.Errorf("marshal settlement: %w", err)
	}

	subject := fmt.Sprintf("perp.clearing.settlements.%s.%d",
		strings.ToLower(wire.Kind), wire.InstrumentID)

	_, err = op.js.Publish(ctx, subject, data)
	return err
}

// EnsureOutboundStream creates the outbound settlements stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "PERP_CLEARING_SETTLEMENTS",
		Subjects:  []string{"perp.clearing.settlements.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	log.Println("INFO: ensured outbound stream PERP_CLEARING_SETTLEMENTS")
	return nil
}
