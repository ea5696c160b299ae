package p2p

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	libp2pPeer "github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"hat_reputation/pkg/consensus"
	"hat_reputation/pkg/data"
)

// OutcomeTopicName is the gossip topic for decided claims.
const OutcomeTopicName = "hat/claims/1.0.0"

// Outcome is the gossiped summary of a decided claim.
type Outcome struct {
	ClaimID      string           `json:"claim_id"`
	Claimant     data.Account     `json:"claimant"`
	ClaimedScore int              `json:"claimed_score"`
	Status       data.ClaimStatus `json:"status"`
	Tally        *data.Tally      `json:"tally,omitempty"`
	DisputeID    string           `json:"dispute_id,omitempty"`
	BlockHeight  uint64           `json:"block_height"`
	DecidedAt    time.Time        `json:"decided_at"`
}

func outcomeOf(claim *data.ConsensusClaim) Outcome {
	return Outcome{
		ClaimID:      claim.ClaimID,
		Claimant:     claim.Claimant,
		ClaimedScore: claim.ClaimedScore,
		Status:       claim.Status,
		Tally:        claim.Tally,
		DisputeID:    claim.DisputeID,
		BlockHeight:  claim.BlockHeight,
		DecidedAt:    claim.DecidedAt,
	}
}

func decodeOutcome(raw []byte) (Outcome, error) {
	var o Outcome
	if err := json.Unmarshal(raw, &o); err != nil {
		return o, err
	}
	switch {
	case o.ClaimID == "":
		return o, errors.New("missing claim id")
	case o.Claimant.IsZero():
		return o, errors.New("missing claimant")
	case o.Status == "" || !o.Status.Terminal():
		return o, fmt.Errorf("status %q is not terminal", o.Status)
	case o.ClaimedScore < data.MinScore || o.ClaimedScore > data.MaxScore:
		return o, fmt.Errorf("claimed score %d out of range", o.ClaimedScore)
	}
	return o, nil
}

// OutcomeTopic publishes local outcomes and delivers remote ones.
type OutcomeTopic struct {
	host   *Host
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	logger *zap.Logger
}

// NewOutcomeTopic joins OutcomeTopicName. Malformed messages are dropped by
// a topic validator before they are forwarded.
func NewOutcomeTopic(h *Host, logger *zap.Logger) (*OutcomeTopic, error) {
	logger = logger.Named("outcomes")
	validate := func(_ context.Context, from libp2pPeer.ID, msg *pubsub.Message) bool {
		if _, err := decodeOutcome(msg.Data); err != nil {
			h.metrics.rejected.Inc()
			logger.Debug("Dropping malformed outcome",
				zap.String("peer", from.String()),
				zap.Error(err))
			return false
		}
		return true
	}
	if err := h.pubsub.RegisterTopicValidator(OutcomeTopicName, validate); err != nil {
		return nil, fmt.Errorf("registering outcome validator: %w", err)
	}

	topic, err := h.pubsub.Join(OutcomeTopicName)
	if err != nil {
		return nil, fmt.Errorf("joining %s: %w", OutcomeTopicName, err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		topic.Close()
		return nil, fmt.Errorf("subscribing to %s: %w", OutcomeTopicName, err)
	}
	return &OutcomeTopic{host: h, topic: topic, sub: sub, logger: logger}, nil
}

var _ consensus.OutcomePublisher = (*OutcomeTopic)(nil)

// PublishOutcome gossips a decided claim.
func (t *OutcomeTopic) PublishOutcome(ctx context.Context, claim *data.ConsensusClaim) error {
	raw, err := json.Marshal(outcomeOf(claim))
	if err != nil {
		return fmt.Errorf("encoding outcome: %w", err)
	}
	if err := t.topic.Publish(ctx, raw); err != nil {
		return fmt.Errorf("publishing outcome %s: %w", claim.ClaimID, err)
	}
	t.host.metrics.outcomes.WithLabelValues("published").Inc()
	return nil
}

// Run delivers remote outcomes to handle until ctx is done. Messages this
// node published are skipped.
func (t *OutcomeTopic) Run(ctx context.Context, handle func(context.Context, Outcome)) {
	self := t.host.host.ID()
	for {
		msg, err := t.sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, pubsub.ErrSubscriptionCancelled) {
				return
			}
			t.logger.Warn("Error reading from subscription", zap.Error(err))
			continue
		}
		if msg.ReceivedFrom == self {
			continue
		}

		o, err := decodeOutcome(msg.Data)
		if err != nil {
			continue
		}
		t.host.metrics.outcomes.WithLabelValues("received").Inc()
		handle(ctx, o)
	}
}

// Close leaves the topic.
func (t *OutcomeTopic) Close() error {
	t.sub.Cancel()
	return t.topic.Close()
}
