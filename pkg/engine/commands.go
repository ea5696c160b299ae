package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"hat_reputation/pkg/consensus"
	"hat_reputation/pkg/data"
	"hat_reputation/pkg/trust"
)

// Command names an operation the external transport can dispatch.
type Command string

const (
	CmdGetScore                 Command = "get_score"
	CmdGetScoreBreakdown        Command = "get_score_breakdown"
	CmdAddTrustEdge             Command = "add_trust_edge"
	CmdSubmitClaim              Command = "submit_claim"
	CmdGetClaimStatus           Command = "get_claim_status"
	CmdOpenDispute              Command = "open_dispute"
	CmdVoteDispute              Command = "vote_dispute"
	CmdGetDispute               Command = "get_dispute"
	CmdListDisputes             Command = "list_disputes"
	CmdResolveDispute           Command = "resolve_dispute"
	CmdDetectSuspiciousClusters Command = "detect_suspicious_clusters"
	CmdGetWalletCluster         Command = "get_wallet_cluster"
	CmdSweepManipulation        Command = "sweep_manipulation"
)

// Commands lists every command the engine must serve.
var Commands = []Command{
	CmdGetScore,
	CmdGetScoreBreakdown,
	CmdAddTrustEdge,
	CmdSubmitClaim,
	CmdGetClaimStatus,
	CmdOpenDispute,
	CmdVoteDispute,
	CmdGetDispute,
	CmdListDisputes,
	CmdResolveDispute,
	CmdDetectSuspiciousClusters,
	CmdGetWalletCluster,
	CmdSweepManipulation,
}

type handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

type commandEntry struct {
	cmd Command
	fn  handler
}

// ScoreParams selects a target and an optional viewer.
type ScoreParams struct {
	Target data.Account `json:"target"`
	Viewer data.Account `json:"viewer,omitempty"`
}

type EdgeParams struct {
	From   data.Account `json:"from"`
	To     data.Account `json:"to"`
	Weight int          `json:"weight"`
	Bond   data.Amount  `json:"bond"`
	Reason string       `json:"reason,omitempty"`
}

type ClaimIDParams struct {
	ClaimID string `json:"claim_id"`
}

type OpenDisputeParams struct {
	Target     data.TargetRef `json:"target"`
	Challenger data.Account   `json:"challenger"`
	Bond       data.Amount    `json:"bond"`
	Reason     string         `json:"reason"`
}

type VoteDisputeParams struct {
	DisputeID string       `json:"dispute_id"`
	Voter     data.Account `json:"voter"`
	Slash     bool         `json:"slash"`
	Stake     data.Amount  `json:"stake"`
}

type DisputeIDParams struct {
	DisputeID string `json:"dispute_id"`
}

type ListDisputesParams struct {
	Status data.DisputeStatus `json:"status"`
}

type AddressParams struct {
	Address data.Account `json:"address"`
}

// VoteAck acknowledges a recorded dispute vote.
type VoteAck struct {
	OK bool `json:"ok"`
}

func (e *Engine) commandTable() []commandEntry {
	return []commandEntry{
		{CmdGetScore, func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
			p, err := decode[ScoreParams](raw)
			if err != nil {
				return nil, err
			}
			return e.GetScore(ctx, p.Target, p.Viewer)
		}},
		{CmdGetScoreBreakdown, func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
			p, err := decode[ScoreParams](raw)
			if err != nil {
				return nil, err
			}
			return e.GetScoreBreakdown(ctx, p.Target, p.Viewer)
		}},
		{CmdAddTrustEdge, func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
			p, err := decode[EdgeParams](raw)
			if err != nil {
				return nil, err
			}
			return e.AddTrustEdge(ctx, trust.EdgeRequest{
				From:   p.From,
				To:     p.To,
				Weight: p.Weight,
				Bond:   p.Bond,
				Reason: p.Reason,
			})
		}},
		{CmdSubmitClaim, func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
			p, err := decode[consensus.ClaimRequest](raw)
			if err != nil {
				return nil, err
			}
			return e.SubmitClaim(ctx, p)
		}},
		{CmdGetClaimStatus, func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
			p, err := decode[ClaimIDParams](raw)
			if err != nil {
				return nil, err
			}
			return e.GetClaimStatus(ctx, p.ClaimID)
		}},
		{CmdOpenDispute, func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
			p, err := decode[OpenDisputeParams](raw)
			if err != nil {
				return nil, err
			}
			id, err := e.OpenDispute(ctx, p.Target, p.Challenger, p.Bond, p.Reason)
			if err != nil {
				return nil, err
			}
			return DisputeIDParams{DisputeID: id}, nil
		}},
		{CmdVoteDispute, func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
			p, err := decode[VoteDisputeParams](raw)
			if err != nil {
				return nil, err
			}
			if err := e.VoteDispute(ctx, p.DisputeID, p.Voter, p.Slash, p.Stake); err != nil {
				return nil, err
			}
			return VoteAck{OK: true}, nil
		}},
		{CmdGetDispute, func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
			p, err := decode[DisputeIDParams](raw)
			if err != nil {
				return nil, err
			}
			return e.GetDispute(p.DisputeID)
		}},
		{CmdListDisputes, func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
			p, err := decode[ListDisputesParams](raw)
			if err != nil {
				return nil, err
			}
			return e.ListDisputes(p.Status)
		}},
		{CmdResolveDispute, func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
			p, err := decode[DisputeIDParams](raw)
			if err != nil {
				return nil, err
			}
			return e.ResolveDispute(ctx, p.DisputeID)
		}},
		{CmdDetectSuspiciousClusters, func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
			return e.DetectSuspiciousClusters()
		}},
		{CmdGetWalletCluster, func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
			p, err := decode[AddressParams](raw)
			if err != nil {
				return nil, err
			}
			return e.GetWalletCluster(ctx, p.Address)
		}},
		{CmdSweepManipulation, func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
			return e.SweepManipulation(ctx)
		}},
	}
}

// Validate checks that every command has exactly one handler and that no
// handler is registered for an unknown command.
func (e *Engine) Validate() error {
	known := make(map[Command]bool, len(Commands))
	for _, c := range Commands {
		known[c] = true
	}
	commands := make(map[Command]handler, len(e.table))
	for _, entry := range e.table {
		if !known[entry.cmd] {
			return fmt.Errorf("handler for unknown command %q", entry.cmd)
		}
		if _, dup := commands[entry.cmd]; dup {
			return fmt.Errorf("duplicate handler for command %q", entry.cmd)
		}
		if entry.fn == nil {
			return fmt.Errorf("nil handler for command %q", entry.cmd)
		}
		commands[entry.cmd] = entry.fn
	}
	for _, c := range Commands {
		if _, ok := commands[c]; !ok {
			return fmt.Errorf("missing handler for command %q", c)
		}
	}
	e.commands = commands
	return nil
}

// Dispatch decodes params for cmd and runs it. The result is JSON-encodable.
func (e *Engine) Dispatch(ctx context.Context, cmd Command, params json.RawMessage) (interface{}, error) {
	fn, ok := e.commands[cmd]
	if !ok {
		return nil, data.NewValidationError("command", data.ErrValidation, "unknown command %q", cmd)
	}
	out, err := fn(ctx, params)
	if err != nil {
		e.logger.Debug("Command failed",
			zap.String("command", string(cmd)),
			zap.Error(err))
		return nil, err
	}
	return out, nil
}

// decode parses params strictly. Empty params decode to the zero value.
func decode[T any](raw json.RawMessage) (T, error) {
	var p T
	if len(bytes.TrimSpace(raw)) == 0 {
		return p, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return p, data.NewValidationError("params", data.ErrValidation, "%v", err)
	}
	return p, nil
}
