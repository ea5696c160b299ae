package p2p

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	libp2pNetwork "github.com/libp2p/go-libp2p/core/network"
	libp2pPeer "github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"go.uber.org/zap"

	"hat_reputation/pkg/consensus"
	"hat_reputation/pkg/data"
)

// JudgmentProtocol is the request/response stream a coordinator opens to
// each committee member.
const JudgmentProtocol = protocol.ID("/hat/judgment/1.0.0")

// maxMessageSize bounds a single request or response on the stream.
const maxMessageSize = 64 << 10

// Judger produces this node's signed vote on a claim.
type Judger interface {
	Judge(ctx context.Context, req consensus.JudgmentRequest) (*data.ValidatorVote, error)
}

type judgmentResponse struct {
	Vote  *data.ValidatorVote `json:"vote,omitempty"`
	Error string              `json:"error,omitempty"`
}

// JudgmentService answers judgment requests from remote coordinators.
type JudgmentService struct {
	host    *Host
	judge   Judger
	timeout time.Duration
	logger  *zap.Logger
}

// NewJudgmentService registers the judgment stream handler on h.
func NewJudgmentService(h *Host, judge Judger, timeout time.Duration, logger *zap.Logger) *JudgmentService {
	s := &JudgmentService{
		host:    h,
		judge:   judge,
		timeout: timeout,
		logger:  logger.Named("judgment_service"),
	}
	h.host.SetStreamHandler(JudgmentProtocol, s.handleStream)
	return s
}

// Close stops serving judgment requests.
func (s *JudgmentService) Close() {
	s.host.host.RemoveStreamHandler(JudgmentProtocol)
}

func (s *JudgmentService) handleStream(stream libp2pNetwork.Stream) {
	defer stream.Close()

	remote := stream.Conn().RemotePeer()
	deadline := time.Now().Add(s.timeout)
	if err := stream.SetDeadline(deadline); err != nil {
		s.logger.Warn("Failed to set stream deadline", zap.Error(err))
		stream.Reset()
		return
	}

	var req consensus.JudgmentRequest
	if err := json.NewDecoder(io.LimitReader(stream, maxMessageSize)).Decode(&req); err != nil {
		s.logger.Debug("Failed to decode judgment request",
			zap.String("peer", remote.String()),
			zap.Error(err))
		s.host.metrics.served.WithLabelValues("bad_request").Inc()
		stream.Reset()
		return
	}
	if !req.Deadline.IsZero() && req.Deadline.Before(deadline) {
		deadline = req.Deadline
	}

	ctx, cancel := context.WithDeadline(s.host.ctx, deadline)
	defer cancel()

	var resp judgmentResponse
	vote, err := s.judge.Judge(ctx, req)
	if err != nil {
		resp.Error = err.Error()
	} else {
		resp.Vote = vote
	}
	s.host.metrics.served.WithLabelValues(result(err)).Inc()

	writer := bufio.NewWriter(stream)
	if err := json.NewEncoder(writer).Encode(resp); err != nil {
		s.logger.Warn("Failed to encode judgment response", zap.Error(err))
		return
	}
	if err := writer.Flush(); err != nil {
		s.logger.Warn("Failed to flush judgment response", zap.Error(err))
		return
	}

	s.logger.Debug("Judgment served",
		zap.String("peer", remote.String()),
		zap.String("claim", req.ClaimID),
		zap.Bool("ok", err == nil))
}

// JudgmentClient asks remote committee members for their votes over
// JudgmentProtocol.
type JudgmentClient struct {
	host    *Host
	timeout time.Duration
	logger  *zap.Logger
}

func NewJudgmentClient(h *Host, timeout time.Duration, logger *zap.Logger) *JudgmentClient {
	return &JudgmentClient{
		host:    h,
		timeout: timeout,
		logger:  logger.Named("judgment_client"),
	}
}

var _ consensus.ValidatorClient = (*JudgmentClient)(nil)

// RequestJudgment opens a stream to member.PeerID and returns its vote. The
// coordinator verifies the signature and claim binding.
func (c *JudgmentClient) RequestJudgment(ctx context.Context, member data.ValidatorInfo, req consensus.JudgmentRequest) (*data.ValidatorVote, error) {
	vote, err := c.request(ctx, member, req)
	c.host.metrics.requested.WithLabelValues(result(err)).Inc()
	if err != nil {
		return nil, fmt.Errorf("judgment from %s: %w", member.Address.Short(), err)
	}
	return vote, nil
}

func (c *JudgmentClient) request(ctx context.Context, member data.ValidatorInfo, req consensus.JudgmentRequest) (*data.ValidatorVote, error) {
	if member.PeerID == "" {
		return nil, fmt.Errorf("no peer id: %w", data.ErrNotFound)
	}
	pid, err := libp2pPeer.Decode(member.PeerID)
	if err != nil {
		return nil, data.NewValidationError("peer_id", err, "decoding %q", member.PeerID)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	stream, err := c.host.host.NewStream(ctx, pid, JudgmentProtocol)
	if err != nil {
		return nil, fmt.Errorf("opening stream: %w", err)
	}
	defer stream.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := stream.SetDeadline(deadline); err != nil {
			stream.Reset()
			return nil, fmt.Errorf("setting deadline: %w", err)
		}
	}

	if err := json.NewEncoder(stream).Encode(req); err != nil {
		stream.Reset()
		return nil, fmt.Errorf("sending request: %w", err)
	}
	if err := stream.CloseWrite(); err != nil {
		stream.Reset()
		return nil, fmt.Errorf("closing write side: %w", err)
	}

	var resp judgmentResponse
	if err := json.NewDecoder(io.LimitReader(stream, maxMessageSize)).Decode(&resp); err != nil {
		stream.Reset()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.Error != "" {
		return nil, errors.New("remote judge: " + resp.Error)
	}
	if resp.Vote == nil {
		return nil, errors.New("empty response")
	}
	return resp.Vote, nil
}
