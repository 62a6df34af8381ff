// Package payments implements the paid tool call lifecycle: building payment
// requirements from tool pricing, verifying presented payments, claiming
// signatures against replay, and settling after the upstream call succeeds.
package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/ToolGate/gateway/internal/accounts"
	"github.com/ToolGate/gateway/internal/facilitator"
	"github.com/ToolGate/gateway/internal/metrics"
	"github.com/ToolGate/gateway/internal/registry"
	"github.com/ToolGate/gateway/internal/signing"
	"github.com/ToolGate/gateway/internal/storage"
	"github.com/ToolGate/gateway/internal/x402"
	"github.com/google/uuid"
)

// Rejection reasons beyond the protocol-level ones in x402.
const (
	ReasonMalformedHeader        = "malformed_header"
	ReasonUnsupportedScheme      = "unsupported_scheme"
	ReasonVerificationFailed     = "verification_failed"
	ReasonSettlementFailed       = "settlement_failed"
	ReasonFacilitatorUnavailable = "facilitator_unavailable"
)

// Facilitator is the slice of the facilitator client the service uses.
type Facilitator interface {
	Verify(ctx context.Context, payload x402.PaymentPayload, reqs x402.PaymentRequirements) (facilitator.VerifyResponse, error)
	Settle(ctx context.Context, payload x402.PaymentPayload, reqs x402.PaymentRequirements) (x402.SettlementResponse, error)
}

// Signer produces a payment header for callers that did not attach one.
type Signer interface {
	Sign(ctx context.Context, req *signing.Request) (string, error)
}

// Config holds the service's tunable parameters.
type Config struct {
	// PublicBase is the externally visible base URL used in resource URLs.
	PublicBase string

	// PreferredNetwork is advertised first in payment requirements.
	PreferredNetwork string

	// MaxTimeoutSeconds is the authorization validity window.
	MaxTimeoutSeconds int
}

// Service drives the payment state machine for monetized tool calls.
type Service struct {
	store    storage.Store
	fac      Facilitator
	registry registry.Repository
	signer   Signer
	metrics  *metrics.Metrics
	cfg      Config
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithSigner enables the auto-sign path for authenticated callers.
func WithSigner(signer Signer) Option {
	return func(s *Service) { s.signer = signer }
}

// WithMetrics attaches the metrics collector.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates the payments service.
func NewService(store storage.Store, fac Facilitator, reg registry.Repository, cfg Config, opts ...Option) *Service {
	if cfg.MaxTimeoutSeconds <= 0 {
		cfg.MaxTimeoutSeconds = DefaultMaxTimeoutSeconds
	}
	s := &Service{
		store:    store,
		fac:      fac,
		registry: reg,
		cfg:      cfg,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Requirements builds the payment options for a tool. Empty means free.
func (s *Service) Requirements(tool registry.Tool, server registry.Server) []x402.PaymentRequirements {
	return BuildRequirements(tool, server, s.cfg.PublicBase, s.cfg.PreferredNetwork, s.cfg.MaxTimeoutSeconds)
}

// HandlePaidCall runs the pre-forward half of the payment state machine:
// challenge, decode, local checks, facilitator verify, and the atomic
// signature claim. On Proceed the caller forwards the tool call upstream and
// then calls Settle with the returned record ID.
func (s *Service) HandlePaidCall(ctx context.Context, server registry.Server, tool registry.Tool, header string, identity *accounts.Identity) Outcome {
	log := zerolog.Ctx(ctx)

	accepts := s.Requirements(tool, server)
	if len(accepts) == 0 {
		// Free tool, nothing to verify or claim.
		return Proceed{}
	}

	if header == "" {
		signed, ok := s.autoSign(ctx, accepts, identity)
		if !ok {
			return PaymentRequired{Accepts: accepts}
		}
		header = signed
	}

	payload, err := x402.DecodePayment(header)
	if err != nil {
		log.Debug().Err(err).Str("tool", tool.Name).Msg("payment header rejected")
		s.metrics.ObservePaymentFailure(payload.Network, ReasonMalformedHeader)
		return PaymentRequired{Reason: ReasonMalformedHeader, Accepts: accepts}
	}

	if payload.Scheme != x402.SchemeExact || payload.X402Version != x402.Version {
		s.metrics.ObservePaymentFailure(payload.Network, ReasonUnsupportedScheme)
		return PaymentRequired{Reason: ReasonUnsupportedScheme, Accepts: accepts}
	}

	requirement, ok := matchRequirement(accepts, payload)
	if !ok {
		s.metrics.ObservePaymentFailure(payload.Network, x402.ReasonWrongNetwork)
		return PaymentRequired{Reason: x402.ReasonWrongNetwork, Accepts: accepts}
	}

	if reason, ok := s.precheck(payload, requirement); !ok {
		s.metrics.ObservePaymentFailure(payload.Network, reason)
		return PaymentRequired{Reason: reason, Accepts: accepts}
	}

	signature := payload.Payload.Signature

	// Re-presenting an already settled header is idempotent success with no
	// facilitator traffic.
	if existing, err := s.store.GetPaymentBySignature(ctx, signature); err == nil {
		return s.replayOutcome(ctx, existing, requirement)
	} else if !errors.Is(err, storage.ErrNotFound) {
		log.Error().Err(err).Msg("payment lookup failed")
		return Failed{Reason: "storage_error", Code: http.StatusInternalServerError}
	}

	verifyStart := s.now()
	verifyResp, err := s.fac.Verify(ctx, payload, requirement)
	s.metrics.ObserveFacilitatorCall("verify", time.Since(verifyStart), err)
	if err != nil {
		if errors.Is(err, facilitator.ErrUnavailable) {
			return Failed{Reason: ReasonFacilitatorUnavailable, Code: http.StatusServiceUnavailable}
		}
		log.Error().Err(err).Msg("facilitator verify failed")
		return Failed{Reason: ReasonVerificationFailed, Code: http.StatusBadGateway}
	}
	if !verifyResp.IsValid {
		reason := verifyResp.InvalidReason
		if reason == "" {
			reason = ReasonVerificationFailed
		}
		s.metrics.ObservePaymentFailure(payload.Network, reason)
		return PaymentRequired{Reason: reason, Accepts: accepts}
	}

	payer := verifyResp.Payer
	if payer == "" {
		payer = payload.Payload.Authorization.From
	}

	record := storage.PaymentRecord{
		ID:        "pay_" + uuid.NewString(),
		ServerID:  server.ID,
		ToolName:  tool.Name,
		Resource:  requirement.Resource,
		Signature: signature,
		Payer:     payer,
		PayTo:     requirement.PayTo,
		Asset:     requirement.Asset,
		Network:   payload.Network,
		Amount:    payload.Payload.Authorization.Value,
		Status:    storage.PaymentStatusPending,
		CreatedAt: s.now().UTC(),
	}
	if identity != nil {
		record.Metadata = map[string]string{"user_id": identity.UserID}
	}

	if err := s.store.InsertPending(ctx, record); err != nil {
		if errors.Is(err, storage.ErrDuplicateSignature) {
			// Lost the claim race: defer to whatever the winner did.
			winner, getErr := s.store.GetPaymentBySignature(ctx, signature)
			if getErr != nil {
				return Failed{Reason: "storage_error", Code: http.StatusInternalServerError}
			}
			return s.replayOutcome(ctx, winner, requirement)
		}
		log.Error().Err(err).Msg("payment claim failed")
		return Failed{Reason: "storage_error", Code: http.StatusInternalServerError}
	}

	log.Info().
		Str("payment_id", record.ID).
		Str("tool", tool.Name).
		Str("network", record.Network).
		Str("amount", record.Amount).
		Msg("payment verified and claimed")

	return Proceed{RecordID: record.ID, Payload: payload, Requirements: requirement}
}

// Settle finalizes a claimed payment after the upstream call succeeded. The
// caller runs it in a cancellation-protected scope; a settled payment must be
// recorded even when the client has gone away.
func (s *Service) Settle(ctx context.Context, recordID string, payload x402.PaymentPayload, requirement x402.PaymentRequirements) (x402.SettlementResponse, error) {
	log := zerolog.Ctx(ctx)

	settleStart := s.now()
	settlement, err := s.fac.Settle(ctx, payload, requirement)
	duration := time.Since(settleStart)
	s.metrics.ObserveFacilitatorCall("settle", duration, err)

	if err != nil {
		reason := ReasonFacilitatorUnavailable
		if !errors.Is(err, facilitator.ErrUnavailable) {
			reason = ReasonSettlementFailed
		}
		s.failPayment(ctx, recordID, payload.Network, reason)
		return x402.SettlementResponse{}, fmt.Errorf("settle payment %s: %w", recordID, err)
	}
	if !settlement.Success {
		reason := settlement.ErrorReason
		if reason == "" {
			reason = ReasonSettlementFailed
		}
		s.failPayment(ctx, recordID, payload.Network, reason)
		return settlement, fmt.Errorf("settle payment %s: facilitator rejected: %s", recordID, reason)
	}

	settledAt := s.now().UTC()
	if err := s.store.MarkCompleted(ctx, recordID, settlement.Transaction, settledAt); err != nil {
		// The settlement happened on-chain; losing the record update is
		// logged, never surfaced as a payment failure.
		log.Error().Err(err).Str("payment_id", recordID).Msg("mark completed failed")
	}

	amount, _ := strconv.ParseFloat(payload.Payload.Authorization.Value, 64)
	s.metrics.ObservePayment(payload.Network, requirement.Asset, true, amount, duration)
	s.metrics.ObserveSettlement(payload.Network, duration)

	s.recordProof(ctx, recordID, payload, settlement)
	s.notify(ctx, recordID, storage.EventPaymentCompleted, settlement)

	log.Info().
		Str("payment_id", recordID).
		Str("transaction", settlement.Transaction).
		Str("network", settlement.Network).
		Msg("payment settled")

	return settlement, nil
}

// autoSign produces a payment header for the caller's managed wallet. A
// failure here is never fatal: the caller just gets the 402 challenge.
func (s *Service) autoSign(ctx context.Context, accepts []x402.PaymentRequirements, identity *accounts.Identity) (string, bool) {
	if s.signer == nil || identity == nil {
		return "", false
	}
	header, err := s.signer.Sign(ctx, &signing.Request{Identity: identity, Requirements: accepts[0]})
	if err != nil {
		if !errors.Is(err, signing.ErrNoStrategy) {
			zerolog.Ctx(ctx).Warn().Err(err).Str("user_id", identity.UserID).Msg("auto-sign failed")
		}
		return "", false
	}
	return header, true
}

// precheck rejects payments locally before spending a facilitator call.
func (s *Service) precheck(payload x402.PaymentPayload, requirement x402.PaymentRequirements) (string, bool) {
	value, ok := new(big.Int).SetString(payload.Payload.Authorization.Value, 10)
	if !ok {
		return ReasonMalformedHeader, false
	}
	required, ok := new(big.Int).SetString(requirement.MaxAmountRequired, 10)
	if !ok {
		return ReasonMalformedHeader, false
	}
	if value.Cmp(required) < 0 {
		return x402.ReasonUnderpayment, false
	}

	validBefore, err := strconv.ParseInt(payload.Payload.Authorization.ValidBefore, 10, 64)
	if err != nil {
		return ReasonMalformedHeader, false
	}
	// No grace: the window must still be open at verify time.
	if validBefore <= s.now().Unix() {
		return x402.ReasonExpired, false
	}

	validAfter, err := strconv.ParseInt(payload.Payload.Authorization.ValidAfter, 10, 64)
	if err != nil {
		return ReasonMalformedHeader, false
	}
	if validAfter > s.now().Unix() {
		return x402.ReasonExpired, false
	}
	return "", true
}

// replayOutcome maps an existing record for a re-presented signature.
func (s *Service) replayOutcome(ctx context.Context, record storage.PaymentRecord, requirement x402.PaymentRequirements) Outcome {
	switch record.Status {
	case storage.PaymentStatusCompleted:
		settlement := x402.SettlementResponse{
			Success:     true,
			Payer:       record.Payer,
			Transaction: record.TransactionHash,
			Network:     record.Network,
		}
		if proof, err := s.store.GetProofBySignature(ctx, record.Signature); err == nil {
			var stored x402.SettlementResponse
			if json.Unmarshal(proof.Response, &stored) == nil && stored.Transaction != "" {
				settlement = stored
			}
		}
		return Settled{RecordID: record.ID, Settlement: settlement}
	case storage.PaymentStatusPending:
		return Failed{Reason: x402.ReasonReplay, Code: http.StatusConflict}
	default:
		return Failed{Reason: x402.ReasonReplay, Code: http.StatusPaymentRequired}
	}
}

func (s *Service) failPayment(ctx context.Context, recordID, network, reason string) {
	if err := s.store.MarkFailed(ctx, recordID, reason); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("payment_id", recordID).Msg("mark failed failed")
	}
	s.metrics.ObservePaymentFailure(network, reason)
	s.notify(ctx, recordID, storage.EventPaymentFailed, x402.SettlementResponse{Success: false, ErrorReason: reason, Network: network})
}

func (s *Service) recordProof(ctx context.Context, recordID string, payload x402.PaymentPayload, settlement x402.SettlementResponse) {
	raw, err := json.Marshal(settlement)
	if err != nil {
		return
	}
	proof := storage.SettlementProof{
		Signature:   payload.Payload.Signature,
		PaymentID:   recordID,
		Transaction: settlement.Transaction,
		Network:     settlement.Network,
		Payer:       settlement.Payer,
		Response:    raw,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.store.RecordProof(ctx, proof); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("payment_id", recordID).Msg("record proof failed")
	}
}

// notify enqueues a webhook for the server that owns the payment, when it has
// a webhook URL configured.
func (s *Service) notify(ctx context.Context, recordID, eventType string, settlement x402.SettlementResponse) {
	if s.registry == nil {
		return
	}
	record, err := s.store.GetPayment(ctx, recordID)
	if err != nil {
		return
	}
	server, err := s.registry.GetServer(ctx, record.ServerID)
	if err != nil || server.WebhookURL == "" {
		return
	}

	payload, err := json.Marshal(map[string]interface{}{
		"event":           eventType,
		"paymentId":       record.ID,
		"serverId":        record.ServerID,
		"tool":            record.ToolName,
		"network":         record.Network,
		"asset":           record.Asset,
		"amount":          record.Amount,
		"payer":           record.Payer,
		"transactionHash": settlement.Transaction,
		"errorReason":     settlement.ErrorReason,
		"timestamp":       s.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}

	webhook := storage.PendingWebhook{
		URL:       server.WebhookURL,
		Payload:   payload,
		EventType: eventType,
	}
	if _, err := s.store.EnqueueWebhook(ctx, webhook); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("payment_id", recordID).Msg("enqueue webhook failed")
	}
}

// matchRequirement finds the advertised option the payload pays against.
func matchRequirement(accepts []x402.PaymentRequirements, payload x402.PaymentPayload) (x402.PaymentRequirements, bool) {
	for _, req := range accepts {
		if req.Network == payload.Network {
			return req, true
		}
	}
	return x402.PaymentRequirements{}, false
}
