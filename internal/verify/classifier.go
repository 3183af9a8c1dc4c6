// Package verify classifies redemption attempts into authenticity
// verdicts and keeps the append-only verification log.
package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/veriseal/internal/alerts"
	"github.com/example/veriseal/internal/codes"
	"github.com/example/veriseal/internal/store"
	"github.com/example/veriseal/pkg/audit"
)

// Verdict is the outcome of a verification attempt.
type Verdict string

const (
	VerdictGenuine             Verdict = "GENUINE"
	VerdictCodeAlreadyUsed     Verdict = "CODE_ALREADY_USED"
	VerdictInvalid             Verdict = "INVALID"
	VerdictUnregisteredProduct Verdict = "UNREGISTERED_PRODUCT"
	VerdictSuspiciousPattern   Verdict = "SUSPICIOUS_PATTERN"
)

// Context carries the optional redemption metadata submitted alongside
// a code.
type Context struct {
	At  time.Time
	Lat *float64
	Lon *float64
}

// Monitor records one sighting of a code value and reports whether the
// recent pattern around it looks suspicious. The redis-backed
// SuspicionMonitor is the production implementation.
type Monitor interface {
	Observe(ctx context.Context, value string, vc Context) (bool, error)
}

// Classifier turns submitted codes into verdicts. The single mutation it
// performs, marking a code used, is a store-level conditional update so
// two simultaneous redemptions of one physical code can never both win.
type Classifier struct {
	store   store.Store
	chain   *audit.ChainLogger
	monitor Monitor          // nil disables the overlay
	alerter alerts.Publisher // nil disables alerting
	logger  *slog.Logger
}

// NewClassifier wires a classifier. The log hash chain is seeded from
// the last persisted verification event so the chain survives restarts.
// The chain head lives in this instance: with several instances sharing
// one store, each instance chains its own appends, so VerifyChain holds
// per instance rather than over the interleaved seq order.
func NewClassifier(ctx context.Context, st store.Store, monitor Monitor, alerter alerts.Publisher, logger *slog.Logger) (*Classifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	seed, err := st.LastVerificationHash(ctx)
	if err != nil {
		return nil, fmt.Errorf("seed verification chain: %w", err)
	}
	return &Classifier{
		store:   st,
		chain:   audit.NewChainLoggerFrom(seed),
		monitor: monitor,
		alerter: alerter,
		logger:  logger,
	}, nil
}

// Classify normalizes the submitted string, determines the base verdict,
// applies the suspicious-pattern overlay and appends the attempt to the
// verification log. Store failures before the verdict is decided fail
// closed: no code is marked used and no verdict is returned.
func (c *Classifier) Classify(ctx context.Context, submitted string, vc Context) (Verdict, error) {
	value := codes.Normalize(submitted)
	if vc.At.IsZero() {
		vc.At = time.Now().UTC()
	}

	verdict, err := c.baseVerdict(ctx, value, vc)
	if err != nil {
		return "", err
	}

	verdict = c.overlay(ctx, value, vc, verdict)

	c.append(ctx, value, vc, verdict)

	if verdict == VerdictSuspiciousPattern && c.alerter != nil {
		alert := alerts.SuspiciousRedemption{
			CodeValue:  value,
			Lat:        vc.Lat,
			Lon:        vc.Lon,
			ObservedAt: vc.At,
		}
		if err := c.alerter.PublishSuspicious(ctx, alert); err != nil {
			c.logger.Warn("suspicious_alert_publish_failed", "code", value, "error", err)
		}
	}

	return verdict, nil
}

func (c *Classifier) baseVerdict(ctx context.Context, value string, vc Context) (Verdict, error) {
	if !codes.WellFormed(value) {
		return VerdictInvalid, nil
	}

	lookup, err := c.store.LookupCode(ctx, value)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return VerdictInvalid, nil
		}
		return "", err
	}

	if !lookup.BatchExists || !lookup.ProductExists || lookup.ProductWithdrawn {
		return VerdictUnregisteredProduct, nil
	}

	if lookup.Code.Used {
		return VerdictCodeAlreadyUsed, nil
	}

	won, err := c.store.MarkCodeUsed(ctx, value, vc.At, vc.Lat, vc.Lon)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return VerdictInvalid, nil
		}
		return "", err
	}
	if won {
		return VerdictGenuine, nil
	}
	return VerdictCodeAlreadyUsed, nil
}

// overlay may upgrade GENUINE or CODE_ALREADY_USED to
// SUSPICIOUS_PATTERN; it never downgrades, and overlay failures never
// change the base verdict.
func (c *Classifier) overlay(ctx context.Context, value string, vc Context, base Verdict) Verdict {
	if c.monitor == nil {
		return base
	}
	if base != VerdictGenuine && base != VerdictCodeAlreadyUsed {
		return base
	}

	suspicious, err := c.monitor.Observe(ctx, value, vc)
	if err != nil {
		c.logger.Warn("suspicion_monitor_failed", "code", value, "error", err)
		return base
	}
	if suspicious {
		return VerdictSuspiciousPattern
	}
	return base
}

// append records the attempt in the verification log. The mark-used
// mutation has already committed by the time we get here, so a log
// write failure is reported but does not retract the verdict.
func (c *Classifier) append(ctx context.Context, value string, vc Context, verdict Verdict) {
	entry := c.chain.Append(fmt.Sprintf("%s|%s", value, verdict))
	event := &store.VerificationEvent{
		ID:        uuid.NewString(),
		CodeValue: value,
		Verdict:   string(verdict),
		Lat:       vc.Lat,
		Lon:       vc.Lon,
		PrevHash:  entry.PreviousHash,
		Hash:      entry.Hash,
		CreatedAt: vc.At,
	}
	if err := c.store.AppendVerification(ctx, event); err != nil {
		c.logger.Error("verification_log_append_failed", "code", value, "verdict", verdict, "error", err)
	}
}
