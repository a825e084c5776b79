// Package sloghooks reports syncache events through log/slog.
package sloghooks

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/unkn0wn-root/syncache"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	SelfHealEvery uint64
	JoinEvery     uint64
	// Optional key redactor. Defaults to SHA-256 prefix.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	selfHealCtr atomic.Uint64
	joinCtr     atomic.Uint64
}

var _ syncache.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:8])
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) SelfHeal(storageKey, reason string) {
	if h.l == nil || !sample(h.opts.SelfHealEvery, &h.selfHealCtr) {
		return
	}
	h.l.Debug("syncache.self_heal",
		"key", h.redact(storageKey),
		"reason", reason)
}

func (h *Hooks) ProviderSetRejected(storageKey string) {
	if h.l == nil {
		return
	}
	h.l.Warn("syncache.provider_set_rejected",
		"key", h.redact(storageKey))
}

func (h *Hooks) InvalidateOutage(key string, bumpErr, delErr error) {
	if h.l == nil {
		return
	}
	h.l.Error("syncache.invalidate_outage",
		"key", h.redact(key),
		"bump_err", bumpErr,
		"del_err", delErr)
}

func (h *Hooks) SweepEvicted(ns string, n int) {
	if h.l == nil {
		return
	}
	h.l.Debug("syncache.sweep_evicted",
		"ns", ns,
		"evicted", n)
}

func (h *Hooks) FlightJoined(key string) {
	if h.l == nil || !sample(h.opts.JoinEvery, &h.joinCtr) {
		return
	}
	h.l.Debug("syncache.flight_joined",
		"key", h.redact(key))
}

func (h *Hooks) FlightSuperseded(key string) {
	if h.l == nil {
		return
	}
	h.l.Debug("syncache.flight_superseded",
		"key", h.redact(key))
}

func (h *Hooks) StaleResultDropped(key string) {
	if h.l == nil {
		return
	}
	h.l.Debug("syncache.stale_result_dropped",
		"key", h.redact(key))
}

func (h *Hooks) FetchRetry(key string, attempt int, delay time.Duration, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("syncache.fetch_retry",
		"key", h.redact(key),
		"attempt", attempt,
		"delay", delay,
		"err", err)
}

func (h *Hooks) FetchExhausted(key string, attempts int, err error) {
	if h.l == nil {
		return
	}
	h.l.Error("syncache.fetch_exhausted",
		"key", h.redact(key),
		"attempts", attempts,
		"err", err)
}

func (h *Hooks) MutationRejected(entityID string, attempt int, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("syncache.mutation_rejected",
		"entity", entityID,
		"attempt", attempt,
		"err", err)
}

func (h *Hooks) RollbackFired(entityID string) {
	if h.l == nil {
		return
	}
	h.l.Info("syncache.rollback_fired",
		"entity", entityID)
}

func (h *Hooks) Reconciled(entityID string, err error) {
	if h.l == nil {
		return
	}
	if err != nil {
		h.l.Warn("syncache.reconciled",
			"entity", entityID,
			"err", err)
		return
	}
	h.l.Debug("syncache.reconciled",
		"entity", entityID)
}
