// Package validator verifies LAPI bearer tokens against CAPI and caches
// the outcome in a two-tier cache: an in-memory LRU in front of the
// persistent validated_clients table.
package validator

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/crowdsieve/crowdsieve/internal/capi"
	"github.com/crowdsieve/crowdsieve/internal/config"
	"github.com/crowdsieve/crowdsieve/internal/metrics"
	"github.com/crowdsieve/crowdsieve/internal/storage"
)

type outcome int

const (
	outcomeValid outcome = iota
	outcomeError
)

type memEntry struct {
	outcome   outcome
	expiresAt time.Time
}

// Validator implements the lookup order memory → persistent → upstream.
type Validator struct {
	cfg   config.ClientValidationConfig
	store storage.Store
	capi  *capi.Client
	mem   *lru.Cache[string, memEntry]
	log   *zap.Logger

	now func() time.Time // overridable in tests
}

// New builds a validator with an LRU of cfg.MaxMemoryEntries.
func New(cfg config.ClientValidationConfig, store storage.Store, capiClient *capi.Client, log *zap.Logger) (*Validator, error) {
	size := cfg.MaxMemoryEntries
	if size <= 0 {
		size = 1000
	}
	mem, err := lru.New[string, memEntry](size)
	if err != nil {
		return nil, err
	}
	return &Validator{
		cfg:   cfg,
		store: store,
		capi:  capiClient,
		mem:   mem,
		log:   log,
		now:   time.Now,
	}, nil
}

// HashToken returns the SHA-256 hex digest used as the cache key.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Validate reports whether the request carrying this bearer token should
// be admitted.
func (v *Validator) Validate(ctx context.Context, token string) bool {
	hash := HashToken(token)
	now := v.now()

	if entry, ok := v.mem.Get(hash); ok && now.Before(entry.expiresAt) {
		metrics.ValidatorLookups.WithLabelValues("memory").Inc()
		switch entry.outcome {
		case outcomeValid:
			return true
		case outcomeError:
			return v.failPolicy("cached upstream error")
		}
	}

	vc, err := v.store.GetValidatedClient(ctx, hash)
	switch {
	case err == nil && now.Before(vc.ExpiresAt):
		metrics.ValidatorLookups.WithLabelValues("persistent").Inc()
		if err := v.store.TouchValidatedClient(ctx, hash, now); err != nil {
			v.log.Warn("failed to refresh validated client", zap.Error(err))
		}
		v.mem.Add(hash, memEntry{outcome: outcomeValid, expiresAt: vc.ExpiresAt})
		return true
	case err != nil && !errors.Is(err, storage.ErrNotFound):
		v.log.Warn("validated client lookup failed", zap.Error(err))
	}

	metrics.ValidatorLookups.WithLabelValues("upstream").Inc()
	result, err := v.capi.ValidateToken(ctx, token, v.cfg.ValidationTimeout())
	switch result {
	case capi.ValidationAccepted:
		expires := now.Add(v.cfg.CacheTTL())
		v.mem.Add(hash, memEntry{outcome: outcomeValid, expiresAt: expires})
		record := &storage.ValidatedClient{
			TokenHash:      hash,
			MachineID:      sql.NullString{},
			ValidatedAt:    now,
			ExpiresAt:      expires,
			LastAccessedAt: now,
			AccessCount:    1,
		}
		if err := v.store.UpsertValidatedClient(ctx, record); err != nil {
			v.log.Warn("failed to persist validated client", zap.Error(err))
		}
		return true

	case capi.ValidationRejected:
		// Explicit refusal is never cached.
		return false

	default:
		v.mem.Add(hash, memEntry{outcome: outcomeError, expiresAt: now.Add(v.cfg.ErrorTTL())})
		if err != nil {
			v.log.Warn("upstream validation failed", zap.Error(err))
		}
		return v.failPolicy("upstream unreachable")
	}
}

func (v *Validator) failPolicy(reason string) bool {
	if v.cfg.FailClosed {
		v.log.Warn("denying request (fail_closed)", zap.String("reason", reason))
		return false
	}
	v.log.Warn("admitting unvalidated request (fail open)", zap.String("reason", reason))
	return true
}
