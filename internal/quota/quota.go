package quota

import (
	"fmt"
	"sync"
	"time"

	"github.com/citebase/citebase/internal/fault"
	"github.com/citebase/citebase/internal/storage"
)

// Kind names a governed resource.
type Kind string

const (
	Documents Kind = "documents"
	Storage   Kind = "storage"
	Queries   Kind = "queries"
	Tokens    Kind = "tokens"
)

// Limits is the per-tenant quota configuration.
type Limits struct {
	MaxDocuments    int
	MaxStorageBytes int64
	DailyQueries    int
	DailyTokens     int
}

// StateStore persists quota counters between restarts.
type StateStore interface {
	GetQuotaState(tenantID string) (storage.QuotaState, error)
	SaveQuotaState(q storage.QuotaState) error
}

// LimitSource resolves per-tenant limit overrides. Missing tenants fall
// back to the governor's defaults.
type LimitSource interface {
	GetTenant(id string) (storage.Tenant, error)
}

// Governor enforces document, storage, and daily query/token quotas.
// Operations are atomic per tenant; daily counters reset on the first
// operation of a new day key.
type Governor struct {
	store    StateStore
	tenants  LimitSource
	defaults Limits

	mu     sync.Mutex
	locked map[string]*tenantQuota
}

type tenantQuota struct {
	mu     sync.Mutex
	loaded bool
	state  storage.QuotaState
}

// New creates a Governor with default limits.
func New(store StateStore, tenants LimitSource, defaults Limits) *Governor {
	return &Governor{store: store, tenants: tenants, defaults: defaults, locked: make(map[string]*tenantQuota)}
}

func (g *Governor) tenant(tenantID string) *tenantQuota {
	g.mu.Lock()
	defer g.mu.Unlock()
	tq, ok := g.locked[tenantID]
	if !ok {
		tq = &tenantQuota{}
		g.locked[tenantID] = tq
	}
	return tq
}

func dayKey(now time.Time) string {
	return now.UTC().Format("2006-01-02")
}

// TryConsume atomically checks and consumes amount of the given kind.
// Denials report the limit and, for daily kinds, when the window resets.
func (g *Governor) TryConsume(tenantID string, kind Kind, amount int64) error {
	return g.withState(tenantID, func(state *storage.QuotaState, limits Limits) error {
		switch kind {
		case Documents:
			if state.DocumentsUsed+int(amount) > limits.MaxDocuments {
				return fault.New(fault.KindQuotaExceeded,
					"document limit reached (%d of %d)", state.DocumentsUsed, limits.MaxDocuments)
			}
			state.DocumentsUsed += int(amount)
		case Storage:
			if state.StorageUsedBytes+amount > limits.MaxStorageBytes {
				return fault.New(fault.KindQuotaExceeded,
					"storage limit reached (%d of %d bytes)", state.StorageUsedBytes, limits.MaxStorageBytes)
			}
			state.StorageUsedBytes += amount
		case Queries:
			if state.QueriesToday+int(amount) > limits.DailyQueries {
				return fault.Retryable(fault.KindQuotaExceeded, untilTomorrow(),
					"daily query limit reached (%d)", limits.DailyQueries)
			}
			state.QueriesToday += int(amount)
		case Tokens:
			if state.TokensToday+int(amount) > limits.DailyTokens {
				return fault.Retryable(fault.KindQuotaExceeded, untilTomorrow(),
					"daily token limit reached (%d)", limits.DailyTokens)
			}
			state.TokensToday += int(amount)
		default:
			return fmt.Errorf("unknown quota kind %q", kind)
		}
		return nil
	})
}

// Release returns previously consumed amounts, for rollback paths such as
// a failed ingest freeing its document and storage reservations.
func (g *Governor) Release(tenantID string, kind Kind, amount int64) error {
	return g.withState(tenantID, func(state *storage.QuotaState, _ Limits) error {
		switch kind {
		case Documents:
			state.DocumentsUsed -= int(amount)
			if state.DocumentsUsed < 0 {
				state.DocumentsUsed = 0
			}
		case Storage:
			state.StorageUsedBytes -= amount
			if state.StorageUsedBytes < 0 {
				state.StorageUsedBytes = 0
			}
		case Queries:
			state.QueriesToday -= int(amount)
			if state.QueriesToday < 0 {
				state.QueriesToday = 0
			}
		case Tokens:
			state.TokensToday -= int(amount)
			if state.TokensToday < 0 {
				state.TokensToday = 0
			}
		default:
			return fmt.Errorf("unknown quota kind %q", kind)
		}
		return nil
	})
}

// AddTokens records token usage without enforcement. Reconciliation after
// an LLM call uses this so the spend is counted even when it overshoots
// the remaining budget.
func (g *Governor) AddTokens(tenantID string, amount int) error {
	return g.withState(tenantID, func(state *storage.QuotaState, _ Limits) error {
		state.TokensToday += amount
		return nil
	})
}

// State returns a copy of the tenant's current counters.
func (g *Governor) State(tenantID string) (storage.QuotaState, error) {
	var out storage.QuotaState
	err := g.withState(tenantID, func(state *storage.QuotaState, _ Limits) error {
		out = *state
		return nil
	})
	return out, err
}

func (g *Governor) withState(tenantID string, fn func(state *storage.QuotaState, limits Limits) error) error {
	tq := g.tenant(tenantID)
	tq.mu.Lock()
	defer tq.mu.Unlock()

	if !tq.loaded {
		state, err := g.store.GetQuotaState(tenantID)
		if err != nil {
			return fmt.Errorf("loading quota state: %w", err)
		}
		tq.state = state
		tq.state.TenantID = tenantID
		tq.loaded = true
	}

	// Day rollover: reset daily counters exactly once per new day key.
	today := dayKey(time.Now())
	if tq.state.DayKey != today {
		tq.state.DayKey = today
		tq.state.QueriesToday = 0
		tq.state.TokensToday = 0
	}

	limits := g.limitsFor(tenantID)

	before := tq.state
	if err := fn(&tq.state, limits); err != nil {
		tq.state = before
		return err
	}

	if err := g.store.SaveQuotaState(tq.state); err != nil {
		tq.state = before
		return fmt.Errorf("saving quota state: %w", err)
	}
	return nil
}

func (g *Governor) limitsFor(tenantID string) Limits {
	limits := g.defaults
	if g.tenants == nil {
		return limits
	}
	t, err := g.tenants.GetTenant(tenantID)
	if err != nil {
		return limits
	}
	if t.MaxDocuments > 0 {
		limits.MaxDocuments = t.MaxDocuments
	}
	if t.MaxStorageBytes > 0 {
		limits.MaxStorageBytes = t.MaxStorageBytes
	}
	if t.DailyQueries > 0 {
		limits.DailyQueries = t.DailyQueries
	}
	if t.DailyTokens > 0 {
		limits.DailyTokens = t.DailyTokens
	}
	return limits
}

func untilTomorrow() time.Duration {
	now := time.Now().UTC()
	midnight := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
	return midnight.Sub(now)
}
