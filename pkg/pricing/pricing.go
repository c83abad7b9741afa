// Package pricing computes the credit cost of billable operations from a
// compiled-in default table overlaid with persisted overrides.
package pricing

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/atelier/pkg/ledger"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// OperationKind names a priced operation.
type OperationKind string

const (
	OperationGeneration  OperationKind = "generation"
	OperationImprovement OperationKind = "improvement"
	OperationDownload    OperationKind = "download"
)

// Edit names an optional per-edit add-on.
type Edit string

const (
	EditBackgroundRemoval Edit = "background_removal"
	EditBackgroundChange  Edit = "background_change"
	EditLogoInsertion     Edit = "logo_insertion"
)

const (
	editSlugPrefix     = "edit."
	overridesCacheKey  = "overrides"
	defaultCacheTTL    = time.Minute
	defaultEditCredits = ledger.Credits(1)
)

var defaultBaseCredits = map[OperationKind]ledger.Credits{
	OperationGeneration:  2,
	OperationImprovement: 1,
	OperationDownload:    0,
}

// OperationSpec describes what is being priced.
type OperationSpec struct {
	Kind  OperationKind
	Edits []Edit
}

// CostBreakdown is the resolved price.
type CostBreakdown struct {
	Base  ledger.Credits
	Edits map[Edit]ledger.Credits
	Total ledger.Credits
}

// Override is a persisted price row keyed by action slug.
type Override struct {
	ActionSlug string
	Credits    int64
	Active     bool
}

// OverrideStore loads persisted overrides.
type OverrideStore interface {
	ListOverrides(ctx context.Context) ([]Override, error)
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithCacheTTL sets how long loaded overrides are reused.
func WithCacheTTL(ttl time.Duration) Option {
	return func(resolver *Resolver) {
		if ttl > 0 {
			resolver.ttl = ttl
		}
	}
}

// Resolver prices operations. It never fails: store errors fall back to defaults.
type Resolver struct {
	store  OverrideStore
	logger *zap.Logger
	cache  *cache.Cache
	ttl    time.Duration
}

// NewResolver builds a Resolver. A nil store prices from defaults only.
func NewResolver(store OverrideStore, logger *zap.Logger, options ...Option) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	resolver := &Resolver{store: store, logger: logger, ttl: defaultCacheTTL}
	for _, option := range options {
		if option != nil {
			option(resolver)
		}
	}
	resolver.cache = cache.New(resolver.ttl, 2*resolver.ttl)
	return resolver
}

// EditSlug returns the override slug of an edit add-on.
func EditSlug(edit Edit) string {
	return editSlugPrefix + string(edit)
}

// Resolve prices spec for accountID. Duplicate edits are charged once.
func (resolver *Resolver) Resolve(ctx context.Context, accountID ledger.AccountID, spec OperationSpec) CostBreakdown {
	overrides := resolver.activeOverrides(ctx)

	base, known := defaultBaseCredits[spec.Kind]
	if !known {
		resolver.logger.Warn("pricing unknown operation kind",
			zap.String("account_id", accountID.String()),
			zap.String("kind", string(spec.Kind)),
		)
	}
	if value, ok := overrides[string(spec.Kind)]; ok {
		base = value
	}

	breakdown := CostBreakdown{Base: base, Edits: make(map[Edit]ledger.Credits, len(spec.Edits)), Total: base}
	for _, edit := range spec.Edits {
		if _, seen := breakdown.Edits[edit]; seen {
			continue
		}
		cost := defaultEditCredits
		if value, ok := overrides[EditSlug(edit)]; ok {
			cost = value
		}
		breakdown.Edits[edit] = cost
		breakdown.Total += cost
	}
	return breakdown
}

// Invalidate drops cached overrides so the next Resolve reloads them.
func (resolver *Resolver) Invalidate() {
	resolver.cache.Delete(overridesCacheKey)
}

func (resolver *Resolver) activeOverrides(ctx context.Context) map[string]ledger.Credits {
	if resolver.store == nil {
		return nil
	}
	if cached, found := resolver.cache.Get(overridesCacheKey); found {
		return cached.(map[string]ledger.Credits)
	}
	rows, err := resolver.store.ListOverrides(ctx)
	if err != nil {
		resolver.logger.Warn("pricing overrides unavailable, using defaults", zap.Error(err))
		return nil
	}
	active := make(map[string]ledger.Credits, len(rows))
	for _, row := range rows {
		slug := strings.TrimSpace(row.ActionSlug)
		if !row.Active || slug == "" || row.Credits < 0 {
			continue
		}
		active[slug] = ledger.Credits(row.Credits)
	}
	resolver.cache.Set(overridesCacheKey, active, cache.DefaultExpiration)
	return active
}

// SortedEdits returns the priced edits in a stable order.
func (breakdown CostBreakdown) SortedEdits() []Edit {
	edits := make([]Edit, 0, len(breakdown.Edits))
	for edit := range breakdown.Edits {
		edits = append(edits, edit)
	}
	sort.Slice(edits, func(left, right int) bool { return edits[left] < edits[right] })
	return edits
}

// ParseEdit validates a requested edit name.
func ParseEdit(raw string) (Edit, bool) {
	switch edit := Edit(strings.TrimSpace(raw)); edit {
	case EditBackgroundRemoval, EditBackgroundChange, EditLogoInsertion:
		return edit, true
	default:
		return "", false
	}
}
