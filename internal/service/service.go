// Package service is the public surface of the vault mirror: vault
// lifecycle, operation application, queries, reconciliation passes, and
// alert/reconciliation lifecycle transitions.
package service

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/goquant/vaultmirror/internal/applier"
	"github.com/goquant/vaultmirror/internal/cache"
	"github.com/goquant/vaultmirror/internal/domain"
	"github.com/goquant/vaultmirror/internal/events"
	"github.com/goquant/vaultmirror/internal/reconcile"
	"github.com/goquant/vaultmirror/internal/storage/ledger"
)

// Re-exported sentinels so transport callers need only this package.
var (
	ErrNotFound          = ledger.ErrNotFound
	ErrAlreadyExists     = ledger.ErrAlreadyExists
	ErrInvalidTransition = ledger.ErrInvalidTransition
)

// Service wires the core components behind one API.
type Service struct {
	store      *ledger.Store
	applier    *applier.Applier
	reconciler *reconcile.Reconciler
	cache      *cache.Cache
	bus        *events.Broadcaster

	// allowCriticalAutoResolve permits active -> resolved for critical
	// alerts without passing through acknowledged. Off by default.
	allowCriticalAutoResolve bool

	l *zap.Logger
}

// New creates the service facade.
func New(store *ledger.Store, app *applier.Applier, rec *reconcile.Reconciler,
	c *cache.Cache, bus *events.Broadcaster, allowCriticalAutoResolve bool, logger *zap.Logger) *Service {
	return &Service{
		store:                    store,
		applier:                  app,
		reconciler:               rec,
		cache:                    c,
		bus:                      bus,
		allowCriticalAutoResolve: allowCriticalAutoResolve,
		l:                        logger,
	}
}

// InitializeVault creates the mirror row for a freshly initialized on-chain
// vault. Key, owner and token account are immutable afterwards.
func (s *Service) InitializeVault(ctx context.Context, vaultKey, ownerKey, tokenAccount string) (domain.Vault, error) {
	vault := domain.NewVault(vaultKey, ownerKey, tokenAccount)
	if err := s.store.CreateVault(ctx, vault); err != nil {
		return domain.Vault{}, err
	}

	payload, _ := json.Marshal(map[string]string{
		"owner":         ownerKey,
		"token_account": tokenAccount,
	})
	if _, err := s.store.AppendAudit(ctx, domain.AuditEntry{
		EventType: domain.AuditVaultCreated,
		VaultKey:  vaultKey,
		ActorKey:  ownerKey,
		EventData: string(payload),
	}); err != nil {
		s.l.Error("failed to audit vault creation", zap.Error(err))
	}

	if s.cache != nil {
		s.cache.SetVault(vault)
	}

	s.l.Info("vault initialized",
		zap.String("vault", vaultKey), zap.String("owner", ownerKey))
	return vault, nil
}

// Apply applies one balance-affecting operation.
func (s *Service) Apply(ctx context.Context, op domain.Operation) (domain.Vault, error) {
	return s.applier.Apply(ctx, op)
}

// GetBalance returns the current vault view, served from cache when fresh.
func (s *Service) GetBalance(ctx context.Context, vaultKey string) (domain.Vault, error) {
	if s.cache != nil {
		if v, ok := s.cache.GetVault(vaultKey); ok {
			return v, nil
		}
	}
	v, err := s.store.GetVault(ctx, vaultKey)
	if err != nil {
		return domain.Vault{}, err
	}
	if s.cache != nil {
		s.cache.SetVault(v)
	}
	return v, nil
}

// GetVaultByOwner resolves the vault owned by ownerKey.
func (s *Service) GetVaultByOwner(ctx context.Context, ownerKey string) (domain.Vault, error) {
	if s.cache != nil {
		if key, ok := s.cache.VaultKeyByOwner(ownerKey); ok {
			return s.GetBalance(ctx, key)
		}
	}
	v, err := s.store.GetVaultByOwner(ctx, ownerKey)
	if err != nil {
		return domain.Vault{}, err
	}
	if s.cache != nil {
		s.cache.SetVault(v)
	}
	return v, nil
}

// VaultPage is one page of vault views.
type VaultPage struct {
	Items   []domain.Vault `json:"items"`
	Total   int64          `json:"total"`
	Limit   int64          `json:"limit"`
	Offset  int64          `json:"offset"`
	HasMore bool           `json:"has_more"`
}

// ListVaults returns a page of vaults in creation order.
func (s *Service) ListVaults(ctx context.Context, limit, offset int64) (VaultPage, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	items, total, err := s.store.ListVaults(ctx, limit, offset)
	if err != nil {
		return VaultPage{}, err
	}
	return VaultPage{
		Items:   items,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
		HasMore: offset+int64(len(items)) < total,
	}, nil
}

// GetTvl returns aggregate balance statistics, cached for a short TTL.
func (s *Service) GetTvl(ctx context.Context) (domain.TvlStats, error) {
	if s.cache != nil {
		if stats, ok := s.cache.GetTvl(); ok {
			return stats, nil
		}
	}
	stats, err := s.store.TvlStats(ctx)
	if err != nil {
		return domain.TvlStats{}, err
	}
	if s.cache != nil {
		s.cache.SetTvl(stats)
	}
	return stats, nil
}

// TransactionHistory lists recent transactions, optionally for one vault.
func (s *Service) TransactionHistory(ctx context.Context, vaultKey string, limit int64) ([]domain.TransactionRecord, error) {
	return s.store.TransactionHistory(ctx, vaultKey, limit)
}

// AuditTrail lists audit entries in append order.
func (s *Service) AuditTrail(ctx context.Context, vaultKey string, limit int64) ([]domain.AuditEntry, error) {
	return s.store.AuditTrail(ctx, vaultKey, limit)
}

// RunReconciliationPass runs one reconciliation pass now, independent of the
// scheduler interval. Idempotent per invocation.
func (s *Service) RunReconciliationPass(ctx context.Context) (reconcile.PassSummary, error) {
	return s.reconciler.RunPass(ctx)
}

// AcknowledgeAlert moves an alert from active to acknowledged.
func (s *Service) AcknowledgeAlert(ctx context.Context, id int64) (domain.Alert, error) {
	return s.store.AcknowledgeAlert(ctx, id)
}

// ResolveAlert resolves an acknowledged alert. When critical auto-resolve is
// configured, critical alerts may resolve straight from active.
func (s *Service) ResolveAlert(ctx context.Context, id int64, notes string) (domain.Alert, error) {
	alert, err := s.store.GetAlert(ctx, id)
	if err != nil {
		return domain.Alert{}, err
	}
	allowSkip := s.allowCriticalAutoResolve && alert.Severity == domain.SeverityCritical
	return s.store.ResolveAlert(ctx, id, notes, allowSkip)
}

// ListAlerts lists alerts, optionally filtered by status.
func (s *Service) ListAlerts(ctx context.Context, status domain.AlertStatus, limit int64) ([]domain.Alert, error) {
	return s.store.ListAlerts(ctx, status, limit)
}

// InvestigateReconciliation moves a reconciliation log to investigating.
func (s *Service) InvestigateReconciliation(ctx context.Context, id int64, notes string) (domain.ReconciliationLog, error) {
	return s.store.TransitionReconciliation(ctx, id, domain.ReconciliationInvestigating, notes)
}

// ResolveReconciliation closes a reconciliation log. The engine never calls
// this itself; a corrective operation plus an operator decision does.
func (s *Service) ResolveReconciliation(ctx context.Context, id int64, notes string) (domain.ReconciliationLog, error) {
	if notes == "" {
		return domain.ReconciliationLog{}, errors.Wrap(ErrInvalidTransition,
			"resolution notes are required")
	}
	return s.store.TransitionReconciliation(ctx, id, domain.ReconciliationResolved, notes)
}

// OpenReconciliations lists unresolved reconciliation logs.
func (s *Service) OpenReconciliations(ctx context.Context, limit int64) ([]domain.ReconciliationLog, error) {
	return s.store.OpenReconciliations(ctx, limit)
}

// Subscribe registers a push subscriber, optionally scoped to one vault.
func (s *Service) Subscribe(vaultKey string) *events.Subscription {
	return s.bus.Subscribe(vaultKey)
}

// Unsubscribe removes a subscription and closes its channel.
func (s *Service) Unsubscribe(sub *events.Subscription) {
	s.bus.Unsubscribe(sub)
}
