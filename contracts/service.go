package contracts

import (
	"context"
	"fmt"

	"github.com/nsvirk/ibstreamapi/shared/zaplogger"
	"github.com/nsvirk/ibstreamapi/upstream"
)

// Service hydrates contracts through the lookup service, falling back to
// the cache when the service is unreachable.
type Service struct {
	client *Client
	repo   *Repository
}

func NewService(client *Client, repo *Repository) *Service {
	return &Service{client: client, repo: repo}
}

// Hydrate resolves a (contract id, symbol) pair to a full contract record.
// A lookup failure aborts only this hydration, never the caller's loop.
func (s *Service) Hydrate(ctx context.Context, conID int64, symbol string) (upstream.Contract, error) {
	result, err := s.client.Lookup(ctx, symbol)
	if err != nil {
		zaplogger.Warn("contracts: lookup service failed, trying cache", zaplogger.Fields{"symbol": symbol, "error": err})
		return s.fromCache(conID)
	}

	entry, ok := result.FindByConID(conID)
	if !ok {
		return s.fromCache(conID)
	}

	if s.repo != nil && s.repo.Enabled() {
		if err := s.repo.Upsert(entry); err != nil {
			zaplogger.Warn("contracts: cache upsert failed", zaplogger.Fields{"con_id": conID, "error": err})
		}
	}
	return entry.ToContract(), nil
}

// RefreshCache re-hydrates every cached symbol. Run by the daily cron job.
func (s *Service) RefreshCache(ctx context.Context) (int, error) {
	if s.repo == nil || !s.repo.Enabled() {
		return 0, nil
	}
	symbols, err := s.repo.Symbols()
	if err != nil {
		return 0, err
	}
	refreshed := 0
	for _, symbol := range symbols {
		result, err := s.client.Lookup(ctx, symbol)
		if err != nil {
			zaplogger.Warn("contracts: refresh lookup failed", zaplogger.Fields{"symbol": symbol, "error": err})
			continue
		}
		for _, group := range result.ContractsByType {
			for i := range group.Contracts {
				if err := s.repo.Upsert(&group.Contracts[i]); err == nil {
					refreshed++
				}
			}
		}
	}
	return refreshed, nil
}

func (s *Service) fromCache(conID int64) (upstream.Contract, error) {
	if s.repo == nil || !s.repo.Enabled() {
		return upstream.Contract{}, fmt.Errorf("contract %d not resolvable and no cache configured", conID)
	}
	entry, err := s.repo.FindByConID(conID)
	if err != nil {
		return upstream.Contract{}, fmt.Errorf("contract %d not in cache: %w", conID, err)
	}
	zaplogger.Info("contracts: served from cache", zaplogger.Fields{"con_id": conID})
	return entry.ToContract(), nil
}
