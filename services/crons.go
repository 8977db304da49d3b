// Package services wires the scheduled jobs: the staleness monitor
// cadence, hourly storage stats, and the daily contract-cache refresh.
package services

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nsvirk/ibstreamapi/background"
	"github.com/nsvirk/ibstreamapi/config"
	"github.com/nsvirk/ibstreamapi/contracts"
	"github.com/nsvirk/ibstreamapi/shared/logger"
	"github.com/nsvirk/ibstreamapi/shared/zaplogger"
	"github.com/nsvirk/ibstreamapi/storage"
)

type CronService struct {
	cfg          *config.Config
	c            *cron.Cron
	logger       *logger.Logger
	manager      *background.Manager
	storage      *storage.MultiStorage
	contractsSvc *contracts.Service
}

func NewCronService(cfg *config.Config, log *logger.Logger, manager *background.Manager, store *storage.MultiStorage, contractsSvc *contracts.Service) *CronService {
	return &CronService{
		cfg:          cfg,
		c:            cron.New(),
		logger:       log,
		manager:      manager,
		storage:      store,
		contractsSvc: contractsSvc,
	}
}

func (cs *CronService) Start() {
	zaplogger.Info(config.SingleLine)
	zaplogger.Info("Initializing CronService")

	// Add your scheduled jobs here
	cs.addScheduledJob("Staleness MONITOR job", cs.stalenessMonitorJob, "@every 1m")
	cs.addScheduledJob("Storage STATS job", cs.storageStatsJob, "@every 1h")
	cs.addScheduledJob("ContractCache REFRESH job", cs.contractCacheRefreshJob, "0 8 * * 1-5") // Once at 08:00am, Mon-Fri

	cs.logger.Info("Initializing CronService", map[string]interface{}{
		"jobs": len(cs.c.Entries()),
	})

	cs.c.Start()
}

func (cs *CronService) Stop() {
	ctx := cs.c.Stop()
	<-ctx.Done()
}

func (cs *CronService) addScheduledJob(name string, job func(), schedule string) {
	_, err := cs.c.AddFunc(schedule, func() {
		zaplogger.Debug("Executing SCHEDULED job", zaplogger.Fields{"job": name, "time": time.Now().Format("15:04:05")})
		job()
	})
	if err != nil {
		zaplogger.Error("Failed to schedule job", zaplogger.Fields{"job": name, "error": err})
	}
}

// stalenessMonitorJob runs the background manager's staleness pass.
func (cs *CronService) stalenessMonitorJob() {
	if cs.manager == nil || !cs.manager.Enabled() {
		return
	}
	cs.manager.CheckStaleness()
}

// storageStatsJob logs each writer's footprint and drop counters.
func (cs *CronService) storageStatsJob() {
	for _, stats := range cs.storage.AllStats() {
		cs.logger.Info("Storage stats", map[string]interface{}{
			"format":      stats.Format,
			"files":       stats.FileCount,
			"total_bytes": stats.TotalBytes,
			"dropped":     cs.storage.DroppedCount(stats.Format),
		})
	}
}

// contractCacheRefreshJob re-hydrates the cached contract records.
func (cs *CronService) contractCacheRefreshJob() {
	if cs.contractsSvc == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	refreshed, err := cs.contractsSvc.RefreshCache(ctx)
	if err != nil {
		cs.logger.Error("Contract cache refresh failed", map[string]interface{}{"error": err})
		return
	}
	if refreshed > 0 {
		cs.logger.Info("Contract cache refreshed", map[string]interface{}{"records": refreshed})
	}
}
