// Command syncd runs one full sync of the VESPA pipeline and exits (spec
// §6.3 "Scheduled full sync"): an external scheduler (cron-equivalent)
// invokes it daily. Exit code 0 = completed, 1 = failed, 2 = partial.
package main

import (
	"context"
	"os"
	"time"

	"github.com/mind-engage/vespa-sync/internal/config"
	"github.com/mind-engage/vespa-sync/internal/model"
	"github.com/mind-engage/vespa-sync/internal/obs"
	"github.com/mind-engage/vespa-sync/internal/orchestrator"
	"github.com/mind-engage/vespa-sync/internal/sourcecrm"
	"github.com/mind-engage/vespa-sync/internal/warehouse"
)

func main() {
	cfg := config.FromEnv()
	obs.Configure(cfg.LogLevel)
	log := obs.Logger()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	db, err := warehouse.Open(ctx, warehouse.Driver(cfg.DBDriver), cfg.DBDSN)
	cancel()
	if err != nil {
		log.Error("warehouse open failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	crm := sourcecrm.NewClient(cfg.CRMBaseURL, cfg.CRMAppID, cfg.CRMAPIKey, cfg.RateLimitPerSecond, cfg.ExtractorConcurrency)

	o := orchestrator.New(db, crm, cfg)
	outcome, err := o.RunFull(context.Background())
	if err != nil {
		log.Error("sync run failed", "run_id", outcome.RunID, "error", err)
	}

	switch outcome.Status {
	case model.StatusCompleted:
		os.Exit(0)
	case model.StatusPartial:
		os.Exit(2)
	default:
		os.Exit(1)
	}
}
