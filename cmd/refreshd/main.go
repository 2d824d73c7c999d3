// Command refreshd serves the on-demand single-establishment refresh
// endpoint (spec §6.3 "On-demand refresh"): POST /refresh, bearer-token
// authenticated, bounded by a hard per-request timeout.
package main

import (
	"context"
	"net/http"
	"time"

	"github.com/mind-engage/vespa-sync/internal/authtoken"
	"github.com/mind-engage/vespa-sync/internal/config"
	"github.com/mind-engage/vespa-sync/internal/httpapi"
	"github.com/mind-engage/vespa-sync/internal/linker"
	"github.com/mind-engage/vespa-sync/internal/loader"
	"github.com/mind-engage/vespa-sync/internal/obs"
	"github.com/mind-engage/vespa-sync/internal/refresh"
	"github.com/mind-engage/vespa-sync/internal/sourcecrm"
	"github.com/mind-engage/vespa-sync/internal/warehouse"
)

func main() {
	cfg := config.FromEnv()
	obs.Configure(cfg.LogLevel)
	log := obs.Logger()

	if cfg.RefreshBearerToken == "" {
		log.Error("REFRESH_BEARER_TOKEN is not set; refusing to start with an open endpoint")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	db, err := warehouse.Open(ctx, warehouse.Driver(cfg.DBDriver), cfg.DBDSN)
	cancel()
	if err != nil {
		log.Error("warehouse open failed", "error", err)
		return
	}
	defer db.Close()

	warmCtx, warmCancel := context.WithTimeout(context.Background(), 30*time.Second)
	lk := linker.New(db)
	if err := lk.Warm(warmCtx); err != nil {
		warmCancel()
		log.Error("linker warm failed", "error", err)
		return
	}
	warmCancel()

	crm := sourcecrm.NewClient(cfg.CRMBaseURL, cfg.CRMAppID, cfg.CRMAPIKey, cfg.RateLimitPerSecond, cfg.ExtractorConcurrency)
	ld := loader.New(db, cfg.BatchSize("student"))

	r := refresh.New(crm, lk, ld)
	if cfg.RefreshTimeout > 0 {
		r.Timeout = cfg.RefreshTimeout
	}

	issuer := authtoken.NewIssuer(cfg.RefreshBearerToken)
	if callerToken, err := issuer.Mint("scheduler", 365*24*time.Hour); err == nil {
		log.Info("minted bearer token for scheduler/dashboard callers; rotate by restarting with a new REFRESH_BEARER_TOKEN", "token", callerToken)
	}

	router := httpapi.NewRouter(r, issuer)
	log.Info("refresh API listening", "addr", cfg.RefreshHTTPAddr)
	if err := http.ListenAndServe(cfg.RefreshHTTPAddr, router); err != nil {
		log.Error("refresh API stopped", "error", err)
	}
}
