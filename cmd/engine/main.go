package main

import (
	"context"
	"log"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/txshield/firewall-engine/internal/analyzer"
	"github.com/txshield/firewall-engine/internal/api"
	"github.com/txshield/firewall-engine/internal/chain"
	"github.com/txshield/firewall-engine/internal/config"
	"github.com/txshield/firewall-engine/internal/db"
	"github.com/txshield/firewall-engine/internal/forensic"
	"github.com/txshield/firewall-engine/internal/indexer"
	"github.com/txshield/firewall-engine/internal/mempool"
	"github.com/txshield/firewall-engine/internal/metrics"
	"github.com/txshield/firewall-engine/internal/proxy"
	"github.com/txshield/firewall-engine/internal/rescue"
	"github.com/txshield/firewall-engine/internal/risk"
	"github.com/txshield/firewall-engine/internal/services"
	"github.com/txshield/firewall-engine/pkg/models"
)

func main() {
	log.Println("Starting TxShield Firewall Engine...")

	// .env is optional; real deployments inject environment directly.
	_ = godotenv.Load()

	cfgPath := os.Getenv("CONFIG_FILE")
	if cfgPath == "" {
		if _, statErr := os.Stat("config.yaml"); statErr == nil {
			cfgPath = "config.yaml"
		}
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("FATAL: config load failed: %v", err)
	}
	mode := models.PolicyMode(cfg.PolicyMode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Persistence is best effort: the firewall still evaluates without it,
	// it just loses reputation history and calibration feeds.
	var store *db.Store
	if cfg.DatabaseURL != "" {
		store, err = db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Printf("Warning: PostgreSQL unavailable, continuing without persistence: %v", err)
			store = nil
		} else {
			defer store.Close()
			if err := store.InitSchema(ctx); err != nil {
				log.Printf("Warning: schema init failed: %v", err)
			}
		}
	} else {
		log.Println("Warning: DATABASE_URL not set, running without persistence")
	}

	// Chain adapters, one per configured chain.
	adapters := make(map[int64]chain.Adapter, len(cfg.Chains))
	explorers := make(map[int64]indexer.CreationSource, len(cfg.Chains))
	upstreams := make(map[int64]string, len(cfg.Chains))
	for chainID, chainCfg := range cfg.Chains {
		evm, err := chain.NewEVM(chainID, chainCfg, cfg.Circuit)
		if err != nil {
			log.Fatalf("FATAL: adapter init failed for chain %d: %v", chainID, err)
		}
		adapters[chainID] = evm
		explorers[chainID] = chain.NewExplorerClient(chainID, chainCfg.ExplorerAPIBase, chainCfg.ExplorerAPIKey)
		if chainCfg.UpstreamRPC != "" {
			upstreams[chainID] = chainCfg.UpstreamRPC
		} else if len(chainCfg.RPCURLs) > 0 {
			upstreams[chainID] = chainCfg.RPCURLs[0]
		}
	}
	if len(adapters) == 0 {
		log.Fatal("FATAL: no chains configured")
	}

	// Data services. Endpoints come from env so keys stay out of the file.
	honeypotSvc := services.NewHoneypotService(requireEnv("HONEYPOT_API_URL"), cfg.Circuit)
	marketSvc := services.NewMarketService(requireEnv("MARKET_API_URL"), cfg.Circuit)
	scamSvc := services.NewScamListService(requireEnv("SCAMLIST_FEED_URL"), cfg.Circuit)
	walletSvc := services.NewWalletRepService(requireEnv("WALLET_REP_API_URL"), cfg.Circuit)
	simSvc := services.NewSimulationService(adapters)

	var correlator *indexer.Correlator
	if store != nil {
		correlator = indexer.NewCorrelator(store)
	}

	// Analyzer registry with config weight overrides.
	registry := analyzer.NewRegistry()
	register := func(name string, build func(weight float64) analyzer.Analyzer) {
		ac := cfg.Analyzers[name]
		if ac.Enabled != nil && !*ac.Enabled {
			log.Printf("[Main] analyzer %s disabled by config", name)
			return
		}
		weight := 0.0
		if ac.Weight != nil {
			weight = *ac.Weight
		}
		if err := registry.Register(build(weight)); err != nil {
			log.Fatalf("FATAL: %v", err)
		}
	}
	register("structural", func(w float64) analyzer.Analyzer { return analyzer.NewStructural(adapters, w) })
	register("market", func(w float64) analyzer.Analyzer { return analyzer.NewMarket(marketSvc, adapters, w) })
	register("behavioral", func(w float64) analyzer.Analyzer {
		var campaigns analyzer.CampaignLookup
		if correlator != nil {
			campaigns = correlator
		}
		return analyzer.NewBehavioral(walletSvc, scamSvc, campaigns, adapters, w)
	})
	register("honeypot", func(w float64) analyzer.Analyzer { return analyzer.NewHoneypot(honeypotSvc, simSvc, adapters, w) })
	register("intent", func(float64) analyzer.Analyzer { return analyzer.NewIntent() })
	register("signature", func(float64) analyzer.Analyzer { return analyzer.NewSignature() })

	// Metrics registry with process/go collectors plus firewall collectors.
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	mets := metrics.New(promReg)

	var uploader risk.ForensicUploader
	if cfg.Forensic.UploadURL != "" {
		uploader = forensic.NewUploader(cfg.Forensic.UploadURL, os.Getenv("FORENSIC_API_KEY"))
	}

	wsHub := api.NewHub()
	go wsHub.Run()

	policy := risk.NewPolicy(mode, cfg.Forensic.ThresholdScore)
	var repStore risk.ReputationStore
	if store != nil {
		repStore = store
	}
	pipeline := risk.NewPipeline(risk.PipelineOptions{
		Registry:        registry,
		Policy:          policy,
		Adapters:        adapters,
		Store:           repStore,
		Forensic:        uploader,
		Events:          wsHub,
		Metrics:         mets,
		RequestDeadline: cfg.RequestDeadline,
		BonusCap:        cfg.Risk.BonusCap,
	})

	rpcProxy := proxy.New(pipeline, adapters, upstreams, mode, cfg.RequestDeadline, cfg.UpstreamTimeout)

	var spenderRep rescue.SpenderReputation
	if store != nil {
		spenderRep = store
	}
	rescueScanner := rescue.NewScanner(adapters, spenderRep, scamSvc, cfg.Rescue.MaxApprovalsScanned)

	// Background workers need the store; they idle out without it.
	if store != nil {
		go indexer.New(store, explorers).Run(ctx)
		for chainID, chainCfg := range cfg.Chains {
			if len(chainCfg.RPCURLs) == 0 {
				continue
			}
			watcher, err := mempool.NewWatcher(chainID, chainCfg.RPCURLs[0], adapters[chainID], store, wsHub)
			if err != nil {
				log.Printf("Warning: mempool watcher init failed for chain %d: %v", chainID, err)
				continue
			}
			go watcher.Run(ctx)
		}
	}

	var campaigns analyzer.CampaignLookup = noCampaigns{}
	if correlator != nil {
		campaigns = correlator
	}
	router := api.SetupRouter(api.Deps{
		Pipeline:      pipeline,
		Proxy:         rpcProxy,
		Store:         store,
		Rescue:        rescueScanner,
		Campaigns:     campaigns,
		Hub:           wsHub,
		Metrics:       mets,
		Adapters:      adapters,
		Services:      []api.HealthReporter{honeypotSvc, marketSvc, scamSvc, walletSvc},
		Registry:      promReg,
		Mode:          mode,
		AdminSecret:   cfg.AdminSecret,
		InflightLimit: cfg.InflightLimit,
	})

	log.Printf("Firewall engine running on :%s (mode=%s, chains=%d, deadline=%s)",
		cfg.Port, mode, len(adapters), cfg.RequestDeadline)
	if err := router.Run(":" + cfg.Port); err != nil {
		log.Fatalf("FATAL: server exited: %v", err)
	}
}

// noCampaigns answers campaign queries when no database is attached.
type noCampaigns struct{}

func (noCampaigns) Campaign(context.Context, int64, common.Address) (models.CampaignSummary, error) {
	return models.CampaignSummary{}, nil
}

// requireEnv reads a required environment variable and exits if it is not
// set, so the binary never starts half configured.
func requireEnv(key string) string {
	val := os.Getenv(key)
	if val == "" {
		log.Fatalf("FATAL: required environment variable %s is not set. "+
			"Copy .env.example to .env and fill in your values.", key)
	}
	return val
}

// getEnvOrDefault returns the env var value or a default for non-secret settings.
func getEnvOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
