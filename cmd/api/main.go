package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"invitegate.org/internal/config"
	"invitegate.org/internal/cooldown"
	"invitegate.org/internal/groups"
	"invitegate.org/internal/httpapi"
	"invitegate.org/internal/invite"
	"invitegate.org/internal/obs"
	"invitegate.org/internal/pool"
	"invitegate.org/internal/scheduler"
	"invitegate.org/internal/stats"
	"invitegate.org/internal/store/pg"
	"invitegate.org/internal/telegram"
	"invitegate.org/internal/whitelist"
)

var (
	version = "0.3.1"
	commit  = "none"
)

func main() {
	configPath := flag.String("config", defaultConfigPath(), "path to the YAML configuration file")
	flag.Parse()

	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx := context.Background()

	// Durable store. An empty DSN runs everything on in-memory state, which
	// loses counters on restart and is only meant for local development.
	var store *pg.Store
	if cfg.Database.DSN != "" {
		store, err = pg.Open(cfg.Database.DSN)
		if err != nil {
			log.Fatalf("open store: %v", err)
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = store.Ping(pingCtx)
		cancel()
		if err != nil {
			log.Fatalf("ping store: %v", err)
		}
	} else {
		log.Printf("no database DSN configured, running on in-memory stores")
	}

	wl, err := whitelist.NewService(ctx, whitelistStore(store), cfg.Admins)
	if err != nil {
		log.Fatalf("init whitelist: %v", err)
	}
	ledger, err := cooldown.NewLedger(ctx, cooldownStore(store))
	if err != nil {
		log.Fatalf("init cooldown ledger: %v", err)
	}
	pm, err := pool.NewManager(ctx, poolStore(store), accountSeeds(cfg))
	if err != nil {
		log.Fatalf("init account pool: %v", err)
	}
	registry, err := groups.NewRegistry(ctx, groupStore(store), groupSeeds(cfg))
	if err != nil {
		log.Fatalf("init group registry: %v", err)
	}

	gateway := telegram.NewClient(cfg.Gateway.BaseURL, cfg.Gateway.Token, cfg.Gateway.Timeout)

	orch := invite.New(wl, ledger, pm, registry, gateway, historyStore(store), invite.Policy{
		RequesterCooldown: cfg.Cooldowns.Requester,
		GroupCooldown:     cfg.Cooldowns.Group,
		ReinviteSpacing:   cfg.Cooldowns.Reinvite,
		ConsumeOnFailure:  cfg.ConsumeCooldownOnFailure(),
	})

	collector := stats.NewCollector(registry, pm, gateway, historySource(store), statsStore(store))

	sched, err := scheduler.New(scheduler.Jobs{
		ResetDaily: func(ctx context.Context) error {
			if err := pm.ResetDaily(ctx); err != nil {
				return err
			}
			return registry.ResetDaily(ctx)
		},
		PurgeWhitelist: wl.PurgeExpired,
		RefreshStats: func(ctx context.Context) error {
			_, err := collector.Refresh(ctx)
			return err
		},
		ReactivateAccounts: pm.ReactivateDue,
	}, cfg.Scheduler.StatsRefresh)
	if err != nil {
		log.Fatalf("init scheduler: %v", err)
	}
	sched.Start()

	api := httpapi.New(httpapi.Deps{
		Orchestrator:  orch,
		Whitelist:     wl,
		Pool:          pm,
		Registry:      registry,
		Collector:     collector,
		Platform:      gateway,
		History:       historyReader(store),
		ReadyProbe:    readyProbe(store),
		Version:       version,
		RateBurst:     cfg.Server.RateBurst,
		RatePerSecond: cfg.Server.RatePerSecond,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	log.Printf("Starting invitegate-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	_ = srv.Shutdown(shutdownCtx)
	_ = sched.Stop(shutdownCtx)
	if store != nil {
		_ = store.Close()
	}
	log.Println("Stopped")
}

func defaultConfigPath() string {
	if v := os.Getenv("INVITEGATE_CONFIG"); v != "" {
		return v
	}
	return "config.yaml"
}

// The store helpers keep a nil *pg.Store from becoming a non-nil interface,
// which the managers treat as memory-only mode.

func whitelistStore(s *pg.Store) whitelist.Store {
	if s == nil {
		return nil
	}
	return s
}

func cooldownStore(s *pg.Store) cooldown.Store {
	if s == nil {
		return nil
	}
	return s
}

func poolStore(s *pg.Store) pool.Store {
	if s == nil {
		return nil
	}
	return s
}

func groupStore(s *pg.Store) groups.Store {
	if s == nil {
		return nil
	}
	return s
}

func historyStore(s *pg.Store) invite.HistoryStore {
	if s == nil {
		return nil
	}
	return s
}

func historySource(s *pg.Store) stats.HistorySource {
	if s == nil {
		return nil
	}
	return s
}

func statsStore(s *pg.Store) stats.Store {
	if s == nil {
		return nil
	}
	return s
}

func historyReader(s *pg.Store) httpapi.HistoryReader {
	if s == nil {
		return nil
	}
	return s
}

func readyProbe(s *pg.Store) httpapi.ReadyProbe {
	if s == nil {
		return httpapi.ReadyProbe{}
	}
	return httpapi.ReadyProbe{Ping: s.Ping}
}

func accountSeeds(cfg *config.Config) []pool.Account {
	seeds := make([]pool.Account, 0, len(cfg.Accounts))
	for _, a := range cfg.Accounts {
		acc := pool.Account{
			Session:        a.Session,
			Phone:          a.Phone,
			Active:         true,
			DailyCeiling:   cfg.Quotas.AccountDaily,
			GroupsAssigned: a.GroupsAssigned,
		}
		if a.Active != nil {
			acc.Active = *a.Active
		}
		seeds = append(seeds, acc)
	}
	return seeds
}

func groupSeeds(cfg *config.Config) []groups.Group {
	seeds := make([]groups.Group, 0, len(cfg.Groups))
	for _, g := range cfg.Groups {
		grp := groups.Group{
			ID:               g.ID,
			Name:             g.Name,
			InviteLink:       g.InviteLink,
			Active:           true,
			MaxDailyInvites:  g.MaxDailyInvites,
			AssignedAccounts: g.AssignedAccounts,
		}
		if grp.MaxDailyInvites <= 0 {
			grp.MaxDailyInvites = cfg.Quotas.GroupDaily
		}
		seeds = append(seeds, grp)
	}
	return seeds
}
