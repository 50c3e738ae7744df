package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path"
	"strings"
	"syscall"
	"time"

	"github.com/onemorebsmith/kaspa-settler/src/api"
	"github.com/onemorebsmith/kaspa-settler/src/cashier"
	"github.com/onemorebsmith/kaspa-settler/src/common"
	"github.com/onemorebsmith/kaspa-settler/src/events"
	"github.com/onemorebsmith/kaspa-settler/src/kaspaapi"
	"github.com/onemorebsmith/kaspa-settler/src/memledger"
	"github.com/onemorebsmith/kaspa-settler/src/model"
	"github.com/onemorebsmith/kaspa-settler/src/postgres"
	"github.com/onemorebsmith/kaspa-settler/src/resolver"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"
)

type ledger interface {
	cashier.Ledger
	resolver.Ledger
	api.Store
}

func main() {
	pwd, _ := os.Getwd()
	fullPath := path.Join(pwd, "config.yaml")
	log.Printf("loading config @ `%s`", fullPath)
	rawCfg, err := os.ReadFile(fullPath)
	if err != nil {
		log.Printf("config file not found: %s", err)
		os.Exit(1)
	}
	cfg := cashier.CashierConfig{}
	if err := yaml.Unmarshal(rawCfg, &cfg); err != nil {
		log.Printf("failed parsing config file: %s", err)
		os.Exit(1)
	}

	mode := "serve"
	kafkaBrokers := strings.Join(cfg.KafkaBrokers, ",")
	flag.StringVar(&mode, "mode", mode, "`serve` (http trigger + interval pipeline), `once` (single pipeline pass for cron) or `migrate`")
	flag.StringVar(&cfg.RPCServer, "kaspa", cfg.RPCServer, "address of the kaspad node, default `localhost:16110`")
	flag.StringVar(&cfg.PromPort, "prom", cfg.PromPort, "address to serve prom stats, default `:2112`")
	flag.StringVar(&cfg.HealthCheckPort, "hcp", cfg.HealthCheckPort, `(rarely used) if defined will expose a health check on /readyz, default ""`)
	flag.StringVar(&cfg.PoolWallet, "wallet", cfg.PoolWallet, `custodial wallet all payouts are funded from`)
	flag.StringVar(&cfg.PostgresConfig, "pg", cfg.PostgresConfig, `config string for the postgres connection`)
	flag.StringVar(&cfg.ListenAddress, "listen", cfg.ListenAddress, "address for the http trigger, default `:8080`")
	flag.StringVar(&cfg.RedisAddress, "redis", cfg.RedisAddress, `redis address for payout failure counters, in-memory if empty`)
	flag.StringVar(&kafkaBrokers, "kafka", kafkaBrokers, `comma separated kafka brokers for settlement events, disabled if empty`)
	flag.BoolVar(&cfg.UseMock, "mock", cfg.UseMock, `use an in-memory ledger and chain`)
	flag.Parse()
	if kafkaBrokers != "" {
		cfg.KafkaBrokers = strings.Split(kafkaBrokers, ",")
	}
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8080"
	}
	if cfg.KafkaTopic == "" {
		cfg.KafkaTopic = "settlement_events"
	}

	log.Println("----------------------------------")
	log.Printf("initializing cashier")
	log.Printf("\tmode:          %s", mode)
	log.Printf("\tkaspad:        %s", cfg.RPCServer)
	log.Printf("\tnetwork:       %s", cfg.Network)
	log.Printf("\tsigner:        %s", cfg.SignerEndpoint)
	log.Printf("\tlisten:        %s", cfg.ListenAddress)
	log.Printf("\tprom:          %s", cfg.PromPort)
	log.Printf("\thealth check:  %s", cfg.HealthCheckPort)
	log.Printf("\twallet:        %s", cfg.PoolWallet)
	log.Printf("\tredis:         %s", cfg.RedisAddress)
	log.Printf("\tkafka:         %s", kafkaBrokers)
	log.Printf("\tmock:          %t", cfg.UseMock)
	log.Println("----------------------------------")

	logger := common.ConfigureZap(common.LevelFromString(cfg.LogLevel))
	if err := run(mode, cfg, logger); err != nil {
		logger.Error("cashier exited", zap.Error(err))
		os.Exit(1)
	}
}

func run(mode string, cfg cashier.CashierConfig, logger *zap.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if mode == "migrate" {
		store, err := postgres.NewStore(ctx, cfg.PostgresConfig)
		if err != nil {
			return err
		}
		defer store.Close()
		if err := store.Migrate(ctx); err != nil {
			return err
		}
		logger.Info("schema applied")
		return nil
	}

	opts, err := cfg.Options()
	if err != nil {
		return errors.Wrap(err, "invalid config")
	}
	refundBps, err := common.ParseBps(cfg.RefundFeePercent)
	if err != nil {
		return errors.Wrap(err, "invalid refund_fee_percent")
	}

	store, chain, cleanup, err := configureBackends(ctx, cfg, opts, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	var publisher events.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		defer kp.Close()
		publisher = kp
	}

	var failures cashier.FailureTracker = cashier.NewMemoryFailureTracker()
	if cfg.RedisAddress != "" {
		rd, err := cashier.ConfigureRedis(cfg.RedisAddress)
		if err != nil {
			return errors.Wrap(err, "failed connecting to redis")
		}
		defer rd.Close()
		failures = cashier.NewRedisFailureTracker(rd, 24*time.Hour)
	}

	if cfg.PromPort != "" {
		common.StartPromServer(logger, cfg.PromPort)
	}
	if cfg.HealthCheckPort != "" {
		logger.Info("enabling health check on port " + cfg.HealthCheckPort)
		beginReadyzHandler(cfg, store)
	}

	cash := cashier.NewCashier(opts, store, chain, failures, publisher, logger)
	if mode == "once" {
		report, err := cash.DoPipelineOnce(ctx)
		if report != nil {
			logger.Info("pipeline pass finished", zap.Any("report", report))
		}
		return err
	}
	if mode != "serve" {
		return errors.Errorf("unknown mode `%s`", mode)
	}

	settler := resolver.NewResolver(store, publisher, resolver.RefundFee{Flat: cfg.RefundFeeFlat, Bps: refundBps}, logger)
	server := &http.Server{
		Addr:    cfg.ListenAddress,
		Handler: api.NewServer(settler, cash, store, logger).Router(),
	}
	go cash.StartPipeline(ctx, opts.PipelineInterval)
	go func() {
		<-ctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		server.Shutdown(shutdownCtx)
	}()
	logger.Info("serving trigger api", zap.String("address", cfg.ListenAddress))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "http server failed")
	}
	return nil
}

func configureBackends(ctx context.Context, cfg cashier.CashierConfig, opts cashier.Options, logger *zap.Logger) (ledger, cashier.Chain, func(), error) {
	if cfg.UseMock {
		logger.Warn("running against an in-memory ledger and chain, nothing is persisted")
		chain := kaspaapi.NewMockChain()
		chain.Fund(opts.Wallet, strings.Repeat("0", 64), 0, 1000*model.KasDigitMultipler)
		return memledger.NewStore(), chain, func() {}, nil
	}

	store, err := postgres.NewStore(ctx, cfg.PostgresConfig)
	if err != nil {
		return nil, nil, nil, err
	}
	signer, err := kaspaapi.NewRemoteSigner(cfg.SignerEndpoint, cfg.SignerKey, opts.ChainTimeout, logger)
	if err != nil {
		store.Close()
		return nil, nil, nil, err
	}
	kapi, err := kaspaapi.NewKaspaAPI(kaspaapi.KaspaApiConfig{
		Address:          cfg.RPCServer,
		Network:          cfg.Network,
		Timeout:          opts.ChainTimeout,
		MinConfirmations: cfg.MinConfirmations,
	}, signer, logger)
	if err != nil {
		store.Close()
		return nil, nil, nil, err
	}
	return store, kapi, func() {
		kapi.Close()
		store.Close()
	}, nil
}

func beginReadyzHandler(cfg cashier.CashierConfig, store api.Store) {
	mux := http.NewServeMux()
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := store.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(errors.Wrap(err, "failed pinging ledger").Error()))
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	go http.ListenAndServe(cfg.HealthCheckPort, mux)
}
