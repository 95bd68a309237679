package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ardanlabs/conf"
	"github.com/forecastnet/oracle-node/api"
	"github.com/forecastnet/oracle-node/chain"
	"github.com/forecastnet/oracle-node/consensus"
	"github.com/forecastnet/oracle-node/db"
	"github.com/forecastnet/oracle-node/domain"
	"github.com/forecastnet/oracle-node/events"
	"github.com/forecastnet/oracle-node/identity"
	"github.com/forecastnet/oracle-node/kafka"
	"github.com/forecastnet/oracle-node/ledger"
	"github.com/forecastnet/oracle-node/metrics"
	"github.com/forecastnet/oracle-node/oracle"
	"github.com/forecastnet/oracle-node/peers"
	"github.com/forecastnet/oracle-node/sync"
	"github.com/jellydator/ttlcache/v3"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kprom"
	"go.uber.org/zap"
	"go.uber.org/zapcore"
)

const envPrefix = "FORECASTNET_ORACLE_NODE"

func main() {
	if err := run(); err != nil {
		log.Fatalf("main: exited with error: %s", err.Error())
	}
}

func run() error {
	log.SetOutput(os.Stdout) // default is stderr

	var cfg struct {
		Node struct {
			ID                string `conf:"required"`
			StoreFolder       string `conf:"default:store"`
			TimeOffsetMinutes int    `conf:"optional"` // standard time offset, not dst adjusted
			MetricsNamespace  string `conf:"default:forecastnet_oracle_node"`
		}
		Server struct {
			ServerPort      int           `conf:"default:8000"`
			MetricsPort     int           `conf:"default:9999"`
			NetworkCacheTTL time.Duration `conf:"default:10s"`
		}
		Broker struct {
			BootstrapServers []string `conf:"default:localhost:9092"`
			ProduceTopic     string   `conf:"default:forecastnet-oracle-events"`
		}
		Consensus struct {
			MinQuorum   int           `conf:"default:3"`
			Threshold   float64       `conf:"default:0.66"`
			StaleWindow time.Duration `conf:"default:1h"`
			SeedPeers   []string      `conf:"optional"` // operatorId=http://host:port
		}
		Sync struct {
			Interval         time.Duration `conf:"default:10s"`
			FetchTimeout     time.Duration `conf:"default:10s"`
			MaxParallelPeers int           `conf:"default:4"`
			Retention        time.Duration `conf:"optional"` // zero keeps the full ledger
		}
		Blockchain struct {
			IndexerUrl       string        `conf:"default:http://localhost:8448"`
			MinConfirmations int           `conf:"default:3"`
			Timeout          time.Duration `conf:"default:5s"`
		}
	}

	// load config
	if err := conf.Parse(os.Args[1:], envPrefix, &cfg); err != nil {
		switch {
		case errors.Is(err, conf.ErrHelpWanted):
			usage, err := conf.Usage(envPrefix, &cfg)
			if err != nil {
				return errors.Wrap(err, "generating config usage")
			}
			fmt.Println(usage)
			return nil
		case errors.Is(err, conf.ErrVersionWanted):
			version, err := conf.VersionString(envPrefix, &cfg)
			if err != nil {
				return errors.Wrap(err, "generating config version")
			}
			fmt.Println(version)
			return nil
		}
		return errors.Wrap(err, "parsing config")
	}

	out, err := conf.String(&cfg)
	if err != nil {
		return errors.Wrap(err, "generating config for output")
	}
	log.Printf("main: Config :\n%v\n", out)

	zapConfig := zap.NewProductionConfig()
	// this is just for sugar, to display a readable date instead of an epoch time
	zapConfig.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout(time.DateTime)
	logger, err := zapConfig.Build()
	if err != nil {
		return fmt.Errorf("creating logger: %v", err)
	}
	defer logger.Sync()
	sLogger := logger.Sugar()

	kafkaMetrics := kprom.NewMetrics(cfg.Node.MetricsNamespace,
		kprom.Registerer(prometheus.DefaultRegisterer),
		kprom.Gatherer(prometheus.DefaultGatherer))
	kcl, err := kgo.NewClient(
		kgo.WithHooks(kafkaMetrics),
		kgo.SeedBrokers(cfg.Broker.BootstrapServers...),
		kgo.DefaultProduceTopic(cfg.Broker.ProduceTopic),
		kgo.ProducerBatchCompression(kgo.ZstdCompression()),
		kgo.WithLogger(kgo.BasicLogger(os.Stdout, kgo.LogLevelInfo, nil)),
	)
	if err != nil {
		log.Fatal(err)
	}
	defer kcl.Close()

	store, err := db.NewPebbleStore(cfg.Node.StoreFolder)
	if err != nil {
		return errors.Wrap(err, "creating db")
	}
	defer store.Close()

	clock := ledger.NewStandardClock(cfg.Node.TimeOffsetMinutes)
	chainLedger := ledger.NewLedger(store, clock, cfg.Node.ID)
	m := metrics.NewOracleNodeMetrics(cfg.Node.MetricsNamespace)

	peerClient := peers.NewClient(cfg.Sync.FetchTimeout)
	validator := chain.NewValidator(cfg.Blockchain.IndexerUrl, cfg.Blockchain.Timeout, cfg.Blockchain.MinConfirmations)
	producer := kafka.NewEventsProducer(kcl, m)
	fanout := events.NewFanout(producer, peerClient, store, cfg.Node.ID, cfg.Sync.FetchTimeout)

	verifier := identity.NewEd25519Verifier()
	engine := oracle.NewEngine(store, verifier, chainLedger, fanout, clock, m, cfg.Node.ID)
	coordinator := consensus.NewCoordinator(store, verifier, chainLedger, engine, fanout, clock, m, consensus.Config{
		MinQuorum:          cfg.Consensus.MinQuorum,
		ConsensusThreshold: cfg.Consensus.Threshold,
	}, cfg.Node.ID)

	if err := seedPeers(store, clock, cfg.Consensus.SeedPeers); err != nil {
		return errors.Wrap(err, "seeding peers")
	}

	reconciler := sync.NewReconciler(store, peerClient, validator, chainLedger, clock, sLogger, m, sync.Config{
		FetchTimeout: cfg.Sync.FetchTimeout,
		MaxParallel:  cfg.Sync.MaxParallelPeers,
	}, cfg.Node.ID)
	scheduler := sync.NewScheduler(reconciler, chainLedger, coordinator, sLogger, sync.SchedulerConfig{
		RoundInterval: cfg.Sync.Interval,
		Retention:     cfg.Sync.Retention,
		StaleWindow:   cfg.Consensus.StaleWindow,
	})
	go scheduler.StartProcessing()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	networkCache := ttlcache.New[string, *api.NetworkResponse](
		ttlcache.WithTTL[string, *api.NetworkResponse](cfg.Server.NetworkCacheTTL),
		ttlcache.WithDisableTouchOnHit[string, *api.NetworkResponse](), // don't refresh ttl upon getting the item from cache
	)
	go networkCache.Start()

	// node api endpoint
	apiError := make(chan error, 1)
	go func() {
		mux := http.NewServeMux()
		handler := api.NewHandler(chainLedger, store, coordinator, reconciler, networkCache)
		mux.HandleFunc("/health", handler.GetHealth)
		mux.HandleFunc("/v1/status", handler.GetStatus)
		mux.HandleFunc("/v1/network", handler.GetNetwork)
		mux.HandleFunc("/v1/sync/ledger-entries", handler.GetLedgerEntries)
		mux.HandleFunc("/v1/sync/transactions", handler.GetTransactions)
		mux.HandleFunc("/v1/sync/bets", handler.GetBets)
		mux.HandleFunc("/v1/events", handler.PostEvent)
		mux.HandleFunc("/v1/ledger/validate", handler.ValidateLedger)
		mux.HandleFunc("/v1/conflicts", handler.GetConflicts)
		log.Printf("main: Starting server on port [%d].", cfg.Server.ServerPort)
		apiError <- http.ListenAndServe(fmt.Sprintf(":%d", cfg.Server.ServerPort), mux)
	}()

	metricsError := make(chan error, 1)
	go func() {
		log.Printf("main: Starting metrics server on port [%d].", cfg.Server.MetricsPort)
		http.Handle("/metrics", promhttp.Handler())
		metricsError <- http.ListenAndServe(fmt.Sprintf(":%d", cfg.Server.MetricsPort), nil)
	}()

	log.Println("main: Service started.")

	for {
		select {
		case <-shutdown:
			log.Println("main: Received shutdown signal, shutting down...")
			return nil
		case err := <-metricsError:
			return fmt.Errorf("[ERROR] starting metrics server: %v", err)
		case err := <-apiError:
			return fmt.Errorf("[ERROR] starting api server: %v", err)
		}
	}
}

// seedPeers registers the configured bootstrap peers as active operators, so
// a fresh node has someone to reconcile with before taking part in admission
// voting. Already known operators are left untouched.
func seedPeers(store *db.PebbleStore, clock *ledger.StandardClock, seeds []string) error {
	for _, seed := range seeds {
		operatorID, endpoint, found := strings.Cut(seed, "=")
		if !found || operatorID == "" || endpoint == "" {
			return errors.Errorf("invalid seed peer [%s], want operatorId=endpoint", seed)
		}
		_, err := store.GetOperator(operatorID)
		if err == nil {
			continue
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return errors.Wrap(err, "checking seed peer")
		}
		now := clock.NowMs()
		operator := domain.NodeOperator{
			ID:           operatorID,
			Endpoint:     endpoint,
			Status:       domain.OperatorActive,
			ProposedAtMs: now,
			LastSeenMs:   now,
		}
		if err := store.PutOperator(&operator); err != nil {
			return errors.Wrap(err, "storing seed peer")
		}
		log.Printf("main: Seeded peer [%s] at [%s].", operatorID, endpoint)
	}
	return nil
}
