// Command treasuryd runs the treasury service: the per-pair Dutch auction
// engine, the per-account portfolio rebalancer, and the system-wide rebalance
// cycle, exposed over HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/orbit-cex/treasury/internal/auction"
	"github.com/orbit-cex/treasury/internal/bank"
	"github.com/orbit-cex/treasury/internal/config"
	"github.com/orbit-cex/treasury/internal/oracle"
	"github.com/orbit-cex/treasury/internal/rebalance"
	"github.com/orbit-cex/treasury/internal/server"
	"github.com/orbit-cex/treasury/internal/store"
	"github.com/orbit-cex/treasury/internal/system"
	"github.com/orbit-cex/treasury/pkg/events"
	"github.com/orbit-cex/treasury/pkg/logger"
)

// localChain derives a block height from wall-clock time against a fixed
// genesis. Deployments tracking a real chain swap in their own ChainInfo.
type localChain struct {
	genesis   time.Time
	blockTime time.Duration
}

func (c *localChain) Now() (int64, time.Time) {
	now := time.Now()
	return int64(now.Sub(c.genesis) / c.blockTime), now
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to the config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer log.Sync()

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	var sink events.Sink
	if cfg.Kafka.Enabled {
		ks := events.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic, log)
		defer ks.Close()
		sink = ks
	} else {
		sink = events.NewLogSink(log)
	}

	prices := oracle.NewStatic()
	ledger := bank.NewLedger()

	rounding := decimal.Zero
	if cfg.Auction.RoundingThreshold != "" {
		rounding, err = decimal.NewFromString(cfg.Auction.RoundingThreshold)
		if err != nil {
			return fmt.Errorf("parsing rounding threshold: %w", err)
		}
	}
	auctions := auction.NewEngine(st, prices, ledger, sink, auction.EngineConfig{
		Admin:             cfg.Auction.Admin,
		ModuleAddr:        cfg.Auction.ModuleAddr,
		RoundingThreshold: rounding,
	}, log)

	minAccountValue, err := parseAmounts(cfg.Rebalance.MinAccountValue)
	if err != nil {
		return fmt.Errorf("parsing min account values: %w", err)
	}
	minOverrides, err := parseAmounts(cfg.Rebalance.MinAmountOverrides)
	if err != nil {
		return fmt.Errorf("parsing min amount overrides: %w", err)
	}
	rebalancer := rebalance.NewEngine(st, auctions, auctions, auctions, sink, rebalance.EngineConfig{
		CyclePeriod:        cfg.Rebalance.CyclePeriod,
		Whitelist:          cfg.Rebalance.Whitelist,
		MinAccountValue:    minAccountValue,
		MinAmountOverrides: minOverrides,
	}, log)

	cycle := system.NewRunner(st, rebalancer, ledger, prices, sink, system.RunnerConfig{
		BaseDenom:    cfg.Rebalance.BaseDenom,
		Period:       cfg.Rebalance.CyclePeriod,
		DefaultLimit: cfg.Rebalance.Limit,
	}, log)
	if err := cycle.Init(context.Background(), time.Now()); err != nil {
		return fmt.Errorf("seeding cycle status: %w", err)
	}

	genesis := cfg.Chain.Genesis
	if genesis.IsZero() {
		genesis = time.Now()
	}
	chain := &localChain{genesis: genesis, blockTime: cfg.Chain.BlockTime}

	srv := server.New(cfg.HTTP.Addr, cfg.AdminToken, auctions, rebalancer, cycle, prices, chain, log)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		log.Info("shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

func parseAmounts(in map[string]string) (map[string]decimal.Decimal, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make(map[string]decimal.Decimal, len(in))
	for denom, raw := range in {
		amt, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", denom, err)
		}
		out[denom] = amt
	}
	return out, nil
}
