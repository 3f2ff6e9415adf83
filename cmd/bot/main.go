// spotmm — an order-lifecycle market-making agent for a single spot pair.
//
// Architecture:
//
//	main.go                  — entry point: config, wiring, REPL, signal handling
//	engine/engine.go         — scheduler: gated workers with randomized ticks
//	strategy/builder.go      — order-book builder: short-lived randomized depth
//	strategy/liquidity.go    — standing buy/quote + sell/base pools around the anchor
//	strategy/pricemaker.go   — one-shot price moves sized from book depth
//	strategy/ladder.go       — fill command: evenly spread order ladders
//	pricewatcher/watcher.go  — allowed price band from numeric or market sources
//	orders/                  — placer, reconciler (two-strike), collector (selectors)
//	ledger/ledger.go         — sqlite order ledger, purpose/window statistics
//	exchange/                — adapter contract, registry, signed-REST adapter, WS feed
//	market/caches.go         — book / balance / markets caches shared by components
//	command/                 — operator text protocol with y-confirmation
//	rateinfo/                — USD quotes for conversions and notional checks
//	notify/                  — webhook/log notification sinks with throttling
//
// The agent keeps its own ledger of every order it places and never trusts
// exchange state alone: each maker tick reconciles the ledger against the
// exchange before counting, placing, or cancelling anything.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"spotmm/internal/command"
	"spotmm/internal/config"
	"spotmm/internal/engine"
	"spotmm/internal/exchange"
	"spotmm/internal/ledger"
	"spotmm/internal/market"
	"spotmm/internal/notify"
	"spotmm/internal/orders"
	"spotmm/internal/pricewatcher"
	"spotmm/internal/rateinfo"
	"spotmm/internal/strategy"
	"spotmm/pkg/types"
)

const bookCacheTTL = 2 * time.Second

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("SPOTMM_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	pair, err := types.ParsePair(cfg.Pair)
	if err != nil {
		logger.Error("invalid pair", "error", err)
		os.Exit(1)
	}

	params, err := config.LoadParams(cfg.Store.ParamsPath, logger)
	if err != nil {
		logger.Error("failed to load trade params", "error", err)
		os.Exit(1)
	}

	registry := exchange.NewRegistry()
	exchange.RegisterDefaults(registry)
	ex, err := registry.New(exchange.AdapterConfig{
		Name:      cfg.Exchange.Name,
		BaseURL:   cfg.Exchange.BaseURL,
		WSURL:     cfg.Exchange.WSURL,
		APIKey:    cfg.Exchange.APIKey,
		APISecret: cfg.Exchange.APISecret,
	})
	if err != nil {
		logger.Error("failed to construct exchange adapter", "error", err)
		os.Exit(1)
	}

	led, err := ledger.Open(cfg.Store.LedgerPath, logger)
	if err != nil {
		logger.Error("failed to open order ledger", "error", err)
		os.Exit(1)
	}
	defer led.Close()

	rates := rateinfo.New(cfg.RateInfo.BaseURL, logger)

	books := market.NewBookCache(ex, pair, bookCacheTTL)
	balances := market.NewBalanceCache(ex)
	markets := market.NewMarketsCache(ex)

	var sink notify.Notifier = notify.NewLogNotifier(logger)
	if cfg.Notify.WebhookURL != "" {
		sink = notify.NewWebhookNotifier(cfg.Notify.WebhookURL, cfg.Notify.Channel, logger)
	}
	warnings := notify.NewThrottle(sink, time.Hour)

	placer := orders.NewPlacer(ex, led, books, balances, logger)
	recon := orders.NewReconciler(ex, led, balances, logger)
	collect := orders.NewCollector(ex, led, books, balances, logger)

	// Market watcher sources live on the configured exchange; a descriptor
	// naming a different one is rejected because only the configured gateway
	// URL is known.
	resolver := func(descriptor string) (pricewatcher.BookSource, types.Pair, error) {
		pairPart, exID, ok := strings.Cut(descriptor, "@")
		if !ok {
			return nil, types.Pair{}, fmt.Errorf("bad source %q, expected PAIR@exchange", descriptor)
		}
		srcPair, err := types.ParsePair(pairPart)
		if err != nil {
			return nil, types.Pair{}, err
		}
		if !strings.EqualFold(exID, cfg.Exchange.Name) {
			return nil, types.Pair{}, fmt.Errorf("source exchange %q is not configured", exID)
		}
		return ex, srcPair, nil
	}
	watcher := pricewatcher.New(params, pair, rates, resolver, logger)

	builder := strategy.NewBuilder(params, pair, ex.Features(), books, balances,
		markets, led, placer, recon, collect, watcher, warnings, logger)
	provider := strategy.NewProvider(params, pair, books, balances, markets,
		led, placer, recon, collect, watcher, warnings, logger)
	maker := strategy.NewMaker(ex, pair, books, markets, balances, placer, watcher, logger)
	lad := strategy.NewLadder(pair, markets, balances, placer, logger)

	// The subscription is recorded now and sent once the feed connects
	// inside the engine.
	var feed *exchange.BookFeed
	if cfg.Exchange.WSURL != "" {
		feed = exchange.NewBookFeed(cfg.Exchange.WSURL, logger)
		if err := feed.Subscribe(pair); err != nil {
			logger.Warn("book feed subscription failed, REST only", "error", err)
			feed = nil
		}
	}

	eng := engine.New(params, pair, builder, provider, maker, watcher, collect,
		books, feed, logger)

	proc := command.NewProcessor(cfg, params, pair, ex, led, books, balances,
		markets, placer, collect, recon, lad, maker, provider, watcher, rates, logger)

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// A pair the exchange does not list is unrecoverable: trading stays
	// disabled until the operator fixes the config, but the command surface
	// keeps answering.
	checkCtx, cancelCheck := context.WithTimeout(ctx, 10*time.Second)
	if _, err := markets.Info(checkCtx, pair); err != nil {
		logger.Error("pair unavailable on exchange, trading disabled",
			"pair", pair.String(), "exchange", cfg.Exchange.Name, "error", err)
		if mErr := params.Mutate(func(tp *config.TradeParams) { tp.IsActive = false }); mErr != nil {
			logger.Error("failed to persist disabled state", "error", mErr)
		}
		sink.Notify(ctx, notify.TypeError,
			fmt.Sprintf("pair %s unavailable on %s, trading disabled: %v",
				pair, cfg.Exchange.Name, err))
	}
	cancelCheck()

	go commandLoop(ctx, proc, sink, logger)

	logger.Info("spotmm started",
		"version", command.Version,
		"exchange", cfg.Exchange.Name,
		"pair", pair.String(),
	)

	if err := eng.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("engine stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

// commandLoop reads operator commands from stdin, one per line, and prints
// each reply. Notifications additionally go to the configured sink.
func commandLoop(ctx context.Context, proc *command.Processor, sink notify.Notifier, logger *slog.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		res := proc.Execute(ctx, line)
		fmt.Println(res.UserMessage)
		if res.Notify != "" {
			sink.Notify(ctx, res.NotifyType, res.Notify)
		}

		if ctx.Err() != nil {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Error("command input closed", "error", err)
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
