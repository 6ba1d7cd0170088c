package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"funding-hedge-bot/internal/config"
	"funding-hedge-bot/internal/strategy"
	"funding-hedge-bot/internal/venue/hyperliquid"
	"funding-hedge-bot/internal/venue/pacifica"

	"go.uber.org/zap"
)

// Prints the current funding spread for every symbol listed on both venues.
// Uses only public endpoints; no credentials required.
func main() {
	configPath := flag.String("config", "bot_config.json", "path to config file")
	all := flag.Bool("all", false, "show every common symbol, not just the configured watchlist")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log := zap.NewNop()
	hyper := hyperliquid.New(cfg.Venues.Hyperliquid, nil, "", log)
	pacificaClient := pacifica.New(cfg.Venues.Pacifica, nil, "", log)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	symbols, err := commonSymbols(ctx, hyper, pacificaClient)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list symbols: %v\n", err)
		os.Exit(1)
	}
	if !*all {
		watch := make(map[string]bool, len(cfg.SymbolsToMonitor))
		for _, s := range cfg.SymbolsToMonitor {
			watch[s] = true
		}
		filtered := symbols[:0]
		for _, s := range symbols {
			if watch[s] {
				filtered = append(filtered, s)
			}
		}
		symbols = filtered
	}

	var opps []strategy.Opportunity
	for _, symbol := range symbols {
		hyperRate, err := hyper.FundingRate(ctx, symbol)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%-8s %s funding unavailable: %v\n", symbol, hyper.Name(), err)
			continue
		}
		pacificaRate, err := pacificaClient.FundingRate(ctx, symbol)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%-8s %s funding unavailable: %v\n", symbol, pacificaClient.Name(), err)
			continue
		}
		opps = append(opps, strategy.MakeOpportunity(symbol, hyper.Name(), pacificaClient.Name(), hyperRate, pacificaRate))
	}
	sort.Slice(opps, func(i, j int) bool { return opps[i].NetAPR > opps[j].NetAPR })

	fmt.Printf("%-8s %-12s %10s %-12s %10s %10s\n", "SYMBOL", "LONG", "APR%", "SHORT", "APR%", "NET APR%")
	for _, opp := range opps {
		fmt.Printf("%-8s %-12s %10.2f %-12s %10.2f %10.2f\n",
			opp.Symbol, opp.LongVenue, opp.LongAPR, opp.ShortVenue, opp.ShortAPR, opp.NetAPR)
	}
}

func commonSymbols(ctx context.Context, a, b interface {
	Symbols(context.Context) ([]string, error)
}) ([]string, error) {
	symbolsA, err := a.Symbols(ctx)
	if err != nil {
		return nil, err
	}
	symbolsB, err := b.Symbols(ctx)
	if err != nil {
		return nil, err
	}
	onA := make(map[string]bool, len(symbolsA))
	for _, s := range symbolsA {
		onA[s] = true
	}
	var common []string
	for _, s := range symbolsB {
		if onA[s] {
			common = append(common, s)
		}
	}
	sort.Strings(common)
	return common, nil
}
