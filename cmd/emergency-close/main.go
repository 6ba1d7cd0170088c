package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"funding-hedge-bot/internal/config"
	"funding-hedge-bot/internal/logging"
	"funding-hedge-bot/internal/venue"
	"funding-hedge-bot/internal/venue/hyperliquid"
	"funding-hedge-bot/internal/venue/pacifica"

	"go.uber.org/zap"
)

// Last-resort tool: flattens live positions on both venues with reduce-only
// market orders, outside the bot's state machine. The state file is left
// untouched; the bot's recovery pass sorts it out on next start.
func main() {
	configPath := flag.String("config", "bot_config.json", "path to config file")
	symbol := flag.String("symbol", "", "close only this symbol (default: every watched symbol)")
	dryRun := flag.Bool("dry-run", false, "show what would be closed without placing orders")
	force := flag.Bool("force", false, "skip the confirmation prompt")
	flag.Parse()

	if err := config.LoadEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.Log)

	hyper, pacificaClient, err := buildVenues(cfg, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	symbols := cfg.SymbolsToMonitor
	if *symbol != "" {
		symbols = []string{*symbol}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	type leg struct {
		v      venue.Venue
		symbol string
		qty    float64
	}
	var legs []leg
	for _, s := range symbols {
		for _, v := range []venue.Venue{hyper, pacificaClient} {
			pos, ok, err := v.Position(ctx, s)
			if err != nil {
				fmt.Fprintf(os.Stderr, "query %s on %s: %v\n", s, v.Name(), err)
				continue
			}
			if ok && pos.Quantity != 0 {
				fmt.Printf("open: %-8s %-12s qty %+f entry %.4f upnl %+.2f\n",
					s, v.Name(), pos.Quantity, pos.EntryPrice, pos.UnrealizedPnL)
				legs = append(legs, leg{v: v, symbol: s, qty: pos.Quantity})
			}
		}
	}
	if len(legs) == 0 {
		fmt.Println("no open positions found")
		return
	}
	if *dryRun {
		fmt.Printf("dry run: %d leg(s) would be closed\n", len(legs))
		return
	}
	if !*force && !confirm(len(legs)) {
		fmt.Println("aborted")
		return
	}

	failures := 0
	for _, l := range legs {
		side := venue.Opposite(l.qty)
		fill, err := l.v.PlaceMarketOrder(ctx, l.symbol, side, math.Abs(l.qty), true)
		if err != nil {
			failures++
			fmt.Fprintf(os.Stderr, "close %s on %s FAILED: %v\n", l.symbol, l.v.Name(), err)
			continue
		}
		fmt.Printf("closed %s on %s: %f @ %.4f\n", l.symbol, l.v.Name(), fill.Quantity, fill.Price)
	}
	if failures > 0 {
		fmt.Fprintf(os.Stderr, "%d leg(s) failed to close\n", failures)
		os.Exit(1)
	}
}

func buildVenues(cfg *config.Config, log *zap.Logger) (*hyperliquid.Client, *pacifica.Client, error) {
	walletAddress := strings.TrimSpace(os.Getenv("HL_WALLET_ADDRESS"))
	privateKey := strings.TrimSpace(os.Getenv("HL_PRIVATE_KEY"))
	if walletAddress == "" || privateKey == "" {
		return nil, nil, fmt.Errorf("HL_WALLET_ADDRESS and HL_PRIVATE_KEY are required")
	}
	accountAddress := strings.TrimSpace(os.Getenv("HL_ACCOUNT_ADDRESS"))
	if accountAddress == "" {
		accountAddress = walletAddress
	}
	isMainnet := !strings.Contains(strings.ToLower(cfg.Venues.Hyperliquid.BaseURL), "testnet")
	signer, err := hyperliquid.NewSigner(privateKey, isMainnet)
	if err != nil {
		return nil, nil, err
	}
	hyper := hyperliquid.New(cfg.Venues.Hyperliquid, signer, accountAddress, log)

	agentKey := strings.TrimSpace(os.Getenv("PACIFICA_AGENT_PRIVATE_KEY"))
	if agentKey == "" {
		return nil, nil, fmt.Errorf("PACIFICA_AGENT_PRIVATE_KEY is required")
	}
	keypair, err := pacifica.NewKeypair(agentKey)
	if err != nil {
		return nil, nil, err
	}
	account := strings.TrimSpace(os.Getenv("PACIFICA_SOL_WALLET"))
	return hyper, pacifica.New(cfg.Venues.Pacifica, keypair, account, log), nil
}

func confirm(count int) bool {
	fmt.Printf("about to market-close %d leg(s); type 'yes' to continue: ", count)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	return strings.TrimSpace(line) == "yes"
}
