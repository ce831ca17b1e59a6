// gateway-probe is a diagnostic tool that connects one account's gateway and
// prints its account state, open positions and a quote per instrument.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"trade-fleet/internal/config"
	"trade-fleet/internal/gateway"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to configuration file")
	accountID := flag.String("account", "", "account id to probe")
	interval := flag.Duration("interval", 2*time.Second, "polling interval")
	count := flag.Int("count", 1, "number of polls, 0 for until interrupted")
	flag.Parse()

	_ = godotenv.Load()

	if *accountID == "" {
		fmt.Fprintln(os.Stderr, "[gateway-probe] -account is required")
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[gateway-probe] config: %v\n", err)
		os.Exit(1)
	}
	loader := config.DirLoader{Dir: cfg.AccountsDir, DefaultsFile: cfg.DefaultsFile}
	acct, err := loader.Load(*accountID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[gateway-probe] %v\n", err)
		os.Exit(1)
	}

	gw, err := gateway.NewFactory(cfg.Gateway, nil)(acct)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[gateway-probe] %v\n", err)
		os.Exit(1)
	}
	defer gw.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cctx, cancel := gateway.WithTimeout(ctx, cfg.Gateway.ConnectTimeout)
	err = gw.Connect(cctx)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "[gateway-probe] connect %s (%s mode): %v\n", acct.Server, cfg.Gateway.Mode, err)
		os.Exit(1)
	}
	fmt.Printf("[gateway-probe] connected account=%s server=%s mode=%s\n", acct.AccountID, acct.Server, cfg.Gateway.Mode)
	fmt.Println("---")

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	for n := 1; ; n++ {
		probe(ctx, gw, acct, cfg.Gateway.CallTimeout)
		if *count > 0 && n >= *count {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func probe(ctx context.Context, gw gateway.Gateway, acct config.AccountConfig, timeout time.Duration) {
	cctx, cancel := gateway.WithTimeout(ctx, timeout)
	defer cancel()

	state, err := gw.GetAccount(cctx)
	if err != nil {
		fmt.Printf("ACCT  error: %v\n", err)
	} else {
		fmt.Printf("ACCT  %s  Bal=%.2f  Eq=%.2f  Margin=%.2f  Free=%.2f\n",
			acct.AccountID, state.Balance, state.Equity, state.Margin, state.FreeMargin)
	}

	positions, err := gw.GetOpenPositions(cctx, acct.AccountID)
	if err != nil {
		fmt.Printf("POS   error: %v\n", err)
	}
	for _, p := range positions {
		fmt.Printf("POS   #%d  %s %s  Vol=%.2f  Entry=%.5f  SL=%.5f  TP=%.5f  P/L=%.2f\n",
			p.Ticket, p.Symbol, p.Side, p.Volume, p.EntryPrice, p.StopLoss, p.TakeProfit, p.Profit)
	}

	for _, inst := range acct.EnabledInstruments() {
		q, err := gw.GetQuote(cctx, inst.Symbol)
		if err != nil {
			fmt.Printf("QUOTE %s  error: %v\n", inst.Symbol, err)
			continue
		}
		fmt.Printf("QUOTE %s  Bid=%.5f  Ask=%.5f  Time=%s\n", q.Symbol, q.Bid, q.Ask, q.Time.Format("15:04:05.000"))
	}
	fmt.Println("---")
}
