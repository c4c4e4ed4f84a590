package main

import (
	"context"
	"fmt"
	"os"

	"github.com/pterm/pterm"
	"github.com/pterm/pterm/putils"
	"github.com/rs/zerolog"

	"github.com/holytunnel/holytunnel/internal/config"
	"github.com/holytunnel/holytunnel/internal/dns"
	"github.com/holytunnel/holytunnel/internal/logging"
	"github.com/holytunnel/holytunnel/internal/tunnel"
	"github.com/holytunnel/holytunnel/version"
)

func main() {
	cmd := config.CreateCommand(run, version.VERSION, version.Commit)
	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logging.NewLogger(cfg.GetDebug())

	if !cfg.GetSilent() {
		printBanner(cfg)
	}

	resolver := createResolver(logger, cfg)
	srv := tunnel.NewServer(logger, resolver, serverOptions(cfg))
	return srv.ListenAndServe(ctx)
}

func createResolver(logger zerolog.Logger, cfg *config.Config) tunnel.Resolver {
	return dns.NewRouteResolver(logger, cfg)
}

func serverOptions(cfg *config.Config) tunnel.Options {
	return tunnel.Options{
		ListenAddr:     cfg.ListenTCPAddr(),
		Workers:        cfg.GetWorkers(),
		PoolCapacity:   cfg.GetPoolCapacity(),
		BufferSize:     cfg.GetBufferSize(),
		HeaderTimeout:  cfg.GetHeaderTimeout(),
		ResolveTimeout: cfg.GetResolveTimeout(),
		ConnectTimeout: cfg.GetConnectTimeout(),
		SendTimeout:    cfg.GetSendTimeout(),
		IdleTimeout:    cfg.GetIdleTimeout(),
	}
}

func printBanner(cfg *config.Config) {
	cyan := putils.LettersFromStringWithStyle("holy", pterm.NewStyle(pterm.FgCyan))
	purple := putils.LettersFromStringWithStyle("tunnel", pterm.NewStyle(pterm.FgLightMagenta))
	_ = pterm.DefaultBigText.WithLetters(cyan, purple).Render()

	upstream := cfg.DNSServer()
	if cfg.GetEnableDOH() {
		upstream = cfg.GetDOHEndpoint()
	}

	_ = pterm.DefaultBulletList.WithItems([]pterm.BulletListItem{
		{Level: 0, Text: "LISTEN  : " + addrString(cfg)},
		{Level: 0, Text: "DNS     : " + upstream},
		{Level: 0, Text: "WORKERS : " + fmt.Sprint(cfg.GetWorkers())},
		{Level: 0, Text: "DEBUG   : " + fmt.Sprint(cfg.GetDebug())},
	}).Render()

	pterm.DefaultBasicText.Println("Press 'CTRL + c' to quit")
}

func addrString(cfg *config.Config) string {
	addr := cfg.ListenTCPAddr()
	return addr.String()
}
