package main

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"

	kixdns "github.com/kixdns/kixdns"
)

type options struct {
	configPath    string
	listenerLabel string
	debug         bool
	udpWorkers    int
}

func main() {
	var opt options
	cmd := &cobra.Command{
		Use:   "kixdns",
		Short: "Programmable, hot-reloadable DNS forwarding proxy",
		Long: `kixdns listens for incoming DNS requests, evaluates them against a
compiled, hot-reloadable pipeline of rules, and forwards to upstream
resolvers, caching and coalescing identical in-flight queries along the
way.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opt)
		},
		SilenceUsage: true,
	}

	cmd.Flags().StringVarP(&opt.configPath, "config", "c", "config/pipeline.json", "path to the pipeline config file")
	cmd.Flags().StringVar(&opt.listenerLabel, "listener-label", "default", "label attached to requests from this process's listeners")
	cmd.Flags().BoolVar(&opt.debug, "debug", false, "enable debug logging")
	cmd.Flags().IntVar(&opt.udpWorkers, "udp-workers", 0, "number of UDP worker sockets (0 = number of CPUs)")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(opt options) error {
	kixdns.SetDebug(opt.debug)

	cfg, err := kixdns.LoadAndCompile(opt.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	udpWorkers := opt.udpWorkers
	if udpWorkers <= 0 {
		udpWorkers = runtime.NumCPU()
	}

	udpTransport, err := kixdns.NewUDPTransport(cfg.Settings.UDPPoolSize)
	if err != nil {
		return fmt.Errorf("starting udp transport: %w", err)
	}
	tcpTransport := kixdns.NewTCPTransport(cfg.Settings.TCPPoolSize)

	engine := kixdns.NewEngine(opt.listenerLabel, cfg, udpTransport, tcpTransport)

	watcher, err := kixdns.NewWatcher(opt.configPath, engine)
	if err != nil {
		return fmt.Errorf("starting config watcher: %w", err)
	}
	defer watcher.Close()

	udpListener := kixdns.NewUDPListener(opt.listenerLabel, cfg.Settings.BindUDP, engine, udpWorkers)
	if err := udpListener.Start(); err != nil {
		return fmt.Errorf("starting udp listener: %w", err)
	}

	tcpListener := kixdns.NewTCPListener(opt.listenerLabel, cfg.Settings.BindTCP, engine)
	if err := tcpListener.Start(); err != nil {
		return fmt.Errorf("starting tcp listener: %w", err)
	}

	if cfg.Settings.AdminListen != "" {
		admin := kixdns.NewAdminListener(opt.listenerLabel, cfg.Settings.AdminListen)
		if err := admin.Start(); err != nil {
			return fmt.Errorf("starting admin listener: %w", err)
		}
		defer admin.Stop()
	}

	kixdns.Log.Info("kixdns started",
		"config", opt.configPath,
		"udp", cfg.Settings.BindUDP,
		"tcp", cfg.Settings.BindTCP,
		"udp_workers", udpWorkers,
	)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	kixdns.Log.Info("shutting down")
	return nil
}
