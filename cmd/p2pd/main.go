package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/BurntSushi/toml"

	"github.com/mlmikael/libbitcoin/observability/logging"
	"github.com/mlmikael/libbitcoin/p2p"
	"github.com/mlmikael/libbitcoin/p2p/seeds"
)

// fileConfig mirrors Settings for TOML decoding; only the fields an
// operator would reasonably override are exposed, everything else falls
// back to the selected network preset.
type fileConfig struct {
	Network             string   `toml:"network"`
	InboundPort         uint16   `toml:"inbound_port"`
	OutboundConnections int      `toml:"outbound_connections"`
	ConnectionLimit     int      `toml:"connection_limit"`
	HostsFile           string   `toml:"hosts_file"`
	SelfHost            string   `toml:"self_host"`
	SelfPort            uint16   `toml:"self_port"`
	Blacklists          []string `toml:"blacklists"`
	Seeds               []string `toml:"seeds"`
	Connect             []string `toml:"connect"`
	SeedRegistryFile    string   `toml:"seed_registry_file"`
}

func main() {
	configFile := flag.String("config", "./p2pd.toml", "path to the node configuration file")
	network := flag.String("network", "", "network preset (mainnet or testnet), overrides the config file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("P2PD_ENV"))
	logger := logging.Setup("p2pd", env)

	settings, err := loadSettings(*configFile, *network, logger)
	if err != nil {
		logger.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	var opts []p2p.Option
	if config, err := readFileConfig(*configFile); err == nil && config.SeedRegistryFile != "" {
		raw, err := os.ReadFile(config.SeedRegistryFile)
		if err != nil {
			logger.Error("failed to read seed registry file", slog.String("path", config.SeedRegistryFile), slog.Any("error", err))
			os.Exit(1)
		}
		registry, err := seeds.Parse(raw)
		if err != nil {
			logger.Error("failed to parse seed registry", slog.String("path", config.SeedRegistryFile), slog.Any("error", err))
			os.Exit(1)
		}
		opts = append(opts, p2p.WithSeedRegistry(registry, seeds.DefaultResolver()))
	}

	co, err := p2p.New(settings, logger, opts...)
	if err != nil {
		logger.Error("failed to construct coordinator", slog.Any("error", err))
		os.Exit(1)
	}

	// Relay drops each handler after one delivery, so the handler
	// resubscribes itself to keep logging every promotion until shutdown.
	var onChannelEvent func(err error, ch *p2p.Channel)
	onChannelEvent = func(err error, ch *p2p.Channel) {
		if err != nil {
			logger.Info("subscriber notified of shutdown", slog.Any("error", err))
			return
		}
		logger.Info("channel promoted", logging.MaskField("remote", ch.RemoteAddress().String()), slog.Bool("inbound", ch.Inbound()))
		co.Subscribe(onChannelEvent)
	}
	co.Subscribe(onChannelEvent)

	startErr := make(chan error, 1)
	co.Start(func(err error) { startErr <- err })
	if err := <-startErr; err != nil {
		logger.Error("start failed", slog.Any("error", err))
		os.Exit(1)
	}

	runErr := make(chan error, 1)
	co.Run(func(err error) { runErr <- err })
	if err := <-runErr; err != nil {
		logger.Error("run failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("p2p node running",
		slog.Int("outbound_connections", settings.OutboundConnections),
		slog.Any("inbound_port", settings.InboundPort),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	config, err := readFileConfig(*configFile)
	if err == nil {
		for _, target := range config.Connect {
			target := target
			co.Connect(hostOf(target), portOf(target), func(ch *p2p.Channel, err error) {
				if err != nil {
					logger.Warn("manual connect failed", logging.MaskField("target", target), slog.Any("error", err))
					return
				}
				logger.Info("manual connect established", logging.MaskField("target", target))
			})
		}
	}

	<-ctx.Done()
	logger.Info("shutting down")

	stopErr := make(chan error, 1)
	co.Stop(func(err error) { stopErr <- err })
	<-stopErr

	if err := co.Close(); err != nil {
		logger.Error("close failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func loadSettings(path, networkFlag string, logger *slog.Logger) (p2p.Settings, error) {
	settings := p2p.Mainnet

	cfg, err := readFileConfig(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Warn("no configuration file found, using mainnet defaults", slog.String("path", path))
		} else {
			return p2p.Settings{}, err
		}
	}

	network := strings.ToLower(strings.TrimSpace(networkFlag))
	if network == "" {
		network = strings.ToLower(strings.TrimSpace(cfg.Network))
	}
	if network == "testnet" {
		settings = p2p.Testnet
	}

	if cfg.InboundPort != 0 {
		settings.InboundPort = cfg.InboundPort
	}
	if cfg.OutboundConnections != 0 {
		settings.OutboundConnections = cfg.OutboundConnections
	}
	if cfg.ConnectionLimit != 0 {
		settings.ConnectionLimit = cfg.ConnectionLimit
	}
	if cfg.HostsFile != "" {
		settings.HostsFile = cfg.HostsFile
	}
	if len(cfg.Blacklists) > 0 {
		settings.Blacklists = cfg.Blacklists
	}
	if len(cfg.Seeds) > 0 {
		settings.Seeds = cfg.Seeds
	}
	if cfg.SelfHost != "" {
		settings.Self = p2p.Address{IP: net.ParseIP(cfg.SelfHost), Port: cfg.SelfPort}
	}
	return settings, nil
}

func readFileConfig(path string) (fileConfig, error) {
	var cfg fileConfig
	if _, err := os.Stat(path); err != nil {
		return cfg, err
	}
	_, err := toml.DecodeFile(path, &cfg)
	return cfg, err
}

func hostOf(hostport string) string {
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport
	}
	return host
}

func portOf(hostport string) uint16 {
	_, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return 0
	}
	n, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return 0
	}
	return uint16(n)
}
