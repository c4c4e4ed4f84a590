package config

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"
)

// CreateCommand builds the root CLI command. runFunc receives the merged
// configuration (command line over config file over defaults).
func CreateCommand(
	runFunc func(ctx context.Context, cfg *Config) error,
	version string,
	commit string,
) *cli.Command {
	cmd := &cli.Command{
		Name:        "holytunnel",
		Description: "Minimal forward/tunneling HTTP(S) proxy",
		Version:     fmt.Sprintf("%s (%s)", version, commit),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name: "listen-addr",
				Usage: `
				Listen address (default: 127.0.0.1)`,
				Value:     DefaultListenAddr,
				OnlyOnce:  true,
				Validator: validateIPAddr,
			},

			&cli.IntFlag{
				Name:    "listen-port",
				Aliases: []string{"p"},
				Usage: `
				Listen port (default: 8007)`,
				Value:     DefaultListenPort,
				OnlyOnce:  true,
				Validator: validateUint16,
			},

			&cli.IntFlag{
				Name: "workers",
				Usage: `
				Number of worker event loops. Each worker owns its own connection
				pool and serves its connections independently (default: number of CPUs)`,
				Value:     0,
				OnlyOnce:  true,
				Validator: validateNonNegative,
			},

			&cli.IntFlag{
				Name: "pool-capacity",
				Usage: `
				Maximum connection records per worker. New connections are dropped
				once a worker's pool is exhausted (default: 1024)`,
				Value:     DefaultPoolCapacity,
				OnlyOnce:  true,
				Validator: validatePositive,
			},

			&cli.IntFlag{
				Name: "buffer-size",
				Usage: `
				Per-connection buffer size in bytes, bounding both the request
				header and the relay chunk (default: 8192)`,
				Value:     DefaultBufferSize,
				OnlyOnce:  true,
				Validator: validatePositive,
			},

			&cli.StringFlag{
				Name: "dns-addr",
				Usage: `
				DNS server address (default: 8.8.8.8)`,
				Value:     DefaultDNSAddr,
				OnlyOnce:  true,
				Validator: validateIPAddr,
			},

			&cli.IntFlag{
				Name: "dns-port",
				Usage: `
				Port number for plain DNS (default: 53)`,
				Value:     DefaultDNSPort,
				OnlyOnce:  true,
				Validator: validateUint16,
			},

			&cli.BoolFlag{
				Name: "enable-doh",
				Usage: `
				Resolve hosts over 'dns-over-https'`,
				OnlyOnce: true,
			},

			&cli.StringFlag{
				Name: "doh-endpoint",
				Usage: `
				Endpoint for 'dns-over-https'
				(default: "https://dns.adguard-dns.com/dns-query")`,
				Value:     "",
				OnlyOnce:  true,
				Validator: validateHTTPSEndpoint,
			},

			&cli.BoolFlag{
				Name: "dns-ipv4-only",
				Usage: `
				Resolve only IPv4 addresses`,
				OnlyOnce: true,
			},

			&cli.IntFlag{
				Name: "cache-shards",
				Usage: `
				Number of shards for the DNS answer cache (default: 32, max: 255)`,
				Value:     DefaultCacheShards,
				OnlyOnce:  true,
				Validator: validateUint8,
			},

			&cli.IntFlag{
				Name: "header-timeout",
				Usage: `
				Milliseconds a client may take to finish its request header;
				0 disables (default: 10000)`,
				Value:     int64(DefaultHeaderTimeout.Milliseconds()),
				OnlyOnce:  true,
				Validator: validateNonNegative,
			},

			&cli.IntFlag{
				Name: "resolve-timeout",
				Usage: `
				Milliseconds to wait for a DNS answer; 0 disables (default: 3000)`,
				Value:     int64(DefaultResolveTimeout.Milliseconds()),
				OnlyOnce:  true,
				Validator: validateNonNegative,
			},

			&cli.IntFlag{
				Name: "connect-timeout",
				Usage: `
				Milliseconds to wait for the outbound TCP connect;
				0 disables (default: 10000)`,
				Value:     int64(DefaultConnectTimeout.Milliseconds()),
				OnlyOnce:  true,
				Validator: validateNonNegative,
			},

			&cli.IntFlag{
				Name: "send-timeout",
				Usage: `
				Milliseconds a single write to a peer socket may take before the
				tunnel is torn down; 0 disables (default: 3000)`,
				Value:     int64(DefaultSendTimeout.Milliseconds()),
				OnlyOnce:  true,
				Validator: validateNonNegative,
			},

			&cli.IntFlag{
				Name: "idle-timeout",
				Usage: `
				Milliseconds a forwarding tunnel may stay idle;
				0 disables (default: 0)`,
				Value:     DefaultIdleTimeout,
				OnlyOnce:  true,
				Validator: validateNonNegative,
			},

			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage: `
				Custom location of the config file to load. Options given through
				the command line override the options set in this file.`,
				OnlyOnce: true,
				Sources:  cli.EnvVars("HOLYTUNNEL_CONFIG"),
			},

			&cli.BoolFlag{
				Name: "clean",
				Usage: `
				If set, all configuration files will be ignored`,
				OnlyOnce: true,
			},

			&cli.BoolFlag{
				Name: "debug",
				Usage: `
				Enable debug output`,
				OnlyOnce: true,
			},

			&cli.BoolFlag{
				Name: "silent",
				Usage: `
				Suppress the startup banner`,
				OnlyOnce: true,
			},
		},

		Action: func(ctx context.Context, c *cli.Command) error {
			argsCfg := configFromFlags(c)

			var tomlCfg *Config
			if !c.Bool("clean") {
				file, err := searchTomlFile(c.String("config"))
				if err != nil {
					return err
				}

				if file != "" {
					tomlCfg, err = fromTomlFile(file)
					if err != nil {
						return fmt.Errorf("error parsing toml config: %w", err)
					}
				}
			}

			return runFunc(ctx, argsCfg.Merge(tomlCfg))
		},
	}

	return cmd
}

// configFromFlags captures only the flags the user actually set, so the
// merge with the config file can tell explicit values from defaults.
func configFromFlags(c *cli.Command) *Config {
	cfg := &Config{}

	setString := func(name string, dst **string) {
		if c.IsSet(name) {
			v := c.String(name)
			*dst = &v
		}
	}
	setInt := func(name string, dst **int) {
		if c.IsSet(name) {
			v := int(c.Int(name))
			*dst = &v
		}
	}
	setBool := func(name string, dst **bool) {
		if c.IsSet(name) {
			v := c.Bool(name)
			*dst = &v
		}
	}

	setString("listen-addr", &cfg.ListenAddr)
	setInt("listen-port", &cfg.ListenPort)
	setInt("workers", &cfg.Workers)
	setInt("pool-capacity", &cfg.PoolCapacity)
	setInt("buffer-size", &cfg.BufferSize)

	setString("dns-addr", &cfg.DNSAddr)
	setInt("dns-port", &cfg.DNSPort)
	setBool("enable-doh", &cfg.EnableDOH)
	setString("doh-endpoint", &cfg.DOHEndpoint)
	setBool("dns-ipv4-only", &cfg.DNSIPv4Only)
	setInt("cache-shards", &cfg.CacheShards)

	setInt("header-timeout", &cfg.HeaderTimeoutMs)
	setInt("resolve-timeout", &cfg.ResolveTimeoutMs)
	setInt("connect-timeout", &cfg.ConnectTimeoutMs)
	setInt("send-timeout", &cfg.SendTimeoutMs)
	setInt("idle-timeout", &cfg.IdleTimeoutMs)

	setBool("debug", &cfg.Debug)
	setBool("silent", &cfg.Silent)

	return cfg
}
