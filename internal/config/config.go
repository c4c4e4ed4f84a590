package config

import (
	"net"
	"runtime"
	"strconv"
	"time"

	"github.com/holytunnel/holytunnel/internal/ptr"
)

// Defaults applied when neither the command line nor the config file
// provides a value.
const (
	DefaultListenAddr   = "127.0.0.1"
	DefaultListenPort   = 8007
	DefaultPoolCapacity = 1024
	DefaultBufferSize   = 8192
	DefaultDNSAddr      = "8.8.8.8"
	DefaultDNSPort      = 53
	DefaultDOHEndpoint  = "https://dns.adguard-dns.com/dns-query"
	DefaultCacheShards  = 32

	DefaultHeaderTimeout  = 10 * time.Second
	DefaultResolveTimeout = 3 * time.Second
	DefaultConnectTimeout = 10 * time.Second
	DefaultSendTimeout    = 3 * time.Second
	DefaultIdleTimeout    = 0 // disabled
)

// Config holds all tunable options. Fields are pointers so a merge can
// distinguish "unset" from an explicit zero; read them through the accessor
// methods, which apply defaults.
type Config struct {
	ListenAddr   *string `toml:"listen-addr"`
	ListenPort   *int    `toml:"listen-port"`
	Workers      *int    `toml:"workers"`
	PoolCapacity *int    `toml:"pool-capacity"`
	BufferSize   *int    `toml:"buffer-size"`

	DNSAddr     *string `toml:"dns-addr"`
	DNSPort     *int    `toml:"dns-port"`
	EnableDOH   *bool   `toml:"enable-doh"`
	DOHEndpoint *string `toml:"doh-endpoint"`
	DNSIPv4Only *bool   `toml:"dns-ipv4-only"`
	CacheShards *int    `toml:"cache-shards"`

	// Timeouts are given in milliseconds; 0 disables the timeout.
	HeaderTimeoutMs  *int `toml:"header-timeout"`
	ResolveTimeoutMs *int `toml:"resolve-timeout"`
	ConnectTimeoutMs *int `toml:"connect-timeout"`
	SendTimeoutMs    *int `toml:"send-timeout"`
	IdleTimeoutMs    *int `toml:"idle-timeout"`

	Debug  *bool `toml:"debug"`
	Silent *bool `toml:"silent"`
}

func (c *Config) GetListenAddr() string {
	return ptr.FromPtrOr(c.ListenAddr, DefaultListenAddr)
}

func (c *Config) GetListenPort() int {
	return ptr.FromPtrOr(c.ListenPort, DefaultListenPort)
}

// ListenTCPAddr returns the resolved listen address.
func (c *Config) ListenTCPAddr() net.TCPAddr {
	return net.TCPAddr{
		IP:   net.ParseIP(c.GetListenAddr()),
		Port: c.GetListenPort(),
	}
}

// GetWorkers returns the worker count, defaulting to the CPU count.
func (c *Config) GetWorkers() int {
	n := ptr.FromPtr(c.Workers)
	if n <= 0 {
		return runtime.NumCPU()
	}

	return n
}

func (c *Config) GetPoolCapacity() int {
	return ptr.FromPtrOr(c.PoolCapacity, DefaultPoolCapacity)
}

func (c *Config) GetBufferSize() int {
	return ptr.FromPtrOr(c.BufferSize, DefaultBufferSize)
}

func (c *Config) GetDNSAddr() string {
	return ptr.FromPtrOr(c.DNSAddr, DefaultDNSAddr)
}

func (c *Config) GetDNSPort() int {
	return ptr.FromPtrOr(c.DNSPort, DefaultDNSPort)
}

// DNSServer returns the plain-DNS upstream in host:port form.
func (c *Config) DNSServer() string {
	return net.JoinHostPort(c.GetDNSAddr(), strconv.Itoa(c.GetDNSPort()))
}

func (c *Config) GetEnableDOH() bool {
	return ptr.FromPtr(c.EnableDOH)
}

func (c *Config) GetDOHEndpoint() string {
	return ptr.FromPtrOr(c.DOHEndpoint, DefaultDOHEndpoint)
}

func (c *Config) GetDNSIPv4Only() bool {
	return ptr.FromPtr(c.DNSIPv4Only)
}

func (c *Config) GetCacheShards() int {
	return ptr.FromPtrOr(c.CacheShards, DefaultCacheShards)
}

func (c *Config) GetHeaderTimeout() time.Duration {
	return millis(c.HeaderTimeoutMs, DefaultHeaderTimeout)
}

func (c *Config) GetResolveTimeout() time.Duration {
	return millis(c.ResolveTimeoutMs, DefaultResolveTimeout)
}

func (c *Config) GetConnectTimeout() time.Duration {
	return millis(c.ConnectTimeoutMs, DefaultConnectTimeout)
}

func (c *Config) GetSendTimeout() time.Duration {
	return millis(c.SendTimeoutMs, DefaultSendTimeout)
}

func (c *Config) GetIdleTimeout() time.Duration {
	return millis(c.IdleTimeoutMs, DefaultIdleTimeout)
}

func (c *Config) GetDebug() bool {
	return ptr.FromPtr(c.Debug)
}

func (c *Config) GetSilent() bool {
	return ptr.FromPtr(c.Silent)
}

func millis(v *int, fallback time.Duration) time.Duration {
	if v == nil {
		return fallback
	}

	return time.Duration(*v) * time.Millisecond
}

// Merge overlays c on top of base: any field set in c wins, any field unset
// in c falls back to base. Neither receiver nor argument is mutated.
func (c *Config) Merge(base *Config) *Config {
	if base == nil {
		base = &Config{}
	}

	return &Config{
		ListenAddr:   ptr.CloneOr(c.ListenAddr, base.ListenAddr),
		ListenPort:   ptr.CloneOr(c.ListenPort, base.ListenPort),
		Workers:      ptr.CloneOr(c.Workers, base.Workers),
		PoolCapacity: ptr.CloneOr(c.PoolCapacity, base.PoolCapacity),
		BufferSize:   ptr.CloneOr(c.BufferSize, base.BufferSize),

		DNSAddr:     ptr.CloneOr(c.DNSAddr, base.DNSAddr),
		DNSPort:     ptr.CloneOr(c.DNSPort, base.DNSPort),
		EnableDOH:   ptr.CloneOr(c.EnableDOH, base.EnableDOH),
		DOHEndpoint: ptr.CloneOr(c.DOHEndpoint, base.DOHEndpoint),
		DNSIPv4Only: ptr.CloneOr(c.DNSIPv4Only, base.DNSIPv4Only),
		CacheShards: ptr.CloneOr(c.CacheShards, base.CacheShards),

		HeaderTimeoutMs:  ptr.CloneOr(c.HeaderTimeoutMs, base.HeaderTimeoutMs),
		ResolveTimeoutMs: ptr.CloneOr(c.ResolveTimeoutMs, base.ResolveTimeoutMs),
		ConnectTimeoutMs: ptr.CloneOr(c.ConnectTimeoutMs, base.ConnectTimeoutMs),
		SendTimeoutMs:    ptr.CloneOr(c.SendTimeoutMs, base.SendTimeoutMs),
		IdleTimeoutMs:    ptr.CloneOr(c.IdleTimeoutMs, base.IdleTimeoutMs),

		Debug:  ptr.CloneOr(c.Debug, base.Debug),
		Silent: ptr.CloneOr(c.Silent, base.Silent),
	}
}
