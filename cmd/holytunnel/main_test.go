package main

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/holytunnel/holytunnel/internal/config"
	"github.com/holytunnel/holytunnel/internal/ptr"
)

func TestCreateResolver(t *testing.T) {
	cfg := &config.Config{
		DNSAddr:   ptr.FromValue("8.8.8.8"),
		DNSPort:   ptr.FromValue(53),
		EnableDOH: ptr.FromValue(false),
	}

	resolver := createResolver(zerolog.Nop(), cfg)
	assert.NotNil(t, resolver)
}

func TestServerOptionsMapping(t *testing.T) {
	cfg := &config.Config{
		ListenAddr:      ptr.FromValue("127.0.0.1"),
		ListenPort:      ptr.FromValue(9000),
		Workers:         ptr.FromValue(4),
		PoolCapacity:    ptr.FromValue(512),
		BufferSize:      ptr.FromValue(4096),
		HeaderTimeoutMs: ptr.FromValue(1500),
		IdleTimeoutMs:   ptr.FromValue(0),
	}

	opts := serverOptions(cfg)
	assert.Equal(t, 9000, opts.ListenAddr.Port)
	assert.Equal(t, 4, opts.Workers)
	assert.Equal(t, 512, opts.PoolCapacity)
	assert.Equal(t, 4096, opts.BufferSize)
	assert.Equal(t, 1500*time.Millisecond, opts.HeaderTimeout)
	assert.Zero(t, opts.IdleTimeout, "zero disables the idle deadline")
}
