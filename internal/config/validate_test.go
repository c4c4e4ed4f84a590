package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateUint16(t *testing.T) {
	tcs := []struct {
		name    string
		input   int64
		wantErr bool
	}{
		{"zero", 0, false},
		{"max", 65535, false},
		{"negative", -1, true},
		{"too large", 65536, true},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			err := validateUint16(tc.input)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestValidateUint8(t *testing.T) {
	assert.Error(t, validateUint8(0))
	assert.NoError(t, validateUint8(1))
	assert.NoError(t, validateUint8(255))
	assert.Error(t, validateUint8(256))
}

func TestValidatePositive(t *testing.T) {
	assert.Error(t, validatePositive(0))
	assert.NoError(t, validatePositive(1))
}

func TestValidateNonNegative(t *testing.T) {
	assert.Error(t, validateNonNegative(-1))
	assert.NoError(t, validateNonNegative(0))
}

func TestValidateIPAddr(t *testing.T) {
	assert.NoError(t, validateIPAddr("127.0.0.1"))
	assert.NoError(t, validateIPAddr("::1"))
	assert.Error(t, validateIPAddr("localhost"))
	assert.Error(t, validateIPAddr(""))
}

func TestValidateHTTPSEndpoint(t *testing.T) {
	assert.NoError(t, validateHTTPSEndpoint(""))
	assert.NoError(t, validateHTTPSEndpoint("https://dns.google/dns-query"))
	assert.Error(t, validateHTTPSEndpoint("http://dns.google/dns-query"))
}
