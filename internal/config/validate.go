package config

import (
	"fmt"
	"net"
	"strings"
)

func validateUint16(v int64) error {
	if v < 0 || v > 65535 {
		return fmt.Errorf("value %d out of range [0, 65535]", v)
	}

	return nil
}

func validateUint8(v int64) error {
	if v < 1 || v > 255 {
		return fmt.Errorf("value %d out of range [1, 255]", v)
	}

	return nil
}

func validatePositive(v int64) error {
	if v < 1 {
		return fmt.Errorf("value %d must be positive", v)
	}

	return nil
}

func validateNonNegative(v int64) error {
	if v < 0 {
		return fmt.Errorf("value %d must not be negative", v)
	}

	return nil
}

func validateIPAddr(s string) error {
	if net.ParseIP(s) == nil {
		return fmt.Errorf("%q is not a valid ip address", s)
	}

	return nil
}

func validateHTTPSEndpoint(s string) error {
	if s == "" {
		return nil
	}

	if !strings.HasPrefix(s, "https://") {
		return fmt.Errorf("%q must start with https://", s)
	}

	return nil
}
