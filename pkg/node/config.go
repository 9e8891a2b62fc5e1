package node

import (
	"errors"
	"fmt"
	"time"

	"github.com/ryandielhenn/zephyrgroup/pkg/membership"
	"github.com/ryandielhenn/zephyrgroup/pkg/stack"
)

var (
	ErrHTTPAddrRequired    = errors.New("node: HTTP address is required")
	ErrInvalidCapacity     = errors.New("node: capacity must be positive")
	ErrInvalidWriteTimeout = errors.New("node: write timeout must be positive")
	ErrInvalidLeaseTTL     = errors.New("node: lease TTL must be positive")
)

// Config is the configuration of one replicated KV node.
type Config struct {
	HTTPAddr string
	// Etcd lists discovery endpoints; empty disables discovery.
	Etcd []string
	// LeaseTTL is the etcd registration lease, in seconds.
	LeaseTTL      int64
	CapacityBytes int
	// WriteTimeout bounds how long a write waits for its uniform delivery.
	WriteTimeout time.Duration
	Stack        stack.Config
}

func DefaultConfig(group string, self membership.Endpoint, addr string) Config {
	return Config{
		HTTPAddr:      ":8080",
		LeaseTTL:      10,
		CapacityBytes: 64 << 20,
		WriteTimeout:  5 * time.Second,
		Stack:         stack.DefaultConfig(group, self, addr),
	}
}

func (c *Config) Validate() error {
	if c.HTTPAddr == "" {
		return ErrHTTPAddrRequired
	}
	if c.CapacityBytes <= 0 {
		return ErrInvalidCapacity
	}
	if c.WriteTimeout <= 0 {
		return ErrInvalidWriteTimeout
	}
	if len(c.Etcd) > 0 && c.LeaseTTL <= 0 {
		return ErrInvalidLeaseTTL
	}
	if err := c.Stack.Validate(); err != nil {
		return fmt.Errorf("node: stack config: %w", err)
	}
	return nil
}
