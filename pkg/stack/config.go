package stack

import (
	"errors"
	"time"

	"github.com/ryandielhenn/zephyrgroup/pkg/membership"
)

var (
	ErrGroupRequired            = errors.New("stack: group name is required")
	ErrEndpointRequired         = errors.New("stack: endpoint is required")
	ErrAddressRequired          = errors.New("stack: address is required")
	ErrInvalidHeartbeatInterval = errors.New("stack: heartbeat interval must be positive")
	ErrInvalidPhiThreshold      = errors.New("stack: phi threshold must be positive")
	ErrInvalidMergeTimers       = errors.New("stack: merge WAIT must be positive and shorter than TERMINATE")
	ErrInvalidInfoPeriod        = errors.New("stack: uniform info period must be positive")
)

// Config holds the configuration of one group stack.
type Config struct {
	Group string
	Self  membership.Endpoint
	// Addr is the transport address peers reach this process at.
	Addr string
	// Seeds are addresses probed for merges while alone.
	Seeds []string

	// Failure detection
	HeartbeatInterval time.Duration
	PhiThreshold      float64
	// OutsiderTTL is how long an outsider that stopped heartbeating is
	// still probed.
	OutsiderTTL time.Duration

	// Merge
	MergeWait      time.Duration
	MergeTerminate time.Duration

	// Stability gossip is sent after this many local deliveries, or on the
	// next info tick when fewer happened.
	GossipThreshold int
	// InfoPeriod paces uniformity info and idle stability gossip.
	InfoPeriod time.Duration
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig(group string, self membership.Endpoint, addr string) Config {
	return Config{
		Group:             group,
		Self:              self,
		Addr:              addr,
		HeartbeatInterval: 500 * time.Millisecond,
		PhiThreshold:      8,
		OutsiderTTL:       30 * time.Second,
		MergeWait:         time.Second,
		MergeTerminate:    10 * time.Second,
		GossipThreshold:   32,
		InfoPeriod:        200 * time.Millisecond,
	}
}

// Validate checks if the config is valid
func (c *Config) Validate() error {
	if c.Group == "" {
		return ErrGroupRequired
	}
	if c.Self == "" {
		return ErrEndpointRequired
	}
	if c.Addr == "" {
		return ErrAddressRequired
	}
	if c.HeartbeatInterval <= 0 {
		return ErrInvalidHeartbeatInterval
	}
	if c.PhiThreshold <= 0 {
		return ErrInvalidPhiThreshold
	}
	if c.MergeWait <= 0 || c.MergeTerminate <= c.MergeWait {
		return ErrInvalidMergeTimers
	}
	if c.InfoPeriod <= 0 {
		return ErrInvalidInfoPeriod
	}
	return nil
}
