package config

import (
	"net"
	"time"

	"github.com/Meander-Cloud/go-branch/logging"
	"github.com/Meander-Cloud/go-branch/result"
)

const (
	// defaults for when not provided in BranchConfig
	EventChannelLength    uint16        = 1024
	AdvertisingAddress    string        = "ff02::8000:2439"
	AdvertisingPort       uint16        = 13531
	AdvertisingInterval   time.Duration = time.Second
	ConnectionTimeout     time.Duration = time.Second * 3
	TxQueueSize           int           = 35000
	RxQueueSize           int           = 35000
	StatusAddress         string        = "127.0.0.1:8443"
	ListenAddress         string        = ":0"
	DefaultInterface      string        = "localhost"
	MaxMessagePayloadSize int           = 32768

	MinTxQueueSize int = 35000
	MaxTxQueueSize int = 10000000
	MinRxQueueSize int = 35000
	MaxRxQueueSize int = 10000000
)

type StatusConfig struct {
	Enabled bool   `koanf:"enabled"`
	Address string `koanf:"address"`
}

// BranchConfig configures a single branch. Empty identity fields are filled in
// from the process and host when the branch starts.
type BranchConfig struct {
	Name            string `koanf:"name"`
	Description     string `koanf:"description"`
	NetworkName     string `koanf:"network_name"`
	NetworkPassword string `koanf:"network_password"`
	Path            string `koanf:"path"`

	AdvertisingInterfaces []string      `koanf:"advertising_interfaces"`
	AdvertisingAddress    string        `koanf:"advertising_address"`
	AdvertisingPort       uint16        `koanf:"advertising_port"`
	AdvertisingInterval   time.Duration `koanf:"advertising_interval"` // negative disables sending
	Timeout               time.Duration `koanf:"timeout"`              // negative means infinite
	GhostMode             bool          `koanf:"ghost_mode"`

	ListenAddress       string `koanf:"listen_address"`
	TxQueueSize         int    `koanf:"tx_queue_size"`
	RxQueueSize         int    `koanf:"rx_queue_size"`
	TransceiveByteLimit int    `koanf:"transceive_byte_limit"` // 0 means unlimited
	EventChannelLength  uint16 `koanf:"event_channel_length"`

	Log    logging.Config `koanf:"log"`
	Status StatusConfig   `koanf:"status"`
}

func (c *BranchConfig) ApplyDefaults() {
	if len(c.AdvertisingInterfaces) == 0 {
		c.AdvertisingInterfaces = []string{DefaultInterface}
	}
	if c.AdvertisingAddress == "" {
		c.AdvertisingAddress = AdvertisingAddress
	}
	if c.AdvertisingPort == 0 {
		c.AdvertisingPort = AdvertisingPort
	}
	if c.AdvertisingInterval == 0 {
		c.AdvertisingInterval = AdvertisingInterval
	}
	if c.Timeout == 0 {
		c.Timeout = ConnectionTimeout
	}
	if c.ListenAddress == "" {
		c.ListenAddress = ListenAddress
	}
	if c.TxQueueSize == 0 {
		c.TxQueueSize = TxQueueSize
	}
	if c.RxQueueSize == 0 {
		c.RxQueueSize = RxQueueSize
	}
	if c.EventChannelLength == 0 {
		c.EventChannelLength = EventChannelLength
	}
	if c.Status.Address == "" {
		c.Status.Address = StatusAddress
	}
	c.Log.ApplyDefaults()
}

func (c *BranchConfig) Validate() error {
	if c == nil {
		return result.Newf(result.CodeConfigNotValid, "nil config")
	}

	if net.ParseIP(c.AdvertisingAddress) == nil {
		return result.Newf(result.CodeConfigNotValid, "invalid AdvertisingAddress=%s", c.AdvertisingAddress)
	}

	if c.AdvertisingPort == 0 {
		return result.Newf(result.CodeConfigNotValid, "invalid AdvertisingPort=%d", c.AdvertisingPort)
	}

	if c.AdvertisingInterval > 0 && c.AdvertisingInterval < time.Millisecond {
		return result.Newf(result.CodeConfigNotValid, "invalid AdvertisingInterval=%v", c.AdvertisingInterval)
	}

	// heartbeats go out every timeout/2
	if c.Timeout > 0 && c.Timeout < time.Millisecond*2 {
		return result.Newf(result.CodeConfigNotValid, "invalid Timeout=%v", c.Timeout)
	}

	if c.TxQueueSize < MinTxQueueSize || c.TxQueueSize > MaxTxQueueSize {
		return result.Newf(
			result.CodeConfigNotValid,
			"invalid TxQueueSize=%d, must be within [%d, %d]",
			c.TxQueueSize,
			MinTxQueueSize,
			MaxTxQueueSize,
		)
	}

	if c.RxQueueSize < MinRxQueueSize || c.RxQueueSize > MaxRxQueueSize {
		return result.Newf(
			result.CodeConfigNotValid,
			"invalid RxQueueSize=%d, must be within [%d, %d]",
			c.RxQueueSize,
			MinRxQueueSize,
			MaxRxQueueSize,
		)
	}

	if c.TransceiveByteLimit < 0 {
		return result.Newf(result.CodeConfigNotValid, "invalid TransceiveByteLimit=%d", c.TransceiveByteLimit)
	}

	for _, ifc := range c.AdvertisingInterfaces {
		if ifc == "" {
			return result.Newf(result.CodeConfigNotValid, "invalid AdvertisingInterfaces=%+v", c.AdvertisingInterfaces)
		}
	}

	if c.Status.Enabled && c.Status.Address == "" {
		return result.Newf(result.CodeConfigNotValid, "status enabled without address")
	}

	return c.Log.Validate()
}
