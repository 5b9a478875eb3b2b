// Package serial opens the RS-485 port the converter and its operators talk
// over. Both the device daemon and the host client use it.
package serial

import (
	"io"
)

// Port is an open serial line
type Port interface {
	io.ReadWriteCloser

	// Flush discards data buffered by the driver
	Flush() error
}

// Config describes the line
type Config struct {
	Device string `yaml:"device"` // e.g. /dev/ttyUSB0, COM3

	Baud int `yaml:"baud"`

	// ReadTimeout in milliseconds. Zero blocks, which the link readers
	// cannot interrupt, so keep it positive.
	ReadTimeout int `yaml:"read_timeout_ms"`
}

// DefaultConfig is 115200 8N1 with a 100 ms read timeout
func DefaultConfig(device string) *Config {
	return &Config{
		Device:      device,
		Baud:        115200,
		ReadTimeout: 100,
	}
}
