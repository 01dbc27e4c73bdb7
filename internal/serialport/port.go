// Package serialport abstracts the physical UART link behind the Port
// interface so the rest of the gateway can be exercised against a fake in
// tests; Open backs it with github.com/tarm/serial for real devices.
package serialport

import (
	"time"

	"github.com/tarm/serial"
)

// Port is the minimal surface the link layer needs from a serial device.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Open opens name at the given baud rate using github.com/tarm/serial,
// applying readTimeout to each Read call so the reader goroutine can poll
// its context for cancellation instead of blocking forever.
func Open(name string, baud int, readTimeout time.Duration) (Port, error) {
	cfg := &serial.Config{Name: name, Baud: baud, ReadTimeout: readTimeout}
	return serial.OpenPort(cfg)
}
