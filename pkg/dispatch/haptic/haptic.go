// Package haptic drives the vibration motor controller: one byte per update,
// 0 (off) to 255 (strongest), over a serial line.
package haptic

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/demardefrozen10/SENSE/pkg/detection"
)

// DefaultRetryInterval spaces reconnect attempts after the port goes away.
const DefaultRetryInterval = 5 * time.Second

// Port is the subset of a serial port the dispatcher writes to.
type Port interface {
	io.WriteCloser
	Drain() error
}

// OpenFunc opens a port at the given baud rate.
type OpenFunc func(name string, baud int) (Port, error)

func OpenSerial(name string, baud int) (Port, error) {
	p, err := serial.Open(name, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, err
	}
	return p, nil
}

type Config struct {
	Port          string
	Baud          int
	Enabled       bool
	RetryInterval time.Duration
	Open          OpenFunc
	Logger        *slog.Logger
	Now           func() time.Time
}

// Dispatcher owns the serial connection. When the port is missing it runs in
// simulated mode: values are recorded but nothing is written.
type Dispatcher struct {
	cfg    Config
	logger *slog.Logger

	mu          sync.Mutex
	port        Port
	lastAttempt time.Time
	warned      bool
	last        int
}

func New(cfg Config) *Dispatcher {
	if cfg.Open == nil {
		cfg.Open = OpenSerial
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{cfg: cfg, logger: logger}
}

// Send writes one clamped intensity byte and reports whether it reached the
// device.
func (d *Dispatcher) Send(intensity int) bool {
	value := detection.ClampIntensity(intensity)

	d.mu.Lock()
	defer d.mu.Unlock()

	d.last = value
	if !d.cfg.Enabled {
		return false
	}
	if err := d.ensurePortLocked(); err != nil {
		d.logger.Debug("haptic simulated", "intensity", value)
		return false
	}
	if _, err := d.port.Write([]byte{byte(value)}); err != nil {
		d.logger.Error("haptic write failed", "port", d.cfg.Port, "error", err)
		d.dropPortLocked()
		return false
	}
	if err := d.port.Drain(); err != nil {
		d.logger.Warn("haptic drain failed", "port", d.cfg.Port, "error", err)
	}
	return true
}

func (d *Dispatcher) ensurePortLocked() error {
	if d.port != nil {
		return nil
	}
	name := strings.TrimSpace(d.cfg.Port)
	if name == "" {
		return errors.New("haptic: no serial port configured")
	}
	now := d.cfg.Now()
	if !d.lastAttempt.IsZero() && now.Sub(d.lastAttempt) < d.cfg.RetryInterval {
		return errors.New("haptic: waiting to reconnect")
	}
	d.lastAttempt = now

	p, err := d.cfg.Open(name, d.cfg.Baud)
	if err != nil {
		if !d.warned {
			d.logger.Warn("haptic serial unavailable; running simulated", "port", name, "error", err)
			d.warned = true
		}
		return fmt.Errorf("haptic: open %s: %w", name, err)
	}
	d.port = p
	d.warned = false
	d.logger.Info("haptic serial connected", "port", name, "baud", d.cfg.Baud)
	return nil
}

func (d *Dispatcher) dropPortLocked() {
	if d.port != nil {
		_ = d.port.Close()
		d.port = nil
	}
}

// Connect tries to open the port now instead of on the first Send.
func (d *Dispatcher) Connect() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.cfg.Enabled {
		return false
	}
	return d.ensurePortLocked() == nil
}

func (d *Dispatcher) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.port != nil
}

func (d *Dispatcher) LastIntensity() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

// Close sends a final zero so the motor stops, then closes the port.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.port == nil {
		return nil
	}
	_, _ = d.port.Write([]byte{0})
	err := d.port.Close()
	d.port = nil
	return err
}
