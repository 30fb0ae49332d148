// Package conf loads and validates gatetun's YAML configuration, in the
// same load/setDefaults/validate shape used throughout this codebase:
// a file is unmarshaled, then defaulted, then checked as a batch so a
// misconfigured client sees every problem at once instead of one at a
// time across repeated restarts.
package conf

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

// Conf is the top-level configuration for either a relay (role: server)
// or a client driving the transparent redirect + idle pool + TCP/UDP
// drivers against that relay.
type Conf struct {
	Role      string    `yaml:"role"`
	Log       Log       `yaml:"log"`
	Listen    string    `yaml:"listen"`
	Server    string    `yaml:"server"`
	Marker    int       `yaml:"marker"`
	Pool      Pool      `yaml:"pool"`
	Transport Transport `yaml:"transport"`
	SOCKS5    []SOCKS5  `yaml:"socks5"`
}

// Pool configures the idle pool and the per-driver idle-timeout budgets,
// the core's only recognized tuning knobs per spec.md §6.
type Pool struct {
	Size            int           `yaml:"pool_size"`
	MaxPacketSize   int           `yaml:"max_packet_size"`
	TCPIdleDuration time.Duration `yaml:"tcp_idle_duration"`
	UDPIdleDuration time.Duration `yaml:"udp_idle_duration"`
	RefillPerSecond float64       `yaml:"refill_per_second"`
}

func (p *Pool) setDefaults() {
	if p.Size == 0 {
		p.Size = 8
	}
	if p.MaxPacketSize == 0 {
		p.MaxPacketSize = 16 * 1024
	}
	if p.TCPIdleDuration == 0 {
		p.TCPIdleDuration = 5 * time.Minute
	}
	if p.UDPIdleDuration == 0 {
		p.UDPIdleDuration = 60 * time.Second
	}
	if p.RefillPerSecond == 0 {
		p.RefillPerSecond = 10
	}
}

func (p *Pool) validate() []error {
	var errs []error
	if p.Size < 0 {
		errs = append(errs, fmt.Errorf("pool.pool_size must be >= 0"))
	}
	if p.MaxPacketSize <= 0 {
		errs = append(errs, fmt.Errorf("pool.max_packet_size must be > 0"))
	}
	return errs
}

// LoadFromFile reads, defaults, and validates a YAML configuration file.
func LoadFromFile(path string) (*Conf, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var c Conf
	if err := yaml.Unmarshal(data, &c); err != nil {
		return &c, err
	}

	validRoles := []string{"client", "server"}
	if !slices.Contains(validRoles, c.Role) {
		return nil, fmt.Errorf("role must be 'client' or 'server'")
	}

	c.setDefaults()
	if err := c.validate(); err != nil {
		return &c, err
	}
	return &c, nil
}

func (c *Conf) setDefaults() {
	c.Log.setDefaults()
	c.Pool.setDefaults()
	c.Transport.setDefaults()
	for i := range c.SOCKS5 {
		c.SOCKS5[i].setDefaults()
	}
	// The relay always listens, so it gets a default bind address. A
	// client's Listen is the transparent-redirect socket, which is opt-in:
	// an empty value here means "socks5 only" and must stay empty so
	// validate() can tell the two apart.
	if c.Role == "server" && c.Listen == "" {
		c.Listen = "0.0.0.0:9443"
	}
}

func (c *Conf) validate() error {
	var allErrors []error

	allErrors = append(allErrors, c.Log.validate()...)
	allErrors = append(allErrors, c.Pool.validate()...)
	allErrors = append(allErrors, c.Transport.validate()...)

	if c.Role == "client" {
		if c.Server == "" {
			allErrors = append(allErrors, fmt.Errorf("server is required in client mode"))
		}
		if c.Listen == "" && len(c.SOCKS5) == 0 {
			allErrors = append(allErrors, fmt.Errorf("client mode requires transparent redirect (listen) or at least one socks5 listener"))
		}
		for i := range c.SOCKS5 {
			errs := c.SOCKS5[i].validate()
			for _, err := range errs {
				allErrors = append(allErrors, fmt.Errorf("socks5[%d] %v", i, err))
			}
		}
	}

	return writeErr(allErrors)
}

func writeErr(allErrors []error) error {
	if len(allErrors) > 0 {
		var messages []string
		for _, err := range allErrors {
			messages = append(messages, err.Error())
		}
		return fmt.Errorf("validation failed:\n  - %s", strings.Join(messages, "\n  - "))
	}
	return nil
}
