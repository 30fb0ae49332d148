package conf

import "fmt"

// SOCKS5 configures one local SOCKS5 listener, the non-transparent
// alternative to the OS-level redirect for flow origination: a SOCKS5
// client (browser, curl --socks5) dials it directly instead of having
// its connection intercepted at the OS level.
type SOCKS5 struct {
	Listen     string `yaml:"listen"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	TCPTimeout int    `yaml:"tcp_timeout"`
	UDPTimeout int    `yaml:"udp_timeout"`
}

func (s *SOCKS5) setDefaults() {
	if s.TCPTimeout == 0 {
		s.TCPTimeout = 60
	}
	if s.UDPTimeout == 0 {
		s.UDPTimeout = 60
	}
}

func (s *SOCKS5) validate() []error {
	var errs []error
	if s.Listen == "" {
		errs = append(errs, fmt.Errorf("listen is required"))
	}
	return errs
}
