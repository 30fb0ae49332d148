package conf

import (
	"fmt"
	"slices"
)

// Transport selects and tunes the wire protocol carrying tunnel sessions
// to the relay: QUIC over UDP, or KCP+smux over UDP with forward error
// correction for lossy links.
type Transport struct {
	Protocol string `yaml:"protocol"`
	Key      string `yaml:"key"`
	Block    string `yaml:"block"`

	DataShards   int `yaml:"data_shards"`
	ParityShards int `yaml:"parity_shards"`
}

var validProtocols = []string{"quic", "kcp"}

func (t *Transport) setDefaults() {
	if t.Protocol == "" {
		t.Protocol = "quic"
	}
	if t.Block == "" {
		t.Block = "aes"
	}
	if t.DataShards == 0 {
		t.DataShards = 10
	}
	if t.ParityShards == 0 {
		t.ParityShards = 3
	}
}

func (t *Transport) validate() []error {
	var errs []error
	if !slices.Contains(validProtocols, t.Protocol) {
		errs = append(errs, fmt.Errorf("transport.protocol must be one of %v, got %q", validProtocols, t.Protocol))
	}
	if t.Protocol == "kcp" {
		if err := ValidateBlockAndKey(t.Block, t.Key); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// BlockKey derives and trims the KCP block cipher key from the
// configured passphrase, or nil if encryption is disabled.
func (t *Transport) BlockKey() []byte {
	if IsNullBlock(t.Block) {
		return nil
	}
	return TrimKey(DeriveKey(t.Key), t.Block)
}
