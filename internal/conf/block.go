package conf

import (
	"github.com/xtaci/kcp-go/v5"
)

// NewBlockCrypt builds the kcp.BlockCrypt named by block, keyed by key (the
// output of DeriveKey, already trimmed by TrimKey). A nil return with a nil
// error means "none" — the KCP session carries no per-packet encryption of
// its own, relying on the tunnel transport above it instead.
func NewBlockCrypt(block string, key []byte) (kcp.BlockCrypt, error) {
	switch block {
	case "none", "null", "":
		return nil, nil
	case "aes":
		return kcp.NewAESBlockCrypt(key)
	case "aes-128":
		return kcp.NewAESBlockCrypt(key)
	case "aes-192":
		return kcp.NewAESBlockCrypt(key)
	case "aes-128-gcm":
		return kcp.NewAESBlockCrypt(key)
	case "salsa20":
		return kcp.NewSalsa20BlockCrypt(key)
	case "blowfish":
		return kcp.NewBlowfishBlockCrypt(key)
	case "twofish":
		return kcp.NewTwofishBlockCrypt(key)
	case "cast5":
		return kcp.NewCast5BlockCrypt(key)
	case "3des":
		return kcp.NewTripleDESBlockCrypt(key)
	case "tea":
		return kcp.NewTEABlockCrypt(key)
	case "xtea":
		return kcp.NewXTEABlockCrypt(key)
	case "xor":
		return kcp.NewSimpleXORBlockCrypt(key)
	case "sm4":
		return kcp.NewSM4BlockCrypt(key)
	default:
		return nil, &UnsupportedBlockError{Block: block}
	}
}

// UnsupportedBlockError reports a block cipher name that NewBlockCrypt
// has no kcp.BlockCrypt constructor for. Every name in ValidBlocks is
// wired, so only names that ValidateBlockAndKey also rejects produce it.
type UnsupportedBlockError struct {
	Block string
}

func (e *UnsupportedBlockError) Error() string {
	return "conf: no KCP block cipher wired for " + e.Block
}
