package chain

import (
	"strings"

	"github.com/btcsuite/btcutil/base58"
	"github.com/web3-frozen/lending-monitor/internal/apperr"
)

// AddressLen is the byte length of a Solana public key.
const AddressLen = 32

// Address is a validated base58 public key.
type Address string

func (a Address) String() string { return string(a) }

// Short formats the address as "AbCd...xyZ1".
func (a Address) Short() string {
	s := string(a)
	if len(s) <= 8 {
		return s
	}
	return s[:4] + "..." + s[len(s)-4:]
}

// ParseAddress validates s as a base58 encoded 32 byte public key. field names
// the input in the returned ValidationError.
func ParseAddress(field, s string) (Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", apperr.Invalid(field, "required")
	}
	// base58.Decode returns an empty slice for characters outside the alphabet.
	raw := base58.Decode(s)
	if len(raw) == 0 {
		return "", apperr.Invalid(field, "not base58")
	}
	if len(raw) != AddressLen {
		return "", apperr.Invalid(field, "must decode to 32 bytes")
	}
	return Address(s), nil
}
