package types

import (
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/sha3"
)

// Address is a wallet address in EIP-55 checksum form
type Address string

// String returns the address text
func (a Address) String() string {
	return string(a)
}

// IsZero reports whether the address is empty
func (a Address) IsZero() bool {
	return a == ""
}

// Equal compares two addresses case-insensitively
func (a Address) Equal(b Address) bool {
	return strings.EqualFold(string(a), string(b))
}

// ParseAddress validates a hex wallet address and returns it in checksum
// form. All-lower and all-upper inputs are accepted as-is; mixed case input
// must carry a valid checksum.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if len(s) != 42 || !(strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X")) {
		return "", NewValidationError("ParseAddress", s, "address must be 0x followed by 40 hex characters")
	}
	body := s[2:]
	if _, err := hex.DecodeString(body); err != nil {
		return "", NewValidationError("ParseAddress", s, "address contains non-hex characters")
	}

	checksummed := checksum(strings.ToLower(body))
	lower, upper := strings.ToLower(body), strings.ToUpper(body)
	if body != lower && body != upper && "0x"+body != string(checksummed) {
		return "", NewValidationError("ParseAddress", s, "address checksum mismatch")
	}
	return checksummed, nil
}

// MustParseAddress is ParseAddress for constants and tests
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

func checksum(lowerHex string) Address {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(lowerHex))
	digest := hex.EncodeToString(h.Sum(nil))

	out := []byte(lowerHex)
	for i, c := range out {
		if c >= 'a' && c <= 'f' && digest[i] >= '8' {
			out[i] = c - 32
		}
	}
	return Address("0x" + string(out))
}
