package content

import (
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// rawPrefix addresses payloads as CIDv1, raw codec, sha2-256
var rawPrefix = cid.Prefix{
	Version:  1,
	Codec:    cid.Raw,
	MhType:   multihash.SHA2_256,
	MhLength: -1,
}

// HashBytes returns the content hash of data
func HashBytes(data []byte) (string, error) {
	c, err := rawPrefix.Sum(data)
	if err != nil {
		return "", fmt.Errorf("failed to hash content: %w", err)
	}
	return c.String(), nil
}

// ParseHash checks that hash is a well-formed content identifier
func ParseHash(hash string) (cid.Cid, error) {
	c, err := cid.Decode(hash)
	if err != nil {
		return cid.Undef, fmt.Errorf("invalid content hash %q: %w", hash, err)
	}
	return c, nil
}

// Verify checks data against hash. Only raw-codec identifiers address the
// bytes directly; DAG identifiers issued by a pinning service are opaque and
// are accepted as returned by the gateway.
func Verify(hash string, data []byte) error {
	c, err := ParseHash(hash)
	if err != nil {
		return err
	}
	if c.Prefix().Codec != cid.Raw {
		return nil
	}
	sum, err := c.Prefix().Sum(data)
	if err != nil {
		return fmt.Errorf("failed to hash content: %w", err)
	}
	if !sum.Equals(c) {
		return fmt.Errorf("content does not match %s", hash)
	}
	return nil
}
