package message

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// DigestSize is the length of a Digest in bytes.
const DigestSize = sha256.Size

// Digest is the sha2-256 hash identifying a Message.
// Two messages with equal digests are the same message.
type Digest [DigestSize]byte

// Sum hashes the given data into a Digest.
func Sum(data []byte) Digest {
	return sha256.Sum256(data)
}

// DigestFromBytes copies raw hash bytes into a Digest.
func DigestFromBytes(b []byte) (Digest, error) {
	var d Digest
	if len(b) != DigestSize {
		return d, fmt.Errorf("invalid digest length: %d", len(b))
	}
	copy(d[:], b)
	return d, nil
}

// ParseDigest parses the CIDv1 representation produced by Digest.String.
func ParseDigest(s string) (Digest, error) {
	c, err := cid.Decode(s)
	if err != nil {
		return Digest{}, fmt.Errorf("decoding cid: %w", err)
	}
	if c.Type() != cid.Raw {
		return Digest{}, fmt.Errorf("unexpected cid codec: %d", c.Type())
	}

	mh, err := multihash.Decode(c.Hash())
	if err != nil {
		return Digest{}, fmt.Errorf("decoding multihash: %w", err)
	}
	if mh.Code != multihash.SHA2_256 {
		return Digest{}, fmt.Errorf("unexpected multihash function: %s", mh.Name)
	}
	return DigestFromBytes(mh.Digest)
}

func (d Digest) Bytes() []byte {
	return d[:]
}

// Compare orders digests by their raw byte value.
func (d Digest) Compare(other Digest) int {
	return bytes.Compare(d[:], other[:])
}

func (d Digest) IsZero() bool {
	return d == Digest{}
}

func (d Digest) Hex() string {
	return hex.EncodeToString(d[:])
}

// CID returns content address of the digest as CIDv1 with raw codec and sha2-256 multihash.
func (d Digest) CID() cid.Cid {
	mh, err := multihash.Encode(d[:], multihash.SHA2_256)
	if err != nil {
		// sha2-256 with a 32 bytes digest is always encodable
		panic(err)
	}
	return cid.NewCidV1(cid.Raw, mh)
}

func (d Digest) String() string {
	return d.CID().String()
}

// SortDigests returns the canonical form of the given digests: sorted by raw byte value
// and without duplicates. The input is left untouched.
func SortDigests(digests []Digest) []Digest {
	if len(digests) == 0 {
		return nil
	}

	sorted := slices.Clone(digests)
	slices.SortFunc(sorted, Digest.Compare)
	return slices.Compact(sorted)
}
