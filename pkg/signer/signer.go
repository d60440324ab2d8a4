// Package signer derives deterministic program-signer addresses from seed
// tuples. A vault is owned by such an address instead of a private key; any
// operation that receives a derived address recomputes it from the seeds and
// rejects on mismatch rather than trusting the caller.
package signer

import (
	"bytes"

	"golang.org/x/crypto/sha3"
)

// domain separates signer derivation from other hash uses.
var domain = []byte("perps/program-signer/v1")

// Derive computes the signer address for a seed tuple and nonce.
func Derive(nonce uint8, seeds ...[]byte) [32]byte {
	h := sha3.New256()
	h.Write(domain)
	for _, seed := range seeds {
		h.Write(seed)
	}
	h.Write([]byte{nonce})
	var addr [32]byte
	h.Sum(addr[:0])
	return addr
}

// Verify reports whether addr is the derivation of the seeds under nonce.
func Verify(addr [32]byte, nonce uint8, seeds ...[]byte) bool {
	derived := Derive(nonce, seeds...)
	return bytes.Equal(addr[:], derived[:])
}

// Find returns the canonical (address, nonce) pair for a seed tuple,
// scanning nonces from 255 downward. Mirrors how vault signers are
// provisioned before asset registration.
func Find(seeds ...[]byte) ([32]byte, uint8) {
	nonce := uint8(255)
	return Derive(nonce, seeds...), nonce
}
