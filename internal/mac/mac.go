// Package mac computes keyed MACs over canonicalized row data and advances
// the secret used for the next computation, so that recovering any past
// secret from the current one is infeasible without the asymmetric signing
// key that seals signature rows.
package mac

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"

	kerrors "github.com/go-kratos/kratos/v2/errors"
)

// ratchetLabel is the fixed label mixed into the one-way ratchet so that
// "next secret" derivation can never collide with a row MAC computation
// even if an attacker could choose row contents.
const ratchetLabel = "assure-chain-ratchet-v1"

// Algorithm names a supported MAC primitive. HMACSHA256 is the canonical
// default named by the specification; the engine is built so an alternate
// hash could be registered, but only SHA-256 ships today.
type Algorithm string

const HMACSHA256 Algorithm = "HmacSHA256"

// Engine computes the chained MAC for one writer or verifier. It holds no
// mutable state itself — callers own the current secret and decide when to
// commit a derived next secret, exactly as specified.
type Engine struct {
	algorithm Algorithm
}

// New returns an Engine for the given algorithm. An empty algorithm
// defaults to HMACSHA256.
func New(algorithm Algorithm) (*Engine, error) {
	if algorithm == "" {
		algorithm = HMACSHA256
	}
	if algorithm != HMACSHA256 {
		return nil, kerrors.New(500, "CRYPTO", fmt.Sprintf("unsupported mac algorithm %q", algorithm))
	}
	return &Engine{algorithm: algorithm}, nil
}

// MAC computes HMAC-SHA-256(currentSecret, concat(cells)) and derives the
// secret that must be used for the next row. The caller decides whether and
// when to persist nextSecret; this call has no side effects.
func (e *Engine) MAC(currentSecret []byte, cells [][]byte) (macBytes, nextSecret []byte, err error) {
	if len(currentSecret) == 0 {
		return nil, nil, kerrors.New(500, "CRYPTO", "mac: empty secret")
	}
	h := hmac.New(sha256.New, currentSecret)
	for _, cell := range cells {
		if _, err := h.Write(cell); err != nil {
			return nil, nil, kerrors.New(500, "CRYPTO", fmt.Sprintf("mac: %v", err))
		}
	}
	macBytes = h.Sum(nil)

	next := hmac.New(sha256.New, currentSecret)
	_, _ = next.Write([]byte(ratchetLabel))
	nextSecret = next.Sum(nil)
	return macBytes, nextSecret, nil
}
