// Package fhe implements the encrypted-value algebra used by the CarbonTrack
// chaincode: opaque ciphertext handles, homomorphic arithmetic on them, and
// ingestion of externally produced ciphertexts with proof-of-honest-encryption
// checks.
//
// The contract side only ever sees Handle values; the actual cryptography
// lives behind the Engine interface so the chaincode logic is independent of
// the concrete scheme (see SealedEngine for the coprocessor-style backend).
package fhe

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Type tags the bit width of an encrypted unsigned integer.
type Type uint8

const (
	Uint32 Type = iota + 1
	Uint64
)

// String returns a short type name for error messages and events.
func (t Type) String() string {
	switch t {
	case Uint32:
		return "euint32"
	case Uint64:
		return "euint64"
	default:
		return fmt.Sprintf("euint?(%d)", uint8(t))
	}
}

// HandleLen is the byte length of a ciphertext handle.
const HandleLen = 32

// Handle is the opaque, deterministic identifier of a ciphertext. Handles are
// derived by hashing a domain-separated operation descriptor, so replaying a
// committed transaction re-derives the exact same handles.
type Handle [HandleLen]byte

// Hex returns the lowercase hex form used on the ledger and in events.
func (h Handle) Hex() string { return hex.EncodeToString(h[:]) }

// IsZero reports whether h is the all-zero (absent) handle.
func (h Handle) IsZero() bool { return h == Handle{} }

// HandleFromHex parses a handle previously rendered with Hex.
func HandleFromHex(s string) (Handle, error) {
	var h Handle
	s = strings.TrimSpace(strings.TrimPrefix(s, "0x"))
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("handle hex: %w", err)
	}
	if len(b) != HandleLen {
		return h, fmt.Errorf("handle must be %d bytes, got %d", HandleLen, len(b))
	}
	copy(h[:], b)
	return h, nil
}

// Binding ties an externally produced ciphertext to the exact execution
// context it was encrypted for. A proof over a different contract or a
// different principal must not verify.
type Binding struct {
	Contract  []byte // channel + chaincode identity
	Principal []byte // submitting principal identity
}

// ExternalCiphertext is a ciphertext produced off-chain together with its
// proof blob. It must be ingested (proof-verified and rebound) before it can
// participate in any arithmetic.
type ExternalCiphertext struct {
	Payload []byte
	Proof   []byte
}

// Engine is the ciphertext algebra the contract computes against.
//
// All arithmetic produces new handles and never mutates an input; the ledger
// of derived values is append-only. Arithmetic operands must be euint64;
// 32-bit inputs are widened first.
type Engine interface {
	// Ingest verifies ext's proof against the binding and, on success, admits
	// the ciphertext under a fresh handle of the expected type.
	Ingest(ext ExternalCiphertext, typ Type, b Binding) (Handle, error)

	// Widen lifts a euint32 handle to euint64.
	Widen(h Handle) (Handle, error)

	// Add returns a handle for the homomorphic sum of two euint64 values.
	Add(a, b Handle) (Handle, error)

	// ScalarMul returns a handle for value*k, k a public plaintext scalar.
	ScalarMul(h Handle, k uint64) (Handle, error)

	// ScalarDiv returns a handle for value/k, truncating integer division by
	// a public plaintext scalar. k must be nonzero.
	ScalarDiv(h Handle, k uint32) (Handle, error)

	// TrivialEncrypt wraps a public plaintext into a ciphertext handle.
	TrivialEncrypt(v uint64, typ Type) (Handle, error)

	// TypeOf returns the bit-width tag of a known handle.
	TypeOf(h Handle) (Type, error)

	// Decrypt recovers the plaintext of a handle. Only the coprocessor/KMS
	// role can do this; authorization of *who* may request it is recorded by
	// the contract's capability registry, not enforced here.
	Decrypt(h Handle) (uint64, error)
}

// Error taxonomy. Callers match with errors.Is.
var (
	ErrProofVerification = errors.New("ciphertext proof verification failed")
	ErrUnknownHandle     = errors.New("unknown ciphertext handle")
	ErrTypeMismatch      = errors.New("ciphertext type mismatch")
	ErrDivisorZero       = errors.New("scalar divisor is zero")
	ErrOutOfRange        = errors.New("plaintext out of range for type")
)
