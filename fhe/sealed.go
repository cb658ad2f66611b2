package fhe

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/crypto/nacl/secretbox"

	eddsa "github.com/consensys/gnark-crypto/ecc/bn254/twistededwards/eddsa"
)

// domainTag separates handle derivation from any other sha256 use.
const domainTag = "carbontrack.fhe.v1"

// sealedRecord is one ciphertext in the engine store: the secretbox payload
// plus its bit-width tag. The nonce is derived from the handle, so it is not
// stored.
type sealedRecord struct {
	typ    Type
	sealed []byte
}

// SealedEngine is the coprocessor-role backend of the Engine interface.
//
// Values are sealed with nacl/secretbox under a symmetric key held only by
// this engine; the contract that drives it sees nothing but handles. Each
// operation opens its operands, computes in clear *inside the engine*, and
// reseals the result under a handle derived deterministically from the
// operation descriptor. Determinism matters: a ledger replaying committed
// transactions must re-derive byte-identical handles.
type SealedEngine struct {
	mu       sync.Mutex
	key      [32]byte
	store    map[Handle]sealedRecord
	verifier *eddsa.PublicKey // input-proof verification key, may be nil until set
}

var _ Engine = (*SealedEngine)(nil)

// NewSealedEngine builds an engine sealing under key. The input-proof
// verification key can be supplied later with SetInputVerifier.
func NewSealedEngine(key [32]byte) *SealedEngine {
	return &SealedEngine{key: key, store: make(map[Handle]sealedRecord)}
}

// SetInputVerifier installs the public key that submission proofs must
// verify against.
func (e *SealedEngine) SetInputVerifier(pub *eddsa.PublicKey) {
	e.mu.Lock()
	e.verifier = pub
	e.mu.Unlock()
}

// deriveHandle hashes a domain-separated, length-prefixed op descriptor.
func deriveHandle(op string, parts ...[]byte) Handle {
	h := sha256.New()
	h.Write([]byte(domainTag))
	h.Write([]byte{byte(len(op))})
	h.Write([]byte(op))
	var lenBuf [8]byte
	for _, p := range parts {
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(p)))
		h.Write(lenBuf[:])
		h.Write(p)
	}
	var out Handle
	copy(out[:], h.Sum(nil))
	return out
}

// nonceFor derives the secretbox nonce for a handle. A handle commits to the
// operation that produced it, hence to its value, so nonce reuse across
// distinct plaintexts cannot occur.
func nonceFor(h Handle) [24]byte {
	d := sha256.Sum256(append([]byte(domainTag+".nonce"), h[:]...))
	var n [24]byte
	copy(n[:], d[:])
	return n
}

func u64Bytes(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

// put seals value under the given handle. Caller holds e.mu.
func (e *SealedEngine) put(h Handle, typ Type, value uint64) {
	nonce := nonceFor(h)
	e.store[h] = sealedRecord{typ: typ, sealed: secretbox.Seal(nil, u64Bytes(value), &nonce, &e.key)}
}

// open returns the plaintext and type of a stored handle. Caller holds e.mu.
func (e *SealedEngine) open(h Handle) (uint64, Type, error) {
	rec, ok := e.store[h]
	if !ok {
		return 0, 0, fmt.Errorf("%w: %s", ErrUnknownHandle, h.Hex())
	}
	nonce := nonceFor(h)
	plain, ok := secretbox.Open(nil, rec.sealed, &nonce, &e.key)
	if !ok || len(plain) != 8 {
		return 0, 0, fmt.Errorf("sealed record for %s corrupt", h.Hex())
	}
	return binary.BigEndian.Uint64(plain), rec.typ, nil
}

// Ingest verifies the proof binding and admits the external ciphertext.
// Nothing is stored when verification fails.
func (e *SealedEngine) Ingest(ext ExternalCiphertext, typ Type, b Binding) (Handle, error) {
	if typ != Uint32 && typ != Uint64 {
		return Handle{}, fmt.Errorf("%w: bad type tag %d", ErrTypeMismatch, typ)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.verifier == nil {
		return Handle{}, fmt.Errorf("%w: no input verifier configured", ErrProofVerification)
	}
	if err := verifyInputProof(e.verifier, b, ext.Payload, ext.Proof); err != nil {
		return Handle{}, err
	}

	if len(ext.Payload) < 24+secretbox.Overhead {
		return Handle{}, fmt.Errorf("%w: payload too short", ErrProofVerification)
	}
	var nonce [24]byte
	copy(nonce[:], ext.Payload[:24])
	plain, ok := secretbox.Open(nil, ext.Payload[24:], &nonce, &e.key)
	if !ok || len(plain) != 8 {
		return Handle{}, fmt.Errorf("%w: payload does not open", ErrProofVerification)
	}
	v := binary.BigEndian.Uint64(plain)
	if typ == Uint32 && v > 0xffffffff {
		return Handle{}, fmt.Errorf("%w: %d exceeds euint32", ErrOutOfRange, v)
	}

	h := deriveHandle("ingest", ext.Payload)
	e.put(h, typ, v)
	return h, nil
}

// Widen lifts a euint32 to euint64 under a new handle.
func (e *SealedEngine) Widen(h Handle) (Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, typ, err := e.open(h)
	if err != nil {
		return Handle{}, err
	}
	if typ != Uint32 {
		return Handle{}, fmt.Errorf("%w: widen wants euint32, have %s", ErrTypeMismatch, typ)
	}
	out := deriveHandle("widen", h[:])
	e.put(out, Uint64, v)
	return out, nil
}

// Add returns the homomorphic sum of two euint64 handles. Addition wraps at
// 2^64; overflow detection is deliberately not performed.
func (e *SealedEngine) Add(a, b Handle) (Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	va, ta, err := e.open(a)
	if err != nil {
		return Handle{}, err
	}
	vb, tb, err := e.open(b)
	if err != nil {
		return Handle{}, err
	}
	if ta != Uint64 || tb != Uint64 {
		return Handle{}, fmt.Errorf("%w: add wants euint64 operands", ErrTypeMismatch)
	}
	out := deriveHandle("add", a[:], b[:])
	e.put(out, Uint64, va+vb)
	return out, nil
}

// ScalarMul multiplies by a public plaintext scalar. Multiplying ciphertext
// by ciphertext is intentionally unsupported at this layer.
func (e *SealedEngine) ScalarMul(h Handle, k uint64) (Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, typ, err := e.open(h)
	if err != nil {
		return Handle{}, err
	}
	if typ != Uint64 {
		return Handle{}, fmt.Errorf("%w: scalar mul wants euint64, have %s", ErrTypeMismatch, typ)
	}
	out := deriveHandle("mul", h[:], u64Bytes(k))
	e.put(out, Uint64, v*k)
	return out, nil
}

// ScalarDiv divides by a public plaintext scalar, truncating.
func (e *SealedEngine) ScalarDiv(h Handle, k uint32) (Handle, error) {
	if k == 0 {
		return Handle{}, ErrDivisorZero
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	v, typ, err := e.open(h)
	if err != nil {
		return Handle{}, err
	}
	if typ != Uint64 {
		return Handle{}, fmt.Errorf("%w: scalar div wants euint64, have %s", ErrTypeMismatch, typ)
	}
	out := deriveHandle("div", h[:], u64Bytes(uint64(k)))
	e.put(out, Uint64, v/uint64(k))
	return out, nil
}

// TrivialEncrypt wraps a public plaintext into a handle. Used by the token's
// confidential mint path, where the amount itself is public to the minter.
func (e *SealedEngine) TrivialEncrypt(v uint64, typ Type) (Handle, error) {
	if typ == Uint32 && v > 0xffffffff {
		return Handle{}, fmt.Errorf("%w: %d exceeds euint32", ErrOutOfRange, v)
	}
	if typ != Uint32 && typ != Uint64 {
		return Handle{}, fmt.Errorf("%w: bad type tag %d", ErrTypeMismatch, typ)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := deriveHandle("trivial", u64Bytes(v), []byte{byte(typ)})
	e.put(out, typ, v)
	return out, nil
}

// TypeOf returns the bit-width tag of a known handle.
func (e *SealedEngine) TypeOf(h Handle) (Type, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.store[h]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownHandle, h.Hex())
	}
	return rec.typ, nil
}

// Decrypt recovers the plaintext of a handle. This is the coprocessor/KMS
// surface; whether a given principal may *request* it is the capability
// registry's business, recorded on-chain.
func (e *SealedEngine) Decrypt(h Handle) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, _, err := e.open(h)
	return v, err
}
