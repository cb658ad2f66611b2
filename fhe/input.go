package fhe

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"
	eddsa "github.com/consensys/gnark-crypto/ecc/bn254/twistededwards/eddsa"
	"golang.org/x/crypto/nacl/secretbox"
)

/* Input proofs

An external ciphertext is admitted only with a proof that it was honestly
encrypted for this exact (contract, principal) pair. The proof is an EdDSA
signature on BabyJubjub (BN254 twisted Edwards) over a MiMC-friendly digest of
the binding, issued by the encryption service that sealed the value. Replaying
a ciphertext captured for another contract or another submitter changes the
binding digest and fails verification. */

// bindingDigest reduces (contract, principal, payload) into a canonical
// 32-byte BN254 scalar-field element, the message the proof signs.
func bindingDigest(b Binding, payload []byte) []byte {
	h := sha256.New()
	var lenBuf [8]byte
	for _, part := range [][]byte{b.Contract, b.Principal, payload} {
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(part)))
		h.Write(lenBuf[:])
		h.Write(part)
	}
	var e fr.Element
	e.SetBytes(h.Sum(nil)) // reduces mod r, keeps the digest in-field
	out := e.Bytes()
	return out[:]
}

// verifyInputProof checks proof against the binding. Returns
// ErrProofVerification on any mismatch.
func verifyInputProof(pub *eddsa.PublicKey, b Binding, payload, proof []byte) error {
	ok, err := pub.Verify(proof, bindingDigest(b, payload), mimc.NewMiMC())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProofVerification, err)
	}
	if !ok {
		return ErrProofVerification
	}
	return nil
}

// ClientKit plays the off-chain SDK role: it seals activity values for the
// engine and signs the binding proof. In production this lives in the user's
// proof-generation toolchain; tests use it the same way the real front end
// would.
type ClientKit struct {
	key    [32]byte
	signer *eddsa.PrivateKey
}

// NewClientKit creates a kit sharing the engine's sealing key and generates a
// fresh input-signing keypair.
func NewClientKit(key [32]byte) (*ClientKit, error) {
	priv, err := eddsa.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate input signer: %w", err)
	}
	return &ClientKit{key: key, signer: priv}, nil
}

// Verifier returns the public key an engine must be configured with to accept
// this kit's proofs.
func (k *ClientKit) Verifier() *eddsa.PublicKey { return &k.signer.PublicKey }

// Encrypt seals value and produces the proof bound to b.
func (k *ClientKit) Encrypt(value uint64, typ Type, b Binding) (ExternalCiphertext, error) {
	if typ == Uint32 && value > 0xffffffff {
		return ExternalCiphertext{}, fmt.Errorf("%w: %d exceeds euint32", ErrOutOfRange, value)
	}
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return ExternalCiphertext{}, err
	}
	payload := append(nonce[:], secretbox.Seal(nil, u64Bytes(value), &nonce, &k.key)...)

	sig, err := k.signer.Sign(bindingDigest(b, payload), mimc.NewMiMC())
	if err != nil {
		return ExternalCiphertext{}, fmt.Errorf("sign binding: %w", err)
	}
	return ExternalCiphertext{Payload: payload, Proof: sig}, nil
}
