package main

import (
	"encoding/hex"
	"fmt"
	"os"

	eddsa "github.com/consensys/gnark-crypto/ecc/bn254/twistededwards/eddsa"
	"github.com/hyperledger/fabric-contract-api-go/v2/contractapi"

	"github.com/yourorg/carbontrack_cc/fhe"
)

// engineFromEnv wires the sealed coprocessor engine from deployment config:
// CARBONTRACK_SEAL_KEY (32-byte hex) and CARBONTRACK_INPUT_PK (EdDSA public
// key hex) are provisioned by the key ceremony alongside peer deployment.
func engineFromEnv() (fhe.Engine, error) {
	keyHex := os.Getenv("CARBONTRACK_SEAL_KEY")
	kb, err := hex.DecodeString(keyHex)
	if err != nil || len(kb) != 32 {
		return nil, fmt.Errorf("CARBONTRACK_SEAL_KEY must be 32 bytes hex")
	}
	var key [32]byte
	copy(key[:], kb)
	eng := fhe.NewSealedEngine(key)

	if pkHex := os.Getenv("CARBONTRACK_INPUT_PK"); pkHex != "" {
		pb, err := hex.DecodeString(pkHex)
		if err != nil {
			return nil, fmt.Errorf("CARBONTRACK_INPUT_PK bad hex: %w", err)
		}
		var pub eddsa.PublicKey
		if _, err := pub.SetBytes(pb); err != nil {
			return nil, fmt.Errorf("CARBONTRACK_INPUT_PK: %w", err)
		}
		eng.SetInputVerifier(&pub)
	}
	return eng, nil
}

func main() {
	eng, err := engineFromEnv()
	if err != nil {
		panic(err)
	}
	cc, err := contractapi.NewChaincode(&CarbonTrackContract{Engine: eng})
	if err != nil {
		panic(err)
	}
	if err := cc.Start(); err != nil {
		panic(err)
	}
}
