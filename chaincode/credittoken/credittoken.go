// credittoken — companion chaincode holding the carbon credit balances.
//
// The CarbonTrack contract reaches this chaincode cc2cc with Mint; direct
// clients use BalanceOf/Transfer. Two mint shapes exist: plain Mint keeps a
// clear uint256 balance, MintCredits additionally folds the amount into an
// encrypted balance handle so downstream consumers can keep holdings
// confidential.
package main

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/holiman/uint256"
	"github.com/hyperledger/fabric-contract-api-go/v2/contractapi"

	"github.com/yourorg/carbontrack_cc/fhe"
)

const (
	keyBalPrefix    = "BAL::"    // BAL::<principal> → uint256 hex
	keyEncBalPrefix = "ENCBAL::" // ENCBAL::<principal> → fhe handle hex
	keyACLPrefix    = "ACL::"    // ACL::<handle> → sorted []principal JSON
	keyMinterPrefix = "MINTER::" // MINTER::<principal> → "1"
	keyAdmin        = "ADMIN"
	keySupply       = "SUPPLY"
)

var errUnauthorized = errors.New("caller lacks required capability")

// SmartContract is the credit token chaincode.
type SmartContract struct {
	contractapi.Contract

	// Engine backs the confidential MintCredits path.
	Engine fhe.Engine
}

func caller(ctx contractapi.TransactionContextInterface) (string, error) {
	ci := ctx.GetClientIdentity()
	if ci == nil {
		return "", fmt.Errorf("no client identity in context")
	}
	return ci.GetID()
}

// Bootstrap records the deployer as admin and first minter. Runs once.
func (s *SmartContract) Bootstrap(ctx contractapi.TransactionContextInterface) error {
	if b, err := ctx.GetStub().GetState(keyAdmin); err != nil {
		return err
	} else if b != nil {
		return fmt.Errorf("already bootstrapped")
	}
	id, err := caller(ctx)
	if err != nil {
		return err
	}
	if err := ctx.GetStub().PutState(keyAdmin, []byte(id)); err != nil {
		return err
	}
	return ctx.GetStub().PutState(keyMinterPrefix+id, []byte("1"))
}

// GrantMinter adds a minter. Admin only; grants are additive.
func (s *SmartContract) GrantMinter(ctx contractapi.TransactionContextInterface, principal string) error {
	id, err := caller(ctx)
	if err != nil {
		return err
	}
	adm, err := ctx.GetStub().GetState(keyAdmin)
	if err != nil {
		return err
	}
	if adm == nil || string(adm) != id {
		return fmt.Errorf("%w: %q is not admin", errUnauthorized, id)
	}
	principal = strings.TrimSpace(principal)
	if principal == "" {
		return errors.New("principal empty")
	}
	return ctx.GetStub().PutState(keyMinterPrefix+principal, []byte("1"))
}

func (s *SmartContract) requireMinter(ctx contractapi.TransactionContextInterface) (string, error) {
	id, err := caller(ctx)
	if err != nil {
		return "", err
	}
	b, err := ctx.GetStub().GetState(keyMinterPrefix + id)
	if err != nil {
		return "", err
	}
	if b == nil {
		return "", fmt.Errorf("%w: %q is not a minter", errUnauthorized, id)
	}
	return id, nil
}

func readAmount(ctx contractapi.TransactionContextInterface, key string) (*uint256.Int, error) {
	b, err := ctx.GetStub().GetState(key)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return uint256.NewInt(0), nil
	}
	z, err := uint256.FromHex(string(b))
	if err != nil {
		return nil, fmt.Errorf("stored amount at %s: %w", key, err)
	}
	return z, nil
}

func writeAmount(ctx contractapi.TransactionContextInterface, key string, z *uint256.Int) error {
	return ctx.GetStub().PutState(key, []byte(z.Hex()))
}

// Mint credits a clear amount to a principal. Minter capability required.
func (s *SmartContract) Mint(ctx contractapi.TransactionContextInterface, to, amountHex string) error {
	if _, err := s.requireMinter(ctx); err != nil {
		return err
	}
	to = strings.TrimSpace(to)
	if to == "" {
		return errors.New("recipient empty")
	}
	amount, err := uint256.FromHex(strings.TrimSpace(amountHex))
	if err != nil {
		return fmt.Errorf("amount hex: %w", err)
	}
	bal, err := readAmount(ctx, keyBalPrefix+to)
	if err != nil {
		return err
	}
	supply, err := readAmount(ctx, keySupply)
	if err != nil {
		return err
	}
	if err := writeAmount(ctx, keyBalPrefix+to, bal.Add(bal, amount)); err != nil {
		return err
	}
	return writeAmount(ctx, keySupply, supply.Add(supply, amount))
}

// MintCredits is the confidential mint variant: the amount is additionally
// wrapped into a ciphertext and folded into the holder's encrypted balance,
// with a decryption grant recorded for the holder.
func (s *SmartContract) MintCredits(ctx contractapi.TransactionContextInterface, to, amountHex string) error {
	if s.Engine == nil {
		return errors.New("fhe engine not configured")
	}
	if err := s.Mint(ctx, to, amountHex); err != nil {
		return err
	}
	amount, err := uint256.FromHex(strings.TrimSpace(amountHex))
	if err != nil {
		return fmt.Errorf("amount hex: %w", err)
	}
	if !amount.IsUint64() {
		return errors.New("confidential amount exceeds uint64")
	}

	wrapped, err := s.Engine.TrivialEncrypt(amount.Uint64(), fhe.Uint64)
	if err != nil {
		return err
	}
	newBal := wrapped
	if b, err := ctx.GetStub().GetState(keyEncBalPrefix + to); err != nil {
		return err
	} else if b != nil {
		prev, err := fhe.HandleFromHex(string(b))
		if err != nil {
			return fmt.Errorf("stored encrypted balance: %w", err)
		}
		if newBal, err = s.Engine.Add(prev, wrapped); err != nil {
			return err
		}
	}
	if err := ctx.GetStub().PutState(keyEncBalPrefix+to, []byte(newBal.Hex())); err != nil {
		return err
	}
	return s.grant(ctx, newBal.Hex(), to)
}

// grant appends principal to a handle's decryption list, idempotently.
func (s *SmartContract) grant(ctx contractapi.TransactionContextInterface, handleHex, principal string) error {
	var list []string
	if b, err := ctx.GetStub().GetState(keyACLPrefix + handleHex); err != nil {
		return err
	} else if b != nil {
		if err := json.Unmarshal(b, &list); err != nil {
			return fmt.Errorf("acl json: %w", err)
		}
	}
	for _, p := range list {
		if p == principal {
			return nil
		}
	}
	list = append(list, principal)
	sort.Strings(list)
	js, _ := json.Marshal(list)
	return ctx.GetStub().PutState(keyACLPrefix+handleHex, js)
}

// Transfer moves a clear amount from the caller to another principal.
func (s *SmartContract) Transfer(ctx contractapi.TransactionContextInterface, to, amountHex string) error {
	id, err := caller(ctx)
	if err != nil {
		return err
	}
	to = strings.TrimSpace(to)
	if to == "" {
		return errors.New("recipient empty")
	}
	amount, err := uint256.FromHex(strings.TrimSpace(amountHex))
	if err != nil {
		return fmt.Errorf("amount hex: %w", err)
	}
	from, err := readAmount(ctx, keyBalPrefix+id)
	if err != nil {
		return err
	}
	if from.Lt(amount) {
		return fmt.Errorf("insufficient balance: have %s, need %s", from.Hex(), amount.Hex())
	}
	dest, err := readAmount(ctx, keyBalPrefix+to)
	if err != nil {
		return err
	}
	if err := writeAmount(ctx, keyBalPrefix+id, from.Sub(from, amount)); err != nil {
		return err
	}
	return writeAmount(ctx, keyBalPrefix+to, dest.Add(dest, amount))
}

// BalanceOf returns a principal's clear balance as uint256 hex.
func (s *SmartContract) BalanceOf(ctx contractapi.TransactionContextInterface, principal string) (string, error) {
	bal, err := readAmount(ctx, keyBalPrefix+principal)
	if err != nil {
		return "", err
	}
	return bal.Hex(), nil
}

// EncryptedBalanceOf returns the handle of a principal's encrypted balance,
// or "" when none exists.
func (s *SmartContract) EncryptedBalanceOf(ctx contractapi.TransactionContextInterface, principal string) (string, error) {
	b, err := ctx.GetStub().GetState(keyEncBalPrefix + principal)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// TotalSupply returns the minted total as uint256 hex.
func (s *SmartContract) TotalSupply(ctx contractapi.TransactionContextInterface) (string, error) {
	supply, err := readAmount(ctx, keySupply)
	if err != nil {
		return "", err
	}
	return supply.Hex(), nil
}

// engineFromEnv wires the sealed engine backing MintCredits. The variable is
// optional: without it the clear-balance paths still work and MintCredits
// reports the missing engine.
func engineFromEnv() fhe.Engine {
	kb, err := hex.DecodeString(os.Getenv("CREDITTOKEN_SEAL_KEY"))
	if err != nil || len(kb) != 32 {
		return nil
	}
	var key [32]byte
	copy(key[:], kb)
	return fhe.NewSealedEngine(key)
}

func main() {
	cc, err := contractapi.NewChaincode(&SmartContract{Engine: engineFromEnv()})
	if err != nil {
		panic(err)
	}
	if err := cc.Start(); err != nil {
		panic(err)
	}
}
