// -----------------------------------------------------------------------------
// CarbonTrack contract (Go, Fabric v2 contract API)
// Purpose: Accepts encrypted activity submissions (electricity and travel),
// homomorphically accumulates an encrypted carbon-footprint total per
// principal, and settles credits either through an admin assessment
// workflow or a trusted oracle that decrypts totals off-chain.
// Role in system: Write-path ingests proof-carrying ciphertexts, combines them
// with public emission factors, and maintains one encrypted total per
// principal plus the capability list of who may request decryption.
// Read-path serves handles and assessment status; minting is delegated
// cc2cc to the credit token chaincode ("credittoken").
// Key dependencies: Hyperledger Fabric contractapi/cid; the fhe engine
// (ciphertext algebra + ingestion proofs); holiman/uint256 for credit
// amounts; private data collection "assessments_pdc" for clear footprints.
// -----------------------------------------------------------------------------

package main

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/holiman/uint256"
	"github.com/hyperledger/fabric-contract-api-go/v2/contractapi"

	"github.com/yourorg/carbontrack_cc/fhe"
)

/* Keys & constants (single namespace for this chaincode) */

const (
	// Collections
	assessPDC = "assessments_pdc"

	// World state prefixes (public)
	keyTotalPrefix   = "TOTAL::"   // TOTAL::<principal> → AccumulatorEntry JSON
	keyACLPrefix     = "ACL::"     // ACL::<handle> → sorted []principal JSON
	keyRolePrefix    = "ROLE::"    // ROLE::<role>::<principal> → "1"
	keyAssessPrefix  = "ASSESS::"  // ASSESS::<principal> → Assessment JSON
	keyFactors       = "FACTORS"       // EmissionFactors JSON
	keyCreditParams  = "CREDITPARAMS"  // CreditParameters JSON
	keyOraclePolicy  = "ORACLEPOLICY"  // OraclePolicy JSON
	keyOracleID      = "ORACLEID"      // configured oracle principal
	keyAssessPending = "ASSESSPENDING" // JSON array of principals
	keyParams        = "PARAMS"        // runtime Params JSON
	keyBootstrapped  = "BOOTSTRAPPED"
)

const (
	eventSubmissionRecorded  = "SubmissionRecorded"
	eventFactorsUpdated      = "FactorsUpdated"
	eventCreditParamsUpdated = "CreditParamsUpdated"
	eventOraclePolicyUpdated = "OraclePolicyUpdated"
	eventCreditsMinted       = "CreditsMinted"
	eventAssessmentRequested = "AssessmentRequested"
	eventParamsUpdated       = "ParamsUpdated"
	eventTotalCleared        = "TotalCleared"
)

const (
	roleAdmin  = "admin"
	roleOracle = "oracle"
)

// selfName is the chaincode identity half of the submission binding and of
// the contract's own capability grants.
const selfName = "carbontrack"

// scalerDecimal is the fixed divisor of the decimal-scaled factor convention
// (3 implicit decimals on grams-per-unit factors).
const scalerDecimal = 1000

/* Errors */

// Sentinel errors; callers and tests match with errors.Is. Errors always
// abort the whole operation with no partial state change.
var (
	ErrUnauthorized     = errors.New("caller lacks required role")
	ErrNoData           = errors.New("no accumulated data for principal")
	ErrAlreadyProcessed = errors.New("assessment already processed")
	ErrPolicy           = errors.New("invalid policy parameter")
	ErrNotFound         = errors.New("not found")
)

/* Types & small data models */

// CarbonTrackContract implements the Fabric contract for encrypted carbon
// accounting.
//
// Responsibilities:
// - Ingest proof-carrying encrypted activity fields and fold them into one
//   encrypted running total per principal (first write vs. accumulate).
// - Record capability grants naming who may request decryption of a handle.
// - Hold the public policy scalars (emission factors, credit parameters,
//   oracle baseline policy) behind admin-gated whole-struct writes.
// - Drive the assessment and oracle settlement workflows that mint credits
//   on the external token chaincode.
type CarbonTrackContract struct {
	contractapi.Contract

	// Engine is the ciphertext algebra backend. Injected at startup; the
	// contract never holds scheme key material itself.
	Engine fhe.Engine
}

// EmissionFactors are the public grams-CO2e-per-unit conversion scalars.
// Factors are always clear; only activity magnitudes are encrypted. With
// Scaler=1 the factors are plain grams; with Scaler=1000 they carry three
// implicit decimals.
type EmissionFactors struct {
	GramsPerKwh       uint64 `json:"gramsPerKwh"`
	GramsPerCarKm     uint64 `json:"gramsPerCarKm"`
	GramsPerTransitKm uint64 `json:"gramsPerTransitKm"`
	GramsPerFlightKm  uint64 `json:"gramsPerFlightKm"`
	Scaler            uint32 `json:"scaler"`
}

// CreditParameters drive the assessment credit formula. Mutations replace
// the whole struct.
type CreditParameters struct {
	BaseRate        uint64 `json:"baseRate"`
	ScaleFactor     uint64 `json:"scaleFactor"`
	WeightingFactor uint64 `json:"weightingFactor"`
	MintingEnabled  bool   `json:"mintingEnabled"`
}

// OraclePolicy parameterizes oracle settlement: credits are minted for the
// shortfall below BaselineGrams at GramsPerToken per credit.
type OraclePolicy struct {
	BaselineGrams uint64 `json:"baselineGrams"`
	GramsPerToken uint64 `json:"gramsPerToken"`
}

// AccumulatorEntry is the per-principal accumulator record at
// TOTAL::<principal>. HasSubmitted is monotonic once true; only the explicit
// destructive ClearTotal resets it.
type AccumulatorEntry struct {
	TotalHandle  string `json:"totalHandle"`
	HasSubmitted bool   `json:"hasSubmitted"`
}

// Assessment is the terminal record of the admin credit-issuance workflow.
// Processed=true is final; no operation reopens it.
type Assessment struct {
	User                 string `json:"user"`
	CarbonFootprintClear uint64 `json:"carbonFootprint"`
	CreditsEarned        string `json:"creditsEarned"` // u256 hex
	Approved             bool   `json:"approved"`
	Processed            bool   `json:"processed"`
	Timestamp            string `json:"timestamp"`
}

// Params contains runtime toggles stored on-chain (PARAMS).
type Params struct {
	EmitEvents  bool   `json:"EMIT_EVENTS"`   // default true: emit events
	TokenCCName string `json:"TOKEN_CC_NAME"` // credit token chaincode, default "credittoken"
}

/* Small helpers */

// nowRFC3339 returns the transaction timestamp as an RFC3339 UTC string.
func nowRFC3339(ctx contractapi.TransactionContextInterface) string {
	ts, _ := ctx.GetStub().GetTxTimestamp()
	return time.Unix(ts.Seconds, int64(ts.Nanos)).UTC().Format(time.RFC3339)
}

// sha256Hex returns the SHA-256 hash of a byte slice, hex-encoded.
func sha256Hex(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}

// mustJSON marshals v and ignores errors (used for events and small writes).
func mustJSON(v any) []byte { b, _ := json.Marshal(v); return b }

// callerID resolves the invoking principal's identity string.
func callerID(ctx contractapi.TransactionContextInterface) (string, error) {
	ci := ctx.GetClientIdentity()
	if ci == nil {
		return "", fmt.Errorf("no client identity in context")
	}
	id, err := ci.GetID()
	if err != nil {
		return "", fmt.Errorf("resolve caller identity: %w", err)
	}
	if strings.TrimSpace(id) == "" {
		return "", fmt.Errorf("empty caller identity")
	}
	return id, nil
}

// selfPrincipal is the contract's own identity in capability lists and in
// the submission binding.
func selfPrincipal(ctx contractapi.TransactionContextInterface) string {
	return "chaincode:" + ctx.GetStub().GetChannelID() + "/" + selfName
}

// engine returns the injected ciphertext backend.
func (c *CarbonTrackContract) engine() (fhe.Engine, error) {
	if c.Engine == nil {
		return nil, fmt.Errorf("fhe engine not configured")
	}
	return c.Engine, nil
}

// getParams reads the contract runtime parameters from world state,
// applying defaults for anything unset.
func getParams(ctx contractapi.TransactionContextInterface) (*Params, error) {
	p := &Params{
		EmitEvents:  true,
		TokenCCName: "credittoken",
	}
	if b, err := ctx.GetStub().GetState(keyParams); err == nil && b != nil {
		var on Params
		if json.Unmarshal(b, &on) == nil {
			return &on, nil
		}
	}
	return p, nil
}

/* Role predicate */

func roleKey(role, principal string) string { return keyRolePrefix + role + "::" + principal }

// hasRole reports whether principal holds role.
func hasRole(ctx contractapi.TransactionContextInterface, role, principal string) (bool, error) {
	b, err := ctx.GetStub().GetState(roleKey(role, principal))
	if err != nil {
		return false, err
	}
	return b != nil, nil
}

// requireRole is the authorization predicate run at the entry of every
// mutating admin/oracle operation. It returns the caller identity so the
// caller does not resolve it twice.
func requireRole(ctx contractapi.TransactionContextInterface, role string) (string, error) {
	id, err := callerID(ctx)
	if err != nil {
		return "", err
	}
	ok, err := hasRole(ctx, role, id)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: %q is not %s", ErrUnauthorized, id, role)
	}
	return id, nil
}

/* Admin / Setup */

// Bootstrap records the deploying identity as admin and seeds default policy.
// It may run exactly once.
func (c *CarbonTrackContract) Bootstrap(ctx contractapi.TransactionContextInterface) error {
	if b, err := ctx.GetStub().GetState(keyBootstrapped); err != nil {
		return err
	} else if b != nil {
		return fmt.Errorf("already bootstrapped")
	}
	id, err := callerID(ctx)
	if err != nil {
		return err
	}
	if err := ctx.GetStub().PutState(roleKey(roleAdmin, id), []byte("1")); err != nil {
		return err
	}
	// Defaults: decimal-scaled reference factors, minting off until an admin
	// turns it on.
	if err := ctx.GetStub().PutState(keyFactors, mustJSON(&EmissionFactors{
		GramsPerKwh: 400, GramsPerCarKm: 120, GramsPerTransitKm: 50, GramsPerFlightKm: 285,
		Scaler: scalerDecimal,
	})); err != nil {
		return err
	}
	if err := ctx.GetStub().PutState(keyCreditParams, mustJSON(&CreditParameters{
		BaseRate: 1, ScaleFactor: 1, WeightingFactor: 1, MintingEnabled: false,
	})); err != nil {
		return err
	}
	return ctx.GetStub().PutState(keyBootstrapped, []byte("1"))
}

// GrantRole grants a role to a principal. Grants are additive; there is no
// revoke in this design.
func (c *CarbonTrackContract) GrantRole(ctx contractapi.TransactionContextInterface, role, principal string) error {
	if _, err := requireRole(ctx, roleAdmin); err != nil {
		return err
	}
	role = strings.TrimSpace(role)
	principal = strings.TrimSpace(principal)
	if role != roleAdmin && role != roleOracle {
		return fmt.Errorf("%w: unknown role %q", ErrPolicy, role)
	}
	if principal == "" {
		return fmt.Errorf("principal empty")
	}
	return ctx.GetStub().PutState(roleKey(role, principal), []byte("1"))
}

// SetOracle configures the oracle principal: grants it the oracle role and
// records it so new totals are re-granted to it at submission time.
func (c *CarbonTrackContract) SetOracle(ctx contractapi.TransactionContextInterface, principal string) error {
	if _, err := requireRole(ctx, roleAdmin); err != nil {
		return err
	}
	principal = strings.TrimSpace(principal)
	if principal == "" {
		return fmt.Errorf("principal empty")
	}
	if err := ctx.GetStub().PutState(roleKey(roleOracle, principal), []byte("1")); err != nil {
		return err
	}
	return ctx.GetStub().PutState(keyOracleID, []byte(principal))
}

// SetCreditToken points the contract at the credit token chaincode it mints
// through.
func (c *CarbonTrackContract) SetCreditToken(ctx contractapi.TransactionContextInterface, ccName string) error {
	if _, err := requireRole(ctx, roleAdmin); err != nil {
		return err
	}
	ccName = strings.TrimSpace(ccName)
	if ccName == "" {
		return fmt.Errorf("chaincode name empty")
	}
	p, err := getParams(ctx)
	if err != nil {
		return err
	}
	p.TokenCCName = ccName
	return ctx.GetStub().PutState(keyParams, mustJSON(p))
}

// SetParams merges runtime parameter updates into the stored Params.
func (c *CarbonTrackContract) SetParams(ctx contractapi.TransactionContextInterface, paramsJSON string) error {
	if _, err := requireRole(ctx, roleAdmin); err != nil {
		return err
	}
	cur, err := getParams(ctx)
	if err != nil {
		return err
	}
	jsCur, _ := json.Marshal(cur)
	var merged map[string]any
	_ = json.Unmarshal(jsCur, &merged)

	var upd map[string]any
	if err := json.Unmarshal([]byte(paramsJSON), &upd); err != nil {
		return fmt.Errorf("bad params json: %w", err)
	}
	for k, v := range upd {
		merged[k] = v
	}

	js, _ := json.Marshal(merged)
	if err := ctx.GetStub().PutState(keyParams, js); err != nil {
		return err
	}

	if params, _ := getParams(ctx); params.EmitEvents {
		keys := make([]string, 0, len(upd))
		for k := range upd {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		_ = ctx.GetStub().SetEvent(eventParamsUpdated, mustJSON(map[string]any{
			"hash": sha256Hex(js),
			"keys": keys,
			"time": nowRFC3339(ctx),
		}))
	}
	return nil
}

// GetParams reads back the stored runtime parameters.
func (c *CarbonTrackContract) GetParams(ctx contractapi.TransactionContextInterface) (*Params, error) {
	return getParams(ctx)
}

/* Policy / parameter store */

// getFactors reads the emission factors, defaulting to an unscaled zero set
// before the first admin write.
func getFactors(ctx contractapi.TransactionContextInterface) (*EmissionFactors, error) {
	f := &EmissionFactors{Scaler: 1}
	b, err := ctx.GetStub().GetState(keyFactors)
	if err != nil {
		return nil, err
	}
	if b != nil {
		if err := json.Unmarshal(b, f); err != nil {
			return nil, fmt.Errorf("factors json: %w", err)
		}
	}
	if f.Scaler == 0 {
		f.Scaler = 1
	}
	return f, nil
}

// GetFactors returns the current emission factors.
func (c *CarbonTrackContract) GetFactors(ctx contractapi.TransactionContextInterface) (*EmissionFactors, error) {
	return getFactors(ctx)
}

// SetFactors replaces the whole emission factor set. Admin only.
func (c *CarbonTrackContract) SetFactors(ctx contractapi.TransactionContextInterface, factorsJSON string) error {
	if _, err := requireRole(ctx, roleAdmin); err != nil {
		return err
	}
	var f EmissionFactors
	if err := json.Unmarshal([]byte(factorsJSON), &f); err != nil {
		return fmt.Errorf("bad factors json: %w", err)
	}
	if f.Scaler == 0 {
		return fmt.Errorf("%w: scaler must be nonzero", ErrPolicy)
	}
	return putFactors(ctx, &f)
}

// SetFactorsDecimal replaces the factors using the decimal-scaled calling
// convention: each value carries three implicit decimals (scaler 1000).
// Admin only.
func (c *CarbonTrackContract) SetFactorsDecimal(ctx contractapi.TransactionContextInterface, kwh, carKm, transitKm, flightKm uint32) error {
	if _, err := requireRole(ctx, roleAdmin); err != nil {
		return err
	}
	return putFactors(ctx, &EmissionFactors{
		GramsPerKwh:       uint64(kwh),
		GramsPerCarKm:     uint64(carKm),
		GramsPerTransitKm: uint64(transitKm),
		GramsPerFlightKm:  uint64(flightKm),
		Scaler:            scalerDecimal,
	})
}

func putFactors(ctx contractapi.TransactionContextInterface, f *EmissionFactors) error {
	if err := ctx.GetStub().PutState(keyFactors, mustJSON(f)); err != nil {
		return err
	}
	if p, _ := getParams(ctx); p.EmitEvents {
		_ = ctx.GetStub().SetEvent(eventFactorsUpdated, mustJSON(map[string]any{
			"factors": f,
			"time":    nowRFC3339(ctx),
		}))
	}
	return nil
}

// getCreditParams reads the credit formula parameters (minting disabled if
// never set).
func getCreditParams(ctx contractapi.TransactionContextInterface) (*CreditParameters, error) {
	p := &CreditParameters{}
	b, err := ctx.GetStub().GetState(keyCreditParams)
	if err != nil {
		return nil, err
	}
	if b != nil {
		if err := json.Unmarshal(b, p); err != nil {
			return nil, fmt.Errorf("credit params json: %w", err)
		}
	}
	return p, nil
}

// GetCreditParams returns the current credit formula parameters.
func (c *CarbonTrackContract) GetCreditParams(ctx contractapi.TransactionContextInterface) (*CreditParameters, error) {
	return getCreditParams(ctx)
}

// SetCreditParams replaces the whole credit parameter set. Admin only.
func (c *CarbonTrackContract) SetCreditParams(ctx contractapi.TransactionContextInterface, baseRate, scaleFactor, weightingFactor uint64, mintingEnabled bool) error {
	if _, err := requireRole(ctx, roleAdmin); err != nil {
		return err
	}
	p := &CreditParameters{
		BaseRate:        baseRate,
		ScaleFactor:     scaleFactor,
		WeightingFactor: weightingFactor,
		MintingEnabled:  mintingEnabled,
	}
	if err := ctx.GetStub().PutState(keyCreditParams, mustJSON(p)); err != nil {
		return err
	}
	if rp, _ := getParams(ctx); rp.EmitEvents {
		_ = ctx.GetStub().SetEvent(eventCreditParamsUpdated, mustJSON(map[string]any{
			"params": p,
			"time":   nowRFC3339(ctx),
		}))
	}
	return nil
}

// getOraclePolicy reads the oracle settlement policy (all zero if unset).
func getOraclePolicy(ctx contractapi.TransactionContextInterface) (*OraclePolicy, error) {
	p := &OraclePolicy{}
	b, err := ctx.GetStub().GetState(keyOraclePolicy)
	if err != nil {
		return nil, err
	}
	if b != nil {
		if err := json.Unmarshal(b, p); err != nil {
			return nil, fmt.Errorf("oracle policy json: %w", err)
		}
	}
	return p, nil
}

// GetOraclePolicy returns the current oracle settlement policy.
func (c *CarbonTrackContract) GetOraclePolicy(ctx contractapi.TransactionContextInterface) (*OraclePolicy, error) {
	return getOraclePolicy(ctx)
}

// SetOraclePolicy replaces the oracle settlement policy. Admin only.
func (c *CarbonTrackContract) SetOraclePolicy(ctx contractapi.TransactionContextInterface, baselineGrams, gramsPerToken uint64) error {
	if _, err := requireRole(ctx, roleAdmin); err != nil {
		return err
	}
	p := &OraclePolicy{BaselineGrams: baselineGrams, GramsPerToken: gramsPerToken}
	if err := ctx.GetStub().PutState(keyOraclePolicy, mustJSON(p)); err != nil {
		return err
	}
	if rp, _ := getParams(ctx); rp.EmitEvents {
		_ = ctx.GetStub().SetEvent(eventOraclePolicyUpdated, mustJSON(map[string]any{
			"policy": p,
			"time":   nowRFC3339(ctx),
		}))
	}
	return nil
}

/* Capability registry */

// readACL returns the sorted grant list for a handle (empty if none).
func readACL(ctx contractapi.TransactionContextInterface, handleHex string) ([]string, error) {
	b, err := ctx.GetStub().GetState(keyACLPrefix + handleHex)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return []string{}, nil
	}
	var list []string
	if err := json.Unmarshal(b, &list); err != nil {
		return nil, fmt.Errorf("acl json: %w", err)
	}
	return list, nil
}

// grantDecrypt appends principal to the handle's capability list. Idempotent
// and additive only; capability never propagates from inputs to derived
// handles, so every new total is re-granted explicitly.
func grantDecrypt(ctx contractapi.TransactionContextInterface, handleHex, principal string) error {
	list, err := readACL(ctx, handleHex)
	if err != nil {
		return err
	}
	for _, p := range list {
		if p == principal {
			return nil
		}
	}
	list = append(list, principal)
	sort.Strings(list)
	return ctx.GetStub().PutState(keyACLPrefix+handleHex, mustJSON(list))
}

// IsGranted reports whether principal may request decryption of a handle.
// The registry records intent; the actual decryption service enforces it
// off-chain.
func (c *CarbonTrackContract) IsGranted(ctx contractapi.TransactionContextInterface, handleHex, principal string) (bool, error) {
	list, err := readACL(ctx, handleHex)
	if err != nil {
		return false, err
	}
	for _, p := range list {
		if p == principal {
			return true, nil
		}
	}
	return false, nil
}

// GetDecryptors returns the capability list of a handle.
func (c *CarbonTrackContract) GetDecryptors(ctx contractapi.TransactionContextInterface, handleHex string) ([]string, error) {
	return readACL(ctx, handleHex)
}

// AllowDecryption lets a principal already granted on a handle extend the
// grant to another principal ("allow other").
func (c *CarbonTrackContract) AllowDecryption(ctx contractapi.TransactionContextInterface, handleHex, principal string) error {
	id, err := callerID(ctx)
	if err != nil {
		return err
	}
	ok, err := c.IsGranted(ctx, handleHex, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %q not granted on %s", ErrUnauthorized, id, handleHex)
	}
	principal = strings.TrimSpace(principal)
	if principal == "" {
		return fmt.Errorf("principal empty")
	}
	return grantDecrypt(ctx, handleHex, principal)
}

/* Accumulator */

// readEntry returns the accumulator entry for a principal, or nil.
func readEntry(ctx contractapi.TransactionContextInterface, principal string) (*AccumulatorEntry, error) {
	b, err := ctx.GetStub().GetState(keyTotalPrefix + principal)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, nil
	}
	var e AccumulatorEntry
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, fmt.Errorf("accumulator json: %w", err)
	}
	return &e, nil
}

// GetTotal returns the principal's current encrypted total handle, or the
// empty string when nothing has been submitted. Read-only; never errors on a
// missing entry.
func (c *CarbonTrackContract) GetTotal(ctx contractapi.TransactionContextInterface, principal string) (string, error) {
	e, err := readEntry(ctx, principal)
	if err != nil {
		return "", err
	}
	if e == nil {
		return "", nil
	}
	return e.TotalHandle, nil
}

// HasSubmitted reports whether the principal has at least one committed
// submission.
func (c *CarbonTrackContract) HasSubmitted(ctx contractapi.TransactionContextInterface, principal string) (bool, error) {
	e, err := readEntry(ctx, principal)
	if err != nil {
		return false, err
	}
	return e != nil && e.HasSubmitted, nil
}

// ClearTotal destroys a principal's accumulator entry. Intentionally
// destructive, admin only, and not part of the default flow.
func (c *CarbonTrackContract) ClearTotal(ctx contractapi.TransactionContextInterface, principal string) error {
	if _, err := requireRole(ctx, roleAdmin); err != nil {
		return err
	}
	e, err := readEntry(ctx, principal)
	if err != nil {
		return err
	}
	if e == nil {
		return fmt.Errorf("%w: %s", ErrNoData, principal)
	}
	if err := ctx.GetStub().DelState(keyTotalPrefix + principal); err != nil {
		return err
	}
	if p, _ := getParams(ctx); p.EmitEvents {
		_ = ctx.GetStub().SetEvent(eventTotalCleared, mustJSON(map[string]string{
			"principal": principal,
			"time":      nowRFC3339(ctx),
		}))
	}
	return nil
}

/* Hot path */

// activityField pairs one encrypted activity magnitude with its factor.
type activityField struct {
	name   string
	ctHex  string
	prfHex string
	factor uint64
}

// SubmitActivity ingests the four proof-carrying encrypted activity fields
// (kWh, car km, transit km, flight km) and folds them into the caller's
// encrypted total.
//
// Algorithm per field: ingest (euint32) → widen → multiply by the clear
// factor; then the four products are summed and, under a scaled factor set,
// divided once by the scaler. Truncation therefore happens at most once per
// submission, after the sum. First submission replaces the (absent) total;
// later submissions accumulate via homomorphic add.
//
// All four fields must verify, or nothing is applied: every engine call and
// validation completes before the first state write.
func (c *CarbonTrackContract) SubmitActivity(
	ctx contractapi.TransactionContextInterface,
	kwhCt, kwhProof, carKmCt, carKmProof, transitKmCt, transitKmProof, flightKmCt, flightKmProof string,
) (string, error) {

	eng, err := c.engine()
	if err != nil {
		return "", err
	}
	id, err := callerID(ctx)
	if err != nil {
		return "", err
	}
	factors, err := getFactors(ctx)
	if err != nil {
		return "", err
	}

	binding := fhe.Binding{
		Contract:  []byte(selfPrincipal(ctx)),
		Principal: []byte(id),
	}

	fields := []activityField{
		{"kwh", kwhCt, kwhProof, factors.GramsPerKwh},
		{"carKm", carKmCt, carKmProof, factors.GramsPerCarKm},
		{"transitKm", transitKmCt, transitKmProof, factors.GramsPerTransitKm},
		{"flightKm", flightKmCt, flightKmProof, factors.GramsPerFlightKm},
	}

	// Ingest everything first so a bad fourth field aborts before arithmetic.
	ingested := make([]fhe.Handle, len(fields))
	for i, f := range fields {
		ext, err := decodeExternal(f.ctHex, f.prfHex)
		if err != nil {
			return "", fmt.Errorf("%s: %w", f.name, err)
		}
		h, err := eng.Ingest(ext, fhe.Uint32, binding)
		if err != nil {
			return "", fmt.Errorf("ingest %s: %w", f.name, err)
		}
		ingested[i] = h
	}

	// Widen, scale by factor, and sum the four contributions.
	var sum fhe.Handle
	for i, f := range fields {
		wide, err := eng.Widen(ingested[i])
		if err != nil {
			return "", fmt.Errorf("widen %s: %w", f.name, err)
		}
		term, err := eng.ScalarMul(wide, f.factor)
		if err != nil {
			return "", fmt.Errorf("scale %s: %w", f.name, err)
		}
		if i == 0 {
			sum = term
			continue
		}
		if sum, err = eng.Add(sum, term); err != nil {
			return "", fmt.Errorf("sum %s: %w", f.name, err)
		}
	}
	if factors.Scaler > 1 {
		if sum, err = eng.ScalarDiv(sum, factors.Scaler); err != nil {
			return "", fmt.Errorf("apply scaler: %w", err)
		}
	}

	// First write replaces; later submissions accumulate. No zero-ciphertext
	// constant is needed on first write.
	prior, err := readEntry(ctx, id)
	if err != nil {
		return "", err
	}
	accumulated := false
	newTotal := sum
	if prior != nil && prior.HasSubmitted {
		prevHandle, err := fhe.HandleFromHex(prior.TotalHandle)
		if err != nil {
			return "", fmt.Errorf("stored total: %w", err)
		}
		if newTotal, err = eng.Add(prevHandle, sum); err != nil {
			return "", fmt.Errorf("accumulate: %w", err)
		}
		accumulated = true
	}

	handleHex := newTotal.Hex()
	if err := ctx.GetStub().PutState(keyTotalPrefix+id, mustJSON(&AccumulatorEntry{
		TotalHandle:  handleHex,
		HasSubmitted: true,
	})); err != nil {
		return "", err
	}

	// Capability does not propagate to derived handles: re-grant the owner,
	// the contract, and the configured oracle on every new total.
	if err := grantDecrypt(ctx, handleHex, id); err != nil {
		return "", err
	}
	if err := grantDecrypt(ctx, handleHex, selfPrincipal(ctx)); err != nil {
		return "", err
	}
	if ob, err := ctx.GetStub().GetState(keyOracleID); err != nil {
		return "", err
	} else if ob != nil {
		if err := grantDecrypt(ctx, handleHex, string(ob)); err != nil {
			return "", err
		}
	}

	if p, _ := getParams(ctx); p.EmitEvents {
		_ = ctx.GetStub().SetEvent(eventSubmissionRecorded, mustJSON(map[string]any{
			"principal":   id,
			"accumulated": accumulated,
			"totalHandle": handleHex,
			"txID":        ctx.GetStub().GetTxID(),
			"time":        nowRFC3339(ctx),
		}))
	}

	return fmt.Sprintf(`{"principal":"%s","totalHandle":"%s","accumulated":%t}`,
		id, handleHex, accumulated), nil
}

// decodeExternal parses the hex-encoded (payload, proof) pair of one field.
func decodeExternal(ctHex, proofHex string) (fhe.ExternalCiphertext, error) {
	payload, err := hex.DecodeString(strings.TrimSpace(ctHex))
	if err != nil {
		return fhe.ExternalCiphertext{}, fmt.Errorf("ciphertext hex: %w", err)
	}
	proof, err := hex.DecodeString(strings.TrimSpace(proofHex))
	if err != nil {
		return fhe.ExternalCiphertext{}, fmt.Errorf("proof hex: %w", err)
	}
	return fhe.ExternalCiphertext{Payload: payload, Proof: proof}, nil
}

/* Assessment workflow */

// readAssessment returns the stored assessment for a principal, or nil.
func readAssessment(ctx contractapi.TransactionContextInterface, principal string) (*Assessment, error) {
	b, err := ctx.GetStub().GetState(keyAssessPrefix + principal)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, nil
	}
	var a Assessment
	if err := json.Unmarshal(b, &a); err != nil {
		return nil, fmt.Errorf("assessment json: %w", err)
	}
	return &a, nil
}

// readPending returns the pending-assessment principal list.
func readPending(ctx contractapi.TransactionContextInterface) ([]string, error) {
	b, err := ctx.GetStub().GetState(keyAssessPending)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return []string{}, nil
	}
	var list []string
	if err := json.Unmarshal(b, &list); err != nil {
		return nil, fmt.Errorf("pending json: %w", err)
	}
	return list, nil
}

// removePending drops principal from the pending set with swap-and-pop, so
// iteration order is not stable across removals.
func removePending(ctx contractapi.TransactionContextInterface, principal string) error {
	list, err := readPending(ctx)
	if err != nil {
		return err
	}
	for i, p := range list {
		if p == principal {
			list[i] = list[len(list)-1]
			list = list[:len(list)-1]
			break
		}
	}
	return ctx.GetStub().PutState(keyAssessPending, mustJSON(list))
}

// writeAssessment persists the assessment publicly and mirrors the record
// (which carries the clear footprint) into the private collection.
func writeAssessment(ctx contractapi.TransactionContextInterface, a *Assessment) error {
	js := mustJSON(a)
	if err := ctx.GetStub().PutState(keyAssessPrefix+a.User, js); err != nil {
		return err
	}
	return ctx.GetStub().PutPrivateData(assessPDC, keyAssessPrefix+a.User, js)
}

// RequestAssessment opens an assessment for the calling principal. Requires
// a prior submission; a processed assessment is terminal and cannot be
// reopened.
func (c *CarbonTrackContract) RequestAssessment(ctx contractapi.TransactionContextInterface) error {
	id, err := callerID(ctx)
	if err != nil {
		return err
	}
	e, err := readEntry(ctx, id)
	if err != nil {
		return err
	}
	if e == nil || !e.HasSubmitted {
		return fmt.Errorf("%w: %s", ErrNoData, id)
	}
	a, err := readAssessment(ctx, id)
	if err != nil {
		return err
	}
	if a != nil {
		if a.Processed {
			return fmt.Errorf("%w: %s", ErrAlreadyProcessed, id)
		}
		return fmt.Errorf("assessment already pending for %s", id)
	}

	if err := writeAssessment(ctx, &Assessment{
		User:          id,
		CreditsEarned: "0x0",
		Timestamp:     nowRFC3339(ctx),
	}); err != nil {
		return err
	}
	pending, err := readPending(ctx)
	if err != nil {
		return err
	}
	pending = append(pending, id)
	if err := ctx.GetStub().PutState(keyAssessPending, mustJSON(pending)); err != nil {
		return err
	}

	if p, _ := getParams(ctx); p.EmitEvents {
		// The clear footprint is settled off-chain; the event carries a zero
		// placeholder.
		_ = ctx.GetStub().SetEvent(eventAssessmentRequested, mustJSON(map[string]any{
			"principal":       id,
			"carbonFootprint": 0,
			"time":            nowRFC3339(ctx),
		}))
	}
	return nil
}

// calculateCredits applies the assessment credit formula:
//
//	credits = (grams/1000) * baseRate * scaleFactor * weightingFactor / 1e6
//
// Integer arithmetic, truncating at each division, in exactly this order.
// Returns zero whenever minting is disabled.
func calculateCredits(p *CreditParameters, footprintGrams uint64) *uint256.Int {
	if !p.MintingEnabled {
		return uint256.NewInt(0)
	}
	z := uint256.NewInt(footprintGrams / 1000)
	z.Mul(z, uint256.NewInt(p.BaseRate))
	z.Mul(z, uint256.NewInt(p.ScaleFactor))
	z.Mul(z, uint256.NewInt(p.WeightingFactor))
	return z.Div(z, uint256.NewInt(1_000_000))
}

// processAssessment applies the shared approve/reject transition.
func processAssessment(ctx contractapi.TransactionContextInterface, principal string, approved bool, footprint uint64, credits *uint256.Int) error {
	a, err := readAssessment(ctx, principal)
	if err != nil {
		return err
	}
	if a == nil {
		return fmt.Errorf("%w: no assessment requested for %s", ErrNotFound, principal)
	}
	if a.Processed {
		return fmt.Errorf("%w: %s", ErrAlreadyProcessed, principal)
	}
	a.Processed = true
	a.Approved = approved
	a.CarbonFootprintClear = footprint
	a.CreditsEarned = credits.Hex()
	a.Timestamp = nowRFC3339(ctx)
	if err := writeAssessment(ctx, a); err != nil {
		return err
	}
	return removePending(ctx, principal)
}

// ApproveAssessment settles a pending assessment with the clear footprint
// supplied by the trusted off-chain decryption and mints any earned credits
// on the token chaincode. Admin only; processed assessments are terminal.
func (c *CarbonTrackContract) ApproveAssessment(ctx contractapi.TransactionContextInterface, principal string, clearFootprintGrams uint64) error {
	if _, err := requireRole(ctx, roleAdmin); err != nil {
		return err
	}
	// Validate the transition before any external call.
	a, err := readAssessment(ctx, principal)
	if err != nil {
		return err
	}
	if a == nil {
		return fmt.Errorf("%w: no assessment requested for %s", ErrNotFound, principal)
	}
	if a.Processed {
		return fmt.Errorf("%w: %s", ErrAlreadyProcessed, principal)
	}

	params, err := getCreditParams(ctx)
	if err != nil {
		return err
	}
	credits := calculateCredits(params, clearFootprintGrams)
	if !credits.IsZero() {
		if err := mintOnToken(ctx, principal, credits); err != nil {
			return err
		}
	}
	if err := processAssessment(ctx, principal, true, clearFootprintGrams, credits); err != nil {
		return err
	}

	if p, _ := getParams(ctx); p.EmitEvents {
		_ = ctx.GetStub().SetEvent(eventCreditsMinted, mustJSON(map[string]any{
			"principal":       principal,
			"credits":         credits.Hex(),
			"carbonFootprint": clearFootprintGrams,
			"path":            "assessment",
			"time":            nowRFC3339(ctx),
		}))
	}
	return nil
}

// RejectAssessment closes a pending assessment with zero credits. Admin
// only; processed assessments are terminal.
func (c *CarbonTrackContract) RejectAssessment(ctx contractapi.TransactionContextInterface, principal string) error {
	if _, err := requireRole(ctx, roleAdmin); err != nil {
		return err
	}
	return processAssessment(ctx, principal, false, 0, uint256.NewInt(0))
}

// GetPendingAssessments returns the principals with an open assessment.
// Removal is swap-and-pop, so order is not stable across removals.
func (c *CarbonTrackContract) GetPendingAssessments(ctx contractapi.TransactionContextInterface) ([]string, error) {
	return readPending(ctx)
}

// GetAssessment returns the assessment record for a principal, or a zero
// record when none exists (read-only queries never error on missing data).
func (c *CarbonTrackContract) GetAssessment(ctx contractapi.TransactionContextInterface, principal string) (*Assessment, error) {
	a, err := readAssessment(ctx, principal)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return &Assessment{User: principal, CreditsEarned: "0x0"}, nil
	}
	return a, nil
}

/* Oracle settlement */

// OracleMint settles credits from a clear total the oracle decrypted
// off-chain: (baseline - total) / gramsPerToken when the total is below the
// baseline, zero otherwise. Oracle role only.
//
// Known limitation: the stored encrypted total is not checkpointed after
// minting, so repeated calls against a growing total can over-mint.
func (c *CarbonTrackContract) OracleMint(ctx contractapi.TransactionContextInterface, principal string, clearTotalGrams uint64) (string, error) {
	if _, err := requireRole(ctx, roleOracle); err != nil {
		return "", err
	}
	policy, err := getOraclePolicy(ctx)
	if err != nil {
		return "", err
	}
	if policy.GramsPerToken == 0 {
		return "", fmt.Errorf("%w: gramsPerToken is zero", ErrPolicy)
	}

	var credits uint64
	if clearTotalGrams < policy.BaselineGrams {
		credits = (policy.BaselineGrams - clearTotalGrams) / policy.GramsPerToken
	}
	amount := uint256.NewInt(credits)
	if credits > 0 {
		if err := mintOnToken(ctx, principal, amount); err != nil {
			return "", err
		}
	}

	if p, _ := getParams(ctx); p.EmitEvents {
		_ = ctx.GetStub().SetEvent(eventCreditsMinted, mustJSON(map[string]any{
			"principal":       principal,
			"credits":         amount.Hex(),
			"carbonFootprint": clearTotalGrams,
			"path":            "oracle",
			"time":            nowRFC3339(ctx),
		}))
	}
	return fmt.Sprintf(`{"principal":"%s","credits":"%s"}`, principal, amount.Hex()), nil
}

/* cc2cc → credit token */

// mintOnToken calls the credit token chaincode's Mint on the same channel.
func mintOnToken(ctx contractapi.TransactionContextInterface, principal string, amount *uint256.Int) error {
	p, err := getParams(ctx)
	if err != nil {
		return err
	}
	_, err = callToken(ctx, p.TokenCCName, "Mint", principal, amount.Hex())
	return err
}

// callToken is a safe wrapper around cc2cc calls to the token chaincode.
func callToken(ctx contractapi.TransactionContextInterface, tokenCC, fcn string, args ...string) ([]byte, error) {
	if ctx == nil {
		return nil, fmt.Errorf("cc2cc %s: nil ctx", fcn)
	}
	s := ctx.GetStub()
	if s == nil {
		return nil, fmt.Errorf("cc2cc %s: nil stub", fcn)
	}
	argv := make([][]byte, 0, 1+len(args))
	argv = append(argv, []byte(fcn))
	for _, a := range args {
		argv = append(argv, []byte(a))
	}
	resp := s.InvokeChaincode(tokenCC, argv, "") // "" => same channel
	if resp.Status != 200 {
		return nil, fmt.Errorf("cc2cc %s(%s) status=%d message=%q",
			fcn, strings.Join(args, ","), resp.Status, resp.Message)
	}
	return resp.Payload, nil
}

/* Health */

// Ping is a simple health check used by deployment tooling and test
// harnesses.
func (c *CarbonTrackContract) Ping(ctx contractapi.TransactionContextInterface) (string, error) {
	return "OK:" + ctx.GetStub().GetTxID(), nil
}
