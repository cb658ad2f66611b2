// policy_test.go
//
// Purpose: Tests for bootstrap, role grants, and the versioned policy store
//          (emission factors, credit parameters, oracle policy, runtime
//          params). Focus is admin gating: every refused mutation must leave
//          world state byte-identical.
// Role:    Runs against the in-memory harness; no cc2cc involvement.

package main

import (
	"reflect"
	"testing"
)

// TestBootstrap_OnceAndDefaults checks the one-shot bootstrap and the seeded
// defaults: decimal-scaled reference factors and minting disabled.
func TestBootstrap_OnceAndDefaults(t *testing.T) {
	h := newHarness(t)
	defer h.ctrl.Finish()
	h.bootstrap()

	requireErrContains(t, h.cc.Bootstrap(h.ctx), "already bootstrapped")

	f, err := h.cc.GetFactors(h.ctx)
	requireNoErr(t, err)
	if f.GramsPerKwh != 400 || f.GramsPerCarKm != 120 || f.GramsPerTransitKm != 50 ||
		f.GramsPerFlightKm != 285 || f.Scaler != 1000 {
		t.Fatalf("unexpected default factors: %+v", f)
	}
	cp, err := h.cc.GetCreditParams(h.ctx)
	requireNoErr(t, err)
	if cp.MintingEnabled {
		t.Fatalf("minting must start disabled")
	}
}

// TestGetFactors_UnsetDefaults verifies the pre-bootstrap read path: zero
// factors with an implicit scaler of 1.
func TestGetFactors_UnsetDefaults(t *testing.T) {
	h := newHarness(t)
	defer h.ctrl.Finish()

	f, err := h.cc.GetFactors(h.ctx)
	requireNoErr(t, err)
	if f.GramsPerKwh != 0 || f.Scaler != 1 {
		t.Fatalf("unset factors = %+v want zeros with scaler 1", f)
	}
}

// TestGrantRole_Gating covers role grant authorization and validation.
func TestGrantRole_Gating(t *testing.T) {
	h := newHarness(t)
	defer h.ctrl.Finish()
	h.bootstrap()

	// Non-admin cannot grant; state unchanged.
	h.setCaller(testAlice)
	before := h.mem.snapshotWS()
	requireErrIs(t, h.cc.GrantRole(h.ctx, "admin", testBob), ErrUnauthorized)
	if !reflect.DeepEqual(before, h.mem.snapshotWS()) {
		t.Fatalf("refused grant must not touch state")
	}

	h.setCaller(testAdmin)
	requireErrIs(t, h.cc.GrantRole(h.ctx, "superuser", testBob), ErrPolicy)
	requireNoErr(t, h.cc.GrantRole(h.ctx, "admin", testBob))

	// The new admin can now mutate policy.
	h.setCaller(testBob)
	requireNoErr(t, h.cc.SetCreditParams(h.ctx, 1, 1, 1, true))
}

// TestSetFactors_Validation checks factor JSON parsing, the nonzero-scaler
// rule, and authorization.
func TestSetFactors_Validation(t *testing.T) {
	h := newHarness(t)
	defer h.ctrl.Finish()
	h.bootstrap()

	requireErrContains(t, h.cc.SetFactors(h.ctx, `{not json`), "bad factors json")
	requireErrIs(t, h.cc.SetFactors(h.ctx, `{"gramsPerKwh":1,"scaler":0}`), ErrPolicy)

	h.setCaller(testAlice)
	before := h.mem.snapshotWS()
	requireErrIs(t, h.cc.SetFactors(h.ctx, `{"gramsPerKwh":1,"scaler":1}`), ErrUnauthorized)
	if !reflect.DeepEqual(before, h.mem.snapshotWS()) {
		t.Fatalf("refused factor write must not touch state")
	}

	h.setCaller(testAdmin)
	requireNoErr(t, h.cc.SetFactors(h.ctx, `{"gramsPerKwh":900,"scaler":1}`))
	f, err := h.cc.GetFactors(h.ctx)
	requireNoErr(t, err)
	// Whole-struct replacement: unmentioned factors reset to zero.
	if f.GramsPerKwh != 900 || f.GramsPerCarKm != 0 || f.Scaler != 1 {
		t.Fatalf("factors after replace = %+v", f)
	}
}

// TestSetFactorsDecimal verifies the decimal calling convention always pins
// the scaler to 1000.
func TestSetFactorsDecimal(t *testing.T) {
	h := newHarness(t)
	defer h.ctrl.Finish()
	h.bootstrap()

	requireNoErr(t, h.cc.SetFactorsDecimal(h.ctx, 450, 130, 60, 290))
	f, err := h.cc.GetFactors(h.ctx)
	requireNoErr(t, err)
	if f.GramsPerKwh != 450 || f.GramsPerFlightKm != 290 || f.Scaler != 1000 {
		t.Fatalf("decimal factors = %+v", f)
	}

	h.setCaller(testAlice)
	requireErrIs(t, h.cc.SetFactorsDecimal(h.ctx, 1, 2, 3, 4), ErrUnauthorized)
}

// TestSetCreditParams_ReplaceAndEvent checks whole-struct credit parameter
// replacement and its event.
func TestSetCreditParams_ReplaceAndEvent(t *testing.T) {
	h := newHarness(t)
	defer h.ctrl.Finish()
	h.bootstrap()

	requireNoErr(t, h.cc.SetCreditParams(h.ctx, 10, 5, 20, true))
	cp, err := h.cc.GetCreditParams(h.ctx)
	requireNoErr(t, err)
	if cp.BaseRate != 10 || cp.ScaleFactor != 5 || cp.WeightingFactor != 20 || !cp.MintingEnabled {
		t.Fatalf("credit params = %+v", cp)
	}
	names := h.mem.eventNames()
	if names[len(names)-1] != "CreditParamsUpdated" {
		t.Fatalf("expected CreditParamsUpdated, got %v", names)
	}

	h.setCaller(testAlice)
	requireErrIs(t, h.cc.SetCreditParams(h.ctx, 1, 1, 1, false), ErrUnauthorized)
}

// TestSetOraclePolicy covers the oracle policy store and its gating.
func TestSetOraclePolicy(t *testing.T) {
	h := newHarness(t)
	defer h.ctrl.Finish()
	h.bootstrap()

	requireNoErr(t, h.cc.SetOraclePolicy(h.ctx, 10000, 100))
	p, err := h.cc.GetOraclePolicy(h.ctx)
	requireNoErr(t, err)
	if p.BaselineGrams != 10000 || p.GramsPerToken != 100 {
		t.Fatalf("oracle policy = %+v", p)
	}

	h.setCaller(testOracle)
	requireErrIs(t, h.cc.SetOraclePolicy(h.ctx, 1, 1), ErrUnauthorized)
}

// TestSetParams_MergeSemantics verifies params merge rather than replace, and
// that SetCreditToken routes through them.
func TestSetParams_MergeSemantics(t *testing.T) {
	h := newHarness(t)
	defer h.ctrl.Finish()
	h.bootstrap()

	p, err := h.cc.GetParams(h.ctx)
	requireNoErr(t, err)
	if !p.EmitEvents || p.TokenCCName != "credittoken" {
		t.Fatalf("default params = %+v", p)
	}

	requireNoErr(t, h.cc.SetCreditToken(h.ctx, "carboncredit-v2"))
	requireNoErr(t, h.cc.SetParams(h.ctx, `{"EMIT_EVENTS":false}`))

	p, err = h.cc.GetParams(h.ctx)
	requireNoErr(t, err)
	// The earlier token name must survive the later partial update.
	if p.EmitEvents || p.TokenCCName != "carboncredit-v2" {
		t.Fatalf("merged params = %+v", p)
	}

	h.setCaller(testAlice)
	requireErrIs(t, h.cc.SetParams(h.ctx, `{"EMIT_EVENTS":true}`), ErrUnauthorized)
	requireErrIs(t, h.cc.SetCreditToken(h.ctx, "x"), ErrUnauthorized)
}

// TestSetOracle records the oracle identity and grants it the oracle role.
func TestSetOracle(t *testing.T) {
	h := newHarness(t)
	defer h.ctrl.Finish()
	h.bootstrap()

	requireNoErr(t, h.cc.SetOracle(h.ctx, testOracle))

	// The oracle can now run settlement-gated operations.
	requireNoErr(t, h.cc.SetOraclePolicy(h.ctx, 1000, 10))
	h.setCaller(testOracle)
	_, err := h.cc.OracleMint(h.ctx, testAlice, 2000)
	requireNoErr(t, err)

	h.setCaller(testAlice)
	requireErrIs(t, h.cc.SetOracle(h.ctx, testBob), ErrUnauthorized)
}
