// Harness_test.go
//
// Purpose: Minimal, deterministic test harness for the CarbonTrack chaincode.
// Role: Provides an in-memory world-state/private-data "ledger", a mocked
// Fabric ChaincodeStub (via gomock), a settable client identity, and a real
// SealedEngine + ClientKit pair so submissions carry verifiable proofs. It
// lets tests drive the contract without peers, orderers, or MSP material.
// Key deps:
// - Hyperledger Fabric Go SDKs: chaincode-go/shim, contractapi, protos (peer)
// - gomock for stub expectations and return paths
// - Google protobuf/timestamppb for stable TxTimestamp values
// - Local fakes package: github.com/yourorg/carbontrack_cc/fakes
// Notes:
// - The harness makes defensive copies of byte slices to avoid aliasing
// between test code and the "ledger" maps.
// - Only the code paths used by the tests are mocked.

package main

import (
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	testing "testing"

	pb "github.com/hyperledger/fabric-protos-go-apiv2/peer"

	"github.com/golang/mock/gomock"
	"github.com/holiman/uint256"
	"github.com/hyperledger/fabric-chaincode-go/v2/pkg/cid"
	"github.com/hyperledger/fabric-chaincode-go/v2/shim"
	contractapi "github.com/hyperledger/fabric-contract-api-go/v2/contractapi"
	"google.golang.org/protobuf/types/known/timestamppb"

	f "github.com/yourorg/carbontrack_cc/fakes"
	"github.com/yourorg/carbontrack_cc/fhe"
)

const (
	testChannel = "carbonchan-01"
	testAdmin   = "x509::CN=admin,OU=org1"
	testAlice   = "x509::CN=alice,OU=org1"
	testBob     = "x509::CN=bob,OU=org1"
	testOracle  = "x509::CN=oracle,OU=org2"

	testTxTime int64 = 1766102400
)

// testSealKey is the fixed symmetric key shared by the engine and the client
// kit in tests, so engine-side payload opening succeeds.
var testSealKey = [32]byte{
	0x5e, 0xa1, 0x02, 0x93, 0x44, 0xd5, 0x66, 0xf7,
	0x08, 0x19, 0x2a, 0x3b, 0x4c, 0x5d, 0x6e, 0x7f,
	0x80, 0x91, 0xa2, 0xb3, 0xc4, 0xd5, 0xe6, 0xf7,
	0x18, 0x29, 0x3a, 0x4b, 0x5c, 0x6d, 0x7e, 0x0f,
}

/* in-memory WS/PDC harness */

// memWorld is a tiny in-memory ledger used by the mock stub.
// It tracks world state (ws), private data (pdc), emitted events, and op counts.
type memWorld struct {
	ws     map[string][]byte
	pdc    map[string]map[string][]byte
	events []struct {
		name    string
		payload []byte
	}
	opsCounts struct {
		getState, putState, delState int
		getPDC, putPDC               int
		setEvent                     int
	}
}

func newMemWorld() *memWorld {
	return &memWorld{ws: make(map[string][]byte), pdc: make(map[string]map[string][]byte)}
}

func (m *memWorld) getState(key string) ([]byte, error) {
	m.opsCounts.getState++
	if v, ok := m.ws[key]; ok {
		return append([]byte(nil), v...), nil // Copy for safety
	}
	return nil, nil
}

func (m *memWorld) putState(key string, val []byte) error {
	m.opsCounts.putState++
	m.ws[key] = append([]byte(nil), val...) // Copy for safety
	return nil
}

func (m *memWorld) delState(key string) error {
	m.opsCounts.delState++
	delete(m.ws, key)
	return nil
}

func (m *memWorld) getPDC(coll, key string) ([]byte, error) {
	m.opsCounts.getPDC++
	if c, ok := m.pdc[coll]; ok {
		if v, ok2 := c[key]; ok2 {
			return append([]byte(nil), v...), nil // Copy for safety
		}
	}
	return nil, nil
}

func (m *memWorld) putPDC(coll, key string, val []byte) error {
	m.opsCounts.putPDC++
	c := m.pdc[coll]
	if c == nil {
		c = make(map[string][]byte)
		m.pdc[coll] = c
	}
	c[key] = append([]byte(nil), val...) // Copy for safety
	return nil
}

func (m *memWorld) setEvent(name string, payload []byte) error {
	m.opsCounts.setEvent++
	m.events = append(m.events, struct {
		name    string
		payload []byte
	}{name: name, payload: append([]byte(nil), payload...)}) // Copy for safety
	return nil
}

// snapshotWS returns a deep copy of world state, for unchanged-state asserts.
func (m *memWorld) snapshotWS() map[string][]byte {
	out := make(map[string][]byte, len(m.ws))
	for k, v := range m.ws {
		out[k] = append([]byte(nil), v...)
	}
	return out
}

// eventNames lists emitted event names in order.
func (m *memWorld) eventNames() []string {
	out := make([]string, 0, len(m.events))
	for _, e := range m.events {
		out = append(out, e.name)
	}
	return out
}

/* settable client identity */

// fakeIdentity satisfies cid.ClientIdentity with a mutable ID, so tests can
// switch the acting principal between calls.
type fakeIdentity struct{ id string }

func (fi *fakeIdentity) GetID() (string, error)    { return fi.id, nil }
func (fi *fakeIdentity) GetMSPID() (string, error) { return "Org1MSP", nil }
func (fi *fakeIdentity) GetX509Certificate() (*x509.Certificate, error) {
	return nil, fmt.Errorf("no certificate in test identity")
}
func (fi *fakeIdentity) GetAttributeValue(string) (string, bool, error) { return "", false, nil }
func (fi *fakeIdentity) AssertAttributeValue(string, string) error {
	return fmt.Errorf("no attributes in test identity")
}

/* tx context w/ real stub (no gomock ctx) */

// simpleTxCtx adapts a raw shim.ChaincodeStubInterface plus a fake identity
// to a contractapi TransactionContext.
type simpleTxCtx struct {
	s  shim.ChaincodeStubInterface
	id cid.ClientIdentity
}

func (c *simpleTxCtx) GetStub() shim.ChaincodeStubInterface { return c.s }
func (c *simpleTxCtx) GetClientIdentity() cid.ClientIdentity { return c.id }

/* test harness (single definition) */

// mintCall records one cc2cc Mint observed by the token stub.
type mintCall struct {
	fcn, to, amountHex string
}

// testHarness bundles the mock controller, stub, in-mem ledger, identity,
// engine/client-kit pair, and the contract under test.
type testHarness struct {
	ctrl   *gomock.Controller
	ctx    contractapi.TransactionContextInterface
	stub   *f.MockChaincodeStubInterface
	mem    *memWorld
	ident  *fakeIdentity
	cc     *CarbonTrackContract
	eng    *fhe.SealedEngine
	kit    *fhe.ClientKit
	t      *testing.T
	txID   string
	mints  []mintCall
	mintOK bool // token stub answers 200 when true
}

// newHarness builds a mocked Fabric transaction context for unit tests.
// World state and the private collection are wired to in-memory maps; the
// engine and client kit share testSealKey so ingestion round-trips.
func newHarness(t *testing.T) *testHarness {
	t.Helper()

	ctrl := gomock.NewController(t)
	stub := f.NewMockChaincodeStubInterface(ctrl)
	ident := &fakeIdentity{id: testAdmin}
	txctx := &simpleTxCtx{s: stub, id: ident}
	mem := newMemWorld()

	eng := fhe.NewSealedEngine(testSealKey)
	kit, err := fhe.NewClientKit(testSealKey)
	if err != nil {
		t.Fatalf("client kit: %v", err)
	}
	eng.SetInputVerifier(kit.Verifier())

	h := &testHarness{
		ctrl: ctrl, ctx: txctx, stub: stub, mem: mem, ident: ident,
		cc:  &CarbonTrackContract{Engine: eng},
		eng: eng, kit: kit, t: t, txID: "tx-0001", mintOK: true,
	}

	// Return the current harness txID; tests may override it per case.
	stub.EXPECT().GetTxID().AnyTimes().DoAndReturn(func() string { return h.txID })

	stub.EXPECT().
		GetTxTimestamp().
		AnyTimes().
		Return(&timestamppb.Timestamp{Seconds: testTxTime}, nil)

	// Stable channel ID; selfPrincipal derives from it.
	stub.EXPECT().GetChannelID().AnyTimes().Return(testChannel)

	// Wire world state and PDC to the in-mem maps.
	stub.EXPECT().GetState(gomock.Any()).AnyTimes().DoAndReturn(mem.getState)
	stub.EXPECT().PutState(gomock.Any(), gomock.Any()).AnyTimes().DoAndReturn(mem.putState)
	stub.EXPECT().DelState(gomock.Any()).AnyTimes().DoAndReturn(mem.delState)
	stub.EXPECT().GetPrivateData(gomock.Any(), gomock.Any()).AnyTimes().DoAndReturn(mem.getPDC)
	stub.EXPECT().PutPrivateData(gomock.Any(), gomock.Any(), gomock.Any()).AnyTimes().DoAndReturn(mem.putPDC)

	// Capture events into the in-mem log for assertions.
	stub.EXPECT().SetEvent(gomock.Any(), gomock.Any()).AnyTimes().DoAndReturn(mem.setEvent)

	// Token chaincode stub: record every Mint so settlement tests can assert
	// what was minted without a second ledger.
	stub.EXPECT().
		InvokeChaincode(gomock.Any(), gomock.AssignableToTypeOf([][]byte{}), gomock.Any()).
		AnyTimes().
		DoAndReturn(func(cc string, args [][]byte, ch string) *pb.Response {
			if cc != "credittoken" {
				return &pb.Response{Status: 404, Message: "unknown chaincode " + cc}
			}
			if len(args) < 3 {
				return &pb.Response{Status: int32(shim.ERROR), Message: "bad args"}
			}
			if !h.mintOK {
				return &pb.Response{Status: 500, Message: "token says no"}
			}
			h.mints = append(h.mints, mintCall{
				fcn: string(args[0]), to: string(args[1]), amountHex: string(args[2]),
			})
			return &pb.Response{Status: int32(shim.OK)}
		})

	return h
}

/* small helpers */

// setCaller switches the acting principal for subsequent contract calls.
func (h *testHarness) setCaller(id string) { h.ident.id = id }

// setTxID overrides the txID seen by the contract for the next operations.
func (h *testHarness) setTxID(id string) { h.txID = id }

// bootstrap runs Bootstrap as testAdmin and leaves the caller set to admin.
func (h *testHarness) bootstrap() {
	h.t.Helper()
	h.setCaller(testAdmin)
	requireNoErr(h.t, h.cc.Bootstrap(h.ctx))
}

// binding is the proof binding for the current caller against this contract.
func (h *testHarness) binding() fhe.Binding {
	return fhe.Binding{
		Contract:  []byte("chaincode:" + testChannel + "/" + selfName),
		Principal: []byte(h.ident.id),
	}
}

// encryptField seals one activity magnitude for the current caller and
// returns the hex (payload, proof) pair SubmitActivity expects.
func (h *testHarness) encryptField(v uint64) (string, string) {
	h.t.Helper()
	ext, err := h.kit.Encrypt(v, fhe.Uint32, h.binding())
	if err != nil {
		h.t.Fatalf("encrypt %d: %v", v, err)
	}
	return hex.EncodeToString(ext.Payload), hex.EncodeToString(ext.Proof)
}

// submit runs SubmitActivity for the current caller with the four activity
// magnitudes, producing fresh proof-carrying ciphertexts for each.
func (h *testHarness) submit(kwh, carKm, transitKm, flightKm uint64) (string, error) {
	h.t.Helper()
	kc, kp := h.encryptField(kwh)
	cc, cp := h.encryptField(carKm)
	tc, tp := h.encryptField(transitKm)
	fc, fp := h.encryptField(flightKm)
	return h.cc.SubmitActivity(h.ctx, kc, kp, cc, cp, tc, tp, fc, fp)
}

// decryptTotal opens the stored total of a principal through the engine.
func (h *testHarness) decryptTotal(principal string) uint64 {
	h.t.Helper()
	hx, err := h.cc.GetTotal(h.ctx, principal)
	requireNoErr(h.t, err)
	if hx == "" {
		h.t.Fatalf("no total stored for %s", principal)
	}
	hd, err := fhe.HandleFromHex(hx)
	requireNoErr(h.t, err)
	v, err := h.eng.Decrypt(hd)
	requireNoErr(h.t, err)
	return v
}

// lastMint returns the most recent recorded token mint, failing if none.
func (h *testHarness) lastMint() mintCall {
	h.t.Helper()
	if len(h.mints) == 0 {
		h.t.Fatalf("no mint recorded")
	}
	return h.mints[len(h.mints)-1]
}

// mintedAmount decodes the uint64 amount of a recorded mint.
func (h *testHarness) mintedAmount(mc mintCall) uint64 {
	h.t.Helper()
	z, err := uint256.FromHex(mc.amountHex)
	requireNoErr(h.t, err)
	if !z.IsUint64() {
		h.t.Fatalf("mint amount %s exceeds uint64", mc.amountHex)
	}
	return z.Uint64()
}

func requireNoErr(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func requireErrContains(t *testing.T, err error, wantSubstr string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error containing %q, got nil", wantSubstr)
	}
	if wantSubstr != "" && !strings.Contains(strings.ToLower(err.Error()), strings.ToLower(wantSubstr)) {
		t.Fatalf("error %q does not contain %q", err.Error(), wantSubstr)
	}
}

// requireErrIs asserts err wraps target per errors.Is semantics.
func requireErrIs(t *testing.T, err, target error) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error %v, got nil", target)
	}
	if !errors.Is(err, target) {
		t.Fatalf("error %q is not %v", err.Error(), target)
	}
}

// hexEncode is shorthand for hex.EncodeToString.
func hexEncode(b []byte) string { return hex.EncodeToString(b) }

// sortedCopy returns a sorted copy of a string slice.
func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
