package server

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"titlescrow/internal/config"
	"titlescrow/internal/escrow"
	"titlescrow/internal/idempotency"
	"titlescrow/internal/sale"
	"titlescrow/internal/sigauth"
)

var (
	testNow    = time.Unix(1_700_000_000, 0)
	escrowAddr = common.HexToAddress("0x00000000000000000000000000000000000000ee")
)

type testEnv struct {
	srv      *Server
	handler  http.Handler
	registry *escrow.FakeRegistry
	bank     *escrow.FakeBank
	seller   *ecdsa.PrivateKey
	buyer    *ecdsa.PrivateKey
	verifier *ecdsa.PrivateKey
	cfg      *config.AppConfig
}

func newTestConfig(t *testing.T) *config.AppConfig {
	t.Helper()
	return &config.AppConfig{
		Service: config.ServiceConfig{
			HTTPPort:          0,
			AuthClockSkew:     time.Minute,
			IdempotencyWindow: time.Minute,
			DLQPath:           t.TempDir(),
			RequestsPerSecond: 1000,
			Burst:             1000,
			MaxBodyBytes:      1 << 16,
		},
	}
}

func newTestEnv(t *testing.T, cfg *config.AppConfig, opts ...Option) *testEnv {
	t.Helper()
	env := &testEnv{
		seller:   mustKey(t),
		buyer:    mustKey(t),
		verifier: mustKey(t),
		registry: escrow.NewFakeRegistry(),
		bank:     escrow.NewFakeBank(),
		cfg:      cfg,
	}
	env.bank.Fund(addr(env.buyer), big.NewInt(1000))
	roles, err := sale.NewRoles(addr(env.seller), addr(env.verifier), common.Address{})
	if err != nil {
		t.Fatalf("roles: %v", err)
	}
	for id := uint64(1); id <= 4; id++ {
		env.registry.Mint(id, addr(env.seller))
	}
	ledger, err := sale.NewLedger(roles, escrowAddr, env.registry)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	engine, err := sale.NewEngine(ledger, env.bank)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	env.srv = NewServer(cfg, engine, idempotency.NewMemoryStore(), opts...)
	env.handler = env.srv.Handler()
	return env
}

func mustKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func addr(key *ecdsa.PrivateKey) common.Address {
	return ethcrypto.PubkeyToAddress(key.PublicKey)
}

// do sends a request signed by key, or unsigned when key is nil.
func (e *testEnv) do(t *testing.T, key *ecdsa.PrivateKey, method, path string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			t.Fatalf("marshal: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	if key != nil {
		if err := sigauth.SignRequest(req, key, testNow); err != nil {
			t.Fatalf("sign: %v", err)
		}
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) expect(t *testing.T, rec *httptest.ResponseRecorder, status int) map[string]interface{} {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("expected %d got %d: %s", status, rec.Code, rec.Body.String())
	}
	var out map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return out
}

func (e *testEnv) list(t *testing.T, assetID uint64, price, collateral string) {
	t.Helper()
	rec := e.do(t, e.seller, http.MethodPost, "/api/v1/sales", map[string]interface{}{
		"assetId":            assetID,
		"buyer":              addr(e.buyer).Hex(),
		"purchasePrice":      price,
		"collateralRequired": collateral,
	})
	e.expect(t, rec, http.StatusCreated)
}

func salePath(assetID uint64, suffix string) string {
	return fmt.Sprintf("/api/v1/sales/%d%s", assetID, suffix)
}

func TestSaleLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t, newTestConfig(t))
	env.list(t, 1, "100", "20")

	env.expect(t, env.do(t, env.buyer, http.MethodPost, salePath(1, "/collateral"), map[string]string{"amount": "20"}), http.StatusOK)
	env.expect(t, env.do(t, env.verifier, http.MethodPost, salePath(1, "/verification"), map[string]bool{"passed": true}), http.StatusOK)
	env.expect(t, env.do(t, env.buyer, http.MethodPost, salePath(1, "/approvals"), nil), http.StatusOK)
	env.expect(t, env.do(t, env.seller, http.MethodPost, salePath(1, "/approvals"), nil), http.StatusOK)

	body := env.expect(t, env.do(t, env.buyer, http.MethodPost, salePath(1, "/finalize"), nil), http.StatusUnprocessableEntity)
	if body["code"] != "insufficient_balance" {
		t.Fatalf("expected insufficient_balance, got %v", body["code"])
	}

	env.expect(t, env.do(t, env.buyer, http.MethodPost, salePath(1, "/collateral"), map[string]string{"amount": "80"}), http.StatusOK)
	body = env.expect(t, env.do(t, env.buyer, http.MethodPost, salePath(1, "/finalize"), nil), http.StatusOK)
	if body["status"] != "finalized" || body["listed"] != false {
		t.Fatalf("unexpected finalize response: %v", body)
	}
	if body["payout"] != "100" {
		t.Fatalf("expected payout 100, got %v", body["payout"])
	}

	if paid := env.bank.PaidTo(addr(env.seller)); paid.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("seller paid %s", paid)
	}
	holder, _ := env.registry.HolderOf(context.Background(), 1)
	if holder != addr(env.buyer) {
		t.Fatalf("buyer does not hold title")
	}

	balance := env.expect(t, env.do(t, nil, http.MethodGet, "/api/v1/balance", nil), http.StatusOK)
	if balance["balance"] != "0" {
		t.Fatalf("expected empty balance, got %v", balance["balance"])
	}

	body = env.expect(t, env.do(t, env.buyer, http.MethodPost, salePath(1, "/finalize"), nil), http.StatusNotFound)
	if body["code"] != "no_such_sale" {
		t.Fatalf("expected no_such_sale, got %v", body["code"])
	}
}

func TestCancelUnverifiedRefundsBuyerOverHTTP(t *testing.T) {
	env := newTestEnv(t, newTestConfig(t))
	env.list(t, 2, "100", "20")
	env.expect(t, env.do(t, env.buyer, http.MethodPost, salePath(2, "/collateral"), map[string]string{"amount": "20"}), http.StatusOK)
	env.expect(t, env.do(t, env.verifier, http.MethodPost, salePath(2, "/verification"), map[string]bool{"passed": false}), http.StatusOK)

	body := env.expect(t, env.do(t, env.seller, http.MethodPost, salePath(2, "/cancel"), nil), http.StatusOK)
	if body["status"] != "canceled" || body["payee"] != addr(env.buyer).Hex() {
		t.Fatalf("unexpected cancel response: %v", body)
	}
	if paid := env.bank.PaidTo(addr(env.buyer)); paid.Cmp(big.NewInt(20)) != 0 {
		t.Fatalf("buyer refunded %s", paid)
	}

	history := env.expect(t, env.do(t, nil, http.MethodGet, salePath(2, "/history"), nil), http.StatusOK)
	if rounds, _ := history["rounds"].([]interface{}); len(rounds) != 1 {
		t.Fatalf("expected one round, got %v", history["rounds"])
	}
}

func TestUnsignedMutationRejected(t *testing.T) {
	env := newTestEnv(t, newTestConfig(t))
	rec := env.do(t, nil, http.MethodPost, "/api/v1/sales", map[string]string{"buyer": addr(env.buyer).Hex()})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", rec.Code)
	}
	if got := testutil.ToFloat64(env.srv.metrics.authFailures.WithLabelValues("missing_address")); got != 1 {
		t.Fatalf("expected one auth failure, got %v", got)
	}
}

func TestWrongRoleForbidden(t *testing.T) {
	env := newTestEnv(t, newTestConfig(t))
	rec := env.do(t, env.buyer, http.MethodPost, "/api/v1/sales", map[string]interface{}{
		"assetId":            1,
		"buyer":              addr(env.buyer).Hex(),
		"purchasePrice":      "100",
		"collateralRequired": "20",
	})
	body := env.expect(t, rec, http.StatusForbidden)
	if body["code"] != "unauthorized" {
		t.Fatalf("expected unauthorized code, got %v", body["code"])
	}

	env.list(t, 1, "100", "20")
	env.expect(t, env.do(t, env.seller, http.MethodPost, salePath(1, "/verification"), map[string]bool{"passed": true}), http.StatusForbidden)
	env.expect(t, env.do(t, mustKey(t), http.MethodPost, salePath(1, "/cancel"), nil), http.StatusForbidden)
}

func TestListRejectsBadPayload(t *testing.T) {
	env := newTestEnv(t, newTestConfig(t))
	env.expect(t, env.do(t, env.seller, http.MethodPost, "/api/v1/sales", map[string]interface{}{
		"assetId":            1,
		"buyer":              addr(env.buyer).Hex(),
		"purchasePrice":      "1e3",
		"collateralRequired": "20",
	}), http.StatusBadRequest)
	env.expect(t, env.do(t, env.seller, http.MethodPost, "/api/v1/sales", map[string]interface{}{
		"assetId": 1,
		"buyer":   "nobody",
	}), http.StatusBadRequest)
	env.expect(t, env.do(t, nil, http.MethodGet, "/api/v1/sales/abc", nil), http.StatusBadRequest)
	env.expect(t, env.do(t, nil, http.MethodGet, "/api/v1/sales/9", nil), http.StatusNotFound)
}

func TestDepositIdempotency(t *testing.T) {
	env := newTestEnv(t, newTestConfig(t))
	env.list(t, 1, "100", "20")

	first := env.do(t, env.buyer, http.MethodPost, salePath(1, "/collateral"), map[string]string{"amount": "20"}, headerIdempotencyKey, "dep-1")
	env.expect(t, first, http.StatusOK)

	second := env.do(t, env.buyer, http.MethodPost, salePath(1, "/collateral"), map[string]string{"amount": "20"}, headerIdempotencyKey, "dep-1")
	env.expect(t, second, http.StatusOK)
	if second.Header().Get(headerReplayed) != "true" {
		t.Fatalf("expected replayed response")
	}
	if !bytes.Equal(first.Body.Bytes(), second.Body.Bytes()) {
		t.Fatalf("expected same response body on idempotent request")
	}

	balance := env.expect(t, env.do(t, nil, http.MethodGet, "/api/v1/balance", nil), http.StatusOK)
	if balance["balance"] != "20" {
		t.Fatalf("deposit applied twice: %v", balance["balance"])
	}

	mismatch := env.do(t, env.buyer, http.MethodPost, salePath(1, "/collateral"), map[string]string{"amount": "30"}, headerIdempotencyKey, "dep-1")
	body := env.expect(t, mismatch, http.StatusConflict)
	if body["code"] != "idempotency_mismatch" {
		t.Fatalf("expected idempotency_mismatch, got %v", body["code"])
	}
	if got := testutil.ToFloat64(env.srv.metrics.idempotentReplay); got != 1 {
		t.Fatalf("expected one replay, got %v", got)
	}
}

func TestReplayedSignedDepositRejected(t *testing.T) {
	env := newTestEnv(t, newTestConfig(t))
	env.list(t, 1, "100", "20")

	payload := []byte(`{"amount":"20"}`)
	signed := httptest.NewRequest(http.MethodPost, salePath(1, "/collateral"), bytes.NewReader(payload))
	if err := sigauth.SignRequest(signed, env.buyer, testNow); err != nil {
		t.Fatalf("sign: %v", err)
	}
	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, salePath(1, "/collateral"), bytes.NewReader(payload))
		req.Header = signed.Header.Clone()
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, req)
		return rec
	}

	env.expect(t, send(), http.StatusOK)
	for i := 0; i < 2; i++ {
		if rec := send(); rec.Code != http.StatusUnauthorized {
			t.Fatalf("replay %d: expected 401 got %d", i+1, rec.Code)
		}
	}

	balance := env.expect(t, env.do(t, nil, http.MethodGet, "/api/v1/balance", nil), http.StatusOK)
	if balance["balance"] != "20" {
		t.Fatalf("replayed deposit credited: %v", balance["balance"])
	}
	if got := testutil.ToFloat64(env.srv.metrics.authFailures.WithLabelValues("replayed_nonce")); got != 2 {
		t.Fatalf("expected two replay rejections, got %v", got)
	}
}

func TestDepositWithoutFundsFails(t *testing.T) {
	env := newTestEnv(t, newTestConfig(t))
	env.list(t, 1, "100", "20")

	body := env.expect(t, env.do(t, env.buyer, http.MethodPost, salePath(1, "/collateral"), map[string]string{"amount": "5000"}), http.StatusBadGateway)
	if body["code"] != "payment_failed" {
		t.Fatalf("expected payment_failed, got %v", body["code"])
	}
	if got := env.bank.BalanceOf(addr(env.buyer)); got.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("buyer debited on failed deposit: %s", got)
	}
	balance := env.expect(t, env.do(t, nil, http.MethodGet, "/api/v1/balance", nil), http.StatusOK)
	if balance["balance"] != "0" {
		t.Fatalf("expected empty balance, got %v", balance["balance"])
	}
}

func TestIdempotencyKeysScopedPerCaller(t *testing.T) {
	env := newTestEnv(t, newTestConfig(t))
	env.list(t, 1, "100", "20")

	env.expect(t, env.do(t, env.buyer, http.MethodPost, salePath(1, "/approvals"), nil, headerIdempotencyKey, "shared"), http.StatusOK)
	body := env.expect(t, env.do(t, env.seller, http.MethodPost, salePath(1, "/approvals"), nil, headerIdempotencyKey, "shared"), http.StatusOK)

	approvals, _ := body["approvals"].([]interface{})
	if len(approvals) != 2 {
		t.Fatalf("expected both approvals recorded, got %v", body["approvals"])
	}
}

func TestCustodyFailureIsDeadLetteredAndResumed(t *testing.T) {
	cfg := newTestConfig(t)
	env := newTestEnv(t, cfg)
	env.list(t, 1, "100", "20")
	env.expect(t, env.do(t, env.buyer, http.MethodPost, salePath(1, "/collateral"), map[string]string{"amount": "100"}), http.StatusOK)
	env.expect(t, env.do(t, env.verifier, http.MethodPost, salePath(1, "/verification"), map[string]bool{"passed": true}), http.StatusOK)
	env.expect(t, env.do(t, env.buyer, http.MethodPost, salePath(1, "/approvals"), nil), http.StatusOK)
	env.expect(t, env.do(t, env.seller, http.MethodPost, salePath(1, "/approvals"), nil), http.StatusOK)

	env.registry.BeforeTransfer = func(_ uint64, _, to common.Address) error {
		if to == addr(env.buyer) {
			return errors.New("registry paused")
		}
		return nil
	}
	body := env.expect(t, env.do(t, env.buyer, http.MethodPost, salePath(1, "/finalize"), nil), http.StatusBadGateway)
	if body["code"] != "custody_transfer_failed" {
		t.Fatalf("expected custody_transfer_failed, got %v", body["code"])
	}
	saleBody, _ := body["sale"].(map[string]interface{})
	if saleBody["status"] != "custody_pending" {
		t.Fatalf("expected custody_pending sale, got %v", body["sale"])
	}

	entries, err := os.ReadDir(cfg.Service.DLQPath)
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected one dlq entry, got %d (%v)", len(entries), err)
	}
	if got := testutil.ToFloat64(env.srv.metrics.dlqDepth); got != 1 {
		t.Fatalf("expected dlq depth 1, got %v", got)
	}

	env.registry.BeforeTransfer = nil
	body = env.expect(t, env.do(t, env.buyer, http.MethodPost, salePath(1, "/custody/resume"), nil), http.StatusOK)
	if body["status"] != "finalized" {
		t.Fatalf("expected finalized after resume, got %v", body["status"])
	}
	entries, _ = os.ReadDir(cfg.Service.DLQPath)
	if len(entries) != 0 {
		t.Fatalf("expected dlq cleared, got %d entries", len(entries))
	}
	if got := testutil.ToFloat64(env.srv.metrics.dlqDepth); got != 0 {
		t.Fatalf("expected dlq depth 0, got %v", got)
	}
}

func TestRateLimitPerClient(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Service.RequestsPerSecond = 0.001
	cfg.Service.Burst = 2
	env := newTestEnv(t, cfg)

	for i := 0; i < 2; i++ {
		env.expect(t, env.do(t, nil, http.MethodGet, "/api/v1/roles", nil), http.StatusOK)
	}
	rec := env.do(t, nil, http.MethodGet, "/api/v1/roles", nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 got %d", rec.Code)
	}
}

func TestRolesEndpoint(t *testing.T) {
	env := newTestEnv(t, newTestConfig(t))
	body := env.expect(t, env.do(t, nil, http.MethodGet, "/api/v1/roles", nil), http.StatusOK)
	if body["seller"] != addr(env.seller).Hex() || body["verifier"] != addr(env.verifier).Hex() {
		t.Fatalf("unexpected roles: %v", body)
	}
	if body["escrow"] != escrowAddr.Hex() {
		t.Fatalf("unexpected escrow: %v", body["escrow"])
	}
	if _, ok := body["lender"]; ok {
		t.Fatalf("lender should be omitted when unset")
	}
}

func TestHealthReportsDegradedRPC(t *testing.T) {
	env := newTestEnv(t, newTestConfig(t), WithRPCHealth(func(context.Context) error {
		return errors.New("connection refused")
	}))
	rec := env.do(t, nil, http.MethodGet, "/api/v1/health", nil)
	body := env.expect(t, rec, http.StatusServiceUnavailable)
	if body["status"] != "degraded" {
		t.Fatalf("expected degraded, got %v", body["status"])
	}
}

func TestMetricsEndpointExposesSaleOps(t *testing.T) {
	env := newTestEnv(t, newTestConfig(t))
	env.list(t, 1, "100", "20")
	if got := testutil.ToFloat64(env.srv.metrics.saleOpsTotal.WithLabelValues("list", "ok")); got != 1 {
		t.Fatalf("expected one list op, got %v", got)
	}

	rec := env.do(t, nil, http.MethodGet, "/api/v1/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("titlescrow_sale_operations_total")) {
		t.Fatalf("metrics output missing sale counter")
	}
}

func TestStatusForMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{sale.ErrUnauthorized, http.StatusForbidden},
		{sale.ErrAlreadyListed, http.StatusConflict},
		{sale.ErrNoSuchSale, http.StatusNotFound},
		{sale.ErrInsufficientCollateral, http.StatusUnprocessableEntity},
		{sale.ErrNotVerified, http.StatusUnprocessableEntity},
		{sale.ErrApprovalMissing, http.StatusUnprocessableEntity},
		{sale.ErrInsufficientBalance, http.StatusUnprocessableEntity},
		{fmt.Errorf("%w: node down", sale.ErrPaymentFailed), http.StatusBadGateway},
		{sale.ErrCustodyTransferFailed, http.StatusBadGateway},
		{sale.ErrInvalidArgument, http.StatusBadRequest},
		{idempotency.ErrRequestMismatch, http.StatusConflict},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got, _ := statusFor(tc.err); got != tc.status {
			t.Fatalf("statusFor(%v) = %d, want %d", tc.err, got, tc.status)
		}
	}
}
