package sigauth

import (
	"crypto/ecdsa"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

func newKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func TestMiddleware_AllowsValidSignature(t *testing.T) {
	key := newKey(t)
	now := time.Unix(1_700_000_000, 0)
	v := &Verifier{MaxSkew: time.Minute, Now: func() time.Time { return now }}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sales/7/approvals", strings.NewReader(`{"hello":"world"}`))
	if err := SignRequest(req, key, now); err != nil {
		t.Fatalf("sign: %v", err)
	}
	rec := httptest.NewRecorder()

	var caller common.Address
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, _ = CallerFrom(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	v.Middleware(handler).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if caller != ethcrypto.PubkeyToAddress(key.PublicKey) {
		t.Fatalf("caller not propagated: %s", caller.Hex())
	}
}

func TestMiddleware_RejectsTamperedBody(t *testing.T) {
	key := newKey(t)
	now := time.Unix(1_700_000_000, 0)
	v := &Verifier{MaxSkew: time.Minute, Now: func() time.Time { return now }}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sales", strings.NewReader(`{"price":"100"}`))
	if err := SignRequest(req, key, now); err != nil {
		t.Fatalf("sign: %v", err)
	}
	req.Body = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"price":"1"}`)).Body
	rec := httptest.NewRecorder()

	v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	})).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestMiddleware_RejectsImpersonation(t *testing.T) {
	key := newKey(t)
	other := newKey(t)
	now := time.Unix(1_700_000_000, 0)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sales/1/cancel", nil)
	if err := SignRequest(req, key, now); err != nil {
		t.Fatalf("sign: %v", err)
	}
	req.Header.Set(HeaderAddress, ethcrypto.PubkeyToAddress(other.PublicKey).Hex())

	v := &Verifier{MaxSkew: time.Minute, Now: func() time.Time { return now }}
	if _, err := v.verify(req); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestMiddleware_RejectsStaleTimestamp(t *testing.T) {
	key := newKey(t)
	signedAt := time.Unix(1_700_000_000, 0)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sales", strings.NewReader(`{}`))
	if err := SignRequest(req, key, signedAt); err != nil {
		t.Fatalf("sign: %v", err)
	}

	var rejected error
	v := &Verifier{
		MaxSkew:  time.Minute,
		Now:      func() time.Time { return signedAt.Add(2 * time.Minute) },
		OnReject: func(_ *http.Request, err error) { rejected = err },
	}
	rec := httptest.NewRecorder()
	v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	})).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if !errors.Is(rejected, ErrStaleTimestamp) {
		t.Fatalf("expected stale timestamp, got %v", rejected)
	}
}

func TestMiddleware_RejectsMissingHeaders(t *testing.T) {
	key := newKey(t)
	now := time.Unix(1_700_000_000, 0)
	v := &Verifier{MaxSkew: time.Minute, Now: func() time.Time { return now }}

	cases := []struct {
		name   string
		header string
		want   error
	}{
		{"address", HeaderAddress, ErrMissingAddress},
		{"signature", HeaderSignature, ErrMissingSignature},
		{"timestamp", HeaderTimestamp, ErrMissingTimestamp},
		{"nonce", HeaderNonce, ErrMissingNonce},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/sales", nil)
			if err := SignRequest(req, key, now); err != nil {
				t.Fatalf("sign: %v", err)
			}
			req.Header.Del(tc.header)
			if _, err := v.verify(req); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestSignatureAcceptsRawRecoveryID(t *testing.T) {
	key := newKey(t)
	now := time.Unix(1_700_000_000, 0)
	ts := strconv.FormatInt(now.Unix(), 10)

	sig, err := ethcrypto.Sign(Digest(http.MethodPost, "/x", ts, "n-1", nil), key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/x", nil)
	req.Header.Set(HeaderAddress, ethcrypto.PubkeyToAddress(key.PublicKey).Hex())
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderNonce, "n-1")
	req.Header.Set(HeaderSignature, common.Bytes2Hex(sig))

	v := &Verifier{MaxSkew: time.Minute, Now: func() time.Time { return now }}
	if _, err := v.verify(req); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestMiddleware_RejectsReplayedRequest(t *testing.T) {
	key := newKey(t)
	now := time.Unix(1_700_000_000, 0)
	v := &Verifier{MaxSkew: time.Minute, Now: func() time.Time { return now }}

	signed := httptest.NewRequest(http.MethodPost, "/api/v1/sales/1/collateral", strings.NewReader(`{"amount":"20"}`))
	if err := SignRequest(signed, key, now); err != nil {
		t.Fatalf("sign: %v", err)
	}

	calls := 0
	handler := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))
	send := func() int {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/sales/1/collateral", strings.NewReader(`{"amount":"20"}`))
		req.Header = signed.Header.Clone()
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := send(); code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", code)
	}
	for i := 0; i < 2; i++ {
		if code := send(); code != http.StatusUnauthorized {
			t.Fatalf("replay %d: expected 401, got %d", i+1, code)
		}
	}
	if calls != 1 {
		t.Fatalf("expected handler once, got %d", calls)
	}
}

func TestMiddleware_NonceIsSigned(t *testing.T) {
	key := newKey(t)
	now := time.Unix(1_700_000_000, 0)
	v := &Verifier{MaxSkew: time.Minute, Now: func() time.Time { return now }}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sales/1/finalize", nil)
	if err := SignRequest(req, key, now); err != nil {
		t.Fatalf("sign: %v", err)
	}
	req.Header.Set(HeaderNonce, "fresh-nonce")
	if _, err := v.verify(req); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestNonceCacheScopesAndExpires(t *testing.T) {
	alice := common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob := common.HexToAddress("0x00000000000000000000000000000000000000b2")
	now := time.Unix(1_700_000_000, 0)
	cache := NewNonceCache(time.Minute, 2)

	if err := cache.Use(alice, "n1", now); err != nil {
		t.Fatalf("first use: %v", err)
	}
	if err := cache.Use(alice, "n1", now.Add(30*time.Second)); !errors.Is(err, ErrNonceReused) {
		t.Fatalf("expected ErrNonceReused, got %v", err)
	}
	if err := cache.Use(bob, "n1", now); err != nil {
		t.Fatalf("other caller: %v", err)
	}
	if err := cache.Use(alice, "n2", now); err != nil {
		t.Fatalf("second nonce: %v", err)
	}
	if err := cache.Use(alice, "n3", now); !errors.Is(err, ErrNonceCapacity) {
		t.Fatalf("expected ErrNonceCapacity, got %v", err)
	}
	if err := cache.Use(alice, "n1", now.Add(2*time.Minute)); err != nil {
		t.Fatalf("expired nonce should be usable again: %v", err)
	}
}
