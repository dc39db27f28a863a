// Package sigauth authenticates callers by their wallet signature over the
// request. The recovered address becomes the caller for role checks.
package sigauth

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

const (
	HeaderAddress   = "X-Caller-Address"
	HeaderSignature = "X-Request-Signature"
	HeaderTimestamp = "X-Request-Timestamp"
	HeaderNonce     = "X-Request-Nonce"

	maxNonceLength = 128
)

var (
	ErrMissingAddress   = errors.New("missing caller address")
	ErrMissingSignature = errors.New("missing request signature")
	ErrMissingTimestamp = errors.New("missing request timestamp")
	ErrStaleTimestamp   = errors.New("stale request timestamp")
	ErrInvalidSignature = errors.New("invalid request signature")
	ErrMissingNonce     = errors.New("missing request nonce")
	ErrNonceReused      = errors.New("request nonce already used")
	ErrNonceCapacity    = errors.New("too many outstanding request nonces")
)

type callerKey struct{}

// Verifier checks signed requests. A request is accepted once: the signature
// must recover to the address in X-Caller-Address, the timestamp must be
// within MaxSkew of now, and the caller must not have used the nonce before.
type Verifier struct {
	MaxSkew time.Duration
	Now     func() time.Time
	// Nonces remembers used nonces. When nil a cache covering both sides of
	// the skew window is created on first use.
	Nonces *NonceCache
	// OnReject, when set, observes every rejected request.
	OnReject func(r *http.Request, err error)

	noncesOnce sync.Once
}

func (v *Verifier) nonces() *NonceCache {
	v.noncesOnce.Do(func() {
		if v.Nonces == nil {
			v.Nonces = NewNonceCache(2*v.MaxSkew, 0)
		}
	})
	return v.Nonces
}

func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, err := v.verify(r)
		if err != nil {
			if v.OnReject != nil {
				v.OnReject(r, err)
			}
			status := http.StatusUnauthorized
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				status = http.StatusRequestEntityTooLarge
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			fmt.Fprintf(w, "{\"error\":%q}\n", err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
	})
}

func (v *Verifier) verify(r *http.Request) (common.Address, error) {
	addrHeader := strings.TrimSpace(r.Header.Get(HeaderAddress))
	if addrHeader == "" || !common.IsHexAddress(addrHeader) {
		return common.Address{}, ErrMissingAddress
	}
	claimed := common.HexToAddress(addrHeader)

	sigHeader := strings.TrimSpace(r.Header.Get(HeaderSignature))
	if sigHeader == "" {
		return common.Address{}, ErrMissingSignature
	}
	tsHeader := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	if tsHeader == "" {
		return common.Address{}, ErrMissingTimestamp
	}
	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return common.Address{}, ErrMissingTimestamp
	}
	nonce := strings.TrimSpace(r.Header.Get(HeaderNonce))
	if nonce == "" || len(nonce) > maxNonceLength {
		return common.Address{}, ErrMissingNonce
	}

	now := time.Now()
	if v.Now != nil {
		now = v.Now()
	}
	reqTime := time.Unix(ts, 0)
	if now.Sub(reqTime) > v.MaxSkew || reqTime.Sub(now) > v.MaxSkew {
		return common.Address{}, ErrStaleTimestamp
	}

	body, err := readBody(r)
	if err != nil {
		return common.Address{}, err
	}

	sig, err := hex.DecodeString(strings.TrimPrefix(sigHeader, "0x"))
	if err != nil || len(sig) != ethcrypto.SignatureLength {
		return common.Address{}, ErrInvalidSignature
	}
	// Wallets produce V as 27/28.
	if sig[ethcrypto.RecoveryIDOffset] >= 27 {
		sig[ethcrypto.RecoveryIDOffset] -= 27
	}

	pub, err := ethcrypto.SigToPub(Digest(r.Method, r.URL.Path, tsHeader, nonce, body), sig)
	if err != nil {
		return common.Address{}, ErrInvalidSignature
	}
	if ethcrypto.PubkeyToAddress(*pub) != claimed {
		return common.Address{}, ErrInvalidSignature
	}
	if err := v.nonces().Use(claimed, nonce, now); err != nil {
		return common.Address{}, err
	}
	return claimed, nil
}

// Digest is the EIP-191 personal-message hash of the canonical request.
func Digest(method, path, timestamp, nonce string, body []byte) []byte {
	payload := make([]byte, 0, len(method)+len(path)+len(timestamp)+len(nonce)+len(body)+4)
	payload = append(payload, strings.ToUpper(method)...)
	payload = append(payload, '\n')
	payload = append(payload, path...)
	payload = append(payload, '\n')
	payload = append(payload, timestamp...)
	payload = append(payload, '\n')
	payload = append(payload, nonce...)
	payload = append(payload, '\n')
	payload = append(payload, body...)
	return accounts.TextHash(ethcrypto.Keccak256(payload))
}

// Sign produces the X-Request-Signature value for a request.
func Sign(key *ecdsa.PrivateKey, method, path, timestamp, nonce string, body []byte) (string, error) {
	sig, err := ethcrypto.Sign(Digest(method, path, timestamp, nonce, body), key)
	if err != nil {
		return "", err
	}
	sig[ethcrypto.RecoveryIDOffset] += 27
	return "0x" + hex.EncodeToString(sig), nil
}

// SignRequest sets the auth headers on r with a fresh nonce.
func SignRequest(r *http.Request, key *ecdsa.PrivateKey, now time.Time) error {
	body, err := readBody(r)
	if err != nil {
		return err
	}
	ts := strconv.FormatInt(now.Unix(), 10)
	nonce := uuid.NewString()
	sig, err := Sign(key, r.Method, r.URL.Path, ts, nonce, body)
	if err != nil {
		return err
	}
	r.Header.Set(HeaderAddress, ethcrypto.PubkeyToAddress(key.PublicKey).Hex())
	r.Header.Set(HeaderTimestamp, ts)
	r.Header.Set(HeaderNonce, nonce)
	r.Header.Set(HeaderSignature, sig)
	return nil
}

func WithCaller(ctx context.Context, caller common.Address) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// CallerFrom returns the authenticated caller, if any.
func CallerFrom(ctx context.Context) (common.Address, bool) {
	caller, ok := ctx.Value(callerKey{}).(common.Address)
	return caller, ok
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return []byte{}, nil
	}
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}
