// Package token produces signed entitlement snapshots for licenses. A token
// is a cache hint for downstream consumers, not an authority: it is not
// retroactively invalidated by a toggle or revoke, so authoritative
// decisions must go through a store-backed check.
package token

import (
	"fmt"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"entitle/internal/domain"
	"entitle/internal/errors"
)

// Claims is the signed entitlement snapshot. The registered expiry equals
// the license expiry, so the signature lifetime is exactly the seconds
// remaining on the license at issuance.
type Claims struct {
	LicenseKey string          `json:"license_key"`
	ClientID   string          `json:"client_id"`
	Plan       domain.Plan     `json:"plan"`
	Modules    []domain.Module `json:"modules"`
	Features   []string        `json:"features"`
	jwtlib.RegisteredClaims
}

// Issuer signs entitlement snapshots with an HMAC key.
type Issuer struct {
	secret []byte
	method jwtlib.SigningMethod
	issuer string
	now    func() time.Time
}

// Option configures an Issuer.
type Option func(*Issuer)

// WithClock overrides the issuer's time source, used by tests.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) { i.now = now }
}

// NewIssuer creates an Issuer. alg selects the HMAC family signing method;
// empty means HS256.
func NewIssuer(secret []byte, alg string, opts ...Option) (*Issuer, error) {
	if len(secret) == 0 {
		return nil, errors.E(errors.KindValidation, "token secret must not be empty")
	}
	method, err := signingMethod(alg)
	if err != nil {
		return nil, err
	}
	iss := &Issuer{
		secret: secret,
		method: method,
		issuer: "entitle",
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(iss)
	}
	return iss, nil
}

// Issue signs a snapshot of the license. Fails with InvalidTransition when
// the license does not currently grant entitlements, since a token for an
// invalid license would be dead on arrival.
func (i *Issuer) Issue(lic *domain.License) (string, *Claims, error) {
	now := i.now()
	if !lic.Valid(now) {
		return "", nil, errors.E(errors.KindInvalidTransition,
			"cannot issue token for %s license %s", lic.Status, lic.Key)
	}

	claims := &Claims{
		LicenseKey: lic.Key,
		ClientID:   lic.ClientID,
		Plan:       lic.Plan,
		Modules:    lic.Modules,
		Features:   lic.Features(),
		RegisteredClaims: jwtlib.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   lic.ClientID,
			ID:        uuid.New().String(),
			IssuedAt:  jwtlib.NewNumericDate(now),
			NotBefore: jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(lic.ExpiresAt),
		},
	}

	signed, err := jwtlib.NewWithClaims(i.method, claims).SignedString(i.secret)
	if err != nil {
		return "", nil, fmt.Errorf("signing entitlement token: %w", err)
	}
	return signed, claims, nil
}

// Verify parses and validates a token signature and validity window. The
// returned claims are a point-in-time snapshot; callers needing an
// authoritative answer must still check against the store.
func (i *Issuer) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwtlib.ParseWithClaims(tokenString, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return i.secret, nil
	}, jwtlib.WithTimeFunc(i.now), jwtlib.WithIssuer(i.issuer))
	if err != nil {
		return nil, errors.Wrap(errors.KindValidation, err, "invalid entitlement token")
	}
	if !parsed.Valid {
		return nil, errors.E(errors.KindValidation, "invalid entitlement token")
	}
	return claims, nil
}

func signingMethod(alg string) (jwtlib.SigningMethod, error) {
	switch strings.ToUpper(strings.TrimSpace(alg)) {
	case "", "HS256":
		return jwtlib.SigningMethodHS256, nil
	case "HS384":
		return jwtlib.SigningMethodHS384, nil
	case "HS512":
		return jwtlib.SigningMethodHS512, nil
	}
	return nil, errors.E(errors.KindValidation, "unsupported signing algorithm %q", alg)
}
