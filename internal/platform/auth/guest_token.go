package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v4"
)

const (
	// GuestOrderPurpose is the discriminator embedded in every guest access token.
	GuestOrderPurpose = "guest_order"
	// DefaultGuestTokenTTL bounds how long a guest may use a token to view their order.
	DefaultGuestTokenTTL = 30 * 24 * time.Hour

	guestTokenType     = "guest+jwt"
	guestTokenAudience = "guest-order"
	guestTokenHeader   = "X-Guest-Token"
	guestAuthScheme    = "Guest"
	minGuestSecretLen  = 32
)

var (
	// ErrGuestTokenInvalid is returned for tokens that fail signature, type, or claim checks.
	ErrGuestTokenInvalid = errors.New("auth: guest token invalid")
	// ErrGuestTokenExpired is returned for tokens past their expiry.
	ErrGuestTokenExpired = errors.New("auth: guest token expired")
	// ErrGuestTokenOrderMismatch is returned when a token is presented for a different order.
	ErrGuestTokenOrderMismatch = errors.New("auth: guest token does not grant access to this order")
)

// GuestGrant is the capability carried by a verified guest token.
type GuestGrant struct {
	OrderID   string
	Email     string
	Phone     string
	ExpiresAt time.Time
}

type guestClaims struct {
	OrderID string `json:"oid"`
	Email   string `json:"gce,omitempty"`
	Phone   string `json:"gcp,omitempty"`
	Purpose string `json:"purpose"`
	jwt.RegisteredClaims
}

// GuestTokenIssuer mints and verifies HMAC-signed tokens scoped to a single guest order.
type GuestTokenIssuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// GuestTokenOption customises GuestTokenIssuer instances.
type GuestTokenOption func(*GuestTokenIssuer)

// WithGuestTokenTTL overrides the token lifetime.
func WithGuestTokenTTL(ttl time.Duration) GuestTokenOption {
	return func(i *GuestTokenIssuer) {
		if ttl > 0 {
			i.ttl = ttl
		}
	}
}

// WithGuestTokenIssuer sets the iss claim.
func WithGuestTokenIssuer(issuer string) GuestTokenOption {
	return func(i *GuestTokenIssuer) {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			i.issuer = issuer
		}
	}
}

// WithGuestTokenClock overrides the time source, primarily for tests.
func WithGuestTokenClock(now func() time.Time) GuestTokenOption {
	return func(i *GuestTokenIssuer) {
		if now != nil {
			i.now = now
		}
	}
}

// NewGuestTokenIssuer constructs an issuer using the shared signing secret.
func NewGuestTokenIssuer(secret string, opts ...GuestTokenOption) (*GuestTokenIssuer, error) {
	if len(strings.TrimSpace(secret)) < minGuestSecretLen {
		return nil, fmt.Errorf("auth: guest token secret must be at least %d characters", minGuestSecretLen)
	}
	issuer := &GuestTokenIssuer{
		secret: []byte(secret),
		issuer: "storefront",
		ttl:    DefaultGuestTokenTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(issuer)
		}
	}
	return issuer, nil
}

// Issue mints a token granting read and cancel access to orderID for the given guest contact.
func (i *GuestTokenIssuer) Issue(orderID, email, phone string) (string, time.Time, error) {
	if i == nil {
		return "", time.Time{}, errors.New("auth: guest token issuer not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return "", time.Time{}, errors.New("auth: order id is required")
	}
	now := i.now().UTC()
	expires := now.Add(i.ttl)
	claims := guestClaims{
		OrderID: orderID,
		Email:   strings.ToLower(strings.TrimSpace(email)),
		Phone:   strings.TrimSpace(phone),
		Purpose: GuestOrderPurpose,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   orderID,
			Audience:  jwt.ClaimStrings{guestTokenAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["typ"] = guestTokenType
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign guest token: %w", err)
	}
	return signed, expires, nil
}

// Verify checks the token and that it was minted for orderID.
func (i *GuestTokenIssuer) Verify(tokenStr, orderID string) (GuestGrant, error) {
	if i == nil {
		return GuestGrant{}, ErrGuestTokenInvalid
	}
	tokenStr = strings.TrimSpace(tokenStr)
	if tokenStr == "" {
		return GuestGrant{}, ErrGuestTokenInvalid
	}

	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &guestClaims{}
	token, err := parser.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (any, error) {
		return i.secret, nil
	})
	if err != nil {
		var validation *jwt.ValidationError
		if errors.As(err, &validation) && validation.Errors&jwt.ValidationErrorExpired != 0 {
			return GuestGrant{}, ErrGuestTokenExpired
		}
		return GuestGrant{}, fmt.Errorf("%w: %v", ErrGuestTokenInvalid, err)
	}
	if typ, _ := token.Header["typ"].(string); typ != guestTokenType {
		return GuestGrant{}, fmt.Errorf("%w: unexpected token type", ErrGuestTokenInvalid)
	}
	if claims.Purpose != GuestOrderPurpose || !claims.VerifyAudience(guestTokenAudience, true) || claims.Issuer != i.issuer {
		return GuestGrant{}, fmt.Errorf("%w: wrong purpose", ErrGuestTokenInvalid)
	}
	if claims.ExpiresAt == nil {
		return GuestGrant{}, fmt.Errorf("%w: missing expiry", ErrGuestTokenInvalid)
	}
	if claims.OrderID == "" || claims.OrderID != strings.TrimSpace(orderID) {
		return GuestGrant{}, ErrGuestTokenOrderMismatch
	}

	return GuestGrant{
		OrderID:   claims.OrderID,
		Email:     claims.Email,
		Phone:     claims.Phone,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// GuestTokenFromRequest extracts a guest token from "Authorization: Guest <token>" or X-Guest-Token.
func GuestTokenFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], guestAuthScheme) {
			return strings.TrimSpace(parts[1])
		}
	}
	return strings.TrimSpace(r.Header.Get(guestTokenHeader))
}
