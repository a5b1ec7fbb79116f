// Package terminaltoken issues and verifies the per-terminal bearer tokens a
// farm terminal presents on its polling endpoints.
package terminaltoken

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tradetaper/terminal-farm/errs"
)

const defaultTTL = 30 * 24 * time.Hour

// Claims binds a token to one terminal and the account it trades.
type Claims struct {
	TerminalID string `json:"terminalId"`
	AccountID  string `json:"accountId"`
	UserID     string `json:"userId"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies terminal tokens with a shared HMAC secret.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer builds an Issuer. A non-positive ttl falls back to 30 days, the
// lifetime of a provisioned terminal container between credential rotations.
func NewIssuer(secret string, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue mints a token for the terminal.
func (i *Issuer) Issue(terminalID, accountID, userID string) (string, error) {
	now := i.now()
	claims := Claims{
		TerminalID: terminalID,
		AccountID:  accountID,
		UserID:     userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   terminalID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", errs.New(errs.CodeAuth, errs.WithMessage("terminal token: sign"), errs.WithCause(err))
	}
	return token, nil
}

// Verify parses a terminal token and returns its claims. Tokens signed with
// any method other than HS256 are rejected outright.
func (i *Issuer) Verify(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(*jwt.Token) (any, error) {
		return i.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(i.now))
	if err != nil {
		return nil, errs.New(errs.CodeAuth, errs.WithMessage("terminal token: invalid or expired"), errs.WithCause(err))
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.TerminalID == "" {
		return nil, errs.New(errs.CodeAuth, errs.WithMessage("terminal token: malformed claims"))
	}
	return claims, nil
}
