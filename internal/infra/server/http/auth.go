package httpserver

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tradetaper/terminal-farm/errs"
)

// UserVerifier checks an end-user bearer token and returns the user identity.
// Token issuance lives in the main application; the farm only verifies.
type UserVerifier interface {
	VerifyUser(token string) (userID string, err error)
}

type userClaims struct {
	UserID string `json:"userId,omitempty"`
	jwt.RegisteredClaims
}

// JWTUserVerifier verifies HS256 user tokens issued by the main application.
type JWTUserVerifier struct {
	secret []byte
}

func NewJWTUserVerifier(secret string) *JWTUserVerifier {
	return &JWTUserVerifier{secret: []byte(secret)}
}

func (v *JWTUserVerifier) VerifyUser(tokenStr string) (string, error) {
	claims := &userClaims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", errs.New(errs.CodeAuth, errs.WithMessage("verify user token"), errs.WithCause(err))
	}
	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if userID == "" {
		return "", errs.New(errs.CodeAuth, errs.WithMessage("user token missing identity"))
	}
	return userID, nil
}

// authorizeTerminal accepts either the static shared secret or the terminal's
// own signed token. Token auth additionally pins the caller to the terminal
// it was issued for.
func (s *httpServer) authorizeTerminal(r *http.Request, terminalID, bodyToken string) error {
	if terminalID == "" {
		return errs.New(errs.CodeInvalid, errs.WithMessage("terminalId required"))
	}
	if s.secret != "" && r.Header.Get(apiKeyHeader) == s.secret {
		return nil
	}
	token := bodyToken
	if token == "" {
		token = bearerToken(r)
	}
	if token == "" {
		return errs.New(errs.CodeAuth, errs.WithMessage("missing webhook credentials"))
	}
	claims, err := s.tokens.Verify(token)
	if err != nil {
		return err
	}
	if claims.TerminalID != terminalID {
		return errs.New(errs.CodeAuth, errs.WithMessage(fmt.Sprintf("token not issued for terminal %s", terminalID)))
	}
	return nil
}

// authorizeUser extracts the user identity from the Authorization header.
func (s *httpServer) authorizeUser(r *http.Request) (string, error) {
	token := bearerToken(r)
	if token == "" {
		return "", errs.New(errs.CodeAuth, errs.WithMessage("missing bearer token"))
	}
	return s.users.VerifyUser(token)
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
