// Package auth verifies operator bearer tokens.
//
// A presented token must pass two gates: the sessions table has to hold it
// unexpired, and the token itself has to verify as an HS256 JWT under the
// shared secret with a numeric subject matching the session's user. Either
// gate failing yields an authorization error, which callers translate into
// silently dropping the channel.
package auth

import (
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/alxayo/go-rts/internal/errors"
	"github.com/alxayo/go-rts/internal/store"
)

// SessionStore is the slice of the repository the verifier needs.
type SessionStore interface {
	OpSessionByToken(token string) (*store.OpSession, error)
	UserByID(id int) (*store.User, error)
	CreateOpSession(sess *store.OpSession) error
}

// Verifier checks operator tokens against the session table and the signing
// secret.
type Verifier struct {
	secret []byte
	source SessionStore
	now    func() time.Time
}

// NewVerifier builds a verifier around the JWT secret and session store.
func NewVerifier(secret string, source SessionStore) *Verifier {
	return &Verifier{secret: []byte(secret), source: source, now: time.Now}
}

// VerifyOperator validates a bearer token end to end and returns the operator
// account it belongs to.
func (v *Verifier) VerifyOperator(token string) (*store.User, error) {
	sess, err := v.source.OpSessionByToken(token)
	if err != nil {
		return nil, errors.NewAuth("auth.token_lookup", err)
	}
	if sess.Expired(v.now()) {
		return nil, errors.NewAuth("auth.token_expired", fmt.Errorf("session for user %d expired at %s", sess.UserID, sess.ExpiresAt))
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, errors.NewAuth("auth.token_parse", err)
	}
	if !parsed.Valid {
		return nil, errors.NewAuth("auth.token_invalid", nil)
	}

	userID, err := strconv.Atoi(claims.Subject)
	if err != nil {
		return nil, errors.NewAuth("auth.token_subject", fmt.Errorf("non-numeric subject %q", claims.Subject))
	}
	if userID != sess.UserID {
		return nil, errors.NewAuth("auth.token_subject", fmt.Errorf("subject %d does not own the session", userID))
	}

	user, err := v.source.UserByID(userID)
	if err != nil {
		return nil, errors.NewAuth("auth.user_lookup", err)
	}
	return user, nil
}

// IssueToken signs a fresh token for the user and registers it in the
// session table.
func (v *Verifier) IssueToken(userID int, ttl time.Duration) (string, error) {
	now := v.now()
	claims := jwt.RegisteredClaims{
		Subject:   strconv.Itoa(userID),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	if err := v.source.CreateOpSession(&store.OpSession{
		Token:     token,
		UserID:    userID,
		ExpiresAt: now.Add(ttl),
	}); err != nil {
		return "", err
	}
	return token, nil
}
