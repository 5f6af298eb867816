package identity

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

const (
	CookieName = "qc_session"
	stateTTL   = 10 * time.Minute
)

var (
	ErrNoSession      = errors.New("no session cookie")
	ErrInvalidSession = errors.New("invalid or expired session")
	ErrInvalidState   = errors.New("invalid or expired login state")
)

type sessionClaims struct {
	Name    string `json:"name,omitempty"`
	Picture string `json:"picture,omitempty"`
	jwt.RegisteredClaims
}

type stateClaims struct {
	DeepLink string `json:"dl,omitempty"`
	jwt.RegisteredClaims
}

// SessionCodec issues and verifies the session cookie and the OAuth state
// parameter. Both are HS256 JWTs signed with separate keys derived from one
// secret, so a session token is never accepted as a state and vice versa.
type SessionCodec struct {
	sessionKey []byte
	stateKey   []byte
	ttl        time.Duration
	secure     bool
	now        func() time.Time
}

func NewSessionCodec(secret string, ttl time.Duration, secure bool) (*SessionCodec, error) {
	if len(secret) < 16 {
		return nil, fmt.Errorf("session secret must be at least 16 bytes")
	}
	sessionKey, err := deriveKey(secret, "quickcheck session")
	if err != nil {
		return nil, err
	}
	stateKey, err := deriveKey(secret, "quickcheck login state")
	if err != nil {
		return nil, err
	}
	return &SessionCodec{
		sessionKey: sessionKey,
		stateKey:   stateKey,
		ttl:        ttl,
		secure:     secure,
		now:        time.Now,
	}, nil
}

func deriveKey(secret, info string) ([]byte, error) {
	h := hkdf.New(sha256.New, []byte(secret), nil, []byte(info))
	key := make([]byte, 32)
	if _, err := io.ReadFull(h, key); err != nil {
		return nil, fmt.Errorf("failed to derive %s key: %w", info, err)
	}
	return key, nil
}

// Issue sets the session cookie for p.
func (c *SessionCodec) Issue(w http.ResponseWriter, p *Profile) error {
	now := c.now()
	claims := &sessionClaims{
		Name:    p.DisplayName,
		Picture: p.PictureURL,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.sessionKey)
	if err != nil {
		return fmt.Errorf("failed to sign session: %w", err)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(c.ttl.Seconds()),
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// Read returns the profile stored in the request's session cookie.
func (c *SessionCodec) Read(r *http.Request) (*Profile, error) {
	cookie, err := r.Cookie(CookieName)
	if err != nil || cookie.Value == "" {
		return nil, ErrNoSession
	}

	claims := &sessionClaims{}
	if _, err := c.parse(cookie.Value, claims, c.sessionKey); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	if claims.Subject == "" {
		return nil, ErrInvalidSession
	}
	return &Profile{UserID: claims.Subject, DisplayName: claims.Name, PictureURL: claims.Picture}, nil
}

func (c *SessionCodec) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// SignState returns a short-lived OAuth state value carrying deepLink.
func (c *SessionCodec) SignState(deepLink string) (string, error) {
	now := c.now()
	claims := &stateClaims{
		DeepLink: deepLink,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(stateTTL)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.stateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign login state: %w", err)
	}
	return token, nil
}

// VerifyState checks a state value produced by SignState and returns its deep link.
func (c *SessionCodec) VerifyState(state string) (string, error) {
	claims := &stateClaims{}
	if _, err := c.parse(state, claims, c.stateKey); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	return claims.DeepLink, nil
}

func (c *SessionCodec) parse(token string, claims jwt.Claims, key []byte) (*jwt.Token, error) {
	return jwt.ParseWithClaims(token, claims,
		func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return key, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
}
