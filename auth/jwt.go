package auth

import (
	"context"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"

	"github.com/ccbrown/chat-fu/model"
)

// Claims are the claims carried by access tokens.
type Claims struct {
	Email        string             `json:"email,omitempty"`
	Role         string             `json:"role,omitempty"`
	UserMetadata model.UserMetadata `json:"user_metadata"`
	jwt.RegisteredClaims
}

// GenerateToken signs an access token for the given user.
func GenerateToken(user *model.User, secret []byte, ttl time.Duration) (string, error) {
	claims := &Claims{
		Email:        user.Email,
		Role:         "authenticated",
		UserMetadata: user.Metadata,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(user.Id),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	ret, err := token.SignedString(secret)
	return ret, errors.Wrap(err, "unable to sign token")
}

// ParseToken validates an HMAC-signed access token and returns the user it identifies.
func ParseToken(tokenString string, secret []byte) (*model.User, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, errors.Wrap(err, "invalid access token")
	} else if !token.Valid {
		return nil, errors.New("invalid access token")
	} else if claims.Subject == "" {
		return nil, errors.New("access token has no subject")
	}
	return &model.User{
		Id:       model.Id(claims.Subject),
		Email:    claims.Email,
		Metadata: claims.UserMetadata,
	}, nil
}

// TokenProvider identifies the caller using a signed access token. The token is validated on first
// use and the result is cached until SetToken is called.
type TokenProvider struct {
	Secret []byte

	mutex sync.Mutex
	token string
	user  *model.User
	err   error
}

func NewTokenProvider(token string, secret []byte) *TokenProvider {
	return &TokenProvider{
		Secret: secret,
		token:  token,
	}
}

// Token returns the current access token, which backends may forward to the store.
func (p *TokenProvider) Token() string {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.token
}

// SetToken replaces the access token. An empty token signs the caller out.
func (p *TokenProvider) SetToken(token string) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.token = token
	p.user = nil
	p.err = nil
}

func (p *TokenProvider) User(ctx context.Context) (*model.User, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.token == "" {
		return nil, nil
	}
	if p.user == nil && p.err == nil {
		p.user, p.err = ParseToken(p.token, p.Secret)
	}
	if p.err != nil {
		return nil, p.err
	}
	ret := *p.user
	return &ret, nil
}
