package realtime

import (
	"errors"
	"fmt"

	gojwt "github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("missing auth token")
	ErrInvalidToken = errors.New("invalid auth token")
	ErrUserNotFound = errors.New("user not found")
	ErrUserInactive = errors.New("user inactive")
)

// confirmed identity of an authenticated connection.
// display-safe: never carries credentials.
type Identity struct {
	UserId string `json:"userId"`
	Name   string `json:"name"`
	Role   Role   `json:"role"`
}

type TokenClaims struct {
	UserId string
	Role   Role
}

// token verification collaborator. implemented by the business layer;
// `JwtVerifier` is the reference implementation.
type TokenVerifier interface {
	VerifyToken(raw string) (*TokenClaims, error)
}

type User struct {
	Id     string
	Name   string
	Role   Role
	Active bool
}

// user lookup collaborator.
type UserDirectory interface {
	FindUserById(userId string) (*User, error)
}

// HMAC-signed jwt with `user_id` and `role` claims
type JwtVerifier struct {
	signingKey []byte
}

func NewJwtVerifier(signingKey []byte) *JwtVerifier {
	return &JwtVerifier{
		signingKey: signingKey,
	}
}

func (self *JwtVerifier) VerifyToken(raw string) (*TokenClaims, error) {
	if raw == "" {
		return nil, ErrMissingToken
	}

	token, err := gojwt.Parse(
		raw,
		func(token *gojwt.Token) (any, error) {
			if _, ok := token.Method.(*gojwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
			}
			return self.signingKey, nil
		},
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(gojwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	tokenClaims := &TokenClaims{}
	if userId, ok := claims["user_id"].(string); ok {
		tokenClaims.UserId = userId
	}
	if role, ok := claims["role"].(string); ok {
		tokenClaims.Role = Role(role)
	}
	if tokenClaims.UserId == "" {
		return nil, fmt.Errorf("%w: no user_id claim", ErrInvalidToken)
	}

	return tokenClaims, nil
}
