package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/stemsi/exstem-integrity/internal/model"
)

// Role is carried in tokens issued by the account service.
type Role string

const (
	RoleTaker   Role = "taker"
	RoleProctor Role = "proctor"
	RoleAdmin   Role = "admin"
)

// anonymousTTL bounds tokens minted for link-only anonymous takers.
const anonymousTTL = 6 * time.Hour

// Claims extends JWT standard claims with app-specific fields.
type Claims struct {
	jwt.RegisteredClaims
	UserID    string `json:"user_id"`
	Email     string `json:"email,omitempty"`
	Role      Role   `json:"role"`
	Anonymous bool   `json:"anonymous,omitempty"`
}

// TokenService verifies tokens issued by the account service and mints
// short-lived ones for anonymous takers.
type TokenService struct {
	secret []byte
}

// NewTokenService creates a new TokenService.
func NewTokenService(secret string) *TokenService {
	return &TokenService{secret: []byte(secret)}
}

// ValidateToken parses and validates a JWT, returning the claims.
func (s *TokenService) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	if claims.UserID == "" {
		return nil, errors.New("token has no user id")
	}

	return claims, nil
}

// Issue signs claims for a user. The account service owns real logins;
// this is used for anonymous identities and by tooling.
func (s *TokenService) Issue(userID, email string, role Role, anonymous bool, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		UserID:    userID,
		Email:     email,
		Role:      role,
		Anonymous: anonymous,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// IssueAnonymous mints a fresh anonymous identity and its token.
func (s *TokenService) IssueAnonymous() (*Claims, string, error) {
	userID := model.AnonymousUserID()
	signed, err := s.Issue(userID, "", RoleTaker, true, anonymousTTL)
	if err != nil {
		return nil, "", err
	}
	return &Claims{UserID: userID, Role: RoleTaker, Anonymous: true}, signed, nil
}
