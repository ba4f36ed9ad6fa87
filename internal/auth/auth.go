// Package auth issues service tokens to the command layer. The Telegram
// gateway (and any other caller, like the admin panel) authenticates with
// a named credential; tokens carry an operator flag that unlocks the
// cancel-any-order override.
package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/bucksbot/exchange/internal/db"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// Gateway is a registered API consumer.
type Gateway struct {
	ID         int64
	Name       string
	SecretHash string
	Operator   bool
	CreatedAt  time.Time
}

// Claims identify the caller on every authenticated request.
type Claims struct {
	GatewayID int64
	Name      string
	Operator  bool
}

// AuthService handles gateway registration and token verification.
type AuthService struct {
	DB     *db.DB
	Secret []byte
	TTL    time.Duration
}

// NewAuthService creates an auth service signing tokens with secret.
func NewAuthService(database *db.DB, secret []byte) *AuthService {
	return &AuthService{DB: database, Secret: secret, TTL: 24 * time.Hour}
}

// Register creates a gateway credential with a hashed secret.
func (s *AuthService) Register(ctx context.Context, name, secret string, operator bool) (*Gateway, error) {
	if name == "" {
		return nil, fmt.Errorf("gateway name cannot be empty")
	}
	if len(secret) < 8 {
		return nil, fmt.Errorf("gateway secret too short (min 8 characters)")
	}
	if len(name) > 50 {
		return nil, fmt.Errorf("gateway name too long (max 50 characters)")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	gw := &Gateway{}
	err = s.DB.Pool.QueryRow(ctx,
		"INSERT INTO gateways (name, secret_hash, operator) VALUES ($1, $2, $3) RETURNING id, name, secret_hash, operator, created_at",
		name, string(hash), operator).Scan(&gw.ID, &gw.Name, &gw.SecretHash, &gw.Operator, &gw.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create gateway: %w", err)
	}
	return gw, nil
}

// Login verifies a gateway credential and returns a signed token.
func (s *AuthService) Login(ctx context.Context, name, secret string) (string, error) {
	gw := &Gateway{}
	err := s.DB.Pool.QueryRow(ctx,
		"SELECT id, name, secret_hash, operator, created_at FROM gateways WHERE name=$1",
		name).Scan(&gw.ID, &gw.Name, &gw.SecretHash, &gw.Operator, &gw.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("failed to get gateway: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(gw.SecretHash), []byte(secret)); err != nil {
		return "", err
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"gateway_id": gw.ID,
		"name":       gw.Name,
		"operator":   gw.Operator,
		"exp":        time.Now().Add(s.TTL).Unix(),
	})
	return token.SignedString(s.Secret)
}

// VerifyToken parses a token and returns the caller's claims.
func (s *AuthService) VerifyToken(tokenString string) (*Claims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return s.Secret, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	id, ok := claims["gateway_id"].(float64)
	if !ok {
		return nil, fmt.Errorf("invalid token claims")
	}
	name, _ := claims["name"].(string)
	operator, _ := claims["operator"].(bool)
	return &Claims{GatewayID: int64(id), Name: name, Operator: operator}, nil
}
