// Package auth 实现管理会话：口令解锁换取短期 JWT 会话令牌。
// 系统只有一个共享的管理能力，没有用户账号体系。
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	// ErrInvalidToken 无效的会话令牌
	ErrInvalidToken = errors.New("invalid session token")
	// ErrExpiredToken 会话令牌已过期
	ErrExpiredToken = errors.New("session token expired")
)

// ScopeAdmin 管理会话的唯一作用域。
const ScopeAdmin = "admin"

// SessionClaims 管理会话的 JWT 声明。
type SessionClaims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// SessionManager 签发与校验管理会话令牌（HS256）。
type SessionManager struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewSessionManager 创建会话管理器。
func NewSessionManager(secret, issuer string, ttl time.Duration) *SessionManager {
	return &SessionManager{
		secret: []byte(secret),
		issuer: issuer,
		ttl:    ttl,
	}
}

// TTL 返回会话有效期。
func (m *SessionManager) TTL() time.Duration {
	return m.ttl
}

// IssueToken 签发一个新的管理会话令牌，返回令牌与有效秒数。
func (m *SessionManager) IssueToken() (string, int64, error) {
	now := time.Now()

	claims := SessionClaims{
		Scope: ScopeAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   ScopeAdmin,
			ID:        uuid.NewString(),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", 0, fmt.Errorf("failed to sign session token: %w", err)
	}

	return signed, int64(m.ttl.Seconds()), nil
}

// Validate 校验会话令牌并返回声明。
func (m *SessionManager) Validate(tokenString string) (*SessionClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &SessionClaims{}, func(token *jwt.Token) (interface{}, error) {
		// 只接受 HMAC 签名，防止算法替换
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*SessionClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	if claims.Issuer != m.issuer || claims.Scope != ScopeAdmin {
		return nil, ErrInvalidToken
	}

	return claims, nil
}
