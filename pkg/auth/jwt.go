package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenTypeAccess 标识访问令牌。
const TokenTypeAccess = "access"

// Claims 定义标准化的访问令牌载荷。
// Role 为当前生效角色，OriginalRole 为模拟前的基础角色。
type Claims struct {
	UserID       string            `json:"user_id"`
	Role         string            `json:"role"`
	OriginalRole string            `json:"original_role,omitempty"`
	TokenType    string            `json:"token_type"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	jwt.RegisteredClaims
}

// Impersonating 表示令牌是否签发于角色模拟期间。
func (c *Claims) Impersonating() bool {
	return c.OriginalRole != "" && c.OriginalRole != c.Role
}

// GenerateToken 生成 JWT 字符串。
func GenerateToken(secret string, ttl time.Duration, claims Claims) (string, error) {
	if secret == "" {
		return "", errors.New("jwt secret missing")
	}
	now := time.Now()
	claims.RegisteredClaims.IssuedAt = jwt.NewNumericDate(now)
	claims.RegisteredClaims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ParseToken 验证并解析 JWT。
func ParseToken(tokenStr string, secret string) (*Claims, error) {
	if tokenStr == "" {
		return nil, errors.New("token empty")
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("token invalid")
	}
	return claims, nil
}

// Credential 是签发给调用方的访问凭证。
type Credential struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at"`
	Role         string    `json:"role"`
	OriginalRole string    `json:"original_role"`
}

// Signer 使用固定密钥、有效期与签发者签发访问令牌。
type Signer struct {
	secret string
	ttl    time.Duration
	issuer string
}

// NewSigner 创建令牌签发器。
func NewSigner(secret string, ttl time.Duration, issuer string) *Signer {
	return &Signer{secret: secret, ttl: ttl, issuer: issuer}
}

// Issue 为用户签发携带生效角色与原始角色的访问凭证。
func (s *Signer) Issue(userID, effectiveRole, originalRole string) (*Credential, error) {
	claims := Claims{
		UserID:       userID,
		Role:         effectiveRole,
		OriginalRole: originalRole,
		TokenType:    TokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: userID,
			Issuer:  s.issuer,
		},
	}
	token, err := GenerateToken(s.secret, s.ttl, claims)
	if err != nil {
		return nil, err
	}
	return &Credential{
		AccessToken:  token,
		TokenType:    "Bearer",
		ExpiresAt:    time.Now().Add(s.ttl),
		Role:         effectiveRole,
		OriginalRole: originalRole,
	}, nil
}

// Parse 解析并校验访问令牌。
func (s *Signer) Parse(token string) (*Claims, error) {
	claims, err := ParseToken(token, s.secret)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != TokenTypeAccess {
		return nil, errors.New("unexpected token type")
	}
	return claims, nil
}
