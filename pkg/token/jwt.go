// Package token 提供了用于生成和验证 JSON Web Tokens (JWT) 的功能，以及 API Key 换取 token 的校验。
package token

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"docuvector-go/internal/config"
	"docuvector-go/pkg/errs"
)

// JWTManager 负责管理 JWT 的生成和验证。
type JWTManager struct {
	secretKey      []byte
	accessTokenDur time.Duration
}

// CustomClaims 定义了我们想要在 JWT 中存储的自定义数据。
type CustomClaims struct {
	// KeyName 是换取 token 时使用的 API Key 名称
	KeyName string `json:"keyName"`
	jwt.RegisteredClaims
}

// NewJWTManager 创建一个新的 JWTManager 实例。
func NewJWTManager(secret string, accessTokenExpireHours int) *JWTManager {
	return &JWTManager{
		secretKey:      []byte(secret),
		accessTokenDur: time.Hour * time.Duration(accessTokenExpireHours),
	}
}

// GenerateToken 为指定的 API Key 名称生成 access token，返回 token 和过期时间。
func (m *JWTManager) GenerateToken(keyName string) (string, time.Time, error) {
	now := time.Now()
	expires := now.Add(m.accessTokenDur)
	claims := CustomClaims{
		KeyName: keyName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   keyName,
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secretKey)
	if err != nil {
		return "", time.Time{}, errs.E(errs.Other, "token.generate", err)
	}
	return signed, expires, nil
}

// VerifyToken 验证给定的 token 字符串，有效时返回 CustomClaims。
func (m *JWTManager) VerifyToken(tokenString string) (*CustomClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &CustomClaims{}, func(token *jwt.Token) (interface{}, error) {
		// 检查签名方法是否为 HMAC
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return m.secretKey, nil
	})
	if err != nil {
		return nil, errs.E(errs.Unauthorized, "token.verify", err)
	}
	if claims, ok := token.Claims.(*CustomClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, errs.Errorf(errs.Unauthorized, "token.verify", "invalid token")
}

// KeyStore 校验 API Key，配置中只保存 bcrypt 哈希。
type KeyStore struct {
	keys []config.APIKeyConfig
}

// NewKeyStore 创建 KeyStore。
func NewKeyStore(keys []config.APIKeyConfig) *KeyStore {
	return &KeyStore{keys: keys}
}

// Authenticate 返回匹配的 API Key 名称。
func (s *KeyStore) Authenticate(apiKey string) (string, error) {
	if apiKey == "" {
		return "", errs.Errorf(errs.Unauthorized, "token.authenticate", "api key is required")
	}
	for _, k := range s.keys {
		if bcrypt.CompareHashAndPassword([]byte(k.Hash), []byte(apiKey)) == nil {
			return k.Name, nil
		}
	}
	return "", errs.Errorf(errs.Unauthorized, "token.authenticate", "unknown api key")
}

// HashKey 生成 API Key 的 bcrypt 哈希，用于写入配置。
func HashKey(apiKey string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(apiKey), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// GenerateRandomString generates a random hex string of a given length.
func GenerateRandomString(length int) string {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("fallback%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
