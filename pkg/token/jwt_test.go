package token

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docuvector-go/internal/config"
	"docuvector-go/pkg/errs"
)

func TestGenerateAndVerify(t *testing.T) {
	m := NewJWTManager("secret", 1)
	tok, expires, err := m.GenerateToken("ci")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expires, 5*time.Second)

	claims, err := m.VerifyToken(tok)
	require.NoError(t, err)
	assert.Equal(t, "ci", claims.KeyName)
	assert.Equal(t, "ci", claims.Subject)

	_, err = NewJWTManager("other", 1).VerifyToken(tok)
	assert.True(t, errs.Is(err, errs.Unauthorized))
}

func TestVerifyRejectsExpiredAndNone(t *testing.T) {
	m := NewJWTManager("secret", 1)
	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, CustomClaims{
		KeyName:          "ci",
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute))},
	})
	s, err := expired.SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = m.VerifyToken(s)
	assert.Error(t, err)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, CustomClaims{KeyName: "ci"})
	s, err = none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = m.VerifyToken(s)
	assert.Error(t, err)
}

func TestKeyStore(t *testing.T) {
	hash, err := HashKey("dv-123")
	require.NoError(t, err)
	ks := NewKeyStore([]config.APIKeyConfig{{Name: "ci", Hash: hash}})

	name, err := ks.Authenticate("dv-123")
	require.NoError(t, err)
	assert.Equal(t, "ci", name)

	_, err = ks.Authenticate("wrong")
	assert.True(t, errs.Is(err, errs.Unauthorized))
	_, err = ks.Authenticate("")
	assert.Error(t, err)
}

func TestGenerateRandomString(t *testing.T) {
	assert.Len(t, GenerateRandomString(8), 16)
}
