package auth

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pvandervelde/queue-keeper/internal/apperror"
	"github.com/pvandervelde/queue-keeper/pkg/types"
)

func sign256(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func sign1(secret string, body []byte) string {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write(body)
	return "sha1=" + hex.EncodeToString(mac.Sum(nil))
}

func TestVerifyHMACSHA256Valid(t *testing.T) {
	a := New(nil, false)
	secret := "topsecret"
	body := []byte(`{"hello":"world"}`)
	desc := types.ProviderDescriptor{SignatureAlgorithm: types.SignatureHMACSHA256}

	res, err := a.Verify(desc, body, sign256(secret, body), &secret)
	require.Nil(t, err)
	assert.True(t, res.SignatureValid)
}

func TestVerifyHMACSHA256Invalid(t *testing.T) {
	a := New(nil, false)
	secret := "topsecret"
	body := []byte(`{"hello":"world"}`)
	desc := types.ProviderDescriptor{SignatureAlgorithm: types.SignatureHMACSHA256}

	_, err := a.Verify(desc, body, "sha256=deadbeef", &secret)
	require.NotNil(t, err)
	assert.Equal(t, apperror.KindAuth, err.Kind)
	assert.Equal(t, "signature_invalid", err.Reason)
}

func TestVerifyHMACSHA1Valid(t *testing.T) {
	a := New(nil, false)
	secret := "topsecret"
	body := []byte(`{"hello":"world"}`)
	desc := types.ProviderDescriptor{SignatureAlgorithm: types.SignatureHMACSHA1}

	res, err := a.Verify(desc, body, sign1(secret, body), &secret)
	require.Nil(t, err)
	assert.True(t, res.SignatureValid)
}

func TestVerifyBearerValid(t *testing.T) {
	a := New(nil, false)
	secret := "my-token"
	desc := types.ProviderDescriptor{SignatureAlgorithm: types.SignatureBearer}

	res, err := a.Verify(desc, []byte("ignored"), "Bearer my-token", &secret)
	require.Nil(t, err)
	assert.True(t, res.SignatureValid)
}

func TestVerifyBearerInvalid(t *testing.T) {
	a := New(nil, false)
	secret := "my-token"
	desc := types.ProviderDescriptor{SignatureAlgorithm: types.SignatureBearer}

	_, err := a.Verify(desc, []byte("ignored"), "Bearer wrong", &secret)
	require.NotNil(t, err)
	assert.Equal(t, "signature_invalid", err.Reason)
}

func TestVerifyNoneAlgorithmAlwaysValid(t *testing.T) {
	a := New(nil, false)
	desc := types.ProviderDescriptor{SignatureAlgorithm: types.SignatureNone}

	res, err := a.Verify(desc, []byte("anything"), "", nil)
	require.Nil(t, err)
	assert.True(t, res.SignatureValid)
}

func TestVerifyMissingSecretRequiredIsServiceUnavailable(t *testing.T) {
	a := New(nil, true)
	desc := types.ProviderDescriptor{SignatureAlgorithm: types.SignatureHMACSHA256, RequireSignature: true}

	_, err := a.Verify(desc, []byte("body"), "sha256=x", nil)
	require.NotNil(t, err)
	assert.Equal(t, "secret_unavailable", err.Reason)
	assert.Equal(t, 503, err.HTTPStatus())
}

func TestVerifyMissingSecretFailOpenSkips(t *testing.T) {
	a := New(nil, true)
	desc := types.ProviderDescriptor{SignatureAlgorithm: types.SignatureHMACSHA256, RequireSignature: false}

	res, err := a.Verify(desc, []byte("body"), "sha256=x", nil)
	require.Nil(t, err)
	assert.True(t, res.Skipped)
	assert.False(t, res.SignatureValid)
}

func TestVerifyMissingSecretNoFailOpenIsError(t *testing.T) {
	a := New(nil, false)
	desc := types.ProviderDescriptor{SignatureAlgorithm: types.SignatureHMACSHA256, RequireSignature: false}

	_, err := a.Verify(desc, []byte("body"), "sha256=x", nil)
	require.NotNil(t, err)
	assert.Equal(t, "secret_unavailable", err.Reason)
}

func TestVerifyMissingHeaderIsClientVisibleAuthError(t *testing.T) {
	a := New(nil, false)
	secret := "topsecret"
	desc := types.ProviderDescriptor{SignatureAlgorithm: types.SignatureHMACSHA256}

	_, err := a.Verify(desc, []byte("body"), "", &secret)
	require.NotNil(t, err)
	assert.Equal(t, "signature_missing", err.Reason)
}
