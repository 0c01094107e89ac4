// Package auth verifies inbound webhook signatures against the secret
// resolved for a provider, generalising the HMAC comparison idiom to the
// algorithms a provider descriptor can declare: HMAC-SHA256, HMAC-SHA1,
// or a bearer token compared directly.
package auth

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"hash"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/pvandervelde/queue-keeper/internal/apperror"
	"github.com/pvandervelde/queue-keeper/pkg/types"
)

// Result carries the outcome of authenticating one request, including
// the metadata fields the normaliser later stamps onto the envelope.
type Result struct {
	SignatureValid bool
	Skipped        bool // true when verification was bypassed (fail-open)
}

// Authenticator verifies a request body against the signature algorithm
// and secret a provider descriptor declares.
type Authenticator struct {
	log *logrus.Entry

	// AllowFailOpen mirrors the deployment's migration posture: when a
	// provider declares an algorithm but no secret resolves, and the
	// provider does not require a signature, proceed anyway.
	AllowFailOpen bool
}

// New builds an Authenticator. log may be nil, in which case a
// standalone entry is created.
func New(log *logrus.Entry, allowFailOpen bool) *Authenticator {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Authenticator{log: log, AllowFailOpen: allowFailOpen}
}

// Verify checks signature on the raw request body against the secret,
// which has already been resolved by the secret store (nil means the
// secret could not be resolved).
//
// headerValue is the verbatim value of the signature/authorization
// header the provider descriptor designates; it may be empty.
func (a *Authenticator) Verify(desc types.ProviderDescriptor, body []byte, headerValue string, secret *string) (Result, *apperror.Error) {
	alg := desc.SignatureAlgorithm
	if alg == types.SignatureNone {
		return Result{SignatureValid: true}, nil
	}

	if secret == nil {
		if desc.RequireSignature {
			return Result{}, apperror.Auth("secret_unavailable", nil)
		}
		if !a.AllowFailOpen {
			return Result{}, apperror.Auth("secret_unavailable", nil)
		}
		a.log.WithFields(logrus.Fields{"algorithm": alg, "reason": "signature_skipped"}).Warn("signature verification skipped: secret unavailable")
		return Result{SignatureValid: false, Skipped: true}, nil
	}

	if headerValue == "" {
		return Result{}, apperror.Auth("signature_missing", nil)
	}

	var ok bool
	switch alg {
	case types.SignatureHMACSHA256:
		ok = verifyHMAC(sha256.New, body, headerValue, "sha256=", *secret)
	case types.SignatureHMACSHA1:
		ok = verifyHMAC(sha1.New, body, headerValue, "sha1=", *secret)
	case types.SignatureBearer:
		ok = verifyBearer(headerValue, *secret)
	default:
		return Result{}, apperror.Internal("unknown_signature_algorithm", nil)
	}

	if !ok {
		return Result{}, apperror.Auth("signature_invalid", nil)
	}
	return Result{SignatureValid: true}, nil
}

func verifyHMAC(newHash func() hash.Hash, body []byte, headerValue, prefix, secret string) bool {
	sig := strings.TrimPrefix(headerValue, prefix)
	expected, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}

	mac := hmac.New(newHash, []byte(secret))
	_, _ = mac.Write(body) // hash.Hash.Write never returns an error
	actual := mac.Sum(nil)

	return hmac.Equal(expected, actual)
}

// bearer comparison uses crypto/subtle directly since there is no
// hash involved, only a constant-time byte comparison of equal-length
// values (subtle.ConstantTimeCompare returns 0 for unequal lengths,
// which is the correct "not equal" result here).
func verifyBearer(headerValue, secret string) bool {
	token := strings.TrimPrefix(headerValue, "Bearer ")
	return subtle.ConstantTimeCompare([]byte(token), []byte(secret)) == 1
}
