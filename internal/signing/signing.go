// Package signing issues and checks expiring HMAC links for retained
// uploads, so an original BOQ file can be fetched without other credentials.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"
)

var (
	// ErrMalformed is returned when expires or signature cannot be parsed.
	ErrMalformed = errors.New("malformed signed link")
	// ErrExpired is returned for links past their expiry.
	ErrExpired = errors.New("signed link expired")
	// ErrBadSignature is returned when the signature does not match.
	ErrBadSignature = errors.New("invalid signature")
)

// Signer generates and validates HMAC based signatures.
type Signer struct {
	secret []byte
	now    func() time.Time
}

// NewSigner creates a Signer. An empty secret is rejected.
func NewSigner(secret []byte) (*Signer, error) {
	if len(secret) == 0 {
		return nil, errors.New("signing secret is empty")
	}
	return &Signer{secret: secret, now: time.Now}, nil
}

// Sign returns the hex signature binding jobID to expiresUnix.
func (s *Signer) Sign(jobID string, expiresUnix int64) string {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s:%d", jobID, expiresUnix)
	return hex.EncodeToString(mac.Sum(nil))
}

// Issue signs jobID for ttl from now.
func (s *Signer) Issue(jobID string, ttl time.Duration) (expiresUnix int64, signature string) {
	expiresUnix = s.now().Add(ttl).Unix()
	return expiresUnix, s.Sign(jobID, expiresUnix)
}

// Verify checks the expires and signature query values for jobID.
func (s *Signer) Verify(jobID, expires, signature string) error {
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil || signature == "" {
		return ErrMalformed
	}
	if !hmac.Equal([]byte(s.Sign(jobID, exp)), []byte(signature)) {
		return ErrBadSignature
	}
	if s.now().Unix() > exp {
		return ErrExpired
	}
	return nil
}
