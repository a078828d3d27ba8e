package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/segyhp/settlement-engine/internal/domain"
)

// Signer computes and checks callback signatures:
// hex(HMAC-SHA256(secret, provider|external_tx_id|status|amount|reference))
type Signer struct {
	secret []byte
}

func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// Enabled reports whether a secret is configured
func (s *Signer) Enabled() bool {
	return len(s.secret) > 0
}

func (s *Signer) Sign(cb *domain.GatewayCallback) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(signingString(cb)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify compares the callback's signature with the expected one in constant time
func (s *Signer) Verify(cb *domain.GatewayCallback) bool {
	if !s.Enabled() || cb.Signature == "" {
		return false
	}
	got, err := hex.DecodeString(strings.TrimSpace(cb.Signature))
	if err != nil {
		return false
	}
	want, _ := hex.DecodeString(s.Sign(cb))
	return hmac.Equal(got, want)
}

func signingString(cb *domain.GatewayCallback) string {
	return strings.Join([]string{
		cb.Provider,
		cb.ExternalTxID,
		cb.Status,
		cb.Amount.String(),
		cb.Reference,
	}, "|")
}
