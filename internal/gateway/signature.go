package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// VerifySignature checks the gateway's webhook signature header against an
// HMAC-SHA256 of the raw payload. The header format is
// "t=<unix>,v1=<hex digest>"; the timestamp is included in the signed
// message. Malformed headers return false, never an error.
func (c *Client) VerifySignature(payload []byte, header string) bool {
	ts, sig, ok := parseSignatureHeader(header)
	if !ok {
		return false
	}

	provided, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(c.webhookSecret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(payload)

	return hmac.Equal(mac.Sum(nil), provided)
}

func parseSignatureHeader(header string) (ts, sig string, ok bool) {
	for _, part := range strings.Split(header, ",") {
		key, val, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch key {
		case "t":
			ts = val
		case "v1":
			sig = val
		}
	}
	return ts, sig, ts != "" && sig != ""
}

// SignPayload produces the signature header value for a payload. The mock
// gateway and tests use it; the real gateway computes the same thing on its
// side.
func SignPayload(payload []byte, ts, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(payload)
	return "t=" + ts + ",v1=" + hex.EncodeToString(mac.Sum(nil))
}
