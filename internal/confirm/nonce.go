package confirm

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"strings"
)

const nonceVersion = 1

// noncePayload is the signed body of a confirm nonce. The raw nonce string
// is base64url(payload JSON) + "." + hex HMAC-SHA256(payload JSON); it only
// ever travels over the wire, never to disk.
type noncePayload struct {
	V                  int    `json:"v"`
	RunID              string `json:"run_id"`
	RequestID          string `json:"request_id"`
	NonceID            string `json:"nonce_id"`
	Action             string `json:"action"`
	ActionParamsDigest string `json:"action_params_digest"`
	IssuedAt           string `json:"issued_at"`
	ExpiresAt          string `json:"expires_at"`
}

func encodeNonce(payload noncePayload, secret []byte) (string, error) {
	serialized, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(serialized)
	signature := hex.EncodeToString(mac.Sum(nil))
	encoded := base64.RawURLEncoding.EncodeToString(serialized)
	return encoded + "." + signature, nil
}

// decodeNonce verifies the HMAC in constant time and returns the payload.
// The bool result is false for any malformed or forged nonce; callers must
// not distinguish the two.
func decodeNonce(token string, secret []byte) (noncePayload, bool) {
	var payload noncePayload
	dot := strings.IndexByte(token, '.')
	if dot <= 0 || dot == len(token)-1 {
		return payload, false
	}
	serialized, err := base64.RawURLEncoding.DecodeString(token[:dot])
	if err != nil {
		return payload, false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(serialized)
	expected := hex.EncodeToString(mac.Sum(nil))
	signature := token[dot+1:]
	if len(signature) != len(expected) {
		return payload, false
	}
	if subtle.ConstantTimeCompare([]byte(signature), []byte(expected)) != 1 {
		return payload, false
	}
	if err := json.Unmarshal(serialized, &payload); err != nil {
		return payload, false
	}
	return payload, true
}
