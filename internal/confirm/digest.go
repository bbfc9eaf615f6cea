package confirm

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// DigestAlg names the digest algorithm recorded alongside every digest.
const DigestAlg = "sha256"

// ActionParamsDigest computes the stable digest binding a confirmation to a
// specific (tool, params) pair. Any confirm_nonce field nested inside params
// is stripped first so the nonce the runner injects later does not change
// the digest it was issued against. encoding/json sorts map keys, which
// gives a canonical byte form for JSON-shaped params.
func ActionParamsDigest(tool string, params map[string]any) (string, error) {
	sanitized := map[string]any{
		"tool":   tool,
		"params": stripConfirmNonce(params),
	}
	canonical, err := json.Marshal(sanitized)
	if err != nil {
		return "", fmt.Errorf("canonicalize confirmation params: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func stripConfirmNonce(value any) any {
	switch v := value.(type) {
	case []any:
		out := make([]any, 0, len(v))
		for _, item := range v {
			out = append(out, stripConfirmNonce(item))
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			if key == "confirm_nonce" {
				continue
			}
			out[key] = stripConfirmNonce(item)
		}
		return out
	default:
		return value
	}
}
