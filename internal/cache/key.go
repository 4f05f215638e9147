package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/rotisserie/eris"
)

// timestampParams are parameter names excluded from key generation so that
// callers stamping requests with "when asked" metadata still hit the cache.
var timestampParams = map[string]bool{
	"timestamp":    true,
	"requested_at": true,
	"as_of":        true,
}

// Key computes a deterministic cache key from a query type and parameters.
// Params serialize with sorted keys (encoding/json orders map keys), so
// {a:1,b:2} and {b:2,a:1} produce the same key.
func Key(qt QueryType, params map[string]any) (string, error) {
	canonical := make(map[string]any, len(params))
	for k, v := range params {
		if timestampParams[k] {
			continue
		}
		canonical[k] = v
	}

	data, err := json.Marshal(canonical)
	if err != nil {
		return "", eris.Wrap(err, "cache: marshal params")
	}

	h := sha256.Sum256(append([]byte(string(qt)+":"), data...))
	return hex.EncodeToString(h[:]), nil
}
