package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/goccy/go-json"
)

// Key builds the cache key for category and params. The key format is
// category:sha256(category ":" canonicalJSON(params)).
//
// Map keys are emitted in sorted order and struct fields in declaration
// order, so logically equal params always produce the same key.
func Key(category string, params any) (string, error) {
	canonical, err := json.Marshal(params)
	if err != nil {
		return "", err
	}
	return keyFromRaw(category, canonical), nil
}

func keyFromRaw(category string, canonical []byte) string {
	h := sha256.New()
	h.Write([]byte(category))
	h.Write([]byte{':'})
	h.Write(canonical)

	var key strings.Builder
	key.Grow(len(category) + 1 + sha256.Size*2)
	key.WriteString(category)
	key.WriteByte(':')
	key.WriteString(hex.EncodeToString(h.Sum(nil)))
	return key.String()
}
