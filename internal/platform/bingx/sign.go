package bingx

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// sign returns the hex-encoded HMAC-SHA256 signature of the canonical query
// string, as required by the BingX swap API. The query string must already
// be in its final, sorted form; the signature is appended as one more
// parameter afterwards.
func sign(secret, query string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}
