package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
)

// IssueToken signs peerID with secret using HMAC-SHA256 and returns the
// standard base64 encoding of the tag. The result is deterministic, so the
// same secret and peer id always yield the same bearer token.
func IssueToken(secret, peerID string) string {
	return base64.StdEncoding.EncodeToString(sign(secret, peerID))
}

// VerifyToken reports whether token is the tag IssueToken would produce for
// peerID. Malformed encodings are rejected, never reported as errors.
func VerifyToken(secret, peerID, token string) bool {
	provided, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return false
	}
	return hmac.Equal(provided, sign(secret, peerID))
}

func sign(secret, message string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return mac.Sum(nil)
}
