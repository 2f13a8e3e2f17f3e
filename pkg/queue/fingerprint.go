package queue

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// FingerprintRequest creates a content fingerprint from the routing
// fields and payload of a request. Two requests with the same zone,
// method, endpoint, and payload produce the same 32-character hex
// string, which the manager uses to detect duplicate in-flight work.
func FingerprintRequest(zone string, method Method, endpoint string, payload []byte) string {
	components := []string{
		zone,
		string(method),
		endpoint,
		string(payload),
	}

	combined := strings.Join(components, "|")
	hash := sha256.Sum256([]byte(combined))

	// First 16 bytes are plenty for collision resistance at queue scale.
	return hex.EncodeToString(hash[:16])
}
