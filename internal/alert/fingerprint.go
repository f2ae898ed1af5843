package alert

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Fingerprint returns the dedup key of an alert: hex SHA-256 over the
// lowercased service, the severity and the trimmed message.
func Fingerprint(service string, severity Severity, message string) string {
	h := sha256.New()
	h.Write([]byte(strings.ToLower(strings.TrimSpace(service))))
	h.Write([]byte{'|'})
	h.Write([]byte(severity))
	h.Write([]byte{'|'})
	h.Write([]byte(strings.TrimSpace(message)))
	return hex.EncodeToString(h.Sum(nil))
}
