package incident

import (
	"fmt"
	"strings"

	"github.com/linnemanlabs/oncall/internal/alert"
)

const maxTitleMessage = 120

// Title renders the default incident title: "[SEVERITY] service: message".
func Title(severity alert.Severity, service, message string) string {
	msg := strings.TrimSpace(message)
	if r := []rune(msg); len(r) > maxTitleMessage {
		msg = string(r[:maxTitleMessage])
	}
	if msg == "" {
		return fmt.Sprintf("[%s] %s", strings.ToUpper(string(severity)), service)
	}
	return fmt.Sprintf("[%s] %s: %s", strings.ToUpper(string(severity)), service, msg)
}
