package notify

import (
	"fmt"
	"html"
)

// TargetFoundMessage is sent when a device reaches a target address.
func TargetFoundMessage(device, ip, previous string) string {
	msg := fmt.Sprintf("🎯 <b>%s</b>\nTarget IP found: <code>%s</code>", html.EscapeString(device), html.EscapeString(ip))
	if previous != "" {
		msg += fmt.Sprintf("\nPrevious: <code>%s</code>", html.EscapeString(previous))
	}
	return msg
}
