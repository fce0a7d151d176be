package matrix

import (
	"fmt"
	"strings"
	"unicode"
)

const maxLocalpartLen = 64

// PuppetLocalpart derives the appservice localpart for a Feishu user id.
// Characters outside [a-zA-Z0-9._-] collapse to underscores, leading
// digits get a "user_" prefix, and the result is capped at 64 runes.
func PuppetLocalpart(feishuUserID string) string {
	var b strings.Builder
	for _, r := range feishuUserID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', unicode.IsDigit(r), r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}

	sanitized := strings.Trim(b.String(), "_.")
	if sanitized == "" {
		sanitized = "unknown"
	}
	if sanitized[0] >= '0' && sanitized[0] <= '9' {
		sanitized = "user_" + sanitized
	}

	localpart := "feishu_" + sanitized
	if len(localpart) > maxLocalpartLen {
		localpart = localpart[:maxLocalpartLen]
	}
	return localpart
}

// PuppetMXID builds the full user id for a Feishu user on this homeserver
func PuppetMXID(feishuUserID, serverName string) string {
	return fmt.Sprintf("@%s:%s", PuppetLocalpart(feishuUserID), serverName)
}

// IsPuppetMXID reports whether userID belongs to this bridge's namespace
func IsPuppetMXID(userID, serverName string) bool {
	return strings.HasPrefix(userID, "@feishu_") && strings.HasSuffix(userID, ":"+serverName)
}
