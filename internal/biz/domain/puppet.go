package domain

import "strings"

// Puppet is the Matrix ghost representing one Feishu user
type Puppet struct {
	FeishuID    string
	MXID        string
	DisplayName string
	AvatarURL   string
	NameSet     bool
	AvatarSet   bool
}

// ApplyProfileSync merges a fresh Feishu profile into the puppet and
// reports whether anything changed
func (p *Puppet) ApplyProfileSync(displayName, avatarURL string) bool {
	changed := false

	if normalized := strings.TrimSpace(displayName); normalized != "" && p.DisplayName != normalized {
		p.DisplayName = normalized
		p.NameSet = true
		changed = true
	}

	normalizedAvatar := strings.TrimSpace(avatarURL)
	if p.AvatarURL != normalizedAvatar {
		p.AvatarURL = normalizedAvatar
		p.AvatarSet = normalizedAvatar != ""
		changed = true
	}

	return changed
}
