package model

import (
	"strings"
)

// Id identifies a row. Ids are assigned by the store.
type Id string

func (id Id) String() string {
	return string(id)
}

// NormalizeChannelName converts a user-provided name into a slug made up of lowercase letters,
// digits and single hyphens. An empty result means the name has no usable characters.
func NormalizeChannelName(name string) string {
	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			lastHyphen = false
		} else if !lastHyphen {
			b.WriteByte('-')
			lastHyphen = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
