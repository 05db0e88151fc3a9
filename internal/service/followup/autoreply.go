package followup

import "strings"

var (
	autoReplyPrefixes = []string{"re:", "fwd:", "fw:"}
	autoReplyMarkers  = []string{
		"out of office",
		"automatic reply",
		"auto-reply",
		"vacation",
		"away",
		"unsubscribe",
	}
)

// IsAutoReplySubject reports whether subject looks like a reply, a forward or
// machine-generated noise that should not be tracked.
func IsAutoReplySubject(subject string) bool {
	s := strings.ToLower(strings.TrimSpace(subject))
	for _, p := range autoReplyPrefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	for _, m := range autoReplyMarkers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
