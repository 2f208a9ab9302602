package models

// LivePolicy is the instance-wide live configuration set by an administrator.
// A negative maximum disables the corresponding quota.
type LivePolicy struct {
	Enabled          bool `json:"enabled"`
	MaxInstanceLives int  `json:"maxInstanceLives"`
	MaxUserLives     int  `json:"maxUserLives"`
	AllowReplay      bool `json:"allowReplay"`
}

// DefaultLivePolicy mirrors a fresh instance: lives disabled, no quotas.
func DefaultLivePolicy() LivePolicy {
	return LivePolicy{
		Enabled:          false,
		MaxInstanceLives: -1,
		MaxUserLives:     -1,
		AllowReplay:      false,
	}
}

// InstanceQuotaReached reports whether current sessions already use the
// instance-wide allowance.
func (p LivePolicy) InstanceQuotaReached(current int) bool {
	return p.MaxInstanceLives >= 0 && current >= p.MaxInstanceLives
}

// UserQuotaReached reports whether current sessions already use the per-user
// allowance.
func (p LivePolicy) UserQuotaReached(current int) bool {
	return p.MaxUserLives >= 0 && current >= p.MaxUserLives
}
