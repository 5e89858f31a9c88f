package courseauth

import "time"

// SecurityReport is a read-only summary of the engine's effective posture.
type SecurityReport struct {
	SigningAlgorithm      string
	AccessTTL             time.Duration
	RefreshTTL            time.Duration
	SeparateSecrets       bool
	RevokeOnRefreshReuse  bool
	LoginThrottleActive   bool
	RefreshThrottleActive bool
	PasswordUpgrade       bool
	AuditEnabled          bool
	MetricsEnabled        bool
	GrantsWritable        bool
	Argon2                PasswordConfigReport
	LintWarnings          []string
}

type PasswordConfigReport struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

func (e *Engine) SecurityReport() SecurityReport {
	if e == nil {
		return SecurityReport{}
	}
	cfg := e.config
	return SecurityReport{
		SigningAlgorithm:      "HS256",
		AccessTTL:             e.codec.AccessTTL(),
		RefreshTTL:            e.codec.RefreshTTL(),
		SeparateSecrets:       string(cfg.JWT.AccessSecret) != string(cfg.JWT.RefreshSecret),
		RevokeOnRefreshReuse:  cfg.Security.RevokeOnRefreshReuse,
		LoginThrottleActive:   e.flows.Login.RateLimiter != nil,
		RefreshThrottleActive: e.flows.Refresh.RateLimiter != nil,
		PasswordUpgrade:       e.flows.Login.UpdatePasswordHash != nil,
		AuditEnabled:          e.audit != nil,
		MetricsEnabled:        e.metrics.Enabled(),
		GrantsWritable:        e.grants != nil,
		Argon2: PasswordConfigReport{
			Memory:      cfg.Password.Memory,
			Time:        cfg.Password.Time,
			Parallelism: cfg.Password.Parallelism,
			SaltLength:  cfg.Password.SaltLength,
			KeyLength:   cfg.Password.KeyLength,
		},
		LintWarnings: cfg.Lint().Codes(),
	}
}
