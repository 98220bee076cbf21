package services

import "time"

// Keys in the volatile state store. Arguments are user ids, client IPs and
// request ids, never commitment ids.
const (
	KeyDedup          = "dedup:%s:%s"
	KeyRateUser       = "rl:user:%s"
	KeyRateIP         = "rl:ip:%s"
	KeyRateUserIP     = "rl:uip:%s:%s"
	KeyRiskProfile    = "risk:profile:%s"
	KeyRateViolations = "risk:violations:%s"
	KeyFailedAuth     = "risk:authfail:%s"
	KeyIPUsers        = "risk:ipusers:%s"
	KeyCooldown       = "risk:cooldown:%s"
	KeyReviewFlag     = "risk:review:%s"
	KeyCaptcha        = "captcha:%s:%s"

	// TTLReviewFlag only bounds the cache; the durable review queue is authoritative.
	TTLReviewFlag = 30 * 24 * time.Hour

	MaxProfileHistory = 50
	BurstWindow       = 30 * time.Second
)
