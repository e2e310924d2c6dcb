package messaging

// Topic constants for mining event streams.
const (
	// TopicTemplates carries template switch events: one message per
	// adopted unit of work.
	TopicTemplates = "mining.templates"

	// TopicShares carries share lifecycle events: found, accepted,
	// rejected, stale.
	TopicShares = "mining.shares"

	// TopicHealth carries daemon state transitions (degraded, recovered).
	TopicHealth = "mining.health"
)
