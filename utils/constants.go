package utils

import (
	"time"
)

// Queue policy constants
const (
	// DefaultMaxAttempts is the delivery attempt ceiling per queued message
	DefaultMaxAttempts = 3

	// DefaultDrainBatchSize is the number of oldest messages taken per drain
	DefaultDrainBatchSize = 5

	// DefaultQueueTickInterval is the period of the outbound queue processor
	DefaultQueueTickInterval = 5 * time.Second

	// DefaultGatewayTimeout bounds every gateway round trip
	DefaultGatewayTimeout = 30 * time.Second
)
