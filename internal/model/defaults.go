package model

import "time"

// Shared defaults used by the run pipeline and the CLI.
const (
	DefaultBucketDuration     = 60 // seconds
	DefaultLookbackFactor     = 2  // buckets
	DefaultRetryQueueCapacity = 30
	DefaultSendTimeout        = 40 * time.Second
	DefaultInfluxBatchSize    = 500
)

// AbsentField marks an optional log field with no value.
const AbsentField = "-"
