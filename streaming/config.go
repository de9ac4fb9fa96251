// Package streaming drives segment selection, fetching and appending
// for every active content type so playback can proceed across period
// boundaries, quality switches, seeks and recoverable errors.
package streaming

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/Eyevinn/streamcore/netengine"
)

// Config tunes the streaming engine. All durations are seconds of
// presentation time unless noted.
type Config struct {
	// BufferingGoal is the target seconds of buffer ahead of the
	// playhead.
	BufferingGoal float64
	// RebufferingGoal is the minimum buffered seconds the player wants
	// before playback starts. The engine does not read it: startup is
	// declared complete once every type has appended one media segment.
	RebufferingGoal float64
	// BufferBehind is the maximum seconds of buffer retained before
	// the playhead.
	BufferBehind float64
	// Retry is the retry policy handed to the network engine.
	Retry netengine.RetryParameters
	// InfiniteRetriesForLiveStreams keeps retrying transient network
	// errors on live content instead of giving up.
	InfiniteRetriesForLiveStreams bool
	// IgnoreTextStreamFailures logs text-pipeline errors and disables
	// the text type instead of surfacing them.
	IgnoreTextStreamFailures bool
	// StartAtSegmentBoundary selects snapping the initial playhead to a
	// segment start. The engine does not read it and never moves the
	// playhead; the field is carried for the playhead owner.
	StartAtSegmentBoundary bool
	// SmallGapLimit and JumpLargeGaps are the gap-jumping thresholds.
	// The engine does not read them and does not jump gaps; they are
	// carried for the playhead owner.
	SmallGapLimit float64
	JumpLargeGaps bool
	// FailureCallback is consulted before a network error surfaces.
	FailureCallback func(err error)
}

// DefaultConfig returns the defaults used when the player does not
// configure the engine.
func DefaultConfig() Config {
	return Config{
		BufferingGoal:   10,
		RebufferingGoal: 2,
		BufferBehind:    30,
		Retry:           netengine.DefaultRetryParameters(),
		SmallGapLimit:   0.5,
		JumpLargeGaps:   false,
	}
}

// ConfigFromEnv builds a config from defaults plus environment
// overrides. A .env file in the working directory is loaded when
// present.
func ConfigFromEnv() Config {
	_ = godotenv.Load()

	cfg := DefaultConfig()
	cfg.BufferingGoal = envFloat("STREAMCORE_BUFFERING_GOAL", cfg.BufferingGoal)
	cfg.RebufferingGoal = envFloat("STREAMCORE_REBUFFERING_GOAL", cfg.RebufferingGoal)
	cfg.BufferBehind = envFloat("STREAMCORE_BUFFER_BEHIND", cfg.BufferBehind)
	cfg.InfiniteRetriesForLiveStreams = envBool("STREAMCORE_INFINITE_LIVE_RETRIES", cfg.InfiniteRetriesForLiveStreams)
	cfg.IgnoreTextStreamFailures = envBool("STREAMCORE_IGNORE_TEXT_FAILURES", cfg.IgnoreTextStreamFailures)
	cfg.StartAtSegmentBoundary = envBool("STREAMCORE_START_AT_SEGMENT_BOUNDARY", cfg.StartAtSegmentBoundary)
	cfg.SmallGapLimit = envFloat("STREAMCORE_SMALL_GAP_LIMIT", cfg.SmallGapLimit)
	cfg.JumpLargeGaps = envBool("STREAMCORE_JUMP_LARGE_GAPS", cfg.JumpLargeGaps)
	cfg.Retry.MaxAttempts = envInt("STREAMCORE_RETRY_MAX_ATTEMPTS", cfg.Retry.MaxAttempts)
	if ms := envInt("STREAMCORE_RETRY_BASE_DELAY_MS", 0); ms > 0 {
		cfg.Retry.BaseDelay = time.Duration(ms) * time.Millisecond
	}
	return cfg
}

func envFloat(key string, fallback float64) float64 {
	if s := os.Getenv(key); s != "" {
		if v, err := strconv.ParseFloat(s, 64); err == nil {
			return v
		}
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if v, err := strconv.Atoi(s); err == nil {
			return v
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if s := os.Getenv(key); s != "" {
		if v, err := strconv.ParseBool(s); err == nil {
			return v
		}
	}
	return fallback
}
