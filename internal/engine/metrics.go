package engine

import (
	"math"
	"time"
)

const (
	bitsPerMegabit = 1 << 20

	// DefaultExpectedDownloadBytes is assumed when the download stream does
	// not announce its length.
	DefaultExpectedDownloadBytes = 100 << 20
)

// Metrics is the result bundle of a run. Latencies are in milliseconds,
// throughput in binary megabits per second.
type Metrics struct {
	Ping     float64 `json:"ping"`
	Jitter   float64 `json:"jitter"`
	Download float64 `json:"download"`
	Upload   float64 `json:"upload"`
}

// ThroughputMbps converts a byte count transferred over elapsed into
// binary megabits per second. It returns 0 when elapsed is not positive.
func ThroughputMbps(bytes int64, elapsed time.Duration) float64 {
	secs := elapsed.Seconds()
	if secs <= 0 || bytes <= 0 {
		return 0
	}
	return float64(bytes) * 8 / (secs * bitsPerMegabit)
}

// SummarizePing returns the mean latency and the jitter (max - min) of the
// samples, both rounded to two decimals.
func SummarizePing(samplesMs []float64) (ping, jitter float64) {
	if len(samplesMs) == 0 {
		return 0, 0
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range samplesMs {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	return Round2(mean(samplesMs)), Round2(hi - lo)
}

// Round2 rounds to two decimal places.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func mean(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, v := range samples {
		sum += v
	}
	return sum / float64(len(samples))
}

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func progressPercent(done, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return math.Min(float64(done)/float64(total)*100, 100)
}
