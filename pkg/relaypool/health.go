package relaypool

import "time"

// Health classifies connection quality from live endpoint count and recent
// latency. It is exposed for UI and diagnostics only.
type Health int

const (
	HealthPoor Health = iota
	HealthFair
	HealthGood
	HealthExcellent
)

// String implements fmt.Stringer.
func (h Health) String() string {
	switch h {
	case HealthExcellent:
		return "excellent"
	case HealthGood:
		return "good"
	case HealthFair:
		return "fair"
	default:
		return "poor"
	}
}

const slowRTT = 500 * time.Millisecond

func classify(live, total int, worstRTT time.Duration) Health {
	switch {
	case live == 0 || total == 0:
		return HealthPoor
	case live == total && worstRTT < slowRTT:
		return HealthExcellent
	case live*2 >= total:
		return HealthGood
	default:
		return HealthFair
	}
}
