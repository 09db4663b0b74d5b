package portal

import "fmt"

// LowDataThreshold is the remaining allowance below which a session is
// treated as out of data.
const LowDataThreshold int64 = 50 * 1024

// UsageSummary is the caller-facing view of a usage document.
type UsageSummary struct {
	RemainingBytes int64  `json:"remaining_bytes"`
	RemainingMB    string `json:"remaining_mb"`
	HasData        bool   `json:"has_data"`

	// Unlimited is set when the backend reports no counters.
	Unlimited bool `json:"unlimited"`
}

// Summarize derives the remaining allowance from the first counter.
func Summarize(u UsageResponse) UsageSummary {
	if len(u.Checks) == 0 {
		return UsageSummary{HasData: true, Unlimited: true}
	}

	check := u.Checks[0]
	remaining := int64(check.Value) - int64(check.Result)
	return UsageSummary{
		RemainingBytes: remaining,
		RemainingMB:    fmt.Sprintf("%.2f", float64(remaining)/(1024*1024)),
		HasData:        remaining > LowDataThreshold,
	}
}
