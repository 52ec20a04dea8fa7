package domain

import "time"

// SplitTestStatus tracks the campaign lifecycle, layered on top of the
// per-environment deploy states.
type SplitTestStatus string

const (
	SplitTestProvisioned SplitTestStatus = "provisioned"
	SplitTestStarting    SplitTestStatus = "starting"
	SplitTestRunning     SplitTestStatus = "running"
	SplitTestFinishing   SplitTestStatus = "finishing"
	SplitTestFailed      SplitTestStatus = "failed"
)

// Variant routes a share of traffic to an environment. An empty Environment
// means the primary branch.
type Variant struct {
	Name        string `json:"name"`
	Split       int    `json:"split"`
	Environment string `json:"environment,omitempty"`
}

// SplitTest is a traffic-splitting campaign across preview environments.
type SplitTest struct {
	Status              SplitTestStatus `json:"status"`
	Variants            []Variant       `json:"variants"`
	AnalyticsID         string          `json:"analytics_id,omitempty"`
	ProviderSplitTestID string          `json:"provider_split_test_id,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// Variant returns the named variant, or nil when absent.
func (s *SplitTest) Variant(name string) *Variant {
	if s == nil {
		return nil
	}
	for i := range s.Variants {
		if s.Variants[i].Name == name {
			return &s.Variants[i]
		}
	}
	return nil
}
