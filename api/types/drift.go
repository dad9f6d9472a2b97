package types

import "time"

// Classification labels how an observed value relates to its resolved
// expectation.
type Classification string

const (
	// DriftNone means observed and expected match.
	DriftNone Classification = "NONE"
	// DriftDocumented means the value deviates from a broader rule but a
	// narrower rule explicitly sanctions the deviation.
	DriftDocumented Classification = "DOCUMENTED_VARIANCE"
	// DriftUnexpected means the observed value differs from the resolved
	// expectation without a sanctioning rule.
	DriftUnexpected Classification = "UNEXPECTED_DRIFT"
	// DriftMissing means an expected file or key is absent.
	DriftMissing Classification = "MISSING"
	// DriftExtra means an observed key has no expectation at all.
	DriftExtra Classification = "EXTRA"
)

// Severity grades a drift item for reporting.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// DriftItem is one immutable finding of a drift scan. Expected is non-nil
// exactly when the classification is not EXTRA.
type DriftItem struct {
	ScanID         string         `json:"scan_id"`
	Instance       string         `json:"instance"`
	ConfigType     ConfigType     `json:"config_type"`
	Plugin         string         `json:"plugin,omitempty"`
	File           string         `json:"file"`
	Key            string         `json:"key,omitempty"`
	Expected       *string        `json:"expected,omitempty"`
	Actual         *string        `json:"actual,omitempty"`
	Classification Classification `json:"classification"`
	Severity       Severity       `json:"severity"`
	Reason         string         `json:"reason,omitempty"`
	DetectedAt     time.Time      `json:"detected_at"`
}

// ScanSummary aggregates one scan for reporting.
type ScanSummary struct {
	ScanID     string                 `json:"scan_id"`
	StartedAt  time.Time              `json:"started_at"`
	FinishedAt time.Time              `json:"finished_at,omitzero"`
	Instances  int                    `json:"instances"`
	Counts     map[Classification]int `json:"counts"`
}

// ScanRequest selects which instances an on-demand drift scan covers. An
// empty request scans the whole fleet.
type ScanRequest struct {
	Instances []string `json:"instances,omitempty"`
	Host      string   `json:"host,omitempty"`
}

// DriftFilter narrows drift report queries.
type DriftFilter struct {
	Instance string         `json:"instance,omitempty"`
	Host     string         `json:"host,omitempty"`
	Severity Severity       `json:"severity,omitempty"`
	Class    Classification `json:"classification,omitempty"`
	Since    time.Time      `json:"since,omitzero"`
}
