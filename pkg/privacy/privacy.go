// Package privacy checks a finished disclosure control run against a
// release policy and keeps the audit trail of runs.
package privacy

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Policy defines the rules a safe file must meet before release
type Policy struct {
	// ID is the policy identifier
	ID string `json:"id"`

	// Name is a human-readable name
	Name string `json:"name"`

	// MinThreshold is the smallest frequency threshold a table may use;
	// cells up to it are unsafe, so it acts as k-1 in k-anonymity
	MinThreshold int64 `json:"min_threshold"`

	// MaxBIRRate caps the expected re-identification rate of every BIR
	// table after protection; 0 disables the rule
	MaxBIRRate float64 `json:"max_bir_rate"`

	// MaxSuppressedShare caps the share of records that had an unsafe
	// combination and so lost at least one value; 0 disables the rule
	MaxSuppressedShare float64 `json:"max_suppressed_share"`

	// RequireRandomize demands a shuffled record order
	RequireRandomize bool `json:"require_randomize"`

	// AuditEnabled enables run auditing
	AuditEnabled bool `json:"audit_enabled"`
}

// DefaultPolicy returns a sensible default release policy
func DefaultPolicy() *Policy {
	return &Policy{
		ID:                 "default",
		Name:               "Default Release Policy",
		MinThreshold:       2,
		MaxBIRRate:         0.05,
		MaxSuppressedShare: 0.1,
		AuditEnabled:       true,
	}
}

// LoadPolicy loads a policy from a JSON file
func LoadPolicy(path string) (*Policy, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open policy file: %w", err)
	}
	defer f.Close()
	return ParsePolicy(f)
}

// ParsePolicy parses a policy from JSON
func ParsePolicy(r io.Reader) (*Policy, error) {
	var policy Policy
	decoder := json.NewDecoder(r)
	if err := decoder.Decode(&policy); err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	if policy.MinThreshold < 0 || policy.MaxBIRRate < 0 || policy.MaxSuppressedShare < 0 {
		return nil, fmt.Errorf("policy %q has negative limits", policy.ID)
	}
	return &policy, nil
}

// Summary describes a finished run
type Summary struct {
	RunID string `json:"run_id"`
	Setup string `json:"setup"`

	Records int64 `json:"records"`

	// Unsafe is the number of records that had an unsafe combination
	Unsafe int64 `json:"unsafe"`

	// Suppressed counts the suppressions by variable name
	Suppressed map[string]int64 `json:"suppressed"`

	// Thresholds holds the frequency threshold of every table
	Thresholds []int64 `json:"thresholds"`

	// BIRRates holds the expected re-identification rate of every BIR
	// table
	BIRRates []float64 `json:"bir_rates,omitempty"`

	Randomized bool `json:"randomized"`
}

// NewRunID returns a fresh run identifier
func NewRunID() string {
	return uuid.NewString()
}

// Inspector performs policy inspection on runs
type Inspector struct {
	policy *Policy
	now    func() time.Time
}

// NewInspector creates a new policy inspector
func NewInspector(policy *Policy) *Inspector {
	if policy == nil {
		policy = DefaultPolicy()
	}
	return &Inspector{policy: policy, now: time.Now}
}

// InspectionResult contains the result of a policy inspection
type InspectionResult struct {
	// Approved indicates if the safe file can be released
	Approved bool `json:"approved"`

	// Violations lists any policy violations found
	Violations []Violation `json:"violations,omitempty"`

	// AuditRecord contains audit information
	AuditRecord *AuditRecord `json:"audit_record,omitempty"`
}

// Violation represents a policy violation
type Violation struct {
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// AuditRecord contains audit information for a run
type AuditRecord struct {
	RunID      string      `json:"run_id"`
	Setup      string      `json:"setup"`
	PolicyID   string      `json:"policy_id"`
	Timestamp  string      `json:"timestamp"`
	Records    int64       `json:"records"`
	Unsafe     int64       `json:"unsafe"`
	Suppressed []VarCount  `json:"suppressed,omitempty"`
	Approved   bool        `json:"approved"`
	Violations []Violation `json:"violations,omitempty"`
}

// VarCount is a per-variable count in name order
type VarCount struct {
	Name  string `json:"name"`
	Count int64  `json:"count"`
}

// Inspect checks a run summary against the policy
func (i *Inspector) Inspect(s Summary) *InspectionResult {
	result := &InspectionResult{Approved: true}
	violate := func(rule, format string, args ...any) {
		result.Approved = false
		result.Violations = append(result.Violations, Violation{Rule: rule, Message: fmt.Sprintf(format, args...)})
	}

	for t, thr := range s.Thresholds {
		if thr < i.policy.MinThreshold {
			violate("min_threshold", "table %d threshold %d is below minimum %d", t, thr, i.policy.MinThreshold)
		}
	}
	if i.policy.MaxBIRRate > 0 {
		for t, r := range s.BIRRates {
			if r > i.policy.MaxBIRRate {
				violate("max_bir_rate", "BIR table %d re-identification rate %.4f exceeds %.4f", t, r, i.policy.MaxBIRRate)
			}
		}
	}
	if i.policy.MaxSuppressedShare > 0 && s.Records > 0 {
		share := float64(s.Unsafe) / float64(s.Records)
		if share > i.policy.MaxSuppressedShare {
			violate("max_suppressed_share", "%.1f%% of records suppressed, limit %.1f%%",
				100*share, 100*i.policy.MaxSuppressedShare)
		}
	}
	if i.policy.RequireRandomize && !s.Randomized {
		violate("require_randomize", "record order is not randomized")
	}

	if i.policy.AuditEnabled {
		result.AuditRecord = &AuditRecord{
			RunID:      s.RunID,
			Setup:      s.Setup,
			PolicyID:   i.policy.ID,
			Timestamp:  i.now().UTC().Format(time.RFC3339),
			Records:    s.Records,
			Unsafe:     s.Unsafe,
			Suppressed: sortedCounts(s.Suppressed),
			Approved:   result.Approved,
			Violations: result.Violations,
		}
	}
	return result
}

func sortedCounts(m map[string]int64) []VarCount {
	out := make([]VarCount, 0, len(m))
	for name, n := range m {
		if n > 0 {
			out = append(out, VarCount{Name: name, Count: n})
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

// AuditLog stores audit records
type AuditLog struct {
	Records []*AuditRecord `json:"records"`
}

// NewAuditLog creates a new audit log
func NewAuditLog() *AuditLog {
	return &AuditLog{Records: make([]*AuditRecord, 0)}
}

// Add adds a record to the audit log
func (l *AuditLog) Add(record *AuditRecord) {
	if record != nil {
		l.Records = append(l.Records, record)
	}
}

// Save saves the audit log to a file
func (l *AuditLog) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create audit log file: %w", err)
	}
	defer f.Close()

	encoder := json.NewEncoder(f)
	encoder.SetIndent("", "  ")
	return encoder.Encode(l)
}

// LoadAuditLog loads an audit log from a file; a missing file yields an
// empty log
func LoadAuditLog(path string) (*AuditLog, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return NewAuditLog(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}
	defer f.Close()

	var log AuditLog
	decoder := json.NewDecoder(f)
	if err := decoder.Decode(&log); err != nil {
		return nil, fmt.Errorf("failed to parse audit log: %w", err)
	}
	return &log, nil
}
