// Package report assembles the run artifact: per-account inventory,
// analyzer summaries, compliance verdicts, snapshot deltas, and the safety
// audit trail, plus the JSON and CSV renderers that persist it.
package report

import (
	"time"

	"github.com/inventag/inventag/pkg/analyzers"
	"github.com/inventag/inventag/pkg/awsx"
	"github.com/inventag/inventag/pkg/compliance"
	"github.com/inventag/inventag/pkg/delta"
	"github.com/inventag/inventag/pkg/inventory"
	"github.com/inventag/inventag/pkg/safety"
	"github.com/inventag/inventag/pkg/version"
)

// Status is the terminal state of an account pipeline.
type Status string

const (
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
	StatusPartial Status = "partial"
)

// StageTiming records how long one pipeline stage ran for an account.
type StageTiming struct {
	Stage  string `json:"stage"`
	Millis int64  `json:"duration_ms"`
}

// AccountReport is everything the pipeline produced for one account.
type AccountReport struct {
	AccountID string        `json:"account_id"`
	Identity  awsx.Identity `json:"identity"`
	Regions   []string      `json:"regions,omitempty"`
	Status    Status        `json:"status"`
	Error     string        `json:"error,omitempty"`

	Resources  []inventory.Resource       `json:"resources"`
	Network    *analyzers.NetworkSummary  `json:"network,omitempty"`
	Security   *analyzers.SecuritySummary `json:"security,omitempty"`
	Compliance *compliance.Summary        `json:"compliance,omitempty"`
	Delta      *delta.Report              `json:"delta,omitempty"`
	Costs      *Costs                     `json:"costs,omitempty"`

	SnapshotKey      string `json:"snapshot_key,omitempty"`
	SnapshotChecksum string `json:"snapshot_checksum,omitempty"`

	Stages     []StageTiming       `json:"stages,omitempty"`
	APICalls   int64               `json:"api_calls"`
	Violations int                 `json:"safety_violations"`
	Audit      []safety.AuditEntry `json:"audit_log,omitempty"`

	PrimaryHits        map[string]int         `json:"primary_hits,omitempty"`
	Excluded           map[string]int         `json:"excluded,omitempty"`
	FailedScopes       []inventory.ScopeError `json:"failed_scopes,omitempty"`
	EnrichmentFailures int                    `json:"enrichment_failures,omitempty"`
}

// Report is the full run artifact across all accounts.
type Report struct {
	RunID         string          `json:"run_id"`
	Producer      string          `json:"producer"`
	SchemaVersion int             `json:"schema_version"`
	GeneratedAt   time.Time       `json:"generated_at"`
	DurationMS    int64           `json:"duration_ms"`
	Accounts      []AccountReport `json:"accounts"`
	Errors        []string        `json:"errors,omitempty"`
}

// New stamps a report shell with the producer identity.
func New(runID string) *Report {
	return &Report{
		RunID:         runID,
		Producer:      version.AppName + "/" + version.Current,
		SchemaVersion: version.Schema,
		GeneratedAt:   time.Now().UTC(),
	}
}

// Status collapses account outcomes into one verdict for the run: any
// failure wins over partial, partial wins over done.
func (r *Report) Status() Status {
	status := StatusDone
	for i := range r.Accounts {
		switch r.Accounts[i].Status {
		case StatusFailed:
			return StatusFailed
		case StatusPartial:
			status = StatusPartial
		}
	}
	return status
}

// TotalResources counts resources across every account section.
func (r *Report) TotalResources() int {
	n := 0
	for i := range r.Accounts {
		n += len(r.Accounts[i].Resources)
	}
	return n
}

// OverallCompliance recomputes the compliance percentage across all
// accounts from the raw counters, so two accounts of very different sizes
// are weighted by resource count rather than averaged. Nil means nothing
// was measured anywhere.
func (r *Report) OverallCompliance() *float64 {
	measured, compliant := 0, 0
	for i := range r.Accounts {
		s := r.Accounts[i].Compliance
		if s == nil {
			continue
		}
		measured += s.Total - s.Exempt
		compliant += s.Compliant
	}
	if measured == 0 {
		return nil
	}
	pct := float64(compliant) / float64(measured) * 100
	return &pct
}

// TotalViolations sums blocked-call counts across accounts.
func (r *Report) TotalViolations() int {
	n := 0
	for i := range r.Accounts {
		n += r.Accounts[i].Violations
	}
	return n
}
