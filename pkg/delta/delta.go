// Package delta diffs two inventory snapshots by resource key and
// classifies every modification.
package delta

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/inventag/inventag/pkg/inventory"
	"github.com/inventag/inventag/pkg/state"
)

// ChangeType buckets a modification. When one resource changes in several
// buckets at once, the highest-priority bucket wins: security first, then
// network, tags, config.
type ChangeType string

const (
	ChangeSecurity ChangeType = "security"
	ChangeNetwork  ChangeType = "network"
	ChangeTags     ChangeType = "tags"
	ChangeConfig   ChangeType = "config"
)

var changePriority = []ChangeType{ChangeSecurity, ChangeNetwork, ChangeTags, ChangeConfig}

// FieldChange is one field's before/after pair.
type FieldChange struct {
	Old any `json:"old"`
	New any `json:"new"`
}

// Modified describes one changed resource.
type Modified struct {
	ARN        string                 `json:"arn,omitempty"`
	ID         string                 `json:"id"`
	Service    string                 `json:"service"`
	Region     string                 `json:"region"`
	Changes    map[string]FieldChange `json:"changes"`
	ChangeType ChangeType             `json:"change_type"`
}

// ComplianceChange records a verdict flip between snapshots.
type ComplianceChange struct {
	ARN string                     `json:"arn,omitempty"`
	ID  string                     `json:"id"`
	Old inventory.ComplianceStatus `json:"old"`
	New inventory.ComplianceStatus `json:"new"`
}

// Stats summarizes the delta.
type Stats struct {
	Added             int                `json:"added"`
	Removed           int                `json:"removed"`
	Modified          int                `json:"modified"`
	Unchanged         int                `json:"unchanged"`
	ByChangeType      map[ChangeType]int `json:"by_change_type,omitempty"`
	ComplianceChanges int                `json:"compliance_changes"`
}

// Report is the full diff between a baseline and a current snapshot.
type Report struct {
	BaselineID        string               `json:"baseline_id"`
	CurrentID         string               `json:"current_id"`
	BaselineAt        time.Time            `json:"baseline_at"`
	CurrentAt         time.Time            `json:"current_at"`
	Added             []inventory.Resource `json:"added,omitempty"`
	Removed           []inventory.Resource `json:"removed,omitempty"`
	Modified          []Modified           `json:"modified,omitempty"`
	ComplianceChanges []ComplianceChange   `json:"compliance_changes,omitempty"`
	Stats             Stats                `json:"summary_stats"`
}

// materialAttrs lists the service_attributes keys compared per service.
// Attributes outside this table are volatile (metrics, timestamps, counts)
// and would produce noise diffs.
var materialAttrs = map[string][]string{
	"S3":       {"encryption", "versioning_status", "public_access_block"},
	"RDS":      {"engine_version", "multi_az", "storage_encrypted"},
	"EC2":      {"instance_type", "iam_instance_profile"},
	"Lambda":   {"runtime", "memory_size", "timeout"},
	"DynamoDB": {"billing_mode", "billing_mode_summary", "table_status"},
	"EKS":      {"kubernetes_version", "endpoint_public_access"},
}

// Compute diffs two snapshots keyed by ARN (or the synthetic key for
// resources without one). Output ordering is deterministic: everything is
// sorted by key.
func Compute(baseline, current *state.Snapshot) *Report {
	rep := &Report{
		BaselineID: baseline.Header.SnapshotID,
		CurrentID:  current.Header.SnapshotID,
		BaselineAt: baseline.Header.CreatedAt,
		CurrentAt:  current.Header.CreatedAt,
		Stats:      Stats{ByChangeType: make(map[ChangeType]int)},
	}

	old := indexByKey(baseline.Resources)
	new_ := indexByKey(current.Resources)

	for _, key := range sortedKeys(new_) {
		cur := new_[key]
		prev, existed := old[key]
		if !existed {
			rep.Added = append(rep.Added, *cur)
			continue
		}
		if mod, ok := diffResource(prev, cur); ok {
			rep.Modified = append(rep.Modified, mod)
		} else {
			rep.Stats.Unchanged++
		}
		if prev.ComplianceStatus != cur.ComplianceStatus {
			rep.ComplianceChanges = append(rep.ComplianceChanges, ComplianceChange{
				ARN: cur.ARN, ID: cur.ID,
				Old: prev.ComplianceStatus, New: cur.ComplianceStatus,
			})
		}
	}
	for _, key := range sortedKeys(old) {
		if _, still := new_[key]; !still {
			rep.Removed = append(rep.Removed, *old[key])
		}
	}

	rep.Stats.Added = len(rep.Added)
	rep.Stats.Removed = len(rep.Removed)
	rep.Stats.Modified = len(rep.Modified)
	rep.Stats.ComplianceChanges = len(rep.ComplianceChanges)
	for _, m := range rep.Modified {
		rep.Stats.ByChangeType[m.ChangeType]++
	}
	if len(rep.Stats.ByChangeType) == 0 {
		rep.Stats.ByChangeType = nil
	}
	return rep
}

func indexByKey(resources []inventory.Resource) map[string]*inventory.Resource {
	m := make(map[string]*inventory.Resource, len(resources))
	for i := range resources {
		m[resources[i].Key()] = &resources[i]
	}
	return m
}

func sortedKeys(m map[string]*inventory.Resource) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// diffResource compares the fixed field set and classifies the result.
func diffResource(prev, cur *inventory.Resource) (Modified, bool) {
	changes := make(map[string]FieldChange)
	categories := make(map[ChangeType]bool)

	record := func(field string, cat ChangeType, old, new_ any) {
		changes[field] = FieldChange{Old: old, New: new_}
		categories[cat] = true
	}

	if !sameStringSet(prev.SecurityGroupIDs, cur.SecurityGroupIDs) {
		record("security_group_ids", ChangeSecurity, sortedCopy(prev.SecurityGroupIDs), sortedCopy(cur.SecurityGroupIDs))
	}
	if prev.PublicAccess != cur.PublicAccess {
		record("public_access", ChangeSecurity, prev.PublicAccess, cur.PublicAccess)
	}
	if prev.Encrypted != cur.Encrypted {
		record("encrypted", ChangeSecurity, prev.Encrypted, cur.Encrypted)
	}

	if prev.VPCID != cur.VPCID {
		record("vpc_id", ChangeNetwork, prev.VPCID, cur.VPCID)
	}
	if !sameStringSet(prev.SubnetIDs, cur.SubnetIDs) {
		record("subnet_ids", ChangeNetwork, sortedCopy(prev.SubnetIDs), sortedCopy(cur.SubnetIDs))
	}

	if !sameCanonical(prev.Tags, cur.Tags) {
		record("tags", ChangeTags, prev.Tags, cur.Tags)
	}

	if prev.State != cur.State {
		record("state", ChangeConfig, prev.State, cur.State)
	}
	for _, key := range materialAttrs[cur.Service] {
		oldVal, oldOK := attrValue(prev, key)
		newVal, newOK := attrValue(cur, key)
		if !oldOK && !newOK {
			continue
		}
		if !sameCanonical(oldVal, newVal) {
			record("service_attributes."+key, ChangeConfig, oldVal, newVal)
		}
	}

	if len(changes) == 0 {
		return Modified{}, false
	}

	mod := Modified{
		ARN:     cur.ARN,
		ID:      cur.ID,
		Service: cur.Service,
		Region:  cur.Region,
		Changes: changes,
	}
	for _, cat := range changePriority {
		if categories[cat] {
			mod.ChangeType = cat
			break
		}
	}
	return mod, true
}

func attrValue(r *inventory.Resource, key string) (any, bool) {
	if r.ServiceAttributes == nil {
		return nil, false
	}
	v, ok := r.ServiceAttributes[key]
	return v, ok
}

// sameCanonical compares two values by canonical JSON so map iteration
// order can never fabricate a diff.
func sameCanonical(a, b any) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return errA == nil && errB == nil
	}
	return string(ja) == string(jb)
}

func sameStringSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := sortedCopy(a)
	bs := sortedCopy(b)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

func sortedCopy(s []string) []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s))
	copy(out, s)
	sort.Strings(out)
	return out
}

// Keys returns the set of resource keys in a slice, for symmetry checks
// and summary tables.
func Keys(resources []inventory.Resource) []string {
	keys := make([]string, 0, len(resources))
	for i := range resources {
		keys = append(keys, resources[i].Key())
	}
	sort.Strings(keys)
	return keys
}
