package inventory

import (
	"sync"
)

// Metadata records how complete a discovery pass was.
type Metadata struct {
	Partial      bool
	FailedScopes []ScopeError
	Excluded     map[string]int // service -> AWS-managed resources suppressed
}

// ScopeError is one failed unit of discovery work, e.g. "123456789012:us-east-1 [EC2]".
type ScopeError struct {
	Scope string `json:"scope"`
	Error string `json:"error"`
}

type invOp struct {
	res *Resource
}

// Inventory merges discovery results from many workers. Writers push into a
// bounded channel consumed by a single builder goroutine; when the buffer is
// full, producers block, which keeps memory bounded on very large accounts.
// After CloseAndWait the inventory is immutable and safe for parallel reads.
type Inventory struct {
	mu          sync.RWMutex
	resources   []*Resource
	index       map[string]int
	primaryHits map[string]int
	metadata    Metadata

	opChan    chan invOp
	buildDone chan struct{}
}

const opBuffer = 4096

// New starts an inventory and its single-threaded builder.
func New() *Inventory {
	inv := &Inventory{
		resources:   make([]*Resource, 0, 1024),
		index:       make(map[string]int, 1024),
		primaryHits: make(map[string]int),
		metadata:    Metadata{Excluded: make(map[string]int)},
		opChan:      make(chan invOp, opBuffer),
		buildDone:   make(chan struct{}),
	}
	inv.startBuilder()
	return inv
}

func (inv *Inventory) startBuilder() {
	go func() {
		defer close(inv.buildDone)
		for op := range inv.opChan {
			inv.mu.Lock()
			inv.unsafeAdd(op.res)
			inv.mu.Unlock()
		}
	}()
}

// Add hands a resource to the builder. The inventory takes ownership; the
// producer must not touch it afterwards.
func (inv *Inventory) Add(r *Resource) {
	if r == nil || r.Service == "" || r.Type == "" {
		return
	}
	inv.opChan <- invOp{res: r}
}

// CloseAndWait seals the ingestion pipeline and waits for the builder to
// drain.
func (inv *Inventory) CloseAndWait() {
	close(inv.opChan)
	<-inv.buildDone
}

// unsafeAdd implements the merge rules in the builder goroutine.
//
// Primary wins on any field conflict. Tags are unioned with primary values
// taking precedence on duplicate keys; a fallback record otherwise only
// contributes fields the primary record is missing. The merge is idempotent.
func (inv *Inventory) unsafeAdd(r *Resource) {
	r.Intern()
	key := r.Key()

	idx, exists := inv.index[key]
	if !exists {
		inv.index[key] = len(inv.resources)
		inv.resources = append(inv.resources, r)
		if r.Priority == PriorityPrimary {
			inv.primaryHits[r.Service]++
		}
		return
	}

	existing := inv.resources[idx]
	switch {
	case r.Priority == PriorityFallback:
		mergeFallbackInto(existing, r)
	case existing.Priority == PriorityFallback:
		// Primary arrived after its fallback twin: promote.
		promoted := r
		mergeFallbackInto(promoted, existing)
		inv.resources[idx] = promoted
		inv.primaryHits[promoted.Service]++
	default:
		// Two primary discoveries of the same key: first one wins, the
		// second fills gaps.
		mergeFallbackInto(existing, r)
	}
}

// mergeFallbackInto folds the lower-precedence record src into dst.
func mergeFallbackInto(dst, src *Resource) {
	if len(src.Tags) > 0 {
		if dst.Tags == nil {
			dst.Tags = make(map[string]string, len(src.Tags))
		}
		for k, v := range src.Tags {
			if _, taken := dst.Tags[k]; !taken {
				dst.Tags[k] = v
			}
		}
	}
	if dst.Name == "" {
		dst.Name = src.Name
	}
	if dst.ARN == "" {
		dst.ARN = src.ARN
	}
	if dst.AccountID == "" {
		dst.AccountID = src.AccountID
	}
	if dst.State == "" {
		dst.State = src.State
	}
	if dst.CreatedAt == nil {
		dst.CreatedAt = src.CreatedAt
	}
	if dst.Type == "" {
		dst.Type = src.Type
	}
}

// AddError marks the run partial and records the failed scope.
func (inv *Inventory) AddError(scope string, err error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	inv.metadata.Partial = true
	inv.metadata.FailedScopes = append(inv.metadata.FailedScopes, ScopeError{
		Scope: scope,
		Error: err.Error(),
	})
}

// AddExcluded counts AWS-managed resources a handler suppressed.
func (inv *Inventory) AddExcluded(service string, n int) {
	if n <= 0 {
		return
	}
	inv.mu.Lock()
	inv.metadata.Excluded[service] += n
	inv.mu.Unlock()
}

// Resources returns the merged set in deterministic (service, region,
// arn-or-id) order. Call after CloseAndWait.
func (inv *Inventory) Resources() []*Resource {
	inv.mu.RLock()
	out := make([]*Resource, len(inv.resources))
	copy(out, inv.resources)
	inv.mu.RUnlock()

	Sort(out)
	return out
}

// Len returns the current resource count.
func (inv *Inventory) Len() int {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return len(inv.resources)
}

// PrimaryProduced reports whether the primary tier yielded at least one
// resource for the service. Drives the fallback display policy.
func (inv *Inventory) PrimaryProduced(service string) bool {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return inv.primaryHits[service] > 0
}

// PrimaryHits returns a copy of the per-service primary counters.
func (inv *Inventory) PrimaryHits() map[string]int {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	out := make(map[string]int, len(inv.primaryHits))
	for k, v := range inv.primaryHits {
		out[k] = v
	}
	return out
}

// Meta returns a copy of the run metadata.
func (inv *Inventory) Meta() Metadata {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	out := Metadata{
		Partial:      inv.metadata.Partial,
		FailedScopes: append([]ScopeError(nil), inv.metadata.FailedScopes...),
		Excluded:     make(map[string]int, len(inv.metadata.Excluded)),
	}
	for k, v := range inv.metadata.Excluded {
		out.Excluded[k] = v
	}
	return out
}
