package state

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/inventag/inventag/pkg/inventory"
)

// SortForSnapshot orders resources by ARN, falling back to the synthetic
// service:region:id key for resources without one. Snapshot bytes are only
// comparable across runs if this order is stable.
func SortForSnapshot(resources []inventory.Resource) {
	sort.Slice(resources, func(i, j int) bool {
		return snapshotKey(&resources[i]) < snapshotKey(&resources[j])
	})
}

func snapshotKey(r *inventory.Resource) string {
	if r.ARN != "" {
		return r.ARN
	}
	return r.Key()
}

// CanonicalJSON encodes the resource list in canonical form: resources
// sorted by ARN, map keys sorted (encoding/json already guarantees that),
// struct fields in wire order. The input slice is not modified.
func CanonicalJSON(resources []inventory.Resource) ([]byte, error) {
	sorted := make([]inventory.Resource, len(resources))
	copy(sorted, resources)
	SortForSnapshot(sorted)
	data, err := json.Marshal(sorted)
	if err != nil {
		return nil, fmt.Errorf("state: canonical encode: %w", err)
	}
	return data, nil
}

// Checksum is the SHA-256 hex digest of the canonical JSON encoding.
func Checksum(resources []inventory.Resource) (string, error) {
	data, err := CanonicalJSON(resources)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
