//go:build e2e

package e2e

import (
	"testing"

	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/inventag/inventag/pkg/safety"
)

// TestScanLeavesInfraUntouched is the read-only guarantee, end to end:
// after a full scan every audited call is classified read-only, nothing was
// blocked, and the seeded instance is exactly as it was.
func TestScanLeavesInfraUntouched(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e test in short mode")
	}
	seed := seedConfig(t)
	id := seedInstance(t, seed, map[string]string{"Owner": "platform"})

	_, rep := execScan(t, scanConfig(t))

	ar := rep.Accounts[0]
	if ar.Violations != 0 {
		t.Fatalf("scan recorded %d violations", ar.Violations)
	}
	if int64(len(ar.Audit)) != ar.APICalls {
		t.Fatalf("audit entries = %d, api calls = %d; every call must be audited",
			len(ar.Audit), ar.APICalls)
	}
	if ar.APICalls == 0 {
		t.Fatal("scan made no API calls")
	}
	for _, entry := range ar.Audit {
		if entry.Decision != safety.DecisionReadOnly {
			t.Errorf("%s:%s decided %s, want read_only", entry.Service, entry.Operation, entry.Decision)
		}
	}

	if state := instanceState(t, seed, id); state != ec2types.InstanceStateNameRunning {
		t.Errorf("instance %s is %s after the scan, want running", id, state)
	}
}
