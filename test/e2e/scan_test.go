//go:build e2e

package e2e

import (
	"os"
	"strings"
	"testing"

	"github.com/inventag/inventag/pkg/inventory"
	"github.com/inventag/inventag/pkg/policy"
	"github.com/inventag/inventag/pkg/report"
)

// TestScanInventoriesSeededInfra runs the full pipeline against LocalStack
// and checks that seeded resources come back with merged tags, compliance
// verdicts, and rendered artifacts.
func TestScanInventoriesSeededInfra(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e test in short mode")
	}
	seed := seedConfig(t)

	tagged := seedInstance(t, seed, map[string]string{"Owner": "platform", "Name": "e2e-governed"})
	stray := seedInstance(t, seed, map[string]string{"Env": "dev"})
	seedBucket(t, seed, "e2e-governed-bucket", map[string]string{"Owner": "platform"})

	cfg := scanConfig(t)
	cfg.Policy = &policy.TagPolicy{
		RequiredTags: []policy.RequiredTag{{Key: "Owner"}},
	}

	eng, rep := execScan(t, cfg)

	if len(rep.Accounts) != 1 {
		t.Fatalf("expected 1 account, got %d", len(rep.Accounts))
	}
	ar := rep.Accounts[0]
	if ar.Status != report.StatusDone {
		t.Fatalf("account status %s (error %q, failed scopes %v)", ar.Status, ar.Error, ar.FailedScopes)
	}
	if ar.PrimaryHits["EC2"] < 2 {
		t.Errorf("EC2 primary hits = %d, want >= 2", ar.PrimaryHits["EC2"])
	}
	if ar.PrimaryHits["S3"] < 1 {
		t.Errorf("S3 primary hits = %d, want >= 1", ar.PrimaryHits["S3"])
	}

	governed := findResource(rep, tagged)
	if governed == nil {
		t.Fatalf("seeded instance %s missing from inventory", tagged)
	}
	if governed.DiscoveredVia != "EC2:DescribeInstances" {
		t.Errorf("instance discovered via %q, want primary tier", governed.DiscoveredVia)
	}
	if governed.Tags["Owner"] != "platform" {
		t.Errorf("instance tags = %v, Owner missing", governed.Tags)
	}
	if governed.ComplianceStatus != inventory.StatusCompliant {
		t.Errorf("tagged instance verdict = %s, want compliant", governed.ComplianceStatus)
	}

	offender := findResource(rep, stray)
	if offender == nil {
		t.Fatalf("seeded instance %s missing from inventory", stray)
	}
	if offender.ComplianceStatus != inventory.StatusNonCompliant {
		t.Errorf("stray instance verdict = %s, want non_compliant", offender.ComplianceStatus)
	}
	if len(offender.MissingRequiredTags) == 0 || offender.MissingRequiredTags[0] != "Owner" {
		t.Errorf("stray instance missing tags = %v, want [Owner]", offender.MissingRequiredTags)
	}

	bucket := findResource(rep, "e2e-governed-bucket")
	if bucket == nil {
		t.Fatal("seeded bucket missing from inventory")
	}
	if bucket.Service != "S3" {
		t.Errorf("bucket service = %s", bucket.Service)
	}

	files, err := eng.WriteArtifacts(t.Context(), rep)
	if err != nil {
		t.Fatalf("write artifacts: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("artifacts = %v, want report.json and inventory.csv", files)
	}
	csv, err := os.ReadFile(files[1])
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if !strings.Contains(string(csv), tagged) {
		t.Errorf("inventory.csv does not list %s", tagged)
	}
}

// TestSecondRunComputesDelta writes a baseline, seeds one more instance,
// and expects the second run to report it as added.
func TestSecondRunComputesDelta(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e test in short mode")
	}
	seed := seedConfig(t)
	stateDir := t.TempDir()

	first := scanConfig(t)
	first.Run.StateDir = stateDir
	_, rep1 := execScan(t, first)
	if key := rep1.Accounts[0].SnapshotKey; key == "" {
		t.Fatal("baseline run wrote no snapshot")
	}
	if rep1.Accounts[0].Delta != nil {
		t.Fatal("baseline run should have no delta")
	}

	newcomer := seedInstance(t, seed, map[string]string{"Owner": "platform"})

	second := scanConfig(t)
	second.Run.StateDir = stateDir
	_, rep2 := execScan(t, second)

	d := rep2.Accounts[0].Delta
	if d == nil {
		t.Fatal("second run produced no delta")
	}
	if d.Stats.Added < 1 {
		t.Fatalf("delta added = %d, want >= 1", d.Stats.Added)
	}
	found := false
	for _, r := range d.Added {
		if r.ID == newcomer {
			found = true
		}
	}
	if !found {
		t.Errorf("delta does not list %s as added", newcomer)
	}
}
