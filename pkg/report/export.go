package report

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Artifact file names under the output directory.
const (
	JSONFileName = "report.json"
	CSVFileName  = "inventory.csv"
)

// RenderJSON renders the full report, indented, trailing newline included.
func RenderJSON(rep *Report) ([]byte, error) {
	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("render report json: %w", err)
	}
	return append(data, '\n'), nil
}

var csvHeader = []string{
	"AccountID",
	"Service",
	"Type",
	"Region",
	"ID",
	"Name",
	"ARN",
	"State",
	"Priority",
	"DiscoveredVia",
	"Confidence",
	"ComplianceStatus",
	"MissingTags",
	"InvalidValues",
	"VPCID",
	"PublicAccess",
	"Encrypted",
	"Tags",
}

// RenderInventoryCSV flattens every account's resources into one CSV. Rows
// keep the inventory order: accounts in run order, resources sorted by
// (service, region, arn-or-id).
func RenderInventoryCSV(rep *Report) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(csvHeader); err != nil {
		return nil, err
	}

	for ai := range rep.Accounts {
		acct := &rep.Accounts[ai]
		for ri := range acct.Resources {
			res := &acct.Resources[ri]
			record := []string{
				res.AccountID,
				res.Service,
				res.Type,
				res.Region,
				res.ID,
				res.Name,
				res.ARN,
				res.State,
				string(res.Priority),
				res.DiscoveredVia,
				fmt.Sprintf("%.2f", res.Confidence),
				string(res.ComplianceStatus),
				strings.Join(res.MissingRequiredTags, ";"),
				joinSortedPairs(res.InvalidTagValues),
				res.VPCID,
				strconv.FormatBool(res.PublicAccess),
				string(res.Encrypted),
				joinSortedPairs(res.Tags),
			}
			if err := w.Write(record); err != nil {
				return nil, err
			}
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteFiles renders the report into dir as report.json and inventory.csv
// and returns the paths written.
func WriteFiles(rep *Report, dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	jsonData, err := RenderJSON(rep)
	if err != nil {
		return nil, err
	}
	csvData, err := RenderInventoryCSV(rep)
	if err != nil {
		return nil, err
	}

	var written []string
	for _, f := range []struct {
		name string
		data []byte
	}{
		{JSONFileName, jsonData},
		{CSVFileName, csvData},
	} {
		path := filepath.Join(dir, f.name)
		if err := os.WriteFile(path, f.data, 0o644); err != nil {
			return nil, fmt.Errorf("write %s: %w", f.name, err)
		}
		written = append(written, path)
	}
	return written, nil
}

func joinSortedPairs(m map[string]string) string {
	if len(m) == 0 {
		return ""
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+m[k])
	}
	return strings.Join(parts, ";")
}
