package report

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderJSONGolden(t *testing.T) {
	data, err := RenderJSON(fixtureReport())
	require.NoError(t, err)

	g := goldie.New(t)
	g.Assert(t, "report", data)
}

func TestRenderJSONRoundTrips(t *testing.T) {
	rep := fixtureReport()
	data, err := RenderJSON(rep)
	require.NoError(t, err)

	var back Report
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, rep.RunID, back.RunID)
	require.Len(t, back.Accounts, 1)
	assert.Equal(t, rep.Accounts[0].Resources, back.Accounts[0].Resources)
	require.NotNil(t, back.Accounts[0].Compliance.Percentage)
	assert.Equal(t, 50.0, *back.Accounts[0].Compliance.Percentage)
}

func TestRenderInventoryCSVGolden(t *testing.T) {
	data, err := RenderInventoryCSV(fixtureReport())
	require.NoError(t, err)

	g := goldie.New(t)
	g.Assert(t, "inventory", data)
}

func TestWriteFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	paths, err := WriteFiles(fixtureReport(), dir)
	require.NoError(t, err)
	require.Len(t, paths, 2)

	for _, p := range paths {
		info, err := os.Stat(p)
		require.NoError(t, err)
		assert.Greater(t, info.Size(), int64(0))
	}
	assert.Equal(t, filepath.Join(dir, "report.json"), paths[0])
	assert.Equal(t, filepath.Join(dir, "inventory.csv"), paths[1])
}

func TestJoinSortedPairsDeterministic(t *testing.T) {
	assert.Equal(t, "", joinSortedPairs(nil))
	assert.Equal(t, "a=1;b=2;c=3", joinSortedPairs(map[string]string{"c": "3", "a": "1", "b": "2"}))
}
