package state

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inventag/inventag/pkg/inventory"
	"github.com/inventag/inventag/pkg/storage"
)

func fixtureResources() []inventory.Resource {
	return []inventory.Resource{
		{
			ARN: "arn:aws:s3:::zeta-bucket", ID: "zeta-bucket",
			Service: "S3", Type: "Bucket", Region: "global",
			Tags: map[string]string{"Owner": "data", "Environment": "prod"},
		},
		{
			ARN: "arn:aws:ec2:eu-west-1:111122223333:instance/i-0abc", ID: "i-0abc",
			Service: "EC2", Type: "Instance", Region: "eu-west-1", State: "running",
			Tags: map[string]string{"Environment": "prod"},
		},
		{
			ID: "no-arn-resource", Service: "Glue", Type: "Job", Region: "eu-west-1",
		},
	}
}

func TestChecksumStableAcrossInputOrder(t *testing.T) {
	a := fixtureResources()
	b := []inventory.Resource{a[2], a[0], a[1]}

	ca, err := Checksum(a)
	require.NoError(t, err)
	cb, err := Checksum(b)
	require.NoError(t, err)
	assert.Equal(t, ca, cb, "canonical form must not depend on input order")
	assert.Len(t, ca, 64)
}

func TestChecksumSensitiveToContent(t *testing.T) {
	a := fixtureResources()
	ca, err := Checksum(a)
	require.NoError(t, err)

	b := fixtureResources()
	b[1].State = "stopped"
	cb, err := Checksum(b)
	require.NoError(t, err)
	assert.NotEqual(t, ca, cb)
}

func newTestStore(t *testing.T, at time.Time) *Store {
	t.Helper()
	blob := storage.NewLocalStore(t.TempDir())
	return NewStore(blob, WithClock(func() time.Time { return at }))
}

func TestWriteReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))

	snap, key, err := store.Write(ctx, "111122223333", []string{"eu-west-1"}, fixtureResources())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(key, "111122223333/20260310T120000Z_"))
	assert.Equal(t, 3, snap.Header.ResourceCount)
	assert.Equal(t, 1, snap.Header.SchemaVersion)

	got, err := store.Read(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, snap.Checksum, got.Checksum)
	require.Len(t, got.Resources, 3)
	// byte order: the keyless resource's synthetic "Glue:..." key sorts
	// before the lowercase "arn:..." prefixes
	assert.Equal(t, "no-arn-resource", got.Resources[0].ID)
	assert.Equal(t, "arn:aws:ec2:eu-west-1:111122223333:instance/i-0abc", got.Resources[1].ARN)
	assert.Equal(t, "arn:aws:s3:::zeta-bucket", got.Resources[2].ARN)
}

func TestReadDetectsTampering(t *testing.T) {
	ctx := context.Background()
	blob := storage.NewLocalStore(t.TempDir())
	store := NewStore(blob)

	_, key, err := store.Write(ctx, "111122223333", nil, fixtureResources())
	require.NoError(t, err)

	data, err := blob.Get(ctx, key)
	require.NoError(t, err)
	tampered := strings.Replace(string(data), `"running"`, `"stopped"`, 1)
	require.NotEqual(t, string(data), tampered)
	require.NoError(t, blob.Put(ctx, key, []byte(tampered)))

	_, err = store.Read(ctx, key)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIntegrity)
}

func TestListFiltersByAccountAndTime(t *testing.T) {
	ctx := context.Background()
	blob := storage.NewLocalStore(t.TempDir())

	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return at }
	store := NewStore(blob, WithClock(clock))

	for i := 0; i < 3; i++ {
		_, _, err := store.Write(ctx, "111122223333", nil, nil)
		require.NoError(t, err)
		at = at.AddDate(0, 0, 7)
	}
	_, _, err := store.Write(ctx, "444455556666", nil, nil)
	require.NoError(t, err)

	all, err := store.List(ctx, "111122223333", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
	for _, e := range all {
		assert.Equal(t, "111122223333", e.AccountID)
	}

	// only the middle snapshot falls inside the window
	from := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 1, 12, 0, 0, 0, 0, time.UTC)
	windowed, err := store.List(ctx, "111122223333", from, to)
	require.NoError(t, err)
	require.Len(t, windowed, 1)
	assert.Equal(t, time.Date(2026, 1, 8, 0, 0, 0, 0, time.UTC), windowed[0].CreatedAt)
}

func TestLatest(t *testing.T) {
	ctx := context.Background()
	blob := storage.NewLocalStore(t.TempDir())

	at := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	store := NewStore(blob, WithClock(func() time.Time { return at }))

	_, _, err := store.Latest(ctx, "111122223333")
	assert.ErrorIs(t, err, ErrNoSnapshots)

	_, _, err = store.Write(ctx, "111122223333", nil, nil)
	require.NoError(t, err)
	at = at.AddDate(0, 0, 1)
	want := fixtureResources()
	_, wantKey, err := store.Write(ctx, "111122223333", nil, want)
	require.NoError(t, err)

	snap, key, err := store.Latest(ctx, "111122223333")
	require.NoError(t, err)
	assert.Equal(t, wantKey, key)
	assert.Len(t, snap.Resources, 3)
}

func TestPruneExplicitRetention(t *testing.T) {
	ctx := context.Background()
	blob := storage.NewLocalStore(t.TempDir())

	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store := NewStore(blob, WithClock(func() time.Time { return at }))

	_, oldKey, err := store.Write(ctx, "111122223333", nil, nil)
	require.NoError(t, err)

	at = at.AddDate(0, 0, 45)
	_, newKey, err := store.Write(ctx, "111122223333", nil, nil)
	require.NoError(t, err)

	removed, err := store.Prune(ctx, "111122223333", 30)
	require.NoError(t, err)
	assert.Equal(t, []string{oldKey}, removed)

	entries, err := store.List(ctx, "111122223333", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, newKey, entries[0].Key)
}
