package enrich

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inventag/inventag/pkg/awsx"
	"github.com/inventag/inventag/pkg/inventory"
	"github.com/inventag/inventag/pkg/safety"
)

func testTime() *time.Time {
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return &ts
}

func TestScore(t *testing.T) {
	t.Run("complete resource", func(t *testing.T) {
		res := &inventory.Resource{
			ID:               "i-0abc",
			Name:             "web-1",
			ARN:              "arn:aws:ec2:eu-west-1:123456789012:instance/i-0abc",
			Service:          "EC2",
			Type:             "Instance",
			Region:           "eu-west-1",
			AccountID:        "123456789012",
			Tags:             map[string]string{"Environment": "prod"},
			State:            "running",
			CreatedAt:        testTime(),
			VPCID:            "vpc-1",
			SecurityGroupIDs: []string{"sg-1"},
		}
		assert.InDelta(t, 1.0, Score(res), 1e-9)
	})

	t.Run("identity fields only", func(t *testing.T) {
		res := &inventory.Resource{
			ID:        "orders",
			Name:      "orders",
			ARN:       "arn:aws:dynamodb:eu-west-1:123456789012:table/orders",
			Service:   "DynamoDB",
			Type:      "Table",
			AccountID: "123456789012",
		}
		score := Score(res)
		assert.GreaterOrEqual(t, score, 0.7)
		assert.InDelta(t, 8.0/11.0, score, 1e-9)
	})

	t.Run("generic type earns no credit", func(t *testing.T) {
		res := &inventory.Resource{ID: "x", Type: "Unknown"}
		assert.InDelta(t, 2.5/11.0, Score(res), 1e-9)
	})

	t.Run("zero value", func(t *testing.T) {
		assert.Zero(t, Score(&inventory.Resource{}))
	})
}

func TestCacheEviction(t *testing.T) {
	c := NewCache(2, time.Minute)
	c.Put("a", 1)
	c.Put("b", 2)
	c.Put("c", 3)

	assert.Equal(t, 2, c.Len())
	_, ok := c.Get("a")
	assert.False(t, ok, "oldest entry should be evicted")
	for _, key := range []string{"b", "c"} {
		_, ok := c.Get(key)
		assert.True(t, ok, key)
	}
}

func TestCacheTTL(t *testing.T) {
	c := NewCache(8, time.Minute)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	current := base
	c.now = func() time.Time { return current }

	c.Put("k", "v")
	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", v)

	current = base.Add(2 * time.Minute)
	_, ok = c.Get("k")
	assert.False(t, ok, "entry should expire after the TTL")
	assert.Zero(t, c.Len())
}

// stubHandler lets engine tests script per-resource behavior.
type stubHandler struct {
	service string
	fn      func(ctx context.Context, ec *Context, res *inventory.Resource) error
}

func (h *stubHandler) Service() string                { return h.service }
func (h *stubHandler) Handles(service, _ string) bool { return service == h.service }
func (h *stubHandler) Ops() []string                  { return nil }
func (h *stubHandler) Enrich(ctx context.Context, ec *Context, res *inventory.Resource) error {
	return h.fn(ctx, ec, res)
}

func newTestEngine(gate *safety.Gate, handler Handler) *Engine {
	return NewEngine(
		NewRegistry(nil, handler),
		gate,
		func(string) *awsx.ClientSet { return &awsx.ClientSet{} },
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
}

func TestEngineRecordsErrorsPerResource(t *testing.T) {
	handler := &stubHandler{
		service: "EC2",
		fn: func(_ context.Context, _ *Context, res *inventory.Resource) error {
			if res.ID == "i-bad" {
				return errors.New("boom")
			}
			setAttr(res, "status", "ok")
			return nil
		},
	}
	resources := []inventory.Resource{
		{ID: "i-good", Service: "EC2", Type: "Instance", Region: "eu-west-1", AccountID: "123456789012"},
		{ID: "i-bad", Service: "EC2", Type: "Instance", Region: "eu-west-1", AccountID: "123456789012"},
	}

	failed := newTestEngine(safety.NewGate(), handler).Run(context.Background(), resources)

	assert.Equal(t, 1, failed)
	assert.Empty(t, resources[0].EnrichmentErrors)
	assert.Equal(t, "ok", resources[0].ServiceAttributes["status"])
	require.Len(t, resources[1].EnrichmentErrors, 1)
	assert.Equal(t, "boom", resources[1].EnrichmentErrors[0])

	// Confidence is stamped on every resource, failed or not.
	assert.Greater(t, resources[0].Confidence, 0.0)
	assert.Greater(t, resources[1].Confidence, 0.0)
}

func TestEngineContainsSlowOperations(t *testing.T) {
	gate := safety.NewGate(safety.WithOperationTimeout(30 * time.Millisecond))
	handler := &stubHandler{
		service: "EC2",
		fn: func(ctx context.Context, ec *Context, res *inventory.Resource) error {
			if res.ID == "i-slow" {
				return guardCall(ctx, ec, "EC2", "DescribeInstances", func(ctx context.Context) error {
					<-ctx.Done()
					return ctx.Err()
				})
			}
			setAttr(res, "status", "ok")
			return nil
		},
	}
	resources := []inventory.Resource{
		{ID: "i-slow", Service: "EC2", Type: "Instance", Region: "eu-west-1"},
		{ID: "i-1", Service: "EC2", Type: "Instance", Region: "eu-west-1"},
		{ID: "i-2", Service: "EC2", Type: "Instance", Region: "eu-west-1"},
	}

	failed := newTestEngine(gate, handler).Run(context.Background(), resources)

	assert.Equal(t, 1, failed)
	require.Len(t, resources[0].EnrichmentErrors, 1)
	assert.Contains(t, resources[0].EnrichmentErrors[0], "timed out")
	for _, res := range resources[1:] {
		assert.Empty(t, res.EnrichmentErrors)
		assert.Equal(t, "ok", res.ServiceAttributes["status"])
	}
}

func TestEngineCancelledContext(t *testing.T) {
	handler := &stubHandler{
		service: "EC2",
		fn: func(context.Context, *Context, *inventory.Resource) error {
			t.Error("handler must not run after cancellation")
			return nil
		},
	}
	resources := []inventory.Resource{
		{ID: "i-1", Service: "EC2", Type: "Instance", Region: "eu-west-1"},
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	failed := newTestEngine(safety.NewGate(), handler).Run(ctx, resources)

	assert.Equal(t, 1, failed)
	require.Len(t, resources[0].EnrichmentErrors, 1)
	assert.Contains(t, resources[0].EnrichmentErrors[0], "enrichment skipped")
}
