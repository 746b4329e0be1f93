package safety

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify_PrefixTables(t *testing.T) {
	g := NewGate()

	cases := []struct {
		op   string
		want Decision
	}{
		{"DescribeInstances", DecisionReadOnly},
		{"GetBucketLocation", DecisionReadOnly},
		{"ListFunctions", DecisionReadOnly},
		{"HeadBucket", DecisionReadOnly},
		{"Query", DecisionReadOnly},
		{"Scan", DecisionReadOnly},
		{"BatchGetItem", DecisionReadOnly},
		{"LookupEvents", DecisionReadOnly},
		{"SelectObjectContent", DecisionReadOnly},
		{"CreateBucket", DecisionMutating},
		{"UpdateTable", DecisionMutating},
		{"DeleteVolume", DecisionMutating},
		{"PutObject", DecisionMutating},
		{"ModifyInstanceAttribute", DecisionMutating},
		{"AttachVolume", DecisionMutating},
		{"DetachVolume", DecisionMutating},
		{"AssociateAddress", DecisionMutating},
		{"DisassociateAddress", DecisionMutating},
		{"StartInstances", DecisionMutating},
		{"StopInstances", DecisionMutating},
		{"RebootInstances", DecisionMutating},
		{"TerminateInstances", DecisionMutating},
		{"RunInstances", DecisionMutating},
		{"RevokeSecurityGroupIngress", DecisionMutating},
		{"AuthorizeSecurityGroupIngress", DecisionMutating},
		{"EnableKeyRotation", DecisionMutating},
		{"DisableKeyRotation", DecisionMutating},
		{"AssumeRole", DecisionUnknown},
		{"InvokeFunction", DecisionUnknown},
		{"", DecisionUnknown},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, g.Classify("EC2", tc.op), "op %q", tc.op)
	}
}

func TestClassify_AllowListBeatsPrefixes(t *testing.T) {
	g := NewGate(WithUploadAllowance("S3:PutObject"))

	// The opt-in allowance is scoped to exactly one service:operation pair.
	assert.Equal(t, DecisionReadOnly, g.Classify("S3", "PutObject"))
	assert.Equal(t, DecisionMutating, g.Classify("EC2", "PutObject"))
	assert.Equal(t, DecisionMutating, g.Classify("S3", "PutBucketPolicy"))
}

func TestClassify_Totality(t *testing.T) {
	g := NewGate()
	for _, op := range []string{"DescribeX", "CreateX", "FrobnicateX", "x", ""} {
		d := g.Classify("Svc", op)
		if d != DecisionReadOnly && d != DecisionMutating && d != DecisionUnknown {
			t.Fatalf("Classify(%q) returned %q, not one of the three decisions", op, d)
		}
	}
}

func TestRegisterOps_FrozenAfterFreeze(t *testing.T) {
	g := NewGate()
	require.NoError(t, g.RegisterOps("EC2", "DescribeInstances"))
	g.Freeze()
	assert.Error(t, g.RegisterOps("EC2", "TerminateInstances"))
	// What made it in before the freeze still classifies.
	assert.Equal(t, DecisionReadOnly, g.Classify("EC2", "DescribeInstances"))
	assert.Equal(t, DecisionMutating, g.Classify("EC2", "TerminateInstances"))
}

func TestGuard_BlocksMutatingAndAudits(t *testing.T) {
	g := NewGate()
	invoked := false

	err := g.Guard(context.Background(), "EC2", "TerminateInstances", func(ctx context.Context) error {
		invoked = true
		return nil
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrViolation))
	assert.False(t, invoked, "blocked call must never reach the SDK")
	assert.Equal(t, 1, g.Violations())
	assert.True(t, g.Exceeded(), "default threshold 0 aborts on the first violation")

	audit := g.Audit()
	require.Len(t, audit, 1)
	assert.Equal(t, "EC2", audit[0].Service)
	assert.Equal(t, "TerminateInstances", audit[0].Operation)
	assert.Equal(t, DecisionMutating, audit[0].Decision)
}

func TestGuard_BlocksUnknown(t *testing.T) {
	g := NewGate()
	err := g.Guard(context.Background(), "Lambda", "Invoke", func(ctx context.Context) error { return nil })
	require.Error(t, err)

	var verr *ViolationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, DecisionUnknown, verr.Decision)
}

func TestGuard_AllowsReadOnlyAndCounts(t *testing.T) {
	g := NewGate()
	calls := 0
	for i := 0; i < 3; i++ {
		err := g.Guard(context.Background(), "EC2", "DescribeInstances", func(ctx context.Context) error {
			calls++
			return nil
		})
		require.NoError(t, err)
	}
	assert.Equal(t, 3, calls)
	assert.Equal(t, int64(3), g.Calls())
	assert.Equal(t, 0, g.Violations())
	assert.False(t, g.Exceeded())
	assert.Len(t, g.Audit(), 3)
}

func TestGuard_ViolationThreshold(t *testing.T) {
	g := NewGate(WithViolationThreshold(2))
	for i := 0; i < 2; i++ {
		_ = g.Guard(context.Background(), "EC2", "DeleteVolume", func(ctx context.Context) error { return nil })
	}
	assert.False(t, g.Exceeded(), "two violations are within a threshold of 2")

	_ = g.Guard(context.Background(), "EC2", "DeleteVolume", func(ctx context.Context) error { return nil })
	assert.True(t, g.Exceeded())
}

func TestGuard_OperationTimeout(t *testing.T) {
	g := NewGate(WithOperationTimeout(30 * time.Millisecond))

	err := g.Guard(context.Background(), "S3", "GetBucketLocation", func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
			return nil
		}
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Contains(t, err.Error(), "timed out")
	// A timeout is not a safety violation.
	assert.Equal(t, 0, g.Violations())
}

func TestGuard_ParentCancellationNotRelabelled(t *testing.T) {
	g := NewGate(WithOperationTimeout(5 * time.Second))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := g.Guard(ctx, "S3", "ListBuckets", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "timed out")
}
