//go:build e2e

package e2e

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/localstack"
)

const localstackImage = "localstack/localstack:3.0"

// endpointURL points the engine and every seeding client at the container.
var endpointURL string

// TestMain brings its own cloud: one LocalStack container shared by the
// whole suite. Requires Docker.
func TestMain(m *testing.M) {
	ctx := context.Background()

	container, err := localstack.Run(ctx, localstackImage)
	if err != nil {
		fmt.Printf("failed to start localstack: %v\n", err)
		os.Exit(1)
	}

	endpoint, err := container.PortEndpoint(ctx, "4566/tcp", "")
	if err != nil {
		fmt.Printf("failed to resolve localstack endpoint: %v\n", err)
		_ = testcontainers.TerminateContainer(container)
		os.Exit(1)
	}
	endpointURL = "http://" + endpoint

	// The engine resolves credentials through the default chain; these
	// fakes satisfy it without a real account in reach.
	os.Setenv("AWS_ACCESS_KEY_ID", "test")
	os.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	os.Setenv("AWS_REGION", "us-east-1")
	os.Setenv("AWS_EC2_METADATA_DISABLED", "true")

	code := m.Run()

	if err := testcontainers.TerminateContainer(container); err != nil {
		fmt.Printf("failed to terminate container: %v\n", err)
	}
	os.Exit(code)
}
