package awsx

import (
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	"github.com/aws/smithy-go"
)

const (
	// DefaultMaxRetries bounds throttle retries per API call.
	DefaultMaxRetries = 5

	// retryBaseDelay .. retryMaxBackoff is the jittered exponential window.
	retryMaxBackoff = 3 * time.Second
)

// throttleCodes are the API error codes the worker pool treats as
// backpressure. The SDK retryer already knows most of these; the pool
// additionally halves its concurrency when it sees one.
var throttleCodes = map[string]bool{
	"Throttling":                             true,
	"ThrottlingException":                    true,
	"ThrottledException":                     true,
	"RequestThrottled":                       true,
	"RequestThrottledException":              true,
	"RequestLimitExceeded":                   true,
	"TooManyRequestsException":               true,
	"SlowDown":                               true,
	"ProvisionedThroughputExceededException": true,
	"TransactionInProgressException":         true,
	"EC2ThrottledException":                  true,
}

// IsThrottle reports whether err is an AWS rate-limit response.
func IsThrottle(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return throttleCodes[apiErr.ErrorCode()]
	}
	return false
}

// IsAccessDenied reports whether err is an authorization failure. These are
// never retried and never fail a whole account: the resource type is
// recorded as a failed scope and the scan moves on.
func IsAccessDenied(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDenied", "AccessDeniedException", "UnauthorizedOperation",
			"UnauthorizedAccess", "AuthorizationError", "Forbidden":
			return true
		}
	}
	return false
}

// IsNotFound reports benign absence errors, like asking a bucket for an
// encryption config it does not have.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchEntity", "NotFoundException", "ResourceNotFoundException",
			"NoSuchTagSet", "NoSuchLifecycleConfiguration", "NoSuchPublicAccessBlockConfiguration",
			"ServerSideEncryptionConfigurationNotFoundError", "ObjectLockConfigurationNotFoundError",
			"NoSuchBucket":
			return true
		}
	}
	return false
}

// NewRetryer builds the standard retryer with a jittered exponential
// backoff capped at three seconds. maxRetries is retries, not attempts.
func NewRetryer(maxRetries int) aws.Retryer {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return retry.NewStandard(func(o *retry.StandardOptions) {
		o.MaxAttempts = maxRetries + 1
		o.MaxBackoff = retryMaxBackoff
		o.Backoff = retry.NewExponentialJitterBackoff(retryMaxBackoff)
	})
}
