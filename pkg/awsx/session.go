package awsx

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsmiddleware "github.com/aws/aws-sdk-go-v2/aws/middleware"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go/middleware"

	"github.com/inventag/inventag/pkg/safety"
	"github.com/inventag/inventag/pkg/version"
)

// CredentialSource selects how an account authenticates.
type CredentialSource string

const (
	CredentialDefault    CredentialSource = "default"
	CredentialStatic     CredentialSource = "static"
	CredentialProfile    CredentialSource = "profile"
	CredentialAssumeRole CredentialSource = "assume_role"
)

// AccountDescriptor names one account scope for a run: how to reach it and
// which slices of it to scan. Empty Regions/Services mean "all".
type AccountDescriptor struct {
	AccountID       string            `json:"account_id" yaml:"account_id"`
	Name            string            `json:"name,omitempty" yaml:"name,omitempty"`
	Source          CredentialSource  `json:"source,omitempty" yaml:"source,omitempty"`
	Profile         string            `json:"profile,omitempty" yaml:"profile,omitempty"`
	AccessKeyID     string            `json:"access_key_id,omitempty" yaml:"access_key_id,omitempty"`
	SecretAccessKey string            `json:"secret_access_key,omitempty" yaml:"secret_access_key,omitempty"`
	SessionToken    string            `json:"session_token,omitempty" yaml:"session_token,omitempty"`
	RoleARN         string            `json:"role_arn,omitempty" yaml:"role_arn,omitempty"`
	ExternalID      string            `json:"external_id,omitempty" yaml:"external_id,omitempty"`
	Regions         []string          `json:"regions,omitempty" yaml:"regions,omitempty"`
	Services        []string          `json:"services,omitempty" yaml:"services,omitempty"`
	TagFilter       map[string]string `json:"tag_filter,omitempty" yaml:"tag_filter,omitempty"`
}

// IdentityType is derived from the caller ARN shape.
type IdentityType string

const (
	IdentityUser        IdentityType = "user"
	IdentityAssumedRole IdentityType = "assumed-role"
	IdentityFederated   IdentityType = "federated"
	IdentityRoot        IdentityType = "root"
	IdentityUnknown     IdentityType = "unknown"
)

// Identity is the resolved caller for an account session.
type Identity struct {
	AccountID string       `json:"account_id"`
	ARN       string       `json:"arn"`
	UserID    string       `json:"user_id,omitempty"`
	Type      IdentityType `json:"type"`
}

// Session is an authenticated account context. All clients minted from it
// carry the read-only gate middleware, the retry policy, and the product
// user agent.
type Session struct {
	Account  AccountDescriptor
	Identity Identity

	cfg     aws.Config
	gate    *safety.Gate
	factory Factory
	logger  *slog.Logger

	mu       sync.Mutex
	regional map[string]*ClientSet
}

// SessionOption tweaks session construction.
type SessionOption func(*sessionConfig)

type sessionConfig struct {
	factory    Factory
	logger     *slog.Logger
	maxRetries int
	endpoint   string
}

// WithFactory injects a client factory, used by tests to substitute spies.
func WithFactory(f Factory) SessionOption {
	return func(c *sessionConfig) { c.factory = f }
}

// WithSessionLogger sets the structured logger for session events.
func WithSessionLogger(l *slog.Logger) SessionOption {
	return func(c *sessionConfig) { c.logger = l }
}

// WithMaxRetries overrides the throttle retry budget.
func WithMaxRetries(n int) SessionOption {
	return func(c *sessionConfig) {
		if n > 0 {
			c.maxRetries = n
		}
	}
}

// WithEndpoint forces a base endpoint, bypassing the AWS_ENDPOINT_URL probe.
// Used against localstack.
func WithEndpoint(url string) SessionOption {
	return func(c *sessionConfig) { c.endpoint = url }
}

// NewSession resolves credentials for one account descriptor and wires the
// safety gate into every client built from it. No API call is made yet;
// call VerifyIdentity to confirm the credentials actually work.
func NewSession(ctx context.Context, desc AccountDescriptor, gate *safety.Gate, opts ...SessionOption) (*Session, error) {
	if gate == nil {
		return nil, fmt.Errorf("awsx: session requires a safety gate")
	}
	sc := sessionConfig{
		factory:    NewClientSet,
		logger:     slog.Default(),
		maxRetries: DefaultMaxRetries,
		endpoint:   os.Getenv("AWS_ENDPOINT_URL"),
	}
	for _, opt := range opts {
		opt(&sc)
	}

	loadOpts := []func(*config.LoadOptions) error{
		config.WithRetryer(func() aws.Retryer { return NewRetryer(sc.maxRetries) }),
		config.WithAPIOptions([]func(*middleware.Stack) error{
			awsmiddleware.AddUserAgentKeyValue(strings.ToLower(version.AppName), version.Current),
			gate.Middleware(),
		}),
	}
	if sc.endpoint != "" {
		loadOpts = append(loadOpts, config.WithBaseEndpoint(sc.endpoint))
	}

	switch desc.Source {
	case CredentialStatic:
		if desc.AccessKeyID == "" || desc.SecretAccessKey == "" {
			return nil, fmt.Errorf("awsx: account %s: static credentials missing key material", desc.AccountID)
		}
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(desc.AccessKeyID, desc.SecretAccessKey, desc.SessionToken)))
	case CredentialProfile:
		if desc.Profile == "" {
			return nil, fmt.Errorf("awsx: account %s: profile source without a profile name", desc.AccountID)
		}
		loadOpts = append(loadOpts, config.WithSharedConfigProfile(desc.Profile))
	case CredentialAssumeRole:
		if desc.RoleARN == "" {
			return nil, fmt.Errorf("awsx: account %s: assume_role source without role_arn", desc.AccountID)
		}
	case CredentialDefault, "":
		// ambient chain: env, shared config, IMDS
	default:
		return nil, fmt.Errorf("awsx: account %s: unknown credential source %q", desc.AccountID, desc.Source)
	}

	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("awsx: load config for account %s: %w", desc.AccountID, err)
	}
	if cfg.Region == "" {
		cfg.Region = DefaultRegion
	}

	if desc.Source == CredentialAssumeRole {
		stsClient := sts.NewFromConfig(cfg)
		provider := stscreds.NewAssumeRoleProvider(stsClient, desc.RoleARN, func(o *stscreds.AssumeRoleOptions) {
			o.RoleSessionName = sessionName(desc)
			if desc.ExternalID != "" {
				o.ExternalID = aws.String(desc.ExternalID)
			}
		})
		cfg.Credentials = aws.NewCredentialsCache(provider)
	}

	return &Session{
		Account:  desc,
		cfg:      cfg,
		gate:     gate,
		factory:  sc.factory,
		logger:   sc.logger,
		regional: make(map[string]*ClientSet),
	}, nil
}

func sessionName(desc AccountDescriptor) string {
	if desc.AccountID != "" {
		return "inventag-" + desc.AccountID
	}
	return "inventag-scan"
}

// VerifyIdentity calls STS GetCallerIdentity through the gate and pins the
// resolved identity on the session. A descriptor account_id that disagrees
// with the live identity is an error: scanning the wrong account silently
// is worse than failing loudly.
func (s *Session) VerifyIdentity(ctx context.Context) (Identity, error) {
	var out *sts.GetCallerIdentityOutput
	err := s.gate.Guard(ctx, "STS", "GetCallerIdentity", func(ctx context.Context) error {
		var callErr error
		out, callErr = s.Clients(s.cfg.Region).STS.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
		return callErr
	})
	if err != nil {
		return Identity{}, fmt.Errorf("awsx: verify identity: %w", err)
	}

	id := Identity{
		AccountID: aws.ToString(out.Account),
		ARN:       aws.ToString(out.Arn),
		UserID:    aws.ToString(out.UserId),
	}
	id.Type = classifyIdentity(id.ARN)

	if s.Account.AccountID != "" && s.Account.AccountID != id.AccountID {
		return Identity{}, fmt.Errorf("awsx: credentials resolve to account %s, descriptor says %s", id.AccountID, s.Account.AccountID)
	}
	s.Identity = id
	s.logger.Info("identity verified",
		slog.String("account_id", id.AccountID),
		slog.String("identity_type", string(id.Type)),
	)
	return id, nil
}

func classifyIdentity(arn string) IdentityType {
	switch {
	case strings.Contains(arn, ":assumed-role/"):
		return IdentityAssumedRole
	case strings.Contains(arn, ":federated-user/"):
		return IdentityFederated
	case strings.HasSuffix(arn, ":root"):
		return IdentityRoot
	case strings.Contains(arn, ":user/"):
		return IdentityUser
	default:
		return IdentityUnknown
	}
}

// Clients returns the per-region client set, building it on first use.
// The base config is copied so regional overrides never leak across
// goroutines sharing the session.
func (s *Session) Clients(region string) *ClientSet {
	if region == "" || region == GlobalRegion {
		region = s.cfg.Region
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cs, ok := s.regional[region]; ok {
		return cs
	}
	cfg := s.cfg.Copy()
	cfg.Region = region
	cs := s.factory(cfg)
	s.regional[region] = cs
	return cs
}

// Config exposes the base config for callers that mint their own clients,
// like the snapshot uploader.
func (s *Session) Config() aws.Config { return s.cfg }

// Gate returns the safety gate shared by this session's clients.
func (s *Session) Gate() *safety.Gate { return s.gate }
