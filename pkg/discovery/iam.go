package discovery

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"

	"github.com/inventag/inventag/pkg/awsx"
	"github.com/inventag/inventag/pkg/inventory"
)

// IAMHandler lists roles and users. ListRoles does not return tags, so each
// kept role gets a ListRoleTags call. Service-linked roles are AWS-managed
// plumbing and are suppressed unless managed resources are requested.
type IAMHandler struct{}

func (*IAMHandler) Service() string { return "IAM" }
func (*IAMHandler) Global() bool    { return true }

func (*IAMHandler) Ops() []string {
	return []string{"ListRoles", "ListUsers", "ListRoleTags"}
}

func (h *IAMHandler) Discover(ctx context.Context, dc *Context) ([]inventory.Resource, error) {
	roles, rerr := h.roles(ctx, dc)
	users, uerr := h.users(ctx, dc)
	return append(roles, users...), errors.Join(rerr, uerr)
}

func (h *IAMHandler) roles(ctx context.Context, dc *Context) ([]inventory.Resource, error) {
	var out []inventory.Resource
	var errs []error

	p := iam.NewListRolesPaginator(dc.Clients.IAM, &iam.ListRolesInput{})
	for p.HasMorePages() {
		var page *iam.ListRolesOutput
		err := guard(ctx, dc, "IAM", "ListRoles", func(ctx context.Context) error {
			var err error
			page, err = p.NextPage(ctx)
			return err
		})
		if err != nil {
			return out, errors.Join(append(errs, err)...)
		}
		for _, r := range page.Roles {
			if !dc.IncludeManaged && strings.HasPrefix(aws.ToString(r.Path), "/aws-service-role/") {
				dc.Exclude(1)
				continue
			}
			name := aws.ToString(r.RoleName)

			attrs := map[string]any{
				"path":    aws.ToString(r.Path),
				"role_id": aws.ToString(r.RoleId),
			}
			if r.MaxSessionDuration != nil {
				attrs["max_session_duration"] = int(*r.MaxSessionDuration)
			}
			if d := aws.ToString(r.Description); d != "" {
				attrs["description"] = d
			}

			tags, err := h.roleTags(ctx, dc, name)
			if err != nil && !awsx.IsAccessDenied(err) && !awsx.IsNotFound(err) {
				errs = append(errs, fmt.Errorf("role %s: %w", name, err))
			}
			out = append(out, inventory.Resource{
				ARN:               aws.ToString(r.Arn),
				ID:                name,
				Service:           "IAM",
				Type:              "Role",
				Region:            dc.Region,
				AccountID:         dc.AccountID,
				Name:              name,
				Tags:              tags,
				CreatedAt:         r.CreateDate,
				DiscoveredVia:     via("IAM", "ListRoles"),
				Priority:          inventory.PriorityPrimary,
				ServiceAttributes: attrs,
			})
		}
	}
	return out, errors.Join(errs...)
}

func (h *IAMHandler) roleTags(ctx context.Context, dc *Context, name string) (map[string]string, error) {
	var tags []iamtypes.Tag
	p := iam.NewListRoleTagsPaginator(dc.Clients.IAM, &iam.ListRoleTagsInput{RoleName: aws.String(name)})
	for p.HasMorePages() {
		var page *iam.ListRoleTagsOutput
		err := guard(ctx, dc, "IAM", "ListRoleTags", func(ctx context.Context) error {
			var err error
			page, err = p.NextPage(ctx)
			return err
		})
		if err != nil {
			return nil, err
		}
		tags = append(tags, page.Tags...)
	}
	if len(tags) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(tags))
	for _, t := range tags {
		out[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
	return out, nil
}

func (h *IAMHandler) users(ctx context.Context, dc *Context) ([]inventory.Resource, error) {
	var out []inventory.Resource
	p := iam.NewListUsersPaginator(dc.Clients.IAM, &iam.ListUsersInput{})
	for p.HasMorePages() {
		var page *iam.ListUsersOutput
		err := guard(ctx, dc, "IAM", "ListUsers", func(ctx context.Context) error {
			var err error
			page, err = p.NextPage(ctx)
			return err
		})
		if err != nil {
			return out, err
		}
		for _, u := range page.Users {
			name := aws.ToString(u.UserName)

			attrs := map[string]any{
				"path":    aws.ToString(u.Path),
				"user_id": aws.ToString(u.UserId),
			}
			if u.PasswordLastUsed != nil {
				attrs["password_last_used"] = u.PasswordLastUsed.UTC().Format("2006-01-02T15:04:05Z")
			}
			out = append(out, inventory.Resource{
				ARN:               aws.ToString(u.Arn),
				ID:                name,
				Service:           "IAM",
				Type:              "User",
				Region:            dc.Region,
				AccountID:         dc.AccountID,
				Name:              name,
				CreatedAt:         u.CreateDate,
				DiscoveredVia:     via("IAM", "ListUsers"),
				Priority:          inventory.PriorityPrimary,
				ServiceAttributes: attrs,
			})
		}
	}
	return out, nil
}
