package enrich

import "github.com/inventag/inventag/pkg/inventory"

// Signal weights for confidence scoring. The denominator is the sum of all
// weights, so a resource with every signal present scores exactly 1.0.
const (
	weightID          = 2.5
	weightName        = 2.0
	weightARN         = 1.5
	weightCorrectType = 1.5
	weightTags        = 1.0
	weightStatus      = 0.5
	weightCreatedAt   = 0.5
	weightVPCInfo     = 0.5
	weightSGInfo      = 0.5
	weightAccountID   = 0.5

	weightTotal = weightID + weightName + weightARN + weightCorrectType +
		weightTags + weightStatus + weightCreatedAt + weightVPCInfo +
		weightSGInfo + weightAccountID
)

// genericTypes are placeholders the fallback tier assigns when it cannot
// tell what something is. They earn no type credit.
var genericTypes = map[string]bool{
	"":         true,
	"Resource": true,
	"Unknown":  true,
}

// Score rates identity and metadata completeness in [0, 1].
func Score(res *inventory.Resource) float64 {
	var score float64
	if res.ID != "" {
		score += weightID
	}
	if res.Name != "" {
		score += weightName
	}
	if res.ARN != "" {
		score += weightARN
	}
	if !genericTypes[res.Type] {
		score += weightCorrectType
	}
	if len(res.Tags) > 0 {
		score += weightTags
	}
	if res.State != "" {
		score += weightStatus
	}
	if res.CreatedAt != nil {
		score += weightCreatedAt
	}
	if res.VPCID != "" || len(res.SubnetIDs) > 0 {
		score += weightVPCInfo
	}
	if len(res.SecurityGroupIDs) > 0 {
		score += weightSGInfo
	}
	if res.AccountID != "" {
		score += weightAccountID
	}
	return score / weightTotal
}
