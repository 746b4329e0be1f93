package awsx

import (
	"fmt"
	"os"

	yaml "gopkg.in/yaml.v2"
)

// accountsFile is the multi-account manifest layout:
//
//	accounts:
//	  - account_id: "111111111111"
//	    profile: prod
//	    regions: [us-east-1, eu-west-1]
//	  - account_id: "222222222222"
//	    role_arn: arn:aws:iam::222222222222:role/Auditor
//	    external_id: org-audit
type accountsFile struct {
	Accounts []AccountDescriptor `yaml:"accounts"`
}

// LoadAccountsFile reads a multi-account manifest. Entries that omit source
// get it inferred from the credential fields they do set.
func LoadAccountsFile(path string) ([]AccountDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("awsx: read accounts file: %w", err)
	}
	var f accountsFile
	if err := yaml.UnmarshalStrict(data, &f); err != nil {
		return nil, fmt.Errorf("awsx: parse accounts file %s: %w", path, err)
	}
	if len(f.Accounts) == 0 {
		return nil, fmt.Errorf("awsx: accounts file %s lists no accounts", path)
	}
	for i := range f.Accounts {
		if f.Accounts[i].Source == "" {
			f.Accounts[i].Source = inferSource(&f.Accounts[i])
		}
	}
	return f.Accounts, nil
}

func inferSource(desc *AccountDescriptor) CredentialSource {
	switch {
	case desc.RoleARN != "":
		return CredentialAssumeRole
	case desc.Profile != "":
		return CredentialProfile
	case desc.AccessKeyID != "":
		return CredentialStatic
	}
	return CredentialDefault
}
