package awsx

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

var profileHeader = regexp.MustCompile(`^\[(?:profile\s+)?([^\]]+)\]`)

// ListProfiles discovers profile names from the shared AWS config and
// credentials files, honoring the standard override env vars. Multi-account
// scans use this to turn "scan everything I have creds for" into concrete
// account descriptors.
func ListProfiles() ([]string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	var paths []string
	if cfgPath := os.Getenv("AWS_CONFIG_FILE"); cfgPath != "" {
		paths = append(paths, cfgPath)
	} else {
		paths = append(paths, filepath.Join(home, ".aws", "config"))
	}
	if credPath := os.Getenv("AWS_SHARED_CREDENTIALS_FILE"); credPath != "" {
		paths = append(paths, credPath)
	} else {
		paths = append(paths, filepath.Join(home, ".aws", "credentials"))
	}

	profiles := make(map[string]bool)
	for _, path := range paths {
		content, err := os.ReadFile(path)
		if err != nil {
			continue // missing file is not an error
		}
		for _, line := range strings.Split(string(content), "\n") {
			line = strings.TrimSpace(line)
			if m := profileHeader.FindStringSubmatch(line); len(m) > 1 {
				profiles[m[1]] = true
			}
		}
	}

	list := make([]string, 0, len(profiles))
	for p := range profiles {
		list = append(list, p)
	}
	sort.Strings(list)

	if len(list) == 0 {
		// Web identity (IRSA) and bare env credentials both resolve
		// through the default chain.
		if os.Getenv("AWS_WEB_IDENTITY_TOKEN_FILE") != "" || os.Getenv("AWS_ACCESS_KEY_ID") != "" {
			return []string{"default"}, nil
		}
		return nil, fmt.Errorf("awsx: no profiles found in standard locations")
	}
	return list, nil
}

// DescriptorsFromProfiles maps discovered profile names onto account
// descriptors, one scan scope per profile.
func DescriptorsFromProfiles(profiles []string) []AccountDescriptor {
	descs := make([]AccountDescriptor, 0, len(profiles))
	for _, p := range profiles {
		descs = append(descs, AccountDescriptor{
			Name:    p,
			Source:  CredentialProfile,
			Profile: p,
		})
	}
	return descs
}
