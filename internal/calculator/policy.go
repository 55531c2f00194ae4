package calculator

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// PolicySet maps a region to its late fee policy. Regions without an entry
// use Default.
type PolicySet struct {
	Default LateFeePolicy            `yaml:"default"`
	Regions map[string]LateFeePolicy `yaml:"regions"`
}

// DefaultPolicySet returns a set holding only the default policy.
func DefaultPolicySet() PolicySet {
	return PolicySet{Default: DefaultLateFeePolicy()}
}

// For returns the policy of region.
func (s PolicySet) For(region string) LateFeePolicy {
	if p, ok := s.Regions[strings.ToLower(region)]; ok {
		return p
	}
	return s.Default
}

// LoadPolicySet reads a YAML policy file. An empty path yields DefaultPolicySet.
//
//	default:
//	  grace_days: 5
//	  mid_tier_max_days: 12
//	  mid_percent: 5
//	  high_percent: 10
//	regions:
//	  de: {grace_days: 3, mid_tier_max_days: 10, mid_percent: 5, high_percent: 10}
func LoadPolicySet(path string) (PolicySet, error) {
	if path == "" {
		return DefaultPolicySet(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return PolicySet{}, fmt.Errorf("failed to read late fee policy: %w", err)
	}
	return ParsePolicySet(data)
}

// ParsePolicySet decodes a YAML policy document. Missing default fields
// fall back to DefaultLateFeePolicy.
func ParsePolicySet(data []byte) (PolicySet, error) {
	set := DefaultPolicySet()
	if err := yaml.Unmarshal(data, &set); err != nil {
		return PolicySet{}, fmt.Errorf("failed to parse late fee policy: %w", err)
	}
	if err := set.Default.Validate(); err != nil {
		return PolicySet{}, fmt.Errorf("default policy: %w", err)
	}
	normalized := make(map[string]LateFeePolicy, len(set.Regions))
	for region, p := range set.Regions {
		if err := p.Validate(); err != nil {
			return PolicySet{}, fmt.Errorf("policy for region %q: %w", region, err)
		}
		normalized[strings.ToLower(region)] = p
	}
	set.Regions = normalized
	return set, nil
}
