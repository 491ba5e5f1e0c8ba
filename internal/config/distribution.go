package config

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/release-engineering/dockpulp/internal/common"
)

// DistributionPolicy constrains repos created under a named distribution
// (for example beta or test trees).
type DistributionPolicy struct {
	Signature      string   `json:"signature"`
	NameEnforce    string   `json:"name_enforce"`
	ContentEnforce string   `json:"content_enforce"`
	NameRestrict   []string `json:"name_restrict"`
}

// LoadDistributionPolicies reads the JSON distribution policy file.
func LoadDistributionPolicies(file string) (map[string]DistributionPolicy, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, &common.Error{Kind: common.ErrConfig, Message: "cannot read distribution file " + file, Err: err}
	}
	var policies map[string]DistributionPolicy
	if err := json.Unmarshal(data, &policies); err != nil {
		return nil, &common.Error{Kind: common.ErrConfig, Message: "bad distribution file " + file, Err: err}
	}
	return policies, nil
}

// Validate checks a repo id and content url against the policy.
func (p DistributionPolicy) Validate(repoID, contentURL string) error {
	if p.NameEnforce != "" && !strings.HasSuffix(repoID, p.NameEnforce) {
		return common.Errorf(common.ErrConfig,
			"repo id %q must end with %q for this distribution", repoID, p.NameEnforce)
	}
	for _, suffix := range p.NameRestrict {
		if suffix != p.NameEnforce && strings.HasSuffix(repoID, suffix) {
			return common.Errorf(common.ErrConfig,
				"repo id %q may not end with %q for this distribution", repoID, suffix)
		}
	}
	if p.ContentEnforce != "" && contentURL != "" && !strings.HasPrefix(contentURL, p.ContentEnforce) {
		return common.Errorf(common.ErrConfig,
			"content url %q must start with %q for this distribution", contentURL, p.ContentEnforce)
	}
	return nil
}
