package config

import (
	"encoding/json"
	"os"

	"github.com/release-engineering/dockpulp/internal/common"
)

// DistributorTemplate is one named entry of the distributor template file.
// Per-repo values (registry id, redirect url, protection) are applied on top
// of Config by the repository manager.
type DistributorTemplate struct {
	DistributorTypeID string                 `json:"distributor_type_id"`
	DistributorID     string                 `json:"distributor_id"`
	Config            map[string]interface{} `json:"distributor_config"`
	AutoPublish       bool                   `json:"auto_publish"`
}

// LoadDistributors reads the JSON distributor template catalog.
func LoadDistributors(file string) (map[string]DistributorTemplate, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, &common.Error{Kind: common.ErrConfig, Message: "cannot read distributor file " + file, Err: err}
	}
	var templates map[string]DistributorTemplate
	if err := json.Unmarshal(data, &templates); err != nil {
		return nil, &common.Error{Kind: common.ErrConfig, Message: "bad distributor file " + file, Err: err}
	}
	return templates, nil
}

// Clone returns a deep copy of the template so per-repo overrides never leak
// back into the catalog.
func (t DistributorTemplate) Clone() DistributorTemplate {
	cfg := make(map[string]interface{}, len(t.Config))
	for k, v := range t.Config {
		cfg[k] = v
	}
	t.Config = cfg
	return t
}
