// Package config resolves per-environment endpoints, distributor templates
// and distribution policies from the operator-maintained files.
package config

import (
	"strconv"
	"strings"

	"github.com/spf13/viper"

	"github.com/release-engineering/dockpulp/internal/common"
)

const defaultRetries = 2

// Environment is a named deployment resolved from the INI file. It is
// immutable after load; the one mutation the client performs (the release
// order switch after version negotiation) happens on a copy it owns.
type Environment struct {
	Name        string
	PulpURL     string
	RegistryURL string
	FilerURL    string

	RedirectRequired bool
	Distributors     []string
	ReleaseOrder     []string
	SigReleaseOrder  []string
	Retries          int

	Signatures    map[string]string
	SigExceptions map[string]bool

	SwitchVer     string
	SwitchRelease []string

	DistributionEnabled bool
}

// LoadEnvironment reads the INI configuration file and resolves the named
// environment. Missing required sections or an unknown environment name are
// config errors.
func LoadEnvironment(file, name string) (*Environment, error) {
	v := viper.New()
	v.SetConfigFile(file)
	v.SetConfigType("ini")
	if err := v.ReadInConfig(); err != nil {
		return nil, &common.Error{Kind: common.ErrConfig, Message: "cannot read config file " + file, Err: err}
	}
	return environmentFrom(v, name)
}

func environmentFrom(v *viper.Viper, name string) (*Environment, error) {
	// viper lowercases all keys, including environment names.
	key := strings.ToLower(name)

	env := &Environment{
		Name:          name,
		Retries:       defaultRetries,
		Signatures:    map[string]string{},
		SigExceptions: map[string]bool{},
	}

	for _, section := range []string{"pulps", "registries", "filers"} {
		m := v.GetStringMapString(section)
		if len(m) == 0 {
			return nil, common.Errorf(common.ErrConfig, "config file has no [%s] section", section)
		}
		url, ok := m[key]
		if !ok {
			return nil, common.Errorf(common.ErrConfig, "environment %q not defined in [%s]", name, section)
		}
		switch section {
		case "pulps":
			env.PulpURL = strings.TrimRight(url, "/")
		case "registries":
			env.RegistryURL = strings.TrimRight(url, "/")
		case "filers":
			env.FilerURL = strings.TrimRight(url, "/")
		}
	}

	if redirect, ok := v.GetStringMapString("redirect")[key]; ok {
		env.RedirectRequired = parseYes(redirect)
	}
	if d, ok := v.GetStringMapString("distributors")[key]; ok {
		env.Distributors = splitCSV(d)
	}
	if r, ok := v.GetStringMapString("release_order")[key]; ok {
		env.ReleaseOrder = splitCSV(r)
	}
	if r, ok := v.GetStringMapString("sig_release_order")[key]; ok {
		env.SigReleaseOrder = splitCSV(r)
	}
	if r, ok := v.GetStringMapString("retries")[key]; ok {
		n, err := strconv.Atoi(strings.TrimSpace(r))
		if err != nil {
			return nil, common.Errorf(common.ErrConfig, "bad retries value %q for %s", r, name)
		}
		env.Retries = n
	}
	for algo, sig := range v.GetStringMapString("signatures") {
		env.Signatures[algo] = sig
	}
	// The exception list shows up as a csv in some deployments and as a
	// repeated list in others; canonicalize to a set either way.
	if ex, ok := v.GetStringMapString("sig_exception")[key]; ok {
		for _, id := range splitCSV(ex) {
			env.SigExceptions[id] = true
		}
	}
	if sv, ok := v.GetStringMapString("switch_ver")[key]; ok {
		env.SwitchVer = strings.TrimSpace(sv)
	}
	if sr, ok := v.GetStringMapString("switch_release")[key]; ok {
		env.SwitchRelease = splitCSV(sr)
	}
	if d, ok := v.GetStringMapString("distribution")[key]; ok {
		env.DistributionEnabled = parseYes(d)
	}

	return env, nil
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseYes(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes", "true", "1", "on":
		return true
	}
	return false
}
