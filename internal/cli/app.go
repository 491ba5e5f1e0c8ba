// Package cli is the dock-pulp command surface. It is the only layer that
// catches errors, logs them and maps them to exit codes.
package cli

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/release-engineering/dockpulp/internal/common"
	"github.com/release-engineering/dockpulp/internal/config"
	"github.com/release-engineering/dockpulp/internal/pulp"
	"github.com/release-engineering/dockpulp/pkg/logger"
)

// Default locations of the operator-maintained files.
const (
	DefaultConfigFile       = "/etc/dockpulp.conf"
	DefaultDistributorsFile = "/etc/dockpulp-distributors.json"
	DefaultDistributionFile = "/etc/dockpulp-distribution.json"
)

// App carries the global flags and the lazily constructed client.
type App struct {
	ConfigFile       string
	DistributorsFile string
	DistributionFile string
	Server           string
	CertPath         string
	KeyPath          string
	Debug            bool
	InsecureTLS      bool

	client  *pulp.Client
	session *pulp.Session
}

// Client builds (once) the pulp client for the selected environment,
// picking up credentials from the flags or from ~/.pulp.
func (a *App) Client() (*pulp.Client, error) {
	if a.client != nil {
		return a.client, nil
	}
	if a.Server == "" {
		return nil, common.Errorf(common.ErrConfig, "no environment selected, use --server")
	}

	env, err := config.LoadEnvironment(a.ConfigFile, a.Server)
	if err != nil {
		return nil, err
	}

	opts := []pulp.Option{}
	if templates, err := config.LoadDistributors(a.DistributorsFile); err == nil {
		opts = append(opts, pulp.WithDistributors(templates))
	} else {
		logger.Debug("no distributor templates loaded", "file", a.DistributorsFile, "error", err)
	}
	if policies, err := config.LoadDistributionPolicies(a.DistributionFile); err == nil {
		opts = append(opts, pulp.WithDistributionPolicies(policies))
	} else if env.DistributionEnabled {
		return nil, err
	}
	if a.InsecureTLS {
		opts = append(opts, pulp.WithInsecureTLS())
	}

	if session := a.findSession(); session != nil {
		opts = append(opts, pulp.WithSession(session))
	}

	a.client = pulp.NewClient(env, opts...)
	return a.client, nil
}

// findSession resolves credentials: explicit flags first, then the
// persisted ~/.pulp pair.
func (a *App) findSession() *pulp.Session {
	if a.CertPath != "" && a.KeyPath != "" {
		return pulp.LoadSession(a.CertPath, a.KeyPath)
	}
	dir, err := pulp.DefaultCredDir()
	if err != nil {
		return nil
	}
	cert := filepath.Join(dir, pulp.CertFile)
	key := filepath.Join(dir, pulp.KeyFile)
	if _, err := os.Stat(cert); err != nil {
		return nil
	}
	if _, err := os.Stat(key); err != nil {
		return nil
	}
	return pulp.LoadSession(cert, key)
}

// Close releases the session temp directory, if the process owns one.
func (a *App) Close() {
	if a.session != nil {
		if err := a.session.Close(); err != nil {
			logger.Warn("failed to clean session dir", "error", err)
		}
	}
}

// exitError carries a specific exit code through the cobra error path.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

// ExitCode maps an error to the process exit code: 0 success, 2 usage
// errors, 3-5 upload precheck results (carried by exitError), 1 otherwise.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	if isUsageError(err) {
		return 2
	}
	return 1
}

// isUsageError recognizes cobra's own parse and arg-count failures, which
// carry no type of their own.
func isUsageError(err error) bool {
	msg := err.Error()
	for _, prefix := range []string{
		"unknown command",
		"unknown flag",
		"unknown shorthand flag",
		"invalid argument",
		"accepts ",
		"requires at least",
	} {
		if strings.HasPrefix(msg, prefix) {
			return true
		}
	}
	return false
}
