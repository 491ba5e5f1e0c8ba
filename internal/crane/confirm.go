// Package crane verifies that content published by Pulp is actually
// reachable and bit-exact on the downstream registry and CDN.
package crane

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/release-engineering/dockpulp/internal/config"
	"github.com/release-engineering/dockpulp/internal/pulp"
	"github.com/release-engineering/dockpulp/pkg/logger"
)

// Options selects which rungs of the check ladder run.
type Options struct {
	// CheckLayers pulls every v1 layer and v2 blob and verifies content.
	CheckLayers bool
	// SkipV2 disables the v2 ladder entirely.
	SkipV2 bool
}

// Result is the outcome of confirming a set of repos.
type Result struct {
	Repos     map[string]*RepoResult
	NumErrors int
}

// RepoResult is the per-repo bag of findings.
type RepoResult struct {
	RepoID   string
	DockerID string

	Error     bool
	NumErrors int

	InPulpNotCrane []string
	InCraneNotPulp []string
	MissingLayers  []string

	MissingManifests []string
	MissingBlobs     []string
	MissingTags      []string
	ExtraTags        []string
	CorruptBlobs     []string

	BadSignatures             []string
	MissingSignatureManifests []string

	Checks []Check
}

func (r *RepoResult) fail(n int) {
	if n > 0 {
		r.Error = true
		r.NumErrors += n
	}
}

// Confirmer probes the downstream registry and CDN directly over HTTPS.
type Confirmer struct {
	client *pulp.Client
	env    *config.Environment
	http   *http.Client
}

// NewConfirmer builds a confirmer for the client's environment. Hostname
// verification stays on unless the environment explicitly disables it.
func NewConfirmer(client *pulp.Client, insecure bool) *Confirmer {
	return &Confirmer{
		client: client,
		env:    client.Environment(),
		http: &http.Client{
			Timeout: 2 * time.Minute,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: insecure}, // #nosec G402
			},
		},
	}
}

// ConfirmRepos verifies each repo and aggregates the error count.
func (cf *Confirmer) ConfirmRepos(ctx context.Context, ids []string, opts Options) (*Result, error) {
	views, err := cf.client.ListRepos(ctx, ids, pulp.ListOptions{Content: true, Paginate: true})
	if err != nil {
		return nil, err
	}

	var sigstore *pulp.RepoView
	sigViews, err := cf.client.ListRepos(ctx, []string{pulp.SigstoreRepo}, pulp.ListOptions{Content: true, Paginate: true})
	if err == nil && len(sigViews) == 1 {
		sigstore = sigViews[0]
	} else if err != nil {
		logger.Debug("no sigstore repo, skipping signature checks", "error", err)
	}

	result := &Result{Repos: map[string]*RepoResult{}}
	for _, view := range views {
		if view.ID == pulp.SigstoreRepo || view.ID == pulp.HiddenRepo {
			continue
		}
		rr := cf.confirmRepo(ctx, view, sigstore, opts)
		result.Repos[view.ID] = rr
		result.NumErrors += rr.NumErrors
	}
	return result, nil
}

func (cf *Confirmer) confirmRepo(ctx context.Context, view *pulp.RepoView, sigstore *pulp.RepoView, opts Options) *RepoResult {
	rr := &RepoResult{RepoID: view.ID, DockerID: view.RegistryID}
	logger.Info("confirming repo", "repo", view.ID, "docker-id", view.RegistryID)

	tlsFailed := cf.checkV1(ctx, view, rr, opts)
	if tlsFailed {
		// A TLS failure poisons every further probe of this host.
		rr.Error = true
		rr.NumErrors++
		logger.Error("TLS failure, skipping v2 checks", "repo", view.ID)
		return rr
	}
	if !opts.SkipV2 {
		cf.checkManifests(ctx, view, rr)
		cf.checkManifestLists(ctx, view, rr)
		cf.checkBlobs(ctx, view, rr, opts)
		cf.checkTags(ctx, view, rr)
	}
	if sigstore != nil {
		cf.checkSignatures(ctx, view, sigstore, rr)
	}
	return rr
}

// get issues one plain GET; the bool reports a transport-level TLS failure.
func (cf *Confirmer) get(ctx context.Context, url string, accept string) (*http.Response, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, err
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	resp, err := cf.http.Do(req)
	if err != nil {
		return nil, isTLSFailure(err), err
	}
	return resp, false, nil
}

func (cf *Confirmer) head(ctx context.Context, url string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := cf.http.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}

func isTLSFailure(err error) bool {
	var recordErr tls.RecordHeaderError
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &recordErr) || errors.As(err, &certErr) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "tls:") || strings.Contains(msg, "x509:") ||
		strings.Contains(msg, "certificate")
}
