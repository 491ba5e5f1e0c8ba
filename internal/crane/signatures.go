package crane

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/release-engineering/dockpulp/internal/pulp"
)

// checkSignatures fetches every sigstore entry belonging to this repo from
// the CDN and verifies its SHA-256 against the value Pulp recorded. Entries
// on the exception allowlist are skipped. Every manifest a signature names
// must still exist in the repo.
func (cf *Confirmer) checkSignatures(ctx context.Context, view *pulp.RepoView, sigstore *pulp.RepoView, rr *RepoResult) {
	prefix := view.RegistryID + "@"
	for _, sig := range sigstore.Signatures {
		if !strings.HasPrefix(sig.Name, prefix) {
			continue
		}
		if cf.env.SigExceptions[sig.Name] {
			continue
		}

		url := fmt.Sprintf("%s/content/sigstore/%s", cf.env.FilerURL, sig.Name)
		check := rr.newCheck("signature", url)
		check.probe()

		sum, err := cf.fetchSHA256(ctx, url)
		if err != nil {
			check.missing(err.Error())
			rr.BadSignatures = append(rr.BadSignatures, sig.Name)
			rr.fail(1)
			continue
		}
		if sig.Checksum != "" && sum != sig.Checksum {
			check.corrupt(fmt.Sprintf("sha256 %s, recorded %s", sum, sig.Checksum))
			rr.BadSignatures = append(rr.BadSignatures, sig.Name)
			rr.fail(1)
			continue
		}
		check.ok()

		if d, ok := signedManifest(sig.Name); ok {
			if _, found := view.Manifests[d]; !found {
				if _, found := view.ManifestLists[d]; !found {
					rr.MissingSignatureManifests = append(rr.MissingSignatureManifests, d)
					rr.fail(1)
				}
			}
		}
	}
}

// signedManifest extracts the manifest digest a signature name encodes,
// `<docker-id>@<algo>=<hex>/signature-N`.
func signedManifest(name string) (string, bool) {
	at := strings.LastIndex(name, "@")
	slash := strings.LastIndex(name, "/signature-")
	if at < 0 || slash < 0 || slash <= at {
		return "", false
	}
	ref := name[at+1 : slash]
	eq := strings.Index(ref, "=")
	if eq < 0 {
		return "", false
	}
	return ref[:eq] + ":" + ref[eq+1:], true
}

func (cf *Confirmer) fetchSHA256(ctx context.Context, url string) (string, error) {
	resp, _, err := cf.get(ctx, url, "")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	h := sha256.New()
	if _, err := io.Copy(h, resp.Body); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
