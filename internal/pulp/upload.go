package pulp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/release-engineering/dockpulp/internal/common"
	"github.com/release-engineering/dockpulp/pkg/imagetar"
	"github.com/release-engineering/dockpulp/pkg/logger"
)

// uploadBlock is the fixed block size of the streamed upload.
const uploadBlock = 1 << 20

// UploadResult reports what an upload put where.
type UploadResult struct {
	TopLayer  string
	LayerIDs  []string
	BytesSent int64
}

// UploadImage streams a validated docker save archive into the hidden repo
// and, when extraRepos are given, copies every layer into each of them. The
// server-side upload request is deleted on every exit path.
func (c *Client) UploadImage(ctx context.Context, archive *imagetar.Archive, extraRepos []string) (*UploadResult, error) {
	if code := archive.CheckRepositories(); code != imagetar.RepoOK {
		return nil, common.Errorf(common.ErrConfig, "archive %s failed repositories check (code %d)", archive.Path, code)
	}
	top, err := archive.TopLayer()
	if err != nil {
		return nil, common.Errorf(common.ErrConfig, "archive %s: %v", archive.Path, err)
	}

	var created struct {
		UploadID string `json:"upload_id"`
	}
	if err := c.postJSON(ctx, "/content/uploads/", nil, &created); err != nil {
		return nil, err
	}
	if created.UploadID == "" {
		return nil, &common.Error{Kind: common.ErrProtocol, Message: "server returned no upload id"}
	}

	attempt := uuid.New().String()
	logger.Info("uploading image archive", "file", archive.Path, "upload", created.UploadID, "attempt", attempt)

	// Cleanup must run even when the surrounding context is already done.
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
		defer cancel()
		if err := c.deleteUploadRequest(cleanupCtx, created.UploadID); err != nil {
			logger.Warn("failed to delete upload request", "upload", created.UploadID, "error", err)
		}
	}()

	sent, err := c.streamFile(ctx, created.UploadID, archive.Path)
	if err != nil {
		return nil, err
	}

	importBody := map[string]interface{}{
		"upload_id":     created.UploadID,
		"unit_type_id":  TypeImage,
		"unit_key":      map[string]interface{}{"image_id": top},
		"unit_metadata": map[string]interface{}{},
	}
	taskID, err := c.postTask(ctx, "/repositories/"+HiddenRepo+"/actions/import_upload/", importBody)
	if err != nil {
		return nil, err
	}
	timeout := importTimeout(sent)
	if _, err := c.WatchTask(ctx, taskID, timeout); err != nil {
		return nil, err
	}

	layers := archive.LayerIDs()
	for _, repo := range extraRepos {
		err := c.CopyFilters(ctx, repo, HiddenRepo, criteria{
			TypeIDs: []string{TypeImage},
			Filters: map[string]interface{}{
				"unit": map[string]interface{}{
					"image_id": map[string]interface{}{"$in": layers},
				},
			},
		})
		if err != nil {
			return nil, err
		}
	}

	return &UploadResult{TopLayer: top, LayerIDs: layers, BytesSent: sent}, nil
}

// streamFile PUTs the file in fixed blocks at increasing offset paths.
func (c *Client) streamFile(ctx context.Context, uploadID, path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, &common.Error{Kind: common.ErrConfig, Message: "cannot open " + path, Err: err}
	}
	defer f.Close()

	buf := make([]byte, uploadBlock)
	var offset int64
	for {
		n, err := io.ReadFull(f, buf)
		if n > 0 {
			p := fmt.Sprintf("/content/uploads/%s/%d/", uploadID, offset)
			_, callErr := c.call(ctx, http.MethodPut, p, nil, nil, &callOpts{
				rawBody:     bytes.NewReader(buf[:n]),
				contentType: "application/octet-stream",
				noLogBody:   true,
			})
			if callErr != nil {
				return offset, callErr
			}
			offset += int64(n)
			logger.Debug("uploaded block", "upload", uploadID, "sent", offset)
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return offset, nil
		}
		if err != nil {
			return offset, &common.Error{Kind: common.ErrInternal, Message: "cannot read " + path, Err: err}
		}
	}
}

func (c *Client) deleteUploadRequest(ctx context.Context, id string) error {
	_, err := c.call(ctx, http.MethodDelete, "/content/uploads/"+id+"/", nil, nil, nil)
	return err
}

// importTimeout scales the import wait with archive size: at least a minute,
// two seconds per megabyte beyond that.
func importTimeout(size int64) time.Duration {
	secs := 2 * (size / (1 << 20))
	if secs < 60 {
		secs = 60
	}
	return time.Duration(secs) * time.Second
}

// CleanUploadRequests deletes every outstanding upload request, reclaiming
// the leftovers of interrupted uploads.
func (c *Client) CleanUploadRequests(ctx context.Context) (int, error) {
	res, err := c.call(ctx, http.MethodGet, "/content/uploads/", nil, nil, nil)
	if err != nil {
		return 0, err
	}
	var uploads struct {
		UploadIDs []string `json:"upload_ids"`
	}
	if err := json.Unmarshal(res.Body, &uploads); err != nil {
		return 0, &common.Error{Kind: common.ErrProtocol, Message: "cannot parse upload list", Err: err}
	}
	for i, id := range uploads.UploadIDs {
		if err := c.deleteUploadRequest(ctx, id); err != nil {
			return i, err
		}
	}
	return len(uploads.UploadIDs), nil
}
