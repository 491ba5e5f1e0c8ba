package pulp

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/release-engineering/dockpulp/internal/common"
	"github.com/release-engineering/dockpulp/pkg/logger"
)

// Orphan is a content unit no repository holds anymore.
type Orphan struct {
	TypeID string
	ID     string
}

// ListOrphans enumerates orphaned units of one content type.
func (c *Client) ListOrphans(ctx context.Context, typeID string) ([]Orphan, error) {
	var rows []map[string]interface{}
	if err := c.getJSON(ctx, "/content/orphans/"+typeID+"/", nil, &rows); err != nil {
		return nil, err
	}
	orphans := make([]Orphan, 0, len(rows))
	for _, row := range rows {
		orphans = append(orphans, Orphan{TypeID: typeID, ID: orphanID(typeID, row)})
	}
	return orphans, nil
}

func orphanID(typeID string, row map[string]interface{}) string {
	for _, key := range idKeys(typeID) {
		if v, ok := row[key].(string); ok && v != "" {
			return v
		}
	}
	data, _ := json.Marshal(row)
	return string(data)
}

func idKeys(typeID string) []string {
	switch typeID {
	case TypeImage:
		return []string{"image_id"}
	case TypeManifest, TypeManifestList, TypeBlob:
		return []string{"digest"}
	case TypeTag:
		return []string{"name"}
	case TypeISO:
		return []string{"name"}
	}
	return []string{"_id"}
}

// CleanOrphans deletes every orphan of one content type and awaits the
// cleanup task.
func (c *Client) CleanOrphans(ctx context.Context, typeID string) error {
	res, err := c.call(ctx, http.MethodDelete, "/content/orphans/"+typeID+"/", nil, nil, nil)
	if err != nil {
		return err
	}
	if res.TaskID == "" {
		return &common.Error{Kind: common.ErrProtocol, Message: "orphan cleanup spawned no task"}
	}
	if _, err := c.WatchTask(ctx, res.TaskID, 0); err != nil {
		return err
	}
	logger.Info("cleaned orphans", "type", typeID)
	return nil
}
