package assets

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
)

type AssetWorker interface {
	HandleAssetUnref(ctx context.Context, task *asynq.Task) error
}

var _ AssetWorker = (*AssetTaskWorker)(nil)

// AssetTaskWorker runs background asset tasks off the asynq queue.
type AssetTaskWorker struct {
	store  Store
	logger *slog.Logger
}

func NewAssetTaskWorker(st Store, logger *slog.Logger) *AssetTaskWorker {
	return &AssetTaskWorker{
		store:  st,
		logger: logger.With("component", "asset-worker"),
	}
}

// Register installs the worker's handlers on mux.
func (w *AssetTaskWorker) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(UnrefTask, w.HandleAssetUnref)
}

func (w *AssetTaskWorker) HandleAssetUnref(ctx context.Context, task *asynq.Task) error {
	var payload UnrefPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		w.logger.Error("Failed to unmarshal payload", "error", err)
		return fmt.Errorf("json unmarshal error: %w: %w", err, asynq.SkipRetry)
	}
	if payload.AssetID == "" {
		return fmt.Errorf("empty asset id: %w", asynq.SkipRetry)
	}

	if err := w.store.UnrefStaticAsset(ctx, payload.AssetID); err != nil {
		w.logger.Error("Failed to unref asset", "asset_id", payload.AssetID, "error", err)
		return err
	}
	w.logger.Info("Asset unreferenced", "asset_id", payload.AssetID)
	return nil
}
