// Package stages provides stage executors for the coordinator. The HTTP
// executor delegates each stage to a remote service:
//
//	POST {base}/{stage}  {"item_id": "...", "stage": "..."}
//	200                  {"substages": ["..."]}
//
// Error statuses become typed retry errors so the retry engine branches on
// the status code, not on message text.
package stages

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/docpulse/am"
	"github.com/teranos/docpulse/errors"
	"github.com/teranos/docpulse/internal/httpclient"
	"github.com/teranos/docpulse/logger"
	"github.com/teranos/docpulse/pulse/coordinator"
	"github.com/teranos/docpulse/pulse/retry"
)

// maxBodyBytes bounds how much of a response is read
const maxBodyBytes = 1 << 20

type stageRequest struct {
	ItemID string `json:"item_id"`
	Stage  string `json:"stage"`
}

type stageResponse struct {
	Substages []string `json:"substages"`
	Error     string   `json:"error,omitempty"`
}

// HTTPExecutor runs stages against a remote service
type HTTPExecutor struct {
	base   *url.URL
	client *httpclient.SaferClient
	logger *zap.SugaredLogger
}

var _ coordinator.Executor = (*HTTPExecutor)(nil)

// NewHTTPExecutor validates the service URL and builds the client
func NewHTTPExecutor(cfg am.ExecutorConfig, log *zap.SugaredLogger) (*HTTPExecutor, error) {
	if cfg.URL == "" {
		return nil, errors.WithHint(
			errors.Wrap(errors.ErrInvalidRequest, "executor.url is not set"),
			"set [executor] url in docpulse.toml or DOCPULSE_EXECUTOR_URL")
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	client := httpclient.New(timeout, httpclient.WithAllowPrivate(cfg.AllowPrivate))

	base, err := client.ValidateURL(cfg.URL)
	if err != nil {
		return nil, errors.Wrapf(err, "executor.url %s", cfg.URL)
	}
	return &HTTPExecutor{base: base, client: client, logger: logger.OrNop(log)}, nil
}

// Execute posts the item to the stage endpoint
func (e *HTTPExecutor) Execute(ctx context.Context, itemID, stage string) (*coordinator.StageResult, error) {
	body, err := json.Marshal(stageRequest{ItemID: itemID, Stage: stage})
	if err != nil {
		return nil, retry.Permanent(errors.Wrap(err, "encode stage request"))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.base.JoinPath(stage).String(), bytes.NewReader(body))
	if err != nil {
		return nil, retry.Permanent(errors.Wrap(err, "build stage request"))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		// Transport errors carry timeout/refused text the classifier understands
		return nil, errors.Wrapf(err, "stage %s", stage)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, retry.Transient(errors.Wrapf(err, "read stage %s response", stage))
	}

	var out stageResponse
	decodeErr := json.Unmarshal(data, &out)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := string(data)
		if decodeErr == nil && out.Error != "" {
			msg = out.Error
		}
		e.logger.Debugw("Stage call failed",
			logger.FieldItemID, itemID,
			logger.FieldStage, stage,
			"status_code", resp.StatusCode)
		return nil, retry.WithStatus(resp.StatusCode,
			errors.Newf("stage %s returned %d: %s", stage, resp.StatusCode, retry.Truncate(msg)))
	}

	if len(data) == 0 {
		return &coordinator.StageResult{}, nil
	}
	if decodeErr != nil {
		return nil, retry.Permanent(errors.Wrapf(decodeErr, "malformed stage %s response", stage))
	}
	return &coordinator.StageResult{Substages: out.Substages}, nil
}
