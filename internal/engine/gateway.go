// Package engine isolates all network calls to the external geospatial
// computation service behind a narrow interface. The gateway performs
// no retries: a failed submit propagates immediately to the lifecycle
// manager, which surfaces it to the caller without persisting a failed
// state. Only genuine engine-side failures, observed via callback or
// status poll, mark a record failed: "we failed to even ask" stays
// distinct from "the engine tried and failed".
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/soilwatch/erosionflow/internal/geometry"
)

// Config is injected at construction instead of being looked up from
// ambient state.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// SubmitParams carries the computation parameters alongside the
// sanitized geometry.
type SubmitParams struct {
	StartYear int    `json:"start_year"`
	EndYear   int    `json:"end_year"`
	Period    string `json:"period"`
}

// TaskState is the engine's view of one task.
type TaskState string

const (
	TaskQueued    TaskState = "queued"
	TaskRunning   TaskState = "running"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
)

// TaskStatus is the engine's answer to a status poll.
type TaskStatus struct {
	State  TaskState       `json:"state"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Gateway submits work to the external engine and polls task status.
type Gateway interface {
	Submit(ctx context.Context, g *geometry.Geometry, bbox geometry.Box, params SubmitParams) (string, error)
	Status(ctx context.Context, taskID string) (*TaskStatus, error)
}

type gateway struct {
	baseURL string
	client  *http.Client
}

// NewGateway creates an HTTP Gateway for the engine at cfg.BaseURL.
func NewGateway(cfg Config) Gateway {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &gateway{
		baseURL: cfg.BaseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type submitRequest struct {
	Geometry *geometry.Geometry `json:"area_geometry"`
	BBox     geometry.Box       `json:"bbox"`
	SubmitParams
}

type submitResponse struct {
	TaskID string `json:"task_id"`
}

func (g *gateway) Submit(ctx context.Context, geom *geometry.Geometry, bbox geometry.Box, params SubmitParams) (string, error) {
	ctx, span := otel.Tracer("engine").Start(ctx, "engine.submit")
	defer span.End()
	span.SetAttributes(
		attribute.Int("erosion.start_year", params.StartYear),
		attribute.Int("erosion.end_year", params.EndYear),
	)

	body, err := json.Marshal(submitRequest{Geometry: geom, BBox: bbox, SubmitParams: params})
	if err != nil {
		return "", fmt.Errorf("marshal submit request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/tasks", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build submit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "submit call failed")
		return "", fmt.Errorf("engine submit: %w", err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode >= http.StatusBadRequest {
		msg := readErrorBody(resp.Body)
		err := fmt.Errorf("engine submit returned status %d: %s", resp.StatusCode, msg)
		span.RecordError(err)
		span.SetStatus(codes.Error, "bad status code")
		return "", err
	}

	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode submit response: %w", err)
	}
	if out.TaskID == "" {
		return "", fmt.Errorf("engine submit response missing task_id")
	}
	return out.TaskID, nil
}

func (g *gateway) Status(ctx context.Context, taskID string) (*TaskStatus, error) {
	ctx, span := otel.Tracer("engine").Start(ctx, "engine.status")
	defer span.End()
	span.SetAttributes(attribute.String("engine.task_id", taskID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/tasks/"+taskID, nil)
	if err != nil {
		return nil, fmt.Errorf("build status request: %w", err)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "status call failed")
		return nil, fmt.Errorf("engine status for %s: %w", taskID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		msg := readErrorBody(resp.Body)
		err := fmt.Errorf("engine status for %s returned %d: %s", taskID, resp.StatusCode, msg)
		span.RecordError(err)
		return nil, err
	}

	var st TaskStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("decode status response: %w", err)
	}
	return &st, nil
}

// readErrorBody extracts a short diagnostic from an error response.
func readErrorBody(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 512))
	if err != nil || len(data) == 0 {
		return "<empty body>"
	}
	return string(data)
}
