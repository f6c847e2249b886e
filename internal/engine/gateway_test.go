package engine_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soilwatch/erosionflow/internal/engine"
	"github.com/soilwatch/erosionflow/internal/geometry"
)

func testGeometry() *geometry.Geometry {
	return &geometry.Geometry{
		Type: geometry.TypePolygon,
		Rings: [][]geometry.Coord{
			{{0, 0}, {1, 0}, {1, 1}, {0, 1}, {0, 0}},
		},
	}
}

func TestGateway_Submit_Success(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/tasks", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"task_id": "ext-42"})
	}))
	defer srv.Close()

	gw := engine.NewGateway(engine.Config{BaseURL: srv.URL, Timeout: 5 * time.Second})
	taskID, err := gw.Submit(context.Background(), testGeometry(), geometry.Box{West: 0, South: 0, East: 1, North: 1},
		engine.SubmitParams{StartYear: 2020, EndYear: 2020, Period: "annual"})
	require.NoError(t, err)
	assert.Equal(t, "ext-42", taskID)

	assert.Contains(t, gotBody, "area_geometry")
	assert.Contains(t, gotBody, "bbox")
	assert.EqualValues(t, 2020, gotBody["start_year"])
}

func TestGateway_Submit_Non2xxPropagates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "too many coordinates", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	gw := engine.NewGateway(engine.Config{BaseURL: srv.URL})
	_, err := gw.Submit(context.Background(), testGeometry(), geometry.Box{}, engine.SubmitParams{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "422")
	assert.Contains(t, err.Error(), "too many coordinates")
}

func TestGateway_Submit_MissingTaskID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	gw := engine.NewGateway(engine.Config{BaseURL: srv.URL})
	_, err := gw.Submit(context.Background(), testGeometry(), geometry.Box{}, engine.SubmitParams{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "task_id")
}

func TestGateway_Submit_UnreachableEngine(t *testing.T) {
	gw := engine.NewGateway(engine.Config{BaseURL: "http://127.0.0.1:1", Timeout: 200 * time.Millisecond})
	_, err := gw.Submit(context.Background(), testGeometry(), geometry.Box{}, engine.SubmitParams{})
	require.Error(t, err)
}

func TestGateway_Status_ParsesStates(t *testing.T) {
	tests := []struct {
		name string
		body string
		want engine.TaskState
	}{
		{"running", `{"state":"running"}`, engine.TaskRunning},
		{"completed with result", `{"state":"completed","result":{"tiles_url":"https://tiles/12/2020"}}`, engine.TaskCompleted},
		{"failed with error", `{"state":"failed","error":"raster source unavailable"}`, engine.TaskFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/tasks/ext-7", r.URL.Path)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			gw := engine.NewGateway(engine.Config{BaseURL: srv.URL})
			st, err := gw.Status(context.Background(), "ext-7")
			require.NoError(t, err)
			assert.Equal(t, tt.want, st.State)
		})
	}
}

func TestGateway_Status_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unknown task", http.StatusNotFound)
	}))
	defer srv.Close()

	gw := engine.NewGateway(engine.Config{BaseURL: srv.URL})
	_, err := gw.Status(context.Background(), "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}
