package app

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artisanmarket/marketplace/internal/domain"
	"github.com/artisanmarket/marketplace/internal/service/httpapi"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.GRPCAddr = "127.0.0.1:0"
	cfg.MetricsAddr = "127.0.0.1:0"
	cfg.BlobDriver = BlobDriverMemory
	cfg.ShutdownTimeout = time.Second
	cfg.OptimizerPollInterval = 20 * time.Millisecond
	cfg.OptimizerWorkers = 2
	cfg.CatalogSeed = writeSeed(t, `[{"id": 1, "name": "Kilim", "price": "100", "stock_quantity": 5}]`)
	return cfg
}

// startApp запускает приложение и останавливает его в t.Cleanup.
func startApp(t *testing.T, cfg Config) *App {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	a, err := New(ctx, cfg)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("app did not stop")
		}
	})
	return a
}

func serve(t *testing.T, h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func jsonRequest(t *testing.T, method, path string, body any) *http.Request {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(method, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(httpapi.UserIDHeader, "user-1")
	return req
}

func uploadRequest(t *testing.T) *http.Request {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, 600, 300))
	for x := 0; x < 600; x++ {
		img.Set(x, x%300, color.RGBA{R: 200, A: 255})
	}
	var raw bytes.Buffer
	require.NoError(t, png.Encode(&raw, img))

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("alt_text", "red rug"))
	fw, err := mw.CreateFormFile("file", "rug.png")
	require.NoError(t, err)
	_, err = fw.Write(raw.Bytes())
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/media", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(httpapi.UserIDHeader, "seller-1")
	return req
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StorageDriver = "invalid-driver"

	_, err := New(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported storage driver")
}

func TestRun_ListenError(t *testing.T) {
	cfg := testConfig(t)
	cfg.HTTPAddr = "256.0.0.1:bad"

	err := Run(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listen http")
}

func TestApp_CheckoutEndToEnd(t *testing.T) {
	a := startApp(t, testConfig(t))

	addr := map[string]any{"line1": "1 Loom St", "city": "Almaty", "postal_code": "050000", "country": "KZ"}
	rec := serve(t, a.Handler(), jsonRequest(t, http.MethodPost, "/orders", map[string]any{
		"items":            []map[string]any{{"product_id": 1, "quantity": 2}},
		"customer_name":    "Aigerim",
		"customer_email":   "aigerim@example.com",
		"shipping_address": addr,
		"shipping_method":  "standard",
	}))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created struct {
		Order struct {
			ID    string `json:"id"`
			Final string `json:"final_amount"`
		} `json:"order"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "374", created.Order.Final)

	rec = serve(t, a.Handler(), jsonRequest(t, http.MethodPost, "/orders", map[string]any{
		"items":            []map[string]any{{"product_id": 1, "quantity": 4}},
		"customer_name":    "Aigerim",
		"customer_email":   "aigerim@example.com",
		"shipping_address": addr,
		"shipping_method":  "standard",
	}))
	assert.Equal(t, http.StatusBadRequest, rec.Code, "only 3 units remain")

	history := serve(t, a.Handler(), jsonRequest(t, http.MethodGet, "/orders/"+created.Order.ID+"/history", nil))
	assert.Equal(t, http.StatusOK, history.Code)
}

func TestApp_MediaOptimizedByPoller(t *testing.T) {
	a := startApp(t, testConfig(t))

	rec := serve(t, a.Handler(), uploadRequest(t))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var uploaded struct {
		Media domain.Media `json:"media"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &uploaded))
	id := uploaded.Media.ID

	var current struct {
		Media domain.Media `json:"media"`
	}
	require.Eventually(t, func() bool {
		req := httptest.NewRequest(http.MethodGet, "/media/"+id, nil)
		req.Header.Set(httpapi.UserIDHeader, "seller-1")
		res := serve(t, a.Handler(), req)
		if res.Code != http.StatusOK {
			return false
		}
		if err := json.Unmarshal(res.Body.Bytes(), &current); err != nil {
			return false
		}
		return current.Media.OptimizationStatus == domain.OptimizationCompleted
	}, 5*time.Second, 20*time.Millisecond)

	assert.Len(t, current.Media.OptimizedPaths, 3)
}

func TestApp_OpsEndpoints(t *testing.T) {
	a := startApp(t, testConfig(t))

	tests := []struct {
		path     string
		contains string
	}{
		{path: "/livez", contains: "ok"},
		{path: "/readyz", contains: "ready"},
		{path: "/healthz", contains: `"blob"`},
		{path: "/metrics", contains: "go_goroutines"},
	}

	for _, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			rec := serve(t, a.OpsHandler(), httptest.NewRequest(http.MethodGet, tc.path, nil))
			require.Equal(t, http.StatusOK, rec.Code)
			body, err := io.ReadAll(rec.Body)
			require.NoError(t, err)
			assert.Contains(t, string(body), tc.contains)
		})
	}
}

func TestInitTransports(t *testing.T) {
	logger := log.WithField("test", "transports")

	t.Run("poll dispatches in-process", func(t *testing.T) {
		a, err := New(context.Background(), testConfig(t))
		require.NoError(t, err)
		t.Cleanup(func() { a.deps.close(logger) })

		assert.Empty(t, a.links.consumers)
		assert.Nil(t, a.links.outboxPublisher)
		assert.Len(t, a.workers, 4)
	})

	t.Run("unsupported driver", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.MediaQueueDriver = "sqs"
		_, err := initTransports(cfg, nil, logger)
		require.Error(t, err)
	})

	t.Run("kafka requires producer", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.MediaQueueDriver = MediaQueueKafka
		_, err := initTransports(cfg, nil, logger)
		require.Error(t, err)
	})
}
