package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"visionaid/config"
	"visionaid/pipeline"
	"visionaid/storage"
	"visionaid/task"
)

type mockConverter struct {
	mu     sync.Mutex
	result pipeline.Result
	calls  []pipeline.Options
}

func (m *mockConverter) ConvertUpload(ctx context.Context, up pipeline.Upload, opts pipeline.Options, progress pipeline.Progress) pipeline.Result {
	m.mu.Lock()
	m.calls = append(m.calls, opts)
	m.mu.Unlock()
	if progress != nil {
		progress(pipeline.ProgressInputSaved)
		progress(pipeline.ProgressConverted)
	}
	return m.result
}

func (m *mockConverter) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(1, 1, color.White)
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func setupTestRouter(t *testing.T, conv *mockConverter) (*gin.Engine, *storage.Dirs, *task.Manager) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		BaseURL:         "http://example.test",
		DefaultVoice:    "banmai",
		DefaultWaitTime: 10 * time.Second,
		MaxWaitTime:     60 * time.Second,
		MaxInputSize:    1 << 20,
		MaxConcurrency:  1,
		QueueSize:       4,
	}
	logger := zaptest.NewLogger(t)
	root := t.TempDir()
	dirs, err := storage.New(filepath.Join(root, "uploads"), filepath.Join(root, "outputs"), 0, logger)
	require.NoError(t, err)

	tm, err := task.NewManager(cfg, task.NewMemoryStore(), conv, logger)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	tm.Start(ctx)

	return SetupRouter(NewHandler(tm, conv, dirs, cfg, logger), logger), dirs, tm
}

func multipartRequest(t *testing.T, path, filename string, data []byte, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, path, &body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func successResult() pipeline.Result {
	return pipeline.Succeeded(pipeline.Success{
		Text:          "Category: Document\nContent: hello",
		AudioPath:     "/tmp/outputs/abc.wav",
		AudioFilename: "abc.wav",
		VoiceUsed:     "lannhi",
	})
}

func TestHandleUploadSuccess(t *testing.T) {
	conv := &mockConverter{result: successResult()}
	router, _, _ := setupTestRouter(t, conv)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, multipartRequest(t, "/upload", "photo.png", testPNG(t), map[string]string{"voice": "lannhi", "wait_time": "5"}))

	assert.Equal(t, http.StatusOK, w.Code)
	var resp ConversionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "Category: Document\nContent: hello", resp.TextResult)
	assert.Equal(t, "http://example.test/outputs/abc.wav", resp.AudioURL)
	assert.Equal(t, "abc.wav", resp.AudioFilename)
	assert.Equal(t, "lannhi", resp.VoiceUsed)

	require.Equal(t, 1, conv.callCount())
	assert.Equal(t, pipeline.Options{Voice: "lannhi", WaitTime: 5 * time.Second}, conv.calls[0])
}

func TestHandleUploadDefaults(t *testing.T) {
	conv := &mockConverter{result: successResult()}
	router, _, _ := setupTestRouter(t, conv)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, multipartRequest(t, "/upload", "photo.png", testPNG(t), nil))

	assert.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 1, conv.callCount())
	assert.Equal(t, pipeline.Options{Voice: "banmai", WaitTime: 10 * time.Second}, conv.calls[0])
}

func TestHandleUploadFailureKeepsText(t *testing.T) {
	conv := &mockConverter{result: pipeline.Failed(pipeline.KindRemoteSpeech, "TTS API request failed: 500", "the description")}
	router, _, _ := setupTestRouter(t, conv)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, multipartRequest(t, "/upload", "photo.png", testPNG(t), nil))

	assert.Equal(t, http.StatusOK, w.Code)
	var resp ConversionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.Equal(t, "TTS API request failed: 500", resp.Error)
	assert.Equal(t, string(pipeline.KindRemoteSpeech), resp.ErrorKind)
	assert.Equal(t, "the description", resp.TextResult)
	assert.Empty(t, resp.AudioURL)
}

func TestHandleUploadRejectsBadInput(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		data     []byte
		fields   map[string]string
	}{
		{"unsupported extension", "notes.txt", []byte("hello"), nil},
		{"undecodable image", "photo.png", []byte("not an image"), nil},
		{"unknown voice", "photo.png", nil, map[string]string{"voice": "nobody"}},
		{"wait time too long", "photo.png", nil, map[string]string{"wait_time": "600"}},
		{"wait time not positive", "photo.png", nil, map[string]string{"wait_time": "0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conv := &mockConverter{result: successResult()}
			router, _, _ := setupTestRouter(t, conv)
			data := tt.data
			if data == nil {
				data = testPNG(t)
			}

			w := httptest.NewRecorder()
			router.ServeHTTP(w, multipartRequest(t, "/upload", tt.filename, data, tt.fields))

			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, 0, conv.callCount())
		})
	}
}

func TestHandleUploadTooLarge(t *testing.T) {
	conv := &mockConverter{result: successResult()}
	router, _, _ := setupTestRouter(t, conv)

	big := append(testPNG(t), make([]byte, 3<<20)...)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, multipartRequest(t, "/upload", "photo.png", big, nil))

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Equal(t, 0, conv.callCount())
}

func TestHandleUploadBase64(t *testing.T) {
	conv := &mockConverter{result: successResult()}
	router, _, _ := setupTestRouter(t, conv)

	body, err := json.Marshal(map[string]any{
		"image": "data:image/png;base64," + base64.StdEncoding.EncodeToString(testPNG(t)),
		"voice": "myan",
	})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodPost, "/upload-base64", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 1, conv.callCount())
	assert.Equal(t, "myan", conv.calls[0].Voice)
}

func TestHandleUploadBase64Invalid(t *testing.T) {
	conv := &mockConverter{result: successResult()}
	router, _, _ := setupTestRouter(t, conv)

	for _, body := range []string{`{}`, `{"image":"%%%"}`} {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest(http.MethodPost, "/upload-base64", bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
	}
	assert.Equal(t, 0, conv.callCount())
}

func TestHandleUploadAsyncFlow(t *testing.T) {
	conv := &mockConverter{result: successResult()}
	router, _, _ := setupTestRouter(t, conv)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, multipartRequest(t, "/upload-async", "photo.png", testPNG(t), nil))
	require.Equal(t, http.StatusAccepted, w.Code)

	var accepted map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &accepted))
	id := accepted["task_id"]
	require.NotEmpty(t, id)
	assert.Equal(t, "Processing started", accepted["message"])

	var st ConversionStatus
	require.Eventually(t, func() bool {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest(http.MethodGet, "/status/"+id, nil)
		router.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			return false
		}
		st = ConversionStatus{}
		return json.Unmarshal(w.Body.Bytes(), &st) == nil && st.Status.Terminal()
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, task.StatusSucceeded, st.Status)
	assert.Equal(t, 100, st.Progress)
	require.NotNil(t, st.Result)
	assert.True(t, st.Result.Success)
	assert.Equal(t, "http://example.test/outputs/abc.wav", st.Result.AudioURL)

	w = httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/tasks", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	var list []ConversionStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].TaskID)
}

func TestHandleUploadAsyncRejectsBadImage(t *testing.T) {
	conv := &mockConverter{result: successResult()}
	router, _, tm := setupTestRouter(t, conv)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, multipartRequest(t, "/upload-async", "photo.jpg", []byte("garbage"), nil))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	tasks, err := tm.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestHandleGetStatusNotFound(t *testing.T) {
	router, _, _ := setupTestRouter(t, &mockConverter{})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/status/does-not-exist", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "Task not found")
}

func TestHandleVoices(t *testing.T) {
	router, _, _ := setupTestRouter(t, &mockConverter{})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/voices", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Voices []struct {
			Code string `json:"code"`
		} `json:"voices"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Voices, 5)
}

func TestHandleHealth(t *testing.T) {
	router, _, _ := setupTestRouter(t, &mockConverter{})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/health", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp["status"])
	assert.Equal(t, "banmai", resp["voice"])
}

func TestHandleGetFile(t *testing.T) {
	router, dirs, _ := setupTestRouter(t, &mockConverter{})
	require.NoError(t, os.WriteFile(filepath.Join(dirs.OutputDir(), "abc.wav"), []byte("RIFF"), 0o644))

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/outputs/abc.wav", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "RIFF", w.Body.String())

	for _, name := range []string{"missing.wav", "..%2Fsecret"} {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest(http.MethodGet, "/outputs/"+name, nil)
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusNotFound, w.Code, name)
	}
}

func TestHandleUploadBase64ReportsBindError(t *testing.T) {
	conv := &mockConverter{result: successResult()}
	router, _, _ := setupTestRouter(t, conv)

	body := `{"image":"` + base64.StdEncoding.EncodeToString(testPNG(t)) + `","wait_time":true}`
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodPost, "/upload-base64", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp["error"], "wait_time")
	assert.NotEqual(t, "No image provided", resp["error"])
	assert.Equal(t, 0, conv.callCount())
}

func TestHandleUploadAsyncAfterShutdown(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := &config.Config{
		DefaultVoice:    "banmai",
		DefaultWaitTime: 10 * time.Second,
		MaxWaitTime:     60 * time.Second,
		MaxConcurrency:  1,
		QueueSize:       4,
	}
	logger := zaptest.NewLogger(t)
	root := t.TempDir()
	dirs, err := storage.New(filepath.Join(root, "uploads"), filepath.Join(root, "outputs"), 0, logger)
	require.NoError(t, err)
	conv := &mockConverter{result: successResult()}
	tm, err := task.NewManager(cfg, task.NewMemoryStore(), conv, logger)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	tm.Start(ctx)
	cancel()
	router := SetupRouter(NewHandler(tm, conv, dirs, cfg, logger), logger)

	require.Eventually(t, func() bool {
		_, err := tm.Submit(context.Background(), pipeline.Upload{Filename: "photo.png", Data: testPNG(t)}, pipeline.Options{})
		return errors.Is(err, task.ErrShuttingDown)
	}, time.Second, 5*time.Millisecond)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, multipartRequest(t, "/upload-async", "photo.png", testPNG(t), nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), task.ErrShuttingDown.Error())
}
