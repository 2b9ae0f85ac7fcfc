package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veridoc/veridoc/internal/artifact"
	"github.com/veridoc/veridoc/internal/forensic"
	"github.com/veridoc/veridoc/internal/graph"
	"github.com/veridoc/veridoc/internal/log"
	"github.com/veridoc/veridoc/internal/pipeline"
	"github.com/veridoc/veridoc/internal/scoring"
	"github.com/veridoc/veridoc/internal/sched"
	"github.com/veridoc/veridoc/internal/session"
	"github.com/veridoc/veridoc/internal/testutil"
	"github.com/veridoc/veridoc/internal/trust"
)

type inspectorFunc func(ctx context.Context, art *artifact.Artifact) (pipeline.Result, error)

func (f inspectorFunc) Analyze(ctx context.Context, art *artifact.Artifact) (pipeline.Result, error) {
	return f(ctx, art)
}

type serverOptions struct {
	visual      pipeline.Inspector
	uploadLimit int64
	ratePerMin  int
}

func newTestServer(t *testing.T, opts serverOptions) *httptest.Server {
	t.Helper()
	logger := log.NewNop()

	visual := opts.visual
	if visual == nil {
		visual = &pipeline.VisualStub{}
	}
	caps := sched.Capabilities{
		graph.CapabilityStructural:    pipeline.NewStructural(),
		graph.CapabilityCryptographic: pipeline.NewCryptographic(trust.NewFromCerts(nil, nil)),
		graph.CapabilityVisual:        visual,
		graph.CapabilityUnsupported:   pipeline.NewUnsupported(),
	}
	builder := graph.NewBuilder(graph.UUIDv7Generator{})
	orch := forensic.New(builder, sched.New(builder, caps, logger), nil,
		scoring.DefaultPolicy(), logger, forensic.WithSessionDeadline(10*time.Second))

	spool, err := NewSpool(t.TempDir(), time.Minute, logger)
	require.NoError(t, err)

	limit := opts.uploadLimit
	if limit == 0 {
		limit = 1 << 20
	}
	ratePerMin := opts.ratePerMin
	if ratePerMin == 0 {
		ratePerMin = 6000
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	srv, err := New(ctx, Config{
		Logger:       logger,
		Orchestrator: orch,
		Sessions:     session.NewManager(logger),
		Spool:        spool,
		UploadLimit:  limit,
		RatePerMin:   ratePerMin,
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return ts
}

func uploadRaw(t *testing.T, ts *httptest.Server, payload []byte) uploadResponse {
	t.Helper()
	resp, err := http.Post(ts.URL+"/api/v1/analyses", "application/pdf", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var ack uploadResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ack))
	require.NotEmpty(t, ack.SessionID)
	return ack
}

func awaitOutcome(t *testing.T, ts *httptest.Server, id string) *forensic.Outcome {
	t.Helper()
	var out forensic.Outcome
	require.Eventually(t, func() bool {
		resp, err := http.Get(ts.URL + "/api/v1/analyses/" + id)
		if err != nil || resp.StatusCode != http.StatusOK {
			if resp != nil {
				resp.Body.Close()
			}
			return false
		}
		defer resp.Body.Close()
		return json.NewDecoder(resp.Body).Decode(&out) == nil
	}, 5*time.Second, 10*time.Millisecond)
	return &out
}

func TestUploadRawBodyToVerdict(t *testing.T) {
	ts := newTestServer(t, serverOptions{})

	ack := uploadRaw(t, ts, testutil.PDF(testutil.PDFSpec{}))
	assert.Equal(t, "document-without-signature", ack.Kind)
	assert.Equal(t, "/api/v1/analyses/"+ack.SessionID+"/stream", ack.StreamURL)

	out := awaitOutcome(t, ts, ack.SessionID)
	assert.Equal(t, ack.SessionID, out.SessionID)
	assert.Equal(t, 100, out.Verdict.Score)
	assert.Equal(t, 1, out.Tasks)
	assert.True(t, out.Report.Finalized)
}

func TestUploadMultipart(t *testing.T) {
	ts := newTestServer(t, serverOptions{})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "invoice.pdf")
	require.NoError(t, err)
	_, err = fw.Write(testutil.PDF(testutil.PDFSpec{Revisions: 2}))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post(ts.URL+"/api/v1/analyses", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var ack uploadResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ack))

	out := awaitOutcome(t, ts, ack.SessionID)
	assert.Less(t, out.Verdict.Score, 100)
}

func TestUploadEmptyPayload(t *testing.T) {
	ts := newTestServer(t, serverOptions{})

	resp, err := http.Post(ts.URL+"/api/v1/analyses", "application/pdf", bytes.NewReader(nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body errorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "bad_upload", body.Error)
}

func TestUploadTooLarge(t *testing.T) {
	ts := newTestServer(t, serverOptions{uploadLimit: 64})

	resp, err := http.Post(ts.URL+"/api/v1/analyses", "application/pdf",
		bytes.NewReader(bytes.Repeat([]byte("A"), 1024)))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestUploadMultipartTooLarge(t *testing.T) {
	ts := newTestServer(t, serverOptions{uploadLimit: 256})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "huge.pdf")
	require.NoError(t, err)
	_, err = fw.Write(bytes.Repeat([]byte("A"), 4096))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post(ts.URL+"/api/v1/analyses", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)

	var body errorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "upload_too_large", body.Error)
}

func TestVerdictNotFound(t *testing.T) {
	ts := newTestServer(t, serverOptions{})

	resp, err := http.Get(ts.URL + "/api/v1/analyses/no-such-session")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestVerdictConflictWhileRunning(t *testing.T) {
	release := make(chan struct{})
	slow := inspectorFunc(func(ctx context.Context, _ *artifact.Artifact) (pipeline.Result, error) {
		select {
		case <-release:
			return pipeline.Result{}, nil
		case <-ctx.Done():
			return pipeline.Result{}, ctx.Err()
		}
	})
	ts := newTestServer(t, serverOptions{visual: slow})

	ack := uploadRaw(t, ts, testutil.JPEG(0))

	resp, err := http.Get(ts.URL + "/api/v1/analyses/" + ack.SessionID)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	close(release)
	out := awaitOutcome(t, ts, ack.SessionID)
	assert.Equal(t, 100, out.Verdict.Score)
}

func TestStreamDeliversVerdict(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	ack := uploadRaw(t, ts, testutil.PDF(testutil.PDFSpec{Revisions: 2}))

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + ack.StreamURL
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	sawProgress := false
	for {
		var m session.Message
		require.NoError(t, conn.ReadJSON(&m))
		switch m.Type {
		case session.MessageProgress:
			sawProgress = true
		case session.MessagePartialFinding:
			assert.NotEmpty(t, m.Findings)
		case session.MessageFinalVerdict:
			require.NotNil(t, m.Verdict)
			assert.Equal(t, 75, m.Verdict.Score)
			assert.True(t, sawProgress)
			return
		case session.MessageError:
			t.Fatalf("unexpected error frame: %s", m.Error)
		}
	}
}

func TestStreamUnknownSession(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/analyses/nope/stream"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDestroySession(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	ack := uploadRaw(t, ts, testutil.PDF(testutil.PDFSpec{}))
	awaitOutcome(t, ts, ack.SessionID)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/v1/analyses/"+ack.SessionID, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	getResp, err := http.Get(ts.URL + "/api/v1/analyses/" + ack.SessionID)
	require.NoError(t, err)
	getResp.Body.Close()
	assert.Equal(t, http.StatusNotFound, getResp.StatusCode)
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(t, serverOptions{ratePerMin: 2})

	status := func() int {
		resp, err := http.Get(ts.URL + "/healthz")
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}
	assert.Equal(t, http.StatusOK, status())
	assert.Equal(t, http.StatusOK, status())

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))
}

func TestHealthEndpoints(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.JSONEq(t, `{"status":"ok"}`, string(body))
		assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
		assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(context.Background(), Config{})
	require.Error(t, err)
}

func TestClientIP(t *testing.T) {
	base := func() *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = "203.0.113.9:4711"
		return r
	}

	r := base()
	assert.Equal(t, "203.0.113.9", clientIP(r, false))

	r = base()
	r.Header.Set("X-Real-IP", "198.51.100.7")
	assert.Equal(t, "203.0.113.9", clientIP(r, false), "proxy headers ignored unless trusted")
	assert.Equal(t, "198.51.100.7", clientIP(r, true))

	r = base()
	r.Header.Set("X-Forwarded-For", "198.51.100.8, 10.0.0.1")
	assert.Equal(t, "198.51.100.8", clientIP(r, true))

	r = base()
	r.Header.Set("X-Real-IP", "not-an-ip")
	assert.Equal(t, "203.0.113.9", clientIP(r, true), "unparseable header falls back to the socket address")
}

func TestSpoolSaveRemovePurge(t *testing.T) {
	logger := log.NewNop()
	dir := t.TempDir()
	spool, err := NewSpool(dir, 10*time.Millisecond, logger)
	require.NoError(t, err)

	payload := []byte("spooled bytes")
	got, err := spool.Save("s1", bytes.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	// Duplicate session IDs must not overwrite an existing spool file.
	_, err = spool.Save("s1", bytes.NewReader(payload))
	require.Error(t, err)

	onDisk, err := os.ReadFile(filepath.Join(dir, "s1.bin"))
	require.NoError(t, err)
	assert.Equal(t, payload, onDisk)

	spool.purge(time.Now().Add(time.Minute))
	_, err = os.Stat(filepath.Join(dir, "s1.bin"))
	assert.True(t, os.IsNotExist(err))

	// Remove after purge is a quiet no-op.
	spool.Remove("s1")
}
