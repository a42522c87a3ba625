package core_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"reel/internal/auth"
	"reel/internal/core"
	"reel/internal/database"
	"reel/internal/storage"
	"reel/internal/upload"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

const jwtSecret = "server-test-secret"

func newTestServer(t *testing.T, opts ...core.ConfigOption) *httptest.Server {
	t.Helper()

	dataDir := t.TempDir()
	db, err := database.Open(t.Context(), dataDir)
	require.NoError(t, err, "open metadata db")
	t.Cleanup(func() { _ = db.Close() })

	base := []core.ConfigOption{
		core.WithObjectStore(storage.NewLocalFileStorage(dataDir, db)),
		core.WithSessionStore(upload.NewSQLiteSessionStore(db)),
		core.WithAuthEngine(auth.NewJWTAuthEngine(jwtSecret)),
	}

	srv, err := core.NewServer(core.NewConfig(append(base, opts...)...))
	require.NoError(t, err, "create server")

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func validToken(t *testing.T) string {
	t.Helper()

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "uploader",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(jwtSecret))
	require.NoError(t, err)
	return token
}

func do(t *testing.T, method, url string, body io.Reader, headers map[string]string) *http.Response {
	t.Helper()

	req, err := http.NewRequestWithContext(t.Context(), method, url, body)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err, "%s %s", method, url)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(data)
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()

	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func putObject(t *testing.T, ts *httptest.Server, key, contentType, payload string) {
	t.Helper()

	resp := do(t, http.MethodPut, ts.URL+"/"+key, strings.NewReader(payload), map[string]string{"Content-Type": contentType})
	require.Equal(t, http.StatusOK, resp.StatusCode, readBody(t, resp))
}

func putChunk(t *testing.T, ts *httptest.Server, key, uploadID string, index, total int, payload string) *http.Response {
	t.Helper()

	return do(t, http.MethodPut, ts.URL+"/"+key, strings.NewReader(payload), map[string]string{
		"Content-Type":  "video/mp4",
		"X-Upload-Id":   uploadID,
		"X-Part-Number": strconv.Itoa(index),
		"X-Total-Parts": strconv.Itoa(total),
	})
}

func postJSON(t *testing.T, url string, v any, headers map[string]string) *http.Response {
	t.Helper()

	payload, err := json.Marshal(v)
	require.NoError(t, err)

	if headers == nil {
		headers = map[string]string{}
	}
	headers["Content-Type"] = "application/json"
	return do(t, http.MethodPost, url, bytes.NewReader(payload), headers)
}

func TestSingleShotPutAndGet(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	putObject(t, ts, "clips/intro.mp4", "video/mp4", "0123456789")

	resp := do(t, http.MethodGet, ts.URL+"/clips/intro.mp4", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "0123456789", readBody(t, resp))
	require.Equal(t, "video/mp4", resp.Header.Get("Content-Type"))
	require.Equal(t, "bytes", resp.Header.Get("Accept-Ranges"))
	require.Equal(t, "10", resp.Header.Get("Content-Length"))
	require.Equal(t, core.DefaultCacheControl, resp.Header.Get("Cache-Control"))
	require.NotEmpty(t, resp.Header.Get("Last-Modified"))
	require.True(t, strings.HasPrefix(resp.Header.Get("ETag"), `"`))
	require.Equal(t, "cross-origin", resp.Header.Get("Cross-Origin-Resource-Policy"))
	require.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
}

func TestRangeRequests(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	putObject(t, ts, "range.mp4", "video/mp4", "0123456789")

	cases := []struct {
		name         string
		header       string
		status       int
		body         string
		contentRange string
	}{
		{"closed", "bytes=2-5", http.StatusPartialContent, "2345", "bytes 2-5/10"},
		{"open ended", "bytes=7-", http.StatusPartialContent, "789", "bytes 7-9/10"},
		{"suffix", "bytes=-3", http.StatusPartialContent, "789", "bytes 7-9/10"},
		{"clamped", "bytes=8-100", http.StatusPartialContent, "89", "bytes 8-9/10"},
		{"past end", "bytes=10-", http.StatusRequestedRangeNotSatisfiable, "", "bytes */10"},
		{"malformed", "bytes=abc", http.StatusOK, "0123456789", ""},
		{"multi range", "bytes=0-1,4-5", http.StatusOK, "0123456789", ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			resp := do(t, http.MethodGet, ts.URL+"/range.mp4", nil, map[string]string{"Range": tc.header})
			require.Equal(t, tc.status, resp.StatusCode)
			require.Equal(t, tc.contentRange, resp.Header.Get("Content-Range"))

			body := readBody(t, resp)
			if tc.status == http.StatusRequestedRangeNotSatisfiable {
				require.Empty(t, resp.Header.Get("Cache-Control"), "error bodies must not be cached")
				require.Empty(t, resp.Header.Get("ETag"))
				require.Empty(t, resp.Header.Get("Last-Modified"))
				return
			}

			require.Equal(t, tc.body, body)
			require.Equal(t, strconv.Itoa(len(tc.body)), resp.Header.Get("Content-Length"))
			require.NotEmpty(t, resp.Header.Get("ETag"))
			require.NotEmpty(t, resp.Header.Get("Cache-Control"))
		})
	}
}

func TestHeadMatchesGet(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	putObject(t, ts, "head.png", "image/png", "png-bytes")

	get := do(t, http.MethodGet, ts.URL+"/head.png", nil, nil)
	head := do(t, http.MethodHead, ts.URL+"/head.png", nil, nil)

	require.Equal(t, http.StatusOK, head.StatusCode)
	require.Empty(t, readBody(t, head))

	for _, name := range []string{"Content-Type", "Content-Length", "ETag", "Accept-Ranges", "Last-Modified", "Cache-Control"} {
		require.Equal(t, get.Header.Get(name), head.Header.Get(name), name)
	}

	missing := do(t, http.MethodHead, ts.URL+"/absent.png", nil, nil)
	require.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestConditionalGet(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	putObject(t, ts, "cached.mp4", "video/mp4", "payload")

	first := do(t, http.MethodGet, ts.URL+"/cached.mp4", nil, nil)
	etag := first.Header.Get("ETag")

	resp := do(t, http.MethodGet, ts.URL+"/cached.mp4", nil, map[string]string{"If-None-Match": etag})
	require.Equal(t, http.StatusNotModified, resp.StatusCode)
	require.Empty(t, readBody(t, resp))

	resp = do(t, http.MethodGet, ts.URL+"/cached.mp4", nil, map[string]string{"If-None-Match": `"other"`})
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestGetMissingObject(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)

	resp := do(t, http.MethodGet, ts.URL+"/nope.mp4", nil, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	body := decode[core.ErrorResponse](t, resp)
	require.True(t, body.Error)
	require.Equal(t, http.StatusNotFound, body.Status)
	require.Equal(t, "File not found", body.Message)

	page := do(t, http.MethodGet, ts.URL+"/nope.mp4", nil, map[string]string{"Accept": "text/html,application/xhtml+xml"})
	require.Equal(t, http.StatusNotFound, page.StatusCode)
	require.Contains(t, page.Header.Get("Content-Type"), "text/html")
	require.Contains(t, readBody(t, page), "Video Not Found")
}

func TestChunkNamespaceIsHidden(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)

	resp := putChunk(t, ts, "uploads/hidden", "u-hidden", 0, 2, "secret")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, http.MethodGet, ts.URL+"/"+upload.ChunkKey("uploads/hidden", "u-hidden", 0), nil, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = do(t, http.MethodPut, ts.URL+"/chunks/evil", strings.NewReader("x"), map[string]string{"Content-Type": "video/mp4"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestChunkedUploadAndCombine(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	key := "uploads/abc"

	for _, part := range []struct {
		index   int
		payload string
	}{{2, "C"}, {0, "A"}, {1, "B"}} {
		resp := putChunk(t, ts, key, "u-abc", part.index, 3, part.payload)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		body := decode[core.PutResponse](t, resp)
		require.True(t, body.Success)
		require.Equal(t, "Chunk uploaded", body.Message)
		require.Equal(t, "u-abc", body.UploadID)
		require.Equal(t, part.index, *body.PartNumber)
	}

	resp := postJSON(t, ts.URL+"/combine", map[string]any{
		"key":         key,
		"uploadId":    "u-abc",
		"contentType": "video/mp4",
		"totalChunks": 3,
		"totalSize":   "3",
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	combined := decode[core.CombineResponse](t, resp)
	require.True(t, combined.Success)
	require.Equal(t, "Chunks combined successfully", combined.Message)
	require.Equal(t, int64(3), combined.Size)
	require.Equal(t, 3, combined.Parts)

	get := do(t, http.MethodGet, ts.URL+"/"+key, nil, nil)
	require.Equal(t, "ABC", readBody(t, get))
	require.Equal(t, `"`+combined.ETag+`"`, get.Header.Get("ETag"))

	retry := postJSON(t, ts.URL+"/combine", map[string]any{
		"key": key, "uploadId": "u-abc", "contentType": "video/mp4", "totalChunks": 3,
	}, nil)
	require.Equal(t, http.StatusOK, retry.StatusCode)
	require.Equal(t, "Upload already combined", decode[core.CombineResponse](t, retry).Message)

	late := putChunk(t, ts, key, "u-abc", 0, 3, "Z")
	require.Equal(t, http.StatusConflict, late.StatusCode)
}

func TestCombineErrors(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/combine", map[string]any{"key": "uploads/x"}, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "Missing required parameters", decode[core.ErrorResponse](t, resp).Message)

	resp = do(t, http.MethodPost, ts.URL+"/combine", strings.NewReader("{"), map[string]string{"Content-Type": "application/json"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	require.Equal(t, http.StatusOK, putChunk(t, ts, "uploads/gap", "u-gap", 0, 3, "A").StatusCode)
	require.Equal(t, http.StatusOK, putChunk(t, ts, "uploads/gap", "u-gap", 2, 3, "C").StatusCode)

	resp = postJSON(t, ts.URL+"/combine", map[string]any{
		"key": "uploads/gap", "uploadId": "u-gap", "contentType": "video/mp4", "totalChunks": 3,
	}, nil)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	body := decode[core.ErrorResponse](t, resp)
	require.NotNil(t, body.Part)
	require.Equal(t, 1, *body.Part)
	require.Equal(t, "missing chunk 1", body.Message)

	resp = do(t, http.MethodGet, ts.URL+"/uploads/gap", nil, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestChunkPartCountMismatch(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)

	require.Equal(t, http.StatusOK, putChunk(t, ts, "uploads/count", "u-count", 0, 2, "A").StatusCode)

	resp := putChunk(t, ts, "uploads/count", "u-count", 1, 3, "B")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, http.MethodPut, ts.URL+"/uploads/count", strings.NewReader("B"), map[string]string{
		"Content-Type":  "video/mp4",
		"X-Upload-Id":   "u-count",
		"X-Part-Number": "one",
		"X-Total-Parts": "2",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAbortEndpoint(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)

	require.Equal(t, http.StatusOK, putChunk(t, ts, "uploads/abort", "u-abort", 0, 2, "A").StatusCode)

	resp := postJSON(t, ts.URL+"/abort", map[string]string{"key": "uploads/abort", "uploadId": "u-abort"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, decode[core.StatusResponse](t, resp).Success)

	resp = postJSON(t, ts.URL+"/combine", map[string]any{
		"key": "uploads/abort", "uploadId": "u-abort", "contentType": "video/mp4", "totalChunks": 2,
	}, nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/abort", map[string]string{"key": "uploads/abort", "uploadId": "unknown"}, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDeleteObject(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	putObject(t, ts, "gone.mp4", "video/mp4", "bytes")

	resp := do(t, http.MethodDelete, ts.URL+"/gone.mp4", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "File deleted successfully", decode[core.StatusResponse](t, resp).Message)

	resp = do(t, http.MethodGet, ts.URL+"/gone.mp4", nil, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = do(t, http.MethodDelete, ts.URL+"/gone.mp4", nil, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUploadLimits(t *testing.T) {
	t.Parallel()

	policy := upload.DefaultPolicy()
	policy.MaxUploadSize = 8
	policy.MaxChunkSize = 4
	ts := newTestServer(t, core.WithPolicy(policy))

	resp := do(t, http.MethodPut, ts.URL+"/big.mp4", strings.NewReader("0123456789"), map[string]string{"Content-Type": "video/mp4"})
	require.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)

	resp = putChunk(t, ts, "uploads/big", "u-big", 0, 2, "01234")
	require.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)

	resp = do(t, http.MethodPut, ts.URL+"/doc.txt", strings.NewReader("x"), map[string]string{"Content-Type": "text/plain"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetUploadURL(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, core.WithPublicBaseURL("https://media.example.com/"))

	resp := postJSON(t, ts.URL+"/getUploadUrl", map[string]string{"fileType": "video/mp4"}, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/getUploadUrl", map[string]string{"fileType": "video/mp4"}, map[string]string{"Authorization": "Bearer not-a-token"})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	bearer := map[string]string{"Authorization": "Bearer " + validToken(t)}

	resp = postJSON(t, ts.URL+"/getUploadUrl", map[string]string{"fileType": "application/zip"}, bearer)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "Invalid file type", decode[core.ErrorResponse](t, resp).Message)

	resp = postJSON(t, ts.URL+"/getUploadUrl", map[string]string{"fileType": "video/mp4"}, map[string]string{"Authorization": "Bearer " + validToken(t)})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[core.UploadURLResponse](t, resp)
	require.True(t, strings.HasPrefix(body.Key, upload.TargetPrefix))
	require.Equal(t, "https://media.example.com/"+body.Key, body.UploadURL)
	require.NotEmpty(t, body.UploadID)
	require.Equal(t, int64(3600), body.ExpiresIn)
	require.Equal(t, int64(upload.DefaultMaxUploadSize), body.MaxFileSize)
	require.Equal(t, int64(upload.DefaultMaxChunkSize), body.MaxChunkSize)
	require.Equal(t, "video/mp4", body.ContentType)

	// The issued identifiers drive a chunked upload end to end.
	require.Equal(t, http.StatusOK, putChunk(t, ts, body.Key, body.UploadID, 0, 1, "solo").StatusCode)
	resp = postJSON(t, ts.URL+"/combine", map[string]any{
		"key": body.Key, "uploadId": body.UploadID, "contentType": "video/mp4", "totalChunks": 1,
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestUploadURLDefaultsToRequestHost(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/getUploadUrl", map[string]string{"fileType": "image/png"}, map[string]string{"Authorization": "Bearer " + validToken(t)})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[core.UploadURLResponse](t, resp)
	host := strings.TrimPrefix(ts.URL, "http://")
	require.Equal(t, "https://"+host+"/"+body.Key, body.UploadURL)
}

func TestRequireAuthForWrites(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, core.WithRequireAuthForWrites(true))

	resp := do(t, http.MethodPut, ts.URL+"/locked.mp4", strings.NewReader("x"), map[string]string{"Content-Type": "video/mp4"})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = do(t, http.MethodPut, ts.URL+"/locked.mp4", strings.NewReader("x"), map[string]string{
		"Content-Type":  "video/mp4",
		"Authorization": "Bearer " + validToken(t),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, http.MethodDelete, ts.URL+"/locked.mp4", nil, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = do(t, http.MethodGet, ts.URL+"/locked.mp4", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, "reads stay public")
}

func TestMethodNotAllowed(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)

	for _, tc := range []struct{ method, path string }{
		{http.MethodPatch, "/some.mp4"},
		{http.MethodPost, "/some.mp4"},
		{http.MethodPatch, "/combine"},
	} {
		resp := do(t, tc.method, ts.URL+tc.path, nil, nil)
		require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode, "%s %s", tc.method, tc.path)
		require.Equal(t, http.StatusMethodNotAllowed, decode[core.ErrorResponse](t, resp).Status)
	}
}

func TestCORS(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)

	plain := do(t, http.MethodOptions, ts.URL+"/anything", nil, nil)
	require.Equal(t, http.StatusNoContent, plain.StatusCode)

	preflight := do(t, http.MethodOptions, ts.URL+"/anything", nil, map[string]string{
		"Origin":                         "https://app.example.com",
		"Access-Control-Request-Method":  http.MethodPut,
		"Access-Control-Request-Headers": "X-Upload-Id, Content-Type",
	})
	require.Equal(t, http.StatusOK, preflight.StatusCode)
	require.Equal(t, "*", preflight.Header.Get("Access-Control-Allow-Origin"))
	require.Equal(t, http.MethodPut, preflight.Header.Get("Access-Control-Allow-Methods"))
	require.Equal(t, "86400", preflight.Header.Get("Access-Control-Max-Age"))

	putObject(t, ts, "cors.mp4", "video/mp4", "x")
	get := do(t, http.MethodGet, ts.URL+"/cors.mp4", nil, map[string]string{"Origin": "https://app.example.com"})
	require.Equal(t, "*", get.Header.Get("Access-Control-Allow-Origin"))
	require.Contains(t, get.Header.Get("Access-Control-Expose-Headers"), "Content-Range")
}

func TestRestrictedOrigins(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, core.WithAllowedOrigins("https://app.example.com"))
	putObject(t, ts, "origin.mp4", "video/mp4", "x")

	allowed := do(t, http.MethodGet, ts.URL+"/origin.mp4", nil, map[string]string{"Origin": "https://app.example.com"})
	require.Equal(t, "https://app.example.com", allowed.Header.Get("Access-Control-Allow-Origin"))

	denied := do(t, http.MethodGet, ts.URL+"/origin.mp4", nil, map[string]string{"Origin": "https://evil.example.com"})
	require.Empty(t, denied.Header.Get("Access-Control-Allow-Origin"))
}

func TestPlayerPage(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, core.WithPublicBaseURL("https://media.example.com"))
	putObject(t, ts, "uploads/show.mp4", "video/mp4", "frames")

	resp := do(t, http.MethodGet, ts.URL+"/v/uploads/show.mp4", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	require.Contains(t, readBody(t, resp), `src="https://media.example.com/uploads/show.mp4"`)

	missing := do(t, http.MethodGet, ts.URL+"/v/uploads/none.mp4", nil, nil)
	require.Equal(t, http.StatusNotFound, missing.StatusCode)
	require.Contains(t, readBody(t, missing), "Video Not Found")
}

func TestNewServerRequiresStores(t *testing.T) {
	t.Parallel()

	_, err := core.NewServer(core.NewConfig())
	require.Error(t, err)
}
