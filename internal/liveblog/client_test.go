package liveblog

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(ClientOptions{
		Endpoint:   server.URL,
		Username:   "collaborator",
		Password:   "secret",
		MaxRetries: 2,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
	})
}

func TestLoginCachesToken(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth":
			require.Equal(t, http.MethodPost, r.Method)
			var creds map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&creds))
			assert.Equal(t, "collaborator", creds["username"])
			assert.Equal(t, "secret", creds["password"])
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"token": "session-token"}`))
		case "/posts":
			assert.Equal(t, "session-token", r.Header.Get("Authorization"))
			_, _ = w.Write([]byte(`{"_items": []}`))
		default:
			http.NotFound(w, r)
		}
	}))

	require.NoError(t, client.Login(context.Background()))
	_, err := client.GetJSON(context.Background(), "/posts", "")
	require.NoError(t, err)
}

func TestLoginWithoutTokenFails(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{}`))
	}))
	assert.ErrorIs(t, client.Login(context.Background()), ErrNotLoggedIn)
}

func TestGetJSONAppendsRawQuery(t *testing.T) {
	var gotQuery string
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`{"ok": true}`))
	}))

	_, err := client.GetJSON(context.Background(), "/posts", "max_results=20&page=1")
	require.NoError(t, err)
	assert.Equal(t, "max_results=20&page=1", gotQuery)
}

func TestRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"ok": true}`))
	}))

	res, err := client.GetJSON(context.Background(), "/posts", "")
	require.NoError(t, err)
	assert.Equal(t, true, res["ok"])
	assert.Equal(t, int32(3), calls.Load())
}

func TestRetriesExhaustedReturnHTTPError(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"_status": "ERR", "message": "boom"}`))
	}))

	_, err := client.GetJSON(context.Background(), "/posts", "")
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusInternalServerError, httpErr.StatusCode)
	assert.Equal(t, "boom", httpErr.Message)
	// initial attempt plus two retries
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message": "validation failed"}`))
	}))

	_, err := client.PostJSON(context.Background(), "/posts", map[string]any{}, http.StatusCreated)
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusUnprocessableEntity, httpErr.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestExpiredSessionTriggersRelogin(t *testing.T) {
	var logins atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth":
			logins.Add(1)
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"token": "fresh-token"}`))
		default:
			if r.Header.Get("Authorization") != "fresh-token" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_, _ = w.Write([]byte(`{"ok": true}`))
		}
	}))

	res, err := client.GetJSON(context.Background(), "/posts", "")
	require.NoError(t, err)
	assert.Equal(t, true, res["ok"])
	assert.Equal(t, int32(1), logins.Load())
}

func TestPatchJSONSendsIfMatch(t *testing.T) {
	var gotIfMatch string
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotIfMatch = r.Header.Get("If-Match")
		_, _ = w.Write([]byte(`{"_id": "doc-1", "_etag": "etag-2"}`))
	}))

	res, err := client.PatchJSON(context.Background(), "/posts/doc-1", map[string]any{"deleted": true}, "etag-1", http.StatusOK)
	require.NoError(t, err)
	assert.Equal(t, "etag-1", gotIfMatch)
	assert.Equal(t, "etag-2", res["_etag"])
}

func TestPatchJSONEtagMismatchIsConflict(t *testing.T) {
	for _, status := range []int{http.StatusPreconditionFailed, http.StatusConflict} {
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))

		_, err := client.PatchJSON(context.Background(), "/posts/doc-1", map[string]any{}, "stale-etag", http.StatusOK)
		require.ErrorIs(t, err, ErrConflict)
		var conflict *ConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, "/posts/doc-1", conflict.Path)
		assert.Equal(t, "stale-etag", conflict.Etag)
	}
}

func TestUploadMediaPostsMultipart(t *testing.T) {
	staged, err := os.CreateTemp(t.TempDir(), "upload-*.jpg")
	require.NoError(t, err)
	_, err = staged.WriteString("jpeg bytes")
	require.NoError(t, err)
	require.NoError(t, staged.Close())

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/archive", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		file, header, err := r.FormFile("media")
		require.NoError(t, err)
		defer file.Close()
		assert.NotEmpty(t, header.Filename)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"_id": "media-1", "renditions": {}}`))
	}))

	res, err := client.UploadMedia(context.Background(), staged.Name())
	require.NoError(t, err)
	assert.Equal(t, "media-1", res["_id"])
}

func TestDownloadFileStagesBody(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("image payload"))
	}))

	path, err := client.DownloadFile(context.Background(), client.Endpoint()+"/media/abc.jpg")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.Remove(path) })

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "image payload", string(data))
}

func TestRetryDelayPrefersRetryAfter(t *testing.T) {
	client := NewClient(ClientOptions{
		Endpoint:  "http://localhost",
		BaseDelay: time.Millisecond,
		MaxDelay:  10 * time.Second,
	})
	assert.Equal(t, 3*time.Second, client.retryDelay(1, "3"))
	assert.Equal(t, time.Millisecond, client.retryDelay(1, ""))
	assert.Equal(t, 2*time.Millisecond, client.retryDelay(2, ""))
	assert.Equal(t, 10*time.Second, client.retryDelay(40, ""))
}
