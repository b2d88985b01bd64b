package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khushsharma-rampinfotech/whatsapp-service/internal/models"
)

func newTestClient(server *httptest.Server) *Client {
	return &Client{
		httpClient:    server.Client(),
		token:         "test-token",
		phoneNumberID: "555",
		baseURL:       server.URL,
	}
}

func TestReplySendsQuotedText(t *testing.T) {
	var got textMessage
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/555/messages", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"messages":[{"id":"wamid.out"}]}`))
	}))
	defer server.Close()

	err := newTestClient(server).Reply(context.Background(), "919876543210", "hello", "wamid.in")
	require.NoError(t, err)
	assert.Equal(t, "whatsapp", got.MessagingProduct)
	assert.Equal(t, "919876543210", got.To)
	assert.Equal(t, "text", got.Type)
	assert.Equal(t, "hello", got.Text.Body)
	require.NotNil(t, got.Context)
	assert.Equal(t, "wamid.in", got.Context.MessageID)
}

func TestReplyErrors(t *testing.T) {
	status := http.StatusBadRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		w.Write([]byte(`{"error":{"message":"Invalid parameter","type":"OAuthException","code":100}}`))
	}))
	defer server.Close()
	client := newTestClient(server)

	err := client.Reply(context.Background(), "1", "x", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid parameter")
	assert.False(t, errors.Is(err, models.ErrCollaboratorUnavailable))

	status = http.StatusBadGateway
	err = client.Reply(context.Background(), "1", "x", "")
	assert.True(t, errors.Is(err, models.ErrCollaboratorUnavailable))
}

func TestFetchFollowsMediaURL(t *testing.T) {
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/media-1":
			json.NewEncoder(w).Encode(mediaInfo{ID: "media-1", URL: server.URL + "/download/media-1", MimeType: "image/jpeg"})
		case "/download/media-1":
			w.Write([]byte("jpeg-bytes"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	body, mime, err := newTestClient(server).Fetch(context.Background(), "media-1")
	require.NoError(t, err)
	defer body.Close()
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "jpeg-bytes", string(data))
	assert.Equal(t, "image/jpeg", mime)
}
