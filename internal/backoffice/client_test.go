package backoffice

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khushsharma-rampinfotech/whatsapp-service/internal/models"
)

func newTestClient(server *httptest.Server) *Client {
	return &Client{httpClient: server.Client(), baseURL: server.URL}
}

func TestLogin(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/login", r.URL.Path)
		assert.Equal(t, "919876543210", r.URL.Query().Get("phone"))
		w.Write([]byte(`{"sessionId":"sess-1"}`))
	}))
	defer server.Close()

	cred, err := newTestClient(server).Login(context.Background(), "919876543210")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", cred)
}

func TestLoginWithoutSessionID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	_, err := newTestClient(server).Login(context.Background(), "1")
	require.Error(t, err)
}

func TestCreateAndAppend(t *testing.T) {
	var paths []string
	var got ClaimRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		assert.Equal(t, "sess-1", r.Header.Get("X-Session-Id"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"claim_no":1042,"bills":[{"bill_no":7},{"bill_no":"8"}]}`))
	}))
	defer server.Close()
	client := newTestClient(server)

	claim := ClaimRequest{
		Claim: ClaimHeader{Title: ClaimTitle, EmployeeID: 12, EntityID: "E1", Total: "19.75", Status: StatusDrafted},
		Bills: []LineItem{
			{ExpenseTypeID: 1, ExpenseSubTypeID: 2, BillAmount: "12.50", VATAmount: "0"},
			{ExpenseTypeID: 1, ExpenseSubTypeID: 3, BillAmount: "7.25", VATAmount: "0"},
		},
	}
	res, err := client.CreateOrAppend(context.Background(), "sess-1", "", claim)
	require.NoError(t, err)
	assert.Equal(t, "1042", res.RecordRef)
	assert.Equal(t, []string{"7", "8"}, res.LineItemRefs)
	assert.Equal(t, json.Number("19.75"), got.Claim.Total)
	assert.Len(t, got.Bills, 2)

	_, err = client.CreateOrAppend(context.Background(), "sess-1", "1042", claim)
	require.NoError(t, err)
	assert.Equal(t, []string{"/api/claims", "/api/claims/1042"}, paths)
}

func TestCreateErrors(t *testing.T) {
	status := http.StatusUnauthorized
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer server.Close()
	client := newTestClient(server)

	_, err := client.CreateOrAppend(context.Background(), "old", "", ClaimRequest{})
	assert.True(t, errors.Is(err, ErrSessionExpired))

	status = http.StatusBadGateway
	_, err = client.CreateOrAppend(context.Background(), "sess", "", ClaimRequest{})
	assert.True(t, errors.Is(err, models.ErrCollaboratorUnavailable))

	status = http.StatusUnprocessableEntity
	_, err = client.CreateOrAppend(context.Background(), "sess", "", ClaimRequest{})
	require.Error(t, err)
	assert.False(t, errors.Is(err, models.ErrCollaboratorUnavailable))
}

func TestAttachSendsAllFiles(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/upload/server", r.URL.Path)
		assert.Equal(t, "sess-1", r.URL.Query().Get("sessionId"))
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "1042", r.FormValue("claim_no"))
		assert.Equal(t, "7", r.FormValue("bill_no"))
		files := r.MultipartForm.File["files"]
		require.Len(t, files, 2)
		assert.Equal(t, "a.jpg", files[0].Filename)
		f, err := files[1].Open()
		require.NoError(t, err)
		body, _ := io.ReadAll(f)
		assert.Equal(t, "pdf-bytes", string(body))
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer server.Close()

	attachments := []Attachment{
		{Name: "a.jpg", MimeType: "image/jpeg", Open: opener("jpg-bytes")},
		{Name: "b.pdf", MimeType: "application/pdf", Open: opener("pdf-bytes")},
	}
	err := newTestClient(server).Attach(context.Background(), "sess-1", "1042", "7", attachments)
	require.NoError(t, err)
}

func TestAttachOpenFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	attachments := []Attachment{{Name: "gone.jpg", Open: func(context.Context) (io.ReadCloser, error) {
		return nil, errors.New("file removed")
	}}}
	err := newTestClient(server).Attach(context.Background(), "sess-1", "1042", "7", attachments)
	require.Error(t, err)
}

func opener(content string) func(context.Context) (io.ReadCloser, error) {
	return func(context.Context) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(content)), nil
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

// endlessFile never runs out of bytes and reports when it is closed.
type endlessFile struct {
	closed chan struct{}
}

func (f *endlessFile) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 'x'
	}
	return len(p), nil
}

func (f *endlessFile) Close() error {
	close(f.closed)
	return nil
}

func TestAttachStopsWritingWhenServerAnswersEarly(t *testing.T) {
	client := &Client{
		httpClient: &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			// read into the file part, then answer without draining the rest
			if _, err := io.ReadFull(r.Body, make([]byte, 64<<10)); err != nil {
				return nil, err
			}
			return &http.Response{
				StatusCode: http.StatusOK,
				Header:     make(http.Header),
				Body:       io.NopCloser(strings.NewReader(`{}`)),
				Request:    r,
			}, nil
		})},
		baseURL: "http://backoffice.test",
	}
	src := &endlessFile{closed: make(chan struct{})}
	attachments := []Attachment{{Name: "big.jpg", MimeType: "image/jpeg", Open: func(context.Context) (io.ReadCloser, error) {
		return src, nil
	}}}

	require.NoError(t, client.Attach(context.Background(), "cred", "CLM-1", "CLM-1-B1", attachments))
	select {
	case <-src.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("attachment writer still running after the response")
	}
}
