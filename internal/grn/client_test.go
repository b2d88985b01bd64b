package grn

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khushsharma-rampinfotech/whatsapp-service/internal/config"
	"github.com/khushsharma-rampinfotech/whatsapp-service/internal/models"
)

func TestExtractUploadsFile(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		body, _ := io.ReadAll(file)
		assert.Equal(t, "grn.pdf", header.Filename)
		assert.Equal(t, "%PDF-1.4", string(body))
		w.Write([]byte(`{"sharepoint_url":"https://sp/doc","database_status":"Success"}`))
	}))
	defer server.Close()

	client := NewClient(config.GRNConfig{URL: server.URL, ConnectTimeout: 1, ReadTimeout: 5})
	res, err := client.Extract(context.Background(), "grn.pdf", strings.NewReader("%PDF-1.4"))
	require.NoError(t, err)
	assert.True(t, res.Complete())
	assert.Equal(t, replySuccess, ReplyFor(res, nil))
}

func TestExtractPartial(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"sharepoint_url":"https://sp/doc","database_status":"Failed"}`))
	}))
	defer server.Close()

	client := NewClient(config.GRNConfig{URL: server.URL, ConnectTimeout: 1, ReadTimeout: 5})
	res, err := client.Extract(context.Background(), "grn.jpg", strings.NewReader("x"))
	require.NoError(t, err)
	assert.False(t, res.Complete())
	assert.Equal(t, replyPartial, ReplyFor(res, nil))
}

func TestExtractServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClient(config.GRNConfig{URL: server.URL, ConnectTimeout: 1, ReadTimeout: 5})
	_, err := client.Extract(context.Background(), "grn.jpg", strings.NewReader("x"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrCollaboratorUnavailable))
	assert.Equal(t, replyFailed, ReplyFor(nil, err))
}

func TestExtractTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	client := NewClient(config.GRNConfig{URL: server.URL, ConnectTimeout: 1, ReadTimeout: 5})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Extract(ctx, "grn.jpg", strings.NewReader("x"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.Equal(t, replyDeferred, ReplyFor(nil, err))
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

// endlessDocument streams until the upload stops taking bytes.
type endlessDocument struct {
	stopped chan error
}

func (d *endlessDocument) Read([]byte) (int, error) { return 0, io.EOF }

func (d *endlessDocument) WriteTo(w io.Writer) (int64, error) {
	chunk := bytes.Repeat([]byte("x"), 32<<10)
	var n int64
	for {
		m, err := w.Write(chunk)
		n += int64(m)
		if err != nil {
			d.stopped <- err
			return n, err
		}
	}
}

func TestExtractStopsWritingWhenServerAnswersEarly(t *testing.T) {
	client := &Client{
		httpClient: &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			// read into the file part, then answer without draining the rest
			if _, err := io.ReadFull(r.Body, make([]byte, 64<<10)); err != nil {
				return nil, err
			}
			return &http.Response{
				StatusCode: http.StatusOK,
				Header:     make(http.Header),
				Body:       io.NopCloser(strings.NewReader(`{"sharepoint_url":"https://sp/doc","database_status":"Success"}`)),
				Request:    r,
			}, nil
		})},
		url: "http://grn.test/extract",
	}
	doc := &endlessDocument{stopped: make(chan error, 1)}

	res, err := client.Extract(context.Background(), "grn.pdf", doc)
	require.NoError(t, err)
	assert.True(t, res.Complete())
	select {
	case err := <-doc.stopped:
		assert.ErrorIs(t, err, io.ErrClosedPipe)
	case <-time.After(2 * time.Second):
		t.Fatal("document writer still running after the response")
	}
}
