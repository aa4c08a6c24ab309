package protocol

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
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c, err := NewClient(ClientConfig{BaseURL: srv.URL, Timeout: 2 * time.Second})
	require.NoError(t, err)
	return c
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "transport", KindTransport.String())
	assert.Equal(t, "protocol", KindProtocol.String())
	assert.Equal(t, "computation", KindComputation.String())
	assert.Equal(t, "unknown", Kind(0).String())
}

func TestError_Classification(t *testing.T) {
	cause := errors.New("boom")
	tests := []struct {
		name        string
		err         error
		transport   bool
		protocol    bool
		computation bool
		retryable   bool
		message     string
	}{
		{"transport", Transport("fetch challenge", cause), true, false, false, true, "Network error"},
		{"protocol with message", Protocol("verify solution", 400, "Invalid solution", nil), false, true, false, true, "Invalid solution"},
		{"protocol without message", Protocol("verify solution", 500, "", nil), false, true, false, true, "Verification failed"},
		{"computation", Computation("solve", cause), false, false, true, false, "Solver unavailable on this device"},
		{"wrapped", errors.Join(errors.New("ctx"), Transport("x", cause)), true, false, false, true, "Network error"},
		{"plain", cause, false, false, false, false, "boom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.transport, IsTransport(tt.err))
			assert.Equal(t, tt.protocol, IsProtocol(tt.err))
			assert.Equal(t, tt.computation, IsComputation(tt.err))
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
			assert.Equal(t, tt.message, UserMessage(tt.err))
		})
	}
}

func TestError_IsAndUnwrap(t *testing.T) {
	cause := errors.New("dial failed")
	err := Transport("fetch challenge", cause)

	assert.ErrorIs(t, err, ErrTransport)
	assert.NotErrorIs(t, err, ErrProtocol)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "transport error: fetch challenge: dial failed", err.Error())

	perr := Protocol("verify solution", 400, "Invalid solution", nil)
	assert.Equal(t, "protocol error: verify solution: status 400: Invalid solution", perr.Error())
	assert.Empty(t, UserMessage(nil))
}

func TestNewClient_BaseURL(t *testing.T) {
	for _, base := range []string{"", "/pow", "ftp://host", "http://", "://bad"} {
		_, err := NewClient(ClientConfig{BaseURL: base})
		assert.ErrorIs(t, err, ErrInvalidBaseURL, "base %q", base)
	}

	c, err := NewClient(ClientConfig{BaseURL: "https://site.example/prefix/"})
	require.NoError(t, err)
	assert.Equal(t, "https://site.example/prefix", c.BaseURL())
}

func TestFetchChallenge(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, ChallengePath, r.URL.Path)
		assert.Empty(t, r.URL.RawQuery)
		writeJSON(w, http.StatusOK, map[string]any{"challenge": "abc123", "difficulty": 1})
	})

	ch, err := c.FetchChallenge(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc123", ch.Value)
	assert.Equal(t, 1, ch.Difficulty)
}

func TestFetchChallenge_Failures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"non-200", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusTooManyRequests, ErrorResponse{Error: MsgTooManyRequests})
		}},
		{"not json", func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, "<html>")
		}},
		{"missing difficulty", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"challenge": "abc"})
		}},
		{"missing challenge", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"difficulty": 2})
		}},
		{"empty challenge", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"challenge": "", "difficulty": 2})
		}},
		{"negative difficulty", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"challenge": "abc", "difficulty": -1})
		}},
		{"difficulty too large", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"challenge": "abc", "difficulty": 65})
		}},
		{"oversized body", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"challenge": strings.Repeat("a", 2*MaxBodySize), "difficulty": 1})
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, tt.handler)
			_, err := c.FetchChallenge(context.Background())
			require.Error(t, err)
			assert.True(t, IsProtocol(err), "got %v", err)
			assert.Equal(t, MsgFetchFailed, UserMessage(err))
		})
	}
}

func TestFetchChallenge_Transport(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	c, err := NewClient(ClientConfig{BaseURL: base})
	require.NoError(t, err)

	_, err = c.FetchChallenge(context.Background())
	assert.True(t, IsTransport(err), "got %v", err)
	assert.True(t, IsRetryable(err))
}

func TestSubmit(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, VerifyPath, r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req VerifyRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, VerifyRequest{Challenge: "abc123", Nonce: 17, ReturnURL: "/gallery"}, req)

		writeJSON(w, http.StatusOK, VerifyResponse{Success: true})
	})

	err := c.Submit(context.Background(), Submission{Challenge: "abc123", Nonce: 17, ReturnURL: "/gallery"})
	assert.NoError(t, err)
}

func TestSubmit_WireFormat(t *testing.T) {
	var raw map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
		writeJSON(w, http.StatusOK, VerifyResponse{Success: true})
	})

	require.NoError(t, c.Submit(context.Background(), Submission{Challenge: "c", Nonce: 3, ReturnURL: "/"}))
	assert.Equal(t, map[string]any{"challenge": "c", "nonce": float64(3), "return_url": "/"}, raw)
}

func TestSubmit_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		message string
	}{
		{"server message", http.StatusBadRequest, `{"error":"Invalid or expired challenge"}`, "Invalid or expired challenge"},
		{"no message", http.StatusInternalServerError, `oops`, "Verification failed"},
		{"success false", http.StatusOK, `{"success":false}`, "Invalid solution"},
		{"empty object", http.StatusOK, `{}`, "Invalid solution"},
		{"garbage 200", http.StatusOK, `not json`, "Verification failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			})

			err := c.Submit(context.Background(), Submission{Challenge: "c", Nonce: 1, ReturnURL: "/"})
			require.Error(t, err)
			assert.True(t, IsProtocol(err))
			assert.Equal(t, tt.message, UserMessage(err))
		})
	}
}

func TestSubmit_ContextCancelled(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, VerifyResponse{Success: true})
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.Submit(ctx, Submission{Challenge: "c"})
	assert.True(t, IsTransport(err))
	assert.ErrorIs(t, err, context.Canceled)
}
