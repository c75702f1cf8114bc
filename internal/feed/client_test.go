package feed

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"agt20-indexer/internal/domain"
)

func fastClient(url string, opts ...ClientOption) *HTTPClient {
	opts = append([]ClientOption{
		WithRetryDelay(time.Millisecond),
		WithMaxDelay(5 * time.Millisecond),
	}, opts...)
	return NewHTTPClient(url, opts...)
}

func TestHTTPClient_ListPosts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/posts" {
			t.Errorf("expected path /posts, got %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("sort") != "new" || q.Get("limit") != "2" || q.Get("offset") != "4" || q.Get("submolt") != "agt20" {
			t.Errorf("unexpected query: %s", r.URL.RawQuery)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer k" {
			t.Errorf("expected bearer header, got %q", got)
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"posts": [
				{"id":"p2","content":"hi","author":{"id":"a1","name":"alice"},"created_at":"2026-02-01T10:00:00.500Z","url":"https://example.com/p2"},
				{"id":"p1","content":null,"created_at":"2026-02-01T09:00:00Z"},
				{"id":"bad","content":"x","created_at":"yesterday"}
			],
			"has_more": true
		}`))
	}))
	defer server.Close()

	client := fastClient(server.URL, WithAPIKey("k"))
	page, err := client.ListPosts(context.Background(), ListOptions{Limit: 2, Offset: 4, Submolt: "agt20"})
	if err != nil {
		t.Fatalf("ListPosts: %v", err)
	}

	if !page.HasMore {
		t.Error("expected has_more")
	}
	if len(page.Posts) != 2 {
		t.Fatalf("expected 2 posts (malformed dropped), got %d", len(page.Posts))
	}
	if page.Received != 3 {
		t.Errorf("expected 3 received, got %d", page.Received)
	}

	p2 := page.Posts[0]
	if p2.AuthorName != "alice" || p2.AuthorID != "a1" {
		t.Errorf("unexpected author %q/%q", p2.AuthorName, p2.AuthorID)
	}
	want := time.Date(2026, 2, 1, 10, 0, 0, 500e6, time.UTC).UnixMilli()
	if p2.CreatedAt != want {
		t.Errorf("expected created_at %d, got %d", want, p2.CreatedAt)
	}
	if p2.URL != "https://example.com/p2" {
		t.Errorf("unexpected url %s", p2.URL)
	}

	p1 := page.Posts[1]
	if p1.AuthorName != domain.UnknownAuthor {
		t.Errorf("expected Unknown author, got %q", p1.AuthorName)
	}
	if p1.URL != DefaultPostURLBase+"/p1" {
		t.Errorf("expected default url, got %s", p1.URL)
	}
	if p1.Content != "" {
		t.Errorf("expected empty content, got %q", p1.Content)
	}
}

func TestHTTPClient_ListPosts_HasMoreFallback(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"posts":[{"id":"a","created_at":"2026-02-01T09:00:00Z"},{"id":"b","created_at":"2026-02-01T09:00:00Z"}]}`))
	}))
	defer server.Close()

	client := fastClient(server.URL)

	page, err := client.ListPosts(context.Background(), ListOptions{Limit: 2})
	if err != nil {
		t.Fatalf("ListPosts: %v", err)
	}
	if !page.HasMore {
		t.Error("full page without has_more should report more")
	}

	page, err = client.ListPosts(context.Background(), ListOptions{Limit: 3})
	if err != nil {
		t.Fatalf("ListPosts: %v", err)
	}
	if page.HasMore {
		t.Error("short page should report no more")
	}
}

func TestHTTPClient_GetPost(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/posts/abc":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"post": map[string]interface{}{
					"id":         "abc",
					"content":    `{"p":"agt-20","op":"mint","tick":"AAA","amt":"1"}`,
					"author":     map[string]string{"name": "bob"},
					"created_at": "2026-02-01T09:00:00Z",
				},
			})
		case "/posts/empty":
			w.Write([]byte(`{}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client := fastClient(server.URL, WithPostURLBase("https://feed.test/post/"))
	ctx := context.Background()

	post, err := client.GetPost(ctx, "abc")
	if err != nil {
		t.Fatalf("GetPost: %v", err)
	}
	if post.ID != "abc" || post.AuthorName != "bob" {
		t.Errorf("unexpected post %+v", post)
	}
	if post.URL != "https://feed.test/post/abc" {
		t.Errorf("unexpected url %s", post.URL)
	}

	if _, err := client.GetPost(ctx, "missing"); !errors.Is(err, ErrPostNotFound) {
		t.Errorf("expected ErrPostNotFound, got %v", err)
	}
	if _, err := client.GetPost(ctx, "empty"); !errors.Is(err, ErrPostNotFound) {
		t.Errorf("expected ErrPostNotFound for empty body, got %v", err)
	}
}

func TestHTTPClient_RetryOnRateLimitAndServerError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			w.WriteHeader(http.StatusTooManyRequests)
		case 2:
			w.WriteHeader(http.StatusBadGateway)
		default:
			w.Write([]byte(`{"posts":[],"has_more":false}`))
		}
	}))
	defer server.Close()

	client := fastClient(server.URL)
	page, err := client.ListPosts(context.Background(), ListOptions{Limit: 10})
	if err != nil {
		t.Fatalf("ListPosts: %v", err)
	}
	if len(page.Posts) != 0 {
		t.Errorf("expected empty page, got %d", len(page.Posts))
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 calls, got %d", calls.Load())
	}
}

func TestHTTPClient_MaxRetriesExceeded(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := fastClient(server.URL, WithMaxRetries(2))
	_, err := client.ListPosts(context.Background(), ListOptions{})
	if !errors.Is(err, ErrUnexpectedStatus) {
		t.Fatalf("expected ErrUnexpectedStatus, got %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 calls, got %d", calls.Load())
	}
}

func TestHTTPClient_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	client := fastClient(server.URL)
	_, err := client.ListPosts(context.Background(), ListOptions{})
	if !errors.Is(err, ErrUnexpectedStatus) {
		t.Fatalf("expected ErrUnexpectedStatus, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 call, got %d", calls.Load())
	}
}

func TestHTTPClient_ListNotFoundIsUnexpected(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	_, err := fastClient(server.URL).ListPosts(context.Background(), ListOptions{})
	if !errors.Is(err, ErrUnexpectedStatus) {
		t.Fatalf("expected ErrUnexpectedStatus, got %v", err)
	}
	if errors.Is(err, ErrPostNotFound) {
		t.Error("listing must not report ErrPostNotFound")
	}
}

func TestHTTPClient_ContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := NewHTTPClient(server.URL, WithRetryDelay(time.Second))
	if _, err := client.ListPosts(ctx, ListOptions{}); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}
