package github

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func mustNew(t *testing.T, token string, opts ...Option) *Client {
	t.Helper()
	opts = append(opts, WithRetryBackoff(time.Millisecond))
	c, err := New(token, opts...)
	if err != nil {
		t.Fatalf("creating client: %v", err)
	}
	return c
}

func assertAuth(t *testing.T, r *http.Request, want string) {
	t.Helper()
	if got := r.Header.Get("Authorization"); got != want {
		t.Errorf("expected Authorization %q, got %q", want, got)
	}
}

func TestClient_ListOpenIssues_FiltersPRsAndLabels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/repos/octocat/hello/issues" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		assertAuth(t, r, "Bearer ghp_test123")

		json.NewEncoder(w).Encode([]map[string]any{
			{"number": 1, "title": "First", "body": "one"},
			{"number": 2, "title": "A PR", "pull_request": map[string]any{"url": "x"}},
			{"number": 3, "title": "Skipped", "labels": []map[string]any{{"name": "wontfix"}}},
			{"number": 4, "title": "Fourth", "labels": []map[string]any{{"name": "bug"}}},
		})
	}))
	defer srv.Close()

	c := mustNew(t, "ghp_test123", WithBaseURL(srv.URL+"/"))
	issues, err := c.ListOpenIssues(context.Background(), "octocat", "hello", 10, []string{"wontfix"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(issues) != 2 {
		t.Fatalf("expected 2 issues, got %d", len(issues))
	}
	if issues[0].Number != 1 || issues[1].Number != 4 {
		t.Errorf("unexpected issue numbers: %d, %d", issues[0].Number, issues[1].Number)
	}
	if issues[1].Labels[0] != "bug" {
		t.Errorf("expected bug label, got %v", issues[1].Labels)
	}
}

func TestClient_ListOpenIssues_RespectsMax(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]any{
			{"number": 1, "title": "a"},
			{"number": 2, "title": "b"},
			{"number": 3, "title": "c"},
		})
	}))
	defer srv.Close()

	c := mustNew(t, "ghp_test123", WithBaseURL(srv.URL+"/"))
	issues, err := c.ListOpenIssues(context.Background(), "octocat", "hello", 2, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(issues) != 2 {
		t.Fatalf("expected 2 issues, got %d", len(issues))
	}
}

func TestClient_FetchIssueComments_Paginates(t *testing.T) {
	page := 0
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/repos/octocat/hello/issues/10/comments" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		page++
		if page == 1 {
			w.Header().Set("Link", `<`+srv.URL+`/api/v3/repos/octocat/hello/issues/10/comments?page=2>; rel="next"`)
			json.NewEncoder(w).Encode([]map[string]any{
				{"id": 1, "body": "first", "user": map[string]any{"login": "alice"}, "created_at": "2026-01-01T00:00:00Z"},
			})
			return
		}
		json.NewEncoder(w).Encode([]map[string]any{
			{"id": 2, "body": "second", "user": map[string]any{"login": "bob"}, "created_at": "2026-01-02T00:00:00Z"},
		})
	}))
	defer srv.Close()

	c := mustNew(t, "ghp_test123", WithBaseURL(srv.URL+"/"))
	comments, err := c.FetchIssueComments(context.Background(), "octocat", "hello", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(comments) != 2 {
		t.Fatalf("expected 2 comments, got %d", len(comments))
	}
	if comments[0].User != "alice" || comments[1].User != "bob" {
		t.Errorf("unexpected users: %s, %s", comments[0].User, comments[1].User)
	}
	if !comments[0].CreatedAt.Before(comments[1].CreatedAt) {
		t.Errorf("expected comments in creation order")
	}
}

func TestClient_PostIssueComment_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/api/v3/repos/octocat/hello/issues/10/comments" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}

		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["body"] != "plan text" {
			t.Errorf("unexpected body: %v", body)
		}

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"id":   99,
			"body": "plan text",
			"user": map[string]any{"login": "nightshift[bot]"},
		})
	}))
	defer srv.Close()

	c := mustNew(t, "ghp_test123", WithBaseURL(srv.URL+"/"))
	cm, err := c.PostIssueComment(context.Background(), "octocat", "hello", 10, "plan text")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cm.ID != 99 {
		t.Errorf("expected comment ID 99, got %d", cm.ID)
	}
}

func TestClient_FindIssuePR_ReturnsFirstMatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v3/search/issues":
			q := r.URL.Query().Get("q")
			if q != `"fixes #10" repo:octocat/hello type:pr` {
				t.Errorf("unexpected query: %s", q)
			}
			json.NewEncoder(w).Encode(map[string]any{
				"total_count": 2,
				"items": []map[string]any{
					{"number": 42, "pull_request": map[string]any{"url": "x"}},
					{"number": 43, "pull_request": map[string]any{"url": "y"}},
				},
			})
		case "/api/v3/repos/octocat/hello/pulls/42":
			json.NewEncoder(w).Encode(map[string]any{
				"number":          42,
				"merged":          false,
				"review_comments": 3,
				"state":           "open",
			})
		default:
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := mustNew(t, "ghp_test123", WithBaseURL(srv.URL+"/"))
	pr, err := c.FindIssuePR(context.Background(), "octocat", "hello", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pr == nil {
		t.Fatal("expected a PR")
	}
	if pr.Number != 42 || pr.ReviewComments != 3 {
		t.Errorf("unexpected PR: %+v", pr)
	}
}

func TestClient_FindIssuePR_NoMatch_ReturnsNil(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"total_count": 0, "items": []any{}})
	}))
	defer srv.Close()

	c := mustNew(t, "ghp_test123", WithBaseURL(srv.URL+"/"))
	pr, err := c.FindIssuePR(context.Background(), "octocat", "hello", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pr != nil {
		t.Errorf("expected nil PR, got %+v", pr)
	}
}

func TestClient_FetchPR_MergedFlag(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"number": 42,
			"merged": true,
			"state":  "closed",
		})
	}))
	defer srv.Close()

	c := mustNew(t, "ghp_test123", WithBaseURL(srv.URL+"/"))
	pr, err := c.FetchPR(context.Background(), "octocat", "hello", 42)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !pr.Merged {
		t.Error("expected merged flag")
	}
}

func TestClient_CreateDraftPR_SetsDraftFlag(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["draft"] != true {
			t.Errorf("expected draft:true, got %v", body["draft"])
		}
		if body["head"] != "nightshift/10" || body["base"] != "main" {
			t.Errorf("unexpected head/base: %v", body)
		}

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"number":   7,
			"html_url": "https://github.com/octocat/hello/pull/7",
			"state":    "open",
		})
	}))
	defer srv.Close()

	c := mustNew(t, "ghp_test123", WithBaseURL(srv.URL+"/"))
	pr, err := c.CreateDraftPR(context.Background(), "octocat", "hello", "nightshift/10", "main", "Fix it", "Fixes #10")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pr.Number != 7 {
		t.Errorf("expected PR 7, got %d", pr.Number)
	}
}

func TestClient_ServerError_Retries(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"number": 42, "state": "open"})
	}))
	defer srv.Close()

	c := mustNew(t, "ghp_test123", WithBaseURL(srv.URL+"/"))
	pr, err := c.FetchPR(context.Background(), "octocat", "hello", 42)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pr.Number != 42 {
		t.Errorf("expected PR 42, got %d", pr.Number)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestClient_ClientError_NoRetry(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]any{"message": "Not Found"})
	}))
	defer srv.Close()

	c := mustNew(t, "ghp_test123", WithBaseURL(srv.URL+"/"))
	_, err := c.FetchPR(context.Background(), "octocat", "hello", 42)
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected 1 call for 4xx, got %d", calls)
	}
}
