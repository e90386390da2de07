package vcs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fyrsmithlabs/autopilot/internal/apperr"
	"github.com/fyrsmithlabs/autopilot/internal/config"
	"github.com/google/go-github/v57/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const repoPath = "/repos/acme/site"

func newTestGitHub(t *testing.T) (*GitHub, *http.ServeMux) {
	t.Helper()
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	g, err := NewGitHub(context.Background(), GitHubConfig{
		Token:  config.Secret("ghp_test"),
		Owner:  "acme",
		Repo:   "site",
		APIURL: srv.URL,
	})
	require.NoError(t, err)
	return g, mux
}

func TestNewGitHub_Validation(t *testing.T) {
	_, err := NewGitHub(context.Background(), GitHubConfig{Owner: "acme", Repo: "site"})
	assert.Error(t, err)

	_, err = NewGitHub(context.Background(), GitHubConfig{Token: config.Secret("t")})
	assert.Error(t, err)

	g, err := NewGitHub(context.Background(), GitHubConfig{Token: config.Secret("t"), Owner: "acme", Repo: "site"})
	require.NoError(t, err)
	assert.Equal(t, "acme/site", g.Repository())
}

func TestGitHub_SendsToken(t *testing.T) {
	g, mux := newTestGitHub(t)
	mux.HandleFunc(repoPath+"/git/ref/heads/main", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer ghp_test", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"ref":"refs/heads/main","object":{"sha":"abc123"}}`)
	})

	ref, err := g.GetRef(context.Background(), "main")
	require.NoError(t, err)
	assert.Equal(t, &Ref{Branch: "main", SHA: "abc123"}, ref)
}

func TestGitHub_CreateRef(t *testing.T) {
	g, mux := newTestGitHub(t)
	mux.HandleFunc(repoPath+"/git/refs", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "refs/heads/autopilot/x", body["ref"])
		assert.Equal(t, "abc123", body["sha"])
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"ref":"refs/heads/autopilot/x","object":{"sha":"abc123"}}`)
	})

	require.NoError(t, g.CreateRef(context.Background(), "autopilot/x", "abc123"))
}

func TestGitHub_GetFile(t *testing.T) {
	g, mux := newTestGitHub(t)
	encoded := base64.StdEncoding.EncodeToString([]byte("hello world\n"))
	mux.HandleFunc(repoPath+"/contents/docs/readme.md", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "main", r.URL.Query().Get("ref"))
		fmt.Fprintf(w, `{"type":"file","encoding":"base64","path":"docs/readme.md","sha":"blob1","content":%q}`, encoded)
	})

	f, err := g.GetFile(context.Background(), "docs/readme.md", "main")
	require.NoError(t, err)
	assert.Equal(t, "hello world\n", f.Content)
	assert.Equal(t, "blob1", f.SHA)
}

func TestGitHub_GetFileMissing(t *testing.T) {
	g, mux := newTestGitHub(t)
	mux.HandleFunc(repoPath+"/contents/nope.md", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"message":"Not Found"}`)
	})

	_, err := g.GetFile(context.Background(), "nope.md", "main")
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestGitHub_PutFile(t *testing.T) {
	g, mux := newTestGitHub(t)
	mux.HandleFunc(repoPath+"/contents/docs/a.md", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "docs: add a", body["message"])
		assert.Equal(t, "autopilot/1", body["branch"])
		assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("# A\n")), body["content"])
		assert.Equal(t, "blob0", body["sha"])
		assert.Equal(t, map[string]any{"name": "Bot", "email": "bot@example.com"}, body["committer"])
		fmt.Fprint(w, `{"content":{"sha":"blob1"},"commit":{"sha":"c0ffee"}}`)
	})

	sha, err := g.PutFile(context.Background(), PutFileRequest{
		Path: "docs/a.md", Content: "# A\n", Message: "docs: add a", Branch: "autopilot/1",
		SHA: "blob0", AuthorName: "Bot", AuthorEmail: "bot@example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, "c0ffee", sha)
}

func TestGitHub_GetPR(t *testing.T) {
	g, mux := newTestGitHub(t)
	mux.HandleFunc(repoPath+"/pulls/7", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{
			"number": 7, "title": "Docs", "html_url": "https://github.com/acme/site/pull/7",
			"state": "open", "draft": false, "mergeable": true, "mergeable_state": "clean",
			"head": {"ref": "autopilot/1", "sha": "h1"}, "base": {"ref": "main", "sha": "b1"},
			"requested_reviewers": [{"login": "octocat"}]
		}`)
	})
	mux.HandleFunc(repoPath+"/pulls/8", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"number": 8, "draft": true, "mergeable": null, "mergeable_state": "unknown"}`)
	})

	pr, err := g.GetPR(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 7, pr.Number)
	assert.Equal(t, "autopilot/1", pr.HeadBranch)
	assert.Equal(t, "h1", pr.HeadSHA)
	assert.Equal(t, "main", pr.BaseBranch)
	require.NotNil(t, pr.Mergeable)
	assert.True(t, *pr.Mergeable)
	assert.Equal(t, "clean", pr.MergeableState)
	assert.Equal(t, []string{"octocat"}, pr.RequestedReviewers)

	pr, err = g.GetPR(context.Background(), 8)
	require.NoError(t, err)
	assert.True(t, pr.Draft)
	assert.Nil(t, pr.Mergeable)
}

func TestGitHub_MergePR(t *testing.T) {
	g, mux := newTestGitHub(t)
	mux.HandleFunc(repoPath+"/pulls/7/merge", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "squash", body["merge_method"])
		assert.Equal(t, "Docs (#7)", body["commit_title"])
		fmt.Fprint(w, `{"sha":"m1","merged":true,"message":"Pull Request successfully merged"}`)
	})
	mux.HandleFunc(repoPath+"/pulls/9/merge", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusMethodNotAllowed)
		fmt.Fprint(w, `{"message":"Pull Request is not mergeable"}`)
	})
	mux.HandleFunc(repoPath+"/pulls/10/merge", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		fmt.Fprint(w, `{"message":"Head branch was modified"}`)
	})

	res, err := g.MergePR(context.Background(), 7, MergeMethodSquash, "Docs (#7)")
	require.NoError(t, err)
	assert.True(t, res.Merged)
	assert.Equal(t, "m1", res.SHA)

	_, err = g.MergePR(context.Background(), 9, MergeMethodSquash, "")
	assert.True(t, apperr.IsKind(err, apperr.KindMergeConflict))

	_, err = g.MergePR(context.Background(), 10, MergeMethodSquash, "")
	assert.True(t, apperr.IsKind(err, apperr.KindMergeConflict))
}

func TestGitHub_ClosePR(t *testing.T) {
	g, mux := newTestGitHub(t)
	mux.HandleFunc(repoPath+"/pulls/7", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"state":"closed"}`, string(body))
		fmt.Fprint(w, `{"number":7,"state":"closed"}`)
	})

	require.NoError(t, g.ClosePR(context.Background(), 7))
}

func TestGitHub_UpdateBranchAccepted(t *testing.T) {
	g, mux := newTestGitHub(t)
	mux.HandleFunc(repoPath+"/pulls/7/update-branch", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		w.WriteHeader(http.StatusAccepted)
		fmt.Fprint(w, `{"message":"Updating pull request branch.","url":"https://github.com/acme/site/pull/7"}`)
	})

	assert.NoError(t, g.UpdateBranch(context.Background(), 7))
}

func TestGitHub_ListChecksReviewsStatuses(t *testing.T) {
	g, mux := newTestGitHub(t)
	mux.HandleFunc(repoPath+"/commits/h1/check-runs", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"total_count":2,"check_runs":[
			{"name":"build","status":"completed","conclusion":"success"},
			{"name":"lint","status":"in_progress"}]}`)
	})
	mux.HandleFunc(repoPath+"/commits/h1/status", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"state":"pending","statuses":[{"context":"ci/legacy","state":"pending","description":"waiting"}]}`)
	})
	mux.HandleFunc(repoPath+"/pulls/7/reviews", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"user":{"login":"alice"},"state":"APPROVED","submitted_at":"2025-06-01T10:00:00Z"}]`)
	})

	ctx := context.Background()
	runs, err := g.ListCheckRuns(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, []CheckRun{
		{Name: "build", Status: "completed", Conclusion: "success"},
		{Name: "lint", Status: "in_progress"},
	}, runs)

	statuses, err := g.ListStatuses(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, []CommitStatus{{Context: "ci/legacy", State: "pending", Description: "waiting"}}, statuses)

	reviews, err := g.ListReviews(ctx, 7)
	require.NoError(t, err)
	require.Len(t, reviews, 1)
	assert.Equal(t, "alice", reviews[0].User)
	assert.Equal(t, "APPROVED", reviews[0].State)
}

func TestGitHub_UpdateReviewProtection(t *testing.T) {
	g, mux := newTestGitHub(t)
	mux.HandleFunc(repoPath+"/branches/main/protection/required_pull_request_reviews", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, float64(0), body["required_approving_review_count"])
		fmt.Fprint(w, `{"required_approving_review_count":0}`)
	})

	n, err := g.UpdateReviewProtection(context.Background(), "main", 0)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestGitHub_AddLabels(t *testing.T) {
	g, mux := newTestGitHub(t)
	mux.HandleFunc(repoPath+"/issues/42/labels", func(w http.ResponseWriter, r *http.Request) {
		var body []string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, []string{"autopilot"}, body)
		fmt.Fprint(w, `[{"name":"autopilot"}]`)
	})

	require.NoError(t, g.AddLabels(context.Background(), 42, []string{"autopilot"}))
}

func TestGitHub_ErrorClassification(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		headers map[string]string
		body    string
		want    apperr.Kind
	}{
		{"server error", http.StatusInternalServerError, nil, "", apperr.KindRemoteTransient},
		{"bad gateway", http.StatusBadGateway, nil, "", apperr.KindRemoteTransient},
		{"too many requests", http.StatusTooManyRequests, nil, "", apperr.KindRemoteTransient},
		{"primary rate limit", http.StatusForbidden, map[string]string{
			"X-RateLimit-Limit": "5000", "X-RateLimit-Remaining": "0", "X-RateLimit-Reset": "1700000000",
		}, `{"message":"API rate limit exceeded"}`, apperr.KindRemoteTransient},
		{"secondary rate limit", http.StatusForbidden, map[string]string{
			"X-RateLimit-Limit": "5000", "X-RateLimit-Remaining": "4990", "X-RateLimit-Reset": "1700000000",
		}, `{"message":"You have exceeded a secondary rate limit","documentation_url":"https://docs.github.com/rest/overview/resources-in-the-rest-api#secondary-rate-limits"}`,
			apperr.KindRemoteTransient},
		{"forbidden with rate headers", http.StatusForbidden, map[string]string{
			"X-RateLimit-Limit": "5000", "X-RateLimit-Remaining": "4990", "X-RateLimit-Reset": "1700000000",
		}, `{"message":"Resource not accessible by integration"}`, apperr.KindRemoteError},
		{"forbidden", http.StatusForbidden, nil, "", apperr.KindRemoteError},
		{"unauthorized", http.StatusUnauthorized, nil, "", apperr.KindRemoteError},
		{"unprocessable", http.StatusUnprocessableEntity, nil, "", apperr.KindRemoteError},
		{"not found", http.StatusNotFound, nil, "", apperr.KindNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, mux := newTestGitHub(t)
			mux.HandleFunc(repoPath+"/pulls/1", func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tt.headers {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
				body := tt.body
				if body == "" {
					body = `{"message":"nope"}`
				}
				fmt.Fprint(w, body)
			})

			_, err := g.GetPR(context.Background(), 1)
			require.Error(t, err)
			assert.Equal(t, tt.want, apperr.KindOf(err))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, isRetryable(nil, nil))
	assert.True(t, isRetryable(errors.New("connection reset"), nil), "network errors are transient")
	assert.True(t, isRetryable(&github.RateLimitError{Message: "limit"}, nil))

	resp := &github.Response{Response: &http.Response{StatusCode: http.StatusForbidden}}
	assert.False(t, isRetryable(errors.New("forbidden"), resp))
	resp.Rate.Limit = 5000
	resp.Rate.Remaining = 4990
	assert.False(t, isRetryable(errors.New("forbidden"), resp), "rate headers alone do not make a 403 transient")
	resp.Rate.Remaining = 0
	assert.True(t, isRetryable(errors.New("forbidden"), resp))
}

func TestClassify_ContextErrors(t *testing.T) {
	err := classify("get_pr", nil, context.DeadlineExceeded)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, apperr.KindInternal, apperr.KindOf(err))
}

func TestGitHub_LimiterHonoursContext(t *testing.T) {
	g, err := NewGitHub(context.Background(), GitHubConfig{
		Token: config.Secret("t"), Owner: "acme", Repo: "site", RequestsPerSecond: 0.001, Burst: 1,
	})
	require.NoError(t, err)
	require.True(t, g.limiter.Allow(), "consume the single burst token")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = g.GetPR(ctx, 1)
	assert.Error(t, err)
}
