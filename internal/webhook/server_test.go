package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/repopulse/repopulse/internal/bus"
	"github.com/repopulse/repopulse/internal/engine"
	"github.com/repopulse/repopulse/internal/storage"
	"github.com/repopulse/repopulse/internal/storage/sqlite"
	"github.com/repopulse/repopulse/internal/types"
)

const testSecret = "hook-secret"

// fakeDispatcher records enqueued jobs instead of running engines.
type fakeDispatcher struct {
	mu   sync.Mutex
	jobs []engine.Job
}

func (f *fakeDispatcher) Enqueue(job engine.Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
}

func (f *fakeDispatcher) all() []engine.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]engine.Job(nil), f.jobs...)
}

func newTestServer(t *testing.T) (*Server, *sqlite.Store, *fakeDispatcher) {
	t.Helper()
	store, err := sqlite.New(context.Background(), ":memory:", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	err = store.RunInTransaction(context.Background(), func(tx storage.Transaction) error {
		if err := tx.CreateWorkspace(context.Background(), &types.Workspace{
			ID:           "ws1",
			Name:         "acme",
			GithubRepoID: 4242,
			RepoFullName: "acme/app",
			DashboardKey: "dash-key",
		}); err != nil {
			return err
		}
		return tx.CreateMember(context.Background(), &types.Member{
			WorkspaceID: "ws1", UserUID: "u1", Username: "alice",
		})
	})
	require.NoError(t, err)

	dispatcher := &fakeDispatcher{}
	server := NewServer(store, bus.NewHub(), dispatcher, func() string { return testSecret }, nil)
	return server, store, dispatcher
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func pushBody(t *testing.T, payload PushPayload) []byte {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	return body
}

func basicPush() PushPayload {
	return PushPayload{
		Ref:    "refs/heads/feat-auth",
		Before: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		After:  "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
		Commits: []Commit{{
			ID:       "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
			Added:    []string{"auth/login.go"},
			Modified: []string{"api/routes.go"},
		}},
		Repository: Repo{ID: 4242, FullName: "acme/app"},
		Pusher:     Pusher{Name: "Alice"},
	}
}

func doPush(t *testing.T, server *Server, deliveryID string, body []byte, mutate func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook/github", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Delivery", deliveryID)
	req.Header.Set("X-GitHub-Event", "push")
	req.Header.Set("X-Hub-Signature-256", sign(testSecret, body))
	if mutate != nil {
		mutate(req)
	}
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var out map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestPushProcessed(t *testing.T) {
	server, store, dispatcher := newTestServer(t)

	rec := doPush(t, server, "d-1", pushBody(t, basicPush()), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "processing", body["status"])
	assert.Equal(t, "d-1", body["deliveryId"])

	jobs := dispatcher.all()
	require.Len(t, jobs, 1)
	assert.Equal(t, "ws1", jobs[0].WorkspaceID)
	assert.Equal(t, "feat-auth", jobs[0].TriggerBranch)
	assert.ElementsMatch(t, []string{"auth/login.go", "api/routes.go"}, jobs[0].ModifiedFiles)

	ctx := context.Background()
	require.NoError(t, store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		activity, err := tx.ListFileActivity(ctx, "ws1", "feat-auth")
		require.NoError(t, err)
		require.Len(t, activity, 2)
		assert.Equal(t, "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", activity[0].LastCommitHash)

		// The pusher's member row was touched.
		in, err := tx.HealthInputs(ctx, "ws1", time.Now().Add(-time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 0, in.InactiveMemberCount)
		return nil
	}))
}

func TestDuplicateDeliveryIgnored(t *testing.T) {
	server, store, dispatcher := newTestServer(t)
	body := pushBody(t, basicPush())

	rec := doPush(t, server, "d-1", body, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doPush(t, server, "d-1", body, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "duplicate", decodeBody(t, rec)["status"])

	assert.Len(t, dispatcher.all(), 1, "replay must not dispatch engine work")

	ctx := context.Background()
	require.NoError(t, store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		activity, err := tx.ListFileActivity(ctx, "ws1", "feat-auth")
		require.NoError(t, err)
		assert.Len(t, activity, 2)
		return nil
	}))
}

func TestInvalidSignatureRejected(t *testing.T) {
	server, store, dispatcher := newTestServer(t)
	body := pushBody(t, basicPush())

	rec := doPush(t, server, "d-1", body, func(r *http.Request) {
		r.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doPush(t, server, "d-2", body, func(r *http.Request) {
		r.Header.Del("X-Hub-Signature-256")
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	assert.Empty(t, dispatcher.all())

	// Nothing durable happened: the same delivery id is still fresh.
	ctx := context.Background()
	require.NoError(t, store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		inserted, err := tx.InsertDelivery(ctx, &types.Delivery{ID: "d-1", RepoID: 4242})
		require.NoError(t, err)
		assert.True(t, inserted)
		return nil
	}))
}

func TestMissingDeliveryHeader(t *testing.T) {
	server, _, _ := newTestServer(t)
	rec := doPush(t, server, "", pushBody(t, basicPush()), func(r *http.Request) {
		r.Header.Del("X-GitHub-Delivery")
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNonPushEventIgnored(t *testing.T) {
	server, _, dispatcher := newTestServer(t)
	rec := doPush(t, server, "d-1", []byte(`{}`), func(r *http.Request) {
		r.Header.Set("X-GitHub-Event", "issues")
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ignored", decodeBody(t, rec)["status"])
	assert.Empty(t, dispatcher.all())
}

func TestUnknownRepositoryAcknowledged(t *testing.T) {
	server, _, dispatcher := newTestServer(t)
	payload := basicPush()
	payload.Repository.ID = 9999

	rec := doPush(t, server, "d-1", pushBody(t, payload), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "workspace_not_found", decodeBody(t, rec)["status"])
	assert.Empty(t, dispatcher.all())
}

func TestMalformedPayload(t *testing.T) {
	server, _, _ := newTestServer(t)

	rec := doPush(t, server, "d-1", []byte(`{not json`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	payload := basicPush()
	payload.Ref = ""
	rec = doPush(t, server, "d-2", pushBody(t, payload), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTagPushIgnored(t *testing.T) {
	server, store, dispatcher := newTestServer(t)

	payload := basicPush()
	payload.Ref = "refs/tags/v1.0.0"
	rec := doPush(t, server, "d-1", pushBody(t, payload), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ignored", decodeBody(t, rec)["status"])
	assert.Empty(t, dispatcher.all())

	// Ignored refs leave no durable trace.
	ctx := context.Background()
	require.NoError(t, store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		inserted, err := tx.InsertDelivery(ctx, &types.Delivery{ID: "d-1", RepoID: 4242})
		require.NoError(t, err)
		assert.True(t, inserted)
		return nil
	}))
}

func TestBranchDeleteWipesActivity(t *testing.T) {
	server, store, dispatcher := newTestServer(t)

	rec := doPush(t, server, "d-1", pushBody(t, basicPush()), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	del := basicPush()
	del.Before = del.After
	del.After = types.ZeroHash
	del.Deleted = true
	del.Commits = nil

	rec = doPush(t, server, "d-2", pushBody(t, del), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "branch_deleted", decodeBody(t, rec)["status"])

	ctx := context.Background()
	require.NoError(t, store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		activity, err := tx.ListFileActivity(ctx, "ws1", "feat-auth")
		require.NoError(t, err)
		assert.Empty(t, activity)
		return nil
	}))

	// The delete still dispatches so stale conflict blockers resolve, but
	// the job carries no file changes, which keeps the feature engine out
	// of the delete path.
	jobs := dispatcher.all()
	require.Len(t, jobs, 2)
	assert.Empty(t, jobs[1].ModifiedFiles)
}

func TestForcePushFilesFromHeadCommit(t *testing.T) {
	server, store, dispatcher := newTestServer(t)

	payload := basicPush()
	payload.Commits = nil
	payload.Forced = true
	payload.HeadCommit = &Commit{
		ID:       payload.After,
		Modified: []string{"core/rewritten.go"},
	}

	rec := doPush(t, server, "d-1", pushBody(t, payload), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "processing", decodeBody(t, rec)["status"])

	jobs := dispatcher.all()
	require.Len(t, jobs, 1)
	assert.Equal(t, []string{"core/rewritten.go"}, jobs[0].ModifiedFiles)

	ctx := context.Background()
	require.NoError(t, store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		activity, err := tx.ListFileActivity(ctx, "ws1", "feat-auth")
		require.NoError(t, err)
		require.Len(t, activity, 1)
		assert.Equal(t, "core/rewritten.go", activity[0].FilePath)
		return nil
	}))
}

func TestHealthEndpoint(t *testing.T) {
	server, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody(t, rec)["status"])
}

func TestEndToEndPushToEngines(t *testing.T) {
	// Full pipeline wiring: real dispatcher and engines, two pushes on
	// different branches touching one file must surface a conflict blocker.
	store, err := sqlite.New(context.Background(), ":memory:", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	require.NoError(t, store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		return tx.CreateWorkspace(ctx, &types.Workspace{
			ID: "ws1", GithubRepoID: 4242, RepoFullName: "acme/app", DashboardKey: "dash-key",
		})
	}))

	engines := engine.New(store, bus.NewHub(), nil)
	dispatcher := engine.NewDispatcher(engines)
	t.Cleanup(dispatcher.Close)

	server := NewServer(store, bus.NewHub(), dispatcher, func() string { return testSecret }, nil)

	for i, branch := range []string{"feat-a", "feat-b"} {
		payload := basicPush()
		payload.Ref = "refs/heads/" + branch
		payload.Commits = []Commit{{ID: payload.After, Modified: []string{"shared.go"}}}
		rec := doPush(t, server, fmt.Sprintf("d-%d", i), pushBody(t, payload), nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	require.Eventually(t, func() bool {
		var n int
		err := store.RunInTransaction(ctx, func(tx storage.Transaction) error {
			unresolved, err := tx.ListUnresolvedBlockers(ctx, "ws1")
			if err != nil {
				return err
			}
			n = len(unresolved)
			return nil
		})
		return err == nil && n == 1
	}, 5*time.Second, 20*time.Millisecond, "conflict blocker should appear after async engine run")
}
