// Package webhook serves the GitHub push ingestion endpoint, the dashboard
// WebSocket endpoint, and a liveness probe. Ingestion is synchronous only
// up to durable activity recording; engine work is dispatched after the
// ACK.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/metric"

	"github.com/repopulse/repopulse/internal/bus"
	"github.com/repopulse/repopulse/internal/engine"
	"github.com/repopulse/repopulse/internal/ratelimit"
	"github.com/repopulse/repopulse/internal/storage"
	"github.com/repopulse/repopulse/internal/telemetry"
	"github.com/repopulse/repopulse/internal/types"
)

// maxBodyBytes caps the accepted payload size. GitHub caps push payloads
// well below this.
const maxBodyBytes = 10 << 20

// Dispatcher schedules post-ACK engine work. Satisfied by
// *engine.Dispatcher; tests substitute a recorder.
type Dispatcher interface {
	Enqueue(job engine.Job)
}

// Server handles webhook ingestion and WebSocket subscriptions.
type Server struct {
	store      storage.Storage
	hub        *bus.Hub
	dispatcher Dispatcher

	// secret returns the current shared webhook secret; indirected so the
	// config watcher can rotate it without restarting the server.
	secret func() string

	// limiter throttles unverified requests by source address. Requests
	// carrying a valid signature are exempt.
	limiter *ratelimit.SlidingWindow

	processed  metric.Int64Counter
	duplicates metric.Int64Counter
	ignored    metric.Int64Counter
}

// NewServer wires the HTTP surface. secret may return "" to disable
// signature verification.
func NewServer(store storage.Storage, hub *bus.Hub, dispatcher Dispatcher, secret func() string, limiter *ratelimit.SlidingWindow) *Server {
	s := &Server{
		store:      store,
		hub:        hub,
		dispatcher: dispatcher,
		secret:     secret,
		limiter:    limiter,
	}
	meter := telemetry.Meter("")
	s.processed, _ = meter.Int64Counter("repopulse.webhook.processed")
	s.duplicates, _ = meter.Int64Counter("repopulse.webhook.duplicates")
	s.ignored, _ = meter.Int64Counter("repopulse.webhook.ignored")
	return s
}

// Router returns the HTTP routes.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/webhook/github", s.handlePush).Methods(http.MethodPost)
	r.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	return r
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handlePush implements the ingestion protocol. Every accepted request is
// durably recorded and acknowledged before any engine runs; duplicate
// delivery ids and unknown repositories are acknowledged without effect.
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	deliveryID := r.Header.Get("X-GitHub-Delivery")
	if deliveryID == "" {
		writeError(w, http.StatusBadRequest, "missing X-GitHub-Delivery header")
		return
	}

	if event := r.Header.Get("X-GitHub-Event"); event != "push" {
		s.count(ctx, s.ignored)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored", "event": event})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	secret := s.secret()
	if !VerifySignature(secret, body, r.Header.Get("X-Hub-Signature-256")) {
		log.Printf("webhook: rejected delivery %s: bad signature", deliveryID)
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}
	if secret == "" && s.limiter != nil && !s.limiter.Allow(sourceAddr(r)) {
		writeError(w, http.StatusTooManyRequests, "rate limited")
		return
	}

	var payload PushPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON payload")
		return
	}
	if err := payload.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid payload: %v", err))
		return
	}
	if !payload.IsBranchRef() {
		s.count(ctx, s.ignored)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored", "ref": payload.Ref})
		return
	}

	var (
		workspaceID string
		status      string
		files       []string
	)
	err = s.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		inserted, err := tx.InsertDelivery(ctx, &types.Delivery{
			ID:         deliveryID,
			RepoID:     payload.Repository.ID,
			Branch:     payload.Branch(),
			CommitHash: payload.After,
			ReceivedAt: start.UTC(),
		})
		if err != nil {
			return fmt.Errorf("record delivery: %w", err)
		}
		if !inserted {
			status = "duplicate"
			return nil
		}

		ws, err := tx.GetWorkspaceByRepoID(ctx, payload.Repository.ID)
		if errors.Is(err, storage.ErrNotFound) {
			status = "workspace_not_found"
			return nil
		}
		if err != nil {
			return fmt.Errorf("resolve workspace: %w", err)
		}
		workspaceID = ws.ID

		if payload.IsBranchDelete() {
			if err := tx.DeleteBranchActivity(ctx, ws.ID, payload.Branch()); err != nil {
				return fmt.Errorf("delete branch activity: %w", err)
			}
			status = "branch_deleted"
		} else {
			files = payload.ChangedFiles()
			if len(files) > 0 {
				if err := tx.UpsertFileActivity(ctx, ws.ID, payload.Branch(), payload.After, files, start.UTC()); err != nil {
					return fmt.Errorf("record file activity: %w", err)
				}
			}
			status = "processing"
		}

		if name := strings.ToLower(strings.TrimSpace(payload.Pusher.Name)); name != "" {
			if err := tx.TouchMemberByUsername(ctx, ws.ID, name, start.UTC()); err != nil {
				return fmt.Errorf("touch member: %w", err)
			}
		}

		return tx.FinishDelivery(ctx, deliveryID, time.Since(start))
	})
	if err != nil {
		log.Printf("webhook: delivery %s failed: %v", deliveryID, err)
		writeError(w, http.StatusInternalServerError, "ingestion failed")
		return
	}

	switch status {
	case "duplicate":
		s.count(ctx, s.duplicates)
	case "workspace_not_found":
		s.count(ctx, s.ignored)
	default:
		s.count(ctx, s.processed)
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": status, "deliveryId": deliveryID})

	// Engine work happens after the ACK. Branch deletes also dispatch so
	// conflict blockers over the deleted branch resolve promptly.
	if workspaceID != "" && status != "duplicate" {
		s.dispatcher.Enqueue(engine.Job{
			WorkspaceID:   workspaceID,
			TriggerBranch: payload.Branch(),
			CommitHash:    payload.After,
			ModifiedFiles: files,
		})
	}
}

// handleWS upgrades a dashboard connection. A request carrying a valid
// dashboard key is bound to that workspace immediately; otherwise the
// subscriber stays unbound and receives only liveness pings.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	userUID := r.URL.Query().Get("userUid")
	if userUID == "" {
		writeError(w, http.StatusBadRequest, "missing userUid")
		return
	}

	var workspaceID string
	if key := r.URL.Query().Get("key"); key != "" {
		err := s.store.RunInTransaction(r.Context(), func(tx storage.Transaction) error {
			ws, err := tx.GetWorkspaceByDashboardKey(r.Context(), key)
			if err != nil {
				return err
			}
			workspaceID = ws.ID
			return nil
		})
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, "unknown dashboard key")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "lookup failed")
			return
		}
	}

	sub, err := s.hub.Subscribe(w, r, userUID)
	if err != nil {
		// Subscribe has already written the HTTP error on upgrade failure.
		log.Printf("webhook: ws upgrade for %s: %v", userUID, err)
		return
	}
	if workspaceID != "" {
		s.hub.Bind(sub.ID, workspaceID)
	}
}

func (s *Server) count(ctx context.Context, c metric.Int64Counter) {
	if c != nil {
		c.Add(ctx, 1)
	}
}

func sourceAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

var _ Dispatcher = (*engine.Dispatcher)(nil)
