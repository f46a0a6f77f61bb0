package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"

	"PerpVenue/internal/projection"
)

const maxInjectBody = 1 << 20

// registerAdminRoutes mounts the operator surface. These routes are for
// manual intervention and tooling; deploys keep them off the public
// listener.
func (s *GRPCServer) registerAdminRoutes(mux *runtime.ServeMux) error {
	routes := []struct {
		method  string
		path    string
		handler runtime.HandlerFunc
	}{
		{http.MethodPost, "/v1/admin/commands/{type}", s.injectCommand},
		{http.MethodPost, "/v1/admin/projections/rebuild-balances", s.rebuildBalances},
		{http.MethodGet, "/v1/admin/eventlog", s.eventLogInfo},
	}
	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.path, r.handler); err != nil {
			return fmt.Errorf("register %s: %w", r.path, err)
		}
	}
	return nil
}

// injectCommand queues one command of the named type, body as payload.
// The command rides the same channel and sequence validation as the
// NATS path, so the payload must carry the partition's next sequence.
func (s *GRPCServer) injectCommand(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	commandType := pathParams["type"]

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxInjectBody))
	if err != nil {
		s.adminError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}

	if err := s.deps.Ingest.InjectCommand(r.Context(), commandType, payload); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			s.adminError(w, http.StatusServiceUnavailable, "queue_unavailable", "command channel did not accept in time")
			return
		}
		s.adminError(w, http.StatusBadRequest, "invalid_command", err.Error())
		return
	}

	s.log.Info().Str("command_type", commandType).Msg("operator command injected")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"accepted":     true,
		"command_type": commandType,
	})
}

// rebuildBalances re-aggregates the balance read model from the journal.
// Other read models rebuild by replaying the event log; this one has a
// cheap direct path.
func (s *GRPCServer) rebuildBalances(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if err := projection.RebuildBalances(r.Context(), s.deps.DB); err != nil {
		s.log.Error().Err(err).Msg("balance rebuild failed")
		s.adminError(w, http.StatusInternalServerError, "internal", "rebuild failed")
		return
	}

	s.log.Info().Msg("balance read model rebuilt from journal")
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"rebuilt": "balances"})
}

func (s *GRPCServer) eventLogInfo(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	lastSeq, err := s.deps.SnapshotMgr.LatestSequence(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("event log info failed")
		s.adminError(w, http.StatusInternalServerError, "internal", "event log unavailable")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"last_sequence": lastSeq})
}

func (s *GRPCServer) adminError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg, "code": code})
}
