package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	storageerrors "github.com/devrev/pairdb/viewbuilder/internal/errors"
	"github.com/devrev/pairdb/viewbuilder/internal/model"
	"github.com/devrev/pairdb/viewbuilder/internal/storage/memtable"
	"github.com/devrev/pairdb/viewbuilder/internal/storage/table"
	"github.com/devrev/pairdb/viewbuilder/internal/util/workerpool"
	"github.com/devrev/pairdb/viewbuilder/internal/validation"
	"github.com/devrev/pairdb/viewbuilder/internal/viewupdate"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Handlers implements the v1 admin endpoints
type Handlers struct {
	nodeID       string
	tables       *table.Registry
	generator    *viewupdate.Generator
	peers        PeerSource
	pool         PoolStats
	validator    *validation.Validator
	maxBodyBytes int64
	logger       *zap.Logger
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Status    string                  `json:"status"`
	ErrorCode storageerrors.ErrorCode `json:"error_code"`
	Message   string                  `json:"message"`
	Details   map[string]interface{}  `json:"details,omitempty"`
	RequestID string                  `json:"request_id,omitempty"`
}

// StagingWriteRequest is the body of a staging write
type StagingWriteRequest struct {
	Rows []*model.Row `json:"rows"`
}

// StagingWriteResponse describes the staging file created by a write
type StagingWriteResponse struct {
	Status     string `json:"status"`
	Table      string `json:"table"`
	Generation string `json:"generation"`
	Rows       int    `json:"rows"`
	Bytes      int64  `json:"bytes"`
}

// RefreshResponse reports how many staging files a refresh registered
type RefreshResponse struct {
	Status     string `json:"status"`
	Table      string `json:"table"`
	Registered int    `json:"registered"`
}

// BacklogResponse reports the local backlog and those gossiped by peers
type BacklogResponse struct {
	NodeID  string                        `json:"node_id"`
	Backlog model.ViewBacklog             `json:"backlog"`
	Writer  *workerpool.Stats             `json:"writer,omitempty"`
	Peers   map[string]model.HealthStatus `json:"peers"`
}

// Backlog handles GET /v1/backlog
func (h *Handlers) Backlog(w http.ResponseWriter, r *http.Request) {
	resp := BacklogResponse{
		NodeID:  h.nodeID,
		Backlog: h.generator.Backlog(),
		Peers:   map[string]model.HealthStatus{},
	}
	if h.peers != nil {
		resp.Peers = h.peers.PeerBacklogs()
	}
	if h.pool != nil {
		stats := h.pool.Stats()
		resp.Writer = &stats
	}

	writeJSON(w, http.StatusOK, resp)
}

// WriteStaging handles POST /v1/tables/{keyspace}/{table}/staging. The rows
// are written to a new staging sstable which is then registered for view
// building. Registration may wait for a permit while the generator is
// behind.
func (h *Handlers) WriteStaging(w http.ResponseWriter, r *http.Request) {
	tbl, err := h.lookupTable(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var req StagingWriteRequest
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, storageerrors.InvalidArgument("invalid request body", err))
		return
	}

	now := time.Now().UnixMicro()
	for _, row := range req.Rows {
		if row != nil && row.Timestamp == 0 {
			row.Timestamp = now
		}
	}
	if err := h.validator.ValidateBatch(tbl.Schema(), req.Rows); err != nil {
		h.writeError(w, r, err)
		return
	}

	// sstables need rows in key order with one version per key
	sorted := memtable.NewSkipList()
	for _, row := range req.Rows {
		sorted.Put(row)
	}

	writer, err := tbl.NewStagingWriter(validation.EstimateWriteSize(req.Rows))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	for _, row := range sorted.Rows() {
		if err := writer.Write(row); err != nil {
			writer.Abort()
			h.writeError(w, r, err)
			return
		}
	}
	file, err := writer.Finish()
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if err := h.generator.RegisterStagingFile(r.Context(), file, tbl); err != nil {
		h.logger.Warn("Staging file written but registration did not complete",
			zap.String("file", file.Identifier()),
			zap.Error(err))
		if errors.Is(err, storageerrors.ErrGateBroken) {
			h.writeError(w, r, err)
			return
		}
		h.writeError(w, r, storageerrors.Unavailable("registration of "+file.Identifier()+" interrupted", err))
		return
	}

	writeJSON(w, http.StatusAccepted, StagingWriteResponse{
		Status:     "accepted",
		Table:      tbl.ID().String(),
		Generation: file.Generation,
		Rows:       file.RowCount,
		Bytes:      file.Size,
	})
}

// Refresh handles POST /v1/tables/{keyspace}/{table}/refresh
func (h *Handlers) Refresh(w http.ResponseWriter, r *http.Request) {
	tbl, err := h.lookupTable(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	registered, err := viewupdate.Rescan(r.Context(), h.generator, []viewupdate.StagingTable{tbl}, h.logger)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, RefreshResponse{
		Status:     "ok",
		Table:      tbl.ID().String(),
		Registered: registered,
	})
}

// LookupRow handles GET /v1/tables/{keyspace}/{table}/rows/{key}
func (h *Handlers) LookupRow(w http.ResponseWriter, r *http.Request) {
	tbl, err := h.lookupTable(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	key := mux.Vars(r)["key"]
	if err := h.validator.ValidateKey(key); err != nil {
		h.writeError(w, r, err)
		return
	}

	row, err := tbl.Lookup(key)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if row == nil || row.IsTombstone {
		writeErrorResponse(w, r, http.StatusNotFound, 0, "row not found")
		return
	}

	writeJSON(w, http.StatusOK, row)
}

func (h *Handlers) lookupTable(r *http.Request) (*table.Table, error) {
	vars := mux.Vars(r)
	id := model.TableID{Keyspace: vars["keyspace"], Name: vars["table"]}
	if err := validation.ValidateTableID(id); err != nil {
		return nil, err
	}

	tbl, ok := h.tables.Get(id)
	if !ok {
		return nil, storageerrors.TableNotFound(id.String())
	}
	return tbl, nil
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := storageerrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Admin request failed",
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}

	resp := ErrorResponse{
		Status:    "error",
		ErrorCode: storageerrors.GetCode(err),
		Message:   err.Error(),
		RequestID: r.Header.Get("X-Request-ID"),
	}
	var se *storageerrors.StorageError
	if errors.As(err, &se) && len(se.Details) > 0 {
		resp.Details = se.Details
	}
	writeJSON(w, status, resp)
}

func writeErrorResponse(w http.ResponseWriter, r *http.Request, status int, code storageerrors.ErrorCode, message string) {
	writeJSON(w, status, ErrorResponse{
		Status:    "error",
		ErrorCode: code,
		Message:   message,
		RequestID: r.Header.Get("X-Request-ID"),
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
