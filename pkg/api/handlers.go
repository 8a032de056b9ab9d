package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/veritrail/core/pkg/graphgov"
	"github.com/veritrail/core/pkg/lineage"
	"github.com/veritrail/core/pkg/pipeline"
	"github.com/veritrail/core/pkg/store"
	"github.com/veritrail/core/pkg/trustgraph"
)

const maxBodyBytes = 1 << 20

// IdentityFunc resolves the authenticated actor from the request
// context. The auth middleware populates it; a nil or failing resolver
// leaves the request anonymous and role-gated endpoints deny it.
type IdentityFunc func(ctx context.Context) (actorID, tenantID, role string, ok bool)

// Server is the HTTP surface over the risk pipeline, the lineage
// registry and the trust graph governance workflows.
type Server struct {
	Pipeline *pipeline.Engine
	Lineage  *lineage.Service
	Graph    *graphgov.Service
	Trust    *trustgraph.Engine
	Identity IdentityFunc
}

// Routes builds the route table.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /readiness", s.handleHealth)

	mux.HandleFunc("POST /api/v1/events", s.handleProcessEvent)
	mux.HandleFunc("POST /api/v1/decisions/{id}/override", s.handleOverride)
	mux.HandleFunc("POST /api/v1/cases/{id}/freeze", s.handleFreeze)
	mux.HandleFunc("POST /api/v1/anchors", s.handleAnchor)
	mux.HandleFunc("GET /api/v1/exposure", s.handleExposure)

	mux.HandleFunc("GET /api/v1/lineage/kpis", s.handleLineageKPIs)
	mux.HandleFunc("GET /api/v1/lineage/replay-frequency", s.handleReplayFrequency)
	mux.HandleFunc("GET /api/v1/lineage/{gdli}", s.handleViewLineage)
	mux.HandleFunc("POST /api/v1/lineage/{gdli}/replay", s.handleReplay)
	mux.HandleFunc("POST /api/v1/lineage/contamination", s.handleContamination)

	mux.HandleFunc("POST /api/v1/graph/nodes", s.handleAddNode)
	mux.HandleFunc("POST /api/v1/graph/edges", s.handleAddEdge)
	mux.HandleFunc("POST /api/v1/graph/snapshots", s.handleSnapshot)
	mux.HandleFunc("GET /api/v1/graph/dashboard", s.handleDashboard)
	mux.HandleFunc("GET /api/v1/graph/analysis", s.handleAnalysis)

	mux.HandleFunc("POST /api/v1/governance/rfcs", s.handleProposeRFC)
	mux.HandleFunc("POST /api/v1/governance/rfcs/{id}/approve", s.handleApproveRFC)
	mux.HandleFunc("POST /api/v1/governance/rfcs/{id}/deploy", s.handleDeployRFC)
	mux.HandleFunc("POST /api/v1/governance/weights", s.handleProposeWeight)
	mux.HandleFunc("POST /api/v1/governance/weights/{id}/approve", s.handleApproveWeight)

	return mux
}

func (s *Server) actor(r *http.Request) (actorID, tenantID, role string, ok bool) {
	if s.Identity == nil {
		return "", "", "", false
	}
	return s.Identity(r.Context())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return false
	}
	return true
}

// writeDomainError maps the domain sentinels onto problem responses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pipeline.ErrValidation),
		errors.Is(err, lineage.ErrValidation),
		errors.Is(err, graphgov.ErrValidation):
		WriteBadRequest(w, err.Error())
	case errors.Is(err, lineage.ErrAccessDenied),
		errors.Is(err, graphgov.ErrAccessDenied),
		errors.Is(err, graphgov.ErrSoDViolation):
		WriteForbidden(w, err.Error())
	case errors.Is(err, lineage.ErrRateLimited):
		WriteTooManyRequests(w, 3600)
	case errors.Is(err, store.ErrNotFound):
		WriteNotFound(w, err.Error())
	case errors.Is(err, store.ErrAlreadyFrozen), errors.Is(err, store.ErrDuplicateKey):
		WriteConflict(w, err.Error())
	default:
		WriteInternal(w, err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ProcessEventRequest carries one inbound event with its scoring factors.
type ProcessEventRequest struct {
	Event   pipeline.EventInput     `json:"event"`
	Source  pipeline.SourceMetadata `json:"source"`
	Factors map[string]float64      `json:"factors"`
}

func (s *Server) handleProcessEvent(w http.ResponseWriter, r *http.Request) {
	var req ProcessEventRequest
	if !decodeBody(w, r, &req) {
		return
	}
	// the token's tenant binding wins over anything in the body
	if _, tenantID, _, ok := s.actor(r); ok {
		req.Event.TenantID = tenantID
	}

	res, err := s.Pipeline.ProcessEvent(r.Context(), req.Event, req.Source, req.Factors)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if res.Duplicate {
		writeJSON(w, http.StatusOK, res)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// OverrideRequest is a 4-eyes decision override.
type OverrideRequest struct {
	Data      pipeline.OverrideData `json:"data"`
	Approvers []pipeline.Approver   `json:"approvers"`
}

func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	var req OverrideRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.Pipeline.OverrideDecision(r.Context(), r.PathValue("id"), req.Data, req.Approvers)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleFreeze(w http.ResponseWriter, r *http.Request) {
	res, err := s.Pipeline.FreezeEvidence(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// AnchorRequest asks for an external anchor over a frozen evidence link.
type AnchorRequest struct {
	Evidence      pipeline.EvidenceResult `json:"evidence"`
	TriggerReason string                  `json:"trigger_reason"`
}

func (s *Server) handleAnchor(w http.ResponseWriter, r *http.Request) {
	var req AnchorRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.Pipeline.AnchorBlockchain(r.Context(), &req.Evidence, req.TriggerReason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !res.Anchored {
		writeJSON(w, http.StatusUnprocessableEntity, res)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleExposure(w http.ResponseWriter, r *http.Request) {
	_, tenantID, _, ok := s.actor(r)
	if !ok {
		WriteUnauthorized(w, "")
		return
	}
	res, err := s.Pipeline.ReportExposure(r.Context(), tenantID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleViewLineage(w http.ResponseWriter, r *http.Request) {
	actorID, _, role, ok := s.actor(r)
	if !ok {
		WriteUnauthorized(w, "")
		return
	}
	res, err := s.Lineage.GovernedViewLineage(r.Context(), r.PathValue("gdli"), actorID, role)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	actorID, _, role, ok := s.actor(r)
	if !ok {
		WriteUnauthorized(w, "")
		return
	}
	res, err := s.Lineage.GovernedReplay(r.Context(), r.PathValue("gdli"), actorID, role)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ContaminationRequest marks an upstream input as compromised.
type ContaminationRequest struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

func (s *Server) handleContamination(w http.ResponseWriter, r *http.Request) {
	actorID, tenantID, role, ok := s.actor(r)
	if !ok {
		WriteUnauthorized(w, "")
		return
	}
	var req ContaminationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.Lineage.GovernedContamination(r.Context(), req.Type, req.ID, tenantID, actorID, role)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleLineageKPIs(w http.ResponseWriter, r *http.Request) {
	res, err := s.Lineage.BoardLineageKPIs(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleReplayFrequency(w http.ResponseWriter, r *http.Request) {
	hours, _ := strconv.Atoi(r.URL.Query().Get("hours"))
	res, err := s.Lineage.GetReplayFrequency(r.Context(), hours)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// NodeRequest adds a supply-chain entity to the trust graph.
type NodeRequest struct {
	EntityID   string  `json:"entity_id"`
	NodeType   string  `json:"node_type"`
	EntityName string  `json:"entity_name"`
	TrustScore float64 `json:"trust_score"`
	RiskLevel  string  `json:"risk_level"`
}

func (s *Server) handleAddNode(w http.ResponseWriter, r *http.Request) {
	actorID, tenantID, role, ok := s.actor(r)
	if !ok {
		WriteUnauthorized(w, "")
		return
	}
	var req NodeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.Graph.GovernedAddNode(r.Context(), tenantID, trustgraph.NodeInput{
		EntityID:   req.EntityID,
		NodeType:   req.NodeType,
		EntityName: req.EntityName,
		TrustScore: req.TrustScore,
		RiskLevel:  req.RiskLevel,
	}, actorID, role)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// EdgeRequest adds a relation between two graph nodes.
type EdgeRequest struct {
	FromID           string  `json:"from_id"`
	ToID             string  `json:"to_id"`
	EdgeType         string  `json:"edge_type"`
	Weight           float64 `json:"weight"`
	RiskContribution float64 `json:"risk_contribution"`
	Confidence       float64 `json:"confidence"`
	EvidenceHash     string  `json:"evidence_hash"`
}

func (s *Server) handleAddEdge(w http.ResponseWriter, r *http.Request) {
	actorID, tenantID, role, ok := s.actor(r)
	if !ok {
		WriteUnauthorized(w, "")
		return
	}
	var req EdgeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.Graph.GovernedAddEdge(r.Context(), tenantID, trustgraph.EdgeInput{
		FromID:           req.FromID,
		ToID:             req.ToID,
		EdgeType:         req.EdgeType,
		Weight:           req.Weight,
		RiskContribution: req.RiskContribution,
		Confidence:       req.Confidence,
		EvidenceHash:     req.EvidenceHash,
		CreatedByRole:    role,
	}, actorID, role)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// SnapshotRequest freezes an immutable graph state version.
type SnapshotRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	actorID, tenantID, role, ok := s.actor(r)
	if !ok {
		WriteUnauthorized(w, "")
		return
	}
	var req SnapshotRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.Graph.GovernedSnapshot(r.Context(), tenantID, req.Reason, actorID, role)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	_, tenantID, _, ok := s.actor(r)
	if !ok {
		WriteUnauthorized(w, "")
		return
	}
	res, err := s.Graph.BoardDashboard(r.Context(), tenantID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAnalysis(w http.ResponseWriter, r *http.Request) {
	_, tenantID, _, ok := s.actor(r)
	if !ok {
		WriteUnauthorized(w, "")
		return
	}
	res, err := s.Trust.FullAnalysis(r.Context(), tenantID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleProposeRFC(w http.ResponseWriter, r *http.Request) {
	actorID, _, role, ok := s.actor(r)
	if !ok {
		WriteUnauthorized(w, "")
		return
	}
	var rfc graphgov.RFCDocument
	if !decodeBody(w, r, &rfc) {
		return
	}
	res, err := s.Graph.ProposeSchemaChange(r.Context(), actorID, role, rfc)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleApproveRFC(w http.ResponseWriter, r *http.Request) {
	actorID, _, role, ok := s.actor(r)
	if !ok {
		WriteUnauthorized(w, "")
		return
	}
	res, err := s.Graph.ApproveSchemaChange(r.Context(), r.PathValue("id"), actorID, role)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDeployRFC(w http.ResponseWriter, r *http.Request) {
	actorID, _, _, ok := s.actor(r)
	if !ok {
		WriteUnauthorized(w, "")
		return
	}
	res, err := s.Graph.DeploySchemaChange(r.Context(), r.PathValue("id"), actorID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleProposeWeight(w http.ResponseWriter, r *http.Request) {
	actorID, _, role, ok := s.actor(r)
	if !ok {
		WriteUnauthorized(w, "")
		return
	}
	var spec graphgov.WeightChangeSpec
	if !decodeBody(w, r, &spec) {
		return
	}
	res, err := s.Graph.ProposeWeightChange(r.Context(), actorID, role, spec)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleApproveWeight(w http.ResponseWriter, r *http.Request) {
	actorID, _, role, ok := s.actor(r)
	if !ok {
		WriteUnauthorized(w, "")
		return
	}
	res, err := s.Graph.ApproveWeightChange(r.Context(), r.PathValue("id"), actorID, role)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
