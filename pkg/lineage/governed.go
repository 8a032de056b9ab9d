package lineage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/veritrail/core/pkg/audit"
	"github.com/veritrail/core/pkg/store"
)

// Replay backpressure, per actor.
const (
	replayRateLimit  = 20
	replayRateWindow = time.Hour
)

// logPrivilegedAccess writes the durable access log row and emits the
// ambient audit record. The durable row backs the replay rate limit, so
// a failed write fails the operation.
func (s *Service) logPrivilegedAccess(ctx context.Context, actorID, actorRole, action, targetGDLI string, metadata map[string]interface{}) error {
	raw := ""
	if metadata != nil {
		b, err := json.Marshal(metadata)
		if err != nil {
			return err
		}
		raw = string(b)
	}
	if err := s.store.InsertAccessLog(ctx, &store.AccessLogRow{
		ID:         uuid.New().String(),
		ActorID:    actorID,
		ActorRole:  actorRole,
		Action:     action,
		TargetGDLI: targetGDLI,
		Metadata:   raw,
		CreatedAt:  s.store.NowString(),
	}); err != nil {
		return err
	}
	_ = s.audit.Record(ctx, audit.EventAccess, action, "lineage", map[string]interface{}{
		"actor_id": actorID, "actor_role": actorRole, "gdli": targetGDLI,
	})
	return nil
}

// GovernedReplay runs a decision replay behind the role matrix, the
// per-actor rate limit, and privileged access logging.
func (s *Service) GovernedReplay(ctx context.Context, gdli, actorID, actorRole string) (*ReplayResult, error) {
	if err := CheckPermission(actorRole, "replay_decision"); err != nil {
		return nil, err
	}
	since := s.store.Now().Add(-replayRateWindow)
	recent, err := s.store.CountAccessesSince(ctx, actorID, "replay", since)
	if err != nil {
		return nil, err
	}
	if recent >= replayRateLimit {
		return nil, fmt.Errorf("%w: replay limit %d/hour exceeded, contact Compliance", ErrRateLimited, replayRateLimit)
	}
	if err := s.logPrivilegedAccess(ctx, actorID, actorRole, "replay", gdli, nil); err != nil {
		return nil, err
	}
	res, err := s.ReplayDecision(ctx, gdli)
	if err != nil {
		return nil, err
	}
	if s.obs != nil {
		s.obs.RecordReplay(ctx, actorRole)
	}
	return res, nil
}

// View is a role-scoped lineage readout. Exactly one of the payload
// fields is set, chosen by the actor's visibility depth.
type View struct {
	GDLI      string           `json:"gdli"`
	Scope     string           `json:"scope"`
	Full      *FullLineage     `json:"full,omitempty"`
	Summary   *DecisionSummary `json:"summary,omitempty"`
	Metadata  *RecordMetadata  `json:"metadata,omitempty"`
	Action    string           `json:"action,omitempty"`
	Ingestion *IngestionView   `json:"ingestion,omitempty"`
	HashRef   *HashReference   `json:"hash_ref,omitempty"`
}

// RecordMetadata is the existence-only view for infrastructure roles.
type RecordMetadata struct {
	Exists    bool   `json:"exists"`
	Frozen    bool   `json:"frozen"`
	Timestamp string `json:"timestamp"`
}

// IngestionView is the ingestion-chain view for technical support.
type IngestionView struct {
	EventID         string `json:"event_id"`
	SourceSystem    string `json:"source_system"`
	EventType       string `json:"event_type"`
	IngestTimestamp string `json:"ingest_timestamp"`
}

// HashReference is the hash-only view for anchoring operators.
type HashReference struct {
	EventHash  string `json:"event_hash"`
	SnapshotID string `json:"snapshot_id,omitempty"`
}

// GovernedViewLineage serves a lineage record at the depth the actor's
// role permits. Every view is access-logged.
func (s *Service) GovernedViewLineage(ctx context.Context, gdli, actorID, actorRole string) (*View, error) {
	acl, ok := LineageAccessControl[actorRole]
	if !ok {
		return nil, fmt.Errorf("%w: unknown role %s", ErrAccessDenied, actorRole)
	}
	if acl.Access == AccessNone {
		return nil, fmt.Errorf("%w: role %s has no lineage visibility", ErrAccessDenied, actorRole)
	}
	if err := s.logPrivilegedAccess(ctx, actorID, actorRole, "view_lineage", gdli, nil); err != nil {
		return nil, err
	}

	if acl.Access == AccessFullChain {
		full, err := s.GetFullLineage(ctx, gdli)
		if err != nil {
			return nil, err
		}
		return &View{GDLI: gdli, Scope: acl.Access, Full: full}, nil
	}

	record, err := s.store.GetRegistry(ctx, gdli)
	if err != nil {
		return nil, err
	}
	view := &View{GDLI: gdli, Scope: acl.Access}
	switch acl.Access {
	case AccessTenantScoped, AccessSummaryOnly, AccessDashboardOnly:
		view.Summary = &DecisionSummary{
			ERS:      record.ERS,
			Action:   record.DecisionAction,
			CaseID:   record.CaseID,
			Override: record.OverrideFlag,
		}
	case AccessMetadataOnly:
		view.Metadata = &RecordMetadata{
			Exists:    true,
			Frozen:    record.Frozen,
			Timestamp: record.CreatedAt,
		}
	case AccessDecisionOutcome:
		view.Action = record.DecisionAction
	case AccessIngestionOnly:
		event, err := s.store.GetLineageEvent(ctx, record.EventID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		if event != nil {
			view.Ingestion = &IngestionView{
				EventID:         event.EventID,
				SourceSystem:    event.SourceSystem,
				EventType:       event.EventType,
				IngestTimestamp: event.IngestTimestamp,
			}
		}
	case AccessHashReference:
		view.HashRef = &HashReference{
			EventHash:  record.EventHash,
			SnapshotID: record.SnapshotID,
		}
	default:
		return nil, fmt.Errorf("%w: role %s has no lineage visibility", ErrAccessDenied, actorRole)
	}
	return view, nil
}

// GovernedContamination runs a blast radius analysis behind the role
// matrix and access logging.
func (s *Service) GovernedContamination(ctx context.Context, contaminationType, contaminatedID, tenantID, actorID, actorRole string) (*ContaminationReport, error) {
	if err := CheckPermission(actorRole, "trigger_impact_analysis"); err != nil {
		return nil, err
	}
	if err := s.logPrivilegedAccess(ctx, actorID, actorRole, "contamination_analysis", "", map[string]interface{}{
		"type": contaminationType, "id": contaminatedID,
	}); err != nil {
		return nil, err
	}
	return s.AnalyzeContamination(ctx, contaminationType, contaminatedID, tenantID)
}

// ReplayFrequency is replay volume over a window, tallied per actor.
type ReplayFrequency struct {
	PeriodHours  int                      `json:"period_hours"`
	TotalReplays int                      `json:"total_replays"`
	ByActor      []store.ActorActionCount `json:"by_actor"`
	Anomaly      bool                     `json:"anomaly"`
}

// GetReplayFrequency reports who replayed how often in the last given
// hours. An actor above 15 replays flips the anomaly flag.
func (s *Service) GetReplayFrequency(ctx context.Context, hours int) (*ReplayFrequency, error) {
	if hours <= 0 {
		hours = 24
	}
	since := s.store.Now().Add(-time.Duration(hours) * time.Hour)
	byActor, err := s.store.CountAccessesByActor(ctx, "replay", since)
	if err != nil {
		return nil, err
	}
	out := &ReplayFrequency{PeriodHours: hours, ByActor: byActor}
	for _, a := range byActor {
		out.TotalReplays += a.Count
		if a.Count > 15 {
			out.Anomaly = true
		}
	}
	return out, nil
}
