package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/veritrail/core/pkg/canonical"
	"github.com/veritrail/core/pkg/store"
)

// EventInput is one inbound logistics occurrence.
type EventInput struct {
	EventType      string                 `json:"event_type"`
	TenantID       string                 `json:"tenant_id,omitempty"`
	IdempotencyKey string                 `json:"idempotency_key,omitempty"`
	Payload        map[string]interface{} `json:"payload,omitempty"`
	Route          *RouteData             `json:"route,omitempty"`
	DaysSince      float64                `json:"days_since,omitempty"`
}

// SourceMetadata describes where and how an event arrived.
type SourceMetadata struct {
	Source            string   `json:"source,omitempty"`
	DeviceFingerprint string   `json:"device_fingerprint,omitempty"`
	Latitude          *float64 `json:"latitude,omitempty"`
	Longitude         *float64 `json:"longitude,omitempty"`
	IP                string   `json:"ip,omitempty"`
	UserAgent         string   `json:"user_agent,omitempty"`
}

// IngestResult reports an ingestion. A duplicate is a normal outcome:
// the original event id is returned and nothing is written.
type IngestResult struct {
	Duplicate       bool   `json:"duplicate,omitempty"`
	ExistingEventID string `json:"existing_event_id,omitempty"`
	EventID         string `json:"event_id,omitempty"`
	EventHash       string `json:"event_hash,omitempty"`
	Timestamp       string `json:"timestamp,omitempty"`
	IntegrityStatus string `json:"integrity_status,omitempty"`
}

// Ingest validates the event shape, enforces idempotency and writes the
// immutable event row with a canonical payload hash. Concurrent
// submissions with the same key race on the unique constraint; the loser
// resolves the winner's id and reports the duplicate.
func (e *Engine) Ingest(ctx context.Context, event EventInput, src SourceMetadata) (*IngestResult, error) {
	if err := e.validateEventShape(event); err != nil {
		return nil, err
	}

	if event.IdempotencyKey != "" {
		existing, err := e.store.FindEventByIdempotencyKey(ctx, event.IdempotencyKey)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		if existing != "" {
			return &IngestResult{Duplicate: true, ExistingEventID: existing}, nil
		}
	}

	eventID := uuid.New().String()
	timestamp := e.store.NowString()

	hash, err := canonical.Hash(struct {
		EventID   string                 `json:"_event_id"`
		Timestamp string                 `json:"_timestamp"`
		EventType string                 `json:"event_type"`
		Payload   map[string]interface{} `json:"payload"`
	}{eventID, timestamp, event.EventType, event.Payload})
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return nil, err
	}
	source := src.Source
	if source == "" {
		source = "api"
	}
	err = e.store.InsertEvent(ctx, &store.EventRow{
		ID:                eventID,
		EventType:         event.EventType,
		Source:            source,
		TenantID:          event.TenantID,
		IdempotencyKey:    event.IdempotencyKey,
		EventHash:         hash,
		DeviceFingerprint: src.DeviceFingerprint,
		GeoLat:            src.Latitude,
		GeoLng:            src.Longitude,
		IPAddress:         src.IP,
		UserAgent:         src.UserAgent,
		Payload:           string(payload),
		CreatedAt:         timestamp,
		IntegrityStatus:   "verified",
	})
	if errors.Is(err, store.ErrDuplicateKey) {
		existing, lookupErr := e.store.FindEventByIdempotencyKey(ctx, event.IdempotencyKey)
		if lookupErr != nil {
			return nil, lookupErr
		}
		return &IngestResult{Duplicate: true, ExistingEventID: existing}, nil
	}
	if err != nil {
		return nil, err
	}

	if e.obs != nil {
		e.obs.RecordEvent(ctx, source)
	}

	return &IngestResult{
		EventID:         eventID,
		EventHash:       hash,
		Timestamp:       timestamp,
		IntegrityStatus: "verified",
	}, nil
}

func (e *Engine) validateEventShape(event EventInput) error {
	doc := map[string]interface{}{"event_type": event.EventType}
	if event.TenantID != "" {
		doc["tenant_id"] = event.TenantID
	}
	if event.IdempotencyKey != "" {
		doc["idempotency_key"] = event.IdempotencyKey
	}
	if err := e.schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}
