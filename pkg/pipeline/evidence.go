package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/veritrail/core/pkg/audit"
	"github.com/veritrail/core/pkg/canonical"
	"github.com/veritrail/core/pkg/store"
)

// tsaPolicyOID identifies the internal RFC 3161-style timestamp policy.
const tsaPolicyOID = "1.3.6.1.4.1.99999.1.1"

// anchorTriggers is the closed set of reasons that justify an external
// anchor. Anything else is refused without error.
var anchorTriggers = map[string]bool{
	"high_risk_batch_lock":  true,
	"carbon_credit_impact":  true,
	"cross_border_transfer": true,
	"regulatory_reporting":  true,
}

// EvidenceResult reports a frozen evidence chain link.
type EvidenceResult struct {
	CaseID       string `json:"case_id"`
	EvidenceHash string `json:"evidence_hash"`
	PrevHash     string `json:"prev_hash"`
	ChainID      string `json:"chain_id"`
	Seq          int64  `json:"seq"`
	WeightHash   string `json:"weight_hash,omitempty"`
	FrozenAt     string `json:"frozen_at"`
	SnapshotGSV  string `json:"snapshot_gsv,omitempty"`
}

// tsaRecord is the timestamp-authority attestation stored with each link.
type tsaRecord struct {
	Time      string `json:"time"`
	Hash      string `json:"hash"`
	Algorithm string `json:"algorithm"`
	PolicyOID string `json:"policy_oid"`
}

// FreezeEvidence assembles the full decision record for a case, appends
// it to the hash chain, and freezes the case. A case freezes at most
// once; a second call returns store.ErrAlreadyFrozen.
func (e *Engine) FreezeEvidence(ctx context.Context, caseID string) (*EvidenceResult, error) {
	c, err := e.store.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if c.Status == "frozen" {
		return nil, store.ErrAlreadyFrozen
	}

	event, err := e.store.GetEvent(ctx, c.EventID)
	if err != nil {
		return nil, err
	}
	score, err := e.store.GetRiskScoreByEvent(ctx, c.EventID)
	if err != nil {
		return nil, err
	}
	decision, err := e.store.GetDecision(ctx, c.DecisionID)
	if err != nil {
		return nil, err
	}
	overrides, err := e.store.ListOverridesByDecision(ctx, c.DecisionID)
	if err != nil {
		return nil, err
	}

	frozenAt := e.store.NowString()
	pkg, err := canonical.Marshal(map[string]interface{}{
		"case_id":       caseID,
		"event":         event,
		"score":         score,
		"decision":      decision,
		"overrides":     overrides,
		"model_version": score.ModelVersion,
		"weight_hash":   score.WeightHash,
		"frozen_at":     frozenAt,
	})
	if err != nil {
		return nil, err
	}

	link, err := e.store.AppendEvidenceLink(ctx, canonical.GenesisHash,
		func(prevHash string, seq int64) (*store.EvidenceLinkRow, error) {
			hash, err := canonical.ChainHash(prevHash, pkg)
			if err != nil {
				return nil, err
			}
			tsa, err := json.Marshal(tsaRecord{
				Time:      frozenAt,
				Hash:      hash,
				Algorithm: "SHA-256",
				PolicyOID: tsaPolicyOID,
			})
			if err != nil {
				return nil, err
			}
			return &store.EvidenceLinkRow{
				ID:                 uuid.New().String(),
				CaseID:             caseID,
				EvidenceHash:       hash,
				PrevHash:           prevHash,
				EvidencePackage:    string(pkg),
				TimestampAuthority: string(tsa),
				Frozen:             true,
				CreatedAt:          frozenAt,
				Seq:                seq,
			}, nil
		})
	if err != nil {
		return nil, err
	}

	if err := e.store.FreezeCase(ctx, caseID); err != nil {
		return nil, err
	}

	result := &EvidenceResult{
		CaseID:       caseID,
		EvidenceHash: link.EvidenceHash,
		PrevHash:     link.PrevHash,
		ChainID:      link.ID,
		Seq:          link.Seq,
		WeightHash:   score.WeightHash,
		FrozenAt:     frozenAt,
	}

	if e.snapshots != nil {
		gsv, err := e.snapshots.SnapshotForCase(ctx, c.TenantID, caseID)
		if err != nil {
			_ = e.audit.Record(ctx, audit.EventSystem, "graph_snapshot_failed", caseID,
				map[string]interface{}{"error": err.Error()})
		} else {
			result.SnapshotGSV = gsv
		}
	}

	_ = e.audit.Record(ctx, audit.EventDecision, "evidence_frozen", caseID,
		map[string]interface{}{"evidence_hash": link.EvidenceHash, "seq": link.Seq})
	if e.obs != nil {
		e.obs.CaseClosed(ctx)
	}
	return result, nil
}

// AnchorResult reports an anchoring attempt. A refused trigger is not
// an error; the caller inspects Anchored.
type AnchorResult struct {
	Anchored   bool   `json:"anchored"`
	Reason     string `json:"reason,omitempty"`
	AnchorID   string `json:"anchor_id,omitempty"`
	AnchorHash string `json:"anchor_hash,omitempty"`
	AnchoredAt string `json:"anchored_at,omitempty"`
}

// AnchorBlockchain records an external anchor over the derived hashes of
// a frozen evidence link. Only derived hashes leave the system; the raw
// evidence package never does.
func (e *Engine) AnchorBlockchain(ctx context.Context, evidence *EvidenceResult, triggerReason string) (*AnchorResult, error) {
	if !anchorTriggers[triggerReason] {
		return &AnchorResult{
			Anchored: false,
			Reason:   fmt.Sprintf("trigger %q not in anchor whitelist", triggerReason),
		}, nil
	}

	caseRef := evidence.CaseID
	if len(caseRef) > 16 {
		caseRef = caseRef[:16]
	}
	anchorData := map[string]string{
		"case_hash":            evidence.EvidenceHash,
		"model_version_hash":   evidence.WeightHash,
		"decision_record_hash": canonical.HashString(caseRef),
		"trigger":              triggerReason,
	}
	anchorHash, err := canonical.Hash(anchorData)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(anchorData)
	if err != nil {
		return nil, err
	}

	anchoredAt := e.store.NowString()
	anchorID := uuid.New().String()
	if err := e.store.InsertAnchor(ctx, &store.AnchorRow{
		ID:              anchorID,
		EvidenceChainID: evidence.ChainID,
		AnchorHash:      anchorHash,
		AnchorData:      string(raw),
		TriggerReason:   triggerReason,
		AnchoredAt:      anchoredAt,
	}); err != nil {
		return nil, err
	}

	_ = e.audit.Record(ctx, audit.EventDecision, "evidence_anchored", evidence.CaseID,
		map[string]interface{}{"anchor_id": anchorID, "trigger_reason": triggerReason})
	return &AnchorResult{
		Anchored:   true,
		AnchorID:   anchorID,
		AnchorHash: anchorHash,
		AnchoredAt: anchoredAt,
	}, nil
}
