package archive

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/veritrail/core/pkg/audit"
	"github.com/veritrail/core/pkg/canonical"
	"github.com/veritrail/core/pkg/store"
)

// Archiver copies frozen evidence packages out of the operational
// database into blob storage for long-term retention.
type Archiver struct {
	store *store.Store
	blobs Blob
	audit audit.Logger
}

// NewArchiver creates an archiver over the given store and blob backend.
func NewArchiver(st *store.Store, blobs Blob, auditLog audit.Logger) *Archiver {
	if auditLog == nil {
		auditLog = audit.Nop()
	}
	return &Archiver{store: st, blobs: blobs, audit: auditLog}
}

// LinkRef ties one evidence chain link to its archived blob.
type LinkRef struct {
	Seq          int64  `json:"seq"`
	CaseID       string `json:"case_id"`
	EvidenceHash string `json:"evidence_hash"`
	BlobRef      string `json:"blob_ref"`
}

// Manifest summarizes one archive run.
type Manifest struct {
	Links       []LinkRef `json:"links"`
	ManifestRef string    `json:"manifest_ref"`
	ArchivedAt  string    `json:"archived_at"`
}

// ArchiveChain verifies the full evidence chain and copies every
// package into blob storage. The run fails on the first link whose
// recomputed hash does not match; a broken chain must never be
// archived as authentic.
func (a *Archiver) ArchiveChain(ctx context.Context) (*Manifest, error) {
	links, err := a.store.ListEvidenceChain(ctx)
	if err != nil {
		return nil, err
	}

	manifest := &Manifest{ArchivedAt: a.store.NowString()}
	prev := canonical.GenesisHash
	for _, link := range links {
		want, err := canonical.ChainHash(prev, json.RawMessage(link.EvidencePackage))
		if err != nil {
			return nil, err
		}
		if want != link.EvidenceHash {
			return nil, fmt.Errorf("evidence chain broken at seq %d: hash mismatch", link.Seq)
		}
		prev = link.EvidenceHash

		ref, err := a.blobs.Put(ctx, []byte(link.EvidencePackage))
		if err != nil {
			return nil, fmt.Errorf("archive seq %d: %w", link.Seq, err)
		}
		manifest.Links = append(manifest.Links, LinkRef{
			Seq:          link.Seq,
			CaseID:       link.CaseID,
			EvidenceHash: link.EvidenceHash,
			BlobRef:      ref,
		})
	}

	data, err := canonical.Marshal(manifest.Links)
	if err != nil {
		return nil, err
	}
	manifest.ManifestRef, err = a.blobs.Put(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("archive manifest: %w", err)
	}

	_ = a.audit.Record(ctx, audit.EventSystem, "evidence_archived", manifest.ManifestRef,
		map[string]interface{}{"links": len(manifest.Links)})
	return manifest, nil
}

// Retrieve loads an archived evidence package and verifies it against
// the evidence hash and its predecessor.
func (a *Archiver) Retrieve(ctx context.Context, ref LinkRef, prevHash string) ([]byte, error) {
	data, err := a.blobs.Get(ctx, ref.BlobRef)
	if err != nil {
		return nil, err
	}
	got, err := canonical.ChainHash(prevHash, json.RawMessage(data))
	if err != nil {
		return nil, err
	}
	if got != ref.EvidenceHash {
		return nil, fmt.Errorf("archived package for seq %d fails verification", ref.Seq)
	}
	return data, nil
}

// VerifyChain walks the live chain from genesis and reports the first
// broken sequence number, or 0 when the chain is intact.
func (a *Archiver) VerifyChain(ctx context.Context) (int64, error) {
	links, err := a.store.ListEvidenceChain(ctx)
	if err != nil {
		return 0, err
	}
	prev := canonical.GenesisHash
	for _, link := range links {
		got, err := canonical.ChainHash(prev, json.RawMessage(link.EvidencePackage))
		if err != nil {
			return 0, err
		}
		if got != link.EvidenceHash {
			return link.Seq, nil
		}
		prev = link.EvidenceHash
	}
	return 0, nil
}
