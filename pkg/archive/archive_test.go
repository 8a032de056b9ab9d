package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/veritrail/core/pkg/audit"
	"github.com/veritrail/core/pkg/canonical"
	"github.com/veritrail/core/pkg/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	s := store.New(db)
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func appendLink(t *testing.T, st *store.Store, caseID string, pkg []byte) *store.EvidenceLinkRow {
	t.Helper()
	link, err := st.AppendEvidenceLink(context.Background(), canonical.GenesisHash,
		func(prevHash string, seq int64) (*store.EvidenceLinkRow, error) {
			hash, err := canonical.ChainHash(prevHash, json.RawMessage(pkg))
			if err != nil {
				return nil, err
			}
			return &store.EvidenceLinkRow{
				ID:              uuid.NewString(),
				CaseID:          caseID,
				EvidenceHash:    hash,
				PrevHash:        prevHash,
				EvidencePackage: string(pkg),
				Frozen:          true,
				CreatedAt:       st.NowString(),
				Seq:             seq,
			}, nil
		})
	require.NoError(t, err)
	return link
}

func TestFileBlobRoundTrip(t *testing.T) {
	blobs, err := NewFileBlob(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	data := []byte(`{"case_id":"c-1"}`)
	ref, err := blobs.Put(ctx, data)
	require.NoError(t, err)
	assert.Contains(t, ref, "sha256:")

	// idempotent
	again, err := blobs.Put(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, ref, again)

	got, err := blobs.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	ok, err := blobs.Exists(ctx, ref)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, blobs.Delete(ctx, ref))
	ok, err = blobs.Exists(ctx, ref)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileBlobRejectsBadRef(t *testing.T) {
	blobs, err := NewFileBlob(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = blobs.Get(ctx, "md5:abcd")
	assert.Error(t, err)
	_, err = blobs.Get(ctx, "sha256:not-hex")
	assert.Error(t, err)
	_, err = blobs.Exists(ctx, "bogus")
	assert.Error(t, err)
}

func TestArchiveChain(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	first := appendLink(t, st, "case-1", []byte(`{"event":"scan-1"}`))
	second := appendLink(t, st, "case-2", []byte(`{"event":"scan-2"}`))
	assert.Equal(t, first.EvidenceHash, second.PrevHash)

	blobs, err := NewFileBlob(t.TempDir())
	require.NoError(t, err)
	a := NewArchiver(st, blobs, audit.Nop())

	manifest, err := a.ArchiveChain(ctx)
	require.NoError(t, err)
	require.Len(t, manifest.Links, 2)
	assert.Equal(t, int64(1), manifest.Links[0].Seq)
	assert.Equal(t, "case-1", manifest.Links[0].CaseID)
	assert.NotEmpty(t, manifest.ManifestRef)

	ok, err := blobs.Exists(ctx, manifest.ManifestRef)
	require.NoError(t, err)
	assert.True(t, ok)

	pkg, err := a.Retrieve(ctx, manifest.Links[0], canonical.GenesisHash)
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"scan-1"}`, string(pkg))

	pkg, err = a.Retrieve(ctx, manifest.Links[1], first.EvidenceHash)
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"scan-2"}`, string(pkg))

	broken, err := a.VerifyChain(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), broken)
}

func TestArchiveChainDetectsTamper(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	appendLink(t, st, "case-1", []byte(`{"event":"scan-1"}`))
	_, err := st.AppendEvidenceLink(ctx, canonical.GenesisHash,
		func(prevHash string, seq int64) (*store.EvidenceLinkRow, error) {
			return &store.EvidenceLinkRow{
				ID:              uuid.NewString(),
				CaseID:          "case-2",
				EvidenceHash:    fmt.Sprintf("%064x", 0xdead),
				PrevHash:        prevHash,
				EvidencePackage: `{"event":"forged"}`,
				Frozen:          true,
				CreatedAt:       st.NowString(),
				Seq:             seq,
			}, nil
		})
	require.NoError(t, err)

	blobs, err := NewFileBlob(t.TempDir())
	require.NoError(t, err)
	a := NewArchiver(st, blobs, audit.Nop())

	_, err = a.ArchiveChain(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "seq 2")

	broken, err := a.VerifyChain(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), broken)
}

func TestRetrieveRejectsWrongPredecessor(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	appendLink(t, st, "case-1", []byte(`{"event":"scan-1"}`))
	appendLink(t, st, "case-2", []byte(`{"event":"scan-2"}`))

	blobs, err := NewFileBlob(t.TempDir())
	require.NoError(t, err)
	a := NewArchiver(st, blobs, audit.Nop())

	manifest, err := a.ArchiveChain(ctx)
	require.NoError(t, err)

	_, err = a.Retrieve(ctx, manifest.Links[1], canonical.GenesisHash)
	assert.Error(t, err)
}
