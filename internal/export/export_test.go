package export

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sonnun/internal/assist"
	"sonnun/internal/attribution"
	"sonnun/internal/editor"
	"sonnun/internal/logging"
	"sonnun/internal/provenance"
	"sonnun/internal/signer"
	"sonnun/internal/store"
	"sonnun/internal/tracking"
	"sonnun/internal/verify"
	"sonnun/pkg/artifact"
)

type fixture struct {
	log     *provenance.Log
	db      *store.Store
	buf     *editor.Buffer
	session *tracking.Session
	key     *signer.KeyPair
	signer  *signer.Signer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	db, err := store.Open(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	log, err := provenance.NewLog(ctx, db, provenance.WithDocumentID("essay-1"))
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	buf := editor.New()
	t.Cleanup(func() { buf.Close() })
	session := tracking.NewSession(buf, log)
	buf.SetObserver(session.OnUpdate)

	key, err := signer.GenerateKeyPair(rand.Reader)
	require.NoError(t, err)

	return &fixture{
		log:     log,
		db:      db,
		buf:     buf,
		session: session,
		key:     key,
		signer:  signer.New(key, nil),
	}
}

// writeScenario produces 11 typed, 7 generated and 11 cited characters.
func (f *fixture) writeScenario(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, f.buf.Type("Hello world"))

	provider := assist.ProviderFunc(func(ctx context.Context, prompt string) (assist.Completion, error) {
		return assist.Completion{Text: "AI text", Model: "gpt-3.5-turbo"}, nil
	})
	_, err := f.session.InsertAI(ctx, provider, "continue", f.buf.Len())
	require.NoError(t, err)

	require.NoError(t, f.session.InsertCitation(f.buf.Len(), "Smith 2020", "Quoted text", nil))
}

func TestEndToEndScenario(t *testing.T) {
	f := newFixture(t)
	f.writeScenario(t)
	ctx := context.Background()

	var auditBuf bytes.Buffer
	audit := logging.NewAuditWriter(&auditBuf, "export")

	out := filepath.Join(t.TempDir(), "essay.html")
	exp := New(f.log, f.signer, WithRecorder(f.db), WithAudit(audit))
	res, err := exp.Export(ctx, Request{
		Spans:      f.buf.Spans(),
		Title:      "Essay",
		Author:     "A. Writer",
		OutputPath: out,
		DocumentID: f.log.DocumentID(),
	})
	require.NoError(t, err)

	m := res.Manifest
	assert.Equal(t, 29, m.TotalChars)
	assert.InDelta(t, 37.93, m.HumanPct, 0.005)
	assert.InDelta(t, 24.14, m.AIPct, 0.005)
	assert.InDelta(t, 37.93, m.CitedPct, 0.005)
	require.Len(t, m.Events, 3)
	assert.Equal(t, "human", m.Events[0].Category)
	assert.Equal(t, "ai", m.Events[1].Category)
	assert.Equal(t, "gpt-3.5-turbo", m.Events[1].Source)
	assert.Equal(t, "cited", m.Events[2].Category)
	assert.Equal(t, "Smith 2020", m.Events[2].Source)
	assert.True(t, res.Check.Valid(), "in-memory check: %s", res.Check.Reason)

	v := verify.New(verify.WithExpectedKey(f.key.PublicKey()))
	got, err := v.VerifyFile(ctx, out)
	require.NoError(t, err)
	assert.Equal(t, verify.StatusValid, got.Status, got.Reason)

	other, err := signer.GenerateKeyPair(rand.Reader)
	require.NoError(t, err)
	mismatch, err := verify.New(verify.WithExpectedKey(other.PublicKey())).VerifyFile(ctx, out)
	require.NoError(t, err)
	assert.Equal(t, verify.StatusKeyMismatch, mismatch.Status)

	info, err := os.Stat(out)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0644), info.Mode().Perm())

	records, err := f.db.ListExports(ctx, f.log.DocumentID(), 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, res.RecordID, records[0].ID)
	assert.Equal(t, m.DocumentHash, records[0].DocumentHash)
	assert.Equal(t, "Essay", records[0].Title)

	assert.Contains(t, auditBuf.String(), `"export"`)
	assert.Contains(t, auditBuf.String(), m.DocumentHash)
}

func TestRenderedPageShowsSegments(t *testing.T) {
	f := newFixture(t)
	f.writeScenario(t)

	data, res, err := New(f.log, f.signer).Render(context.Background(), Request{
		Spans: f.buf.Spans(),
		Title: "Essay <draft>",
	})
	require.NoError(t, err)
	assert.Empty(t, res.Path)

	page := string(data)
	assert.Contains(t, page, "Essay &lt;draft&gt;")
	assert.Contains(t, page, `<span class="span-ai" data-source="gpt-3.5-turbo">AI text</span>`)
	assert.Contains(t, page, `<span class="span-cited" data-source="Smith 2020">Quoted text</span>`)
	assert.Contains(t, page, `id="sonnun-manifest"`)

	signed, err := artifact.Load(data)
	require.NoError(t, err)
	assert.Equal(t, res.Signed.Signature, signed.Signature)
}

func TestUnloggedWhitespaceIsReported(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.buf.Type("Hello"))
	require.NoError(t, f.buf.Type("   "))

	_, res, err := New(f.log, f.signer).Render(context.Background(), Request{Spans: f.buf.Spans()})
	require.NoError(t, err)
	assert.Equal(t, 8, res.Manifest.TotalChars)
	assert.Equal(t, verify.StatusInconsistent, res.Check.Status)
}

type failingRecorder struct{}

func (failingRecorder) InsertExport(context.Context, *store.ExportRecord) (int64, error) {
	return 0, errors.New("disk full")
}

func TestRecorderFailureKeepsArtifact(t *testing.T) {
	f := newFixture(t)
	f.writeScenario(t)

	out := filepath.Join(t.TempDir(), "out.html")
	res, err := New(f.log, f.signer, WithRecorder(failingRecorder{})).Export(context.Background(), Request{
		Spans:      f.buf.Spans(),
		OutputPath: out,
	})
	require.NoError(t, err)
	assert.Zero(t, res.RecordID)
	assert.FileExists(t, out)
}

func TestExportRelativeParentPath(t *testing.T) {
	f := newFixture(t)
	f.writeScenario(t)
	ctx := context.Background()

	root := t.TempDir()
	work := filepath.Join(root, "drafts")
	require.NoError(t, os.Mkdir(work, 0700))
	t.Chdir(work)

	res, err := New(f.log, f.signer, WithRecorder(f.db)).Export(ctx, Request{
		Spans:      f.buf.Spans(),
		OutputPath: "../out.html",
	})
	require.NoError(t, err)

	want := filepath.Join(root, "out.html")
	assert.Equal(t, want, res.Path)
	assert.FileExists(t, want)

	rec, err := f.db.GetExportByHash(ctx, res.Manifest.DocumentHash)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, want, rec.OutputPath)
}

func TestExportErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := New(f.log, f.signer).Export(ctx, Request{})
	assert.ErrorIs(t, err, ErrNoOutput)

	_, err = New(f.log, nil).Export(ctx, Request{OutputPath: filepath.Join(t.TempDir(), "x.html")})
	assert.ErrorIs(t, err, ErrNoSigner)

	f.key.Wipe()
	_, err = New(f.log, f.signer).Export(ctx, Request{OutputPath: filepath.Join(t.TempDir(), "y.html")})
	var se *signer.SigningError
	assert.ErrorAs(t, err, &se)
}

func TestSegmentsMergeNeighbours(t *testing.T) {
	segs := Segments(attribution.Spans{
		{Text: "Hel", Category: attribution.Human},
		{Text: "lo", Category: attribution.Human},
		{Text: "", Category: attribution.AI},
		{Text: " there", Category: attribution.AI, Source: "m"},
		{Text: "!"},
	})
	require.Len(t, segs, 3)
	assert.Equal(t, "Hello", segs[0].Text)
	assert.Equal(t, "ai", segs[1].Category)
	assert.Equal(t, "m", segs[1].Source)
	assert.Equal(t, "human", segs[2].Category)
	assert.True(t, strings.HasSuffix(segs[2].Text, "!"))
}
