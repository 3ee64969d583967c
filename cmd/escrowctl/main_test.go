package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"

	"opticgov/core/types"
	"opticgov/native/escrow"
	"opticgov/services/escrowd"
	"opticgov/storage"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return strings.TrimSpace(out.String()), err
}

func TestAmountConversions(t *testing.T) {
	out, err := runCommand(t, "wei", "1.5")
	require.NoError(t, err)
	require.Equal(t, "1500000000000000000", out)

	out, err = runCommand(t, "ether", "250000000000000000")
	require.NoError(t, err)
	require.Equal(t, "0.25", out)

	_, err = runCommand(t, "wei", "0.0000000000000000001")
	require.ErrorIs(t, err, escrow.ErrInvalidAmount)

	_, err = runCommand(t, "ether", "-3")
	require.Error(t, err)
}

func TestEvidenceRef(t *testing.T) {
	path := filepath.Join(t.TempDir(), "slab.jpg")
	require.NoError(t, os.WriteFile(path, []byte("concrete"), 0o600))

	out, err := runCommand(t, "evidence-ref", path)
	require.NoError(t, err)
	require.Equal(t, "keccak256:"+crypto.Keccak256Hash([]byte("concrete")).Hex(), out)

	out, err = runCommand(t, "evidence-ref", "--scheme", "sha3", path)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "sha3:0x"))
}

func TestTokenIsAcceptedByEscrowd(t *testing.T) {
	t.Setenv(defaultSecretEnv, testSecret)
	subject := common.HexToAddress("0x3333333333333333333333333333333333333333")

	out, err := runCommand(t, "token", "--subject", subject.Hex(), "--ttl", "5m")
	require.NoError(t, err)

	auth := escrowd.NewAuthenticator(escrowd.AuthConfig{Secret: testSecret, Issuer: "escrowd"}, nil)
	caller, err := auth.Verify(out)
	require.NoError(t, err)
	require.Equal(t, subject, caller)

	_, err = runCommand(t, "token", "--subject", "nobody")
	require.Error(t, err)
}

func TestExportWritesParquet(t *testing.T) {
	dir := t.TempDir()
	journalPath := filepath.Join(dir, "journal")
	db, err := storage.Open("leveldb", journalPath)
	require.NoError(t, err)
	journal, err := storage.OpenJournal(db)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := journal.Append(&types.Event{Type: escrow.EventTypeEvidenceSubmitted, Attributes: map[string]string{
			"projectId":      "7",
			"milestoneIndex": "1",
		}})
		require.NoError(t, err)
	}
	require.NoError(t, db.Close())

	out := filepath.Join(dir, "journal.parquet")
	msg, err := runCommand(t, "export", "--backend", "leveldb", "--path", journalPath, "--out", out, "--since", "1")
	require.NoError(t, err)
	require.Contains(t, msg, "wrote 2 records")

	fr, err := local.NewLocalFileReader(out)
	require.NoError(t, err)
	defer fr.Close()
	pr, err := reader.NewParquetReader(fr, new(journalRow), 1)
	require.NoError(t, err)
	defer pr.ReadStop()
	require.Equal(t, int64(2), pr.GetNumRows())

	rows := make([]journalRow, 2)
	require.NoError(t, pr.Read(&rows))
	require.Equal(t, int64(2), rows[0].Sequence)
	require.Equal(t, int64(7), rows[0].ProjectID)
	require.Equal(t, int32(1), rows[1].MilestoneIndex)
	require.Equal(t, int64(3), rows[1].Sequence)
	for _, row := range rows {
		require.Equal(t, escrow.EventTypeEvidenceSubmitted, row.Type)
		require.NotEmpty(t, row.ID)
		require.Contains(t, row.Attributes, `"projectId":"7"`)
	}
}

func TestExportRejectsMemoryBackend(t *testing.T) {
	_, err := runCommand(t, "export", "--backend", "memory", "--path", "x")
	require.Error(t, err)
}

func TestVerifyAgainstRunningServer(t *testing.T) {
	funder := common.HexToAddress("0x1111111111111111111111111111111111111111")
	contractor := common.HexToAddress("0x2222222222222222222222222222222222222222")
	oracle := common.HexToAddress("0x3333333333333333333333333333333333333333")

	db := storage.NewMemDB()
	journal, err := storage.OpenJournal(db)
	require.NoError(t, err)
	engine, err := escrow.NewEngine(oracle, escrow.NewMemState(), escrow.WithEmitter(journal))
	require.NoError(t, err)
	ctx := context.Background()
	id, err := engine.CreateProject(ctx, funder, contractor, []*uint256.Int{escrow.MustParseEther("2")}, []string{"frame"}, escrow.MustParseEther("2"))
	require.NoError(t, err)
	for _, ref := range []string{"ipfs://a", "ipfs://b"} {
		_, err := engine.SubmitEvidence(ctx, contractor, id, 0, ref)
		require.NoError(t, err)
	}

	server, err := escrowd.NewServer(escrowd.Options{
		Engine:    engine,
		Journal:   journal,
		Auth:      escrowd.AuthConfig{Secret: testSecret, Issuer: "escrowd"},
		RateLimit: escrowd.RateLimit{PerSecond: 100, Burst: 100},
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	ts := httptest.NewServer(server)
	t.Cleanup(ts.Close)

	token, err := escrowd.IssueToken(testSecret, "escrowd", "", funder, time.Hour, time.Now())
	require.NoError(t, err)

	out, err := runCommand(t, "verify", "--endpoint", ts.URL, "--token", token, "0")
	require.NoError(t, err)
	require.Equal(t, "project 0: 2 evidence entries verified", out)

	_, err = runCommand(t, "verify", "--endpoint", ts.URL, "--token", token, "5")
	require.Error(t, err)
	require.Contains(t, err.Error(), "404")

	_, err = runCommand(t, "verify", "--endpoint", ts.URL, "0")
	require.Error(t, err)
}
