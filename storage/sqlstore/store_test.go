package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"opticgov/native/escrow"
	"opticgov/storage"
)

var (
	funder     = common.HexToAddress("0x1111111111111111111111111111111111111111")
	contractor = common.HexToAddress("0x2222222222222222222222222222222222222222")
	oracle     = common.HexToAddress("0x3333333333333333333333333333333333333333")
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	store, err := Open("sqlite", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func setupEngine(t *testing.T, store *Store) *escrow.Engine {
	t.Helper()
	engine, err := escrow.NewEngine(oracle, store, escrow.WithClock(func() int64 { return 1_700_000_000 }))
	require.NoError(t, err)
	return engine
}

func createProject(t *testing.T, engine *escrow.Engine) uint64 {
	t.Helper()
	id, err := engine.CreateProject(context.Background(), funder, contractor,
		[]*uint256.Int{escrow.MustParseEther("0.5"), escrow.MustParseEther("0.5")},
		[]string{"foundation", "roof"},
		escrow.MustParseEther("1"))
	require.NoError(t, err)
	return id
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open("oracle", "")
	require.Error(t, err)
}

func TestStoreLifecycle(t *testing.T) {
	store := setupTestStore(t)
	engine := setupEngine(t, store)
	ctx := context.Background()

	first := createProject(t, engine)
	second := createProject(t, engine)
	require.Equal(t, uint64(0), first)
	require.Equal(t, uint64(1), second)

	_, err := engine.SubmitEvidence(ctx, contractor, first, 0, "ipfs://slab")
	require.NoError(t, err)
	_, err = engine.SubmitEvidence(ctx, funder, first, 0, "ipfs://inspection")
	require.NoError(t, err)

	_, err = engine.ReleaseMilestone(ctx, oracle, first, 0, escrow.VerdictApproved)
	require.NoError(t, err)
	_, err = engine.ReleaseMilestone(ctx, oracle, first, 0, escrow.VerdictApproved)
	require.ErrorIs(t, err, escrow.ErrAlreadyCompleted)
	_, err = engine.ReleaseMilestone(ctx, oracle, first, 1, escrow.VerdictRejected)
	require.NoError(t, err)

	project, err := engine.Project(ctx, first)
	require.NoError(t, err)
	require.Equal(t, funder, project.Funder)
	require.Equal(t, escrow.MilestoneReleased, project.Milestones[0].State)
	require.Equal(t, escrow.MilestoneRejected, project.Milestones[1].State)
	require.Equal(t, int64(1_700_000_000), project.Milestones[0].ResolvedAt)
	require.True(t, project.Released.Eq(escrow.MustParseEther("0.5")))
	require.True(t, project.Locked().Eq(escrow.MustParseEther("0.5")))
	require.Len(t, project.Milestones[0].Evidence, 2)
	require.Empty(t, project.Milestones[1].Evidence)
	require.NoError(t, escrow.VerifyEvidence(project))

	balance, err := engine.Balance(ctx, contractor)
	require.NoError(t, err)
	require.True(t, balance.Eq(escrow.MustParseEther("0.5")))

	untouched, err := engine.Project(ctx, second)
	require.NoError(t, err)
	require.True(t, untouched.Released.IsZero())
}

func TestStoreNotFound(t *testing.T) {
	store := setupTestStore(t)
	engine := setupEngine(t, store)
	ctx := context.Background()

	_, err := engine.Project(ctx, 7)
	require.ErrorIs(t, err, escrow.ErrNotFound)

	id := createProject(t, engine)
	_, err = engine.ReleaseMilestone(ctx, oracle, id, 5, escrow.VerdictApproved)
	require.ErrorIs(t, err, escrow.ErrNotFound)
	_, err = engine.SubmitEvidence(ctx, funder, id, 5, "ref")
	require.ErrorIs(t, err, escrow.ErrNotFound)

	err = store.TransitionMilestone(ctx, id, 9, escrow.MilestoneOpen, escrow.MilestoneReleased, 1)
	require.ErrorIs(t, err, escrow.ErrNotFound)
}

func TestStoreTransitionIsConditional(t *testing.T) {
	store := setupTestStore(t)
	engine := setupEngine(t, store)
	ctx := context.Background()
	id := createProject(t, engine)

	require.NoError(t, store.TransitionMilestone(ctx, id, 0, escrow.MilestoneOpen, escrow.MilestoneRejected, 5))
	err := store.TransitionMilestone(ctx, id, 0, escrow.MilestoneOpen, escrow.MilestoneReleased, 6)
	require.ErrorIs(t, err, escrow.ErrAlreadyCompleted)
}

func TestStoreLoadsFirstProjectMilestones(t *testing.T) {
	store := setupTestStore(t)
	engine := setupEngine(t, store)
	ctx := context.Background()
	id := createProject(t, engine)
	require.Equal(t, uint64(0), id)

	project, err := store.GetProject(ctx, id)
	require.NoError(t, err)
	require.Len(t, project.Milestones, 2)
	require.Equal(t, "foundation", project.Milestones[0].Description)
	require.Equal(t, 1, project.Milestones[1].Index)

	listed, err := store.ListProjects(ctx, escrow.ProjectFilter{})
	require.NoError(t, err)
	require.Len(t, listed, 1)
	require.Len(t, listed[0].Milestones, 2)

	_, err = engine.ReleaseMilestone(ctx, oracle, id, 1, escrow.VerdictApproved)
	require.NoError(t, err)
}

func TestStorePayoutIsSingleShot(t *testing.T) {
	store := setupTestStore(t)
	engine := setupEngine(t, store)
	ctx := context.Background()
	id := createProject(t, engine)

	require.NoError(t, store.Payout(ctx, id, 0, contractor, 42))
	err := store.Payout(ctx, id, 0, contractor, 43)
	require.ErrorIs(t, err, escrow.ErrAlreadyCompleted)
	err = store.Payout(ctx, id, 7, contractor, 43)
	require.ErrorIs(t, err, escrow.ErrNotFound)

	project, err := store.GetProject(ctx, id)
	require.NoError(t, err)
	require.Equal(t, escrow.MilestoneReleased, project.Milestones[0].State)
	require.Equal(t, int64(42), project.Milestones[0].ResolvedAt)
	require.True(t, project.Released.Eq(escrow.MustParseEther("0.5")))

	balance, err := store.Balance(ctx, contractor)
	require.NoError(t, err)
	require.True(t, balance.Eq(escrow.MustParseEther("0.5")))
}

func TestStorePayoutRollsBackWhenCancelled(t *testing.T) {
	// A cancelled transaction discards its connection, so use a file that
	// outlives it.
	store, err := Open("sqlite", filepath.Join(t.TempDir(), "escrow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	engine := setupEngine(t, store)
	id := createProject(t, engine)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates := 0
	const hook = "opticgov:cancel_after_flip"
	require.NoError(t, store.DB().Callback().Update().Before("gorm:update").Register(hook, func(*gorm.DB) {
		updates++
		if updates == 2 {
			cancel()
		}
	}))
	_, err = engine.ReleaseMilestone(ctx, oracle, id, 0, escrow.VerdictApproved)
	require.Error(t, err)
	require.NoError(t, store.DB().Callback().Update().Remove(hook))
	require.GreaterOrEqual(t, updates, 2)

	fresh := context.Background()
	project, err := engine.Project(fresh, id)
	require.NoError(t, err)
	require.Equal(t, escrow.MilestoneOpen, project.Milestones[0].State)
	require.True(t, project.Released.IsZero())
	balance, err := engine.Balance(fresh, contractor)
	require.NoError(t, err)
	require.True(t, balance.IsZero())

	_, err = engine.ReleaseMilestone(fresh, oracle, id, 0, escrow.VerdictApproved)
	require.NoError(t, err)
	balance, err = engine.Balance(fresh, contractor)
	require.NoError(t, err)
	require.True(t, balance.Eq(escrow.MustParseEther("0.5")))
}

func TestStoreConcurrentPayoutsToNewAccount(t *testing.T) {
	store := setupTestStore(t)
	engine := setupEngine(t, store)
	ctx := context.Background()
	first := createProject(t, engine)
	second := createProject(t, engine)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, id := range []uint64{first, second} {
		wg.Add(1)
		go func(i int, id uint64) {
			defer wg.Done()
			_, errs[i] = engine.ReleaseMilestone(ctx, oracle, id, 0, escrow.VerdictApproved)
		}(i, id)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	balance, err := store.Balance(ctx, contractor)
	require.NoError(t, err)
	require.True(t, balance.Eq(escrow.MustParseEther("1")))
}

func TestStoreConcurrentReleaseSingleWinner(t *testing.T) {
	store := setupTestStore(t)
	engine := setupEngine(t, store)
	ctx := context.Background()
	id := createProject(t, engine)

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.ReleaseMilestone(ctx, oracle, id, 0, escrow.VerdictApproved)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
			} else if !errors.Is(err, escrow.ErrAlreadyCompleted) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, successes)

	balance, err := store.Balance(ctx, contractor)
	require.NoError(t, err)
	require.True(t, balance.Eq(escrow.MustParseEther("0.5")))
}

func TestStoreListProjectsFilter(t *testing.T) {
	store := setupTestStore(t)
	engine := setupEngine(t, store)
	ctx := context.Background()
	createProject(t, engine)
	other := common.HexToAddress("0x4444444444444444444444444444444444444444")
	_, err := engine.CreateProject(ctx, other, contractor, []*uint256.Int{uint256.NewInt(3)}, []string{"solo"}, uint256.NewInt(3))
	require.NoError(t, err)

	all, err := engine.Projects(ctx, escrow.ProjectFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)

	mine, err := engine.Projects(ctx, escrow.ProjectFilter{Funder: other})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	require.Equal(t, uint64(1), mine[0].ID)
	require.Equal(t, "solo", mine[0].Milestones[0].Description)

	none, err := engine.Projects(ctx, escrow.ProjectFilter{Contractor: other})
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestStoreIdempotency(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	_, err := store.LookupIdempotency(ctx, "abc")
	require.ErrorIs(t, err, storage.ErrNotFound)

	rec := &storage.IdempotencyRecord{Key: "abc", RequestHash: "0x01", Method: "POST", Path: "/api/v1/projects", CreatedAt: time.Now().UTC()}
	existing, err := store.ReserveIdempotency(ctx, rec)
	require.NoError(t, err)
	require.Nil(t, existing)

	existing, err = store.ReserveIdempotency(ctx, &storage.IdempotencyRecord{Key: "abc", RequestHash: "0x02"})
	require.NoError(t, err)
	require.NotNil(t, existing)
	require.True(t, existing.Pending())
	require.Equal(t, "0x01", existing.RequestHash)

	require.NoError(t, store.CompleteIdempotency(ctx, "abc", 201, []byte(`{"id":0}`)))
	require.NoError(t, store.CompleteIdempotency(ctx, "abc", 500, []byte(`{}`)))
	require.NoError(t, store.ReleaseIdempotency(ctx, "abc"))

	got, err := store.LookupIdempotency(ctx, "abc")
	require.NoError(t, err)
	require.Equal(t, 201, got.Status)
	require.Equal(t, `{"id":0}`, string(got.Response))

	require.ErrorIs(t, store.CompleteIdempotency(ctx, "missing", 201, nil), storage.ErrNotFound)
}

func TestStoreIdempotencyReleaseFreesKey(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	_, err := store.ReserveIdempotency(ctx, &storage.IdempotencyRecord{Key: "k", RequestHash: "0x01"})
	require.NoError(t, err)
	require.NoError(t, store.ReleaseIdempotency(ctx, "k"))

	existing, err := store.ReserveIdempotency(ctx, &storage.IdempotencyRecord{Key: "k", RequestHash: "0x02"})
	require.NoError(t, err)
	require.Nil(t, existing)
}
