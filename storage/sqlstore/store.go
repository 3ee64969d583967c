package sqlstore

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/glebarez/sqlite"
	"github.com/holiman/uint256"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"opticgov/native/escrow"
	"opticgov/storage"
)

const projectCounter = "projects"

// Store is a gorm-backed escrow.State. Every mutating call runs in its own
// transaction.
type Store struct {
	db *gorm.DB
}

var _ escrow.State = (*Store)(nil)

// Open connects to the database named by driver ("sqlite" or "postgres") and
// migrates the schema.
func Open(driver, dsn string) (*Store, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "sqlite", "sqlite3":
		dialector = sqlite.Open(dsn)
	case "postgres", "postgresql":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("sqlstore: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, err
	}
	if dialector.Name() == "sqlite" {
		// SQLite permits a single writer.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return New(db)
}

// New wraps an existing gorm handle and migrates the schema.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("sqlstore: db required")
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("sqlstore: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// DB exposes the gorm handle.
func (s *Store) DB() *gorm.DB { return s.db }

// Ping verifies the database connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// InsertProject implements escrow.State.
func (s *Store) InsertProject(ctx context.Context, project *escrow.Project) (uint64, error) {
	sanitized, err := escrow.SanitizeProject(project)
	if err != nil {
		return 0, err
	}
	var id uint64
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&counterRow{Name: projectCounter}).Error; err != nil {
			return err
		}
		if err := tx.Model(&counterRow{}).Where("name = ?", projectCounter).
			UpdateColumn("value", gorm.Expr("value + ?", 1)).Error; err != nil {
			return err
		}
		var counter counterRow
		if err := tx.First(&counter, "name = ?", projectCounter).Error; err != nil {
			return err
		}
		id = counter.Value - 1
		row := projectRow{
			ID:          id,
			Funder:      sanitized.Funder.Hex(),
			Contractor:  sanitized.Contractor.Hex(),
			TotalLocked: sanitized.TotalLocked.Dec(),
			Released:    sanitized.Released.Dec(),
			CreatedAt:   sanitized.CreatedAt,
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		milestones := make([]milestoneRow, len(sanitized.Milestones))
		for i, m := range sanitized.Milestones {
			milestones[i] = milestoneRow{
				ProjectID:      id,
				MilestoneIndex: m.Index,
				Amount:         m.Amount.Dec(),
				Description:    m.Description,
				State:          m.State.String(),
				ResolvedAt:     m.ResolvedAt,
			}
		}
		return tx.Create(&milestones).Error
	})
	if err != nil {
		return 0, fmt.Errorf("sqlstore: insert project: %w", err)
	}
	return id, nil
}

// GetProject implements escrow.State.
func (s *Store) GetProject(ctx context.Context, id uint64) (*escrow.Project, error) {
	var project *escrow.Project
	err := s.snapshot(ctx, func(tx *gorm.DB) error {
		var row projectRow
		err := tx.First(&row, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: project %d", escrow.ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		projects, err := hydrate(tx, []projectRow{row})
		if err != nil {
			return err
		}
		project = projects[0]
		return nil
	})
	if err != nil {
		return nil, err
	}
	return project, nil
}

// ListProjects implements escrow.State.
func (s *Store) ListProjects(ctx context.Context, filter escrow.ProjectFilter) ([]*escrow.Project, error) {
	var projects []*escrow.Project
	err := s.snapshot(ctx, func(tx *gorm.DB) error {
		query := tx.Order("id")
		if filter.Funder != (common.Address{}) {
			query = query.Where("funder = ?", filter.Funder.Hex())
		}
		if filter.Contractor != (common.Address{}) {
			query = query.Where("contractor = ?", filter.Contractor.Hex())
		}
		var rows []projectRow
		if err := query.Find(&rows).Error; err != nil {
			return err
		}
		var err error
		projects, err = hydrate(tx, rows)
		return err
	})
	if err != nil {
		return nil, err
	}
	return projects, nil
}

// snapshot runs fn in a single read transaction. Postgres reads at
// repeatable read.
func (s *Store) snapshot(ctx context.Context, fn func(tx *gorm.DB) error) error {
	var opts []*sql.TxOptions
	if s.db.Dialector.Name() == "postgres" {
		opts = append(opts, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	}
	return s.db.WithContext(ctx).Transaction(fn, opts...)
}

// TransitionMilestone implements escrow.State as a conditional update.
func (s *Store) TransitionMilestone(ctx context.Context, id uint64, index int, from, to escrow.MilestoneState, at int64) error {
	db := s.db.WithContext(ctx)
	res := db.Model(&milestoneRow{}).
		Where("project_id = ? AND milestone_index = ? AND state = ?", id, index, from.String()).
		Updates(map[string]any{"state": to.String(), "resolved_at": at})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		return nil
	}
	return transitionConflict(db, id, index)
}

// AppendEvidence implements escrow.State.
func (s *Store) AppendEvidence(ctx context.Context, id uint64, index int, build escrow.EvidenceBuilder) (*escrow.EvidenceEntry, error) {
	var entry *escrow.EvidenceEntry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var milestone milestoneRow
		res := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("project_id = ? AND milestone_index = ?", id, index).Limit(1).Find(&milestone)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: project %d milestone %d", escrow.ErrNotFound, id, index)
		}
		var last []evidenceRow
		if err := tx.Where("project_id = ? AND milestone_index = ?", id, index).
			Order("sequence DESC").Limit(1).Find(&last).Error; err != nil {
			return err
		}
		var (
			seq  uint64
			prev [32]byte
		)
		if len(last) == 1 {
			seq = last[0].Sequence + 1
			digest, err := decodeDigest(last[0].Digest)
			if err != nil {
				return err
			}
			prev = digest
		}
		built, err := build(seq, prev)
		if err != nil {
			return err
		}
		row := evidenceRow{
			ProjectID:      id,
			MilestoneIndex: index,
			Sequence:       built.Sequence,
			Reference:      built.Reference,
			Submitter:      built.Submitter.Hex(),
			SubmittedAt:    built.SubmittedAt,
			Digest:         "0x" + hex.EncodeToString(built.Digest[:]),
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		entry = built
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Payout implements escrow.State. The conditional milestone update, the
// project debit and the account credit commit in one transaction.
func (s *Store) Payout(ctx context.Context, id uint64, index int, recipient common.Address, at int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&milestoneRow{}).
			Where("project_id = ? AND milestone_index = ? AND state = ?", id, index, escrow.MilestoneOpen.String()).
			Updates(map[string]any{"state": escrow.MilestoneReleased.String(), "resolved_at": at})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return transitionConflict(tx, id, index)
		}
		var milestone milestoneRow
		if err := tx.Where("project_id = ? AND milestone_index = ?", id, index).Limit(1).Find(&milestone).Error; err != nil {
			return err
		}
		amount, err := parseAmount(milestone.Amount)
		if err != nil {
			return err
		}

		var row projectRow
		err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&row, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: project %d", escrow.ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		total, err := parseAmount(row.TotalLocked)
		if err != nil {
			return err
		}
		prior, err := parseAmount(row.Released)
		if err != nil {
			return err
		}
		released, err := escrow.DebitLocked(&escrow.Project{ID: id, TotalLocked: total, Released: prior}, amount)
		if err != nil {
			return err
		}
		if err := tx.Model(&projectRow{}).Where("id = ?", id).Update("released", released.Dec()).Error; err != nil {
			return err
		}
		return credit(tx, recipient, amount)
	})
}

// Balance implements escrow.State.
func (s *Store) Balance(ctx context.Context, addr common.Address) (*uint256.Int, error) {
	var accounts []accountRow
	if err := s.db.WithContext(ctx).Where("address = ?", addr.Hex()).Limit(1).Find(&accounts).Error; err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		return uint256.NewInt(0), nil
	}
	return parseAmount(accounts[0].Balance)
}

// LookupIdempotency returns the cached response for key or storage.ErrNotFound.
func (s *Store) LookupIdempotency(ctx context.Context, key string) (*storage.IdempotencyRecord, error) {
	var row idempotencyRow
	err := s.db.WithContext(ctx).First(&row, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &storage.IdempotencyRecord{
		Key:         row.Key,
		RequestHash: row.RequestHash,
		Method:      row.Method,
		Path:        row.Path,
		Status:      row.Status,
		Response:    []byte(row.Response),
		CreatedAt:   row.CreatedAt,
	}, nil
}

// ReserveIdempotency claims rec.Key as a pending entry. When the key is
// already taken the existing record is returned and nothing is written.
func (s *Store) ReserveIdempotency(ctx context.Context, rec *storage.IdempotencyRecord) (*storage.IdempotencyRecord, error) {
	if rec == nil || rec.Key == "" {
		return nil, errors.New("sqlstore: idempotency key required")
	}
	row := idempotencyRow{
		Key:         rec.Key,
		RequestHash: rec.RequestHash,
		Method:      rec.Method,
		Path:        rec.Path,
		CreatedAt:   rec.CreatedAt,
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 1 {
		return nil, nil
	}
	return s.LookupIdempotency(ctx, rec.Key)
}

// CompleteIdempotency stores the response for a reserved key. A completed
// key keeps its first response.
func (s *Store) CompleteIdempotency(ctx context.Context, key string, status int, response []byte) error {
	res := s.db.WithContext(ctx).Model(&idempotencyRow{}).
		Where("key = ? AND status = 0", key).
		Updates(map[string]any{"status": status, "response": string(response)})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		return nil
	}
	_, err := s.LookupIdempotency(ctx, key)
	return err
}

// ReleaseIdempotency drops a pending reservation so the key can be retried.
// Completed records are kept.
func (s *Store) ReleaseIdempotency(ctx context.Context, key string) error {
	return s.db.WithContext(ctx).Where("key = ? AND status = 0", key).Delete(&idempotencyRow{}).Error
}

// credit adds amount to the recipient's account, creating it at zero first.
func credit(tx *gorm.DB, recipient common.Address, amount *uint256.Int) error {
	addr := recipient.Hex()
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&accountRow{Address: addr, Balance: "0"}).Error; err != nil {
		return err
	}
	var account accountRow
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&account, "address = ?", addr).Error; err != nil {
		return err
	}
	balance, err := parseAmount(account.Balance)
	if err != nil {
		return err
	}
	if _, overflow := balance.AddOverflow(balance, amount); overflow {
		return fmt.Errorf("sqlstore: balance overflow for %s", addr)
	}
	return tx.Model(&accountRow{}).Where("address = ?", addr).Update("balance", balance.Dec()).Error
}

func transitionConflict(db *gorm.DB, id uint64, index int) error {
	var current milestoneRow
	if err := db.Where("project_id = ? AND milestone_index = ?", id, index).Limit(1).Find(&current).Error; err != nil {
		return err
	}
	if current.State == "" {
		return fmt.Errorf("%w: project %d milestone %d", escrow.ErrNotFound, id, index)
	}
	return fmt.Errorf("%w: project %d milestone %d is %s", escrow.ErrAlreadyCompleted, id, index, current.State)
}

func hydrate(tx *gorm.DB, rows []projectRow) ([]*escrow.Project, error) {
	if len(rows) == 0 {
		return []*escrow.Project{}, nil
	}
	ids := make([]uint64, len(rows))
	for i, row := range rows {
		ids[i] = row.ID
	}
	var milestones []milestoneRow
	if err := tx.Where("project_id IN ?", ids).
		Order("project_id, milestone_index").Find(&milestones).Error; err != nil {
		return nil, err
	}
	byProject := make(map[uint64][]milestoneRow, len(rows))
	for _, m := range milestones {
		byProject[m.ProjectID] = append(byProject[m.ProjectID], m)
	}
	var evidence []evidenceRow
	if err := tx.Where("project_id IN ?", ids).
		Order("project_id, milestone_index, sequence").Find(&evidence).Error; err != nil {
		return nil, err
	}
	type milestoneKey struct {
		project uint64
		index   int
	}
	byMilestone := make(map[milestoneKey][]*escrow.EvidenceEntry)
	for _, ev := range evidence {
		digest, err := decodeDigest(ev.Digest)
		if err != nil {
			return nil, err
		}
		key := milestoneKey{ev.ProjectID, ev.MilestoneIndex}
		byMilestone[key] = append(byMilestone[key], &escrow.EvidenceEntry{
			Sequence:    ev.Sequence,
			Reference:   ev.Reference,
			Submitter:   common.HexToAddress(ev.Submitter),
			SubmittedAt: ev.SubmittedAt,
			Digest:      digest,
		})
	}
	out := make([]*escrow.Project, 0, len(rows))
	for _, row := range rows {
		project, err := toProject(row, byProject[row.ID])
		if err != nil {
			return nil, err
		}
		for _, m := range project.Milestones {
			m.Evidence = byMilestone[milestoneKey{project.ID, m.Index}]
		}
		out = append(out, project)
	}
	return out, nil
}

func toProject(row projectRow, milestones []milestoneRow) (*escrow.Project, error) {
	total, err := parseAmount(row.TotalLocked)
	if err != nil {
		return nil, err
	}
	released, err := parseAmount(row.Released)
	if err != nil {
		return nil, err
	}
	project := &escrow.Project{
		ID:          row.ID,
		Funder:      common.HexToAddress(row.Funder),
		Contractor:  common.HexToAddress(row.Contractor),
		TotalLocked: total,
		Released:    released,
		CreatedAt:   row.CreatedAt,
		Milestones:  make([]*escrow.Milestone, len(milestones)),
	}
	for i, m := range milestones {
		amount, err := parseAmount(m.Amount)
		if err != nil {
			return nil, err
		}
		state, err := parseState(m.State)
		if err != nil {
			return nil, err
		}
		project.Milestones[i] = &escrow.Milestone{
			Index:       m.MilestoneIndex,
			Amount:      amount,
			Description: m.Description,
			State:       state,
			ResolvedAt:  m.ResolvedAt,
		}
	}
	return project, nil
}

func parseAmount(raw string) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(raw)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: corrupt amount %q: %w", raw, err)
	}
	return v, nil
}

func parseState(raw string) (escrow.MilestoneState, error) {
	for _, state := range []escrow.MilestoneState{escrow.MilestoneOpen, escrow.MilestoneReleased, escrow.MilestoneRejected} {
		if state.String() == raw {
			return state, nil
		}
	}
	return 0, fmt.Errorf("sqlstore: corrupt milestone state %q", raw)
}

func decodeDigest(raw string) ([32]byte, error) {
	var digest [32]byte
	decoded, err := hex.DecodeString(strings.TrimPrefix(raw, "0x"))
	if err != nil || len(decoded) != len(digest) {
		return digest, fmt.Errorf("sqlstore: corrupt evidence digest %q", raw)
	}
	copy(digest[:], decoded)
	return digest, nil
}
