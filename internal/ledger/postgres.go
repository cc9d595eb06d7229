package ledger

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/questgate/server/internal/integrity"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Connect opens and pings a Postgres-backed GORM pool.
func Connect(ctx context.Context, databaseURL string, maxConns int) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(databaseURL), &gorm.Config{
		PrepareStmt:    true,
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("gorm sql db: %w", err)
	}
	if maxConns > 0 {
		sqlDB.SetMaxOpenConns(maxConns)
		sqlDB.SetMaxIdleConns(maxConns / 2)
	}
	sqlDB.SetConnMaxIdleTime(15 * time.Minute)
	sqlDB.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// RunMigrations applies the embedded SQL files in lexical order.
func RunMigrations(ctx context.Context, db *gorm.DB) error {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		raw, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if err := db.WithContext(ctx).Exec(string(raw)).Error; err != nil {
			return fmt.Errorf("exec migration %s: %w", name, err)
		}
		slog.Default().InfoContext(ctx, "migration applied",
			"module", "ledger",
			"layer", "adapter",
			"operation", "apply_migration",
			"outcome", "success",
			"migration", name,
		)
	}
	return nil
}

type submissionModel struct {
	SubmissionID   uuid.UUID `gorm:"column:submission_id;type:uuid;primaryKey"`
	UserID         string    `gorm:"column:user_id"`
	QuestID        string    `gorm:"column:quest_id"`
	SubmittedAt    time.Time `gorm:"column:submitted_at"`
	DeviceID       string    `gorm:"column:device_id"`
	Description    string    `gorm:"column:description"`
	CommitmentHash string    `gorm:"column:commitment_hash"`
	RiskScore      int       `gorm:"column:risk_score"`
	StatusLevel    string    `gorm:"column:status_level"`
	Verdict        string    `gorm:"column:verdict"`
	CreatedAt      time.Time `gorm:"column:created_at"`
}

func (submissionModel) TableName() string { return "quest_submissions" }

// Postgres is a Ledger backed by the quest_submissions table.
type Postgres struct {
	db *gorm.DB
}

// NewPostgres wraps a migrated GORM pool.
func NewPostgres(db *gorm.DB) *Postgres {
	return &Postgres{db: db}
}

// Put inserts rec. A duplicate submission id maps to ErrDuplicate.
func (p *Postgres) Put(ctx context.Context, rec Record) error {
	row, err := toModel(rec)
	if err != nil {
		return err
	}
	if err := p.db.WithContext(ctx).Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert submission: %w", err)
	}
	return nil
}

// Get loads a record by submission id. Ids that are not UUIDs are
// reported as ErrNotFound.
func (p *Postgres) Get(ctx context.Context, submissionID string) (Record, error) {
	id, err := uuid.Parse(submissionID)
	if err != nil {
		return Record{}, ErrNotFound
	}
	var row submissionModel
	if err := p.db.WithContext(ctx).Where("submission_id = ?", id).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("load submission: %w", err)
	}
	return fromModel(row), nil
}

func toModel(rec Record) (submissionModel, error) {
	id, err := uuid.Parse(rec.Submission.ID)
	if err != nil {
		return submissionModel{}, fmt.Errorf("submission id %q: %w", rec.Submission.ID, err)
	}
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	return submissionModel{
		SubmissionID:   id,
		UserID:         rec.UserID,
		QuestID:        rec.Submission.QuestID,
		SubmittedAt:    rec.Submission.Timestamp.UTC(),
		DeviceID:       rec.Submission.DeviceID,
		Description:    rec.Submission.Description,
		CommitmentHash: rec.Submission.CommitmentHash,
		RiskScore:      rec.Score,
		StatusLevel:    string(rec.Level),
		Verdict:        string(rec.Verdict),
		CreatedAt:      created,
	}, nil
}

func fromModel(row submissionModel) Record {
	return Record{
		UserID: row.UserID,
		Submission: integrity.Submission{
			ID:             row.SubmissionID.String(),
			QuestID:        row.QuestID,
			Timestamp:      row.SubmittedAt.UTC(),
			DeviceID:       row.DeviceID,
			Description:    row.Description,
			CommitmentHash: row.CommitmentHash,
		},
		Score:     row.RiskScore,
		Level:     integrity.Level(row.StatusLevel),
		Verdict:   integrity.Verdict(row.Verdict),
		CreatedAt: row.CreatedAt.UTC(),
	}
}
