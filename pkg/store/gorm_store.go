package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"bmsreport/pkg/domain"
)

const migrateLockID int64 = 51027301

// GormStore implements Store using GORM. Production runs on Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the Postgres DB and runs migrations under an advisory lock.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog, TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, migrate); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

// NewGormStoreWithDB wraps an already opened connection and migrates it.
// Open it with TranslateError enabled so unique violations are detected.
func NewGormStoreWithDB(db *gorm.DB) (*GormStore, error) {
	if err := migrate(db); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

// DB exposes the underlying handle for health checks.
func (s *GormStore) DB() *gorm.DB {
	return s.db
}

func migrate(tx *gorm.DB) error {
	if err := tx.AutoMigrate(
		&UserModel{},
		&StoreModel{},
		&ReportModel{},
		&ReportAnswerModel{},
		&EstimationLineModel{},
		&ApprovalLogModel{},
		&ReportCounterModel{},
		&OutboxModel{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	// One live draft per creator.
	if err := tx.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_report_models_live_draft
		ON report_models (created_by) WHERE status = 'DRAFT'`).Error; err != nil {
		return fmt.Errorf("create draft index: %w", err)
	}
	return nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// classify maps driver failures onto the domain error taxonomy. Domain
// errors raised inside transactions pass through untouched.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return domain.ErrNotFound
	case errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrAlreadySubmitted),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrDraftExists),
		errors.Is(err, domain.ErrDraftConflict),
		errors.Is(err, domain.ErrConnectionUnavailable),
		errors.Is(err, domain.ErrTransientStorage):
		return err
	case isConnectionError(err):
		return fmt.Errorf("%w: %w", domain.ErrConnectionUnavailable, err)
	default:
		return fmt.Errorf("%w: %w", domain.ErrTransientStorage, err)
	}
}

func isConnectionError(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "unique constraint failed")
}

// SaveUser registers or updates a user by ID.
func (s *GormStore) SaveUser(ctx context.Context, u domain.User) error {
	model := userToModel(u)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"email", "name", "phone", "branch_name", "password_hash", "role", "status", "updated_at"}),
	}).Create(&model).Error
	if err != nil {
		return fmt.Errorf("save user: %w", classify(err))
	}
	return nil
}

// UpsertUserByEmail inserts u or updates the account that owns its email.
// The existing ID and creation time are preserved.
func (s *GormStore) UpsertUserByEmail(ctx context.Context, u domain.User) (bool, error) {
	created := false
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing UserModel
		err := tx.Where("email = ?", u.Email).First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			created = true
			model := userToModel(u)
			return tx.Create(&model).Error
		}
		if err != nil {
			return err
		}
		updates := map[string]any{
			"name":        u.Name,
			"phone":       u.Phone,
			"branch_name": u.BranchName,
			"role":        string(u.Role),
			"status":      string(u.Status),
			"updated_at":  time.Now().UTC(),
		}
		if u.PasswordHash != "" {
			updates["password_hash"] = u.PasswordHash
		}
		return tx.Model(&UserModel{}).Where("id = ?", existing.ID).Updates(updates).Error
	})
	if err != nil {
		return false, fmt.Errorf("upsert user: %w", classify(err))
	}
	return created, nil
}

// GetUserByEmail looks up a user by email.
func (s *GormStore) GetUserByEmail(ctx context.Context, email string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).Where("email = ?", strings.ToLower(strings.TrimSpace(email))).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, classify(err)
	}
	return userFromModel(model), true, nil
}

// GetUserByID returns a user by ID.
func (s *GormStore) GetUserByID(ctx context.Context, id string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, classify(err)
	}
	return userFromModel(model), true, nil
}

// ListUsersByRole returns active users holding role.
func (s *GormStore) ListUsersByRole(ctx context.Context, role domain.UserRole) ([]domain.User, error) {
	var models []UserModel
	if err := s.db.WithContext(ctx).
		Where("role = ? AND status = ?", string(role), string(domain.StatusActive)).
		Order("email ASC").
		Find(&models).Error; err != nil {
		return nil, classify(err)
	}
	res := make([]domain.User, 0, len(models))
	for _, m := range models {
		res = append(res, userFromModel(m))
	}
	return res, nil
}

// SaveStore inserts or updates a retail store by code.
func (s *GormStore) SaveStore(ctx context.Context, st domain.Store) error {
	now := time.Now().UTC()
	model := StoreModel{
		Code:       strings.ToUpper(strings.TrimSpace(st.Code)),
		Name:       strings.TrimSpace(st.Name),
		BranchName: strings.TrimSpace(st.BranchName),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "code"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "branch_name", "updated_at"}),
	}).Create(&model).Error
	if err != nil {
		return fmt.Errorf("save store: %w", classify(err))
	}
	return nil
}

// GetStore returns a store by code.
func (s *GormStore) GetStore(ctx context.Context, code string) (domain.Store, bool, error) {
	var model StoreModel
	if err := s.db.WithContext(ctx).First(&model, "code = ?", strings.ToUpper(strings.TrimSpace(code))).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Store{}, false, nil
		}
		return domain.Store{}, false, classify(err)
	}
	return storeFromModel(model), true, nil
}

// ListStores lists stores, optionally restricted to a branch.
func (s *GormStore) ListStores(ctx context.Context, branch string) ([]domain.Store, error) {
	var models []StoreModel
	q := s.db.WithContext(ctx).Order("code ASC")
	if branch = strings.TrimSpace(branch); branch != "" {
		q = q.Where("branch_name = ?", branch)
	}
	if err := q.Find(&models).Error; err != nil {
		return nil, classify(err)
	}
	res := make([]domain.Store, 0, len(models))
	for _, m := range models {
		res = append(res, storeFromModel(m))
	}
	return res, nil
}

func userToModel(u domain.User) UserModel {
	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	if u.UpdatedAt.IsZero() {
		u.UpdatedAt = now
	}
	return UserModel{
		ID:           u.ID,
		Email:        strings.ToLower(strings.TrimSpace(u.Email)),
		Name:         u.Name,
		Phone:        u.Phone,
		BranchName:   u.BranchName,
		PasswordHash: u.PasswordHash,
		Role:         string(u.Role),
		Status:       string(u.Status),
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:           m.ID,
		Email:        m.Email,
		Name:         m.Name,
		Phone:        m.Phone,
		BranchName:   m.BranchName,
		PasswordHash: m.PasswordHash,
		Role:         domain.UserRole(m.Role),
		Status:       domain.UserStatus(m.Status),
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func storeFromModel(m StoreModel) domain.Store {
	return domain.Store{
		Code:       m.Code,
		Name:       m.Name,
		BranchName: m.BranchName,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}
}
