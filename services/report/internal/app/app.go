package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bsm/redislock"

	"bmsreport/pkg/catalog"
	"bmsreport/pkg/domain"
	"bmsreport/pkg/media"
	"bmsreport/pkg/numbering"
	"bmsreport/pkg/storage"
	"bmsreport/pkg/store"
)

const (
	defaultCooldownMonths = 3
	defaultPresignExpiry  = 15 * time.Minute
	decisionLockTTL       = 15 * time.Second
)

// Notifier is told that new outbox events are waiting.
type Notifier interface {
	Kick()
}

// Config holds runtime dependencies of the report application.
type Config struct {
	DatabaseURL    string
	Store          store.Store
	Objects        storage.ObjectStore
	PublicBaseURL  string
	Catalog        *catalog.Catalog
	Locker         *redislock.Client
	Notifier       Notifier
	CooldownMonths int
	Location       *time.Location
	PresignExpiry  time.Duration
	Logger         *slog.Logger
	Now            func() time.Time
}

// App implements draft handling and the report approval workflow.
type App struct {
	store          store.Store
	objects        storage.ObjectStore
	media          *media.Pipeline
	catalog        *catalog.Catalog
	numbers        *numbering.Allocator
	locker         *redislock.Client
	notifier       Notifier
	cooldownMonths int
	loc            *time.Location
	presignExpiry  time.Duration
	logger         *slog.Logger
	now            func() time.Time
}

// New constructs the application. A Store is opened from DatabaseURL when
// none is given.
func New(cfg Config) (*App, error) {
	if cfg.Objects == nil {
		return nil, errors.New("object store required")
	}
	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		var err error
		dataStore, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pipeline, err := media.NewPipeline(cfg.Objects, cfg.PublicBaseURL, media.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("init media pipeline: %w", err)
	}
	cat := cfg.Catalog
	if cat == nil {
		cat = catalog.Default()
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	months := cfg.CooldownMonths
	if months <= 0 {
		months = defaultCooldownMonths
	}
	presign := cfg.PresignExpiry
	if presign <= 0 {
		presign = defaultPresignExpiry
	}
	return &App{
		store:          dataStore,
		objects:        cfg.Objects,
		media:          pipeline,
		catalog:        cat,
		numbers:        numbering.NewAllocator(dataStore, numbering.WithLocation(loc), numbering.WithClock(now)),
		locker:         cfg.Locker,
		notifier:       cfg.Notifier,
		cooldownMonths: months,
		loc:            loc,
		presignExpiry:  presign,
		logger:         logger,
		now:            func() time.Time { return now().UTC() },
	}, nil
}

// Catalog returns the checklist the forms are built from.
func (a *App) Catalog() []catalog.Category {
	return a.catalog.Categories()
}

// ListStores returns the stores of a branch, or every store for an empty branch.
func (a *App) ListStores(ctx context.Context, branch string) ([]domain.Store, error) {
	return a.store.ListStores(ctx, strings.TrimSpace(branch))
}

// Cooldown reports, per preventive category, whether storeCode may include
// it in a new report.
func (a *App) Cooldown(ctx context.Context, storeCode string) ([]domain.CategoryCooldown, error) {
	code := normalizeStoreCode(storeCode)
	if code == "" {
		return nil, domain.ValidationErrors{storeRequired()}
	}
	items := make(map[string][]string)
	for _, id := range a.catalog.PreventiveIDs() {
		c, _ := a.catalog.Category(id)
		ids := make([]string, 0, len(c.Items))
		for _, it := range c.Items {
			ids = append(ids, it.ID)
		}
		items[id] = ids
	}
	last, err := a.store.LastSubmissionByCategory(ctx, code, items)
	if err != nil {
		return nil, err
	}
	now := a.now()
	out := make([]domain.CategoryCooldown, 0, len(items))
	for _, id := range a.catalog.PreventiveIDs() {
		cd := domain.CategoryCooldown{CategoryID: id, Active: true}
		if at, ok := last[id]; ok {
			submitted := at.UTC()
			available := submitted.In(a.loc).AddDate(0, a.cooldownMonths, 0).UTC()
			cd.LastSubmittedAt = &submitted
			cd.AvailableAt = &available
			cd.Active = !now.Before(available)
		}
		out = append(out, cd)
	}
	return out, nil
}

func (a *App) excludedCategories(ctx context.Context, storeCode string) ([]string, error) {
	cooldowns, err := a.Cooldown(ctx, storeCode)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, c := range cooldowns {
		if !c.Active {
			out = append(out, c.CategoryID)
		}
	}
	return out, nil
}

func (a *App) resolveStore(ctx context.Context, code string) (domain.Store, error) {
	st, ok, err := a.store.GetStore(ctx, code)
	if err != nil {
		return domain.Store{}, err
	}
	if !ok {
		return domain.Store{}, domain.ValidationErrors{{
			Field:   "storeCode",
			Code:    domain.CodeUnknownStore,
			Message: fmt.Sprintf("store %s is not registered", code),
		}}
	}
	return st, nil
}

func (a *App) kick() {
	if a.notifier != nil {
		a.notifier.Kick()
	}
}

func normalizeStoreCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func storeRequired() domain.ValidationError {
	return domain.ValidationError{
		Field:   "storeCode",
		Code:    domain.CodeStoreRequired,
		Message: "select a store first",
	}
}
