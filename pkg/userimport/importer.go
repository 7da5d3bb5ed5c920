package userimport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/ttacon/libphonenumber"

	"bmsreport/pkg/auth"
	"bmsreport/pkg/domain"
	"bmsreport/pkg/numbering"
)

// DefaultRegion is used to read phone numbers written without a country code.
const DefaultRegion = "ID"

// Directory is the store surface an import writes to.
type Directory interface {
	UpsertUserByEmail(ctx context.Context, u domain.User) (created bool, err error)
	GetUserByEmail(ctx context.Context, email string) (domain.User, bool, error)
	SaveStore(ctx context.Context, s domain.Store) error
}

// RowError describes a rejected row. Rejected rows never stop an import.
type RowError struct {
	Line  int    `json:"line"`
	Key   string `json:"key,omitempty"`
	Error string `json:"error"`
}

// Result summarises an import run.
type Result struct {
	Created  int        `json:"created"`
	Updated  int        `json:"updated"`
	Rejected []RowError `json:"rejected,omitempty"`
}

type userRow struct {
	Email    string          `validate:"required,email,max=254"`
	Name     string          `validate:"required,max=120"`
	Role     domain.UserRole `validate:"required"`
	Phone    string
	Branch   string `validate:"max=120"`
	Password string
}

type storeRow struct {
	Code   string `validate:"required,max=16"`
	Name   string `validate:"required,max=120"`
	Branch string `validate:"required,max=120"`
}

type Option func(*Importer)

func WithLogger(logger *slog.Logger) Option {
	return func(i *Importer) {
		if logger != nil {
			i.logger = logger
		}
	}
}

// WithRegion changes the region used for national phone numbers.
func WithRegion(region string) Option {
	return func(i *Importer) {
		if region = strings.ToUpper(strings.TrimSpace(region)); region != "" {
			i.region = region
		}
	}
}

// WithPasswordPolicy replaces the password check applied to new passwords.
func WithPasswordPolicy(check func(string) error) Option {
	return func(i *Importer) {
		if check != nil {
			i.checkPassword = check
		}
	}
}

// Importer upserts users by email and stores by code.
type Importer struct {
	dir           Directory
	validate      *validator.Validate
	region        string
	checkPassword func(string) error
	logger        *slog.Logger
}

func New(dir Directory, opts ...Option) (*Importer, error) {
	if dir == nil {
		return nil, errors.New("import requires a directory store")
	}
	i := &Importer{
		dir:           dir,
		validate:      validator.New(),
		region:        DefaultRegion,
		checkPassword: auth.ValidatePassword,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// ImportUsers reads rows of email;name;role;phone;branch;password. A new
// account needs a password; an existing one keeps its password when the
// cell is empty.
func (i *Importer) ImportUsers(ctx context.Context, filename string, r io.Reader) (Result, error) {
	records, err := readRecords(filename, r, "email")
	if err != nil {
		return Result{}, err
	}
	var res Result
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		row := userRow{
			Email:    strings.ToLower(field(rec.fields, 0)),
			Name:     field(rec.fields, 1),
			Role:     domain.UserRole(strings.ToUpper(field(rec.fields, 2))),
			Phone:    field(rec.fields, 3),
			Branch:   field(rec.fields, 4),
			Password: field(rec.fields, 5),
		}
		created, err := i.importUser(ctx, row)
		if err != nil {
			if isStoreFailure(err) {
				return res, err
			}
			res.Rejected = append(res.Rejected, RowError{Line: rec.line, Key: row.Email, Error: err.Error()})
			continue
		}
		if created {
			res.Created++
		} else {
			res.Updated++
		}
	}
	i.logger.Info("user import finished", "file", filename, "created", res.Created, "updated", res.Updated, "rejected", len(res.Rejected))
	return res, nil
}

func (i *Importer) importUser(ctx context.Context, row userRow) (bool, error) {
	if err := i.validate.Struct(row); err != nil {
		return false, describe(err)
	}
	if !row.Role.Valid() {
		return false, fmt.Errorf("role %q must be BMS, BMC or ADMIN", row.Role)
	}
	phone, err := NormalizePhone(row.Phone, i.region)
	if err != nil {
		return false, err
	}
	user := domain.User{
		Email:      row.Email,
		Name:       row.Name,
		Phone:      phone,
		BranchName: row.Branch,
		Role:       row.Role,
		Status:     domain.StatusActive,
	}
	if row.Password == "" {
		_, exists, err := i.dir.GetUserByEmail(ctx, row.Email)
		if err != nil {
			return false, storeFailure{err}
		}
		if !exists {
			return false, errors.New("password is required for a new account")
		}
	} else {
		if err := i.checkPassword(row.Password); err != nil {
			return false, err
		}
		if user.PasswordHash, err = auth.HashPassword(row.Password); err != nil {
			return false, fmt.Errorf("hash password: %w", err)
		}
	}
	created, err := i.dir.UpsertUserByEmail(ctx, user)
	if err != nil {
		return false, storeFailure{err}
	}
	return created, nil
}

// ImportStores reads rows of code;name;branch. Codes are stored upper case.
func (i *Importer) ImportStores(ctx context.Context, filename string, r io.Reader) (Result, error) {
	records, err := readRecords(filename, r, "code")
	if err != nil {
		return Result{}, err
	}
	var res Result
	seen := make(map[string]bool, len(records))
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		row := storeRow{
			Code:   strings.ToUpper(field(rec.fields, 0)),
			Name:   field(rec.fields, 1),
			Branch: field(rec.fields, 2),
		}
		if err := i.validate.Struct(row); err != nil {
			res.Rejected = append(res.Rejected, RowError{Line: rec.line, Key: row.Code, Error: describe(err).Error()})
			continue
		}
		if row.Code == numbering.PlaceholderCode {
			res.Rejected = append(res.Rejected, RowError{Line: rec.line, Key: row.Code, Error: "store code is reserved"})
			continue
		}
		if seen[row.Code] {
			res.Rejected = append(res.Rejected, RowError{Line: rec.line, Key: row.Code, Error: "duplicate store code in file"})
			continue
		}
		seen[row.Code] = true
		if err := i.dir.SaveStore(ctx, domain.Store{Code: row.Code, Name: row.Name, BranchName: row.Branch}); err != nil {
			return res, fmt.Errorf("line %d: %w", rec.line, err)
		}
		res.Created++
	}
	i.logger.Info("store import finished", "file", filename, "saved", res.Created, "rejected", len(res.Rejected))
	return res, nil
}

// NormalizePhone formats phone as E.164. National numbers are read in
// region. An empty phone stays empty.
func NormalizePhone(phone, region string) (string, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return "", nil
	}
	p, err := libphonenumber.Parse(phone, region)
	if err != nil {
		return "", fmt.Errorf("phone %q: %w", phone, err)
	}
	if !libphonenumber.IsValidNumber(p) {
		return "", fmt.Errorf("phone %q is not valid", phone)
	}
	return libphonenumber.Format(p, libphonenumber.E164), nil
}

// storeFailure marks errors from the directory store; they abort the run.
type storeFailure struct{ err error }

func (e storeFailure) Error() string { return e.err.Error() }
func (e storeFailure) Unwrap() error { return e.err }

func isStoreFailure(err error) bool {
	var sf storeFailure
	return errors.As(err, &sf)
}

func describe(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return errors.New(strings.Join(parts, ", "))
}
