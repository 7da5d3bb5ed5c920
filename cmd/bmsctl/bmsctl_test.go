package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"bmsreport/pkg/domain"
	"bmsreport/pkg/store"
	"bmsreport/pkg/userimport"
)

func newSQLiteStore(t *testing.T) *store.GormStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "bms.db")+"?_busy_timeout=5000"), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	s, err := store.NewGormStoreWithDB(db)
	require.NoError(t, err)
	return s
}

func execute(t *testing.T, dir userimport.Directory, args ...string) (string, error) {
	t.Helper()
	opts := &rootOptions{openDirectory: openGormDirectory}
	if dir != nil {
		opts.openDirectory = func(string) (userimport.Directory, error) { return dir, nil }
	}
	cmd := newRootCommandWith(opts)
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestImportUsersCommand(t *testing.T) {
	s := newSQLiteStore(t)
	path := writeFile(t, "users.csv", strings.Join([]string{
		"email;name;role;phone;branch;password",
		"teknisi@example.com;Budi;BMS;081234567890;Bandung Timur;Gudang#Timur2026",
		"broken;Nobody;BMS;;;Gudang#Timur2026",
	}, "\n"))

	out, err := execute(t, s, "import-users", path)
	require.NoError(t, err)
	assert.Contains(t, out, "created: 1")
	assert.Contains(t, out, "rejected: 1")
	assert.Contains(t, out, "line 3 broken")

	u, ok, err := s.GetUserByEmail(context.Background(), "teknisi@example.com")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.RoleBMS, u.Role)
	assert.Equal(t, "+6281234567890", u.Phone)
}

func TestImportStoresCommandJSON(t *testing.T) {
	s := newSQLiteStore(t)
	path := writeFile(t, "stores.csv", "code;name;branch\nckol;Alfamart Cikole;Bandung Timur\n")

	out, err := execute(t, s, "--format", "json", "import-stores", path)
	require.NoError(t, err)
	var res userimport.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, 1, res.Created)

	st, ok, err := s.GetStore(context.Background(), "CKOL")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Bandung Timur", st.BranchName)
}

func TestImportRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	path := writeFile(t, "stores.csv", "CKOL;Cikole;Bandung\n")
	_, err := execute(t, nil, "import-stores", path)
	assert.ErrorContains(t, err, "database url is required")
}

func TestCatalogCommand(t *testing.T) {
	out, err := execute(t, nil, "catalog")
	require.NoError(t, err)
	assert.Contains(t, out, "Bangunan")
	assert.Contains(t, out, "A1")

	path := writeFile(t, "catalog.yaml", `
categories:
  - id: P
    title: Perawatan AC
    preventive: true
    items:
      - {id: P1, name: Filter}
`)
	out, err = execute(t, nil, "--format", "json", "catalog", "--file", path)
	require.NoError(t, err)
	var body struct {
		Categories []struct {
			ID         string `json:"id"`
			Preventive bool   `json:"preventive"`
		} `json:"categories"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &body))
	require.Len(t, body.Categories, 1)
	assert.True(t, body.Categories[0].Preventive)

	bad := writeFile(t, "bad.yaml", "categories:\n  - id: A\n    title: X\n    items:\n      - {id: B1, name: Wrong prefix}\n")
	_, err = execute(t, nil, "catalog", "--file", bad)
	assert.Error(t, err)
}

func TestRejectsUnknownFormat(t *testing.T) {
	_, err := execute(t, nil, "--format", "xml", "catalog")
	assert.ErrorContains(t, err, "invalid format")
}
