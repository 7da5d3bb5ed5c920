package userimport

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"bmsreport/pkg/auth"
	"bmsreport/pkg/domain"
)

const goodPassword = "Gudang#Timur2026"

type memoryDirectory struct {
	mu      sync.Mutex
	users   map[string]domain.User
	stores  map[string]domain.Store
	failGet error
}

func newDirectory() *memoryDirectory {
	return &memoryDirectory{users: map[string]domain.User{}, stores: map[string]domain.Store{}}
}

func (d *memoryDirectory) UpsertUserByEmail(_ context.Context, u domain.User) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	existing, ok := d.users[u.Email]
	if ok && u.PasswordHash == "" {
		u.PasswordHash = existing.PasswordHash
	}
	d.users[u.Email] = u
	return !ok, nil
}

func (d *memoryDirectory) GetUserByEmail(_ context.Context, email string) (domain.User, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failGet != nil {
		return domain.User{}, false, d.failGet
	}
	u, ok := d.users[email]
	return u, ok, nil
}

func (d *memoryDirectory) SaveStore(_ context.Context, s domain.Store) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stores[s.Code] = s
	return nil
}

func newImporter(t *testing.T, dir *memoryDirectory) *Importer {
	t.Helper()
	imp, err := New(dir)
	require.NoError(t, err)
	return imp
}

func TestImportUsersFromDelimitedFile(t *testing.T) {
	dir := newDirectory()
	imp := newImporter(t, dir)
	input := strings.Join([]string{
		"email;name;role;phone;branch;password",
		"Teknisi@Example.com;Budi Santoso;bms;081234567890;Bandung Timur;" + goodPassword,
		"bmc@example.com;Sari;BMC;;Bandung Timur;" + goodPassword,
		"",
		"bad-email;Nobody;BMS;;;" + goodPassword,
		"guest@example.com;Guest;GUEST;;;" + goodPassword,
		"weak@example.com;Weak;BMS;;;short",
		"new@example.com;No Password;BMS;;;",
		"phone@example.com;Phone;BMS;12;;" + goodPassword,
	}, "\n")

	res, err := imp.ImportUsers(context.Background(), "users.csv", strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Created)
	assert.Equal(t, 0, res.Updated)
	require.Len(t, res.Rejected, 5)
	assert.Equal(t, 5, res.Rejected[0].Line)
	assert.Equal(t, "bad-email", res.Rejected[0].Key)
	assert.Contains(t, res.Rejected[0].Error, "email")
	assert.Contains(t, res.Rejected[1].Error, "role")
	assert.Contains(t, res.Rejected[2].Error, "12 characters")
	assert.Contains(t, res.Rejected[3].Error, "password is required")
	assert.Contains(t, res.Rejected[4].Error, "phone")

	u := dir.users["teknisi@example.com"]
	assert.Equal(t, "Budi Santoso", u.Name)
	assert.Equal(t, domain.RoleBMS, u.Role)
	assert.Equal(t, "+6281234567890", u.Phone)
	assert.Equal(t, "Bandung Timur", u.BranchName)
	assert.Equal(t, domain.StatusActive, u.Status)
	assert.True(t, auth.CheckPassword(goodPassword, u.PasswordHash))
}

func TestImportUsersKeepsPasswordOnUpdate(t *testing.T) {
	dir := newDirectory()
	imp := newImporter(t, dir)
	first := "bmc@example.com;Sari;BMC;;Bandung;" + goodPassword
	_, err := imp.ImportUsers(context.Background(), "users.txt", strings.NewReader(first))
	require.NoError(t, err)
	hash := dir.users["bmc@example.com"].PasswordHash

	res, err := imp.ImportUsers(context.Background(), "users.txt", strings.NewReader("bmc@example.com;Sari Dewi;BMC;;Cimahi;"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)
	assert.Empty(t, res.Rejected)
	assert.Equal(t, "Sari Dewi", dir.users["bmc@example.com"].Name)
	assert.Equal(t, hash, dir.users["bmc@example.com"].PasswordHash)
}

func TestImportUsersAbortsOnStoreFailure(t *testing.T) {
	dir := newDirectory()
	dir.failGet = domain.ErrConnectionUnavailable
	imp := newImporter(t, dir)
	_, err := imp.ImportUsers(context.Background(), "users.csv", strings.NewReader("a@example.com;A;BMS;;;\nb@example.com;B;BMS;;;"))
	assert.ErrorIs(t, err, domain.ErrConnectionUnavailable)
}

func TestImportUsersFromWorkbook(t *testing.T) {
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	rows := [][]any{
		{"email", "name", "role", "phone", "branch", "password"},
		{"admin@example.com", "Admin", "ADMIN", "", "Pusat", goodPassword},
		{"", "", "", "", "", ""},
		{"bms@example.com", "Teknisi", "BMS", "+62 812-3456-7890", "Bandung Timur", goodPassword},
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow(sheet, cell, &row))
	}
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)

	dir := newDirectory()
	res, err := newImporter(t, dir).ImportUsers(context.Background(), "Users.XLSX", bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Created)
	assert.Empty(t, res.Rejected)
	assert.Equal(t, domain.RoleAdmin, dir.users["admin@example.com"].Role)
	assert.Equal(t, "+6281234567890", dir.users["bms@example.com"].Phone)
}

func TestImportStores(t *testing.T) {
	dir := newDirectory()
	input := strings.Join([]string{
		"code;name;branch",
		"ckol;Alfamart Cikole;Bandung Timur",
		"XXXX;Placeholder;Bandung",
		"CKOL;Duplicate;Bandung",
		"CMHI;Cimahi Raya;",
		"TMRN;Taman Sari;Bandung Barat",
	}, "\n")
	res, err := newImporter(t, dir).ImportStores(context.Background(), "stores.csv", strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Created)
	require.Len(t, res.Rejected, 3)
	assert.Equal(t, "store code is reserved", res.Rejected[0].Error)
	assert.Equal(t, "duplicate store code in file", res.Rejected[1].Error)
	assert.Contains(t, res.Rejected[2].Error, "branch")
	assert.Equal(t, domain.Store{Code: "CKOL", Name: "Alfamart Cikole", BranchName: "Bandung Timur"}, dir.stores["CKOL"])
}

func TestImportRejectsEmptyFile(t *testing.T) {
	_, err := newImporter(t, newDirectory()).ImportStores(context.Background(), "stores.csv", strings.NewReader("code;name;branch\n\n"))
	assert.ErrorIs(t, err, ErrEmptyFile)
}

func TestNormalizePhone(t *testing.T) {
	cases := map[string]struct {
		in      string
		want    string
		wantErr bool
	}{
		"empty":         {in: "", want: ""},
		"national":      {in: "0812-3456-7890", want: "+6281234567890"},
		"international": {in: "+62 812 3456 7890", want: "+6281234567890"},
		"too short":     {in: "12", wantErr: true},
		"letters":       {in: "call me", wantErr: true},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			got, err := NormalizePhone(tc.in, DefaultRegion)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}
