package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockledger/backend/internal/domain"
)

func isolateEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("LOG_LEVEL", "error")
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func writeFile(t *testing.T, name string, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestImportPurchasesDryRun(t *testing.T) {
	isolateEnv(t)
	path := writeFile(t, "acme.csv", "vendor_name,sku,quantity,unit_cost\nAcme,X1,10,5\nBeta,Y1,1,3\n")

	out, err := run(t, "import", path, "--owner", "shop1")
	require.NoError(t, err)

	var result domain.ImportResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, 2, result.Created)
}

func TestImportInventoryDryRun(t *testing.T) {
	isolateEnv(t)
	path := writeFile(t, "stock.csv", "name,sku,quantity,cost_price,selling_price\nCup,C1,4,2,5\n")

	out, err := run(t, "import", path, "--owner", "shop1", "--kind", "inventory")
	require.NoError(t, err)

	var result domain.InventoryImportResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, 1, result.Imported)
}

func TestImportRejectsBadFlags(t *testing.T) {
	isolateEnv(t)
	path := writeFile(t, "acme.csv", "vendor_name,sku,quantity,unit_cost\nAcme,X1,10,5\n")

	_, err := run(t, "import", path)
	assert.Error(t, err)

	_, err = run(t, "import", path, "--owner", "shop1", "--status", "Partially Paid")
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = run(t, "import", path, "--owner", "shop1", "--kind", "returns")
	assert.Error(t, err)
}

func TestBackupWritesWorkbooks(t *testing.T) {
	isolateEnv(t)
	dir := t.TempDir()

	out, err := run(t, "backup", "--dir", dir)
	require.NoError(t, err)

	var report domain.BackupReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Len(t, report.Files, 3)
	for _, file := range report.Files {
		assert.FileExists(t, file)
	}
}

func TestMigrateRequiresDatabase(t *testing.T) {
	isolateEnv(t)

	_, err := run(t, "migrate")
	assert.ErrorContains(t, err, "DATABASE_URL")
}
