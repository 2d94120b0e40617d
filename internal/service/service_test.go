package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"stockledger/backend/internal/backup"
	"stockledger/backend/internal/domain"
	"stockledger/backend/internal/intake"
	"stockledger/backend/internal/lock"
	"stockledger/backend/internal/logging"
	"stockledger/backend/internal/store/memory"
)

const acmeCSV = "vendor_name,vendor_mobile,sku,quantity,unit_cost,product_name\nAcme,,X1,10,5.00,Gold Cup\n"

var (
	ownerActor = domain.Actor{Username: "owner", Role: domain.RoleUser}
	rivalActor = domain.Actor{Username: "rival", Role: domain.RoleUser}
	rootActor  = domain.Actor{Username: "root", Role: domain.RoleRoot}
)

type memoryCache struct {
	mu          sync.Mutex
	generation  int64
	entries     map[string]domain.VendorLedger
	hits        int
	invalidated int
}

func newMemoryCache() *memoryCache {
	return &memoryCache{entries: make(map[string]domain.VendorLedger)}
}

func (c *memoryCache) key(generation int64, vendorID string) string {
	return fmt.Sprintf("%d:%s", generation, vendorID)
}

func (c *memoryCache) Generation(_ context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation, nil
}

func (c *memoryCache) Get(_ context.Context, generation int64, vendorID string) (*domain.VendorLedger, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	view, ok := c.entries[c.key(generation, vendorID)]
	if !ok {
		return nil, false, nil
	}
	c.hits++
	return &view, true, nil
}

func (c *memoryCache) Set(_ context.Context, generation int64, value *domain.VendorLedger, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[c.key(generation, value.VendorID)] = *value
	return nil
}

func (c *memoryCache) Invalidate(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	c.invalidated++
	return nil
}

type brokenCache struct{}

func (brokenCache) Generation(_ context.Context) (int64, error) {
	return 0, errors.New("redis down")
}

func (brokenCache) Get(_ context.Context, _ int64, _ string) (*domain.VendorLedger, bool, error) {
	return nil, false, errors.New("redis down")
}

func (brokenCache) Set(_ context.Context, _ int64, _ *domain.VendorLedger, _ time.Duration) error {
	return errors.New("redis down")
}

func (brokenCache) Invalidate(_ context.Context) error {
	return errors.New("redis down")
}

func newTestService(opts Options) (*Service, *memory.Store) {
	repo := memory.New()
	opts.Logger = logging.Discard()
	return New(repo, opts), repo
}

func as(actor domain.Actor) context.Context {
	return WithActor(context.Background(), actor)
}

func importAcme(t *testing.T, svc *Service, ctx context.Context) domain.ImportResult {
	t.Helper()
	result, err := svc.ImportPurchases(ctx, "acme.csv", strings.NewReader(acmeCSV), "Due")
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}
	return result
}

func TestOperationsRequireActor(t *testing.T) {
	svc, _ := newTestService(Options{})

	_, err := svc.ImportPurchases(context.Background(), "acme.csv", strings.NewReader(acmeCSV), "Due")
	if !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected forbidden without actor, got %v", err)
	}
	if _, err := svc.ListVendors(context.Background(), 0, 0); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected forbidden listing vendors, got %v", err)
	}
}

func TestImportPurchasesWritesAudit(t *testing.T) {
	svc, _ := newTestService(Options{})
	ctx := as(ownerActor)

	result := importAcme(t, svc, ctx)
	if result.Created != 1 {
		t.Fatalf("expected one purchase created, got %+v", result)
	}
	again := importAcme(t, svc, ctx)
	if again.SkippedDuplicates != 1 || again.Created != 0 {
		t.Fatalf("expected duplicate skip, got %+v", again)
	}

	if _, err := svc.ListAuditLogs(ctx, 10); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected non-root audit access to be forbidden, got %v", err)
	}
	logs, err := svc.ListAuditLogs(as(rootActor), 10)
	if err != nil {
		t.Fatalf("list audit logs: %v", err)
	}
	if len(logs) != 2 || logs[0].Action != "purchase_import" || logs[0].OwnerID != "owner" {
		t.Fatalf("unexpected audit logs: %+v", logs)
	}
}

func TestImportRejectsBadDirectiveAndFile(t *testing.T) {
	svc, _ := newTestService(Options{})
	ctx := as(ownerActor)

	_, err := svc.ImportPurchases(ctx, "acme.csv", strings.NewReader(acmeCSV), "Partially Paid")
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for directive, got %v", err)
	}
	_, err = svc.ImportPurchases(ctx, "acme.pdf", strings.NewReader(acmeCSV), "Due")
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for extension, got %v", err)
	}
	_, err = svc.ImportPurchases(ctx, "bad.csv", strings.NewReader("vendor_name,sku,quantity,unit_cost\nAcme,X1,0,5\n"), "Due")
	var verr *domain.ValidationError
	if !errors.As(err, &verr) || verr.Column != "quantity" || verr.Row != 2 {
		t.Fatalf("expected quantity validation on row 2, got %v", err)
	}
}

func TestImportIsBusyWhileOwnerLocked(t *testing.T) {
	locker := lock.NewLocal()
	svc, _ := newTestService(Options{Locker: locker})

	lease, err := locker.Obtain(context.Background(), lock.ImportKey("owner"), time.Minute)
	if err != nil {
		t.Fatalf("obtain lock: %v", err)
	}
	defer lease.Release(context.Background())

	_, err = svc.ImportPurchases(as(ownerActor), "acme.csv", strings.NewReader(acmeCSV), "Due")
	if !errors.Is(err, domain.ErrBusy) {
		t.Fatalf("expected busy error, got %v", err)
	}
	if _, err := svc.ImportPurchases(as(rivalActor), "acme.csv", strings.NewReader(acmeCSV), "Due"); err != nil {
		t.Fatalf("other owners must not be blocked: %v", err)
	}
}

func TestVendorLedgerCacheInvalidatedByPayment(t *testing.T) {
	ledgers := newMemoryCache()
	svc, repo := newTestService(Options{Cache: ledgers})
	ctx := as(ownerActor)
	importAcme(t, svc, ctx)

	vendors, err := svc.ListVendors(ctx, 0, 0)
	if err != nil || len(vendors) != 1 {
		t.Fatalf("list vendors: %v", err)
	}
	vendorID := vendors[0].ID

	first, err := svc.VendorLedger(ctx, vendorID)
	if err != nil {
		t.Fatalf("vendor ledger: %v", err)
	}
	if _, err := svc.VendorLedger(ctx, vendorID); err != nil {
		t.Fatalf("vendor ledger: %v", err)
	}
	if ledgers.hits != 1 {
		t.Fatalf("expected second read to hit cache, hits=%d", ledgers.hits)
	}
	if first.CurrentBalance.String() != "-50" {
		t.Fatalf("expected balance -50, got %s", first.CurrentBalance)
	}

	purchases, err := repo.ListPurchases(context.Background(), ownerActor.Scope(), domain.PurchaseFilter{})
	if err != nil || len(purchases) != 1 {
		t.Fatalf("list purchases: %v", err)
	}
	if _, err := svc.PayPurchase(ctx, purchases[0].ID, domain.PayRequest{}); err != nil {
		t.Fatalf("pay: %v", err)
	}

	after, err := svc.VendorLedger(ctx, vendorID)
	if err != nil {
		t.Fatalf("vendor ledger: %v", err)
	}
	if !after.CurrentBalance.IsZero() || after.Entries[0].PaymentStatus != domain.PaymentPaid {
		t.Fatalf("expected fresh ledger after payment, got %+v", after)
	}
}

func TestVendorLedgerCacheRespectsOwner(t *testing.T) {
	ledgers := newMemoryCache()
	svc, _ := newTestService(Options{Cache: ledgers})
	ctx := as(ownerActor)
	importAcme(t, svc, ctx)

	vendors, _ := svc.ListVendors(ctx, 0, 0)
	if _, err := svc.VendorLedger(ctx, vendors[0].ID); err != nil {
		t.Fatalf("vendor ledger: %v", err)
	}

	_, err := svc.VendorLedger(as(rivalActor), vendors[0].ID)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected rival to get not found, got %v", err)
	}
	if _, err := svc.VendorLedger(as(rootActor), vendors[0].ID); err != nil {
		t.Fatalf("root should read any ledger: %v", err)
	}
}

func TestBrokenCacheFallsBackToStore(t *testing.T) {
	svc, _ := newTestService(Options{Cache: brokenCache{}})
	ctx := as(ownerActor)
	importAcme(t, svc, ctx)

	vendors, _ := svc.ListVendors(ctx, 0, 0)
	view, err := svc.VendorLedger(ctx, vendors[0].ID)
	if err != nil {
		t.Fatalf("expected store fallback, got %v", err)
	}
	if len(view.Entries) != 1 {
		t.Fatalf("expected one ledger entry, got %d", len(view.Entries))
	}
}

func TestDeleteAndRestoreThroughService(t *testing.T) {
	svc, repo := newTestService(Options{})
	ctx := as(ownerActor)
	importAcme(t, svc, ctx)

	purchases, _ := svc.ListPurchases(ctx, domain.PurchaseFilter{})
	result, err := svc.DeletePurchase(ctx, purchases[0].ID, true)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !result.StockReverted {
		t.Fatalf("expected stock reverted flag")
	}
	if _, err := svc.DeletePurchase(ctx, purchases[0].ID, true); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected double delete conflict, got %v", err)
	}

	restored := importAcme(t, svc, ctx)
	if restored.Restored != 1 {
		t.Fatalf("expected restore, got %+v", restored)
	}
	items, _ := repo.ListItems(context.Background(), ownerActor.Scope())
	if len(items) != 1 || items[0].Quantity != 10 {
		t.Fatalf("expected stock back at 10, got %+v", items)
	}
}

func TestVendorCrudValidates(t *testing.T) {
	svc, _ := newTestService(Options{})
	ctx := as(ownerActor)

	if _, err := svc.CreateVendor(ctx, domain.VendorCreateRequest{Name: "Acme", Email: "not-an-email"}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected email validation, got %v", err)
	}
	vendor, err := svc.CreateVendor(ctx, domain.VendorCreateRequest{Name: "Acme", Email: "ap@acme.test"})
	if err != nil {
		t.Fatalf("create vendor: %v", err)
	}
	if _, err := svc.CreateVendor(ctx, domain.VendorCreateRequest{Name: "Acme"}); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected duplicate conflict, got %v", err)
	}

	payment, err := svc.RecordVendorPayment(ctx, vendor.ID, domain.VendorPaymentRequest{Amount: decimal.NewFromInt(25)})
	if err != nil {
		t.Fatalf("vendor payment: %v", err)
	}
	if payment.NewBalance.String() != "25" {
		t.Fatalf("expected balance 25, got %s", payment.NewBalance)
	}
	if err := svc.DeleteVendor(ctx, vendor.ID); err != nil {
		t.Fatalf("delete vendor: %v", err)
	}
}

func TestExportAndTemplate(t *testing.T) {
	svc, _ := newTestService(Options{})
	ctx := as(ownerActor)
	importAcme(t, svc, ctx)

	var buf bytes.Buffer
	if err := svc.ExportItems(ctx, &buf); err != nil {
		t.Fatalf("export items: %v", err)
	}
	table, err := intake.Read("inventory.xlsx", &buf)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	if len(table.Rows) != 1 || table.Rows[0][1] != "X1" {
		t.Fatalf("unexpected export rows %+v", table.Rows)
	}

	buf.Reset()
	if err := svc.PurchaseTemplate(&buf); err != nil {
		t.Fatalf("template: %v", err)
	}
	template, err := intake.Read("template.xlsx", &buf)
	if err != nil {
		t.Fatalf("read template: %v", err)
	}
	if strings.Join(template.Header, ",") != strings.Join(intake.PurchaseColumns, ",") {
		t.Fatalf("unexpected template header %v", template.Header)
	}
}

func TestRunBackup(t *testing.T) {
	svc, _ := newTestService(Options{})
	if _, err := svc.RunBackup(as(rootActor)); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict without backup job, got %v", err)
	}

	repo := memory.New()
	dir := t.TempDir()
	job := backup.NewJob(repo, lock.NewLocal(), dir, 2, logging.Discard())
	svc = New(repo, Options{Backup: job, Logger: logging.Discard()})

	if _, err := svc.RunBackup(as(ownerActor)); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected forbidden for non-root, got %v", err)
	}
	report, err := svc.RunBackup(as(rootActor))
	if err != nil {
		t.Fatalf("run backup: %v", err)
	}
	if len(report.Files) != 3 || report.Directory != dir {
		t.Fatalf("unexpected report %+v", report)
	}
}
