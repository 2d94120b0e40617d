package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"stockledger/backend/internal/backup"
	"stockledger/backend/internal/cache"
	"stockledger/backend/internal/domain"
	"stockledger/backend/internal/export"
	"stockledger/backend/internal/intake"
	"stockledger/backend/internal/lock"
	"stockledger/backend/internal/logging"
	"stockledger/backend/internal/reconcile"
	"stockledger/backend/internal/store"
	"stockledger/backend/internal/validation"
	"stockledger/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Options struct {
	Locker         lock.Locker
	Cache          cache.LedgerCache
	Backup         *backup.Job
	Logger         *logrus.Logger
	PhoneRegion    string
	ImportLockTTL  time.Duration
	LedgerCacheTTL time.Duration
}

type Service struct {
	repo          store.Repository
	engine        *reconcile.Engine
	locker        lock.Locker
	ledgers       cache.LedgerCache
	backup        *backup.Job
	logger        *logrus.Logger
	log           *logrus.Entry
	importLockTTL time.Duration
	ledgerTTL     time.Duration
}

func New(repo store.Repository, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Locker == nil {
		opts.Locker = lock.NewLocal()
	}
	if opts.Cache == nil {
		opts.Cache = cache.NoopLedgerCache{}
	}
	if opts.ImportLockTTL <= 0 {
		opts.ImportLockTTL = 2 * time.Minute
	}
	if opts.LedgerCacheTTL <= 0 {
		opts.LedgerCacheTTL = 30 * time.Second
	}

	var engineOpts []reconcile.Option
	if opts.PhoneRegion != "" {
		engineOpts = append(engineOpts, reconcile.WithPhoneRegion(opts.PhoneRegion))
	}

	return &Service{
		repo:          repo,
		engine:        reconcile.NewEngine(repo, opts.Logger, engineOpts...),
		locker:        opts.Locker,
		ledgers:       opts.Cache,
		backup:        opts.Backup,
		logger:        opts.Logger,
		log:           logging.Component(opts.Logger, "service"),
		importLockTTL: opts.ImportLockTTL,
		ledgerTTL:     opts.LedgerCacheTTL,
	}
}

// ImportPurchases reads a purchase workbook and reconciles it. Imports for
// one owner never overlap.
func (s *Service) ImportPurchases(ctx context.Context, filename string, r io.Reader, paymentStatus string) (domain.ImportResult, error) {
	scope, err := s.scope(ctx)
	if err != nil {
		return domain.ImportResult{}, err
	}
	status, err := domain.ParseImportStatus(paymentStatus)
	if err != nil {
		return domain.ImportResult{}, err
	}
	table, err := intake.Read(filename, r)
	if err != nil {
		return domain.ImportResult{}, err
	}
	rows, err := intake.ParsePurchaseRows(table)
	if err != nil {
		return domain.ImportResult{}, err
	}
	groups := intake.GroupByVendor(rows)

	var result domain.ImportResult
	err = s.withImportLock(ctx, scope.OwnerID, func(ctx context.Context) error {
		var err error
		result, err = s.engine.Import(ctx, scope, groups, status)
		return err
	})
	if err != nil {
		return domain.ImportResult{}, err
	}

	s.invalidateLedgers(ctx)
	s.logAudit(ctx, scope.OwnerID, "purchase_import", "import", filename,
		fmt.Sprintf("rows=%d,created=%d,restored=%d,skipped=%d,failed=%d", len(rows), result.Created, result.Restored, result.SkippedDuplicates, len(result.Failed)))
	return result, nil
}

func (s *Service) ImportInventory(ctx context.Context, filename string, r io.Reader) (domain.InventoryImportResult, error) {
	scope, err := s.scope(ctx)
	if err != nil {
		return domain.InventoryImportResult{}, err
	}
	table, err := intake.Read(filename, r)
	if err != nil {
		return domain.InventoryImportResult{}, err
	}
	rows, err := intake.ParseInventoryRows(table)
	if err != nil {
		return domain.InventoryImportResult{}, err
	}

	var result domain.InventoryImportResult
	err = s.withImportLock(ctx, scope.OwnerID, func(ctx context.Context) error {
		var err error
		result, err = s.engine.ImportInventory(ctx, scope, rows)
		return err
	})
	if err != nil {
		return domain.InventoryImportResult{}, err
	}

	s.logAudit(ctx, scope.OwnerID, "inventory_import", "import", filename, fmt.Sprintf("imported=%d,updated=%d", result.Imported, result.Updated))
	return result, nil
}

func (s *Service) withImportLock(ctx context.Context, ownerID string, fn func(ctx context.Context) error) error {
	err := lock.With(ctx, s.locker, lock.ImportKey(ownerID), s.importLockTTL, fn)
	if errors.Is(err, lock.ErrNotObtained) {
		s.log.WithField("owner", ownerID).Warn("import rejected, another import holds the lock")
		return fmt.Errorf("%w: an import for %s is already running", domain.ErrBusy, ownerID)
	}
	return err
}

func (s *Service) ListPurchases(ctx context.Context, filter domain.PurchaseFilter) ([]domain.Purchase, error) {
	scope, err := s.scope(ctx)
	if err != nil {
		return nil, err
	}
	return s.repo.ListPurchases(ctx, scope, filter)
}

func (s *Service) DeletePurchase(ctx context.Context, purchaseID string, revertStock bool) (domain.DeleteResult, error) {
	scope, err := s.scope(ctx)
	if err != nil {
		return domain.DeleteResult{}, err
	}
	result, err := s.engine.DeletePurchase(ctx, scope, purchaseID, revertStock)
	if err != nil {
		return domain.DeleteResult{}, err
	}

	s.invalidateLedgers(ctx)
	s.logAudit(ctx, scope.OwnerID, "purchase_delete", "purchase", purchaseID, fmt.Sprintf("revert_stock=%t,warnings=%d", revertStock, len(result.Warnings)))
	return result, nil
}

func (s *Service) PayPurchase(ctx context.Context, purchaseID string, req domain.PayRequest) (domain.PaymentResult, error) {
	scope, err := s.scope(ctx)
	if err != nil {
		return domain.PaymentResult{}, err
	}
	result, err := s.engine.Pay(ctx, scope, purchaseID, req.Amount)
	if err != nil {
		return domain.PaymentResult{}, err
	}

	s.invalidateLedgers(ctx)
	s.logAudit(ctx, scope.OwnerID, "purchase_pay", "purchase", purchaseID, fmt.Sprintf("status=%s,paid=%s", result.Status, result.PaidAmount.StringFixed(2)))
	return result, nil
}

func (s *Service) UnpayPurchase(ctx context.Context, purchaseID string) (domain.PaymentResult, error) {
	scope, err := s.scope(ctx)
	if err != nil {
		return domain.PaymentResult{}, err
	}
	result, err := s.engine.Unpay(ctx, scope, purchaseID)
	if err != nil {
		return domain.PaymentResult{}, err
	}

	s.invalidateLedgers(ctx)
	s.logAudit(ctx, scope.OwnerID, "purchase_unpay", "purchase", purchaseID, result.Message)
	return result, nil
}

func (s *Service) ListVendors(ctx context.Context, skip int, limit int) ([]domain.Vendor, error) {
	scope, err := s.scope(ctx)
	if err != nil {
		return nil, err
	}
	return s.repo.ListVendors(ctx, scope, skip, limit)
}

func (s *Service) CreateVendor(ctx context.Context, req domain.VendorCreateRequest) (domain.Vendor, error) {
	scope, err := s.scope(ctx)
	if err != nil {
		return domain.Vendor{}, err
	}
	if err := validation.Struct(req, 0); err != nil {
		return domain.Vendor{}, err
	}
	vendor, err := s.engine.CreateVendor(ctx, scope, req)
	if err != nil {
		return domain.Vendor{}, err
	}

	s.logAudit(ctx, scope.OwnerID, "vendor_create", "vendor", vendor.ID, "name="+vendor.Name)
	return vendor, nil
}

func (s *Service) UpdateVendor(ctx context.Context, vendorID string, req domain.VendorUpdateRequest) (domain.Vendor, error) {
	scope, err := s.scope(ctx)
	if err != nil {
		return domain.Vendor{}, err
	}
	if err := validation.Struct(req, 0); err != nil {
		return domain.Vendor{}, err
	}
	vendor, err := s.engine.UpdateVendor(ctx, scope, vendorID, req)
	if err != nil {
		return domain.Vendor{}, err
	}

	s.invalidateLedgers(ctx)
	s.logAudit(ctx, scope.OwnerID, "vendor_update", "vendor", vendor.ID, "name="+vendor.Name)
	return vendor, nil
}

func (s *Service) DeleteVendor(ctx context.Context, vendorID string) error {
	scope, err := s.scope(ctx)
	if err != nil {
		return err
	}
	if err := s.engine.DeleteVendor(ctx, scope, vendorID); err != nil {
		return err
	}

	s.invalidateLedgers(ctx)
	s.logAudit(ctx, scope.OwnerID, "vendor_delete", "vendor", vendorID, "")
	return nil
}

func (s *Service) RecordVendorPayment(ctx context.Context, vendorID string, req domain.VendorPaymentRequest) (domain.VendorPaymentResult, error) {
	scope, err := s.scope(ctx)
	if err != nil {
		return domain.VendorPaymentResult{}, err
	}
	result, err := s.engine.RecordVendorPayment(ctx, scope, vendorID, req.Amount)
	if err != nil {
		return domain.VendorPaymentResult{}, err
	}

	s.invalidateLedgers(ctx)
	s.logAudit(ctx, scope.OwnerID, "vendor_payment", "vendor", vendorID, "amount="+req.Amount.StringFixed(2))
	return result, nil
}

// VendorLedger serves a vendor's purchase history, from the cache when a
// fresh entry exists. Cache failures fall back to the store.
func (s *Service) VendorLedger(ctx context.Context, vendorID string) (domain.VendorLedger, error) {
	scope, err := s.scope(ctx)
	if err != nil {
		return domain.VendorLedger{}, err
	}

	generation, err := s.ledgers.Generation(ctx)
	cacheable := err == nil
	if err != nil {
		s.log.WithError(err).Warn("ledger cache generation unavailable")
	}
	if cacheable {
		cached, ok, err := s.ledgers.Get(ctx, generation, vendorID)
		switch {
		case err != nil:
			s.log.WithError(err).WithField("vendor_id", vendorID).Warn("ledger cache read failed")
		case ok && scope.Allows(cached.OwnerID):
			return *cached, nil
		}
	}

	view, err := s.engine.VendorLedger(ctx, scope, vendorID)
	if err != nil {
		return domain.VendorLedger{}, err
	}
	if cacheable {
		if err := s.ledgers.Set(ctx, generation, &view, s.ledgerTTL); err != nil {
			s.log.WithError(err).WithField("vendor_id", vendorID).Warn("ledger cache write failed")
		}
	}
	return view, nil
}

func (s *Service) ListItems(ctx context.Context) ([]domain.Item, error) {
	scope, err := s.scope(ctx)
	if err != nil {
		return nil, err
	}
	return s.repo.ListItems(ctx, scope)
}

func (s *Service) ExportItems(ctx context.Context, w io.Writer) error {
	items, err := s.ListItems(ctx)
	if err != nil {
		return err
	}
	return export.Inventory(w, items)
}

func (s *Service) PurchaseTemplate(w io.Writer) error {
	return export.PurchaseTemplate(w)
}

func (s *Service) ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditLog, error) {
	scope, err := s.requireRoot(ctx)
	if err != nil {
		return nil, err
	}
	return s.repo.ListAuditLogs(ctx, scope, limit)
}

func (s *Service) RunBackup(ctx context.Context) (domain.BackupReport, error) {
	scope, err := s.requireRoot(ctx)
	if err != nil {
		return domain.BackupReport{}, err
	}
	if s.backup == nil {
		return domain.BackupReport{}, domain.NewConflict("backup", "backups are not configured")
	}
	report, err := s.backup.RunOnce(ctx)
	if errors.Is(err, lock.ErrNotObtained) {
		return domain.BackupReport{}, fmt.Errorf("%w: a backup is already running", domain.ErrBusy)
	}
	if err != nil {
		return domain.BackupReport{}, err
	}

	s.logAudit(ctx, scope.OwnerID, "backup_run", "backup", report.Directory, fmt.Sprintf("files=%d", len(report.Files)))
	return report, nil
}

func (s *Service) scope(ctx context.Context) (domain.Scope, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Username == "" {
		return domain.Scope{}, fmt.Errorf("%w: authentication required", domain.ErrForbidden)
	}
	return actor.Scope(), nil
}

func (s *Service) requireRoot(ctx context.Context) (domain.Scope, error) {
	scope, err := s.scope(ctx)
	if err != nil {
		return domain.Scope{}, err
	}
	if !scope.Root {
		return domain.Scope{}, fmt.Errorf("%w: root role required", domain.ErrForbidden)
	}
	return scope, nil
}

func (s *Service) invalidateLedgers(ctx context.Context) {
	if err := s.ledgers.Invalidate(ctx); err != nil {
		s.log.WithError(err).Warn("ledger cache invalidation failed")
	}
}

func (s *Service) logAudit(ctx context.Context, ownerID string, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		OwnerID:       ownerID,
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		logging.LogError(s.logger, "service", "logAudit", "failed to write audit log", logrus.Fields{"action": action, "entity": entityType + "/" + entityID}, err)
	}
}
