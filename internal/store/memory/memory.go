package memory

import (
	"context"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"stockledger/backend/internal/domain"
	"stockledger/backend/internal/store"
	"stockledger/backend/internal/xid"
)

type Store struct {
	mu              sync.RWMutex
	data            ledgerState
	auditLogs       []domain.AuditLog
	usersByUsername map[string]domain.UserAccount
}

// ledgerState is everything a transaction may touch. WithinTx works on a
// deep copy and swaps it in only when the callback succeeds.
type ledgerState struct {
	vendors   map[string]domain.Vendor
	items     map[string]domain.Item
	purchases map[string]domain.Purchase
}

func newLedgerState() ledgerState {
	return ledgerState{
		vendors:   make(map[string]domain.Vendor),
		items:     make(map[string]domain.Item),
		purchases: make(map[string]domain.Purchase),
	}
}

func (s ledgerState) clone() ledgerState {
	dup := ledgerState{
		vendors:   make(map[string]domain.Vendor, len(s.vendors)),
		items:     make(map[string]domain.Item, len(s.items)),
		purchases: make(map[string]domain.Purchase, len(s.purchases)),
	}
	for id, v := range s.vendors {
		dup.vendors[id] = v
	}
	for id, item := range s.items {
		dup.items[id] = item
	}
	for id, p := range s.purchases {
		dup.purchases[id] = clonePurchase(p)
	}
	return dup
}

// New returns an empty store with no user accounts.
func New() *Store {
	return &Store{
		data:            newLedgerState(),
		auditLogs:       make([]domain.AuditLog, 0, 128),
		usersByUsername: make(map[string]domain.UserAccount),
	}
}

// seedUsers builds the initial in-memory accounts for dev/demo mode.
// Credentials come from SEED_ROOT_PASSWORD and SEED_USER_PASSWORD, falling
// back to dev defaults with a warning.
func seedUsers() map[string]domain.UserAccount {
	rootPwd := envOr("SEED_ROOT_PASSWORD", "root12345")
	userPwd := envOr("SEED_USER_PASSWORD", "owner12345")
	if os.Getenv("SEED_ROOT_PASSWORD") == "" || os.Getenv("SEED_USER_PASSWORD") == "" {
		logrus.WithField("component", "memory-store").Warn("using default dev credentials, set SEED_ROOT_PASSWORD and SEED_USER_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"root", rootPwd, domain.RoleRoot},
		{"owner", userPwd, domain.RoleUser},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			logrus.WithError(err).Fatalf("failed to hash seed password for %s", u.username)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func NewSeeded() *Store {
	s := New()
	s.usersByUsername = seedUsers()
	return s
}

// WithinTx holds the write lock for the whole callback. The callback must
// only use tx, never the Store itself.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.data.clone()
	if err := fn(ctx, &memTx{data: work}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.data = work
	return nil
}

func (s *Store) ListPurchases(_ context.Context, scope domain.Scope, filter domain.PurchaseFilter) ([]domain.Purchase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Purchase, 0, 32)
	for _, p := range s.data.purchases {
		if !p.Lifecycle.IsActive() || !scope.Allows(p.OwnerID) {
			continue
		}
		if filter.VendorID != "" && p.VendorID != filter.VendorID {
			continue
		}
		if v, ok := s.data.vendors[p.VendorID]; ok {
			p.VendorName = v.Name
		}
		result = append(result, clonePurchase(p))
	}
	slices.SortFunc(result, func(a, b domain.Purchase) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	return paginate(result, filter.Skip, filter.Limit), nil
}

func (s *Store) ListVendors(_ context.Context, scope domain.Scope, skip int, limit int) ([]domain.Vendor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Vendor, 0, len(s.data.vendors))
	for _, v := range s.data.vendors {
		if scope.Allows(v.OwnerID) {
			result = append(result, v)
		}
	}
	slices.SortFunc(result, func(a, b domain.Vendor) int {
		if a.Name == b.Name {
			return cmpString(a.ID, b.ID)
		}
		return cmpString(a.Name, b.Name)
	})
	return paginate(result, skip, limit), nil
}

func (s *Store) GetVendor(_ context.Context, scope domain.Scope, id string) (*domain.Vendor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.data.vendors[id]
	if !ok || !scope.Allows(v.OwnerID) {
		return nil, store.ErrNotFound
	}
	return &v, nil
}

func (s *Store) ListItems(_ context.Context, scope domain.Scope) ([]domain.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Item, 0, len(s.data.items))
	for _, item := range s.data.items {
		if scope.Allows(item.OwnerID) {
			result = append(result, item)
		}
	}
	slices.SortFunc(result, func(a, b domain.Item) int {
		if a.SKU == b.SKU {
			return cmpString(a.OwnerID, b.OwnerID)
		}
		return cmpString(a.SKU, b.SKU)
	})
	return result, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, scope domain.Scope, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, 64)
	for _, entry := range s.auditLogs {
		if scope.Allows(entry.OwnerID) {
			result = append(result, entry)
		}
	}
	slices.SortFunc(result, func(a, b domain.AuditLog) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return &domain.ValidationError{Column: "username", Reason: "username and password are required"}
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrDuplicate
	}
	user.Username = username
	if user.Role == "" {
		user.Role = domain.RoleUser
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return cmpString(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

type memTx struct {
	data ledgerState
}

func (t *memTx) FindPurchaseByHash(_ context.Context, ownerID string, contentHash string) (*domain.Purchase, error) {
	for _, p := range t.data.purchases {
		if p.OwnerID == ownerID && p.ContentHash == contentHash {
			found := clonePurchase(p)
			return &found, nil
		}
	}
	return nil, store.ErrNotFound
}

func (t *memTx) GetPurchase(_ context.Context, scope domain.Scope, id string) (*domain.Purchase, error) {
	p, ok := t.data.purchases[id]
	if !ok || !scope.Allows(p.OwnerID) {
		return nil, store.ErrNotFound
	}
	if v, ok := t.data.vendors[p.VendorID]; ok {
		p.VendorName = v.Name
	}
	found := clonePurchase(p)
	return &found, nil
}

func (t *memTx) CreatePurchase(ctx context.Context, purchase domain.Purchase) error {
	if _, err := t.FindPurchaseByHash(ctx, purchase.OwnerID, purchase.ContentHash); err == nil {
		return store.ErrDuplicate
	}
	if _, ok := t.data.vendors[purchase.VendorID]; !ok {
		return store.ErrNotFound
	}
	if purchase.ID == "" {
		purchase.ID = xid.New("pur")
	}
	if purchase.CreatedAt.IsZero() {
		purchase.CreatedAt = time.Now().UTC()
	}
	for i := range purchase.Items {
		if purchase.Items[i].ID == "" {
			purchase.Items[i].ID = xid.New("pi")
		}
		purchase.Items[i].PurchaseID = purchase.ID
	}
	t.data.purchases[purchase.ID] = clonePurchase(purchase)
	return nil
}

func (t *memTx) UpdatePurchaseState(_ context.Context, purchase domain.Purchase) error {
	current, ok := t.data.purchases[purchase.ID]
	if !ok {
		return store.ErrNotFound
	}
	current.PaidAmount = purchase.PaidAmount
	current.PaymentStatus = purchase.PaymentStatus
	current.Lifecycle = purchase.Lifecycle
	t.data.purchases[purchase.ID] = current
	return nil
}

func (t *memTx) RelinkPurchaseItem(_ context.Context, purchaseItemID string, itemID string) error {
	for id, p := range t.data.purchases {
		for i := range p.Items {
			if p.Items[i].ID == purchaseItemID {
				p.Items[i].ItemID = itemID
				t.data.purchases[id] = p
				return nil
			}
		}
	}
	return store.ErrNotFound
}

func (t *memTx) FindVendorByName(_ context.Context, ownerID string, name string) (*domain.Vendor, error) {
	for _, v := range t.data.vendors {
		if v.OwnerID == ownerID && v.Name == name {
			found := v
			return &found, nil
		}
	}
	return nil, store.ErrNotFound
}

func (t *memTx) GetVendor(_ context.Context, scope domain.Scope, id string) (*domain.Vendor, error) {
	v, ok := t.data.vendors[id]
	if !ok || !scope.Allows(v.OwnerID) {
		return nil, store.ErrNotFound
	}
	return &v, nil
}

func (t *memTx) CreateVendor(ctx context.Context, vendor domain.Vendor) error {
	if _, err := t.FindVendorByName(ctx, vendor.OwnerID, vendor.Name); err == nil {
		return store.ErrDuplicate
	}
	if vendor.ID == "" {
		vendor.ID = xid.New("ven")
	}
	now := time.Now().UTC()
	if vendor.CreatedAt.IsZero() {
		vendor.CreatedAt = now
	}
	vendor.UpdatedAt = now
	t.data.vendors[vendor.ID] = vendor
	return nil
}

func (t *memTx) UpdateVendor(ctx context.Context, vendor domain.Vendor) error {
	current, ok := t.data.vendors[vendor.ID]
	if !ok {
		return store.ErrNotFound
	}
	if existing, err := t.FindVendorByName(ctx, current.OwnerID, vendor.Name); err == nil && existing.ID != vendor.ID {
		return store.ErrDuplicate
	}
	current.Name = vendor.Name
	current.Address = vendor.Address
	current.Mobile = vendor.Mobile
	current.Email = vendor.Email
	current.UpdatedAt = time.Now().UTC()
	t.data.vendors[vendor.ID] = current
	return nil
}

func (t *memTx) DeleteVendor(_ context.Context, id string) error {
	if _, ok := t.data.vendors[id]; !ok {
		return store.ErrNotFound
	}
	for _, p := range t.data.purchases {
		if p.VendorID == id {
			return store.ErrReferenced
		}
	}
	delete(t.data.vendors, id)
	return nil
}

func (t *memTx) AdjustVendorBalance(_ context.Context, vendorID string, delta decimal.Decimal) (decimal.Decimal, error) {
	v, ok := t.data.vendors[vendorID]
	if !ok {
		return decimal.Zero, store.ErrNotFound
	}
	v.CurrentBalance = v.CurrentBalance.Add(delta)
	v.UpdatedAt = time.Now().UTC()
	t.data.vendors[vendorID] = v
	return v.CurrentBalance, nil
}

func (t *memTx) FindItemBySKU(_ context.Context, ownerID string, sku string) (*domain.Item, error) {
	for _, item := range t.data.items {
		if item.OwnerID == ownerID && item.SKU == sku {
			found := item
			return &found, nil
		}
	}
	return nil, store.ErrNotFound
}

func (t *memTx) GetItem(_ context.Context, id string) (*domain.Item, error) {
	item, ok := t.data.items[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &item, nil
}

func (t *memTx) CreateItem(ctx context.Context, item domain.Item) error {
	if _, err := t.FindItemBySKU(ctx, item.OwnerID, item.SKU); err == nil {
		return store.ErrDuplicate
	}
	if item.ID == "" {
		item.ID = xid.New("itm")
	}
	now := time.Now().UTC()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now
	t.data.items[item.ID] = item
	return nil
}

func (t *memTx) UpdateItem(_ context.Context, item domain.Item) error {
	current, ok := t.data.items[item.ID]
	if !ok {
		return store.ErrNotFound
	}
	item.OwnerID = current.OwnerID
	item.SKU = current.SKU
	item.Quantity = current.Quantity
	item.CreatedAt = current.CreatedAt
	item.UpdatedAt = time.Now().UTC()
	t.data.items[item.ID] = item
	return nil
}

func (t *memTx) AdjustItemQuantity(_ context.Context, itemID string, delta int) (int, error) {
	item, ok := t.data.items[itemID]
	if !ok {
		return 0, store.ErrNotFound
	}
	item.Quantity += delta
	item.UpdatedAt = time.Now().UTC()
	t.data.items[itemID] = item
	return item.Quantity, nil
}

func (t *memTx) SetItemCost(_ context.Context, itemID string, cost decimal.Decimal) error {
	item, ok := t.data.items[itemID]
	if !ok {
		return store.ErrNotFound
	}
	item.CostPrice = cost
	item.UpdatedAt = time.Now().UTC()
	t.data.items[itemID] = item
	return nil
}

func paginate[T any](rows []T, skip int, limit int) []T {
	if skip < 0 {
		skip = 0
	}
	if skip >= len(rows) {
		return []T{}
	}
	rows = rows[skip:]
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows
}

func cmpString(a string, b string) int {
	if a == b {
		return 0
	}
	if a < b {
		return -1
	}
	return 1
}

func clonePurchase(src domain.Purchase) domain.Purchase {
	dup := src
	items := make([]domain.PurchaseItem, len(src.Items))
	copy(items, src.Items)
	dup.Items = items
	return dup
}
