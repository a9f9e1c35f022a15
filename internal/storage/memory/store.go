package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Underflow0/kid-bank/internal/apperr"
	"github.com/Underflow0/kid-bank/internal/interfaces"
	"github.com/Underflow0/kid-bank/internal/keys"
	"github.com/Underflow0/kid-bank/internal/models"
	"github.com/shopspring/decimal"
)

const defaultPageSize = 100

// item is one row of the table. Exactly one of account or record is set.
type item struct {
	key         keys.Key
	account     *models.Account
	record      *models.TransactionRecord
	parentIndex *keys.Key // GSI1, children only
	roleIndex   *keys.Key // GSI2
}

// MemoryLedgerStore is an in-memory implementation of interfaces.LedgerStore.
// It keeps the same key layout as the durable engines and serialises every
// call behind one mutex, which makes ApplyAdjustment trivially atomic.
type MemoryLedgerStore struct {
	mu       sync.Mutex
	items    map[keys.Key]*item
	pageSize int
}

// Option configures a MemoryLedgerStore.
type Option func(*MemoryLedgerStore)

// WithPageSize caps the number of rows returned by index queries and scans,
// so callers have to follow LastKey like they would against a real table.
func WithPageSize(n int) Option {
	return func(m *MemoryLedgerStore) {
		if n > 0 {
			m.pageSize = n
		}
	}
}

// NewMemoryLedgerStore creates an empty store.
func NewMemoryLedgerStore(opts ...Option) *MemoryLedgerStore {
	m := &MemoryLedgerStore{
		items:    make(map[keys.Key]*item),
		pageSize: defaultPageSize,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MemoryLedgerStore) GetAccount(ctx context.Context, userID string) (*models.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.items[keys.Account(userID)]
	if !ok {
		return nil, nil
	}
	acc := *it.account
	return &acc, nil
}

func (m *MemoryLedgerStore) PutAccount(ctx context.Context, account models.Account) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := keys.Account(account.UserID)
	if _, exists := m.items[key]; exists {
		return apperr.Wrap(apperr.ErrConflict, "account %s already exists", account.UserID)
	}

	acc := account
	it := &item{key: key, account: &acc}
	roleKey := keys.RoleIndex(account.Role.String(), account.UserID)
	it.roleIndex = &roleKey
	if account.Role == models.RoleChild && account.ParentID != "" {
		parentKey := keys.ParentIndex(account.ParentID, account.UserID)
		it.parentIndex = &parentKey
	}
	m.items[key] = it
	return nil
}

func (m *MemoryLedgerStore) UpdateProfile(ctx context.Context, userID string, changes interfaces.ProfileChanges, now time.Time) (*models.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.items[keys.Account(userID)]
	if !ok {
		return nil, apperr.Wrap(apperr.ErrNotFound, "account %s", userID)
	}
	if changes.Name != nil {
		it.account.Name = *changes.Name
	}
	if changes.InterestRate != nil {
		it.account.InterestRate = *changes.InterestRate
	}
	it.account.UpdatedAt = now
	acc := *it.account
	return &acc, nil
}

func (m *MemoryLedgerStore) QueryParentIndex(ctx context.Context, parentID string) ([]models.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	pk := keys.ByParentIndexKey(parentID)
	var matched []*item
	for _, it := range m.items {
		if it.parentIndex != nil && it.parentIndex.PK == pk {
			matched = append(matched, it)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].parentIndex.SK < matched[j].parentIndex.SK })

	result := make([]models.Account, 0, len(matched))
	for _, it := range matched {
		result = append(result, *it.account)
	}
	return result, nil
}

func (m *MemoryLedgerStore) QueryRoleIndex(ctx context.Context, role models.Role, startKey *keys.Key) (interfaces.AccountPage, error) {
	if err := ctx.Err(); err != nil {
		return interfaces.AccountPage{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	pk := keys.ByRoleIndexKey(role.String())
	var matched []*item
	for _, it := range m.items {
		if it.roleIndex == nil || it.roleIndex.PK != pk {
			continue
		}
		if startKey != nil && it.roleIndex.SK <= startKey.SK {
			continue
		}
		matched = append(matched, it)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].roleIndex.SK < matched[j].roleIndex.SK })

	var page interfaces.AccountPage
	for i, it := range matched {
		if i == m.pageSize {
			last := *matched[i-1].roleIndex
			page.LastKey = &last
			break
		}
		page.Accounts = append(page.Accounts, *it.account)
	}
	return page, nil
}

func (m *MemoryLedgerStore) ScanProfiles(ctx context.Context, role models.Role, startKey *keys.Key) (interfaces.AccountPage, error) {
	if err := ctx.Err(); err != nil {
		return interfaces.AccountPage{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	all := m.sortedKeys(func(k keys.Key) bool {
		return startKey == nil || lessKey(*startKey, k)
	})

	// Like a real scan, the page limit applies before the filter.
	var page interfaces.AccountPage
	for i, k := range all {
		if i == m.pageSize {
			last := all[i-1]
			page.LastKey = &last
			break
		}
		it := m.items[k]
		if it.account != nil && it.account.Role == role {
			page.Accounts = append(page.Accounts, *it.account)
		}
	}
	return page, nil
}

func (m *MemoryLedgerStore) QueryTransactions(ctx context.Context, userID string, limit int, startKey *keys.Key) (interfaces.TransactionPage, error) {
	if err := ctx.Err(); err != nil {
		return interfaces.TransactionPage{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	pk := keys.UserPartition(userID)
	var matched []*item
	for k, it := range m.items {
		if k.PK != pk || !keys.IsTransactionSK(k.SK) {
			continue
		}
		if startKey != nil && k.SK >= startKey.SK {
			continue
		}
		matched = append(matched, it)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].key.SK > matched[j].key.SK })

	var page interfaces.TransactionPage
	for i, it := range matched {
		if i == limit {
			last := matched[i-1].key
			page.LastKey = &last
			break
		}
		page.Records = append(page.Records, *it.record)
	}
	return page, nil
}

func (m *MemoryLedgerStore) ApplyAdjustment(ctx context.Context, expected decimal.Decimal, record models.TransactionRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	profile, ok := m.items[keys.Account(record.UserID)]
	if !ok || !profile.account.Balance.Equal(expected) {
		return apperr.Wrap(apperr.ErrConflict, "balance of %s changed since it was read", record.UserID)
	}

	txKey := keys.Transaction(record.UserID, record.Timestamp, record.TransactionID)
	if _, exists := m.items[txKey]; exists {
		return apperr.Wrap(apperr.ErrConflict, "transaction %s already recorded", record.TransactionID)
	}

	profile.account.Balance = record.BalanceAfter
	profile.account.UpdatedAt = record.Timestamp

	rec := record
	m.items[txKey] = &item{key: txKey, record: &rec}
	return nil
}

// sortedKeys returns the primary keys accepted by keep in table order.
func (m *MemoryLedgerStore) sortedKeys(keep func(keys.Key) bool) []keys.Key {
	out := make([]keys.Key, 0, len(m.items))
	for k := range m.items {
		if keep(k) {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return lessKey(out[i], out[j]) })
	return out
}

func lessKey(a, b keys.Key) bool {
	if c := strings.Compare(a.PK, b.PK); c != 0 {
		return c < 0
	}
	return a.SK < b.SK
}

// Compile-time check: ensure MemoryLedgerStore implements LedgerStore interface
var _ interfaces.LedgerStore = (*MemoryLedgerStore)(nil)
