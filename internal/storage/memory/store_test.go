package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/Underflow0/kid-bank/internal/apperr"
	"github.com/Underflow0/kid-bank/internal/interfaces"
	"github.com/Underflow0/kid-bank/internal/keys"
	"github.com/Underflow0/kid-bank/internal/models"
	"github.com/shopspring/decimal"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func child(id, parent string, balance string) models.Account {
	return models.Account{
		UserID:       id,
		Email:        id + "@example.com",
		Name:         id,
		Role:         models.RoleChild,
		Balance:      decimal.RequireFromString(balance),
		InterestRate: decimal.RequireFromString("0.05"),
		ParentID:     parent,
		CreatedAt:    t0,
		UpdatedAt:    t0,
	}
}

func parent(id string) models.Account {
	return models.Account{UserID: id, Email: id + "@example.com", Name: id, Role: models.RoleParent, CreatedAt: t0, UpdatedAt: t0}
}

func mustPut(t *testing.T, s *MemoryLedgerStore, accounts ...models.Account) {
	t.Helper()
	for _, a := range accounts {
		if err := s.PutAccount(context.Background(), a); err != nil {
			t.Fatalf("PutAccount(%s): %v", a.UserID, err)
		}
	}
}

func TestGetAccount_Absent(t *testing.T) {
	s := NewMemoryLedgerStore()
	acc, err := s.GetAccount(context.Background(), "nobody")
	if err != nil || acc != nil {
		t.Fatalf("GetAccount = %v, %v; want nil, nil", acc, err)
	}
}

func TestPutAccount_Conflict(t *testing.T) {
	s := NewMemoryLedgerStore()
	mustPut(t, s, child("c1", "p1", "10.00"))

	err := s.PutAccount(context.Background(), child("c1", "p1", "99.00"))
	if !apperr.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}

	acc, _ := s.GetAccount(context.Background(), "c1")
	if !acc.Balance.Equal(decimal.RequireFromString("10.00")) {
		t.Errorf("existing balance overwritten: %s", acc.Balance)
	}
}

func TestGetAccount_ReturnsCopy(t *testing.T) {
	s := NewMemoryLedgerStore()
	mustPut(t, s, child("c1", "p1", "10.00"))

	acc, _ := s.GetAccount(context.Background(), "c1")
	acc.Balance = decimal.NewFromInt(1000)

	again, _ := s.GetAccount(context.Background(), "c1")
	if !again.Balance.Equal(decimal.RequireFromString("10.00")) {
		t.Errorf("internal state mutated through returned value: %s", again.Balance)
	}
}

func TestUpdateProfile(t *testing.T) {
	s := NewMemoryLedgerStore()
	mustPut(t, s, child("c1", "p1", "10.00"))

	name := "Renamed"
	later := t0.Add(time.Hour)
	acc, err := s.UpdateProfile(context.Background(), "c1", interfaces.ProfileChanges{Name: &name}, later)
	if err != nil {
		t.Fatalf("UpdateProfile: %v", err)
	}
	if acc.Name != "Renamed" || !acc.UpdatedAt.Equal(later) {
		t.Errorf("unexpected account %+v", acc)
	}
	if !acc.InterestRate.Equal(decimal.RequireFromString("0.05")) {
		t.Errorf("rate changed although not supplied: %s", acc.InterestRate)
	}

	_, err = s.UpdateProfile(context.Background(), "missing", interfaces.ProfileChanges{Name: &name}, later)
	if !apperr.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestQueryParentIndex(t *testing.T) {
	s := NewMemoryLedgerStore()
	mustPut(t, s, parent("p1"), parent("p2"),
		child("c1", "p1", "0"), child("c2", "p1", "0"), child("c3", "p2", "0"))

	kids, err := s.QueryParentIndex(context.Background(), "p1")
	if err != nil {
		t.Fatalf("QueryParentIndex: %v", err)
	}
	if len(kids) != 2 {
		t.Fatalf("got %d children, want 2", len(kids))
	}
	for _, k := range kids {
		if k.ParentID != "p1" {
			t.Errorf("child %s belongs to %s", k.UserID, k.ParentID)
		}
	}

	none, err := s.QueryParentIndex(context.Background(), "p3")
	if err != nil || len(none) != 0 {
		t.Errorf("expected empty result, got %v, %v", none, err)
	}
}

func TestQueryRoleIndex_Pages(t *testing.T) {
	s := NewMemoryLedgerStore(WithPageSize(2))
	mustPut(t, s, parent("p1"))
	for i := 0; i < 5; i++ {
		mustPut(t, s, child(fmt.Sprintf("c%d", i), "p1", "0"))
	}

	seen := map[string]bool{}
	var start *keys.Key
	pages := 0
	for {
		page, err := s.QueryRoleIndex(context.Background(), models.RoleChild, start)
		if err != nil {
			t.Fatalf("QueryRoleIndex: %v", err)
		}
		pages++
		for _, a := range page.Accounts {
			if seen[a.UserID] {
				t.Fatalf("account %s returned twice", a.UserID)
			}
			seen[a.UserID] = true
		}
		if page.LastKey == nil {
			break
		}
		start = page.LastKey
	}

	if len(seen) != 5 {
		t.Errorf("saw %d children, want 5", len(seen))
	}
	if pages != 3 {
		t.Errorf("pages = %d, want 3", pages)
	}
}

func TestScanProfiles_FiltersAfterLimit(t *testing.T) {
	s := NewMemoryLedgerStore(WithPageSize(3))
	mustPut(t, s, parent("p1"), parent("p2"), child("c1", "p1", "5.00"), child("c2", "p2", "1.00"))

	ctx := context.Background()
	if err := s.ApplyAdjustment(ctx, decimal.RequireFromString("5.00"), models.TransactionRecord{
		TransactionID: "t1", UserID: "c1", Amount: decimal.NewFromInt(1),
		BalanceAfter: decimal.RequireFromString("6.00"), Type: models.TransactionDeposit, Timestamp: t0,
	}); err != nil {
		t.Fatalf("ApplyAdjustment: %v", err)
	}

	var children []models.Account
	var start *keys.Key
	for {
		page, err := s.ScanProfiles(ctx, models.RoleChild, start)
		if err != nil {
			t.Fatalf("ScanProfiles: %v", err)
		}
		if len(page.Accounts) > 3 {
			t.Fatalf("page larger than limit: %d", len(page.Accounts))
		}
		children = append(children, page.Accounts...)
		if page.LastKey == nil {
			break
		}
		start = page.LastKey
	}

	if len(children) != 2 {
		t.Fatalf("got %d children, want 2", len(children))
	}
}

func TestQueryTransactions_DescendingAndPaged(t *testing.T) {
	s := NewMemoryLedgerStore()
	mustPut(t, s, child("c1", "p1", "0"))
	ctx := context.Background()

	balance := decimal.Zero
	for i := 0; i < 5; i++ {
		next := balance.Add(decimal.NewFromInt(1))
		err := s.ApplyAdjustment(ctx, balance, models.TransactionRecord{
			TransactionID: fmt.Sprintf("t%d", i),
			UserID:        "c1",
			Amount:        decimal.NewFromInt(1),
			Type:          models.TransactionDeposit,
			BalanceAfter:  next,
			Timestamp:     t0.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("ApplyAdjustment %d: %v", i, err)
		}
		balance = next
	}

	first, err := s.QueryTransactions(ctx, "c1", 2, nil)
	if err != nil {
		t.Fatalf("QueryTransactions: %v", err)
	}
	if len(first.Records) != 2 || first.Records[0].TransactionID != "t4" || first.Records[1].TransactionID != "t3" {
		t.Fatalf("unexpected first page %+v", first.Records)
	}
	if first.LastKey == nil {
		t.Fatal("expected LastKey on a partial page")
	}

	rest, err := s.QueryTransactions(ctx, "c1", 10, first.LastKey)
	if err != nil {
		t.Fatalf("QueryTransactions: %v", err)
	}
	if len(rest.Records) != 3 || rest.Records[0].TransactionID != "t2" {
		t.Fatalf("unexpected second page %+v", rest.Records)
	}
	if rest.LastKey != nil {
		t.Error("exhausted scan should not return LastKey")
	}
}

func TestApplyAdjustment_ConditionFailure(t *testing.T) {
	s := NewMemoryLedgerStore()
	mustPut(t, s, child("c1", "p1", "100.00"))
	ctx := context.Background()

	err := s.ApplyAdjustment(ctx, decimal.RequireFromString("90.00"), models.TransactionRecord{
		TransactionID: "t1", UserID: "c1", Amount: decimal.NewFromInt(10),
		BalanceAfter: decimal.NewFromInt(100), Timestamp: t0,
	})
	if !apperr.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}

	page, _ := s.QueryTransactions(ctx, "c1", 10, nil)
	if len(page.Records) != 0 {
		t.Errorf("record written despite failed condition")
	}
}

func TestApplyAdjustment_MissingAccount(t *testing.T) {
	s := NewMemoryLedgerStore()
	err := s.ApplyAdjustment(context.Background(), decimal.Zero, models.TransactionRecord{
		TransactionID: "t1", UserID: "ghost", Amount: decimal.NewFromInt(1),
		BalanceAfter: decimal.NewFromInt(1), Timestamp: t0,
	})
	if !apperr.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestCanceledContext(t *testing.T) {
	s := NewMemoryLedgerStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.GetAccount(ctx, "c1"); err == nil {
		t.Error("expected context error")
	}
}
