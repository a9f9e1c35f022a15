package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Underflow0/kid-bank/internal/apperr"
	"github.com/Underflow0/kid-bank/internal/interfaces"
	"github.com/Underflow0/kid-bank/internal/keys"
	"github.com/Underflow0/kid-bank/internal/models"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

const (
	defaultTable    = "ledger_items"
	defaultPageSize = 100

	uniqueViolation   = "23505"
	checkViolation    = "23514"
	numericOutOfRange = "22003"
)

// PostgresLedgerStore keeps the ledger in one Postgres table that mirrors the
// partition/sort key layout from package keys. Key columns use the "C"
// collation so that ORDER BY matches byte-wise key order.
type PostgresLedgerStore struct {
	db       *sql.DB
	table    string
	pageSize int
}

// Option configures a PostgresLedgerStore.
type Option func(*PostgresLedgerStore)

// WithTable overrides the table name. The name is interpolated into SQL and
// must come from configuration, never from a request.
func WithTable(name string) Option {
	return func(p *PostgresLedgerStore) { p.table = sanitizeTableName(name) }
}

// WithPageSize caps the rows returned by one index query or scan page.
func WithPageSize(n int) Option {
	return func(p *PostgresLedgerStore) {
		if n > 0 {
			p.pageSize = n
		}
	}
}

func NewPostgresLedgerStore(db *sql.DB, opts ...Option) *PostgresLedgerStore {
	p := &PostgresLedgerStore{
		db:       db,
		table:    defaultTable,
		pageSize: defaultPageSize,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Open connects to dsn, checks connectivity and returns a pooled *sql.DB.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// Migrate creates the table and both secondary indexes if they are missing.
func (p *PostgresLedgerStore) Migrate(ctx context.Context) error {
	queries := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %[1]s (
			pk TEXT COLLATE "C" NOT NULL,
			sk TEXT COLLATE "C" NOT NULL,
			gsi1pk TEXT COLLATE "C",
			gsi1sk TEXT COLLATE "C",
			gsi2pk TEXT COLLATE "C",
			gsi2sk TEXT COLLATE "C",
			user_id TEXT NOT NULL,
			email TEXT,
			name TEXT,
			role TEXT,
			balance NUMERIC(15,2),
			interest_rate NUMERIC(9,6),
			parent_id TEXT,
			created_at TIMESTAMPTZ,
			updated_at TIMESTAMPTZ,
			transaction_id TEXT,
			amount NUMERIC(15,2),
			tx_type TEXT,
			description TEXT,
			balance_after NUMERIC(15,2),
			initiated_by TEXT,
			occurred_at TIMESTAMPTZ,
			PRIMARY KEY (pk, sk),
			CHECK (balance IS NULL OR balance >= 0)
		)`, p.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_gsi1 ON %[1]s (gsi1pk, gsi1sk) WHERE gsi1pk IS NOT NULL`, p.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_gsi2 ON %[1]s (gsi2pk, gsi2sk) WHERE gsi2pk IS NOT NULL`, p.table),
	}

	for _, query := range queries {
		if _, err := p.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

const profileColumns = `user_id, email, name, role, balance, interest_rate, parent_id, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner, extra ...any) (*models.Account, error) {
	var (
		acc      models.Account
		role     string
		parentID sql.NullString
	)
	dest := append([]any{
		&acc.UserID, &acc.Email, &acc.Name, &role, &acc.Balance,
		&acc.InterestRate, &parentID, &acc.CreatedAt, &acc.UpdatedAt,
	}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	parsed, err := models.ParseRole(role)
	if err != nil {
		return nil, err
	}
	acc.Role = parsed
	acc.ParentID = parentID.String
	acc.CreatedAt = acc.CreatedAt.UTC()
	acc.UpdatedAt = acc.UpdatedAt.UTC()
	return &acc, nil
}

func (p *PostgresLedgerStore) GetAccount(ctx context.Context, userID string) (*models.Account, error) {
	key := keys.Account(userID)
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE pk = $1 AND sk = $2`, profileColumns, p.table)

	acc, err := scanAccount(p.db.QueryRowContext(ctx, query, key.PK, key.SK))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return acc, nil
}

func (p *PostgresLedgerStore) PutAccount(ctx context.Context, account models.Account) error {
	key := keys.Account(account.UserID)
	roleKey := keys.RoleIndex(account.Role.String(), account.UserID)

	var gsi1pk, gsi1sk, parentID sql.NullString
	if account.Role == models.RoleChild && account.ParentID != "" {
		parentKey := keys.ParentIndex(account.ParentID, account.UserID)
		gsi1pk = sql.NullString{String: parentKey.PK, Valid: true}
		gsi1sk = sql.NullString{String: parentKey.SK, Valid: true}
		parentID = sql.NullString{String: account.ParentID, Valid: true}
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (pk, sk, gsi1pk, gsi1sk, gsi2pk, gsi2sk, %s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (pk, sk) DO NOTHING`, p.table, profileColumns)

	res, err := p.db.ExecContext(ctx, query,
		key.PK, key.SK, gsi1pk, gsi1sk, roleKey.PK, roleKey.SK,
		account.UserID, account.Email, account.Name, account.Role.String(),
		account.Balance, account.InterestRate, parentID, account.CreatedAt, account.UpdatedAt,
	)
	if err != nil {
		return invalidValue("put account", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("put account: %w", err)
	}
	if n == 0 {
		return apperr.Wrap(apperr.ErrConflict, "account %s already exists", account.UserID)
	}
	return nil
}

func (p *PostgresLedgerStore) UpdateProfile(ctx context.Context, userID string, changes interfaces.ProfileChanges, now time.Time) (*models.Account, error) {
	key := keys.Account(userID)
	query := fmt.Sprintf(`
		UPDATE %s
		SET name = COALESCE($3::text, name),
			interest_rate = COALESCE($4::numeric, interest_rate),
			updated_at = $5
		WHERE pk = $1 AND sk = $2
		RETURNING %s`, p.table, profileColumns)

	var rate any
	if changes.InterestRate != nil {
		rate = *changes.InterestRate
	}
	var name any
	if changes.Name != nil {
		name = *changes.Name
	}

	acc, err := scanAccount(p.db.QueryRowContext(ctx, query, key.PK, key.SK, name, rate, now))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Wrap(apperr.ErrNotFound, "account %s", userID)
	}
	if err != nil {
		return nil, invalidValue("update profile", err)
	}
	return acc, nil
}

func (p *PostgresLedgerStore) QueryParentIndex(ctx context.Context, parentID string) ([]models.Account, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE gsi1pk = $1 ORDER BY gsi1sk`, profileColumns, p.table)

	rows, err := p.db.QueryContext(ctx, query, keys.ByParentIndexKey(parentID))
	if err != nil {
		return nil, fmt.Errorf("query parent index: %w", err)
	}
	defer rows.Close()

	accounts := []models.Account{}
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan child: %w", err)
		}
		accounts = append(accounts, *acc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query parent index: %w", err)
	}
	return accounts, nil
}

func (p *PostgresLedgerStore) QueryRoleIndex(ctx context.Context, role models.Role, startKey *keys.Key) (interfaces.AccountPage, error) {
	args := []any{keys.ByRoleIndexKey(role.String()), p.pageSize + 1}
	cond := ""
	if startKey != nil {
		cond = "AND gsi2sk > $3"
		args = append(args, startKey.SK)
	}
	query := fmt.Sprintf(`
		SELECT %s, gsi2pk, gsi2sk FROM %s
		WHERE gsi2pk = $1 %s
		ORDER BY gsi2sk
		LIMIT $2`, profileColumns, p.table, cond)

	return p.queryAccountPage(ctx, "query role index", query, args...)
}

func (p *PostgresLedgerStore) ScanProfiles(ctx context.Context, role models.Role, startKey *keys.Key) (interfaces.AccountPage, error) {
	args := []any{keys.ProfileSK(), role.String(), p.pageSize + 1}
	cond := ""
	if startKey != nil {
		cond = "AND (pk, sk) > ($4, $5)"
		args = append(args, startKey.PK, startKey.SK)
	}
	// No index covers role on the base table, so this walks every profile row.
	query := fmt.Sprintf(`
		SELECT %s, pk, sk FROM %s
		WHERE sk = $1 AND role = $2 %s
		ORDER BY pk, sk
		LIMIT $3`, profileColumns, p.table, cond)

	return p.queryAccountPage(ctx, "scan profiles", query, args...)
}

// queryAccountPage runs a query fetching pageSize+1 rows whose last two
// columns are the key to resume from.
func (p *PostgresLedgerStore) queryAccountPage(ctx context.Context, op, query string, args ...any) (interfaces.AccountPage, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return interfaces.AccountPage{}, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var (
		page    interfaces.AccountPage
		lastKey keys.Key
	)
	for rows.Next() {
		if len(page.Accounts) == p.pageSize {
			resume := lastKey
			page.LastKey = &resume
			break
		}
		var k keys.Key
		acc, err := scanAccount(rows, &k.PK, &k.SK)
		if err != nil {
			return interfaces.AccountPage{}, fmt.Errorf("%s: %w", op, err)
		}
		page.Accounts = append(page.Accounts, *acc)
		lastKey = k
	}
	if err := rows.Err(); err != nil {
		return interfaces.AccountPage{}, fmt.Errorf("%s: %w", op, err)
	}
	return page, nil
}

func (p *PostgresLedgerStore) QueryTransactions(ctx context.Context, userID string, limit int, startKey *keys.Key) (interfaces.TransactionPage, error) {
	prefix := keys.TransactionPrefix()
	args := []any{keys.UserPartition(userID), prefix, prefixUpperBound(prefix), limit + 1}
	cond := ""
	if startKey != nil {
		cond = "AND sk < $5"
		args = append(args, startKey.SK)
	}
	query := fmt.Sprintf(`
		SELECT pk, sk, transaction_id, user_id, amount, tx_type, description, balance_after, initiated_by, occurred_at
		FROM %s
		WHERE pk = $1 AND sk >= $2 AND sk < $3 %s
		ORDER BY sk DESC
		LIMIT $4`, p.table, cond)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return interfaces.TransactionPage{}, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var (
		page    interfaces.TransactionPage
		lastKey keys.Key
	)
	for rows.Next() {
		if len(page.Records) == limit {
			resume := lastKey
			page.LastKey = &resume
			break
		}
		var (
			k      keys.Key
			rec    models.TransactionRecord
			txType string
		)
		if err := rows.Scan(&k.PK, &k.SK, &rec.TransactionID, &rec.UserID, &rec.Amount, &txType,
			&rec.Description, &rec.BalanceAfter, &rec.InitiatedBy, &rec.Timestamp); err != nil {
			return interfaces.TransactionPage{}, fmt.Errorf("scan transaction: %w", err)
		}
		rec.Type = models.TransactionType(txType)
		rec.Timestamp = rec.Timestamp.UTC()
		page.Records = append(page.Records, rec)
		lastKey = k
	}
	if err := rows.Err(); err != nil {
		return interfaces.TransactionPage{}, fmt.Errorf("query transactions: %w", err)
	}
	return page, nil
}

// ApplyAdjustment runs the conditional balance update and the record insert in
// one SQL transaction. Under READ COMMITTED a concurrent writer holding the row
// makes the UPDATE wait and then re-evaluate "balance = expected" against the
// committed value, so the loser sees zero affected rows.
func (p *PostgresLedgerStore) ApplyAdjustment(ctx context.Context, expected decimal.Decimal, record models.TransactionRecord) (err error) {
	dbTx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin adjustment: %w", err)
	}

	defer func() {
		if err != nil {
			dbTx.Rollback()
		}
	}()

	profile := keys.Account(record.UserID)
	update := fmt.Sprintf(`
		UPDATE %s SET balance = $1, updated_at = $2
		WHERE pk = $3 AND sk = $4 AND balance = $5`, p.table)

	res, err := dbTx.ExecContext(ctx, update, record.BalanceAfter, record.Timestamp, profile.PK, profile.SK, expected)
	if err != nil {
		return invalidValue("update balance", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update balance: %w", err)
	}
	if n == 0 {
		err = apperr.Wrap(apperr.ErrConflict, "balance of %s changed since it was read", record.UserID)
		return err
	}

	txKey := keys.Transaction(record.UserID, record.Timestamp, record.TransactionID)
	insert := fmt.Sprintf(`
		INSERT INTO %s (pk, sk, user_id, transaction_id, amount, tx_type, description, balance_after, initiated_by, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`, p.table)

	_, err = dbTx.ExecContext(ctx, insert, txKey.PK, txKey.SK, record.UserID, record.TransactionID,
		record.Amount, string(record.Type), record.Description, record.BalanceAfter, record.InitiatedBy, record.Timestamp)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			err = apperr.Wrap(apperr.ErrConflict, "transaction %s already recorded", record.TransactionID)
			return err
		}
		return invalidValue("insert transaction", err)
	}

	if err = dbTx.Commit(); err != nil {
		return fmt.Errorf("commit adjustment: %w", err)
	}
	return nil
}

// invalidValue reports values the column types or constraints reject as
// apperr.ErrBadRequest so that they never count against the circuit breaker.
func invalidValue(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case numericOutOfRange, checkViolation:
			return apperr.Wrap(apperr.ErrBadRequest, "%s: %s", op, pqErr.Message)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// prefixUpperBound returns the smallest string greater than every string
// starting with prefix.
func prefixUpperBound(prefix string) string {
	b := []byte(prefix)
	b[len(b)-1]++
	return string(b)
}

// Close closes the underlying pool.
func (p *PostgresLedgerStore) Close() error {
	return p.db.Close()
}

// DropTable removes the table; used by integration tests.
func (p *PostgresLedgerStore) DropTable(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+p.table)
	return err
}

func sanitizeTableName(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_' {
			return r
		}
		return '_'
	}, strings.ToLower(s))
}

var _ interfaces.LedgerStore = (*PostgresLedgerStore)(nil)
