// Package keys builds the partition/sort keys of the single ledger table.
//
// Every row lives under a (PK, SK) pair. Profiles and transactions share the
// account partition so that a range scan over the partition returns the
// account's history in time order. Two secondary indexes carry their own key
// pairs: GSI1 (parent -> children) and GSI2 (role -> accounts).
//
// Changing any format here is a schema migration. Callers must build keys
// through this package and never parse them.
package keys

import (
	"strings"
	"time"
)

const (
	separator = "#"

	userPrefix        = "USER"
	transactionPrefix = "TRANS"
	parentPrefix      = "PARENT"
	childPrefix       = "CHILD"
	rolePrefix        = "ROLE"

	profileSK = "PROFILE"

	// TimestampLayout is fixed width so that sort keys order lexicographically
	// exactly as they order in time.
	TimestampLayout = "2006-01-02T15:04:05.000000Z"
)

// Key is a primary or index key pair.
type Key struct {
	PK string `json:"pk"`
	SK string `json:"sk"`
}

// IsZero reports whether both halves are empty.
func (k Key) IsZero() bool {
	return k.PK == "" && k.SK == ""
}

func build(prefix string, parts ...string) string {
	return prefix + separator + strings.Join(parts, separator)
}

// FormatTimestamp renders t in UTC using TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// UserPartition is the partition holding an account's profile and history.
func UserPartition(userID string) string {
	return build(userPrefix, userID)
}

// ProfileSK is the sort key of the profile row.
func ProfileSK() string {
	return profileSK
}

// Account is the primary key of an account's profile row.
func Account(userID string) Key {
	return Key{PK: UserPartition(userID), SK: profileSK}
}

// TransactionSK orders transaction rows by timestamp, then by id.
func TransactionSK(ts time.Time, transactionID string) string {
	return build(transactionPrefix, FormatTimestamp(ts), transactionID)
}

// Transaction is the primary key of one transaction row.
func Transaction(userID string, ts time.Time, transactionID string) Key {
	return Key{PK: UserPartition(userID), SK: TransactionSK(ts, transactionID)}
}

// TransactionPrefix is the sort key prefix shared by all transaction rows.
func TransactionPrefix() string {
	return transactionPrefix + separator
}

// IsTransactionSK reports whether sk addresses a transaction row.
func IsTransactionSK(sk string) bool {
	return strings.HasPrefix(sk, TransactionPrefix())
}

// ByParentIndexKey is the GSI1 partition key shared by all children of a parent.
func ByParentIndexKey(parentID string) string {
	return build(parentPrefix, parentID)
}

// ByChildIndexKey is the GSI1 sort key of one child.
func ByChildIndexKey(childID string) string {
	return build(childPrefix, childID)
}

// ParentIndex is the full GSI1 key pair written on a child's profile row.
func ParentIndex(parentID, childID string) Key {
	return Key{PK: ByParentIndexKey(parentID), SK: ByChildIndexKey(childID)}
}

// ByRoleIndexKey is the GSI2 partition key shared by all accounts of a role.
func ByRoleIndexKey(role string) string {
	return build(rolePrefix, role)
}

// ByAccountIndexKey is the GSI2 sort key of one account.
func ByAccountIndexKey(userID string) string {
	return build(userPrefix, userID)
}

// RoleIndex is the full GSI2 key pair written on a profile row.
func RoleIndex(role, userID string) Key {
	return Key{PK: ByRoleIndexKey(role), SK: ByAccountIndexKey(userID)}
}
