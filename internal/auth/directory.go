package auth

import (
	"context"
	"strings"
	"sync"

	"github.com/Underflow0/kid-bank/internal/apperr"
	"github.com/google/uuid"
)

// Provisioned is a freshly created directory user.
type Provisioned struct {
	UserID            string
	TemporaryPassword string
}

// Directory creates and removes login identities for new accounts.
type Directory interface {
	Provision(ctx context.Context, email, name, group string) (Provisioned, error)
	Remove(ctx context.Context, email string) error
}

type directoryUser struct {
	id    string
	name  string
	group string
}

// MemoryDirectory is an in-process Directory.
type MemoryDirectory struct {
	mu    sync.Mutex
	users map[string]directoryUser
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{users: make(map[string]directoryUser)}
}

func (m *MemoryDirectory) Provision(ctx context.Context, email, name, group string) (Provisioned, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if !strings.Contains(email, "@") {
		return Provisioned{}, apperr.Wrap(apperr.ErrBadRequest, "invalid email %q", email)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.users[email]; exists {
		return Provisioned{}, apperr.Wrap(apperr.ErrBadRequest, "user with email %s already exists", email)
	}

	id := uuid.New()
	m.users[email] = directoryUser{id: id.String(), name: name, group: group}
	return Provisioned{
		UserID:            id.String(),
		TemporaryPassword: "Temp" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8] + "!",
	}, nil
}

func (m *MemoryDirectory) Remove(ctx context.Context, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.users, strings.ToLower(strings.TrimSpace(email)))
	return nil
}

var _ Directory = (*MemoryDirectory)(nil)
