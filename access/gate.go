// Package access decides which publishers may write to the relay.
package access

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tomyedwab/relay/store"
)

// AdminCohort marks a dynamic entry as an administrator.
const AdminCohort = "admin"

// AllowList is the dynamic, persisted part of the allow-list.
type AllowList interface {
	IsAllowed(ctx context.Context, pubkey string) (bool, error)
	GetAllowEntry(ctx context.Context, pubkey string) (*store.AllowEntry, error)
}

// Status is the answer to a whitelist check.
type Status struct {
	Pubkey        string   `json:"pubkey"`
	IsWhitelisted bool     `json:"isWhitelisted"`
	IsAdmin       bool     `json:"isAdmin"`
	Cohorts       []string `json:"cohorts"`
	VerifiedAt    int64    `json:"verifiedAt"`
}

// Gate combines the static allow-list from the environment with the
// dynamic allow-list in the store. An empty static list is open mode.
type Gate struct {
	static  map[string]struct{}
	admins  map[string]struct{}
	dynamic AllowList
	logger  *zap.Logger
	now     func() time.Time
}

func NewGate(static, admins []string, dynamic AllowList, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		static:  toSet(static),
		admins:  toSet(admins),
		dynamic: dynamic,
		logger:  logger,
		now:     time.Now,
	}
}

func toSet(keys []string) map[string]struct{} {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" {
			set[k] = struct{}{}
		}
	}
	return set
}

// OpenMode reports whether the static list is empty.
func (g *Gate) OpenMode() bool {
	return len(g.static) == 0
}

// IsAuthorized reports whether pubkey may publish: it passes the static
// gate, or it has a live dynamic entry. Lookup failures deny.
func (g *Gate) IsAuthorized(ctx context.Context, pubkey string) bool {
	if g.OpenMode() {
		return true
	}
	if _, ok := g.static[pubkey]; ok {
		return true
	}
	if g.dynamic == nil {
		return false
	}
	ok, err := g.dynamic.IsAllowed(ctx, pubkey)
	if err != nil {
		g.logger.Error("Dynamic whitelist lookup failed", zap.String("pubkey", pubkey), zap.Error(err))
		return false
	}
	return ok
}

// IsAdmin reports whether pubkey is in the admin list or holds the admin
// cohort.
func (g *Gate) IsAdmin(ctx context.Context, pubkey string) bool {
	if _, ok := g.admins[pubkey]; ok {
		return true
	}
	entry, err := g.lookup(ctx, pubkey)
	if err != nil || entry == nil {
		return false
	}
	return entry.Cohorts.Has(AdminCohort)
}

// Status builds the whitelist report for pubkey. Open mode does not by
// itself mark a key as whitelisted.
func (g *Gate) Status(ctx context.Context, pubkey string) (Status, error) {
	st := Status{
		Pubkey:     pubkey,
		Cohorts:    []string{},
		VerifiedAt: g.now().UnixMilli(),
	}
	entry, err := g.lookup(ctx, pubkey)
	if err != nil {
		return Status{}, err
	}
	if entry != nil {
		st.IsWhitelisted = true
		st.Cohorts = append(st.Cohorts, entry.Cohorts...)
	}
	if _, ok := g.static[pubkey]; ok {
		st.IsWhitelisted = true
	}
	_, listedAdmin := g.admins[pubkey]
	st.IsAdmin = listedAdmin || (entry != nil && entry.Cohorts.Has(AdminCohort))
	if st.IsAdmin {
		st.IsWhitelisted = true
		if !store.Cohorts(st.Cohorts).Has(AdminCohort) {
			st.Cohorts = append(st.Cohorts, AdminCohort)
		}
	}
	return st, nil
}

// lookup returns the live dynamic entry or nil.
func (g *Gate) lookup(ctx context.Context, pubkey string) (*store.AllowEntry, error) {
	if g.dynamic == nil {
		return nil, nil
	}
	entry, err := g.dynamic.GetAllowEntry(ctx, pubkey)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return entry, err
}
