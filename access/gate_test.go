package access

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tomyedwab/relay/store"
)

type memAllowList struct {
	entries map[string]*store.AllowEntry
	err     error
}

func (m *memAllowList) IsAllowed(_ context.Context, pubkey string) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	_, ok := m.entries[pubkey]
	return ok, nil
}

func (m *memAllowList) GetAllowEntry(_ context.Context, pubkey string) (*store.AllowEntry, error) {
	if m.err != nil {
		return nil, m.err
	}
	if e, ok := m.entries[pubkey]; ok {
		return e, nil
	}
	return nil, store.ErrNotFound
}

const (
	alice = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	bob   = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	carol = "cccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccc"
)

func TestIsAuthorized(t *testing.T) {
	dynamic := &memAllowList{entries: map[string]*store.AllowEntry{
		bob: {Pubkey: bob, Cohorts: store.Cohorts{"members"}},
	}}

	tests := []struct {
		name   string
		static []string
		pubkey string
		want   bool
	}{
		{"open mode admits anyone", nil, carol, true},
		{"static member", []string{alice}, alice, true},
		{"static list is normalized", []string{" " + "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA" + " "}, alice, true},
		{"dynamic member", []string{alice}, bob, true},
		{"neither", []string{alice}, carol, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGate(tt.static, nil, dynamic, zap.NewNop())
			assert.Equal(t, tt.want, g.IsAuthorized(context.Background(), tt.pubkey))
		})
	}
}

func TestIsAuthorizedDeniesOnLookupError(t *testing.T) {
	g := NewGate([]string{alice}, nil, &memAllowList{err: errors.New("disk gone")}, zap.NewNop())
	assert.False(t, g.IsAuthorized(context.Background(), bob))
	assert.True(t, g.IsAuthorized(context.Background(), alice))
}

func TestStatus(t *testing.T) {
	dynamic := &memAllowList{entries: map[string]*store.AllowEntry{
		bob:   {Pubkey: bob, Cohorts: store.Cohorts{"members"}},
		carol: {Pubkey: carol, Cohorts: store.Cohorts{"admin", "members"}},
	}}
	g := NewGate(nil, []string{alice}, dynamic, zap.NewNop())
	g.now = func() time.Time { return time.UnixMilli(1_700_000_000_123) }
	ctx := context.Background()

	st, err := g.Status(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, Status{Pubkey: alice, IsWhitelisted: true, IsAdmin: true, Cohorts: []string{"admin"}, VerifiedAt: 1_700_000_000_123}, st)

	st, err = g.Status(ctx, bob)
	require.NoError(t, err)
	assert.True(t, st.IsWhitelisted)
	assert.False(t, st.IsAdmin)
	assert.Equal(t, []string{"members"}, st.Cohorts)

	st, err = g.Status(ctx, carol)
	require.NoError(t, err)
	assert.True(t, st.IsAdmin)
	assert.Equal(t, []string{"admin", "members"}, st.Cohorts)

	st, err = g.Status(ctx, "dddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddd")
	require.NoError(t, err)
	assert.False(t, st.IsWhitelisted, "open mode alone is not membership")
	assert.Equal(t, []string{}, st.Cohorts)
}

func TestIsAdmin(t *testing.T) {
	dynamic := &memAllowList{entries: map[string]*store.AllowEntry{
		carol: {Pubkey: carol, Cohorts: store.Cohorts{"admin"}},
	}}
	g := NewGate(nil, []string{alice}, dynamic, zap.NewNop())
	assert.True(t, g.IsAdmin(context.Background(), alice))
	assert.True(t, g.IsAdmin(context.Background(), carol))
	assert.False(t, g.IsAdmin(context.Background(), bob))
}
