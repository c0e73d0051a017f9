package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/tomyedwab/relay/access"
	"github.com/tomyedwab/relay/events"
	"github.com/tomyedwab/relay/httpauth"
	"github.com/tomyedwab/relay/internal/httputils"
	"github.com/tomyedwab/relay/store"
)

const maxWhitelistBody = 64 * 1024

var (
	errInvalidPubkey = errors.New("invalid pubkey: expected 64 lowercase hex characters")
	errInvalidLimit  = errors.New("invalid limit: expected a positive integer")
)

type StatusChecker interface {
	Status(ctx context.Context, pubkey string) (access.Status, error)
}

type AdminChecker interface {
	IsAdmin(ctx context.Context, pubkey string) bool
}

type AllowListStore interface {
	AddAllowEntry(ctx context.Context, entry store.AllowEntry) error
	RemoveAllowEntry(ctx context.Context, pubkey string) error
	GetAllowEntry(ctx context.Context, pubkey string) (*store.AllowEntry, error)
	ListAllowEntries(ctx context.Context, includeExpired bool) ([]store.AllowEntry, error)
}

type Auditor interface {
	LogAllowlistAdd(actor, subject, detail string) error
	LogAllowlistRemove(actor, subject string) error
}

// AddWhitelistRequest is the body of POST /api/whitelist.
type AddWhitelistRequest struct {
	Pubkey    string   `json:"pubkey"`
	Cohorts   []string `json:"cohorts"`
	ExpiresAt *int64   `json:"expiresAt,omitempty"`
	Notes     string   `json:"notes,omitempty"`
}

type WhitelistResponse struct {
	Entries []store.AllowEntry `json:"entries"`
	Count   int                `json:"count"`
}

// HandleCheckWhitelist answers GET /api/check-whitelist?pubkey=<hex>.
func HandleCheckWhitelist(w http.ResponseWriter, r *http.Request, logger *zap.Logger, checker StatusChecker) {
	pubkey := r.URL.Query().Get("pubkey")
	if !events.IsHex64(pubkey) {
		httputils.WriteError(w, http.StatusBadRequest, errInvalidPubkey.Error())
		return
	}
	status, err := checker.Status(r.Context(), pubkey)
	if err != nil {
		logger.Error("Whitelist check failed", zap.String("pubkey", pubkey), zap.Error(err))
		httputils.WriteError(w, http.StatusInternalServerError, "whitelist lookup failed")
		return
	}
	httputils.HandleAPIResponse(w, r, logger, status, nil, http.StatusOK)
}

// requireAdmin returns the signer when it is an administrator, writing the
// 401 or 403 response otherwise.
func requireAdmin(w http.ResponseWriter, r *http.Request, admins AdminChecker) (*httpauth.Identity, bool) {
	id := httpauth.FromContext(r.Context())
	if id == nil {
		httputils.WriteError(w, http.StatusUnauthorized, "authentication required")
		return nil, false
	}
	if !admins.IsAdmin(r.Context(), id.Pubkey) {
		httputils.WriteError(w, http.StatusForbidden, "admin access required")
		return nil, false
	}
	return id, true
}

func HandleListWhitelist(w http.ResponseWriter, r *http.Request, logger *zap.Logger, st AllowListStore, admins AdminChecker) {
	if _, ok := requireAdmin(w, r, admins); !ok {
		return
	}
	includeExpired := r.URL.Query().Get("includeExpired") == "true"
	entries, err := st.ListAllowEntries(r.Context(), includeExpired)
	if err != nil {
		httputils.HandleAPIResponse(w, r, logger, nil, err, http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []store.AllowEntry{}
	}
	httputils.WriteJSON(w, http.StatusOK, WhitelistResponse{Entries: entries, Count: len(entries)})
}

func HandleAddWhitelist(w http.ResponseWriter, r *http.Request, logger *zap.Logger, st AllowListStore, admins AdminChecker, auditor Auditor) {
	id, ok := requireAdmin(w, r, admins)
	if !ok {
		return
	}

	buf, err := io.ReadAll(io.LimitReader(r.Body, maxWhitelistBody))
	if err != nil {
		httputils.HandleAPIResponse(w, r, logger, nil, err, http.StatusBadRequest)
		return
	}
	var req AddWhitelistRequest
	if err := json.Unmarshal(buf, &req); err != nil {
		httputils.WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	pubkey, err := httpauth.ParsePubkeyOrDID(req.Pubkey)
	if err != nil {
		httputils.WriteError(w, http.StatusBadRequest, errInvalidPubkey.Error())
		return
	}

	entry := store.AllowEntry{
		Pubkey:    pubkey,
		Cohorts:   normalizeCohorts(req.Cohorts),
		AddedBy:   id.Pubkey,
		ExpiresAt: req.ExpiresAt,
		Notes:     req.Notes,
	}
	if err := st.AddAllowEntry(r.Context(), entry); err != nil {
		httputils.HandleAPIResponse(w, r, logger, nil, err, http.StatusInternalServerError)
		return
	}

	detail := fmt.Sprintf("cohorts=%s", strings.Join(entry.Cohorts, ","))
	if err := auditor.LogAllowlistAdd(id.Pubkey, pubkey, detail); err != nil {
		logger.Error("Failed to audit whitelist add", zap.String("pubkey", pubkey), zap.Error(err))
	}
	logger.Info("Whitelist entry added",
		zap.String("pubkey", pubkey),
		zap.String("by", id.Pubkey),
		zap.Strings("cohorts", entry.Cohorts))

	saved, err := st.GetAllowEntry(r.Context(), pubkey)
	if err != nil {
		// An entry added with a past expiry is stored but no longer live.
		saved = &entry
	}
	httputils.WriteJSON(w, http.StatusCreated, saved)
}

func HandleRemoveWhitelist(w http.ResponseWriter, r *http.Request, logger *zap.Logger, st AllowListStore, admins AdminChecker, auditor Auditor) {
	id, ok := requireAdmin(w, r, admins)
	if !ok {
		return
	}
	pubkey, err := httpauth.ParsePubkeyOrDID(chi.URLParam(r, "pubkey"))
	if err != nil {
		httputils.WriteError(w, http.StatusBadRequest, errInvalidPubkey.Error())
		return
	}

	err = st.RemoveAllowEntry(r.Context(), pubkey)
	if errors.Is(err, store.ErrNotFound) {
		httputils.WriteError(w, http.StatusNotFound, "pubkey not in whitelist")
		return
	}
	if err != nil {
		httputils.HandleAPIResponse(w, r, logger, nil, err, http.StatusInternalServerError)
		return
	}

	if err := auditor.LogAllowlistRemove(id.Pubkey, pubkey); err != nil {
		logger.Error("Failed to audit whitelist removal", zap.String("pubkey", pubkey), zap.Error(err))
	}
	logger.Info("Whitelist entry removed", zap.String("pubkey", pubkey), zap.String("by", id.Pubkey))
	httputils.WriteJSON(w, http.StatusOK, map[string]string{"removed": pubkey})
}

func normalizeCohorts(in []string) store.Cohorts {
	out := store.Cohorts{}
	seen := make(map[string]bool, len(in))
	for _, c := range in {
		c = strings.TrimSpace(c)
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}
