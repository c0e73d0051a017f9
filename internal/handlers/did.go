package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"

	"github.com/tomyedwab/relay/httpauth"
	"github.com/tomyedwab/relay/internal/httputils"
	"github.com/tomyedwab/relay/store"
)

type ProfileSource interface {
	Latest(ctx context.Context, pubkey string, kind int) (*nostr.Event, error)
}

// HandleDID resolves /api/did/{id} to a did:nostr document, folding in the
// stored kind-0 profile when there is one.
func HandleDID(w http.ResponseWriter, r *http.Request, logger *zap.Logger, profiles ProfileSource, relays []string) {
	pubkey, err := httpauth.ParsePubkeyOrDID(chi.URLParam(r, "id"))
	if err != nil {
		httputils.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	profile, err := profiles.Latest(r.Context(), pubkey, 0)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		logger.Error("Failed to load profile", zap.String("pubkey", pubkey), zap.Error(err))
	}
	if err != nil {
		profile = nil
	}
	httputils.WriteJSON(w, http.StatusOK, httpauth.NewDocument(pubkey, profile, relays))
}
