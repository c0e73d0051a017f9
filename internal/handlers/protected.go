package handlers

import (
	"net/http"

	"github.com/tomyedwab/relay/httpauth"
	"github.com/tomyedwab/relay/internal/httputils"
)

type ProtectedResponse struct {
	Authenticated bool   `json:"authenticated"`
	Pubkey        string `json:"pubkey"`
	DID           string `json:"did"`
	Method        string `json:"method"`
}

// HandleProtected echoes the verified signer of a NIP-98 request.
func HandleProtected(w http.ResponseWriter, r *http.Request) {
	id := httpauth.FromContext(r.Context())
	if id == nil {
		httputils.WriteError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	httputils.WriteJSON(w, http.StatusOK, ProtectedResponse{
		Authenticated: true,
		Pubkey:        id.Pubkey,
		DID:           id.DID,
		Method:        r.Method,
	})
}
