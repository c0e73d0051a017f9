package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/tomyedwab/relay/internal/httputils"
	"github.com/tomyedwab/relay/store"
)

// SupportedNIPs lists the protocol extensions the relay implements.
var SupportedNIPs = []int{1, 11, 16, 33, 98}

const (
	Software = "https://github.com/tomyedwab/relay"

	ModeOpen       = "open"
	ModeRestricted = "restricted"

	nostrJSON = "application/nostr+json"
)

type InfoConfig struct {
	Name             string
	Description      string
	Pubkey           string
	Contact          string
	Version          string
	MaxLimit         int
	MaxMessageLength int64
}

type Limitation struct {
	RestrictedWrites bool  `json:"restricted_writes"`
	MaxLimit         int   `json:"max_limit"`
	MaxMessageLength int64 `json:"max_message_length"`
}

// RelayInfo is the NIP-11 relay information document.
type RelayInfo struct {
	Name          string     `json:"name"`
	Description   string     `json:"description"`
	Pubkey        string     `json:"pubkey,omitempty"`
	Contact       string     `json:"contact,omitempty"`
	SupportedNIPs []int      `json:"supported_nips"`
	Software      string     `json:"software"`
	Version       string     `json:"version"`
	Limitation    Limitation `json:"limitation"`
}

type HealthReport struct {
	Status        string `json:"status"`
	Connections   int    `json:"connections"`
	Subscriptions int    `json:"subscriptions"`
	Events        int64  `json:"events"`
	Whitelist     int64  `json:"whitelist"`
	DBSizeBytes   int64  `json:"dbSizeBytes"`
	SupportedNIPs []int  `json:"supported_nips"`
	WhitelistMode string `json:"whitelistMode"`
}

type Counter interface {
	Counts() (conns, subs int)
}

type StatsReader interface {
	Stats(ctx context.Context) (store.Stats, error)
}

type ModeReporter interface {
	OpenMode() bool
}

// WantsRelayInfo reports whether the client asked for the NIP-11 document.
func WantsRelayInfo(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), nostrJSON)
}

func HandleInfo(w http.ResponseWriter, r *http.Request, cfg InfoConfig, mode ModeReporter) {
	info := RelayInfo{
		Name:          cfg.Name,
		Description:   cfg.Description,
		Pubkey:        cfg.Pubkey,
		Contact:       cfg.Contact,
		SupportedNIPs: SupportedNIPs,
		Software:      Software,
		Version:       cfg.Version,
		Limitation: Limitation{
			RestrictedWrites: !mode.OpenMode(),
			MaxLimit:         cfg.MaxLimit,
			MaxMessageLength: cfg.MaxMessageLength,
		},
	}
	contentType := "application/json"
	if WantsRelayInfo(r) {
		contentType = nostrJSON
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(info)
}

func HandleHealth(w http.ResponseWriter, r *http.Request, logger *zap.Logger, counter Counter, stats StatsReader, mode ModeReporter) {
	conns, subs := counter.Counts()
	report := HealthReport{
		Status:        "ok",
		Connections:   conns,
		Subscriptions: subs,
		SupportedNIPs: SupportedNIPs,
		WhitelistMode: ModeRestricted,
	}
	if mode.OpenMode() {
		report.WhitelistMode = ModeOpen
	}

	status := http.StatusOK
	st, err := stats.Stats(r.Context())
	if err != nil {
		logger.Error("Failed to read storage stats", zap.Error(err))
		report.Status = "degraded"
		status = http.StatusServiceUnavailable
	} else {
		report.Events = st.EventCount
		report.Whitelist = st.WhitelistCount
		report.DBSizeBytes = st.DBSizeBytes
	}
	httputils.WriteJSON(w, status, report)
}
