// cmd/gate-manager/api.go
package main

import (
	"encoding/json"
	"net/http"

	"membergate/internal/common/logger"
	"membergate/internal/dispatch"
	"membergate/internal/protect"
	"membergate/internal/store"
	"membergate/internal/verify"
	"membergate/internal/warmer"
)

type api struct {
	verifier  *verify.Service
	protector *protect.Service
	warmer    *warmer.Warmer
	logger    logger.Logger
}

type verifyRequest struct {
	UserID  int64 `json:"user_id"`
	GroupID int64 `json:"group_id"`
	// Enforce applies the restriction decision to the platform instead of
	// only reporting it.
	Enforce bool `json:"enforce"`
}

type channelInfo struct {
	ChannelID  int64  `json:"channel_id"`
	Title      string `json:"title,omitempty"`
	InviteLink string `json:"invite_link,omitempty"`
}

type verifyResponse struct {
	Outcome         string        `json:"outcome"`
	Cached          bool          `json:"cached"`
	MissingChannels []channelInfo `json:"missing_channels,omitempty"`
	Error           string        `json:"error,omitempty"`
}

type warmRequest struct {
	GroupID int64 `json:"group_id"`
}

func (a *api) routes(mux *http.ServeMux) {
	mux.HandleFunc("/verify", a.handleVerify)
	mux.HandleFunc("/reverify", a.handleReverify)
	mux.HandleFunc("/warm", a.handleWarm)
	mux.HandleFunc("/healthz", a.handleHealth)
}

// handleVerify checks a user's membership across the group's required
// channels. With enforce set, a restricted outcome also removes the
// user's posting rights.
func (a *api) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if !a.decode(w, r, &req) {
		return
	}

	res := a.verifier.Verify(r.Context(), req.UserID, req.GroupID, dispatch.Interactive)
	if req.Enforce && res.Outcome == verify.Restricted {
		if err := a.protector.Restrict(r.Context(), req.GroupID, req.UserID); err != nil {
			a.logger.WithError(err).Warn("enforcement failed", map[string]interface{}{
				"userId":  req.UserID,
				"groupId": req.GroupID,
			})
		}
	}
	a.writeResult(w, res)
}

// handleReverify invalidates the cached membership first, so a user who
// just joined the channels passes immediately. A verified outcome lifts
// any standing restriction.
func (a *api) handleReverify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if !a.decode(w, r, &req) {
		return
	}

	res := a.verifier.Reverify(r.Context(), req.UserID, req.GroupID)
	if req.Enforce && res.Outcome == verify.Verified {
		if err := a.protector.Unrestrict(r.Context(), req.GroupID, req.UserID); err != nil {
			a.logger.WithError(err).Warn("unrestrict failed", map[string]interface{}{
				"userId":  req.UserID,
				"groupId": req.GroupID,
			})
		}
	}
	a.writeResult(w, res)
}

// handleWarm sweeps the group's active users at bulk priority and returns
// the tally.
func (a *api) handleWarm(w http.ResponseWriter, r *http.Request) {
	var req warmRequest
	if !a.decode(w, r, &req) {
		return
	}

	summary, err := a.warmer.WarmGroup(r.Context(), req.GroupID)
	if err != nil {
		a.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	a.writeJSON(w, http.StatusOK, summary)
}

func (a *api) handleHealth(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *api) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		a.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}

func (a *api) writeResult(w http.ResponseWriter, res verify.Result) {
	resp := verifyResponse{
		Outcome: string(res.Outcome),
		Cached:  res.Cached,
	}
	for _, link := range res.MissingChannels {
		resp.MissingChannels = append(resp.MissingChannels, channelFromLink(link))
	}
	if res.Err != nil {
		resp.Error = res.Err.Error()
	}

	status := http.StatusOK
	if res.Outcome == verify.OutcomeError {
		status = http.StatusBadGateway
	}
	a.writeJSON(w, status, resp)
}

func channelFromLink(link store.ChannelLink) channelInfo {
	return channelInfo{
		ChannelID:  link.ChannelID,
		Title:      link.Title,
		InviteLink: link.InviteLink,
	}
}

func (a *api) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.WithError(err).Warn("failed to write response", nil)
	}
}
