package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"gymcrm.org/internal/audit"
	"gymcrm.org/internal/auth"
)

type profileResponse struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	FirstName string    `json:"firstName"`
	LastName  string    `json:"lastName"`
	Role      auth.Role `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
}

type setActiveRequest struct {
	Active *bool `json:"active"`
}

func toProfile(u *auth.Identity) profileResponse {
	return profileResponse{
		ID:        u.ID,
		Username:  u.Username,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		Role:      u.Role,
		Active:    u.Active,
		CreatedAt: u.CreatedAt,
	}
}

// principal is only called behind requireAuth.
func principal(r *http.Request) auth.Principal {
	p, _ := auth.PrincipalFromContext(r.Context())
	return p
}

func (a *API) handleProfile(w http.ResponseWriter, r *http.Request) {
	username := mux.Vars(r)["username"]
	identity, err := a.guard.CheckOwnership(r.Context(), principal(r), auth.TargetUsername(username))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, http.StatusOK, "", toProfile(identity))
}

func (a *API) handleProfileByID(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		respondError(w, r, auth.Errorf(auth.ErrInvalidInput, "id must be a positive integer"))
		return
	}
	identity, err := a.guard.CheckOwnership(r.Context(), principal(r), auth.TargetID(id))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, http.StatusOK, "", toProfile(identity))
}

func (a *API) handleSetActive(w http.ResponseWriter, r *http.Request) {
	var req setActiveRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	if req.Active == nil {
		respondError(w, r, auth.Errorf(auth.ErrInvalidInput, "active is required"))
		return
	}
	username := mux.Vars(r)["username"]
	if _, err := a.guard.CheckOwnership(r.Context(), principal(r), auth.TargetUsername(username)); err != nil {
		respondError(w, r, err)
		return
	}
	if err := a.auth.SetActive(r.Context(), username, *req.Active); err != nil {
		respondError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "user.active.changed", map[string]any{
		"username": username,
		"active":   *req.Active,
	})
	respond(w, http.StatusOK, "Active status updated", nil)
}

func (a *API) handleListTrainees(w http.ResponseWriter, r *http.Request) {
	list, err := a.auth.ListActive(r.Context(), auth.RoleTrainee)
	if err != nil {
		respondError(w, r, err)
		return
	}
	out := make([]profileResponse, 0, len(list))
	for i := range list {
		out = append(out, toProfile(&list[i]))
	}
	respond(w, http.StatusOK, "", out)
}
