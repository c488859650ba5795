package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"gymcrm.org/internal/audit"
	"gymcrm.org/internal/auth"
	"gymcrm.org/internal/obs"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type changePasswordRequest struct {
	Username    string `json:"username"`
	OldPassword string `json:"oldPassword"`
	NewPassword string `json:"newPassword"`
}

type registerRequest struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Role      string `json:"role"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	if err := required([2]string{"username", req.Username}, [2]string{"password", req.Password}); err != nil {
		respondError(w, r, err)
		return
	}

	if _, trusted := a.trusted[req.Username]; !trusted && !a.loginGate.Acquire(r.Context()) {
		obs.RecordRateLimited()
		obs.RecordLogin(auth.KindOf(auth.ErrTooManyRequests))
		_ = audit.LogEvent(r.Context(), "auth.login.rate_limited", map[string]any{"username": req.Username})
		w.Header().Set("Retry-After", strconv.Itoa(int(a.loginPeriod/time.Second)))
		respondError(w, r, auth.Errorf(auth.ErrTooManyRequests,
			"Too many requests. Please try again after %s.", humanDuration(a.loginPeriod)))
		return
	}

	res, err := a.auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		obs.RecordLogin(auth.KindOf(err))
		_ = audit.LogEvent(r.Context(), "auth.login.failed", map[string]any{
			"username": req.Username,
			"reason":   auth.KindOf(err),
		})
		respondError(w, r, err)
		return
	}
	obs.RecordLogin("success")
	_ = audit.LogEvent(r.Context(), "auth.login", map[string]any{"username": req.Username})
	respond(w, http.StatusOK, "You logged in successfully", res)
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	token, err := extractBearerToken(r.Header.Get(authHeader))
	if err != nil {
		respondError(w, r, err)
		return
	}
	username, err := a.auth.Logout(r.Context(), token)
	if err != nil {
		respondError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.logout", map[string]any{"username": username})
	respond(w, http.StatusOK, "You logged out successfully", nil)
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	if err := required(
		[2]string{"username", req.Username},
		[2]string{"oldPassword", req.OldPassword},
		[2]string{"newPassword", req.NewPassword},
	); err != nil {
		respondError(w, r, err)
		return
	}
	// Only the token holder may change their own password.
	identity, err := a.guard.CheckOwnership(r.Context(), principal(r), auth.TargetUsername(strings.TrimSpace(req.Username)))
	if err != nil {
		respondError(w, r, err)
		return
	}
	if err := a.auth.ChangePassword(r.Context(), identity.Username, req.OldPassword, req.NewPassword); err != nil {
		_ = audit.LogEvent(r.Context(), "auth.password.change_failed", map[string]any{
			"username": req.Username,
			"reason":   auth.KindOf(err),
		})
		respondError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.password.changed", map[string]any{"username": req.Username})
	respond(w, http.StatusOK, "Password changed successfully", nil)
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	if err := required(
		[2]string{"firstName", req.FirstName},
		[2]string{"lastName", req.LastName},
		[2]string{"role", req.Role},
	); err != nil {
		respondError(w, r, err)
		return
	}
	role, err := auth.ParseRole(req.Role)
	if err != nil {
		respondError(w, r, err)
		return
	}
	creds, err := a.auth.Register(r.Context(), req.FirstName, req.LastName, role)
	if err != nil {
		respondError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.register", map[string]any{
		"username": creds.Username,
		"role":     role.String(),
	})
	respond(w, http.StatusCreated, "", creds)
}

// humanDuration renders whole minutes or seconds, e.g. "5 minutes".
func humanDuration(d time.Duration) string {
	plural := func(n int64, unit string) string {
		if n == 1 {
			return fmt.Sprintf("1 %s", unit)
		}
		return fmt.Sprintf("%d %ss", n, unit)
	}
	switch {
	case d >= time.Hour && d%time.Hour == 0:
		return plural(int64(d/time.Hour), "hour")
	case d >= time.Minute && d%time.Minute == 0:
		return plural(int64(d/time.Minute), "minute")
	case d >= time.Second && d%time.Second == 0:
		return plural(int64(d/time.Second), "second")
	}
	return d.String()
}
