package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"gymcrm.org/internal/auth"
	"gymcrm.org/internal/obs"
	"gymcrm.org/internal/ratelimit"
)

const defaultMaxBodyBytes = 1 << 20

// Authenticator is the slice of auth.Service the HTTP layer needs.
type Authenticator interface {
	Login(ctx context.Context, username, password string) (auth.LoginResult, error)
	Logout(ctx context.Context, token string) (string, error)
	ChangePassword(ctx context.Context, username, oldPassword, newPassword string) error
	Authenticate(ctx context.Context, token string) (auth.Principal, error)
	Register(ctx context.Context, firstName, lastName string, role auth.Role) (auth.Credentials, error)
	SetActive(ctx context.Context, username string, active bool) error
	ListActive(ctx context.Context, role auth.Role) ([]auth.Identity, error)
}

// OwnershipGuard decides whether a principal may act on a target identity.
type OwnershipGuard interface {
	CheckOwnership(ctx context.Context, p auth.Principal, target auth.Target) (*auth.Identity, error)
}

// Pinger is satisfied by *sql.DB and the pg store.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// ReadyProbe reports readiness; a nil DB is always ready.
type ReadyProbe struct {
	DB Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

type Options struct {
	Auth      Authenticator
	Guard     OwnershipGuard
	LoginGate ratelimit.Gate
	// LoginPeriod is the gate window, used for Retry-After and the 429 message.
	LoginPeriod      time.Duration
	TrustedUsernames []string
	Ready            ReadyProbe
	Version          string
	MaxBodyBytes     int64
}

type API struct {
	router      *mux.Router
	auth        Authenticator
	guard       OwnershipGuard
	loginGate   ratelimit.Gate
	loginPeriod time.Duration
	trusted     map[string]struct{}
	readyProbe  ReadyProbe
	version     string
	maxBody     int64
}

func New(opts Options) (*API, error) {
	if opts.Auth == nil || opts.Guard == nil || opts.LoginGate == nil {
		return nil, errors.New("httpapi: auth, guard and login gate are required")
	}
	a := &API{
		router:      mux.NewRouter(),
		auth:        opts.Auth,
		guard:       opts.Guard,
		loginGate:   opts.LoginGate,
		loginPeriod: opts.LoginPeriod,
		trusted:     make(map[string]struct{}, len(opts.TrustedUsernames)),
		readyProbe:  opts.Ready,
		version:     opts.Version,
		maxBody:     opts.MaxBodyBytes,
	}
	if a.loginPeriod <= 0 {
		a.loginPeriod = ratelimit.DefaultPeriod
	}
	if a.maxBody <= 0 {
		a.maxBody = defaultMaxBodyBytes
	}
	for _, u := range opts.TrustedUsernames {
		a.trusted[u] = struct{}{}
	}
	a.routes()
	return a, nil
}

func (a *API) routes() {
	r := a.router
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeFailure(w, http.StatusNotFound, "Resource not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeFailure(w, http.StatusMethodNotAllowed, "Method not allowed")
	})

	r.HandleFunc("/healthz", a.Healthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", a.Ready).Methods(http.MethodGet)
	r.HandleFunc("/v1/info", a.Info).Methods(http.MethodGet)
	r.Handle("/metrics", obs.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/v1/auth/login", a.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/v1/auth/logout", a.handleLogout).Methods(http.MethodPost)
	r.HandleFunc("/v1/auth/register", a.handleRegister).Methods(http.MethodPost)

	protected := r.NewRoute().Subrouter()
	protected.Use(a.requireAuth)
	protected.HandleFunc("/v1/auth/change-password", a.handleChangePassword).Methods(http.MethodPut)
	protected.HandleFunc("/v1/users/id/{id:[0-9]+}", a.handleProfileByID).Methods(http.MethodGet)
	protected.HandleFunc("/v1/users/{username}", a.handleProfile).Methods(http.MethodGet)
	protected.HandleFunc("/v1/users/{username}/active", a.handleSetActive).Methods(http.MethodPatch)
	protected.Handle("/v1/trainees", RequireRole(auth.RoleTrainer)(http.HandlerFunc(a.handleListTrainees))).Methods(http.MethodGet)
}

// Handler wraps the router with the middleware chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.router
	h = MaxBodyBytes(h, a.maxBody)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = Recoverer(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, "", map[string]any{
		"status":  "ok",
		"service": "gymcrm-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.readyProbe.Check(ctx); err != nil {
		obs.Logger().WithError(err).Warn("readiness check failed")
		writeFailure(w, http.StatusServiceUnavailable, "not ready")
		return
	}
	respond(w, http.StatusOK, "", map[string]any{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, "", map[string]any{
		"service": "gymcrm-api",
		"version": a.version,
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}
