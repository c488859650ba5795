package auth_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"gymcrm.org/internal/auth"
	"gymcrm.org/internal/store/memory"
)

const secret = "0123456789abcdef0123456789abcdef-test"

type fixture struct {
	svc    *auth.Service
	store  *memory.Store
	codec  *auth.TokenCodec
	hasher auth.Hasher
	now    time.Time
}

func newFixture(t *testing.T, opts ...auth.ServiceOption) *fixture {
	t.Helper()
	f := &fixture{
		store:  memory.New(),
		hasher: auth.NewHasher(bcrypt.MinCost),
		now:    time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	codec, err := auth.NewTokenCodec(secret, auth.WithCodecClock(clock))
	if err != nil {
		t.Fatalf("NewTokenCodec: %v", err)
	}
	f.codec = codec
	opts = append([]auth.ServiceOption{auth.WithHasher(f.hasher), auth.WithClock(clock)}, opts...)
	svc, err := auth.NewService(f.store, f.store, codec, opts...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	f.svc = svc
	return f
}

func (f *fixture) addUser(t *testing.T, username, password string, role auth.Role) *auth.Identity {
	t.Helper()
	hash, err := f.hasher.Hash(password)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	id := &auth.Identity{Username: username, PasswordHash: hash, Role: role, Active: true, PasswordChangedAt: f.now}
	if err := f.store.Create(context.Background(), id); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return id
}

func TestLoginIssuesVerifiableToken(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "john_doe", "password123", auth.RoleTrainee)
	ctx := context.Background()

	res, err := f.svc.Login(ctx, "john_doe", "password123")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if res.ExpiresIn != 3600 {
		t.Fatalf("unexpected expiresIn: %d", res.ExpiresIn)
	}
	claims, err := f.codec.Verify(res.Token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject != "john_doe" {
		t.Fatalf("unexpected subject: %s", claims.Subject)
	}
	if _, err := f.store.FindActive(ctx, res.Token); err != nil {
		t.Fatalf("token not recorded: %v", err)
	}

	p, err := f.svc.Authenticate(ctx, res.Token)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if p.Username != "john_doe" || p.Role != auth.RoleTrainee || p.UserID == 0 {
		t.Fatalf("unexpected principal: %+v", p)
	}
}

func TestLoginFailuresAreIndistinguishable(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "john_doe", "password123", auth.RoleTrainee)
	ctx := context.Background()

	_, errWrongPassword := f.svc.Login(ctx, "john_doe", "wrongPassword")
	_, errUnknownUser := f.svc.Login(ctx, "nobody", "password123")
	_, errEmpty := f.svc.Login(ctx, "", "")
	for _, err := range []error{errWrongPassword, errUnknownUser, errEmpty} {
		if !errors.Is(err, auth.ErrInvalidCredentials) {
			t.Fatalf("expected ErrInvalidCredentials, got %v", err)
		}
		if err.Error() != auth.ErrInvalidCredentials.Error() {
			t.Fatalf("failure leaks detail: %v", err)
		}
	}
}

func TestLoginAccountStates(t *testing.T) {
	f := newFixture(t, auth.WithPasswordMaxAge(30*24*time.Hour))
	ctx := context.Background()

	f.addUser(t, "inactive", "password123", auth.RoleTrainee)
	if err := f.store.SetActive(ctx, "inactive", false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	if _, err := f.svc.Login(ctx, "inactive", "password123"); !errors.Is(err, auth.ErrAccountDisabled) {
		t.Fatalf("expected ErrAccountDisabled, got %v", err)
	}

	hash, err := f.hasher.Hash("password123")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if err := f.store.Create(ctx, &auth.Identity{Username: "locked", PasswordHash: hash, Role: auth.RoleTrainee, Active: true, Locked: true}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := f.svc.Login(ctx, "locked", "password123"); !errors.Is(err, auth.ErrAccountLocked) {
		t.Fatalf("expected ErrAccountLocked, got %v", err)
	}

	f.addUser(t, "stale", "password123", auth.RoleTrainee)
	f.now = f.now.Add(31 * 24 * time.Hour)
	if _, err := f.svc.Login(ctx, "stale", "password123"); !errors.Is(err, auth.ErrCredentialsExpired) {
		t.Fatalf("expected ErrCredentialsExpired, got %v", err)
	}
}

func TestSecondLoginSupersedesFirst(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "john_doe", "password123", auth.RoleTrainee)
	ctx := context.Background()

	first, err := f.svc.Login(ctx, "john_doe", "password123")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	second, err := f.svc.Login(ctx, "john_doe", "password123")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if _, err := f.svc.Authenticate(ctx, first.Token); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("expected first token rejected, got %v", err)
	}
	if _, err := f.svc.Authenticate(ctx, second.Token); err != nil {
		t.Fatalf("second token rejected: %v", err)
	}
}

func TestConcurrentLoginsKeepOneLiveToken(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "john_doe", "password123", auth.RoleTrainee)
	ctx := context.Background()

	const n = 8
	tokens := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.svc.Login(ctx, "john_doe", "password123")
			if err != nil {
				t.Errorf("Login: %v", err)
				return
			}
			tokens[i] = res.Token
		}(i)
	}
	wg.Wait()

	live := 0
	for _, tok := range tokens {
		if _, err := f.svc.Authenticate(ctx, tok); err == nil {
			live++
		}
	}
	if live != 1 {
		t.Fatalf("expected exactly one live token, got %d", live)
	}
}

func TestLogout(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "john_doe", "password123", auth.RoleTrainee)
	ctx := context.Background()

	res, err := f.svc.Login(ctx, "john_doe", "password123")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	username, err := f.svc.Logout(ctx, res.Token)
	if err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if username != "john_doe" {
		t.Fatalf("unexpected logout subject: %q", username)
	}
	if _, err := f.store.FindActive(ctx, res.Token); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("expected token to be expired, got %v", err)
	}
	if _, err := f.svc.Logout(ctx, res.Token); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("expected second logout to fail, got %v", err)
	}
	if _, err := f.svc.Logout(ctx, "garbage"); !errors.Is(err, auth.ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
}

func TestLogoutRejectsTokenRecordedForAnotherUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	token, _, err := f.codec.Issue("john_doe", auth.RoleTrainee)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if err := f.store.RecordNewToken(ctx, "jane_doe", token); err != nil {
		t.Fatalf("RecordNewToken: %v", err)
	}
	if _, err := f.svc.Logout(ctx, token); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := f.store.FindActive(ctx, token); err != nil {
		t.Fatalf("token must stay live after rejected logout: %v", err)
	}
}

func TestAuthenticateRejectsExpiredToken(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "john_doe", "password123", auth.RoleTrainee)
	ctx := context.Background()

	res, err := f.svc.Login(ctx, "john_doe", "password123")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	f.now = f.now.Add(2 * time.Hour)
	if _, err := f.svc.Authenticate(ctx, res.Token); !errors.Is(err, auth.ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestAuthenticateRejectsDeactivatedIdentity(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "john_doe", "password123", auth.RoleTrainee)
	ctx := context.Background()

	res, err := f.svc.Login(ctx, "john_doe", "password123")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := f.store.SetActive(ctx, "john_doe", false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	if _, err := f.svc.Authenticate(ctx, res.Token); !errors.Is(err, auth.ErrAccountDisabled) {
		t.Fatalf("expected ErrAccountDisabled, got %v", err)
	}
}

func TestChangePasswordReuseWinsOverLengthRule(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "legacy", "abc", auth.RoleTrainee)
	ctx := context.Background()

	if err := f.svc.ChangePassword(ctx, "legacy", "wrongOld", "abc"); !errors.Is(err, auth.ErrDomainViolation) {
		t.Fatalf("expected ErrDomainViolation for reused short password, got %v", err)
	}
	if err := f.svc.ChangePassword(ctx, "legacy", "abc", "xyz"); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for short new password, got %v", err)
	}
}

func TestChangePassword(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "john_doe", "password123", auth.RoleTrainee)
	ctx := context.Background()

	res, err := f.svc.Login(ctx, "john_doe", "password123")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	if err := f.svc.ChangePassword(ctx, "john_doe", "wrongOld", "password123"); !errors.Is(err, auth.ErrDomainViolation) {
		t.Fatalf("expected ErrDomainViolation for reused password with wrong old one, got %v", err)
	}
	if err := f.svc.ChangePassword(ctx, "john_doe", "password123", "password123"); !errors.Is(err, auth.ErrDomainViolation) {
		t.Fatalf("expected ErrDomainViolation for reused password, got %v", err)
	}
	if err := f.svc.ChangePassword(ctx, "john_doe", "wrongOld", "newPassword456"); !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if err := f.svc.ChangePassword(ctx, "ghost", "password123", "newPassword456"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := f.svc.ChangePassword(ctx, "john_doe", "password123", "abc"); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}

	if err := f.svc.ChangePassword(ctx, "john_doe", "password123", "newPassword456"); err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}
	if _, err := f.svc.Authenticate(ctx, res.Token); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("expected old session to be expired, got %v", err)
	}
	if _, err := f.svc.Login(ctx, "john_doe", "password123"); !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("old password still accepted: %v", err)
	}
	if _, err := f.svc.Login(ctx, "john_doe", "newPassword456"); err != nil {
		t.Fatalf("Login with new password: %v", err)
	}
}

func TestRegisterGeneratesUniqueUsernames(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.Register(ctx, "John", "Doe", auth.RoleTrainee)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if first.Username != "john_doe" {
		t.Fatalf("unexpected username: %s", first.Username)
	}
	if len(first.Password) != 10 {
		t.Fatalf("unexpected password length: %d", len(first.Password))
	}
	second, err := f.svc.Register(ctx, "john", "DOE", auth.RoleTrainer)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if second.Username != "john_doe1" {
		t.Fatalf("unexpected username: %s", second.Username)
	}

	res, err := f.svc.Login(ctx, second.Username, second.Password)
	if err != nil {
		t.Fatalf("Login with generated credentials: %v", err)
	}
	p, err := f.svc.Authenticate(ctx, res.Token)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if p.Role != auth.RoleTrainer {
		t.Fatalf("unexpected role: %s", p.Role)
	}

	if _, err := f.svc.Register(ctx, " ", "Doe", auth.RoleTrainee); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := f.svc.Register(ctx, "A", "B", auth.RoleUnknown); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestSetActiveAndListActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addUser(t, "coach", "password123", auth.RoleTrainer)
	f.addUser(t, "t1", "password123", auth.RoleTrainee)
	f.addUser(t, "t2", "password123", auth.RoleTrainee)

	res, err := f.svc.Login(ctx, "t2", "password123")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := f.svc.SetActive(ctx, "t2", false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	if _, err := f.store.FindActive(ctx, res.Token); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("deactivation must expire live tokens, got %v", err)
	}

	list, err := f.svc.ListActive(ctx, auth.RoleTrainee)
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(list) != 1 || list[0].Username != "t1" {
		t.Fatalf("unexpected trainees: %+v", list)
	}
	if err := f.svc.SetActive(ctx, "ghost", true); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPurgeTokens(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "john_doe", "password123", auth.RoleTrainee)
	ctx := context.Background()

	if _, err := f.svc.Login(ctx, "john_doe", "password123"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	live, err := f.svc.Login(ctx, "john_doe", "password123")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	n, err := f.svc.PurgeTokens(ctx)
	if err != nil {
		t.Fatalf("PurgeTokens: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one purged entry, got %d", n)
	}
	if _, err := f.svc.Authenticate(ctx, live.Token); err != nil {
		t.Fatalf("live token purged: %v", err)
	}
}

func TestGuardCheckOwnership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	john := f.addUser(t, "john_doe", "password123", auth.RoleTrainee)
	jane := f.addUser(t, "jane_doe", "password123", auth.RoleTrainee)
	guard := auth.NewGuard(f.store)
	p := auth.Principal{UserID: john.ID, Username: "john_doe", Role: auth.RoleTrainee}

	got, err := guard.CheckOwnership(ctx, p, auth.TargetUsername("john_doe"))
	if err != nil {
		t.Fatalf("CheckOwnership: %v", err)
	}
	if got.ID != john.ID {
		t.Fatalf("unexpected identity: %+v", got)
	}
	if _, err := guard.CheckOwnership(ctx, p, auth.TargetID(john.ID)); err != nil {
		t.Fatalf("CheckOwnership by id: %v", err)
	}
	if _, err := guard.CheckOwnership(ctx, p, auth.TargetUsername("jane_doe")); !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := guard.CheckOwnership(ctx, p, auth.TargetID(jane.ID)); !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("expected ErrForbidden by id, got %v", err)
	}
	if _, err := guard.CheckOwnership(ctx, p, auth.TargetUsername("ghost")); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := guard.CheckOwnership(ctx, auth.Principal{}, auth.TargetUsername("john_doe")); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	msg, _ := auth.PublicMessage(func() error {
		_, err := guard.CheckOwnership(ctx, p, auth.TargetUsername("jane_doe"))
		return err
	}())
	if !strings.Contains(msg, "own profile") {
		t.Fatalf("unexpected message: %q", msg)
	}
}
