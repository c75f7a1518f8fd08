package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testAccessSecret  = "access-secret-0123456789abcdef0123456789"
	testRefreshSecret = "refresh-secret-0123456789abcdef012345678"
)

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestTokens(t *testing.T, opts ...TokenOption) (*TokenService, *MemoryRevocationList, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	revs := NewMemoryRevocationList()
	revs.now = clock.Now
	all := append([]TokenOption{
		WithClock(clock.Now),
		WithAccessTTL(15 * time.Minute),
		WithRefreshTTL(24 * time.Hour),
	}, opts...)
	svc, err := NewTokenService(testAccessSecret, testRefreshSecret, revs, all...)
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	return svc, revs, clock
}

func testUser() *User {
	return &User{ID: "01J9ZK3W6V0R8Y4B7N2M5Q1XTC", Email: "admin@parfum.shop", Role: RoleAdmin, Active: true}
}

func TestIssueAndVerifyAccessToken(t *testing.T) {
	svc, _, clock := newTestTokens(t)

	pair, err := svc.IssueTokenPair(testUser())
	if err != nil {
		t.Fatalf("IssueTokenPair: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatalf("expected both tokens, got %+v", pair)
	}
	if !pair.AccessExpiresAt.Equal(clock.Now().Add(15 * time.Minute)) {
		t.Fatalf("unexpected access expiry: %v", pair.AccessExpiresAt)
	}
	if !pair.RefreshExpiresAt.Equal(clock.Now().Add(24 * time.Hour)) {
		t.Fatalf("unexpected refresh expiry: %v", pair.RefreshExpiresAt)
	}

	claims, err := svc.VerifyAccessToken(context.Background(), pair.AccessToken)
	if err != nil {
		t.Fatalf("VerifyAccessToken: %v", err)
	}
	if claims.Subject != testUser().ID {
		t.Fatalf("unexpected subject: %s", claims.Subject)
	}
	if claims.Role != RoleAdmin {
		t.Fatalf("unexpected role: %s", claims.Role)
	}
	if claims.TokenType != TokenTypeAccess {
		t.Fatalf("unexpected token type: %s", claims.TokenType)
	}
	if claims.Issuer != defaultIssuer {
		t.Fatalf("unexpected issuer: %s", claims.Issuer)
	}
	if len(claims.Audience) != 1 || claims.Audience[0] != defaultAudience {
		t.Fatalf("unexpected audience: %v", claims.Audience)
	}
	if claims.ID == "" {
		t.Fatal("expected jti")
	}

	id := claims.Identity()
	if id.UserID != testUser().ID || id.Role != RoleAdmin || id.TokenID != claims.ID {
		t.Fatalf("unexpected identity: %+v", id)
	}
}

func TestIssueTokenPairRequiresUserID(t *testing.T) {
	svc, _, _ := newTestTokens(t)
	if _, err := svc.IssueTokenPair(&User{Role: RoleAdmin}); err == nil {
		t.Fatal("expected error for missing user id")
	}
	if _, err := svc.IssueTokenPair(nil); err == nil {
		t.Fatal("expected error for nil user")
	}
}

func TestTokenTypesAreNotInterchangeable(t *testing.T) {
	svc, _, _ := newTestTokens(t)
	pair, err := svc.IssueTokenPair(testUser())
	if err != nil {
		t.Fatalf("IssueTokenPair: %v", err)
	}

	if _, err := svc.VerifyAccessToken(context.Background(), pair.RefreshToken); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("refresh token accepted as access: %v", err)
	}
	if _, err := svc.VerifyRefreshToken(context.Background(), pair.AccessToken); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("access token accepted as refresh: %v", err)
	}
}

func TestAccessTokenExpiry(t *testing.T) {
	svc, _, clock := newTestTokens(t)
	pair, err := svc.IssueTokenPair(testUser())
	if err != nil {
		t.Fatalf("IssueTokenPair: %v", err)
	}

	clock.Advance(15*time.Minute - time.Second)
	if _, err := svc.VerifyAccessToken(context.Background(), pair.AccessToken); err != nil {
		t.Fatalf("token should still be valid: %v", err)
	}

	// exp == now counts as expired.
	clock.Advance(time.Second)
	if _, err := svc.VerifyAccessToken(context.Background(), pair.AccessToken); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired at exp, got %v", err)
	}

	clock.Advance(time.Hour)
	if _, err := svc.VerifyAccessToken(context.Background(), pair.AccessToken); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestForgedTokensAreInvalid(t *testing.T) {
	svc, _, clock := newTestTokens(t)
	pair, err := svc.IssueTokenPair(&User{ID: "customer-1", Role: RoleCustomer})
	if err != nil {
		t.Fatalf("IssueTokenPair: %v", err)
	}

	claims := Claims{
		Role:      RoleAdmin,
		TokenType: TokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    defaultIssuer,
			Subject:   "customer-1",
			Audience:  jwt.ClaimStrings{defaultAudience},
			IssuedAt:  jwt.NewNumericDate(clock.Now()),
			ExpiresAt: jwt.NewNumericDate(clock.Now().Add(time.Hour)),
			ID:        "forged",
		},
	}
	otherKey, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).
		SignedString([]byte("attacker-secret-0123456789abcdef0123"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	hs512, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte(testAccessSecret))
	if err != nil {
		t.Fatalf("sign hs512: %v", err)
	}

	parts := strings.Split(pair.AccessToken, ".")
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	raw["role"] = "admin"
	escalated, _ := json.Marshal(raw)
	tampered := parts[0] + "." + base64.RawURLEncoding.EncodeToString(escalated) + "." + parts[2]

	cases := map[string]string{
		"wrong key":        otherKey,
		"alg none":         none,
		"other algorithm":  hs512,
		"tampered payload": tampered,
		"garbage":          "not-a-jwt",
		"empty":            "   ",
	}
	for name, token := range cases {
		if _, err := svc.VerifyAccessToken(context.Background(), token); !errors.Is(err, ErrTokenInvalid) {
			t.Fatalf("%s: expected ErrTokenInvalid, got %v", name, err)
		}
	}
}

func TestForgedExpiredTokenReadsAsInvalid(t *testing.T) {
	svc, _, clock := newTestTokens(t)
	claims := Claims{
		TokenType: TokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    defaultIssuer,
			Subject:   "u1",
			Audience:  jwt.ClaimStrings{defaultAudience},
			IssuedAt:  jwt.NewNumericDate(clock.Now().Add(-2 * time.Hour)),
			ExpiresAt: jwt.NewNumericDate(clock.Now().Add(-time.Hour)),
			ID:        "old",
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).
		SignedString([]byte("attacker-secret-0123456789abcdef0123"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := svc.VerifyAccessToken(context.Background(), token); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
}

func TestIssuerAndAudienceMustMatch(t *testing.T) {
	svc, revs, clock := newTestTokens(t)

	for name, opt := range map[string]TokenOption{
		"issuer":   WithIssuer("someone-else"),
		"audience": WithAudience("storefront"),
	} {
		other, err := NewTokenService(testAccessSecret, testRefreshSecret, revs, WithClock(clock.Now), opt)
		if err != nil {
			t.Fatalf("NewTokenService: %v", err)
		}
		pair, err := other.IssueTokenPair(testUser())
		if err != nil {
			t.Fatalf("IssueTokenPair: %v", err)
		}
		if _, err := svc.VerifyAccessToken(context.Background(), pair.AccessToken); !errors.Is(err, ErrTokenInvalid) {
			t.Fatalf("%s mismatch: expected ErrTokenInvalid, got %v", name, err)
		}
	}
}

func TestRevokeAccessToken(t *testing.T) {
	svc, revs, _ := newTestTokens(t)
	ctx := context.Background()

	first, err := svc.IssueTokenPair(testUser())
	if err != nil {
		t.Fatalf("IssueTokenPair: %v", err)
	}
	second, err := svc.IssueTokenPair(testUser())
	if err != nil {
		t.Fatalf("IssueTokenPair: %v", err)
	}

	if err := svc.Revoke(ctx, first.AccessToken); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, err := svc.VerifyAccessToken(ctx, first.AccessToken); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("expected ErrTokenRevoked, got %v", err)
	}
	if _, err := svc.VerifyAccessToken(ctx, second.AccessToken); err != nil {
		t.Fatalf("unrelated token rejected: %v", err)
	}

	if err := svc.Revoke(ctx, first.AccessToken); err != nil {
		t.Fatalf("second Revoke: %v", err)
	}
	if revs.Len() != 1 {
		t.Fatalf("expected one revocation entry, got %d", revs.Len())
	}
}

func TestRevokeRefreshToken(t *testing.T) {
	svc, _, _ := newTestTokens(t)
	ctx := context.Background()
	pair, err := svc.IssueTokenPair(testUser())
	if err != nil {
		t.Fatalf("IssueTokenPair: %v", err)
	}
	if err := svc.Revoke(ctx, pair.RefreshToken); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, err := svc.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("expected ErrTokenRevoked, got %v", err)
	}
}

func TestRevokeRejectsForgedToken(t *testing.T) {
	svc, revs, _ := newTestTokens(t)
	if err := svc.Revoke(context.Background(), "not-a-jwt"); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
	if revs.Len() != 0 {
		t.Fatalf("forged token must not be stored")
	}
}

func TestRevokeExpiredTokenIsNoop(t *testing.T) {
	svc, revs, clock := newTestTokens(t)
	pair, err := svc.IssueTokenPair(testUser())
	if err != nil {
		t.Fatalf("IssueTokenPair: %v", err)
	}
	clock.Advance(time.Hour)
	if err := svc.Revoke(context.Background(), pair.AccessToken); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if revs.Len() != 0 {
		t.Fatalf("expired token should not be stored, have %d", revs.Len())
	}
}

type brokenRevocations struct{ err error }

func (b brokenRevocations) Put(context.Context, string, time.Duration) error { return b.err }

func (b brokenRevocations) Contains(context.Context, string) (bool, error) { return false, b.err }

func (b brokenRevocations) Claim(context.Context, string, time.Duration) (bool, error) {
	return false, b.err
}

func TestRevocationFailureFailsClosed(t *testing.T) {
	svc, err := NewTokenService(testAccessSecret, testRefreshSecret, brokenRevocations{err: errors.New("connection refused")})
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	pair, err := svc.IssueTokenPair(testUser())
	if err != nil {
		t.Fatalf("IssueTokenPair: %v", err)
	}
	if _, err := svc.VerifyAccessToken(context.Background(), pair.AccessToken); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
	if err := svc.Revoke(context.Background(), pair.AccessToken); err == nil {
		t.Fatal("expected revoke to surface store failure")
	}
}

func TestRefreshRotatesRefreshToken(t *testing.T) {
	svc, _, clock := newTestTokens(t)
	ctx := context.Background()
	pair, err := svc.IssueTokenPair(testUser())
	if err != nil {
		t.Fatalf("IssueTokenPair: %v", err)
	}

	clock.Advance(time.Minute)
	next, err := svc.Refresh(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if next.RefreshToken == pair.RefreshToken {
		t.Fatal("expected a rotated refresh token")
	}
	if !next.AccessExpiresAt.Equal(clock.Now().Add(15 * time.Minute)) {
		t.Fatalf("unexpected access expiry: %v", next.AccessExpiresAt)
	}

	claims, err := svc.VerifyAccessToken(ctx, next.AccessToken)
	if err != nil {
		t.Fatalf("VerifyAccessToken: %v", err)
	}
	if claims.Subject != testUser().ID || claims.Role != RoleAdmin {
		t.Fatalf("unexpected claims: %+v", claims)
	}

	if _, err := svc.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("replayed refresh token: expected ErrTokenRevoked, got %v", err)
	}
	if _, err := svc.Refresh(ctx, next.RefreshToken); err != nil {
		t.Fatalf("rotated refresh token rejected: %v", err)
	}
}

// slowRevocations widens the window between the revocation lookup and the
// rotation so concurrent refreshes overlap.
type slowRevocations struct {
	*MemoryRevocationList
	delay time.Duration
}

func (s slowRevocations) Contains(ctx context.Context, id string) (bool, error) {
	time.Sleep(s.delay)
	return s.MemoryRevocationList.Contains(ctx, id)
}

func TestConcurrentRefreshHasSingleWinner(t *testing.T) {
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	revs := NewMemoryRevocationList()
	revs.now = clock.Now
	svc, err := NewTokenService(testAccessSecret, testRefreshSecret,
		slowRevocations{MemoryRevocationList: revs, delay: 20 * time.Millisecond},
		WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	pair, err := svc.IssueTokenPair(testUser())
	if err != nil {
		t.Fatalf("IssueTokenPair: %v", err)
	}

	const workers = 5
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Refresh(context.Background(), pair.RefreshToken)
		}(i)
	}
	wg.Wait()

	won := 0
	for i, err := range errs {
		switch {
		case err == nil:
			won++
		case errors.Is(err, ErrTokenRevoked):
		default:
			t.Fatalf("worker %d: expected ErrTokenRevoked, got %v", i, err)
		}
	}
	if won != 1 {
		t.Fatalf("expected exactly one successful refresh, got %d", won)
	}
}

func TestRefreshClaimFailureFailsClosed(t *testing.T) {
	boom := errors.New("connection refused")
	revs := NewMemoryRevocationList()
	svc, err := NewTokenService(testAccessSecret, testRefreshSecret, claimFailure{MemoryRevocationList: revs, err: boom})
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	pair, err := svc.IssueTokenPair(testUser())
	if err != nil {
		t.Fatalf("IssueTokenPair: %v", err)
	}
	_, err = svc.Refresh(context.Background(), pair.RefreshToken)
	if !errors.Is(err, ErrTokenInvalid) || !errors.Is(err, boom) {
		t.Fatalf("expected ErrTokenInvalid wrapping the store error, got %v", err)
	}
}

type claimFailure struct {
	*MemoryRevocationList
	err error
}

func (c claimFailure) Claim(context.Context, string, time.Duration) (bool, error) {
	return false, c.err
}

func TestRefreshWithoutRotation(t *testing.T) {
	svc, revs, _ := newTestTokens(t, WithRefreshRotation(false))
	ctx := context.Background()
	pair, err := svc.IssueTokenPair(testUser())
	if err != nil {
		t.Fatalf("IssueTokenPair: %v", err)
	}
	next, err := svc.Refresh(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if next.RefreshToken != pair.RefreshToken {
		t.Fatal("refresh token should be reused")
	}
	if !next.RefreshExpiresAt.Equal(pair.RefreshExpiresAt) {
		t.Fatalf("unexpected refresh expiry: %v", next.RefreshExpiresAt)
	}
	if revs.Len() != 0 {
		t.Fatalf("nothing should be revoked")
	}
}

func TestRefreshRejectsExpiredAndAccessTokens(t *testing.T) {
	svc, _, clock := newTestTokens(t)
	ctx := context.Background()
	pair, err := svc.IssueTokenPair(testUser())
	if err != nil {
		t.Fatalf("IssueTokenPair: %v", err)
	}
	if _, err := svc.Refresh(ctx, pair.AccessToken); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
	clock.Advance(24 * time.Hour)
	if _, err := svc.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestRefreshUsesCurrentUserRecord(t *testing.T) {
	users := NewMemoryUserStore()
	ctx := context.Background()
	u := &User{Email: "shopper@parfum.shop", Role: RoleCustomer, Active: true}
	if err := users.Create(ctx, u); err != nil {
		t.Fatalf("Create: %v", err)
	}
	svc, _, _ := newTestTokens(t, WithUserLookup(users))

	pair, err := svc.IssueTokenPair(u)
	if err != nil {
		t.Fatalf("IssueTokenPair: %v", err)
	}
	if err := users.UpdateRole(ctx, u.ID, RoleManager); err != nil {
		t.Fatalf("UpdateRole: %v", err)
	}
	next, err := svc.Refresh(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	claims, err := svc.VerifyAccessToken(ctx, next.AccessToken)
	if err != nil {
		t.Fatalf("VerifyAccessToken: %v", err)
	}
	if claims.Role != RoleManager {
		t.Fatalf("expected refreshed role manager, got %s", claims.Role)
	}

	if err := users.SetActive(ctx, u.ID, false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	if _, err := svc.Refresh(ctx, next.RefreshToken); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("deactivated user: expected ErrTokenInvalid, got %v", err)
	}
}

func TestRefreshRejectsTokensIssuedBeforePasswordChange(t *testing.T) {
	users := NewMemoryUserStore()
	ctx := context.Background()
	u := &User{Email: "shopper@parfum.shop", Role: RoleCustomer, Active: true}
	if err := users.Create(ctx, u); err != nil {
		t.Fatalf("Create: %v", err)
	}
	svc, _, clock := newTestTokens(t, WithUserLookup(users))
	users.now = clock.Now

	before, err := svc.IssueTokenPair(u)
	if err != nil {
		t.Fatalf("IssueTokenPair: %v", err)
	}
	// Same second as the token's iat.
	clock.Advance(500 * time.Millisecond)
	if err := users.UpdatePassword(ctx, u.ID, "new-hash"); err != nil {
		t.Fatalf("UpdatePassword: %v", err)
	}
	if _, err := svc.Refresh(ctx, before.RefreshToken); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("pre-change refresh token: expected ErrTokenRevoked, got %v", err)
	}

	clock.Advance(time.Second)
	after, err := svc.IssueTokenPair(u)
	if err != nil {
		t.Fatalf("IssueTokenPair: %v", err)
	}
	if _, err := svc.Refresh(ctx, after.RefreshToken); err != nil {
		t.Fatalf("post-change refresh token rejected: %v", err)
	}
}

type failingLookup struct{ err error }

func (f failingLookup) FindByID(context.Context, string) (*User, error) { return nil, f.err }

func TestRefreshLookupFailureIsTokenInvalid(t *testing.T) {
	boom := errors.New("db down")
	svc, revs, _ := newTestTokens(t, WithUserLookup(failingLookup{err: boom}))
	pair, err := svc.IssueTokenPair(testUser())
	if err != nil {
		t.Fatalf("IssueTokenPair: %v", err)
	}
	_, err = svc.Refresh(context.Background(), pair.RefreshToken)
	if !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("lookup cause should be kept for logging, got %v", err)
	}
	if revs.Len() != 0 {
		t.Fatal("refresh token must not be consumed when the lookup fails")
	}
}

func TestNewTokenServiceValidatesSecrets(t *testing.T) {
	revs := NewMemoryRevocationList()
	cases := []struct {
		name            string
		access, refresh string
		list            RevocationList
	}{
		{"short access", "short", testRefreshSecret, revs},
		{"short refresh", testAccessSecret, "short", revs},
		{"same secrets", testAccessSecret, testAccessSecret, revs},
		{"no revocation list", testAccessSecret, testRefreshSecret, nil},
	}
	for _, tc := range cases {
		if _, err := NewTokenService(tc.access, tc.refresh, tc.list); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	if _, ok := IdentityFromContext(ctx); ok {
		t.Fatal("unexpected identity in empty context")
	}
	ctx = ContextWithIdentity(ctx, Identity{UserID: "user-7", Role: RoleManager})
	ctx = ContextWithToken(ctx, "raw-token")

	id, ok := IdentityFromContext(ctx)
	if !ok || id.UserID != "user-7" || id.Role != RoleManager {
		t.Fatalf("unexpected identity: %+v, ok=%v", id, ok)
	}
	if uid, ok := UserIDFromContext(ctx); !ok || uid != "user-7" {
		t.Fatalf("unexpected user id: %s, ok=%v", uid, ok)
	}
	if tok, ok := TokenFromContext(ctx); !ok || tok != "raw-token" {
		t.Fatalf("unexpected token: %s, ok=%v", tok, ok)
	}
}
