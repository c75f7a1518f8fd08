package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"parfum.shop/internal/obs"
)

const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"

	// MinSecretLength is the shortest accepted HMAC signing secret, in bytes.
	MinSecretLength = 32

	defaultIssuer            = "parfum-api"
	defaultAudience          = "parfum-admin"
	defaultAccessTTL         = 15 * time.Minute
	defaultRefreshTTL        = 7 * 24 * time.Hour
	defaultRevocationTimeout = 2 * time.Second
)

// Claims represents JWT claims used for both access and refresh tokens.
type Claims struct {
	Role      Role   `json:"role,omitempty"`
	TokenType string `json:"typ"`
	jwt.RegisteredClaims
}

// Identity converts verified claims into the request identity.
func (c *Claims) Identity() Identity {
	id := Identity{UserID: c.Subject, Role: c.Role, TokenID: c.ID}
	if c.ExpiresAt != nil {
		id.ExpiresAt = c.ExpiresAt.Time
	}
	return id
}

// TokenService mints, verifies and revokes signed tokens.
type TokenService struct {
	accessSecret  []byte
	refreshSecret []byte
	issuer        string
	audience      string
	accessTTL     time.Duration
	refreshTTL    time.Duration

	revocations       RevocationList
	revocationTimeout time.Duration
	users             UserLookup
	lookupTimeout     time.Duration
	rotateRefresh     bool

	now func() time.Time
}

// TokenOption configures TokenService behavior.
type TokenOption func(*TokenService) error

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) TokenOption {
	return func(s *TokenService) error {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			s.issuer = issuer
		}
		return nil
	}
}

// WithAudience overrides the token audience claim.
func WithAudience(audience string) TokenOption {
	return func(s *TokenService) error {
		if audience = strings.TrimSpace(audience); audience != "" {
			s.audience = audience
		}
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) TokenOption {
	return func(s *TokenService) error {
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) TokenOption {
	return func(s *TokenService) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) TokenOption {
	return func(s *TokenService) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithRevocationTimeout bounds each revocation list call.
func WithRevocationTimeout(d time.Duration) TokenOption {
	return func(s *TokenService) error {
		if d > 0 {
			s.revocationTimeout = d
		}
		return nil
	}
}

// WithUserLookup makes Refresh re-read the subject so deactivated users and
// role changes take effect on the next refresh.
func WithUserLookup(users UserLookup) TokenOption {
	return func(s *TokenService) error {
		s.users = users
		return nil
	}
}

// WithRefreshRotation controls whether Refresh revokes the presented refresh
// token and issues a new one.
func WithRefreshRotation(enabled bool) TokenOption {
	return func(s *TokenService) error {
		s.rotateRefresh = enabled
		return nil
	}
}

// NewTokenService constructs TokenService. The two secrets must both be at
// least MinSecretLength bytes and must differ.
func NewTokenService(accessSecret, refreshSecret string, revocations RevocationList, opts ...TokenOption) (*TokenService, error) {
	if len(accessSecret) < MinSecretLength {
		return nil, fmt.Errorf("auth: access secret must be at least %d bytes", MinSecretLength)
	}
	if len(refreshSecret) < MinSecretLength {
		return nil, fmt.Errorf("auth: refresh secret must be at least %d bytes", MinSecretLength)
	}
	if accessSecret == refreshSecret {
		return nil, errors.New("auth: access and refresh secrets must differ")
	}
	if revocations == nil {
		return nil, errors.New("auth: revocation list is required")
	}
	s := &TokenService{
		accessSecret:      []byte(accessSecret),
		refreshSecret:     []byte(refreshSecret),
		issuer:            defaultIssuer,
		audience:          defaultAudience,
		accessTTL:         defaultAccessTTL,
		refreshTTL:        defaultRefreshTTL,
		revocations:       revocations,
		revocationTimeout: defaultRevocationTimeout,
		lookupTimeout:     defaultLookupTimeout,
		rotateRefresh:     true,
		now:               time.Now,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// AccessTTL reports the configured access token lifetime.
func (s *TokenService) AccessTTL() time.Duration { return s.accessTTL }

// IssueTokenPair signs a fresh access and refresh token for user.
func (s *TokenService) IssueTokenPair(user *User) (TokenPair, error) {
	if user == nil || strings.TrimSpace(user.ID) == "" {
		return TokenPair{}, errors.New("auth: user id is required")
	}
	now := s.now()
	access, accessExp, err := s.sign(user.ID, user.Role, TokenTypeAccess, now)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, refreshExp, err := s.sign(user.ID, user.Role, TokenTypeRefresh, now)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		UserID:           user.ID,
		Role:             user.Role,
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

// VerifyAccessToken checks signature, issuer, audience, expiry and revocation
// of an access token and returns its claims.
func (s *TokenService) VerifyAccessToken(ctx context.Context, token string) (*Claims, error) {
	return s.verify(ctx, token, TokenTypeAccess)
}

// VerifyRefreshToken applies the access token rules to a refresh token.
func (s *TokenService) VerifyRefreshToken(ctx context.Context, token string) (*Claims, error) {
	return s.verify(ctx, token, TokenTypeRefresh)
}

// Refresh exchanges a valid refresh token for a new access token bound to the
// same subject. With rotation enabled the presented refresh token is claimed
// on the revocation list before anything is signed, so only one of several
// concurrent redemptions succeeds and the rest get ErrTokenRevoked.
func (s *TokenService) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	claims, err := s.VerifyRefreshToken(ctx, refreshToken)
	if err != nil {
		return TokenPair{}, err
	}

	role := claims.Role
	if s.users != nil {
		lookupCtx, cancel := context.WithTimeout(ctx, s.lookupTimeout)
		user, err := s.users.FindByID(lookupCtx, claims.Subject)
		cancel()
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return TokenPair{}, ErrTokenInvalid
			}
			// Same fail-closed rule as the revocation lookup.
			return TokenPair{}, ErrTokenInvalid.Wrap(fmt.Errorf("resolve subject: %w", err))
		}
		if !user.Active {
			return TokenPair{}, ErrTokenInvalid
		}
		if issuedBeforePasswordChange(claims, user.PasswordChangedAt) {
			return TokenPair{}, ErrTokenRevoked
		}
		role = user.Role
	}

	now := s.now()
	pair := TokenPair{
		UserID:           claims.Subject,
		Role:             role,
		RefreshToken:     strings.TrimSpace(refreshToken),
		RefreshExpiresAt: claims.ExpiresAt.Time,
	}
	if s.rotateRefresh {
		if err := s.claim(ctx, claims.ID, claims.ExpiresAt.Time); err != nil {
			return TokenPair{}, err
		}
		refresh, refreshExp, err := s.sign(claims.Subject, role, TokenTypeRefresh, now)
		if err != nil {
			return TokenPair{}, err
		}
		pair.RefreshToken = refresh
		pair.RefreshExpiresAt = refreshExp
	}

	access, accessExp, err := s.sign(claims.Subject, role, TokenTypeAccess, now)
	if err != nil {
		return TokenPair{}, err
	}
	pair.AccessToken = access
	pair.AccessExpiresAt = accessExp
	return pair, nil
}

// claim atomically moves a refresh token id onto the revocation list. Losing
// the race means another request already redeemed it.
func (s *TokenService) claim(ctx context.Context, id string, expiresAt time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, s.revocationTimeout)
	defer cancel()
	won, err := s.revocations.Claim(ctx, id, expiresAt.Sub(s.now()))
	if err != nil {
		return ErrTokenInvalid.Wrap(fmt.Errorf("claim refresh token: %w", err))
	}
	if !won {
		obs.RecordTokenCheck(TokenTypeRefresh, ErrTokenRevoked.Code)
		return ErrTokenRevoked
	}
	obs.RecordTokenRevoked()
	return nil
}

// issuedBeforePasswordChange compares at whole-second precision, the
// resolution of the iat claim. A token issued in the same second as the
// change is treated as older.
func issuedBeforePasswordChange(claims *Claims, changedAt time.Time) bool {
	if changedAt.IsZero() {
		return false
	}
	if claims.IssuedAt == nil {
		return true
	}
	return !claims.IssuedAt.Time.After(changedAt.Truncate(time.Second))
}

// Revoke puts the token's id on the revocation list for the rest of its
// lifetime. Either token type is accepted; claim validity is not checked but
// the signature is. Revoking an already expired token is a no-op.
func (s *TokenService) Revoke(ctx context.Context, token string) error {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(strings.TrimSpace(token), claims, func(t *jwt.Token) (any, error) {
		c, ok := t.Claims.(*Claims)
		if !ok {
			return nil, ErrTokenInvalid
		}
		return s.keyFor(c.TokenType)
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return ErrTokenInvalid.Wrap(err)
	}
	if claims.ID == "" || claims.ExpiresAt == nil {
		return ErrTokenInvalid
	}
	return s.putRevoked(ctx, claims.ID, claims.ExpiresAt.Time)
}

func (s *TokenService) putRevoked(ctx context.Context, id string, expiresAt time.Time) error {
	ttl := expiresAt.Sub(s.now())
	if ttl <= 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.revocationTimeout)
	defer cancel()
	if err := s.revocations.Put(ctx, id, ttl); err != nil {
		return fmt.Errorf("revoke token %s: %w", id, err)
	}
	obs.RecordTokenRevoked()
	return nil
}

func (s *TokenService) sign(subject string, role Role, typ string, now time.Time) (string, time.Time, error) {
	key, err := s.keyFor(typ)
	if err != nil {
		return "", time.Time{}, err
	}
	ttl := s.accessTTL
	if typ == TokenTypeRefresh {
		ttl = s.refreshTTL
	}
	claims := Claims{
		Role:      role,
		TokenType: typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{s.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign %s token: %w", typ, err)
	}
	obs.RecordTokenIssued(typ)
	return signed, claims.ExpiresAt.Time, nil
}

func (s *TokenService) verify(ctx context.Context, token, typ string) (*Claims, error) {
	claims, err := s.parse(ctx, token, typ)
	if err != nil {
		code := "internal"
		if e, ok := AsError(err); ok {
			code = e.Code
		}
		obs.RecordTokenCheck(typ, code)
		return nil, err
	}
	obs.RecordTokenCheck(typ, "ok")
	return claims, nil
}

func (s *TokenService) parse(ctx context.Context, token, typ string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrTokenInvalid
	}
	key, err := s.keyFor(typ)
	if err != nil {
		return nil, err
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, classifyParseError(err)
	}
	if !parsed.Valid || claims.TokenType != typ || strings.TrimSpace(claims.Subject) == "" || claims.ID == "" {
		return nil, ErrTokenInvalid
	}

	revoked, err := s.isRevoked(ctx, claims.ID)
	if err != nil {
		// Fail closed: an unreachable revocation list rejects the token.
		return nil, ErrTokenInvalid.Wrap(err)
	}
	if revoked {
		return nil, ErrTokenRevoked
	}
	return claims, nil
}

func (s *TokenService) isRevoked(ctx context.Context, id string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.revocationTimeout)
	defer cancel()
	return s.revocations.Contains(ctx, id)
}

func (s *TokenService) keyFor(typ string) ([]byte, error) {
	switch typ {
	case TokenTypeAccess:
		return s.accessSecret, nil
	case TokenTypeRefresh:
		return s.refreshSecret, nil
	default:
		return nil, ErrTokenInvalid
	}
}

// classifyParseError maps jwt validation failures onto the token error codes.
// Integrity failures win over expiry so a forged expired token reads as invalid.
func classifyParseError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed),
		errors.Is(err, jwt.ErrTokenUnverifiable),
		errors.Is(err, jwt.ErrTokenSignatureInvalid),
		errors.Is(err, jwt.ErrTokenInvalidIssuer),
		errors.Is(err, jwt.ErrTokenInvalidAudience),
		errors.Is(err, jwt.ErrTokenRequiredClaimMissing),
		errors.Is(err, jwt.ErrTokenUsedBeforeIssued),
		errors.Is(err, jwt.ErrTokenNotValidYet):
		return ErrTokenInvalid.Wrap(err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrTokenExpired.Wrap(err)
	default:
		return ErrTokenInvalid.Wrap(err)
	}
}
