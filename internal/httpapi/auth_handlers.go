package httpapi

import (
	"errors"
	"net/http"

	"parfum.shop/internal/audit"
	"parfum.shop/internal/auth"
	"parfum.shop/internal/obs"
)

const tokenType = "Bearer"

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type registerRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
	Name     string `json:"name" validate:"max=120"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken" validate:"required"`
}

type logoutRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type passwordRequest struct {
	CurrentPassword string `json:"currentPassword" validate:"required"`
	NewPassword     string `json:"newPassword" validate:"required"`
}

type tokenResponse struct {
	Success      bool       `json:"success"`
	AccessToken  string     `json:"accessToken"`
	RefreshToken string     `json:"refreshToken"`
	TokenType    string     `json:"tokenType"`
	ExpiresIn    int64      `json:"expiresIn"`
	User         *auth.User `json:"user,omitempty"`
}

type identityView struct {
	ID   string    `json:"id"`
	Role auth.Role `json:"role"`
}

func (a *API) newTokenResponse(pair auth.TokenPair, user *auth.User) tokenResponse {
	return tokenResponse{
		Success:      true,
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    tokenType,
		ExpiresIn:    int64(a.tokens.AccessTTL().Seconds()),
		User:         user,
	}
}

// Login exchanges email and password for a token pair.
func (a *API) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, r, err)
		return
	}
	if err := a.check(req); err != nil {
		writeError(w, r, err)
		return
	}

	user, err := a.creds.VerifyCredentials(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			obs.RecordLogin("failure")
			_ = audit.LogEvent(r.Context(), audit.EventLoginFailed, map[string]any{
				"email": auth.NormalizeEmail(req.Email),
				"ip":    clientIP(r, a.opts.TrustProxy),
			})
		} else {
			obs.RecordLogin("error")
		}
		writeError(w, r, err)
		return
	}

	pair, err := a.tokens.IssueTokenPair(user)
	if err != nil {
		obs.RecordLogin("error")
		writeError(w, r, err)
		return
	}
	obs.RecordLogin("success")
	ctx := auth.ContextWithIdentity(r.Context(), auth.Identity{UserID: user.ID, Role: user.Role})
	_ = audit.LogEvent(ctx, audit.EventLoginSucceeded, map[string]any{
		"role": string(user.Role),
		"ip":   clientIP(r, a.opts.TrustProxy),
	})
	writeJSON(w, http.StatusOK, a.newTokenResponse(pair, user))
}

// Register creates a customer account.
func (a *API) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, r, err)
		return
	}
	if err := a.check(req); err != nil {
		writeError(w, r, err)
		return
	}
	user, err := a.creds.CreateUser(r.Context(), req.Email, req.Password, req.Name, auth.RoleCustomer)
	if err != nil {
		writeError(w, r, err)
		return
	}
	ctx := auth.ContextWithIdentity(r.Context(), auth.Identity{UserID: user.ID, Role: user.Role})
	_ = audit.LogEvent(ctx, audit.EventRegister, nil)
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "user": user})
}

// Refresh exchanges a refresh token for a new access token.
func (a *API) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, r, err)
		return
	}
	if err := a.check(req); err != nil {
		writeError(w, r, err)
		return
	}
	pair, err := a.tokens.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		writeError(w, r, err)
		return
	}
	// Refresh is unauthenticated; the subject comes from the redeemed token.
	ctx := auth.ContextWithIdentity(r.Context(), auth.Identity{UserID: pair.UserID, Role: pair.Role})
	_ = audit.LogEvent(ctx, audit.EventRefresh, nil)
	writeJSON(w, http.StatusOK, a.newTokenResponse(pair, nil))
}

// Logout revokes the presented access token and, when supplied, the caller's
// refresh token.
func (a *API) Logout(w http.ResponseWriter, r *http.Request) {
	var req logoutRequest
	if err := decodeJSON(r, &req, true); err != nil {
		writeError(w, r, err)
		return
	}
	id, _ := auth.IdentityFromContext(r.Context())
	token, _ := auth.TokenFromContext(r.Context())

	if err := a.tokens.Revoke(r.Context(), token); err != nil {
		writeError(w, r, err)
		return
	}

	refreshRevoked := false
	if req.RefreshToken != "" {
		claims, err := a.tokens.VerifyRefreshToken(r.Context(), req.RefreshToken)
		if err == nil && claims.Subject == id.UserID {
			if err := a.tokens.Revoke(r.Context(), req.RefreshToken); err != nil {
				writeError(w, r, err)
				return
			}
			refreshRevoked = true
		}
	}

	_ = audit.LogEvent(r.Context(), audit.EventLogout, map[string]any{
		"jti":             id.TokenID,
		"refresh_revoked": refreshRevoked,
	})
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "logged out"})
}

// Me returns the caller's account record.
func (a *API) Me(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFromContext(r.Context())
	user, err := a.creds.FindUser(r.Context(), id.UserID)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			err = auth.ErrTokenInvalid
		}
		writeError(w, r, err)
		return
	}
	if !user.Active {
		writeError(w, r, auth.ErrTokenInvalid)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "user": user})
}

// Verify confirms that the presented access token is valid.
func (a *API) Verify(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"valid":   true,
		"user":    identityView{ID: id.UserID, Role: id.Role},
	})
}

// Session reports whether the request carries a valid access token.
func (a *API) Session(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.IdentityFromContext(r.Context())
	body := map[string]any{"success": true, "authenticated": ok}
	if ok {
		body["user"] = identityView{ID: id.UserID, Role: id.Role}
	}
	writeJSON(w, http.StatusOK, body)
}

// ChangePassword replaces the caller's password and revokes the token used
// for the request.
func (a *API) ChangePassword(w http.ResponseWriter, r *http.Request) {
	var req passwordRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, r, err)
		return
	}
	if err := a.check(req); err != nil {
		writeError(w, r, err)
		return
	}
	id, _ := auth.IdentityFromContext(r.Context())
	if err := a.creds.ChangePassword(r.Context(), id.UserID, req.CurrentPassword, req.NewPassword); err != nil {
		writeError(w, r, err)
		return
	}
	token, _ := auth.TokenFromContext(r.Context())
	if err := a.tokens.Revoke(r.Context(), token); err != nil {
		writeError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventPasswordChanged, nil)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "password changed"})
}
