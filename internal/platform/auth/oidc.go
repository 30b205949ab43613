package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// loginCookie carries the in-flight login state (CSRF state, PKCE
// verifier, nonce, post-login destination) as a single encoded cookie
// between /auth/login and /auth/callback.
const loginCookie = "converge_login"

const (
	loginStateTTL   = 10 * time.Minute
	exchangeTimeout = 10 * time.Second
)

type OIDCService struct {
	cfg      Config
	verifier *oidc.IDTokenVerifier
	oauth2   oauth2.Config
}

func NewOIDCService(ctx context.Context, cfg Config) (*OIDCService, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Mode != ModeOIDC {
		return nil, fmt.Errorf("auth mode must be oidc (got %q)", cfg.Mode)
	}

	provider, err := oidc.NewProvider(ctx, cfg.OIDCIssuerURL)
	if err != nil {
		return nil, fmt.Errorf("oidc provider: %w", err)
	}

	return &OIDCService{
		cfg:      cfg,
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.OIDCClientID}),
		oauth2: oauth2.Config{
			ClientID:     cfg.OIDCClientID,
			ClientSecret: cfg.OIDCClientSecret,
			Endpoint:     provider.Endpoint(),
			RedirectURL:  cfg.OIDCRedirectURL,
			Scopes:       cfg.OIDCScopes,
		},
	}, nil
}

// Authenticate accepts a bearer token (agents) or the session cookie
// (console) and verifies it against the configured issuer.
func (s *OIDCService) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	raw := bearerToken(r)
	if raw == "" {
		raw = cookieValue(r, s.cfg.SessionCookieName)
	}
	if raw == "" {
		return Identity{}, ErrUnauthenticated
	}

	idToken, err := s.verifier.Verify(ctx, raw)
	if err != nil {
		return Identity{}, err
	}
	return s.identityFromToken(idToken)
}

func (s *OIDCService) identityFromToken(idToken *oidc.IDToken) (Identity, error) {
	var claims map[string]any
	if err := idToken.Claims(&claims); err != nil {
		return Identity{}, err
	}
	subject, _ := claims["sub"].(string)
	return Identity{
		Subject: subject,
		Email:   claimString(claims, s.cfg.EmailClaim),
		Roles:   claimRoles(claims, s.cfg.RolesClaim),
	}, nil
}

// loginState is the payload of the login cookie. The state field is
// echoed back by the provider and must round-trip untouched.
type loginState struct {
	State    string `json:"state"`
	Verifier string `json:"verifier"`
	Nonce    string `json:"nonce"`
	ReturnTo string `json:"return_to"`
}

func newLoginState(returnTo string) (loginState, error) {
	var ls loginState
	var err error
	if ls.State, err = randomToken(); err != nil {
		return loginState{}, err
	}
	if ls.Verifier, err = randomToken(); err != nil {
		return loginState{}, err
	}
	if ls.Nonce, err = randomToken(); err != nil {
		return loginState{}, err
	}
	ls.ReturnTo = sanitizeReturnTo(returnTo)
	return ls, nil
}

func (ls loginState) encode() string {
	raw, _ := json.Marshal(ls)
	return base64.RawURLEncoding.EncodeToString(raw)
}

func decodeLoginState(encoded string) (loginState, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return loginState{}, err
	}
	var ls loginState
	if err := json.Unmarshal(raw, &ls); err != nil {
		return loginState{}, err
	}
	if ls.State == "" || ls.Verifier == "" || ls.Nonce == "" {
		return loginState{}, errors.New("incomplete login state")
	}
	return ls, nil
}

func (s *OIDCService) LoginHandler() (http.HandlerFunc, error) {
	if err := s.cfg.ValidateForLogin(); err != nil {
		return nil, err
	}

	return func(w http.ResponseWriter, r *http.Request) {
		ls, err := newLoginState(r.URL.Query().Get("return_to"))
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal_error"})
			return
		}
		s.writeCookie(w, loginCookie, ls.encode(), loginStateTTL)

		authURL := s.oauth2.AuthCodeURL(
			ls.State,
			oauth2.AccessTypeOnline,
			oauth2.SetAuthURLParam("code_challenge", codeChallenge(ls.Verifier)),
			oauth2.SetAuthURLParam("code_challenge_method", "S256"),
			oauth2.SetAuthURLParam("nonce", ls.Nonce),
		)
		http.Redirect(w, r, authURL, http.StatusFound)
	}, nil
}

func (s *OIDCService) CallbackHandler() (http.HandlerFunc, error) {
	if err := s.cfg.ValidateForLogin(); err != nil {
		return nil, err
	}

	return func(w http.ResponseWriter, r *http.Request) {
		state := r.URL.Query().Get("state")
		code := r.URL.Query().Get("code")
		if state == "" || code == "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "missing_code_or_state"})
			return
		}

		ls, err := decodeLoginState(cookieValue(r, loginCookie))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "missing_login_state"})
			return
		}
		if ls.State != state {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_state"})
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), exchangeTimeout)
		defer cancel()

		token, err := s.oauth2.Exchange(ctx, code, oauth2.SetAuthURLParam("code_verifier", ls.Verifier))
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "token_exchange_failed"})
			return
		}

		rawIDToken, ok := token.Extra("id_token").(string)
		if !ok || rawIDToken == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "missing_id_token"})
			return
		}

		idToken, err := s.verifier.Verify(ctx, rawIDToken)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid_id_token"})
			return
		}
		if err := checkNonce(idToken, ls.Nonce); err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid_nonce"})
			return
		}

		s.writeCookie(w, s.cfg.SessionCookieName, rawIDToken, s.cfg.SessionCookieMaxAge)
		s.expireCookie(w, loginCookie)
		http.Redirect(w, r, ls.ReturnTo, http.StatusFound)
	}, nil
}

func checkNonce(idToken *oidc.IDToken, want string) error {
	var claim struct {
		Nonce string `json:"nonce"`
	}
	if err := idToken.Claims(&claim); err != nil {
		return err
	}
	if claim.Nonce == "" || claim.Nonce != want {
		return errors.New("nonce mismatch")
	}
	return nil
}

func (s *OIDCService) LogoutHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.expireCookie(w, s.cfg.SessionCookieName)
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	}
}

func (s *OIDCService) SessionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, err := s.Authenticate(r.Context(), r)
		if err != nil {
			body := map[string]any{"error": "invalid_token"}
			if errors.Is(err, ErrUnauthenticated) {
				body["error"] = "unauthorized"
			}
			writeJSON(w, http.StatusUnauthorized, body)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"subject": identity.Subject,
			"email":   identity.Email,
			"roles":   identity.Roles,
		})
	}
}

func (s *OIDCService) writeCookie(w http.ResponseWriter, name, value string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = loginStateTTL
	}
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		Secure:   s.cfg.SessionCookieSecure,
		SameSite: sameSiteFromConfig(s.cfg.SessionCookieSameSite),
	})
}

func (s *OIDCService) expireCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.cfg.SessionCookieSecure,
		SameSite: sameSiteFromConfig(s.cfg.SessionCookieSameSite),
	})
}

func bearerToken(r *http.Request) string {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, token, ok := strings.Cut(authz, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func cookieValue(r *http.Request, name string) string {
	cookie, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(cookie.Value)
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func codeChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// sanitizeReturnTo keeps post-login redirects on this host. Anything
// absolute, protocol-relative, or otherwise odd collapses to "/".
func sanitizeReturnTo(raw string) string {
	if raw == "" {
		return "/"
	}
	u, err := url.Parse(raw)
	if err != nil || u.IsAbs() {
		return "/"
	}
	if !strings.HasPrefix(u.Path, "/") || strings.HasPrefix(u.Path, "//") {
		return "/"
	}
	return u.Path
}

func sameSiteFromConfig(raw string) http.SameSite {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteLaxMode
	}
}

func claimString(claims map[string]any, key string) string {
	s, _ := claims[key].(string)
	return s
}

func claimRoles(claims map[string]any, key string) []string {
	normalize := func(items []string) []string {
		out := make([]string, 0, len(items))
		for _, item := range items {
			item = strings.ToLower(strings.TrimSpace(item))
			if item != "" {
				out = append(out, item)
			}
		}
		return out
	}

	switch typed := claims[key].(type) {
	case []any:
		items := make([]string, 0, len(typed))
		for _, item := range typed {
			if s, ok := item.(string); ok {
				items = append(items, s)
			}
		}
		return normalize(items)
	case []string:
		return normalize(typed)
	case string:
		return parseCSV(typed)
	default:
		return nil
	}
}
