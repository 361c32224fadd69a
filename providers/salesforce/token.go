package salesforce

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	gosync "sync"
	"time"

	goerrors "github.com/goliatone/go-errors"

	"github.com/edulure/go-relay/core"
	"github.com/edulure/go-relay/transport"
)

const tokenPath = "/services/oauth2/token"

// Session is an access token bound to the org instance that issued it.
type Session struct {
	AccessToken string
	InstanceURL string
	ExpiresAt   time.Time
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	InstanceURL string `json:"instance_url"`
	TokenType   string `json:"token_type"`
	IssuedAt    string `json:"issued_at"`
}

// passwordTokenSource obtains sessions with the OAuth username-password flow
// and caches them until shortly before TokenTTL elapses.
type passwordTokenSource struct {
	config    Config
	transport core.TransportAdapter
	now       func() time.Time

	mu      gosync.Mutex
	session *Session
}

func (s *passwordTokenSource) Session(ctx context.Context) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if s.session != nil && s.session.ExpiresAt.After(now.Add(s.config.RenewBefore)) {
		return *s.session, nil
	}
	session, err := s.issue(ctx, now)
	if err != nil {
		return Session{}, err
	}
	s.session = &session
	return session, nil
}

// Invalidate drops the cached session when it still carries token.
func (s *passwordTokenSource) Invalidate(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != nil && s.session.AccessToken == token {
		s.session = nil
	}
}

func (s *passwordTokenSource) issue(ctx context.Context, now time.Time) (Session, error) {
	form := url.Values{}
	form.Set("grant_type", "password")
	form.Set("client_id", s.config.ClientID)
	form.Set("client_secret", s.config.ClientSecret)
	form.Set("username", s.config.Username)
	form.Set("password", s.config.Password)

	res, err := s.transport.Do(ctx, core.TransportRequest{
		Method: http.MethodPost,
		URL:    s.config.LoginURL + tokenPath,
		Headers: map[string]string{
			"Content-Type": "application/x-www-form-urlencoded",
			"Accept":       "application/json",
		},
		Body:    []byte(form.Encode()),
		Timeout: s.config.Timeout,
	})
	if err != nil {
		return Session{}, err
	}
	if err := transport.StatusError("salesforce: token", res); err != nil {
		return Session{}, err
	}
	var token tokenResponse
	if err := json.Unmarshal(res.Body, &token); err != nil {
		return Session{}, core.WrapError(err, goerrors.CategoryExternal, core.ErrorExternalFailure, "salesforce: decode token response")
	}
	if strings.TrimSpace(token.AccessToken) == "" || strings.TrimSpace(token.InstanceURL) == "" {
		return Session{}, core.NewError("salesforce: token response missing access token or instance url", goerrors.CategoryAuth, core.ErrorUnauthorized)
	}
	return Session{
		AccessToken: token.AccessToken,
		InstanceURL: strings.TrimRight(token.InstanceURL, "/"),
		ExpiresAt:   now.Add(s.config.TokenTTL),
	}, nil
}
