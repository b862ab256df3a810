package ingest

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"

	"github.com/facetql/facetql/apperr"
)

// authenticator applies one auth flow to outgoing requests. OAuth2 tokens
// are fetched once and cached for the lifetime of the run.
type authenticator struct {
	cfg   *AuthConfig
	token string
}

func newAuthenticator(cfg *AuthConfig) *authenticator {
	return &authenticator{cfg: cfg}
}

func (a *authenticator) apply(ctx context.Context, req *http.Request, client *http.Client, vals map[string]string) error {
	if a.cfg == nil {
		return nil
	}
	switch strings.ToLower(a.cfg.Type) {
	case "", "none":
		return nil
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+ExpandTemplate(a.cfg.Token, vals))
		return nil
	case "apikey", "api-key", "api_key":
		key := a.cfg.Key
		if key == "" {
			key = "X-Api-Key"
		}
		value := ExpandTemplate(a.cfg.Value, vals)
		if strings.EqualFold(a.cfg.In, "query") {
			q := req.URL.Query()
			q.Set(key, value)
			req.URL.RawQuery = q.Encode()
		} else {
			req.Header.Set(key, value)
		}
		return nil
	case "basic":
		req.SetBasicAuth(ExpandTemplate(a.cfg.Username, vals), ExpandTemplate(a.cfg.Password, vals))
		return nil
	case "oauth2":
		token, err := a.clientCredentialsToken(ctx, client, vals)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		return nil
	default:
		return apperr.New(apperr.BadRequest, "unknown auth type %q", a.cfg.Type)
	}
}

func (a *authenticator) clientCredentialsToken(ctx context.Context, client *http.Client, vals map[string]string) (string, error) {
	if a.token != "" {
		return a.token, nil
	}
	if a.cfg.TokenURL == "" {
		return "", apperr.New(apperr.BadRequest, "oauth2 auth requires a tokenUrl")
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", ExpandTemplate(a.cfg.ClientID, vals))
	form.Set("client_secret", ExpandTemplate(a.cfg.ClientSecret, vals))
	if a.cfg.Scopes != "" {
		form.Set("scope", a.cfg.Scopes)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.TokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", errors.Wrap(err, "building token request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := client.Do(req)
	if err != nil {
		return "", apperr.Wrap(err, apperr.BadGateway, "fetching oauth2 token")
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", apperr.Wrap(err, apperr.BadGateway, "reading oauth2 token response")
	}
	if resp.StatusCode >= 400 {
		return "", apperr.New(apperr.BadGateway, "oauth2 token endpoint returned %d", resp.StatusCode)
	}

	token := gjson.GetBytes(body, "access_token").String()
	if token == "" {
		return "", apperr.New(apperr.BadGateway, "oauth2 token response carries no access_token")
	}
	a.token = token
	return token, nil
}
