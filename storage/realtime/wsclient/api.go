package wsclient

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/unihub/core"
	"github.com/trezcool/unihub/core/portal"
)

// API is a portal.DataSource over the REST API, authenticated with the same token as the gateway.
type API struct {
	baseURL string
	token   string
	http    *http.Client
}

var _ portal.DataSource = (*API)(nil)

func NewAPI(baseURL, token string) *API {
	return &API{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

func (api *API) Profile(ctx context.Context, id string) (portal.Profile, error) {
	var p portal.Profile
	err := api.do(ctx, http.MethodGet, "/v1/profiles/"+url.PathEscape(id), nil, &p, portal.ErrProfileNotFound)
	return p, err
}

func (api *API) GetChannel(ctx context.Context, id string) (portal.Channel, error) {
	var ch portal.Channel
	err := api.do(ctx, http.MethodGet, "/v1/channels/"+url.PathEscape(id), nil, &ch, portal.ErrChannelNotFound)
	return ch, err
}

func (api *API) Messages(ctx context.Context, channelID string) ([]portal.Message, error) {
	var msgs []portal.Message
	err := api.do(ctx, http.MethodGet, "/v1/channels/"+url.PathEscape(channelID)+"/messages", nil, &msgs, portal.ErrChannelNotFound)
	return msgs, err
}

func (api *API) Members(ctx context.Context, channelID string) ([]portal.Member, error) {
	var members []portal.Member
	err := api.do(ctx, http.MethodGet, "/v1/channels/"+url.PathEscape(channelID)+"/members", nil, &members, portal.ErrChannelNotFound)
	return members, err
}

// PostMessage posts as the token's user; sess only guards against signed-out use.
func (api *API) PostMessage(ctx context.Context, sess portal.Session, channelID, content string) (portal.Message, error) {
	if err := sess.Valid(); err != nil {
		return portal.Message{}, err
	}
	var msg portal.Message
	body := portal.NewMessage{Content: content}
	err := api.do(ctx, http.MethodPost, "/v1/channels/"+url.PathEscape(channelID)+"/messages", body, &msg, portal.ErrChannelNotFound)
	return msg, err
}

func (api *API) do(ctx context.Context, method, path string, in, out interface{}, notFound error) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "encoding request")
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, api.baseURL+path, body)
	if err != nil {
		return errors.Wrap(err, "building request")
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if api.token != "" {
		req.Header.Set("Authorization", "Bearer "+api.token)
	}

	resp, err := api.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		return responseError(resp, notFound)
	}
	if out == nil {
		return nil
	}
	if err = json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "decoding %s %s", method, path)
	}
	return nil
}

// responseError maps an API error response back to the domain errors.
// Bodies are either {"error": msg} or {field: msg, ...}.
func responseError(resp *http.Response, notFound error) error {
	var fields map[string]string
	_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&fields)
	msg, ok := fields["error"]
	if !ok {
		msg = resp.Status
	}

	switch resp.StatusCode {
	case http.StatusNotFound:
		return notFound
	case http.StatusUnauthorized:
		return errors.Wrap(portal.ErrNoSession, msg)
	case http.StatusForbidden:
		return portal.ErrForbidden
	case http.StatusConflict:
		return portal.ErrAlreadyMember
	case http.StatusBadRequest:
		if ok || len(fields) == 0 {
			return core.NewValidationError(errors.New(msg))
		}
		flds := make([]core.FieldError, 0, len(fields))
		for field, e := range fields {
			flds = append(flds, core.FieldError{Field: field, Error: e})
		}
		sort.Slice(flds, func(i, j int) bool { return flds[i].Field < flds[j].Field })
		return core.NewValidationError(nil, flds...)
	}
	return errors.Errorf("api error: %s", msg)
}
