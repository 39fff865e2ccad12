// Package remote implements the HTTP client for the remote calendar
// service's delta-query protocol: paged incremental change feeds plus plain
// CRUD on events. The gateway is provider-agnostic; it speaks the generic
// REST surface and maps transport failures onto the engine's error kinds.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/njoerd114/calrelay/internal/model"
	"github.com/njoerd114/calrelay/internal/sync"
)

const defaultHTTPTimeout = 30 * time.Second

// Gateway talks to the remote calendar service over HTTP. It satisfies
// [sync.RemoteGateway].
type Gateway struct {
	baseURL string
	creds   sync.CredentialProvider
	hc      *http.Client
	log     *slog.Logger
}

// New creates a Gateway for the service at baseURL. Credentials are fetched
// per request from creds so token rotation is picked up without restarts.
func New(baseURL string, creds sync.CredentialProvider, log *slog.Logger) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{
		baseURL: strings.TrimRight(baseURL, "/"),
		creds:   creds,
		hc:      &http.Client{Timeout: defaultHTTPTimeout},
		log:     log,
	}
}

// --- wire types --------------------------------------------------------------

type wireEvent struct {
	ID             string    `json:"id"`
	Subject        string    `json:"subject"`
	Description    string    `json:"description,omitempty"`
	Location       string    `json:"location,omitempty"`
	Start          time.Time `json:"start"`
	End            time.Time `json:"end"`
	Timezone       string    `json:"timezone,omitempty"`
	IsAllDay       bool      `json:"is_all_day,omitempty"`
	RecurrenceRule string    `json:"recurrence_rule,omitempty"`
	CreatedAt      time.Time `json:"created_at,omitempty"`
	LastModified   time.Time `json:"last_modified,omitempty"`
	VersionTag     string    `json:"version_tag,omitempty"`
	Removed        bool      `json:"removed,omitempty"`
}

type deltaResponse struct {
	Events        []wireEvent `json:"events"`
	NextPageToken string      `json:"next_page_token,omitempty"`
	DeltaToken    string      `json:"delta_token,omitempty"`
}

type createResponse struct {
	ID         string `json:"id"`
	VersionTag string `json:"version_tag"`
}

type updateResponse struct {
	VersionTag string `json:"version_tag"`
}

func toRemoteEvent(w wireEvent) model.RemoteEvent {
	return model.RemoteEvent{
		ID:             w.ID,
		Subject:        w.Subject,
		Description:    w.Description,
		Location:       w.Location,
		Start:          w.Start,
		End:            w.End,
		Timezone:       w.Timezone,
		IsAllDay:       w.IsAllDay,
		RecurrenceRule: w.RecurrenceRule,
		CreatedAt:      w.CreatedAt,
		LastModified:   w.LastModified,
		VersionTag:     w.VersionTag,
		Removed:        w.Removed,
	}
}

func toWireEvent(ev *model.CalendarEvent) wireEvent {
	return wireEvent{
		ID:             ev.RemoteID,
		Subject:        ev.Subject,
		Description:    ev.Description,
		Location:       ev.Location,
		Start:          ev.Start,
		End:            ev.End,
		Timezone:       ev.Timezone,
		IsAllDay:       ev.IsAllDay,
		RecurrenceRule: ev.RecurrenceRule,
		LastModified:   ev.LastModified,
		VersionTag:     ev.RemoteVersionTag,
	}
}

// --- sync.RemoteGateway ------------------------------------------------------

// FetchDeltaPage fetches one page of the delta feed. An empty token starts a
// full enumeration.
func (g *Gateway) FetchDeltaPage(ctx context.Context, userID, calendarID, token string) (*sync.DeltaPage, error) {
	endpoint := g.calendarURL(userID, calendarID) + "/events/delta"
	if token != "" {
		endpoint += "?token=" + url.QueryEscape(token)
	}

	var dr deltaResponse
	if err := g.do(ctx, http.MethodGet, endpoint, userID, nil, &dr); err != nil {
		return nil, err
	}

	page := &sync.DeltaPage{
		NextPageToken:     dr.NextPageToken,
		ContinuationToken: dr.DeltaToken,
	}
	for _, w := range dr.Events {
		page.Events = append(page.Events, toRemoteEvent(w))
	}
	return page, nil
}

// CreateEvent creates the event remotely and returns the assigned identity
// and version tag.
func (g *Gateway) CreateEvent(ctx context.Context, userID string, ev *model.CalendarEvent) (string, string, error) {
	endpoint := g.calendarURL(userID, ev.CalendarID) + "/events"
	body := toWireEvent(ev)
	body.ID = ""

	var cr createResponse
	if err := g.do(ctx, http.MethodPost, endpoint, userID, body, &cr); err != nil {
		return "", "", err
	}
	return cr.ID, cr.VersionTag, nil
}

// UpdateEvent replaces the remote copy of the event and returns the new
// version tag.
func (g *Gateway) UpdateEvent(ctx context.Context, userID string, ev *model.CalendarEvent) (string, error) {
	endpoint := g.calendarURL(userID, ev.CalendarID) + "/events/" + url.PathEscape(ev.RemoteID)

	var ur updateResponse
	if err := g.do(ctx, http.MethodPut, endpoint, userID, toWireEvent(ev), &ur); err != nil {
		return "", err
	}
	return ur.VersionTag, nil
}

// DeleteEvent removes the event from the remote calendar. A 404 is treated
// as success: the event is already gone.
func (g *Gateway) DeleteEvent(ctx context.Context, userID, calendarID, remoteID string) error {
	endpoint := g.calendarURL(userID, calendarID) + "/events/" + url.PathEscape(remoteID)

	err := g.do(ctx, http.MethodDelete, endpoint, userID, nil, nil)
	if sync.IsKind(err, sync.KindNotFound) {
		return nil
	}
	return err
}

// ListCalendars returns the calendars visible to the user.
func (g *Gateway) ListCalendars(ctx context.Context, userID string) ([]sync.Calendar, error) {
	endpoint := fmt.Sprintf("%s/users/%s/calendars", g.baseURL, url.PathEscape(userID))

	var calendars []sync.Calendar
	if err := g.do(ctx, http.MethodGet, endpoint, userID, nil, &calendars); err != nil {
		return nil, err
	}
	return calendars, nil
}

// --- transport ---------------------------------------------------------------

func (g *Gateway) calendarURL(userID, calendarID string) string {
	if calendarID == "" {
		calendarID = "default"
	}
	return fmt.Sprintf("%s/users/%s/calendars/%s",
		g.baseURL, url.PathEscape(userID), url.PathEscape(calendarID))
}

// do performs one authenticated request, decoding the response into out when
// out is non-nil. Non-2xx statuses are mapped onto error kinds.
func (g *Gateway) do(ctx context.Context, method, endpoint, userID string, in, out any) error {
	token, err := g.creds.AccessToken(ctx, userID)
	if err != nil {
		return sync.WrapErr(sync.KindNotAuthenticated, "remote.do", err)
	}

	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.hc.Do(req)
	if err != nil {
		return sync.WrapErr(sync.KindTransient, "remote.do", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return g.statusError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response body: %w", err)
	}
	return nil
}

// statusError maps a non-2xx response onto an engine error kind. The body is
// read (best effort) for the service's error message.
func (g *Gateway) statusError(resp *http.Response) error {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&payload)
	msg := payload.Message
	if msg == "" {
		msg = payload.Error
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	kind := kindForStatus(resp.StatusCode)
	g.log.Debug("remote request failed",
		"status", resp.StatusCode,
		"kind", string(kind),
		"message", msg,
	)
	return sync.Errorf(kind, "remote.do", "remote service returned %d: %s", resp.StatusCode, msg)
}

func kindForStatus(status int) sync.Kind {
	switch {
	case status == http.StatusGone:
		// The service expires delta tokens with 410.
		return sync.KindTokenInvalid
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return sync.KindNotAuthenticated
	case status == http.StatusNotFound:
		return sync.KindNotFound
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return sync.KindValidation
	case status == http.StatusTooManyRequests || status >= 500:
		return sync.KindTransient
	default:
		return sync.KindTransient
	}
}

// --- credentials -------------------------------------------------------------

// StaticCredentials is a CredentialProvider backed by a fixed token, used for
// single-user deployments configured via the config file.
type StaticCredentials struct {
	Token string
}

// AccessToken returns the configured token, or a NotAuthenticated error when
// none is configured.
func (s StaticCredentials) AccessToken(_ context.Context, _ string) (string, error) {
	if s.Token == "" {
		return "", sync.Errorf(sync.KindNotAuthenticated, "remote.AccessToken", "no access token configured")
	}
	return s.Token, nil
}

// IsValid reports whether a token is configured.
func (s StaticCredentials) IsValid(_ context.Context, _ string) bool {
	return s.Token != ""
}
