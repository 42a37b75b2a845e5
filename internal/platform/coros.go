package platform

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/fitsync/fitsync/internal/activity"
)

// DefaultCorosBaseURL is the COROS China training-hub API endpoint.
const DefaultCorosBaseURL = "https://teamcnapi.coros.com"

const corosPageSize = 50

// corosSportTypes maps COROS numeric sport codes to normalized types.
var corosSportTypes = map[int]activity.Type{
	100: activity.Running,
	101: activity.IndoorRun,
	102: activity.TrailRunning,
	103: activity.Hiking,
	104: activity.Mountaineering,
	105: activity.Walking,
	200: activity.Cycling,
	300: activity.Swimming,
}

// CorosClient talks to the COROS CN JSON API directly; there is no Go SDK
// for COROS, so the adapter owns its transport.
type CorosClient struct {
	accountID string
	baseURL   string
	email     string
	password  string
	http      *http.Client
	token     string
	rateLimit time.Duration
	log       *zap.Logger
}

// NewCorosClient builds an adapter for one COROS CN account. baseURL is
// overridable for tests; empty means DefaultCorosBaseURL.
func NewCorosClient(accountID, email, password, baseURL string, rateLimit time.Duration, log *zap.Logger) *CorosClient {
	if baseURL == "" {
		baseURL = DefaultCorosBaseURL
	}
	return &CorosClient{
		accountID: accountID,
		baseURL:   baseURL,
		email:     email,
		password:  password,
		http:      &http.Client{Timeout: 30 * time.Second},
		rateLimit: rateLimit,
		log:       log.With(zap.String("account", accountID)),
	}
}

func (c *CorosClient) Kind() Kind { return CorosCN }

type corosEnvelope struct {
	Result  string          `json:"result"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Authenticate logs in with the MD5-hashed password the COROS API expects
// and keeps the returned access token for subsequent calls.
func (c *CorosClient) Authenticate(ctx context.Context) (Session, error) {
	sum := md5.Sum([]byte(c.password))
	body := map[string]any{
		"account":     c.email,
		"accountType": 2,
		"pwd":         hex.EncodeToString(sum[:]),
	}

	var data struct {
		AccessToken string `json:"accessToken"`
	}
	if err := c.postJSON(ctx, "/account/login", body, &data); err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	if data.AccessToken == "" {
		return Session{}, fmt.Errorf("%w: login response carried no token", ErrAuthenticationFailed)
	}

	c.token = data.AccessToken
	now := time.Now().UTC()
	c.log.Debug("coros session established")
	return Session{
		AccountID: c.accountID,
		IssuedAt:  now,
		ExpiresAt: now.Add(24 * time.Hour),
		Payload:   data.AccessToken,
	}, nil
}

// RestoreSession reuses a previously issued access token, skipping a login.
func (c *CorosClient) RestoreSession(s Session) {
	c.token = s.Payload
}

type corosActivity struct {
	LabelID   string  `json:"labelId"`
	StartTime int64   `json:"startTime"` // unix seconds
	TotalTime int     `json:"totalTime"` // seconds
	Distance  float64 `json:"distance"`  // meters
	SportType int     `json:"sportType"`
}

// ListActivities pages the activity query endpoint newest first.
func (c *CorosClient) ListActivities(ctx context.Context, since time.Time, filter Filter) ([]activity.Summary, error) {
	var out []activity.Summary

	for page := 1; ; page++ {
		if err := c.pause(ctx); err != nil {
			return nil, err
		}

		var data struct {
			DataList []corosActivity `json:"dataList"`
			Count    int             `json:"count"`
		}
		path := fmt.Sprintf("/activity/query?size=%d&pageNumber=%d", corosPageSize, page)
		err := withRetry(ctx, defaultMaxAttempts, c.rateLimit, func() error {
			return c.getJSON(ctx, path, &data)
		})
		if err != nil {
			return nil, err
		}

		done := false
		for _, ca := range data.DataList {
			sum := c.toSummary(ca)
			if !since.IsZero() && sum.StartTime.Before(since) {
				done = true
				break
			}
			if !filter.MatchesType(sum.Type) || !filter.InRange(sum.StartTime) {
				continue
			}
			out = append(out, sum)
			if filter.Limit > 0 && len(out) >= filter.Limit {
				done = true
				break
			}
		}
		if done || len(data.DataList) < corosPageSize {
			break
		}
	}

	return out, nil
}

// FetchActivity asks for a FIT export URL, then downloads it.
func (c *CorosClient) FetchActivity(ctx context.Context, remoteID string) ([]byte, error) {
	if err := c.pause(ctx); err != nil {
		return nil, err
	}

	var data struct {
		FileURL string `json:"fileUrl"`
	}
	body := map[string]any{"labelId": remoteID, "fileType": "fit"}
	err := withRetry(ctx, defaultMaxAttempts, c.rateLimit, func() error {
		return c.postJSON(ctx, "/activity/detail/download", body, &data)
	})
	if err != nil {
		return nil, err
	}
	if data.FileURL == "" {
		return nil, fmt.Errorf("%w: no export URL for activity %s", ErrNotFound, remoteID)
	}

	var payload []byte
	err = withRetry(ctx, defaultMaxAttempts, c.rateLimit, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, data.FileURL, nil)
		if err != nil {
			return err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrNetwork, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return c.statusError(resp.StatusCode, "downloading export")
		}
		payload, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrNetwork, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// UploadActivity imports a FIT binary via the multipart import endpoint.
func (c *CorosClient) UploadActivity(ctx context.Context, data []byte) (string, error) {
	if err := c.pause(ctx); err != nil {
		return "", err
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "activity.fit")
	if err != nil {
		return "", err
	}
	if _, err := part.Write(data); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/activity/fit/import", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("accessToken", c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusUnauthorized && resp.StatusCode != http.StatusTooManyRequests {
			return "", fmt.Errorf("%w: status %d", ErrUploadRejected, resp.StatusCode)
		}
		return "", c.statusError(resp.StatusCode, "importing activity")
	}

	var env corosEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return "", fmt.Errorf("%w: decoding import response: %v", ErrNetwork, err)
	}
	if env.Result != "0000" {
		return "", fmt.Errorf("%w: %s", ErrUploadRejected, env.Message)
	}
	var out struct {
		LabelID string `json:"labelId"`
	}
	if err := json.Unmarshal(env.Data, &out); err != nil || out.LabelID == "" {
		return "", fmt.Errorf("%w: import response carried no label id", ErrUploadRejected)
	}
	return out.LabelID, nil
}

// DeleteActivity removes an activity by label ID.
func (c *CorosClient) DeleteActivity(ctx context.Context, remoteID string) error {
	if err := c.pause(ctx); err != nil {
		return err
	}
	body := map[string]any{"labelIdList": []string{remoteID}}
	return withRetry(ctx, defaultMaxAttempts, c.rateLimit, func() error {
		return c.postJSON(ctx, "/activity/delete", body, nil)
	})
}

func (c *CorosClient) toSummary(ca corosActivity) activity.Summary {
	t, ok := corosSportTypes[ca.SportType]
	if !ok {
		t = activity.ParseType(strconv.Itoa(ca.SportType))
	}
	return activity.Summary{
		AccountID: c.accountID,
		RemoteID:  ca.LabelID,
		StartTime: time.Unix(ca.StartTime, 0).UTC(),
		Duration:  time.Duration(ca.TotalTime) * time.Second,
		Type:      t,
		Distance:  ca.Distance,
	}
}

func (c *CorosClient) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *CorosClient) postJSON(ctx context.Context, path string, body, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *CorosClient) do(req *http.Request, out any) error {
	if c.token != "" {
		req.Header.Set("accessToken", c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.statusError(resp.StatusCode, req.URL.Path)
	}

	var env corosEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("%w: decoding response: %v", ErrNetwork, err)
	}
	if env.Result != "0000" {
		return fmt.Errorf("coros api error %s: %s", env.Result, env.Message)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("%w: decoding response data: %v", ErrNetwork, err)
	}
	return nil
}

func (c *CorosClient) statusError(status int, what string) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: %s: status %d", ErrAuthenticationFailed, what, status)
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrRateLimited, what)
	default:
		return fmt.Errorf("%w: %s: status %d", ErrNetwork, what, status)
	}
}

// pause applies the per-account rate limit without blocking cancellation.
func (c *CorosClient) pause(ctx context.Context) error {
	if c.rateLimit <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(c.rateLimit):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
