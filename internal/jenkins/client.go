package jenkins

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// BuildStatus is the black-box view of one Jenkins build. The build is
// terminal once Result is present and Building is false.
type BuildStatus struct {
	Building bool
	Result   string // SUCCESS, FAILURE, ABORTED, ... empty while running
	Duration time.Duration
}

// Client is the consumed contract of a Jenkins server: list jobs,
// trigger one, resolve queue item -> build number, fetch build state
// and console log. Nothing else of Jenkins is this system's business.
type Client interface {
	Jobs(ctx context.Context) ([]string, error)
	Trigger(ctx context.Context, job string, params map[string]string) (queueID int64, queueURL string, err error)
	// QueueItem reports pending=true while the item has no build number.
	QueueItem(ctx context.Context, queueID int64) (buildNumber int64, pending bool, err error)
	Build(ctx context.Context, job string, number int64) (BuildStatus, error)
	ConsoleLog(ctx context.Context, job string, number int64) (string, error)
}

// HTTPClient talks to the Jenkins JSON API with basic auth (username +
// API token).
type HTTPClient struct {
	BaseURL  string
	Username string
	APIToken string
	HC       *http.Client
}

func NewHTTPClient(baseURL, username, apiToken string) *HTTPClient {
	return &HTTPClient{
		BaseURL:  strings.TrimSuffix(baseURL, "/"),
		Username: username,
		APIToken: apiToken,
		HC:       &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *HTTPClient) Jobs(ctx context.Context) ([]string, error) {
	var payload struct {
		Jobs []struct {
			Name string `json:"name"`
		} `json:"jobs"`
	}
	if err := c.getJSON(ctx, "/api/json?tree=jobs[name]", &payload); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(payload.Jobs))
	for _, j := range payload.Jobs {
		names = append(names, j.Name)
	}
	return names, nil
}

func (c *HTTPClient) Trigger(ctx context.Context, job string, params map[string]string) (int64, string, error) {
	endpoint := c.BaseURL + "/job/" + url.PathEscape(job) + "/build"
	body := ""
	if len(params) > 0 {
		endpoint = c.BaseURL + "/job/" + url.PathEscape(job) + "/buildWithParameters"
		form := url.Values{}
		for k, v := range params {
			form.Set(k, v)
		}
		body = form.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(body))
	if err != nil {
		return 0, "", err
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	c.auth(req)

	resp, err := c.HC.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("trigger %s: %w", job, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return 0, "", fmt.Errorf("trigger %s: unexpected status %s", job, resp.Status)
	}

	// Jenkins answers with the queue item in the Location header:
	// https://jenkins/queue/item/123/
	loc := resp.Header.Get("Location")
	id, err := queueIDFromLocation(loc)
	if err != nil {
		return 0, "", fmt.Errorf("trigger %s: %w", job, err)
	}
	return id, loc, nil
}

func (c *HTTPClient) QueueItem(ctx context.Context, queueID int64) (int64, bool, error) {
	var payload struct {
		Cancelled  bool `json:"cancelled"`
		Executable *struct {
			Number int64 `json:"number"`
		} `json:"executable"`
	}
	path := fmt.Sprintf("/queue/item/%d/api/json", queueID)
	if err := c.getJSON(ctx, path, &payload); err != nil {
		return 0, false, err
	}
	if payload.Cancelled {
		return 0, false, fmt.Errorf("queue item %d was cancelled", queueID)
	}
	if payload.Executable == nil {
		return 0, true, nil
	}
	return payload.Executable.Number, false, nil
}

func (c *HTTPClient) Build(ctx context.Context, job string, number int64) (BuildStatus, error) {
	var payload struct {
		Building bool   `json:"building"`
		Result   string `json:"result"`
		Duration int64  `json:"duration"` // milliseconds
	}
	path := fmt.Sprintf("/job/%s/%d/api/json", url.PathEscape(job), number)
	if err := c.getJSON(ctx, path, &payload); err != nil {
		return BuildStatus{}, err
	}
	return BuildStatus{
		Building: payload.Building,
		Result:   payload.Result,
		Duration: time.Duration(payload.Duration) * time.Millisecond,
	}, nil
}

func (c *HTTPClient) ConsoleLog(ctx context.Context, job string, number int64) (string, error) {
	path := fmt.Sprintf("/job/%s/%d/consoleText", url.PathEscape(job), number)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return "", err
	}
	c.auth(req)

	resp, err := c.HC.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("console log %s#%d: unexpected status %s", job, number, resp.Status)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func (c *HTTPClient) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	c.auth(req)

	resp, err := c.HC.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: unexpected status %s", path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *HTTPClient) auth(req *http.Request) {
	if c.Username != "" {
		req.SetBasicAuth(c.Username, c.APIToken)
	}
}

func queueIDFromLocation(loc string) (int64, error) {
	trimmed := strings.TrimSuffix(loc, "/")
	i := strings.LastIndexByte(trimmed, '/')
	if loc == "" || i < 0 {
		return 0, fmt.Errorf("no queue item in location %q", loc)
	}
	id, err := strconv.ParseInt(trimmed[i+1:], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad queue item in location %q", loc)
	}
	return id, nil
}
