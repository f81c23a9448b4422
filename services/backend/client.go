// Package backendsvc talks to the catalog backend: resource listing, tenant state, grants and revokes.
package backendsvc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"github.com/tidwall/gjson"

	"github.com/trezcool/masomo-availability/core"
	"github.com/trezcool/masomo-availability/core/catalog"
	"github.com/trezcool/masomo-availability/core/mutation"
)

const maxBodySize = 10 << 20

type Option func(*Client)

// WithRetryWait sets the backoff bounds between retries.
func WithRetryWait(min, max time.Duration) Option {
	return func(c *Client) {
		for _, rc := range []*retryablehttp.Client{c.read, c.write} {
			rc.RetryWaitMin = min
			rc.RetryWaitMax = max
		}
	}
}

// Client reads with retries (loadRetryMax) and writes with their own, usually zero, retry budget (mutationRetryMax).
type Client struct {
	baseURL string
	token   string
	logger  core.Logger
	read    *retryablehttp.Client
	write   *retryablehttp.Client
}

var (
	_ catalog.Source   = (*Client)(nil)
	_ mutation.Backend = (*Client)(nil)
)

func NewClient(conf core.BackendConfig, logger core.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL: conf.BaseURL,
		token:   conf.Token,
		logger:  logger,
	}
	c.read = c.newRetryable(conf.LoadRetryMax, conf.Timeout)
	c.write = c.newRetryable(conf.MutationRetryMax, conf.Timeout)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) newRetryable(retryMax int, timeout time.Duration) *retryablehttp.Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = retryMax
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.Logger = nil
	rc.HTTPClient.Timeout = timeout
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		if attempt > 0 {
			c.logger.Warn("backend: retrying request", map[string]interface{}{
				"method": req.Method, "path": req.URL.Path, "attempt": attempt,
			})
		}
	}
	return rc
}

func (c *Client) do(ctx context.Context, rc *retryablehttp.Client, method, path string, payload interface{}) ([]byte, error) {
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return nil, errors.Wrap(err, "encoding payload")
		}
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, errors.Wrap(err, "building request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	res, err := rc.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", method, path)
	}
	defer func() { _ = res.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(res.Body, maxBodySize))
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s %s", method, path)
	}
	if err = checkStatus(res.StatusCode, data); err != nil {
		return nil, errors.Wrapf(err, "%s %s", method, path)
	}
	if !gjson.ValidBytes(data) {
		return nil, errors.Errorf("%s %s: malformed JSON response", method, path)
	}
	return data, nil
}

// checkStatus maps the HTTP status to the mutation error taxonomy.
func checkStatus(code int, body []byte) error {
	if code >= http.StatusOK && code < http.StatusMultipleChoices {
		return nil
	}
	msg := gjson.GetBytes(body, "error").String()
	if msg == "" {
		msg = http.StatusText(code)
	}
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return errors.Wrapf(mutation.ErrPermissionDenied, "%d %s", code, msg)
	case http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity:
		return errors.Wrapf(mutation.ErrInvalid, "%d %s", code, msg)
	default:
		return errors.Errorf("%d %s", code, msg)
	}
}

// FetchResources lists every resource an admin may see.
func (c *Client) FetchResources(ctx context.Context) ([]catalog.ResourceRecord, error) {
	data, err := c.do(ctx, c.read, http.MethodGet, "/resources?scope=admin_all", nil)
	if err != nil {
		return nil, err
	}
	list := gjson.GetBytes(data, "resources")
	if !list.IsArray() {
		return nil, errors.New("GET /resources: missing resources list")
	}

	items := list.Array()
	records := make([]catalog.ResourceRecord, 0, len(items))
	for _, item := range items {
		rec := catalog.ResourceRecord{
			ID:          item.Get("id").String(),
			Title:       item.Get("title").String(),
			Description: item.Get("description").String(),
		}
		if owner := item.Get("ownerTenantId"); owner.Exists() && owner.Type != gjson.Null {
			s := owner.String()
			rec.OwnerTenantID = &s
		}
		records = append(records, rec)
	}
	return records, nil
}

// FetchTenant returns the policy mode and the granted resources of a tenant.
func (c *Client) FetchTenant(ctx context.Context, tenantID string) (catalog.TenantRecord, error) {
	data, err := c.do(ctx, c.read, http.MethodGet, "/tenants/"+url.PathEscape(tenantID), nil)
	if err != nil {
		return catalog.TenantRecord{}, err
	}
	rec := catalog.TenantRecord{
		ID:         tenantID,
		PolicyMode: gjson.GetBytes(data, "policyMode").String(),
	}
	if id := gjson.GetBytes(data, "id").String(); id != "" {
		rec.ID = id
	}
	for _, id := range gjson.GetBytes(data, "grantedResourceIds").Array() {
		rec.GrantedResourceIDs = append(rec.GrantedResourceIDs, id.String())
	}
	return rec, nil
}

func (c *Client) Grant(ctx context.Context, tenantID, resourceID string) error {
	return c.mutate(ctx, tenantID, resourceID, mutation.Grant)
}

func (c *Client) Revoke(ctx context.Context, tenantID, resourceID string) error {
	return c.mutate(ctx, tenantID, resourceID, mutation.Revoke)
}

type mutateRequest struct {
	ResourceID string `json:"resourceId"`
}

func (c *Client) mutate(ctx context.Context, tenantID, resourceID string, action mutation.Action) error {
	path := fmt.Sprintf("/tenants/%s/resources/%s", url.PathEscape(tenantID), action)
	data, err := c.do(ctx, c.write, http.MethodPost, path, mutateRequest{ResourceID: resourceID})
	if err != nil {
		return err
	}
	if !gjson.GetBytes(data, "success").Bool() {
		msg := gjson.GetBytes(data, "error").String()
		return errors.Wrapf(mutation.ErrRejected, "%s %s %s", action, resourceID, msg)
	}
	return nil
}

// Ping checks the backend answers at all.
func (c *Client) Ping(ctx context.Context) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", bytes.NewReader(nil))
	if err != nil {
		return errors.Wrap(err, "building request")
	}
	res, err := c.read.Do(req)
	if err != nil {
		return errors.Wrap(err, "pinging backend")
	}
	_ = res.Body.Close()
	if res.StatusCode >= http.StatusInternalServerError {
		return errors.Errorf("pinging backend: %s", res.Status)
	}
	return nil
}
