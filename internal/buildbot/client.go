package buildbot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"go.uber.org/zap"

	"github.com/simplesurance/buildconfd/internal/logfields"
)

const loggerName = "buildbot"

const changeHookPath = "/change_hook/base"

const (
	defaultRetryAttempts  = 5
	defaultRetryDelay     = time.Second
	defaultRetryMaxDelay  = time.Minute
	defaultRetryMaxJitter = time.Second
	defaultTimeout        = 30 * time.Second
)

// ErrorHTTPRequest is returned when Buildbot responds with an unexpected
// status code.
type ErrorHTTPRequest struct {
	Body   []byte
	Status int
}

func (e *ErrorHTTPRequest) Error() string {
	return fmt.Sprintf("http request failed with StatusCode: %d, response: %q", e.Status, string(e.Body))
}

func (e *ErrorHTTPRequest) retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// Client submits changes to the base change hook of a Buildbot master.
type Client struct {
	url        string
	clt        *http.Client
	user       string
	password   string
	logger     *zap.Logger
	attempts   uint
	retryDelay time.Duration
}

type Option func(*Client)

// WithAuth defines user and password that is used for Basic Auth.
func WithAuth(user, password string) Option {
	return func(c *Client) {
		c.user = user
		c.password = password
	}
}

// WithRetry configures how often a failed request is sent and the
// initial delay between attempts.
func WithRetry(attempts uint, delay time.Duration) Option {
	return func(c *Client) {
		c.attempts = attempts
		c.retryDelay = delay
	}
}

// NewClient returns a client for the Buildbot master listening on
// host:port.
func NewClient(host string, port int, opts ...Option) *Client {
	return NewClientWithURL(
		"http://"+net.JoinHostPort(host, strconv.Itoa(port))+changeHookPath,
		opts...,
	)
}

// NewClientWithURL returns a client that submits changes to the change
// hook at hookURL.
func NewClientWithURL(hookURL string, opts ...Option) *Client {
	c := Client{
		url:        hookURL,
		clt:        &http.Client{Timeout: defaultTimeout},
		logger:     zap.L().Named(loggerName),
		attempts:   defaultRetryAttempts,
		retryDelay: defaultRetryDelay,
	}

	for _, o := range opts {
		o(&c)
	}

	return &c
}

func (c *Client) String() string {
	return "buildbot change hook " + c.url
}

func encodeChange(ch *Change) (url.Values, error) {
	props := map[string]string{"source_branch": ch.SourceBranch}
	if ch.SourceProjectID != "" {
		props["source_project_id"] = ch.SourceProjectID
	}

	propsJSON, err := json.Marshal(props)
	if err != nil {
		return nil, fmt.Errorf("encoding properties failed: %w", err)
	}

	when := ch.When
	if when.IsZero() {
		when = time.Now()
	}

	form := url.Values{}
	form.Set("author", ch.Author)
	form.Set("branch", ch.Branch)
	form.Set("category", string(ch.Category))
	form.Set("repository", ch.Repository)
	form.Set("revision", ch.Revision)
	form.Set("revlink", ch.Revlink)
	form.Set("when_timestamp", strconv.FormatInt(when.Unix(), 10))
	form.Set("project", ch.Project)
	form.Set("properties", string(propsJSON))
	if ch.Comments != "" {
		form.Set("comments", ch.Comments)
	}

	return form, nil
}

// Notify submits the change.
// Transport errors and responses with status 429 or 5xx are retried with
// exponential backoff.
// It returns an ErrorHTTPRequest if Buildbot responded with a non-2xx
// status code.
func (c *Client) Notify(ctx context.Context, ch *Change) error {
	logger := c.logger.With(ch.LogFields()...)

	form, err := encodeChange(ch)
	if err != nil {
		return err
	}
	body := form.Encode()

	var lastErr error
	err = retry.Do(
		func() error {
			lastErr = c.post(ctx, body)
			if lastErr != nil {
				logger.Info(
					"sending change to buildbot failed",
					logfields.Event("buildbot_notification_failed"),
					zap.Error(lastErr),
				)
			}
			return lastErr
		},
		retry.Context(ctx),
		retry.Attempts(c.attempts),
		retry.Delay(c.retryDelay),
		retry.MaxDelay(defaultRetryMaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.MaxJitter(defaultRetryMaxJitter),
		retry.RetryIf(func(err error) bool {
			var httpErr *ErrorHTTPRequest
			if errors.As(err, &httpErr) {
				return httpErr.retryable()
			}
			return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
		}),
	)
	if err != nil {
		if lastErr != nil {
			return lastErr
		}
		return err
	}

	logger.Info("sent change to buildbot", logfields.Event("buildbot_notification_sent"))

	return nil
}

func (c *Client) post(ctx context.Context, body string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, strings.NewReader(body))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if c.user != "" || c.password != "" {
		req.SetBasicAuth(c.user, c.password)
	}

	resp, err := c.clt.Do(req)
	if err != nil {
		return err
	}

	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.logger.Warn(
			"reading http response body failed",
			logfields.Event("buildbot_reading_response_body_failed"),
			zap.Int("http_response_code", resp.StatusCode),
		)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &ErrorHTTPRequest{
			Body:   respBody,
			Status: resp.StatusCode,
		}
	}

	return nil
}
