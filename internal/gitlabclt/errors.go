package gitlabclt

import (
	"net/http"
	"strconv"
	"time"

	gl "gitlab.com/gitlab-org/api/client-go"
	"go.uber.org/zap"

	"github.com/simplesurance/buildconfd/internal/apierr"
	"github.com/simplesurance/buildconfd/internal/logfields"
)

const defaultRateLimitWait = time.Minute

// wrapErr classifies errors returned by the GitLab client by the status code
// of the response.
func (clt *Client) wrapErr(resp *gl.Response, err error) error {
	if err == nil {
		return nil
	}

	if resp == nil || resp.Response == nil {
		return apierr.ConnectionFailed(err)
	}

	switch code := resp.StatusCode; {
	case code == http.StatusNotFound:
		return apierr.NotFound(err)

	case code == http.StatusTooManyRequests,
		code == http.StatusForbidden && resp.Header.Get("RateLimit-Remaining") == "0":
		reset := time.Now().Add(rateLimitWait(resp.Header))

		clt.mu.Lock()
		clt.rateLimitReset = reset
		clt.mu.Unlock()

		clt.logger.Info(
			"rate limit exceeded",
			logfields.Event("gitlab_api_rate_limit_exceeded"),
			zap.Time("gitlab_api_rate_limit_reset_time", reset),
		)

		return apierr.TooManyRequests(err)

	default:
		return apierr.ConnectionFailed(err)
	}
}

// rateLimitWait returns the duration until the rate limit resets, according
// to the Retry-After or RateLimit-Reset header.
func rateLimitWait(h http.Header) time.Duration {
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second
		}
	}

	if v := h.Get("RateLimit-Reset"); v != "" {
		if ts, err := strconv.ParseInt(v, 10, 64); err == nil {
			if d := time.Until(time.Unix(ts, 0)); d > 0 {
				return d
			}
		}
	}

	return defaultRateLimitWait
}
