package githubclt

import (
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/go-github/v59/github"
	"go.uber.org/zap"

	"github.com/simplesurance/buildconfd/internal/apierr"
	"github.com/simplesurance/buildconfd/internal/logfields"
)

// wrapErr classifies errors returned by the go-github client.
func (clt *Client) wrapErr(err error) error {
	if err == nil {
		return nil
	}

	var rateLimitErr *github.RateLimitError
	if errors.As(err, &rateLimitErr) {
		clt.logger.Info(
			"rate limit exceeded",
			logfields.Event("github_api_rate_limit_exceeded"),
			zap.Int("github_api_rate_limit", rateLimitErr.Rate.Limit),
			zap.Time("github_api_rate_limit_reset_time", rateLimitErr.Rate.Reset.Time),
		)

		return apierr.TooManyRequests(err)
	}

	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		clt.logger.Info(
			"secondary rate limit exceeded",
			logfields.Event("github_api_secondary_rate_limit_exceeded"),
			zap.Durationp("retry_after", abuseErr.RetryAfter),
		)

		return apierr.TooManyRequests(err)
	}

	var respErr *github.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil {
		switch code := respErr.Response.StatusCode; {
		case code == http.StatusNotFound:
			return apierr.NotFound(err)

		case code == http.StatusUnprocessableEntity && strings.Contains(respErr.Message, "Reference does not exist"):
			return apierr.NotFound(err)

		case code == http.StatusTooManyRequests:
			return apierr.TooManyRequests(err)
		}
	}

	return apierr.ConnectionFailed(err)
}

var graphQlHTTPStatusErrRe = regexp.MustCompile(`^non-200 OK status code: ([0-9]+) .*`)

// isRateLimitMsg returns true for GraphQL error messages and response
// bodies that report an exceeded primary or secondary rate limit.
func isRateLimitMsg(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "rate limit") || strings.Contains(msg, "rate_limited")
}

func (clt *Client) graphQLRateLimitErr(err error) error {
	clt.logger.Info(
		"graphql rate limit exceeded",
		logfields.Event("github_graphql_rate_limit_exceeded"),
		zap.Error(err),
	)

	return apierr.TooManyRequests(err)
}

// wrapGraphQLErr classifies errors returned by the GraphQL client.
// An exceeded primary rate limit is reported with status 200 and a
// RATE_LIMITED error in the response, a secondary rate limit with status
// 403.
func (clt *Client) wrapGraphQLErr(err error) error {
	if err == nil {
		return nil
	}

	matches := graphQlHTTPStatusErrRe.FindStringSubmatch(err.Error())
	if len(matches) != 2 {
		if isRateLimitMsg(err.Error()) {
			return clt.graphQLRateLimitErr(err)
		}

		return apierr.ConnectionFailed(err)
	}

	errcode, atoiErr := strconv.Atoi(matches[1])
	if atoiErr != nil {
		clt.logger.Info(
			"parsing http code from error string failed",
			zap.Error(atoiErr),
			zap.String("error_string", err.Error()),
			zap.String("http_errcode", matches[1]),
		)

		return apierr.ConnectionFailed(err)
	}

	switch errcode {
	case http.StatusNotFound:
		return apierr.NotFound(err)
	case http.StatusTooManyRequests:
		return clt.graphQLRateLimitErr(err)
	case http.StatusForbidden:
		if isRateLimitMsg(err.Error()) {
			return clt.graphQLRateLimitErr(err)
		}

		return apierr.ConnectionFailed(err)
	default:
		return apierr.ConnectionFailed(err)
	}
}
