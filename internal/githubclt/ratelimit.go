package githubclt

import (
	"context"
	"time"

	"github.com/google/go-github/v59/github"

	"github.com/simplesurance/buildconfd/internal/vcs"
)

// RateLimit returns the state of the API rate limit.
// The REST and GraphQL APIs have separate limits, if one of them is
// exhausted its state is returned, otherwise the REST API limit.
func (clt *Client) RateLimit(ctx context.Context) (*vcs.RateLimit, error) {
	limits, _, err := clt.restClt.RateLimits(ctx)
	if err != nil {
		return nil, clt.wrapErr(err)
	}

	rate := limits.GetCore()
	if gql := limits.GetGraphQL(); gql != nil && gql.Remaining == 0 && (rate == nil || rate.Remaining > 0) {
		rate = gql
	}

	if rate == nil {
		return &vcs.RateLimit{}, nil
	}

	return &vcs.RateLimit{
		Remaining: rate.Remaining,
		ResetsIn:  untilReset(rate),
	}, nil
}

func untilReset(rate *github.Rate) time.Duration {
	d := time.Until(rate.Reset.Time)
	if d < 0 {
		return 0
	}

	return d
}
