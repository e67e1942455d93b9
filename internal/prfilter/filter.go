// Package prfilter decides via jq queries which pull requests are
// processed.
package prfilter

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/itchyny/gojq"

	"github.com/simplesurance/buildconfd/internal/vcs"
)

// Filter evaluates a jq query against the JSON representation of a pull
// request. The query must return exactly one boolean.
//
// The query input is an object with the fields:
//
//	repository, host, number, title, body, author, base_branch,
//	head_branch, head_sha, head_repository, draft, mergeable (bool or
//	null), updated_at (RFC3339), url
type Filter struct {
	query *gojq.Query
}

// New parses the jq query.
// An empty query returns a Filter that matches every pull request.
func New(jqQuery string) (*Filter, error) {
	if strings.TrimSpace(jqQuery) == "" {
		return &Filter{}, nil
	}

	query, err := gojq.Parse(jqQuery)
	if err != nil {
		return nil, fmt.Errorf("parsing jq query failed: %w", err)
	}

	return &Filter{query: query}, nil
}

func goJQIterToSlice(iter gojq.Iter) ([]any, []error) {
	var result []any
	var errors []error

	for {
		res, ok := iter.Next()
		if !ok {
			return result, errors
		}

		if err, isErr := res.(error); isErr {
			errors = append(errors, err)
			continue
		}

		result = append(result, res)
	}
}

func errString(errs []error) string {
	var result strings.Builder

	for i, err := range errs {
		if i > 0 {
			result.WriteString("; ")
		}

		result.WriteString(fmt.Sprintf("error %d: %s", i, err))
	}

	return result.String()
}

func toQueryInput(pr *vcs.PullRequest) map[string]any {
	var mergeable any
	switch pr.Mergeable {
	case vcs.MergeableYes:
		mergeable = true
	case vcs.MergeableNo:
		mergeable = false
	}

	return map[string]any{
		"repository":      pr.Repo.String(),
		"host":            pr.Repo.Host,
		"number":          pr.Number,
		"title":           pr.Title,
		"body":            pr.Body,
		"author":          pr.Author,
		"base_branch":     pr.BaseBranch,
		"head_branch":     pr.HeadBranch,
		"head_sha":        pr.HeadSHA,
		"head_repository": pr.HeadRepoURL,
		"draft":           pr.Draft,
		"mergeable":       mergeable,
		"updated_at":      pr.UpdatedAt.UTC().Format(time.RFC3339),
		"url":             pr.WebURL,
	}
}

// Match returns true if the query evaluates to true for pr.
func (f *Filter) Match(ctx context.Context, pr *vcs.PullRequest) (bool, error) {
	if f.query == nil {
		return true, nil
	}

	result, errors := goJQIterToSlice(f.query.RunWithContext(ctx, toQueryInput(pr)))
	if len(errors) != 0 {
		return false, fmt.Errorf("json query returned errors, query: %q, errors: %s", f.query.String(), errString(errors))
	}

	if len(result) != 1 {
		return false, fmt.Errorf("json query returned %d results, expected 1, query: %q", len(result), f.query.String())
	}

	val, ok := result[0].(bool)
	if !ok {
		return false, fmt.Errorf(
			"json query returned non-bool result: %+v (%T), query: %q",
			result[0], result[0], f.query.String(),
		)
	}

	return val, nil
}

func (f *Filter) String() string {
	if f.query == nil {
		return "true"
	}

	return f.query.String()
}
