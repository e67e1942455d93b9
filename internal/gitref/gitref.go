// Package gitref normalizes git repository URLs into comparable references.
package gitref

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
)

// RepositoryRef identifies a repository on a git hosting service.
// Two RepositoryRefs are equal when they refer to the same repository,
// independent of the URL scheme or notation they were parsed from.
type RepositoryRef struct {
	// Host is the lowercased hostname without port and without a
	// leading "www.".
	Host string
	// Path is the repository path on the host without leading or
	// trailing slashes and without ".git" suffix, e.g. "owner/repo".
	Path string
}

// scpLikeRe matches the scp-like notation used by git for ssh urls,
// e.g. git@github.com:owner/repo.git.
var scpLikeRe = regexp.MustCompile(`^(?:[^@/]+@)?([^:/]+):(.+)$`)

var schemeRe = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.-]*://`)

// Parse normalizes a repository URL.
// Supported are URLs with a scheme (https, http, ssh, git, git+ssh, file),
// the scp-like notation "user@host:path" and scheme-less "host/path" strings.
func Parse(raw string) (RepositoryRef, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return RepositoryRef{}, errors.New("repository url is empty")
	}

	var host, p string

	switch {
	case schemeRe.MatchString(s):
		u, err := url.Parse(s)
		if err != nil {
			return RepositoryRef{}, fmt.Errorf("parsing repository url %q failed: %w", raw, err)
		}

		host = u.Hostname()
		p = u.Path

	case scpLikeRe.MatchString(s) && !strings.Contains(strings.SplitN(s, ":", 2)[0], "/"):
		m := scpLikeRe.FindStringSubmatch(s)
		host = m[1]
		p = m[2]

	default:
		host, p, _ = strings.Cut(s, "/")
		if at := strings.LastIndex(host, "@"); at != -1 {
			host = host[at+1:]
		}
		if h, _, found := strings.Cut(host, ":"); found {
			host = h
		}
	}

	host = strings.TrimPrefix(strings.ToLower(host), "www.")
	if host == "" {
		return RepositoryRef{}, fmt.Errorf("repository url %q has no host", raw)
	}

	p = normalizePath(p)
	if p == "" {
		return RepositoryRef{}, fmt.Errorf("repository url %q has no path", raw)
	}

	return RepositoryRef{Host: host, Path: p}, nil
}

// MustParse is like Parse but panics on errors.
func MustParse(raw string) RepositoryRef {
	ref, err := Parse(raw)
	if err != nil {
		panic(err)
	}

	return ref
}

func normalizePath(p string) string {
	p = strings.Trim(p, "/")
	if p == "" {
		return ""
	}

	p = path.Clean("/" + p)[1:]
	p = strings.TrimSuffix(p, ".git")

	return strings.Trim(p, "/")
}

// Owner returns the path without the last element, e.g. "owner" for
// "owner/repo" and "group/subgroup" for "group/subgroup/project".
func (r RepositoryRef) Owner() string {
	idx := strings.LastIndex(r.Path, "/")
	if idx == -1 {
		return ""
	}

	return r.Path[:idx]
}

// Name returns the last element of the path.
func (r RepositoryRef) Name() string {
	return r.Path[strings.LastIndex(r.Path, "/")+1:]
}

// URL returns the canonical https URL of the repository.
func (r RepositoryRef) URL() string {
	return "https://" + r.Host + "/" + r.Path
}

// IsZero returns true if r is the zero value.
func (r RepositoryRef) IsZero() bool {
	return r.Host == "" && r.Path == ""
}

func (r RepositoryRef) String() string {
	return r.Host + "/" + r.Path
}
