// Package prcache persists the state of the pull requests that were acted
// upon and decides if a pull request changed in a way that requires a new
// build.
package prcache

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/simplesurance/buildconfd/internal/fsutil"
	"github.com/simplesurance/buildconfd/internal/gitref"
	"github.com/simplesurance/buildconfd/internal/logfields"
	"github.com/simplesurance/buildconfd/internal/orderedmap"
	"github.com/simplesurance/buildconfd/internal/vcs"
)

const loggerName = "pr_cache"

// Cache stores a Record per pull request in insertion order.
// It is not safe for concurrent use.
type Cache struct {
	path    string
	records *orderedmap.Map[vcs.Key, *Record]
	logger  *zap.Logger
}

// New returns an empty cache that is persisted to path.
func New(path string) *Cache {
	return &Cache{
		path:    path,
		records: orderedmap.New[vcs.Key, *Record](),
		logger:  zap.L().Named(loggerName),
	}
}

// Add stores the current state of pr and returns the created record.
// The Dependencies of pr must have been resolved.
// An existing record for the pull request is replaced, the new record is
// appended.
func (c *Cache) Add(pr *vcs.PullRequest) *Record {
	rec := newRecord(pr)
	c.records.Append(rec.Key(), rec)

	return rec
}

// Changed returns true if pr differs from its cached record in a way that
// requires a new build.
// This is the case when no record exists, when the states of the
// dependencies differ or when the head commit, base branch or draft state
// differ and pr was updated after the record was created.
// The Dependencies of pr must have been resolved.
func (c *Cache) Changed(pr *vcs.PullRequest) bool {
	rec, exist := c.records.Get(pr.Key())
	if !exist {
		return true
	}

	if !fingerprintEqual(rec.Dependencies, Fingerprint(pr)) {
		return true
	}

	if rec.HeadSHA == pr.HeadSHA && rec.BaseBranch == pr.BaseBranch && rec.Draft == pr.Draft {
		return false
	}

	return pr.UpdatedAt.After(rec.UpdatedAt)
}

// Get returns the record for the pull request with the given key.
func (c *Cache) Get(key vcs.Key) (*Record, bool) {
	return c.records.Get(key)
}

// Delete removes the record of a pull request.
// It returns false if no record existed.
func (c *Cache) Delete(key vcs.Key) bool {
	return c.records.Delete(key) != nil
}

// Clear removes all records.
func (c *Cache) Clear() {
	c.records = orderedmap.New[vcs.Key, *Record]()
}

// Records returns all records in insertion order.
func (c *Cache) Records() []*Record {
	return c.records.AsSlice()
}

// RecordsOf returns the records of pull requests in repo in insertion
// order.
func (c *Cache) RecordsOf(repo gitref.RepositoryRef) []*Record {
	var result []*Record

	c.records.Foreach(func(r *Record) bool {
		if r.Repo == repo {
			result = append(result, r)
		}

		return true
	})

	return result
}

// Len returns the number of cached pull requests.
func (c *Cache) Len() int {
	return c.records.Len()
}

type fileDependency struct {
	Repository string `yaml:"repository"`
	Number     int    `yaml:"number"`
	BaseBranch string `yaml:"base_branch"`
	Head       string `yaml:"head"`
	Draft      bool   `yaml:"draft"`
}

type fileRecord struct {
	RepoURL      string           `yaml:"repo_url"`
	Number       int              `yaml:"number"`
	BaseBranch   string           `yaml:"base_branch"`
	HeadSHA      string           `yaml:"head_sha"`
	Draft        bool             `yaml:"draft"`
	UpdatedAt    time.Time        `yaml:"updated_at"`
	Dependencies []fileDependency `yaml:"dependencies"`
}

// Dump writes all records to the cache file.
// The file is replaced atomically.
func (c *Cache) Dump() error {
	records := make([]*fileRecord, 0, c.records.Len())

	c.records.Foreach(func(r *Record) bool {
		fr := fileRecord{
			RepoURL:      r.Repo.URL(),
			Number:       r.Number,
			BaseBranch:   r.BaseBranch,
			HeadSHA:      r.HeadSHA,
			Draft:        r.Draft,
			UpdatedAt:    r.UpdatedAt.UTC(),
			Dependencies: make([]fileDependency, 0, len(r.Dependencies)),
		}

		for _, d := range r.Dependencies {
			fr.Dependencies = append(fr.Dependencies, fileDependency{
				Repository: d.Repo.URL(),
				Number:     d.Number,
				BaseBranch: d.BaseBranch,
				Head:       d.HeadSHA,
				Draft:      d.Draft,
			})
		}

		records = append(records, &fr)
		return true
	})

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)

	if err := enc.Encode(records); err != nil {
		return fmt.Errorf("encoding cache records failed: %w", err)
	}

	if err := enc.Close(); err != nil {
		return fmt.Errorf("encoding cache records failed: %w", err)
	}

	if err := fsutil.WriteFileAtomic(c.path, buf.Bytes()); err != nil {
		return fmt.Errorf("writing cache file failed: %w", err)
	}

	c.logger.Debug(
		"cache written to file",
		logfields.Event("pr_cache_dumped"),
		zap.String("path", c.path),
		zap.Int("records", len(records)),
	)

	return nil
}

// Load replaces the records with the ones from the cache file.
// If the file does not exist, the cache is empty afterwards and no error
// is returned.
func (c *Cache) Load() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			c.Clear()

			c.logger.Info(
				"cache file does not exist, starting with empty cache",
				logfields.Event("pr_cache_file_missing"),
				zap.String("path", c.path),
			)

			return nil
		}

		return fmt.Errorf("reading cache file failed: %w", err)
	}

	var fileRecords []*fileRecord
	if err := yaml.Unmarshal(data, &fileRecords); err != nil {
		return fmt.Errorf("parsing cache file %s failed: %w", c.path, err)
	}

	records := orderedmap.New[vcs.Key, *Record]()

	for i, fr := range fileRecords {
		if fr == nil {
			continue
		}

		repo, err := gitref.Parse(fr.RepoURL)
		if err != nil {
			return fmt.Errorf("cache file %s: record %d: %w", c.path, i, err)
		}

		depSet := make(map[Dependency]struct{}, len(fr.Dependencies))
		for _, fd := range fr.Dependencies {
			depRepo, err := gitref.Parse(fd.Repository)
			if err != nil {
				return fmt.Errorf("cache file %s: record %d: dependency: %w", c.path, i, err)
			}

			depSet[Dependency{
				Repo:       depRepo,
				Number:     fd.Number,
				BaseBranch: fd.BaseBranch,
				HeadSHA:    fd.Head,
				Draft:      fd.Draft,
			}] = struct{}{}
		}

		rec := Record{
			Repo:         repo,
			Number:       fr.Number,
			BaseBranch:   fr.BaseBranch,
			HeadSHA:      fr.HeadSHA,
			Draft:        fr.Draft,
			UpdatedAt:    fr.UpdatedAt,
			Dependencies: sortedDependencies(depSet),
		}

		records.Append(rec.Key(), &rec)
	}

	c.records = records

	c.logger.Info(
		"cache loaded",
		logfields.Event("pr_cache_loaded"),
		zap.String("path", c.path),
		zap.Int("records", records.Len()),
	)

	return nil
}
