package poller

import (
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/simplesurance/buildconfd/internal/logfields"
	"github.com/simplesurance/buildconfd/internal/prcache"
)

// StatusPullRequest is a pull request that has an override branch.
type StatusPullRequest struct {
	PullRequest  string
	Branch       string
	HeadSHA      string
	UpdatedAt    time.Time
	Dependencies int
}

// StatusSnapshot is the state of the daemon after a poll cycle.
type StatusSnapshot struct {
	Project      string
	UpdateFailed bool
	Repositories []string
	PullRequests []*StatusPullRequest
	CycleStart   time.Time
	CycleEnd     time.Time
}

// Status holds the latest StatusSnapshot, it is published by the Daemon
// and read by the HTTP handler.
type Status struct {
	snapshot atomic.Pointer[StatusSnapshot]
	logger   *zap.Logger
}

func NewStatus() *Status {
	return &Status{logger: zap.L().Named(loggerName).Named("http_status")}
}

func (s *Status) Publish(snapshot *StatusSnapshot) {
	s.snapshot.Store(snapshot)
}

// Snapshot returns the last published snapshot or nil.
func (s *Status) Snapshot() *StatusSnapshot {
	return s.snapshot.Load()
}

func newStatusSnapshot(d *Daemon, start, end time.Time) *StatusSnapshot {
	result := StatusSnapshot{
		Project:      d.buildconf.Project(),
		UpdateFailed: d.state.UpdateFailed(),
		CycleStart:   start,
		CycleEnd:     end,
	}

	for _, repo := range d.manifest.Repositories() {
		result.Repositories = append(result.Repositories, repo.String())
	}

	for _, rec := range d.cache.Records() {
		result.PullRequests = append(result.PullRequests, statusPullRequest(d, rec))
	}

	return &result
}

func statusPullRequest(d *Daemon, rec *prcache.Record) *StatusPullRequest {
	return &StatusPullRequest{
		PullRequest:  rec.Key().String(),
		Branch:       d.buildconf.BranchName(rec.Key()),
		HeadSHA:      rec.HeadSHA,
		UpdatedAt:    rec.UpdatedAt,
		Dependencies: len(rec.Dependencies),
	}
}

type httpRespWriter struct {
	http.ResponseWriter
	logger *zap.Logger
}

// WriteStr writes a string to the http response writer.
// If an error happens, it is logged with info priority and false is
// returned.
func (rw *httpRespWriter) WriteStr(str string) (wasSuccessful bool) {
	_, err := rw.ResponseWriter.Write([]byte(str))
	if err != nil {
		rw.logger.Info(
			"sending http response failed",
			logfields.Event("http_status_response_failed"),
			zap.Error(err),
		)
		return false
	}

	return true
}

// HTTPHandler serves the last snapshot as plain text.
func (s *Status) HTTPHandler(respWr http.ResponseWriter, _ *http.Request) {
	resp := &httpRespWriter{ResponseWriter: respWr, logger: s.logger}
	resp.Header().Add("Content-Type", "text/plain; charset=utf-8")

	snapshot := s.Snapshot()
	if snapshot == nil {
		resp.WriteStr("no poll cycle finished yet\n")
		return
	}

	updateState := "ok"
	if snapshot.UpdateFailed {
		updateState = "FAILED, pull requests are not processed"
	}

	if !resp.WriteStr(fmt.Sprintf(
		"Project: %s\nWorkspace update: %s\nLast poll cycle: %s (took %s)\n\nRepositories:\n",
		snapshot.Project,
		updateState,
		humanize.Time(snapshot.CycleEnd),
		snapshot.CycleEnd.Sub(snapshot.CycleStart).Round(time.Millisecond),
	)) {
		return
	}

	for _, repo := range snapshot.Repositories {
		if !resp.WriteStr(fmt.Sprintf("\t%s\n", repo)) {
			return
		}
	}

	if len(snapshot.PullRequests) == 0 {
		resp.WriteStr("\nno pull requests with override branches\n")
		return
	}

	if !resp.WriteStr("\nPull requests:\n") {
		return
	}

	for _, pr := range snapshot.PullRequests {
		if !resp.WriteStr(fmt.Sprintf(
			"\t%-40s\tBranch: %s\tHead: %.12s\tUpdated: %s\tDependencies: %d\n",
			pr.PullRequest, pr.Branch, pr.HeadSHA, humanize.Time(pr.UpdatedAt), pr.Dependencies,
		)) {
			return
		}
	}
}
