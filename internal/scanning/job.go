package scanning

import (
	"context"
	"time"

	"github.com/anstrom/camwatch/internal/bus"
	"github.com/anstrom/camwatch/internal/detection"
	"github.com/anstrom/camwatch/internal/errors"
	"github.com/anstrom/camwatch/internal/htmltitle"
)

// Matcher decides whether a title identifies a camera.
type Matcher interface {
	Match(title string) bool
}

// Result is the outcome of one scan. Exactly one is produced per request.
type Result struct {
	RequestID   string
	Target      string
	Title       string
	IsCamera    bool
	Err         error
	StatusCode  int
	Duration    time.Duration
	CompletedAt time.Time
}

// ErrorKind returns the public error name, or "" on success.
func (r Result) ErrorKind() string {
	return errors.Kind(r.Err)
}

// Messages returns what a result publishes: one scan_result, plus an error
// message when the scan failed.
func (r Result) Messages(producer string) []bus.Message {
	msgs := []bus.Message{bus.NewMessage(bus.TypeScanResult, producer, bus.ScanResultPayload{
		RequestID:  r.RequestID,
		Target:     r.Target,
		Title:      r.Title,
		IsCamera:   r.IsCamera,
		Error:      r.ErrorKind(),
		StatusCode: r.StatusCode,
		DurationMS: r.Duration.Milliseconds(),
	})}
	if r.Err != nil {
		msgs = append(msgs, bus.NewMessage(bus.TypeError, producer, bus.ErrorPayload{
			Source:  bus.SourceScan,
			Target:  r.Target,
			Kind:    r.ErrorKind(),
			Message: r.Err.Error(),
		}))
	}
	return msgs
}

// Job runs one ScanRequest.
type Job struct {
	Request    ScanRequest
	Fetcher    Fetcher
	Rules      Matcher
	Classifier htmltitle.Config
}

// NewJob wires a job with the default <title> classifier.
func NewJob(req ScanRequest, fetcher Fetcher, rules *detection.RuleSet) *Job {
	job := &Job{
		Request:    req,
		Fetcher:    fetcher,
		Classifier: htmltitle.DefaultConfig(),
	}
	if rules != nil {
		job.Rules = rules
	}
	return job
}

// Run fetches the target, streams the body through a fresh classifier and
// matches the extracted title. The transfer stops as soon as the title
// element is closed.
func (j *Job) Run(ctx context.Context) Result {
	start := time.Now()
	classifier := htmltitle.New(j.Classifier)

	info, err := j.Fetcher.Fetch(ctx, j.Request.Target, func(chunk []byte) bool {
		_, _ = classifier.Write(chunk)
		return !classifier.Done()
	})

	result := Result{
		RequestID:  j.Request.ID,
		Target:     j.Request.Target,
		StatusCode: info.StatusCode,
		Err:        err,
	}
	if err == nil {
		result.Title = classifier.Title()
		result.IsCamera = j.Rules != nil && j.Rules.Match(result.Title)
	}
	result.CompletedAt = time.Now().UTC()
	result.Duration = result.CompletedAt.Sub(start)
	return result
}
