package escalation

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/graceline/safety/internal/cooldown"
	"github.com/graceline/safety/internal/metrics"
	"github.com/graceline/safety/internal/moderation"
	"github.com/graceline/safety/internal/notify"
)

// Deduplicator is the cooldown store as seen by the pipeline.
type Deduplicator interface {
	Claim(ctx context.Context, subjectID string, now time.Time) (cooldown.Claim, bool, error)
	Release(ctx context.Context, c cooldown.Claim) error
	RecordAlert(ctx context.Context, subjectID string, now time.Time) error
}

// Outcome summarises what Process decided. Dispatch results are not part of
// it; they arrive later on the runner.
type Outcome struct {
	Matches      moderation.CategorySet
	AlertAllowed bool
	FailOpen     bool
	Jobs         []notify.Job
}

// Pipeline runs classification, the cooldown check and routing for each
// event, then hands the jobs to the runner.
type Pipeline struct {
	classifier *moderation.Classifier
	dedup      Deduplicator
	router     *Router
	runner     *notify.Runner
	now        func() time.Time

	// storeTimeout bounds cooldown store calls made outside a request.
	storeTimeout time.Duration
	inflight     sync.WaitGroup
}

// NewPipeline wires the stages together. A nil classifier uses the default
// keyword lists.
func NewPipeline(classifier *moderation.Classifier, dedup Deduplicator, router *Router, runner *notify.Runner) *Pipeline {
	if classifier == nil {
		classifier = moderation.NewClassifier(moderation.DefaultKeywords)
	}
	return &Pipeline{
		classifier:   classifier,
		dedup:        dedup,
		router:       router,
		runner:       runner,
		now:          time.Now,
		storeTimeout: 2 * time.Second,
	}
}

// Classify exposes the pipeline's classifier so the intake path can set
// crisis markers on stored content before the event is processed.
func (p *Pipeline) Classify(text string) moderation.CategorySet {
	return p.classifier.Classify(text)
}

// Enqueue processes ev on a background goroutine. The caller has already
// acknowledged the content write and does not wait.
func (p *Pipeline) Enqueue(ev Event) {
	p.inflight.Add(1)
	go func() {
		defer p.inflight.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Printf("[pipeline] subject=%s panic: %v", ev.SubjectID, r)
			}
		}()
		p.Process(context.Background(), ev)
	}()
}

// Wait blocks until every enqueued event has been routed and every
// dispatch job has finished.
func (p *Pipeline) Wait() {
	p.inflight.Wait()
	p.runner.Wait()
}

// Process classifies ev, applies the cooldown and starts dispatch. It
// returns once the jobs are handed to the runner.
func (p *Pipeline) Process(ctx context.Context, ev Event) Outcome {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = p.now()
	}
	if ev.Matches == nil {
		ev.Matches = p.classifier.Classify(ev.RawText)
	}

	out := Outcome{Matches: ev.Matches}
	for _, c := range ev.Matches.Categories() {
		metrics.SignalsTotal.WithLabelValues(string(c)).Inc()
	}

	var (
		claim   cooldown.Claim
		claimed bool
	)
	if !ev.Matches.Empty() {
		claim, claimed, out.AlertAllowed, out.FailOpen = p.check(ctx, ev)
	}

	out.Jobs = p.router.Route(ev, out.AlertAllowed)
	if len(out.Jobs) == 0 {
		return out
	}

	log.Printf("[pipeline] subject=%s record=%s categories=%v alert=%t jobs=%d",
		ev.SubjectID, recordID(ev), ev.Matches.Categories(), out.AlertAllowed, len(out.Jobs))

	p.runner.Run(out.Jobs, func(results []notify.Result) {
		p.settle(ev, claim, claimed, out, results)
	})
	return out
}

// check claims the subject's cooldown. Store failures fail open: the alert
// goes out and no claim is held.
func (p *Pipeline) check(ctx context.Context, ev Event) (claim cooldown.Claim, claimed, allowed, failOpen bool) {
	ctx, cancel := context.WithTimeout(ctx, p.storeTimeout)
	defer cancel()

	claim, ok, err := p.dedup.Claim(ctx, ev.SubjectID, ev.Timestamp)
	switch {
	case errors.Is(err, cooldown.ErrEmptySubject):
		log.Printf("[pipeline] record=%s: no subject id, alerting without cooldown", recordID(ev))
		metrics.AlertDecisions.WithLabelValues("fail_open").Inc()
		return cooldown.Claim{}, false, true, true
	case err != nil:
		log.Printf("[pipeline] subject=%s: cooldown store error, failing open: %v", ev.SubjectID, err)
		metrics.AlertDecisions.WithLabelValues("fail_open").Inc()
		return cooldown.Claim{}, false, true, true
	case !ok:
		metrics.AlertDecisions.WithLabelValues("suppressed").Inc()
		return cooldown.Claim{}, false, false, false
	default:
		metrics.AlertDecisions.WithLabelValues("allowed").Inc()
		return claim, true, true, false
	}
}

// settle runs after every job finished. If an alert was sent on at least one
// pastor channel the cooldown stands; if all of them failed the claim is
// released so the next submission can alert again.
func (p *Pipeline) settle(ev Event, claim cooldown.Claim, claimed bool, out Outcome, results []notify.Result) {
	var alerts, delivered int
	for _, r := range results {
		if !IsAlertChannel(r.Job.Channel) {
			continue
		}
		alerts++
		if r.OK() {
			delivered++
		}
	}
	if alerts == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.storeTimeout)
	defer cancel()

	switch {
	case delivered == 0 && claimed:
		if err := p.dedup.Release(ctx, claim); err != nil {
			log.Printf("[pipeline] subject=%s: release cooldown: %v", ev.SubjectID, err)
			return
		}
		metrics.AlertDecisions.WithLabelValues("released").Inc()
		log.Printf("[pipeline] subject=%s: all alert channels failed, cooldown released", ev.SubjectID)
	case delivered > 0 && out.FailOpen && ev.SubjectID != "":
		if err := p.dedup.RecordAlert(ctx, ev.SubjectID, ev.Timestamp); err != nil {
			log.Printf("[pipeline] subject=%s: record cooldown after fail-open: %v", ev.SubjectID, err)
		}
	}
}

func recordID(ev Event) string {
	if ev.SessionID != "" {
		return ev.SessionID
	}
	return ev.ContentID
}
