package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"fingerauth/internal/config"
	"fingerauth/internal/enroll"
	"fingerauth/internal/features"
	"fingerauth/internal/imageio"
	"fingerauth/internal/logging"
	"fingerauth/internal/match"
	"fingerauth/internal/scan"
	"fingerauth/internal/storage"
	"fingerauth/internal/tasks"
)

var (
	// ErrNoSensor is returned for enroll jobs when no sensor is configured.
	ErrNoSensor = errors.New("no sensor configured")
	// ErrMissingInput reports a job without the image or option it needs.
	ErrMissingInput = errors.New("missing job input")
)

// Enroller runs one live enrollment.
type Enroller interface {
	Enroll(ctx context.Context, subject string, obs enroll.Observer) (*enroll.Template, error)
}

type templateStore interface {
	SaveTemplate(t *enroll.Template) error
	Template(id string) (*enroll.Template, error)
	Templates() ([]*enroll.Template, error)
}

type loadFunc func(path string) (*scan.Grid, error)

type matchDirFunc func(ctx context.Context, dir string) (tasks.DirectoryReport, error)

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log        *slog.Logger
	store      templateStore
	comparator *match.Comparator
	enroller   Enroller
	workers    int
	load       loadFunc
	matchDir   matchDirFunc
	progress   func(Progress)
}

func newRouter(logger *slog.Logger, store *storage.Store, cfg *config.Config, enroller Enroller) (*router, error) {
	m, err := cfg.Matching.Matcher()
	if err != nil {
		return nil, err
	}
	cmp := match.NewComparator(features.NewExtractor(cfg.Features), m, cfg.Matching.Verifier(), logger)
	r := &router{
		log:        logger,
		comparator: cmp,
		enroller:   enroller,
		workers:    cfg.Matching.Workers,
		load: func(path string) (*scan.Grid, error) {
			return imageio.Load(path, imageio.Options{})
		},
	}
	if store != nil {
		r.store = store
	}
	r.matchDir = func(ctx context.Context, dir string) (tasks.DirectoryReport, error) {
		return tasks.MatchDirectory(ctx, dir, cmp, imageio.Options{}, r.workers, logger)
	}
	return r, nil
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobVerify:
		return r.handleVerify(ctx, job)
	case JobIdentify:
		return r.handleIdentify(ctx, job)
	case JobMatchDir:
		return r.handleMatchDir(ctx, job)
	case JobEnroll:
		return r.handleEnroll(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

func (r *router) probe(job Job) (*scan.Grid, error) {
	if job.Probe != nil {
		return job.Probe, nil
	}
	if job.InputPath == "" {
		return nil, fmt.Errorf("%w: probe image", ErrMissingInput)
	}
	return r.load(job.InputPath)
}

func (r *router) templates() ([]*enroll.Template, error) {
	if r.store == nil {
		return nil, errors.New("store not initialized")
	}
	return r.store.Templates()
}

// gallery turns templates into comparison candidates, one per stored sample.
func (r *router) gallery(tpls []*enroll.Template) ([]match.Candidate, error) {
	var out []match.Candidate
	for _, t := range tpls {
		for _, s := range t.Samples {
			fs, err := r.comparator.Extract(s.Grid)
			if err != nil {
				return nil, fmt.Errorf("template %s: %w", t.ID, err)
			}
			out = append(out, match.Candidate{ID: t.ID, Features: fs})
		}
	}
	return out, nil
}

func (r *router) handleVerify(ctx context.Context, job Job) Result {
	probe, err := r.probe(job)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	if id := job.option("template"); id != "" {
		if r.store == nil {
			return Result{Job: job, Error: errors.New("store not initialized")}
		}
		tpl, err := r.store.Template(id)
		if err != nil {
			return Result{Job: job, Error: err}
		}
		ranked, err := r.rank(ctx, probe, []*enroll.Template{tpl})
		if err != nil {
			return Result{Job: job, Error: err}
		}
		d := match.Decision{Reason: match.ReasonNoFeatures}
		if len(ranked) > 0 {
			d = ranked[0].Decision
		}
		logging.LogVerification(r.log, job.ID, job.InputPath, id, d.Match, d.Inliers, d.Candidates, string(d.Reason))
		meta := d.Meta()
		meta["template"] = id
		meta["subject"] = tpl.Subject
		return Result{Job: job, Meta: meta}
	}

	ref := job.Reference
	if ref == nil {
		path := job.option("reference")
		if path == "" {
			return Result{Job: job, Error: fmt.Errorf("%w: reference image or template", ErrMissingInput)}
		}
		if ref, err = r.load(path); err != nil {
			return Result{Job: job, Error: err}
		}
	}
	d, err := r.comparator.Compare(probe, ref)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	logging.LogVerification(r.log, job.ID, job.InputPath, job.option("reference"), d.Match, d.Inliers, d.Candidates, string(d.Reason))
	return Result{Job: job, Meta: d.Meta()}
}

func (r *router) rank(ctx context.Context, probe *scan.Grid, tpls []*enroll.Template) ([]match.Ranked, error) {
	fs, err := r.comparator.Extract(probe)
	if err != nil {
		return nil, err
	}
	gallery, err := r.gallery(tpls)
	if err != nil {
		return nil, err
	}
	return r.comparator.Identify(ctx, fs, gallery, r.workers)
}

func (r *router) handleIdentify(ctx context.Context, job Job) Result {
	probe, err := r.probe(job)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	tpls, err := r.templates()
	if err != nil {
		return Result{Job: job, Error: err}
	}
	ranked, err := r.rank(ctx, probe, tpls)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	subjects := make(map[string]string, len(tpls))
	for _, t := range tpls {
		subjects[t.ID] = t.Subject
	}
	seen := map[string]bool{}
	var candidates []map[string]any
	for _, rk := range ranked {
		if seen[rk.ID] {
			continue
		}
		seen[rk.ID] = true
		candidates = append(candidates, map[string]any{
			"template": rk.ID,
			"subject":  subjects[rk.ID],
			"match":    rk.Decision.Match,
			"inliers":  rk.Decision.Inliers,
		})
	}
	meta := map[string]any{
		"match":      false,
		"templates":  len(tpls),
		"candidates": candidates,
	}
	if best, ok := match.Best(ranked); ok {
		meta["match"] = true
		meta["template"] = best.ID
		meta["subject"] = subjects[best.ID]
		meta["inliers"] = best.Decision.Inliers
		logging.LogVerification(r.log, job.ID, job.InputPath, best.ID, true, best.Decision.Inliers, best.Decision.Candidates, string(best.Decision.Reason))
	} else {
		r.log.Info("no template matched", "job_id", job.ID, "templates", len(tpls))
	}
	return Result{Job: job, Meta: meta}
}

func (r *router) handleMatchDir(ctx context.Context, job Job) Result {
	if job.InputPath == "" {
		return Result{Job: job, Error: fmt.Errorf("%w: directory", ErrMissingInput)}
	}
	rep, err := r.matchDir(ctx, job.InputPath)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	return Result{Job: job, Meta: rep.Meta()}
}

func (r *router) handleEnroll(ctx context.Context, job Job) Result {
	if r.enroller == nil {
		return Result{Job: job, Error: ErrNoSensor}
	}
	subject := job.option("subject")
	if subject == "" {
		return Result{Job: job, Error: fmt.Errorf("%w: subject", ErrMissingInput)}
	}
	obs := func(ev enroll.Event) {
		logging.LogProcessingStep(r.log, job.ID, ev.Step, "progress", map[string]any{"sample": ev.Sample, "detail": ev.Detail})
		if r.progress != nil {
			r.progress(Progress{JobID: job.ID, Event: ev})
		}
	}
	tpl, err := r.enroller.Enroll(ctx, subject, obs)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	if r.store != nil {
		if err := r.store.SaveTemplate(tpl); err != nil {
			return Result{Job: job, Error: err}
		}
	}
	return Result{Job: job, Meta: map[string]any{
		"template": tpl.ID,
		"subject":  tpl.Subject,
		"inliers":  tpl.Inliers,
	}}
}
