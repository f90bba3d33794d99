package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"fingerauth/internal/capture"
	"fingerauth/internal/config"
	"fingerauth/internal/credential"
	"fingerauth/internal/device"
	"fingerauth/internal/enroll"
	"fingerauth/internal/grpcserver"
	"fingerauth/internal/imageio"
	"fingerauth/internal/logging"
	"fingerauth/internal/pipeline"
	"fingerauth/internal/scan"
	"fingerauth/internal/server"
	"fingerauth/internal/storage"
	"fingerauth/internal/tasks"
)

type pipelineClient = pipeline.Client

type progressSource interface {
	SubscribeProgress() (<-chan pipeline.Progress, func())
}

type credentialClient interface {
	Signup(req credential.SignupRequest) error
	Signin(username, password string) (*credential.Session, error)
	Logout() error
}

type serverFunc func(ctx context.Context, addr string, store *storage.Store, pipe pipelineClient, log *slog.Logger) error

func defaultServe(ctx context.Context, addr string, store *storage.Store, pipe pipelineClient, log *slog.Logger) error {
	if svc, ok := pipe.(server.JobService); ok {
		return server.Serve(ctx, addr, store, svc, log)
	}
	return fmt.Errorf("pipeline does not support server operation")
}

func defaultGRPC(ctx context.Context, addr string, _ *storage.Store, pipe pipelineClient, log *slog.Logger) error {
	return grpcserver.NewMatcherServer(pipe, log).Start(ctx, addr)
}

type watchFunc func(ctx context.Context, dir string, handle func(tasks.FileSystemEvent)) error

func (r *Root) defaultWatch(ctx context.Context, dir string, handle func(tasks.FileSystemEvent)) error {
	w, err := tasks.NewInboxWatcher(dir, tasks.DefaultSettle, r.log, handle)
	if err != nil {
		return err
	}
	err = w.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Root wires CLI commands to the pipeline.
type Root struct {
	pipeline    pipelineClient
	cfg         *config.Config
	log         *slog.Logger
	store       *storage.Store
	devices     *device.Registry
	out         io.Writer
	serveFn     serverFunc
	grpcFn      serverFunc
	watchFn     watchFunc
	credentials func() credentialClient
	newID       func(prefix string) string
}

// NewRoot constructs the CLI root. devices may be nil when no sensor
// commands are needed.
func NewRoot(pl pipelineClient, cfg *config.Config, logger *slog.Logger, store *storage.Store, devices *device.Registry) *Root {
	r := &Root{
		pipeline: pl,
		cfg:      cfg,
		log:      logger,
		store:    store,
		devices:  devices,
		out:      os.Stdout,
		serveFn:  defaultServe,
		grpcFn:   defaultGRPC,
		newID:    newID,
	}
	r.watchFn = r.defaultWatch
	r.credentials = func() credentialClient {
		c := cfg.Credential
		return credential.NewClient(c.BaseURL, c.Timeout(), c.TokenFile, logger)
	}
	return r
}

// Run executes the command line args.
func (r *Root) Run(ctx context.Context, args []string) error {
	cmd := NewRootCmd(r)
	cmd.SetArgs(args)
	cmd.SetOut(r.out)
	cmd.SetErr(io.Discard)
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	return cmd.ExecuteContext(ctx)
}

func (r *Root) printf(format string, args ...any) {
	fmt.Fprintf(r.out, format, args...)
}

func (r *Root) enqueueAndWait(ctx context.Context, job pipeline.Job) (pipeline.Result, error) {
	r.log.Info("job queued", "type", job.Type, "id", job.ID, "input", job.InputPath)
	res, err := pipeline.Await(ctx, r.pipeline, job)
	if err != nil {
		return res, err
	}
	return res, res.Error
}

func newID(prefix string) string {
	ts := time.Now().UTC().Format("20060102T150405")
	return fmt.Sprintf("%s-%s-%s", prefix, ts, uuid.NewString()[:8])
}

func (r *Root) cmdEnroll(ctx context.Context, subject string) error {
	if subject == "" {
		return fmt.Errorf("enroll requires --subject")
	}
	job := pipeline.Job{
		ID:      r.newID("enroll"),
		Type:    pipeline.JobEnroll,
		Options: map[string]any{"subject": subject, "source": "cli"},
	}

	stopProgress := func() {}
	if src, ok := r.pipeline.(progressSource); ok {
		progress, unsub := src.SubscribeProgress()
		done := make(chan struct{})
		go func() {
			defer close(done)
			for p := range progress {
				if p.JobID == job.ID {
					r.printf("%s\n", prompt(p.Event))
				}
			}
		}()
		stopProgress = func() {
			unsub()
			<-done
		}
	}

	res, err := r.enqueueAndWait(ctx, job)
	stopProgress()
	if err != nil {
		return err
	}
	r.printf("Enrolled %s as template %v (%v inliers)\n", subject, res.Meta["template"], res.Meta["inliers"])
	return nil
}

// prompt turns an enrollment step into operator guidance.
func prompt(ev enroll.Event) string {
	switch ev.Step {
	case enroll.StepPlaceFinger:
		return "Place your finger on the sensor..."
	case enroll.StepRemoveFinger:
		return "Remove your finger."
	case enroll.StepPlaceAgain:
		return "Place the same finger again..."
	}
	if ev.Detail != "" {
		return fmt.Sprintf("[%s] sample %d: %s", ev.Step, ev.Sample, ev.Detail)
	}
	return fmt.Sprintf("[%s] sample %d", ev.Step, ev.Sample)
}

func (r *Root) cmdVerify(ctx context.Context, probe, reference, template string) error {
	if reference == "" && template == "" {
		return fmt.Errorf("verify requires a reference image or --template")
	}
	opts := map[string]any{"source": "cli"}
	if template != "" {
		opts["template"] = template
	} else {
		opts["reference"] = reference
	}
	res, err := r.enqueueAndWait(ctx, pipeline.Job{ID: r.newID("verify"), Type: pipeline.JobVerify, InputPath: probe, Options: opts})
	if err != nil {
		return err
	}
	if res.Meta["match"] == true {
		r.printf("MATCH (inliers=%v, candidates=%v)\n", res.Meta["inliers"], res.Meta["candidates"])
	} else {
		r.printf("NO MATCH (%v, inliers=%v, candidates=%v)\n", res.Meta["reason"], res.Meta["inliers"], res.Meta["candidates"])
	}
	return nil
}

func (r *Root) cmdIdentify(ctx context.Context, probe string) error {
	res, err := r.enqueueAndWait(ctx, pipeline.Job{ID: r.newID("identify"), Type: pipeline.JobIdentify, InputPath: probe})
	if err != nil {
		return err
	}
	if res.Meta["match"] == true {
		r.printf("MATCH %v (template %v, inliers=%v)\n", res.Meta["subject"], res.Meta["template"], res.Meta["inliers"])
		return nil
	}
	r.printf("NO MATCH among %v templates\n", res.Meta["templates"])
	return nil
}

func (r *Root) cmdMatchDir(ctx context.Context, dir string, asJSON bool) error {
	res, err := r.enqueueAndWait(ctx, pipeline.Job{ID: r.newID("match-dir"), Type: pipeline.JobMatchDir, InputPath: dir})
	if err != nil {
		return err
	}
	if asJSON {
		enc := json.NewEncoder(r.out)
		enc.SetIndent("", "  ")
		return enc.Encode(res.Meta)
	}
	r.printf("%v images, %v compared, %v skipped\n", res.Meta["images"], res.Meta["compared"], res.Meta["skipped"])
	if pairs, ok := res.Meta["matches"].([]tasks.PairMatch); ok {
		for _, p := range pairs {
			r.printf("  %s <-> %s (inliers=%d)\n", p.A, p.B, p.Inliers)
		}
	}
	return nil
}

// cmdDecode converts a raw sensor dump into an image file.
func (r *Root) cmdDecode(input, output string) error {
	data, err := os.ReadFile(input)
	if err != nil {
		return err
	}
	g, err := scan.Decode(scan.RawScan(data))
	if err != nil {
		return fmt.Errorf("%s: %w", input, err)
	}
	if err := imageio.Save(output, g); err != nil {
		return err
	}
	r.printf("Decoded %s -> %s\n", input, output)
	return nil
}

func (r *Root) openDevice(ctx context.Context) (device.Device, error) {
	if r.devices == nil {
		return nil, fmt.Errorf("no device registry configured")
	}
	return r.devices.Open(ctx, r.cfg.Device.Driver, r.cfg.Device.Port)
}

// cmdCapture takes one image from the sensor and saves it.
func (r *Root) cmdCapture(ctx context.Context, output string) error {
	dev, err := r.openDevice(ctx)
	if err != nil {
		return err
	}
	defer dev.Close()

	sess, err := capture.NewSensor(dev).NewSession(r.cfg.Device.Capture(), r.log)
	if err != nil {
		return err
	}
	defer sess.Close()

	port := r.cfg.Device.Port
	r.printf("Place your finger on the sensor...\n")
	for attempt := 1; ; attempt++ {
		att, err := sess.Capture(ctx)
		logging.LogCaptureStatus(r.log, port, att.State.String(), attempt)
		if errors.Is(err, capture.ErrImageFail) {
			r.printf("Image capture failed, try again.\n")
			continue
		}
		if err != nil {
			return err
		}
		if err := imageio.Save(output, att.Grid); err != nil {
			return err
		}
		r.printf("Saved %s\n", output)
		return nil
	}
}

// cmdErase clears the sensor's on-board template memory.
func (r *Root) cmdErase(ctx context.Context) error {
	dev, err := r.openDevice(ctx)
	if err != nil {
		return err
	}
	defer dev.Close()
	eraser, ok := dev.(device.Eraser)
	if !ok {
		return &device.Error{Op: "erase", Port: r.cfg.Device.Port, Err: device.ErrUnsupported}
	}
	if err := eraser.Erase(ctx); err != nil {
		return err
	}
	r.printf("Sensor memory erased\n")
	return nil
}

func (r *Root) cmdTemplatesList() error {
	infos, err := r.store.ListTemplates()
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		r.printf("No templates enrolled\n")
		return nil
	}
	for _, t := range infos {
		r.printf("%s\t%s\tinliers=%d\t%s\n", t.ID, t.Subject, t.Inliers, t.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

func (r *Root) cmdTemplatesDelete(id string) error {
	if err := r.store.DeleteTemplate(id); err != nil {
		return err
	}
	r.printf("Deleted template %s\n", id)
	return nil
}

// cmdTemplatesExport writes a template's CBOR encoding to a file.
func (r *Root) cmdTemplatesExport(id, output string) error {
	t, err := r.store.Template(id)
	if err != nil {
		return err
	}
	data, err := enroll.Marshal(t)
	if err != nil {
		return err
	}
	if err := os.WriteFile(output, data, 0o600); err != nil {
		return err
	}
	r.printf("Exported template %s -> %s\n", id, output)
	return nil
}

// cmdWatch submits an identify job for every settled image in dir.
func (r *Root) cmdWatch(ctx context.Context, dir string) error {
	if dir == "" {
		dir = r.cfg.Paths.Inbox
	}
	if dir == "" {
		return fmt.Errorf("watch requires a directory or paths.inbox")
	}

	results, unsub := r.pipeline.Subscribe()
	done := make(chan struct{})
	defer func() {
		unsub()
		<-done
	}()
	go func() {
		defer close(done)
		for res := range results {
			if res.Job.Type != pipeline.JobIdentify {
				continue
			}
			switch {
			case res.Error != nil:
				r.printf("%s: error: %v\n", res.Job.InputPath, res.Error)
			case res.Meta["match"] == true:
				r.printf("%s: MATCH %v\n", res.Job.InputPath, res.Meta["subject"])
			default:
				r.printf("%s: no match\n", res.Job.InputPath)
			}
		}
	}()

	return r.watchFn(ctx, dir, func(ev tasks.FileSystemEvent) {
		job := pipeline.Job{
			ID:        r.newID("identify"),
			Type:      pipeline.JobIdentify,
			InputPath: ev.Path,
			Options:   map[string]any{"source": "watch"},
		}
		rec := storage.InboxEvent{FilePath: ev.Path, EventType: ev.Operation, EventTime: ev.Time, FileSize: ev.Size}
		if err := r.pipeline.Submit(job); err != nil {
			r.log.Warn("inbox job rejected", "path", ev.Path, "error", err)
		} else {
			rec.JobID = job.ID
		}
		if err := r.store.RecordInboxEvent(rec); err != nil {
			r.log.Warn("record inbox event", "path", ev.Path, "error", err)
		}
	})
}

type signupOptions struct {
	Username string
	Password string
	DroneID  string
	PilotID  string
	Address  string
	Template string
}

func (r *Root) cmdSignup(opts signupOptions) error {
	if opts.Template == "" {
		return fmt.Errorf("signup requires --template")
	}
	t, err := r.store.Template(opts.Template)
	if err != nil {
		return fmt.Errorf("template %s: %w", opts.Template, err)
	}
	err = r.credentials().Signup(credential.SignupRequest{
		Username: opts.Username,
		Password: opts.Password,
		DroneID:  opts.DroneID,
		PilotID:  opts.PilotID,
		Address:  opts.Address,
		Template: t,
	})
	if err != nil {
		return err
	}
	r.printf("Account %s created\n", opts.Username)
	return nil
}

func (r *Root) cmdSignin(username, password string, save bool) error {
	sess, err := r.credentials().Signin(username, password)
	if err != nil {
		return err
	}
	r.printf("Signed in as %s\n", username)
	if save && sess.Template != nil {
		if err := r.store.SaveTemplate(sess.Template); err != nil {
			return err
		}
		r.printf("Stored template %s\n", sess.Template.ID)
	}
	return nil
}

func (r *Root) cmdLogout() error {
	if err := r.credentials().Logout(); err != nil {
		return err
	}
	r.printf("Signed out\n")
	return nil
}

func joinOr(items []string, empty string) string {
	if len(items) == 0 {
		return empty
	}
	return strings.Join(items, ", ")
}
