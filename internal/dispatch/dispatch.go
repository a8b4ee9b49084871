// Package dispatch turns detected sign-in opportunities into sign-in actions
// according to each user's trigger strategy, and applies the results that
// workers report back.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"fleet-master/internal/audit"
	"fleet-master/internal/detection"
	"fleet-master/internal/metrics"
	"fleet-master/internal/model"
	"fleet-master/internal/notify"
	"fleet-master/internal/registry"
	"fleet-master/internal/rpc"
	"fleet-master/internal/store"
	"fleet-master/internal/tasks"
)

var (
	ErrUpstream         = errors.New("upstream sign-in failed")
	ErrNoWorker         = errors.New("no worker assigned")
	ErrUserNotFound     = errors.New("user not found")
	ErrActivityNotFound = errors.New("activity not found")
	ErrForbidden        = errors.New("detection belongs to another user")
	ErrNoDetections     = errors.New("no detections for activity")
)

// settleTimeout bounds recording an outcome after the caller's context ended.
const settleTimeout = 5 * time.Second

// TokenIssuer mints the fleet token presented to a worker.
type TokenIssuer interface {
	IssueToken(audience string) (string, error)
}

type Config struct {
	Store    *store.Store
	Registry *registry.Registry
	Tokens   TokenIssuer
	// NewClient returns a fresh RPC client for each unit of work.
	NewClient func() *rpc.Client
	Notifier  notify.Gateway
	Observer  detection.Observer
	Tasks     *tasks.Group
	Audit     *audit.Logger
	Log       *zap.Logger
	// BatchConcurrency bounds concurrent units of work in BatchSign.
	BatchConcurrency int
}

type Dispatcher struct {
	store     *store.Store
	registry  *registry.Registry
	tokens    TokenIssuer
	newClient func() *rpc.Client
	notifier  notify.Gateway
	observer  detection.Observer
	tasks     *tasks.Group
	audit     *audit.Logger
	log       *zap.Logger
	batchSize int
}

func New(cfg Config) *Dispatcher {
	if cfg.NewClient == nil {
		cfg.NewClient = func() *rpc.Client { return rpc.New(rpc.DefaultOptions()) }
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Nop{}
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.Nop()
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.Tasks == nil {
		cfg.Tasks = tasks.NewGroup(cfg.Log, 0)
	}
	if cfg.BatchConcurrency <= 0 {
		cfg.BatchConcurrency = 8
	}
	return &Dispatcher{
		store:     cfg.Store,
		registry:  cfg.Registry,
		tokens:    cfg.Tokens,
		newClient: cfg.NewClient,
		notifier:  cfg.Notifier,
		observer:  cfg.Observer,
		tasks:     cfg.Tasks,
		audit:     cfg.Audit,
		log:       cfg.Log,
		batchSize: cfg.BatchConcurrency,
	}
}

// unit is one independent unit of work: its own store session, RPC client
// and tracker. Units are never shared between goroutines.
type unit struct {
	d       *Dispatcher
	sess    *store.Session
	client  *rpc.Client
	tracker *detection.Tracker
}

func (d *Dispatcher) newUnit(ctx context.Context) *unit {
	sess := d.store.Session(ctx)
	return &unit{
		d:       d,
		sess:    sess,
		client:  d.newClient(),
		tracker: detection.NewTracker(sess, d.audit, d.observer),
	}
}

func (u *unit) close() {
	_ = u.sess.Close()
}

func (u *unit) user(id string) (model.User, error) {
	user, err := u.sess.User(id)
	if errors.Is(err, store.ErrNotFound) {
		return model.User{}, ErrUserNotFound
	}
	return user, err
}

func (u *unit) activity(id string) (model.Activity, error) {
	a, err := u.sess.Activity(id)
	if errors.Is(err, store.ErrNotFound) {
		return model.Activity{}, ErrActivityNotFound
	}
	return a, err
}

func (u *unit) worker(ctx context.Context, user model.User) (model.Worker, error) {
	if user.WorkerName == "" {
		return model.Worker{}, ErrNoWorker
	}
	w, err := u.d.registry.Worker(ctx, user.WorkerName)
	if errors.Is(err, registry.ErrWorkerNotFound) {
		return model.Worker{}, fmt.Errorf("%w: %s", ErrNoWorker, user.WorkerName)
	}
	return w, err
}

func (u *unit) bearer(w model.Worker) (map[string]string, error) {
	token, err := u.d.tokens.IssueToken(w.Name)
	if err != nil {
		return nil, fmt.Errorf("issue fleet token for %s: %w", w.Name, err)
	}
	return map[string]string{"Authorization": "Bearer " + token}, nil
}

// Ingest resolves a worker's activity report to a user, that user's worker
// and a stored activity, then schedules dispatch in the background. The
// returned activity is the stored one.
func (d *Dispatcher) Ingest(ctx context.Context, r ActivityReport) (model.Activity, error) {
	u := d.newUnit(ctx)
	defer u.close()

	user, err := u.sess.UserByIMUsername(r.DetectedBy)
	if errors.Is(err, store.ErrNotFound) {
		return model.Activity{}, ErrUserNotFound
	}
	if err != nil {
		return model.Activity{}, err
	}
	w, err := u.worker(ctx, user)
	if err != nil {
		return model.Activity{}, err
	}

	activity, err := u.sess.Activity(r.ActivityID)
	if errors.Is(err, store.ErrNotFound) {
		activity, err = u.resolveActivity(ctx, user, w, r)
	}
	if err != nil {
		return model.Activity{}, err
	}

	userID, activityID := user.ID, activity.ActivityID
	err = d.tasks.Go("dispatch "+userID+"/"+activityID, func(ctx context.Context) error {
		_, err := d.HandleActivity(ctx, userID, activityID)
		return err
	})
	if err != nil {
		return model.Activity{}, err
	}
	return activity, nil
}

func (u *unit) resolveActivity(ctx context.Context, user model.User, w model.Worker, r ActivityReport) (model.Activity, error) {
	headers, err := u.bearer(w)
	if err != nil {
		return model.Activity{}, err
	}
	cookies := user.Cookies
	if len(cookies) == 0 {
		cookies = r.Cookies
	}
	query := activityQuery{
		ActivityID:  r.ActivityID,
		ClassID:     r.ClassID,
		CourseID:    r.CourseID,
		CourseName:  r.CourseName,
		TeacherName: r.TeacherName,
		Title:       r.Title,
		DetectedAt:  r.DetectedAt,
		DetectedBy:  r.DetectedBy,
		Cookies:     cookies,
	}
	resp, err := u.client.Post(ctx, u.d.registry.BaseURL(w)+pathResolveActivity, query, rpc.Request{
		Headers:  headers,
		NoRaise:  true,
		Source:   "dispatch.resolve_activity",
		UserID:   user.ID,
		WorkerID: w.Name,
	})
	if err != nil {
		return model.Activity{}, fmt.Errorf("%w: resolve activity %s: %w", ErrUpstream, r.ActivityID, err)
	}
	if resp.StatusCode != http.StatusOK {
		return model.Activity{}, fmt.Errorf("%w: resolve activity %s: status %d", ErrUpstream, r.ActivityID, resp.StatusCode)
	}
	var payload activityPayload
	if err := resp.JSON(&payload); err != nil {
		return model.Activity{}, fmt.Errorf("%w: decode activity %s: %w", ErrUpstream, r.ActivityID, err)
	}
	activity, _, err := u.sess.CreateActivityIfAbsent(payload.toActivity(r))
	return activity, err
}

// HandleActivity creates the user's detection for the activity and runs the
// configured trigger strategy. A detection that already existed is returned
// as-is; nothing is dispatched twice.
func (d *Dispatcher) HandleActivity(ctx context.Context, userID, activityID string) (det model.Detection, err error) {
	u := d.newUnit(ctx)
	defer u.close()

	user, err := u.user(userID)
	if err != nil {
		return model.Detection{}, err
	}
	activity, err := u.activity(activityID)
	if err != nil {
		return model.Detection{}, err
	}
	cfg, err := u.sess.ResolveSignConfig(userID, activity.ClassID)
	if err != nil {
		return model.Detection{}, err
	}

	det, created, err := u.tracker.CreateOrGet(ctx, userID, activity)
	if err != nil {
		return model.Detection{}, err
	}
	if !created {
		d.audit.Debug(ctx, audit.Entry{
			Category: audit.CategoryTask,
			Message:  "activity already tracked",
			Source:   "dispatch.handle_activity",
			UserID:   userID,
			TaskID:   activityID,
			Details:  map[string]any{"uuid": det.UUID, "status": string(det.Status)},
		})
		return det, nil
	}

	defer func() {
		if r := recover(); r != nil {
			metrics.IncTaskPanic()
			err = fmt.Errorf("dispatch panic: %v", r)
		}
		if err != nil {
			det = u.failUnexpected(ctx, det, user, err)
		}
	}()

	if n, ok := notify.Detected(userID, activity, det, cfg); ok {
		u.send(ctx, n)
	}

	if activity.IsQRCode() {
		metrics.IncDispatch("enc", "deferred")
		return det, nil
	}

	switch cfg.TriggerType {
	case model.TriggerImmediate:
		w, err := u.worker(ctx, user)
		if err != nil {
			return det, err
		}
		return u.signImmediate(ctx, user, w, activity, det, cfg, "")
	case model.TriggerThreshold:
		w, err := u.worker(ctx, user)
		if err != nil {
			return det, err
		}
		return u.delegateThreshold(ctx, user, w, activity, det, cfg)
	default:
		det, err = u.transition(ctx, det, model.DetectionWaiting, "")
		if err == nil {
			metrics.IncDispatch(string(model.TriggerManual), "waiting")
		}
		return det, err
	}
}

// failUnexpected records err on the detection unless it already reached a
// terminal state or another caller holds the sign-in.
func (u *unit) failUnexpected(ctx context.Context, det model.Detection, user model.User, err error) model.Detection {
	s, sctx, release := u.settled(ctx)
	defer release()

	s.d.audit.Error(sctx, audit.Entry{
		Category: audit.CategoryTask,
		Message:  "dispatch failed",
		Source:   "dispatch.handle_activity",
		UserID:   user.ID,
		WorkerID: user.WorkerName,
		TaskID:   det.ActivityID,
		Details:  map[string]any{"uuid": det.UUID, "error": err.Error()},
	})
	if det.UUID == "" {
		return det
	}
	current, getErr := s.tracker.Get(det.UUID)
	if getErr != nil {
		return det
	}
	if current.Status.Terminal() || errors.Is(err, detection.ErrInFlight) {
		return current
	}
	failed, _ := s.settle(sctx, current, model.DetectionFailed, err.Error())
	return failed
}

// settled returns a unit that can still write once ctx has ended, so an
// outcome is recorded even when the caller gave up. release closes it.
func (u *unit) settled(ctx context.Context) (*unit, context.Context, func()) {
	if ctx.Err() == nil {
		return u, ctx, func() {}
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	s := u.d.newUnit(sctx)
	return s, sctx, func() {
		s.close()
		cancel()
	}
}

// settle writes a final status for det. A write that cannot be made is
// audited; det is returned unchanged in that case.
func (u *unit) settle(ctx context.Context, det model.Detection, status model.DetectionStatus, message string) (model.Detection, error) {
	s, sctx, release := u.settled(ctx)
	defer release()

	next, err := s.transition(sctx, det, status, message)
	if err != nil && !errors.Is(err, detection.ErrTerminal) {
		s.d.audit.Error(sctx, audit.Entry{
			Category: audit.CategoryTask,
			Message:  "detection outcome not recorded",
			Source:   "dispatch.settle",
			UserID:   det.UserID,
			TaskID:   det.ActivityID,
			Details:  map[string]any{"uuid": det.UUID, "status": string(status), "error": err.Error()},
		})
	}
	return next, err
}

// transition returns det unchanged when the move is rejected.
func (u *unit) transition(ctx context.Context, det model.Detection, status model.DetectionStatus, message string) (model.Detection, error) {
	next, err := u.tracker.Transition(ctx, det.UUID, status, message)
	if err != nil {
		return det, err
	}
	return next, nil
}

func (u *unit) send(ctx context.Context, n notify.Notification) {
	if err := u.d.notifier.Send(ctx, n); err != nil {
		u.d.audit.Warn(ctx, audit.Entry{
			Category: audit.CategoryPush,
			Message:  "notification not delivered",
			Source:   "dispatch.notify",
			UserID:   n.UserID,
			TaskID:   n.ActivityID,
			Details:  map[string]any{"kind": string(n.Kind), "error": err.Error()},
		})
	}
}

// signImmediate asks the user's worker to sign in now and records the
// verdict. A QR activity without an enc code is left untouched.
func (u *unit) signImmediate(ctx context.Context, user model.User, w model.Worker, activity model.Activity, det model.Detection, cfg model.SignConfig, enc string) (model.Detection, error) {
	if activity.IsQRCode() && enc == "" {
		return det, nil
	}
	strategy := string(model.TriggerImmediate)

	claimed, err := u.tracker.Claim(ctx, det.UUID)
	if err != nil {
		if errors.Is(err, detection.ErrInFlight) {
			metrics.IncDispatch(strategy, "in_flight")
		}
		return det, err
	}
	det = claimed
	fail := func(message string, cause error) (model.Detection, error) {
		metrics.IncDispatch(strategy, "error")
		u.d.audit.Error(context.WithoutCancel(ctx), audit.Entry{
			Category: audit.CategoryTask,
			Message:  "sign-in failed",
			Source:   "dispatch.immediate",
			UserID:   user.ID,
			WorkerID: w.Name,
			TaskID:   activity.ActivityID,
			Details: map[string]any{
				"user_name":     user.DisplayName(),
				"activity_type": activity.OtherID,
				"error":         cause.Error(),
			},
		})
		det, _ = u.settle(ctx, det, model.DetectionFailed, message)
		return det, cause
	}

	headers, err := u.bearer(w)
	if err != nil {
		return fail("unknown error", err)
	}
	body := signRequest{
		activityPayload: toPayload(activity),
		Cookies:         user.Cookies,
		Enc:             enc,
		RandomPhoto:     cfg.UseRandomPhoto,
	}
	resp, err := u.client.Post(ctx, u.d.registry.BaseURL(w)+pathSignIn, body, rpc.Request{
		Headers:  headers,
		NoRaise:  true,
		Source:   "dispatch.immediate",
		UserID:   user.ID,
		WorkerID: w.Name,
	})
	if err != nil {
		return fail("sign-in request failed: "+err.Error(), fmt.Errorf("%w: %w", ErrUpstream, err))
	}
	if resp.StatusCode != http.StatusOK {
		return fail(fmt.Sprintf("sign-in request returned status %d", resp.StatusCode),
			fmt.Errorf("%w: worker %s returned status %d", ErrUpstream, w.Name, resp.StatusCode))
	}
	var verdict signResponse
	if err := resp.JSON(&verdict); err != nil {
		return fail("unknown error", fmt.Errorf("%w: decode sign-in result: %w", ErrUpstream, err))
	}

	success := verdict.Result != nil && *verdict.Result
	if n, ok := notify.Signed(user.ID, activity, det, cfg, success); ok {
		u.send(ctx, n)
	}

	switch {
	case verdict.Result == nil:
		return fail("unknown error", fmt.Errorf("%w: sign-in result missing", ErrUpstream))
	case success:
		metrics.IncDispatch(strategy, "success")
		u.d.audit.Info(ctx, audit.Entry{
			Category: audit.CategoryTask,
			Message:  "sign-in succeeded",
			Source:   "dispatch.immediate",
			UserID:   user.ID,
			WorkerID: w.Name,
			TaskID:   activity.ActivityID,
			Details:  map[string]any{"user_name": user.DisplayName(), "activity_type": activity.OtherID},
		})
		return u.settle(ctx, det, model.DetectionSuccess, "Signed in: "+verdict.Message)
	default:
		metrics.IncDispatch(strategy, "failed")
		u.d.audit.Warn(ctx, audit.Entry{
			Category: audit.CategoryTask,
			Message:  "sign-in rejected",
			Source:   "dispatch.immediate",
			UserID:   user.ID,
			WorkerID: w.Name,
			TaskID:   activity.ActivityID,
			Details:  map[string]any{"user_name": user.DisplayName(), "message": verdict.Message},
		})
		return u.settle(ctx, det, model.DetectionFailed, verdict.failureMessage())
	}
}

// delegateThreshold hands polling to the worker. The worker signs in itself
// once the threshold is met and reports back through UpdateStatus.
func (u *unit) delegateThreshold(ctx context.Context, user model.User, w model.Worker, activity model.Activity, det model.Detection, cfg model.SignConfig) (model.Detection, error) {
	strategy := string(model.TriggerThreshold)

	det, err := u.transition(ctx, det, model.DetectionPolling, "")
	if err != nil {
		return det, err
	}
	headers, err := u.bearer(w)
	if err != nil {
		return det, err
	}
	body := thresholdRequest{
		activityPayload:  toPayload(activity),
		Cookies:          user.Cookies,
		UUID:             det.UUID,
		ThresholdTime:    cfg.ThresholdTime,
		PollInterval:     cfg.PollInterval,
		ThresholdCount:   cfg.ThresholdCount,
		ThresholdPercent: cfg.ThresholdPercent,
		RandomPhoto:      cfg.UseRandomPhoto,
	}
	resp, err := u.client.Post(ctx, u.d.registry.BaseURL(w)+pathThreshold, body, rpc.Request{
		Headers:  headers,
		NoRaise:  true,
		Source:   "dispatch.threshold",
		UserID:   user.ID,
		WorkerID: w.Name,
	})
	if err == nil && resp.StatusCode != http.StatusOK {
		err = fmt.Errorf("worker %s returned status %d", w.Name, resp.StatusCode)
	}
	if err != nil {
		metrics.IncDispatch(strategy, "error")
		return det, fmt.Errorf("%w: threshold delegation: %w", ErrUpstream, err)
	}

	metrics.IncDispatch(strategy, "delegated")
	u.d.audit.Info(ctx, audit.Entry{
		Category: audit.CategoryTask,
		Message:  "threshold polling delegated",
		Source:   "dispatch.threshold",
		UserID:   user.ID,
		WorkerID: w.Name,
		TaskID:   activity.ActivityID,
		Details: map[string]any{
			"uuid":              det.UUID,
			"threshold_time":    cfg.ThresholdTime,
			"poll_interval":     cfg.PollInterval,
			"threshold_count":   cfg.ThresholdCount,
			"threshold_percent": cfg.ThresholdPercent,
		},
	})
	return det, nil
}

// TriggerSign is the user-initiated sign-in for one detection. Only the
// owner may trigger it. A QR detection without enc stays in enc, and an
// already successful detection is returned unchanged.
func (d *Dispatcher) TriggerSign(ctx context.Context, userID, detectionID, enc string) (model.Detection, error) {
	u := d.newUnit(ctx)
	defer u.close()

	det, err := u.tracker.Get(detectionID)
	if err != nil {
		return model.Detection{}, err
	}
	if det.UserID != userID {
		return model.Detection{}, ErrForbidden
	}
	return u.sign(ctx, det, enc)
}

func (u *unit) sign(ctx context.Context, det model.Detection, enc string) (model.Detection, error) {
	switch det.Status {
	case model.DetectionSuccess:
		return det, nil
	case model.DetectionFailed:
		return det, detection.ErrTerminal
	}
	user, err := u.user(det.UserID)
	if err != nil {
		return det, err
	}
	activity, err := u.activity(det.ActivityID)
	if err != nil {
		return det, err
	}
	w, err := u.worker(ctx, user)
	if err != nil {
		return det, err
	}
	cfg, err := u.sess.ResolveSignConfig(user.ID, activity.ClassID)
	if err != nil {
		return det, err
	}
	return u.signImmediate(ctx, user, w, activity, det, cfg, enc)
}

// UpdateStatus applies a worker's report for a detection, together with any
// live attendance counters for its activity.
func (d *Dispatcher) UpdateStatus(ctx context.Context, detectionID string, status model.DetectionStatus, message string, counters model.AttendanceCounters) (model.Detection, error) {
	u := d.newUnit(ctx)
	defer u.close()
	return u.tracker.Apply(ctx, detectionID, status, message, counters)
}

// UpdateAttendInfo refreshes an activity's live attendance counters.
func (d *Dispatcher) UpdateAttendInfo(ctx context.Context, activityID string, counters model.AttendanceCounters) (model.Activity, error) {
	u := d.newUnit(ctx)
	defer u.close()

	a, err := u.sess.UpdateActivity(activityID, func(a *model.Activity) {
		counters.ApplyTo(a)
		a.AttendUpdatedAt = nowMillis()
	})
	if errors.Is(err, store.ErrNotFound) {
		return model.Activity{}, ErrActivityNotFound
	}
	return a, err
}

// ReportMonitorError records a worker's monitor failure for a user and turns
// the user's monitoring off.
func (d *Dispatcher) ReportMonitorError(ctx context.Context, imUsername, message string) (model.User, error) {
	u := d.newUnit(ctx)
	defer u.close()

	user, err := u.sess.UserByIMUsername(imUsername)
	if errors.Is(err, store.ErrNotFound) {
		return model.User{}, ErrUserNotFound
	}
	if err != nil {
		return model.User{}, err
	}
	d.audit.Error(ctx, audit.Entry{
		Category: audit.CategoryWorker,
		Message:  message,
		Source:   "dispatch.report_monitor_error",
		UserID:   user.ID,
		WorkerID: user.WorkerName,
		Details:  map[string]any{"im_username": imUsername},
	})
	return u.sess.UpdateUser(user.ID, func(x *model.User) { x.MonitorStatus = false })
}

// SyncUser stores a platform user reported by a worker. workerName pins the
// user to that worker; otherwise a user without a worker gets one from the
// selector.
func (d *Dispatcher) SyncUser(ctx context.Context, in model.User, workerName string) (model.User, bool, error) {
	u := d.newUnit(ctx)
	defer u.close()

	if workerName != "" {
		if _, err := d.registry.Worker(ctx, workerName); err != nil {
			if errors.Is(err, registry.ErrWorkerNotFound) {
				return model.User{}, false, fmt.Errorf("%w: %s", ErrNoWorker, workerName)
			}
			return model.User{}, false, err
		}
		in.WorkerName = workerName
	} else {
		existing, err := u.sess.UserByUsername(in.Username)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return model.User{}, false, err
		}
		if existing.WorkerName == "" {
			w, err := d.registry.SelectWorker(ctx, nil)
			if err != nil {
				return model.User{}, false, fmt.Errorf("%w: %w", ErrNoWorker, err)
			}
			in.WorkerName = w.Name
		}
	}

	user, created, err := u.sess.UpsertUser(in)
	if err != nil {
		return model.User{}, false, err
	}
	d.audit.Info(ctx, audit.Entry{
		Category: audit.CategoryUser,
		Message:  "user synced",
		Source:   "dispatch.sync_user",
		UserID:   user.ID,
		WorkerID: user.WorkerName,
		Details:  map[string]any{"created": created},
	})
	return user, created, nil
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
