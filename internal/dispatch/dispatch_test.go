package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"fleet-master/internal/detection"
	"fleet-master/internal/model"
	"fleet-master/internal/registry"
	"fleet-master/internal/rpc"
	"fleet-master/internal/store"
	"fleet-master/internal/tasks"
)

type workerCall struct {
	Path  string
	Auth  string
	Query url.Values
	Body  map[string]any
}

type fakeWorker struct {
	mu    sync.Mutex
	calls []workerCall
	reply func(path string, body map[string]any) (int, any)
}

func (f *fakeWorker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	f.mu.Lock()
	f.calls = append(f.calls, workerCall{Path: r.URL.Path, Auth: r.Header.Get("Authorization"), Query: r.URL.Query(), Body: body})
	f.mu.Unlock()

	status, out := http.StatusOK, any(map[string]any{"result": true, "message": "ok"})
	if f.reply != nil {
		status, out = f.reply(r.URL.Path, body)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(out)
}

func (f *fakeWorker) callsTo(path string) []workerCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []workerCall
	for _, c := range f.calls {
		if c.Path == path {
			out = append(out, c)
		}
	}
	return out
}

type stubTokens struct {
	panicFor string
}

func (s stubTokens) IssueToken(audience string) (string, error) {
	if audience == s.panicFor {
		panic("key material unavailable")
	}
	return "tok-" + audience, nil
}

type fixture struct {
	store  *store.Store
	worker *fakeWorker
	srv    *httptest.Server
	reg    *registry.Registry
	tasks  *tasks.Group
	d      *Dispatcher
}

func newFixture(t *testing.T, tokens stubTokens) *fixture {
	t.Helper()
	fw := &fakeWorker{}
	srv := httptest.NewServer(fw)
	t.Cleanup(srv.Close)

	st := store.New()
	reg := registry.New(st, registry.Config{})
	group := tasks.NewGroup(nil, 8)
	d := New(Config{
		Store:    st,
		Registry: reg,
		Tokens:   tokens,
		NewClient: func() *rpc.Client {
			return rpc.New(rpc.Options{Timeout: 2 * time.Second})
		},
		Tasks:            group,
		BatchConcurrency: 2,
	})
	f := &fixture{store: st, worker: fw, srv: srv, reg: reg, tasks: group, d: d}
	f.addWorker(t, "w1")
	return f
}

func (f *fixture) addWorker(t *testing.T, name string) {
	t.Helper()
	if _, _, err := f.reg.Register(context.Background(), model.Worker{Name: name, Endpoint: f.srv.URL}); err != nil {
		t.Fatalf("Register: %v", err)
	}
}

func (f *fixture) addUser(t *testing.T, username, workerName string, trigger model.TriggerType) model.User {
	t.Helper()
	sess := f.store.Session(context.Background())
	defer sess.Close() //nolint:errcheck

	u, _, err := sess.UpsertUser(model.User{
		Username:   username,
		PersonName: strings.ToUpper(username),
		IMUsername: "im-" + username,
		WorkerName: workerName,
		Cookies:    map[string]string{"sid": username},
	})
	if err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}
	if trigger != "" {
		_, err := sess.CreateSignConfig(model.SignConfig{
			UserID:           u.ID,
			Name:             "default",
			IsDefault:        true,
			TriggerType:      trigger,
			ThresholdCount:   5,
			ThresholdPercent: 0.5,
			ThresholdTime:    300,
			PollInterval:     1,
			UseRandomPhoto:   true,
		})
		if err != nil {
			t.Fatalf("CreateSignConfig: %v", err)
		}
	}
	return u
}

func (f *fixture) addActivity(t *testing.T, a model.Activity) model.Activity {
	t.Helper()
	sess := f.store.Session(context.Background())
	defer sess.Close() //nolint:errcheck
	out, _, err := sess.CreateActivityIfAbsent(a)
	if err != nil {
		t.Fatalf("CreateActivityIfAbsent: %v", err)
	}
	return out
}

func (f *fixture) detection(t *testing.T, id string) model.Detection {
	t.Helper()
	d, err := f.store.Session(context.Background()).Detection(id)
	if err != nil {
		t.Fatalf("Detection: %v", err)
	}
	return d
}

func TestHandleActivity_ImmediateSuccess(t *testing.T) {
	f := newFixture(t, stubTokens{})
	u := f.addUser(t, "alice", "w1", model.TriggerImmediate)
	f.addActivity(t, model.Activity{ActivityID: "A1", Title: "Check-in", CourseName: "Math"})

	det, err := f.d.HandleActivity(context.Background(), u.ID, "A1")
	if err != nil {
		t.Fatalf("HandleActivity: %v", err)
	}
	if det.Status != model.DetectionSuccess || det.Message != "Signed in: ok" {
		t.Fatalf("expected success, got %s %q", det.Status, det.Message)
	}

	calls := f.worker.callsTo(pathSignIn)
	if len(calls) != 1 {
		t.Fatalf("expected one sign-in call, got %d", len(calls))
	}
	c := calls[0]
	if c.Auth != "Bearer tok-w1" {
		t.Fatalf("expected fleet token for w1, got %q", c.Auth)
	}
	if c.Body["activity_id"] != "A1" || c.Body["random_photo"] != true {
		t.Fatalf("unexpected sign-in body: %v", c.Body)
	}
	if cookies, _ := c.Body["cookies"].(map[string]any); cookies["sid"] != "alice" {
		t.Fatalf("expected user cookies in body, got %v", c.Body["cookies"])
	}
}

func TestHandleActivity_ImmediateRejected(t *testing.T) {
	f := newFixture(t, stubTokens{})
	f.worker.reply = func(string, map[string]any) (int, any) {
		return http.StatusOK, map[string]any{"result": false, "message": "too late", "response_data": "closed"}
	}
	u := f.addUser(t, "alice", "w1", model.TriggerImmediate)
	f.addActivity(t, model.Activity{ActivityID: "A1"})

	det, err := f.d.HandleActivity(context.Background(), u.ID, "A1")
	if err != nil {
		t.Fatalf("HandleActivity: %v", err)
	}
	if det.Status != model.DetectionFailed {
		t.Fatalf("expected failed, got %s", det.Status)
	}
	var msg struct {
		Result  bool   `json:"result"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal([]byte(det.Message), &msg); err != nil {
		t.Fatalf("expected structured failure message, got %q", det.Message)
	}
	if msg.Result || msg.Message != "too late closed" {
		t.Fatalf("unexpected failure message: %+v", msg)
	}
}

func TestHandleActivity_ImmediateUpstreamError(t *testing.T) {
	f := newFixture(t, stubTokens{})
	f.worker.reply = func(string, map[string]any) (int, any) {
		return http.StatusBadRequest, map[string]any{"detail": "bad cookies"}
	}
	u := f.addUser(t, "alice", "w1", model.TriggerImmediate)
	f.addActivity(t, model.Activity{ActivityID: "A1"})

	det, err := f.d.HandleActivity(context.Background(), u.ID, "A1")
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}
	if det.Status != model.DetectionFailed {
		t.Fatalf("expected failed detection, got %s", det.Status)
	}
}

func TestHandleActivity_ManualFallbackWaits(t *testing.T) {
	f := newFixture(t, stubTokens{})
	u := f.addUser(t, "alice", "w1", "")
	f.addActivity(t, model.Activity{ActivityID: "A1"})

	det, err := f.d.HandleActivity(context.Background(), u.ID, "A1")
	if err != nil {
		t.Fatalf("HandleActivity: %v", err)
	}
	if det.Status != model.DetectionWaiting {
		t.Fatalf("expected waiting, got %s", det.Status)
	}
	if n := len(f.worker.callsTo(pathSignIn)); n != 0 {
		t.Fatalf("expected no sign-in call, got %d", n)
	}
}

func TestHandleActivity_IsIdempotent(t *testing.T) {
	f := newFixture(t, stubTokens{})
	u := f.addUser(t, "alice", "w1", model.TriggerImmediate)
	f.addActivity(t, model.Activity{ActivityID: "A1"})

	first, err := f.d.HandleActivity(context.Background(), u.ID, "A1")
	if err != nil {
		t.Fatalf("HandleActivity: %v", err)
	}
	second, err := f.d.HandleActivity(context.Background(), u.ID, "A1")
	if err != nil {
		t.Fatalf("HandleActivity: %v", err)
	}
	if first.UUID != second.UUID {
		t.Fatalf("expected the same detection, got %s and %s", first.UUID, second.UUID)
	}
	if n := len(f.worker.callsTo(pathSignIn)); n != 1 {
		t.Fatalf("expected one sign-in call, got %d", n)
	}
}

func TestThresholdThenWorkerReport(t *testing.T) {
	f := newFixture(t, stubTokens{})
	u := f.addUser(t, "alice", "w1", model.TriggerThreshold)
	f.addActivity(t, model.Activity{ActivityID: "A1"})

	det, err := f.d.HandleActivity(context.Background(), u.ID, "A1")
	if err != nil {
		t.Fatalf("HandleActivity: %v", err)
	}
	if det.Status != model.DetectionPolling {
		t.Fatalf("expected polling, got %s", det.Status)
	}

	calls := f.worker.callsTo(pathThreshold)
	if len(calls) != 1 {
		t.Fatalf("expected one threshold call, got %d", len(calls))
	}
	body := calls[0].Body
	if body["uuid"] != det.UUID || body["threshold_time"] != float64(300) || body["poll_interval"] != float64(3) {
		t.Fatalf("unexpected threshold body: %v", body)
	}
	if body["threshold_count"] != float64(5) || body["threshold_percent"] != 0.5 {
		t.Fatalf("unexpected threshold parameters: %v", body)
	}

	signed := 42
	det, err = f.d.UpdateStatus(context.Background(), det.UUID, model.DetectionSuccess, "signed by worker", model.AttendanceCounters{SignedUsers: &signed})
	if err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if det.Status != model.DetectionSuccess {
		t.Fatalf("expected success, got %s", det.Status)
	}
	a, err := f.store.Session(context.Background()).Activity("A1")
	if err != nil {
		t.Fatalf("Activity: %v", err)
	}
	if a.SignedUsers != 42 || a.AttendUpdatedAt == 0 {
		t.Fatalf("expected counters applied, got %+v", a)
	}
}

func TestThresholdDelegationFailureMarksFailed(t *testing.T) {
	f := newFixture(t, stubTokens{})
	f.worker.reply = func(string, map[string]any) (int, any) {
		return http.StatusConflict, map[string]any{"detail": "already polling"}
	}
	u := f.addUser(t, "alice", "w1", model.TriggerThreshold)
	f.addActivity(t, model.Activity{ActivityID: "A1"})

	det, err := f.d.HandleActivity(context.Background(), u.ID, "A1")
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}
	if det.Status != model.DetectionFailed {
		t.Fatalf("expected failed, got %s", det.Status)
	}
}

func TestQRActivity_WaitsForEnc(t *testing.T) {
	f := newFixture(t, stubTokens{})
	u := f.addUser(t, "alice", "w1", model.TriggerImmediate)
	f.addActivity(t, model.Activity{ActivityID: "QR1", OtherID: model.OtherIDQRCode})

	det, err := f.d.HandleActivity(context.Background(), u.ID, "QR1")
	if err != nil {
		t.Fatalf("HandleActivity: %v", err)
	}
	if det.Status != model.DetectionEnc {
		t.Fatalf("expected enc, got %s", det.Status)
	}

	det, err = f.d.TriggerSign(context.Background(), u.ID, det.UUID, "")
	if err != nil {
		t.Fatalf("TriggerSign without enc: %v", err)
	}
	if det.Status != model.DetectionEnc {
		t.Fatalf("expected enc unchanged, got %s", det.Status)
	}
	if n := len(f.worker.callsTo(pathSignIn)); n != 0 {
		t.Fatalf("expected no sign-in call without enc, got %d", n)
	}

	det, err = f.d.TriggerSign(context.Background(), u.ID, det.UUID, "ENC123")
	if err != nil {
		t.Fatalf("TriggerSign: %v", err)
	}
	if det.Status != model.DetectionSuccess {
		t.Fatalf("expected success, got %s", det.Status)
	}
	calls := f.worker.callsTo(pathSignIn)
	if len(calls) != 1 || calls[0].Body["enc"] != "ENC123" {
		t.Fatalf("expected one sign-in call carrying enc, got %+v", calls)
	}
}

func TestTriggerSign_Ownership(t *testing.T) {
	f := newFixture(t, stubTokens{})
	alice := f.addUser(t, "alice", "w1", "")
	bob := f.addUser(t, "bob", "w1", "")
	f.addActivity(t, model.Activity{ActivityID: "A1"})

	det, err := f.d.HandleActivity(context.Background(), alice.ID, "A1")
	if err != nil {
		t.Fatalf("HandleActivity: %v", err)
	}
	if _, err := f.d.TriggerSign(context.Background(), bob.ID, det.UUID, ""); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := f.d.TriggerSign(context.Background(), alice.ID, "missing", ""); !errors.Is(err, detection.ErrNotFound) {
		t.Fatalf("expected detection.ErrNotFound, got %v", err)
	}

	det, err = f.d.TriggerSign(context.Background(), alice.ID, det.UUID, "")
	if err != nil || det.Status != model.DetectionSuccess {
		t.Fatalf("expected manual trigger to succeed, got %s err=%v", det.Status, err)
	}
	again, err := f.d.TriggerSign(context.Background(), alice.ID, det.UUID, "")
	if err != nil || again.Status != model.DetectionSuccess {
		t.Fatalf("expected repeated trigger to be a no-op, got %s err=%v", again.Status, err)
	}
	if n := len(f.worker.callsTo(pathSignIn)); n != 1 {
		t.Fatalf("expected one sign-in call, got %d", n)
	}
}

func TestBatchSign_IsolatesFailures(t *testing.T) {
	f := newFixture(t, stubTokens{panicFor: "w-bad"})
	f.addWorker(t, "w-bad")
	f.worker.reply = func(path string, body map[string]any) (int, any) {
		cookies, _ := body["cookies"].(map[string]any)
		if cookies["sid"] == "bob" {
			return http.StatusOK, map[string]any{"result": false, "message": "wrong code"}
		}
		return http.StatusOK, map[string]any{"result": true, "message": "ok"}
	}
	alice := f.addUser(t, "alice", "w1", "")
	bob := f.addUser(t, "bob", "w1", "")
	carol := f.addUser(t, "carol", "w-bad", "")
	f.addActivity(t, model.Activity{ActivityID: "QR1", OtherID: model.OtherIDQRCode})

	for _, u := range []model.User{alice, bob, carol} {
		if _, err := f.d.HandleActivity(context.Background(), u.ID, "QR1"); err != nil {
			t.Fatalf("HandleActivity(%s): %v", u.Username, err)
		}
	}

	results, err := f.d.BatchSign(context.Background(), "QR1", "ENC")
	if err != nil {
		t.Fatalf("BatchSign: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d: %+v", len(results), results)
	}
	if r := results[alice.ID]; r.Status != model.DetectionSuccess || r.Name != "ALICE" {
		t.Fatalf("expected alice success, got %+v", r)
	}
	if r := results[bob.ID]; r.Status != model.DetectionFailed || !strings.Contains(r.Message, "wrong code") {
		t.Fatalf("expected bob failed with upstream reason, got %+v", r)
	}
	r := results[carol.ID]
	if r.Status != model.DetectionFailed || !strings.Contains(r.Message, "key material unavailable") {
		t.Fatalf("expected carol failed with panic text, got %+v", r)
	}
	if d := f.detection(t, r.DetectionID); d.Status != model.DetectionFailed {
		t.Fatalf("expected carol's detection failed, got %s", d.Status)
	}
}

func TestBatchSign_NoDetections(t *testing.T) {
	f := newFixture(t, stubTokens{})
	if _, err := f.d.BatchSign(context.Background(), "none", "ENC"); !errors.Is(err, ErrNoDetections) {
		t.Fatalf("expected ErrNoDetections, got %v", err)
	}
}

func TestIngest_ResolvesActivityAndDispatches(t *testing.T) {
	f := newFixture(t, stubTokens{})
	f.worker.reply = func(path string, body map[string]any) (int, any) {
		if path != pathResolveActivity {
			return http.StatusNotFound, map[string]any{}
		}
		return http.StatusOK, map[string]any{"activity_id": body["aid"], "title": "Check-in", "sign_type": "normal", "other_id": 0}
	}
	u := f.addUser(t, "alice", "w1", "")

	a, err := f.d.Ingest(context.Background(), ActivityReport{
		ActivityID: "A9",
		CourseID:   "C1",
		ClassID:    "K1",
		CourseName: "Math",
		DetectedBy: "im-alice",
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if a.ActivityID != "A9" || a.CourseName != "Math" || a.SignType != "normal" {
		t.Fatalf("unexpected activity: %+v", a)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.tasks.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	det, err := f.store.Session(context.Background()).DetectionFor(u.ID, "A9")
	if err != nil {
		t.Fatalf("DetectionFor: %v", err)
	}
	if det.Status != model.DetectionWaiting {
		t.Fatalf("expected waiting after background dispatch, got %s", det.Status)
	}
	if calls := f.worker.callsTo(pathResolveActivity); len(calls) != 1 || calls[0].Auth != "Bearer tok-w1" {
		t.Fatalf("expected one authenticated resolve call, got %+v", calls)
	}
}

func TestIngest_Errors(t *testing.T) {
	f := newFixture(t, stubTokens{})
	f.addUser(t, "nobody", "", "")

	if _, err := f.d.Ingest(context.Background(), ActivityReport{ActivityID: "A1", DetectedBy: "ghost"}); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
	if _, err := f.d.Ingest(context.Background(), ActivityReport{ActivityID: "A1", DetectedBy: "im-nobody"}); !errors.Is(err, ErrNoWorker) {
		t.Fatalf("expected ErrNoWorker, got %v", err)
	}
}

func TestUpdateAttendInfoAndMonitorError(t *testing.T) {
	f := newFixture(t, stubTokens{})
	u := f.addUser(t, "alice", "w1", "")
	f.addActivity(t, model.Activity{ActivityID: "A1"})
	if _, err := f.store.Session(context.Background()).UpdateUser(u.ID, func(x *model.User) { x.MonitorStatus = true }); err != nil {
		t.Fatalf("UpdateUser: %v", err)
	}

	total := 60
	a, err := f.d.UpdateAttendInfo(context.Background(), "A1", model.AttendanceCounters{TotalUsers: &total})
	if err != nil || a.TotalUsers != 60 || a.AttendUpdatedAt == 0 {
		t.Fatalf("UpdateAttendInfo: %+v err=%v", a, err)
	}
	if _, err := f.d.UpdateAttendInfo(context.Background(), "missing", model.AttendanceCounters{}); !errors.Is(err, ErrActivityNotFound) {
		t.Fatalf("expected ErrActivityNotFound, got %v", err)
	}

	updated, err := f.d.ReportMonitorError(context.Background(), "im-alice", "socket closed")
	if err != nil || updated.MonitorStatus {
		t.Fatalf("expected monitor turned off, got %+v err=%v", updated, err)
	}
	if _, err := f.d.ReportMonitorError(context.Background(), "im-ghost", "x"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestSyncUser_AssignsWorker(t *testing.T) {
	f := newFixture(t, stubTokens{})

	u, created, err := f.d.SyncUser(context.Background(), model.User{Username: "dave", IMUsername: "im-dave"}, "")
	if err != nil || !created || u.WorkerName != "w1" {
		t.Fatalf("expected dave assigned to w1, got %+v created=%v err=%v", u, created, err)
	}
	if _, _, err := f.d.SyncUser(context.Background(), model.User{Username: "erin"}, "ghost"); !errors.Is(err, ErrNoWorker) {
		t.Fatalf("expected ErrNoWorker for unknown worker, got %v", err)
	}

	if _, err := f.reg.Heartbeat(context.Background(), "w1", model.WorkerOffline); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if _, _, err := f.d.SyncUser(context.Background(), model.User{Username: "frank"}, ""); !errors.Is(err, ErrNoWorker) {
		t.Fatalf("expected ErrNoWorker with no online worker, got %v", err)
	}
	again, _, err := f.d.SyncUser(context.Background(), model.User{Username: "dave", PersonName: "Dave"}, "")
	if err != nil || again.WorkerName != "w1" {
		t.Fatalf("expected existing assignment kept, got %+v err=%v", again, err)
	}
}

func TestTriggerSign_ConcurrentTriggersSignOnce(t *testing.T) {
	f := newFixture(t, stubTokens{})
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	f.worker.reply = func(string, map[string]any) (int, any) {
		entered <- struct{}{}
		<-release
		return http.StatusOK, map[string]any{"result": true, "message": "ok"}
	}
	u := f.addUser(t, "alice", "w1", "")
	f.addActivity(t, model.Activity{ActivityID: "A1"})

	det, err := f.d.HandleActivity(context.Background(), u.ID, "A1")
	if err != nil || det.Status != model.DetectionWaiting {
		t.Fatalf("expected waiting detection, got %s err=%v", det.Status, err)
	}

	type outcome struct {
		det model.Detection
		err error
	}
	first := make(chan outcome, 1)
	go func() {
		d, err := f.d.TriggerSign(context.Background(), u.ID, det.UUID, "")
		first <- outcome{d, err}
	}()

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("first trigger never reached the worker")
	}
	if _, err := f.d.TriggerSign(context.Background(), u.ID, det.UUID, ""); !errors.Is(err, detection.ErrInFlight) {
		t.Fatalf("expected ErrInFlight for the second trigger, got %v", err)
	}
	results, err := f.d.BatchSign(context.Background(), "A1", "ENC")
	if err != nil {
		t.Fatalf("BatchSign: %v", err)
	}
	if r := results[u.ID]; r.Status != model.DetectionProcessing {
		t.Fatalf("expected batch to leave the in-flight sign-in alone, got %+v", r)
	}
	close(release)

	got := <-first
	if got.err != nil || got.det.Status != model.DetectionSuccess {
		t.Fatalf("expected first trigger to succeed, got %s err=%v", got.det.Status, got.err)
	}
	if n := len(f.worker.callsTo(pathSignIn)); n != 1 {
		t.Fatalf("expected one sign-in call, got %d", n)
	}
}

func TestTriggerSign_DeadlineStillRecordsFailure(t *testing.T) {
	f := newFixture(t, stubTokens{})
	f.worker.reply = func(string, map[string]any) (int, any) {
		time.Sleep(500 * time.Millisecond)
		return http.StatusOK, map[string]any{"result": true, "message": "ok"}
	}
	u := f.addUser(t, "alice", "w1", "")
	f.addActivity(t, model.Activity{ActivityID: "A1"})
	det, err := f.d.HandleActivity(context.Background(), u.ID, "A1")
	if err != nil {
		t.Fatalf("HandleActivity: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	out, err := f.d.TriggerSign(ctx, u.ID, det.UUID, "")
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}
	if out.Status != model.DetectionFailed {
		t.Fatalf("expected failed result, got %s", out.Status)
	}
	stored := f.detection(t, det.UUID)
	if stored.Status != model.DetectionFailed || !strings.Contains(stored.Message, "sign-in request failed") {
		t.Fatalf("expected stored failure, got %s %q", stored.Status, stored.Message)
	}
}

func TestHandleActivity_CancelledDuringDelegationFails(t *testing.T) {
	f := newFixture(t, stubTokens{})
	f.worker.reply = func(string, map[string]any) (int, any) {
		time.Sleep(500 * time.Millisecond)
		return http.StatusOK, map[string]any{}
	}
	u := f.addUser(t, "alice", "w1", model.TriggerThreshold)
	f.addActivity(t, model.Activity{ActivityID: "A1"})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	det, err := f.d.HandleActivity(ctx, u.ID, "A1")
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}
	if det.Status != model.DetectionFailed {
		t.Fatalf("expected failed detection, got %s", det.Status)
	}
	if stored := f.detection(t, det.UUID); stored.Status != model.DetectionFailed {
		t.Fatalf("expected stored failure, got %s", stored.Status)
	}
}

func TestSetMonitor_TellsWorker(t *testing.T) {
	f := newFixture(t, stubTokens{})
	f.worker.reply = func(path string, _ map[string]any) (int, any) {
		return http.StatusOK, map[string]any{"status": strings.TrimPrefix(path, "/api/v1/fleet/ws/")}
	}
	u := f.addUser(t, "alice", "", "")

	res, err := f.d.SetMonitor(context.Background(), u.ID, true)
	if err != nil {
		t.Fatalf("SetMonitor(on): %v", err)
	}
	if !res.User.MonitorStatus || res.User.WorkerName != "w1" || res.Worker != "w1" {
		t.Fatalf("expected monitoring on via w1, got %+v", res)
	}
	if !strings.Contains(res.Reply, "connect") {
		t.Fatalf("expected worker reply relayed, got %q", res.Reply)
	}
	calls := f.worker.callsTo(pathMonitorOn)
	if len(calls) != 1 || calls[0].Auth != "Bearer tok-w1" || calls[0].Query.Get("im_username") != "im-alice" {
		t.Fatalf("expected one authenticated connect call, got %+v", calls)
	}

	res, err = f.d.SetMonitor(context.Background(), u.ID, false)
	if err != nil || res.User.MonitorStatus {
		t.Fatalf("expected monitoring off, got %+v err=%v", res, err)
	}
	if n := len(f.worker.callsTo(pathMonitorOff)); n != 1 {
		t.Fatalf("expected one disconnect call, got %d", n)
	}
}

func TestSetMonitor_WorkerRefusalKeepsSwitch(t *testing.T) {
	f := newFixture(t, stubTokens{})
	f.worker.reply = func(string, map[string]any) (int, any) {
		return http.StatusBadRequest, map[string]any{"detail": "login expired"}
	}
	u := f.addUser(t, "alice", "w1", "")

	if _, err := f.d.SetMonitor(context.Background(), u.ID, true); !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}
	stored, err := f.store.Session(context.Background()).User(u.ID)
	if err != nil {
		t.Fatalf("User: %v", err)
	}
	if stored.MonitorStatus {
		t.Fatalf("expected monitor switch unchanged after refusal")
	}

	nobody := f.addUser(t, "nobody", "", "")
	if _, err := f.d.SetMonitor(context.Background(), nobody.ID, false); !errors.Is(err, ErrNoWorker) {
		t.Fatalf("expected ErrNoWorker when disabling without a worker, got %v", err)
	}
	if _, err := f.d.SetMonitor(context.Background(), "ghost", true); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}
