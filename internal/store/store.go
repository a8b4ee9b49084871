package store

import (
	"context"
	"errors"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"fleet-master/internal/fsutil"
	"fleet-master/internal/model"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrSessionClosed = errors.New("store session closed")
)

type Store struct {
	mu sync.RWMutex

	stateFile     string
	persistMu     sync.Mutex
	log           *zap.Logger
	snapSeq       uint64
	lastPersisted uint64

	usersByID        map[string]model.User
	userIDByUsername map[string]string
	userIDByIM       map[string]string

	workersByName map[string]model.Worker

	activitiesByID map[string]model.Activity

	detectionsByUUID      map[string]model.Detection
	detectionByUserAct    map[string]string // userID + "|" + activityID -> uuid
	signConfigsByUUID     map[string]model.SignConfig
	signConfigUUIDsByUser map[string][]string
}

type Options struct {
	StateFile string
	Logger    *zap.Logger
}

func New() *Store {
	return NewWithOptions(Options{})
}

func NewWithOptions(opts Options) *Store {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	s := &Store{
		stateFile:             opts.StateFile,
		log:                   opts.Logger,
		usersByID:             make(map[string]model.User),
		userIDByUsername:      make(map[string]string),
		userIDByIM:            make(map[string]string),
		workersByName:         make(map[string]model.Worker),
		activitiesByID:        make(map[string]model.Activity),
		detectionsByUUID:      make(map[string]model.Detection),
		detectionByUserAct:    make(map[string]string),
		signConfigsByUUID:     make(map[string]model.SignConfig),
		signConfigUUIDsByUser: make(map[string][]string),
	}

	if s.stateFile != "" {
		if err := s.loadFromFile(s.stateFile); err != nil {
			s.log.Warn("state persistence: load failed", zap.String("file", s.stateFile), zap.Error(err))
		}
	}
	return s
}

// Session opens a unit of work. Each concurrently running task should hold
// its own; operations fail once the session is closed or ctx is done.
func (s *Store) Session(ctx context.Context) *Session {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Session{store: s, ctx: ctx}
}

type Session struct {
	store  *Store
	ctx    context.Context
	mu     sync.Mutex
	closed bool
	writes int
}

func (x *Session) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.closed = true
	return nil
}

// Writes reports how many mutations went through this session.
func (x *Session) Writes() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.writes
}

func (x *Session) check() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return ErrSessionClosed
	}
	return x.ctx.Err()
}

func (x *Session) wrote() {
	x.mu.Lock()
	x.writes++
	x.mu.Unlock()
}

type persistedState struct {
	Version     int                `json:"version"`
	Users       []model.User       `json:"users"`
	Workers     []model.Worker     `json:"workers"`
	Activities  []model.Activity   `json:"activities"`
	Detections  []model.Detection  `json:"detections"`
	SignConfigs []model.SignConfig `json:"signConfigs"`
	SavedAt     int64              `json:"savedAt"`

	seq uint64
}

func (s *Store) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}

	var file persistedState
	if err := json.Unmarshal(data, &file); err != nil {
		return err
	}
	if file.Version != 1 {
		return errors.New("unsupported state version")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range file.Users {
		if u.ID == "" {
			continue
		}
		s.putUserLocked(u)
	}
	for _, w := range file.Workers {
		if w.Name == "" {
			continue
		}
		s.workersByName[w.Name] = w
	}
	for _, a := range file.Activities {
		if a.ActivityID == "" {
			continue
		}
		s.activitiesByID[a.ActivityID] = a
	}
	for _, d := range file.Detections {
		if d.UUID == "" {
			continue
		}
		s.detectionsByUUID[d.UUID] = d
		s.detectionByUserAct[userActivityKey(d.UserID, d.ActivityID)] = d.UUID
	}
	for _, c := range file.SignConfigs {
		if c.UUID == "" || c.UserID == "" {
			continue
		}
		s.signConfigsByUUID[c.UUID] = c
		s.signConfigUUIDsByUser[c.UserID] = append(s.signConfigUUIDsByUser[c.UserID], c.UUID)
	}
	return nil
}

func (s *Store) snapshotLocked() *persistedState {
	if s.stateFile == "" {
		return nil
	}
	s.snapSeq++
	st := &persistedState{Version: 1, seq: s.snapSeq}
	for _, u := range s.usersByID {
		st.Users = append(st.Users, u)
	}
	for _, w := range s.workersByName {
		st.Workers = append(st.Workers, w)
	}
	for _, a := range s.activitiesByID {
		st.Activities = append(st.Activities, a)
	}
	for _, d := range s.detectionsByUUID {
		st.Detections = append(st.Detections, d)
	}
	for _, c := range s.signConfigsByUUID {
		st.SignConfigs = append(st.SignConfigs, c)
	}
	sort.Slice(st.Users, func(i, j int) bool { return st.Users[i].ID < st.Users[j].ID })
	sort.Slice(st.Workers, func(i, j int) bool { return st.Workers[i].Name < st.Workers[j].Name })
	sort.Slice(st.Activities, func(i, j int) bool { return st.Activities[i].ActivityID < st.Activities[j].ActivityID })
	sort.Slice(st.Detections, func(i, j int) bool { return st.Detections[i].UUID < st.Detections[j].UUID })
	sort.Slice(st.SignConfigs, func(i, j int) bool { return st.SignConfigs[i].UUID < st.SignConfigs[j].UUID })
	return st
}

func (s *Store) persist(st *persistedState) {
	if st == nil {
		return
	}

	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	// A newer snapshot may already be on disk if writers raced here.
	if st.seq <= s.lastPersisted {
		return
	}
	s.lastPersisted = st.seq

	st.SavedAt = time.Now().UnixMilli()
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		s.log.Error("state persistence: marshal failed", zap.Error(err))
		return
	}
	data = append(data, '\n')
	if err := fsutil.WriteFileAtomic(s.stateFile, data, 0o600); err != nil {
		s.log.Error("state persistence: write failed", zap.String("file", s.stateFile), zap.Error(err))
	}
}

// mutate runs fn under the write lock and persists the resulting state.
func (s *Store) mutate(fn func() error) error {
	s.mu.Lock()
	if err := fn(); err != nil {
		s.mu.Unlock()
		return err
	}
	snapshot := s.snapshotLocked()
	s.mu.Unlock()
	s.persist(snapshot)
	return nil
}

func userActivityKey(userID, activityID string) string {
	return userID + "|" + activityID
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
