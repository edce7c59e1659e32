// Package memory implements the task tree repository port with an
// in-memory map, TTL-based eviction for terminal tasks, and optional
// atomic-rename persistence to a JSON snapshot file.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"taskforge/internal/apperr"
	"taskforge/internal/graph"
	"taskforge/internal/logging"
	"taskforge/internal/repository"
)

const (
	defaultEvictInterval = 5 * time.Minute
)

// Store is the in-memory Repository implementation.
type Store struct {
	mu    sync.RWMutex
	tasks map[string]*graph.Task

	retention time.Duration
	maxSize   int
	logger    logging.Logger

	persistencePath string

	stopOnce sync.Once
	stopCh   chan struct{}

	nextSubmissionOrder int64
}

// Option configures a Store.
type Option func(*Store)

// WithEvictionPolicy sets the terminal-task retention window and the hard
// cap on total stored tasks.
func WithEvictionPolicy(policy repository.EvictionPolicy) Option {
	return func(s *Store) {
		s.retention = policy.Retention
		s.maxSize = policy.MaxTasks
	}
}

// WithLogger overrides the component logger.
func WithLogger(logger logging.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithPersistenceFile enables snapshotting the store to a JSON file after
// every mutation, reloaded on the next New call.
func WithPersistenceFile(path string) Option {
	return func(s *Store) { s.persistencePath = strings.TrimSpace(path) }
}

// New creates a Store with optional TTL eviction. Call Close to stop the
// background eviction goroutine.
func New(opts ...Option) *Store {
	s := &Store{
		tasks:     make(map[string]*graph.Task),
		retention: repository.DefaultEvictionPolicy.Retention,
		maxSize:   repository.DefaultEvictionPolicy.MaxTasks,
		logger:    logging.NewComponentLogger("repository.memory"),
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.loadFromDisk()
	go s.evictLoop()
	return s
}

// Close stops the background eviction goroutine.
func (s *Store) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Store) evictLoop() {
	ticker := time.NewTicker(defaultEvictInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.evictExpired()
		}
	}
}

func (s *Store) evictExpired() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	for id, t := range s.tasks {
		if !t.Status.IsTerminal() {
			continue
		}
		if t.CompletedAt != nil && now.Sub(*t.CompletedAt) > s.retention {
			delete(s.tasks, id)
			changed = true
		}
	}
	if len(s.tasks) > s.maxSize {
		s.evictOldestTerminalLocked()
		changed = true
	}
	if changed {
		s.persistLocked()
	}
}

func (s *Store) evictOldestTerminalLocked() {
	type candidate struct {
		id          string
		completedAt time.Time
	}
	var candidates []candidate
	for id, t := range s.tasks {
		if t.Status.IsTerminal() && t.CompletedAt != nil {
			candidates = append(candidates, candidate{id: id, completedAt: *t.CompletedAt})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].completedAt.Before(candidates[j].completedAt)
	})
	toRemove := len(s.tasks) - s.maxSize
	for i := 0; i < toRemove && i < len(candidates); i++ {
		delete(s.tasks, candidates[i].id)
	}
}

// CreateMany persists a validated batch atomically.
func (s *Store) CreateMany(ctx context.Context, incoming []*graph.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range incoming {
		if _, exists := s.tasks[t.ID]; exists {
			return apperr.ConflictError(fmt.Sprintf("task %s already exists", t.ID))
		}
	}

	now := time.Now()
	for _, t := range incoming {
		clone := t.Clone()
		if clone.CreatedAt.IsZero() {
			clone.CreatedAt = now
		}
		clone.UpdatedAt = now
		if clone.Status == "" {
			clone.Status = graph.StatusPending
		}
		s.nextSubmissionOrder++
		clone.SubmissionOrder = s.nextSubmissionOrder
		s.tasks[clone.ID] = clone
	}
	s.persistLocked()
	return nil
}

// Get retrieves one task by id.
func (s *Store) Get(ctx context.Context, id string) (*graph.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, apperr.NotFoundError(fmt.Sprintf("task %s", id))
	}
	return t.Clone(), nil
}

// List returns userID's tasks, newest first, paginated.
func (s *Store) List(ctx context.Context, userID string, limit, offset int) ([]*graph.Task, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]*graph.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if userID != "" && t.UserID != userID {
			continue
		}
		matched = append(matched, t.Clone())
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if offset >= total {
		return []*graph.Task{}, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

// GetRoot walks parent_id from id to the tree's root.
func (s *Store) GetRoot(ctx context.Context, id string) (*graph.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cur, ok := s.tasks[id]
	if !ok {
		return nil, apperr.NotFoundError(fmt.Sprintf("task %s", id))
	}
	visited := make(map[string]struct{})
	for cur.ParentID != "" {
		if _, looped := visited[cur.ID]; looped {
			return nil, apperr.InternalError(fmt.Sprintf("task %s: cyclic parent chain", id))
		}
		visited[cur.ID] = struct{}{}
		parent, ok := s.tasks[cur.ParentID]
		if !ok {
			return nil, apperr.NotFoundError(fmt.Sprintf("task %s: parent %s", cur.ID, cur.ParentID))
		}
		cur = parent
	}
	return cur.Clone(), nil
}

// BuildSubtree returns id and every descendant, parent before child.
func (s *Store) BuildSubtree(ctx context.Context, id string) ([]*graph.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	root, ok := s.tasks[id]
	if !ok {
		return nil, apperr.NotFoundError(fmt.Sprintf("task %s", id))
	}
	childrenOf := s.childIndexLocked()

	var out []*graph.Task
	queue := []*graph.Task{root}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		out = append(out, cur.Clone())
		queue = append(queue, childrenOf[cur.ID]...)
	}
	return out, nil
}

// GetAllDescendants returns every descendant of id, excluding id.
func (s *Store) GetAllDescendants(ctx context.Context, id string) ([]*graph.Task, error) {
	all, err := s.BuildSubtree(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, nil
	}
	return all[1:], nil
}

// childIndexLocked groups tasks by parent_id. Caller must hold s.mu.
func (s *Store) childIndexLocked() map[string][]*graph.Task {
	index := make(map[string][]*graph.Task)
	for _, t := range s.tasks {
		if t.ParentID == "" {
			continue
		}
		index[t.ParentID] = append(index[t.ParentID], t)
	}
	return index
}

// FindDependents returns every task with a direct dependency on id.
func (s *Store) FindDependents(ctx context.Context, id string) ([]*graph.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*graph.Task
	for _, t := range s.tasks {
		for _, dep := range t.Dependencies {
			if dep.ID == id {
				out = append(out, t.Clone())
				break
			}
		}
	}
	return out, nil
}

// TransitiveDependents returns every task that depends on id through a
// chain of dependencies, direct or indirect.
func (s *Store) TransitiveDependents(ctx context.Context, id string) ([]*graph.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	reverse := make(map[string][]string)
	for _, t := range s.tasks {
		for _, dep := range t.Dependencies {
			reverse[dep.ID] = append(reverse[dep.ID], t.ID)
		}
	}

	seen := make(map[string]struct{})
	var out []*graph.Task
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, dependentID := range reverse[cur] {
			if _, ok := seen[dependentID]; ok {
				continue
			}
			seen[dependentID] = struct{}{}
			if t, ok := s.tasks[dependentID]; ok {
				out = append(out, t.Clone())
			}
			queue = append(queue, dependentID)
		}
	}
	return out, nil
}

// Update applies mutate to the stored task under the write lock.
func (s *Store) Update(ctx context.Context, id string, mutate func(*graph.Task) error) (*graph.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, apperr.NotFoundError(fmt.Sprintf("task %s", id))
	}
	working := t.Clone()
	if err := mutate(working); err != nil {
		return nil, err
	}
	working.ID = id
	working.UpdatedAt = time.Now()
	s.tasks[id] = working
	s.persistLocked()
	return working.Clone(), nil
}

// DeleteSubtree removes id and every descendant, refusing (with a
// DELETE_BLOCKED validation error enumerating every blocker) when either
// spec §4.1 delete rule is violated: (a) some task in the subtree is not
// pending, or (b) some task outside the subtree depends on one inside it.
// Violating either rule removes nothing.
func (s *Store) DeleteSubtree(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[id]; !ok {
		return apperr.NotFoundError(fmt.Sprintf("task %s", id))
	}

	childrenOf := s.childIndexLocked()
	subtree := make(map[string]struct{})
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		subtree[cur] = struct{}{}
		for _, child := range childrenOf[cur] {
			queue = append(queue, child.ID)
		}
	}

	var blockingDescendants []string
	for taskID := range subtree {
		if s.tasks[taskID].Status != graph.StatusPending {
			blockingDescendants = append(blockingDescendants, taskID)
		}
	}

	var blockingDependents []string
	for _, t := range s.tasks {
		if _, inSubtree := subtree[t.ID]; inSubtree {
			continue
		}
		for _, dep := range t.Dependencies {
			if _, blocked := subtree[dep.ID]; blocked {
				blockingDependents = append(blockingDependents, t.ID)
				break
			}
		}
	}

	if len(blockingDescendants) > 0 || len(blockingDependents) > 0 {
		sort.Strings(blockingDescendants)
		sort.Strings(blockingDependents)
		var issues graph.ValidationErrors
		if len(blockingDescendants) > 0 {
			issues = append(issues, &graph.ValidationIssue{
				Code:    graph.CodeDeleteBlocked,
				Message: fmt.Sprintf("task %s cannot be deleted: descendant(s) not pending: %s", id, strings.Join(blockingDescendants, ", ")),
				TaskID:  id,
				Path:    blockingDescendants,
			})
		}
		if len(blockingDependents) > 0 {
			issues = append(issues, &graph.ValidationIssue{
				Code:    graph.CodeDeleteBlocked,
				Message: fmt.Sprintf("task %s cannot be deleted: depended on from outside the subtree by: %s", id, strings.Join(blockingDependents, ", ")),
				TaskID:  id,
				Path:    blockingDependents,
			})
		}
		return issues
	}

	for taskID := range subtree {
		delete(s.tasks, taskID)
	}
	s.persistLocked()
	return nil
}

// CopySubtree persists a pre-built copy (new ids, reset lifecycle fields)
// atomically alongside the new root.
func (s *Store) CopySubtree(ctx context.Context, newRoot *graph.Task, copies []*graph.Task) (*graph.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := append([]*graph.Task{newRoot}, copies...)
	for _, t := range all {
		if _, exists := s.tasks[t.ID]; exists {
			return nil, apperr.ConflictError(fmt.Sprintf("copy target %s already exists", t.ID))
		}
	}
	now := time.Now()
	for _, t := range all {
		clone := t.Clone()
		clone.CreatedAt = now
		clone.UpdatedAt = now
		s.nextSubmissionOrder++
		clone.SubmissionOrder = s.nextSubmissionOrder
		s.tasks[clone.ID] = clone
	}
	s.persistLocked()
	return s.tasks[newRoot.ID].Clone(), nil
}

// Exists, UserIDOf, and ParentIDOf back graph.ExistingTaskLookup.
func (s *Store) Exists(ctx context.Context, id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.tasks[id]
	return ok
}

func (s *Store) UserIDOf(ctx context.Context, id string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return "", false
	}
	return t.UserID, true
}

func (s *Store) ParentIDOf(ctx context.Context, id string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return "", false
	}
	return t.ParentID, true
}

type persistedStore struct {
	Version int           `json:"version"`
	Tasks   []*graph.Task `json:"tasks"`
}

func (s *Store) loadFromDisk() {
	if s.persistencePath == "" {
		return
	}
	data, err := os.ReadFile(s.persistencePath)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("failed to load task persistence file %s: %v", s.persistencePath, err)
		}
		return
	}
	var persisted persistedStore
	if err := json.Unmarshal(data, &persisted); err != nil {
		s.logger.Warn("failed to parse task persistence file %s: %v", s.persistencePath, err)
		return
	}
	loaded := make(map[string]*graph.Task, len(persisted.Tasks))
	var maxOrder int64
	for _, t := range persisted.Tasks {
		if t == nil || strings.TrimSpace(t.ID) == "" {
			continue
		}
		loaded[t.ID] = t.Clone()
		if t.SubmissionOrder > maxOrder {
			maxOrder = t.SubmissionOrder
		}
	}
	s.tasks = loaded
	s.nextSubmissionOrder = maxOrder
}

func (s *Store) persistLocked() {
	if s.persistencePath == "" {
		return
	}
	snapshot := make([]*graph.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		snapshot = append(snapshot, t.Clone())
	}
	payload := persistedStore{Version: 1, Tasks: snapshot}

	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("failed to encode task persistence payload: %v", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.persistencePath), 0o755); err != nil {
		s.logger.Warn("failed to create task persistence directory for %s: %v", s.persistencePath, err)
		return
	}
	tmpPath := fmt.Sprintf("%s.tmp-%d", s.persistencePath, time.Now().UnixNano())
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		s.logger.Warn("failed to write task persistence temp file %s: %v", tmpPath, err)
		return
	}
	if err := os.Rename(tmpPath, s.persistencePath); err != nil {
		_ = os.Remove(tmpPath)
		s.logger.Warn("failed to atomically persist task store to %s: %v", s.persistencePath, err)
	}
}

var _ repository.Repository = (*Store)(nil)
