// Package store implements the persistence adapter (spec §4.H): durable
// rows for workflows, calls, and execution_info, plus the batch
// primitives the restart algorithm needs (resetTransientExecutions,
// setStartingStatus).
//
// Directly adapted from the teacher's WorkflowStore
// (services/orchestrator/persistence.go): the same bbolt-backed,
// versioned, hot-cached storage shape, generalized from two buckets
// (workflows, executions) to the three the spec requires (workflow,
// call, execution_info) plus a cache_index bucket (created at open but
// not read or written by this package; the call-cache index lives in
// pkg/cache's in-memory MemIndex) and a versions bucket archiving
// overwritten workflow rows, as the teacher archives overwritten
// workflow definitions.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// WorkflowRow is the durable record of one Workflow (spec §3). Status is
// the string form of workflowfsm.State; store does not import
// workflowfsm to avoid a dependency cycle (workflowfsm is the caller).
type WorkflowRow struct {
	WorkflowID string            `json:"workflow_id"`
	Status     string            `json:"status"`
	SourceRef  string            `json:"source_ref"`
	Inputs     map[string]any    `json:"inputs,omitempty"`
	Options    map[string]any    `json:"options,omitempty"`
	Labels     map[string]string `json:"labels,omitempty"`
	ImportRef  string            `json:"import_ref,omitempty"`
	RootOutput string            `json:"root_output"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// CallRow is the durable record of one Call (spec §3). Shard == -1
// means unsharded, mirroring pkg/callfsm.Key.
type CallRow struct {
	WorkflowID string            `json:"workflow_id"`
	TaskName   string            `json:"task_name"`
	Shard      int               `json:"shard"`
	Attempt    int               `json:"attempt"`
	Status     string            `json:"status"`
	CallRoot   string            `json:"call_root"`
	Outputs    map[string]string `json:"outputs,omitempty"`
	LastError  string            `json:"last_error,omitempty"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// Key returns the CallRow's primary key, matching callfsm.Key.String().
func (r CallRow) Key() string {
	shard := "-"
	if r.Shard >= 0 {
		shard = fmt.Sprintf("%d", r.Shard)
	}
	return fmt.Sprintf("%s/%s/%s/%d", r.WorkflowID, r.TaskName, shard, r.Attempt)
}

// CallGroupKey identifies a shard across its attempts, used to select
// the current (highest-attempt) row for a given task/shard.
func (r CallRow) CallGroupKey() string {
	shard := "-"
	if r.Shard >= 0 {
		shard = fmt.Sprintf("%d", r.Shard)
	}
	return fmt.Sprintf("%s/%s/%s", r.WorkflowID, r.TaskName, shard)
}

// Terminal reports whether Status names one of the three terminal Call
// states, used by restart's "reject if any Call Failed or Aborted" rule
// without importing callfsm.
func (r CallRow) Terminal() bool {
	switch r.Status {
	case "Succeeded", "Failed", "Aborted":
		return true
	default:
		return false
	}
}

// ExecutionInfoRow is one (callKey, key) -> value pair (spec §3).
type ExecutionInfoRow struct {
	CallKey string `json:"call_key"`
	Key     string `json:"key"`
	Value   string `json:"value"`
}

// CollectorRow is the durable record of one scatter's array-materializing
// collector (spec §4.F invariant: a Collector observed Running at restart
// must be reset to NotStarted).
type CollectorRow struct {
	WorkflowID string `json:"workflow_id"`
	TaskName   string `json:"task_name"`
	Length     int    `json:"length"`
	Status     string `json:"status"`
}

func (r CollectorRow) key() string {
	return r.WorkflowID + "/" + r.TaskName
}

// Store is the persistence adapter contract the engine requires.
type Store interface {
	InsertWorkflow(ctx context.Context, row WorkflowRow) error
	UpdateWorkflow(ctx context.Context, row WorkflowRow) error
	GetWorkflow(ctx context.Context, workflowID string) (WorkflowRow, bool, error)
	SelectNonTerminalWorkflows(ctx context.Context) ([]WorkflowRow, error)

	InsertCall(ctx context.Context, row CallRow) error
	UpdateCall(ctx context.Context, row CallRow) error
	SelectCallsByWorkflow(ctx context.Context, workflowID string) ([]CallRow, error)
	SelectNonTerminalCalls(ctx context.Context, workflowID string) ([]CallRow, error)

	PutExecutionInfo(ctx context.Context, row ExecutionInfoRow) error
	GetExecutionInfo(ctx context.Context, callKey string) (map[string]string, error)
	// UpdateCallWithExecutionInfo updates the Call row and upserts info
	// into execution_info in a single transaction (spec §4.H: "every
	// state transition of a Call is a single transaction that updates
	// the Call row and appends/updates its execution_info rows").
	UpdateCallWithExecutionInfo(ctx context.Context, row CallRow, info map[string]string) error

	// ResetTransientExecutions atomically resets every Call of
	// workflowID matching predicate to NotStarted (spec §4.H).
	ResetTransientExecutions(ctx context.Context, workflowID string, predicate func(CallRow) bool) error
	// SetStartingStatus atomically marks callKeys as Starting (spec §4.H).
	SetStartingStatus(ctx context.Context, workflowID string, callKeys []string) error

	PutCollector(ctx context.Context, row CollectorRow) error
	SelectCollectorsByWorkflow(ctx context.Context, workflowID string) ([]CollectorRow, error)

	Close() error
}

var (
	bucketWorkflow      = []byte("workflow")
	bucketCall          = []byte("call")
	bucketExecutionInfo = []byte("execution_info")
	bucketCacheIndex    = []byte("cache_index")
	bucketVersions      = []byte("versions")
	bucketCollector     = []byte("collector")
)

// BoltStore is the bbolt-backed Store, hot-cached in memory exactly as
// the teacher's WorkflowStore warms a memCache on startup and serves
// reads from it before falling to disk.
type BoltStore struct {
	db *bbolt.DB
	mu sync.RWMutex

	workflowCache map[string]WorkflowRow
	callCache     map[string]CallRow // keyed by CallRow.Key()

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
	cacheHits    metric.Int64Counter
	cacheMisses  metric.Int64Counter
}

// Open creates/opens a bbolt database at path and ensures all buckets
// exist, then warms the in-memory cache (teacher's warmCache pattern).
func Open(path string, meter metric.Meter) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketWorkflow, bucketCall, bucketExecutionInfo, bucketCacheIndex, bucketVersions, bucketCollector} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create buckets: %w", err)
	}

	readLatency, _ := meter.Float64Histogram("wfengine_store_read_ms")
	writeLatency, _ := meter.Float64Histogram("wfengine_store_write_ms")
	cacheHits, _ := meter.Int64Counter("wfengine_store_cache_hits_total")
	cacheMisses, _ := meter.Int64Counter("wfengine_store_cache_misses_total")

	s := &BoltStore{
		db:            db,
		workflowCache: make(map[string]WorkflowRow),
		callCache:     make(map[string]CallRow),
		readLatency:   readLatency,
		writeLatency:  writeLatency,
		cacheHits:     cacheHits,
		cacheMisses:   cacheMisses,
	}
	if err := s.warmCache(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: warm cache: %w", err)
	}
	return s, nil
}

func (s *BoltStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

func (s *BoltStore) warmCache() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		wb := tx.Bucket(bucketWorkflow)
		if err := wb.ForEach(func(k, v []byte) error {
			var row WorkflowRow
			if err := json.Unmarshal(v, &row); err != nil {
				return nil // skip corrupt entries, mirrors teacher's warmCache
			}
			s.workflowCache[row.WorkflowID] = row
			return nil
		}); err != nil {
			return err
		}
		cb := tx.Bucket(bucketCall)
		return cb.ForEach(func(k, v []byte) error {
			var row CallRow
			if err := json.Unmarshal(v, &row); err != nil {
				return nil
			}
			s.callCache[row.Key()] = row
			return nil
		})
	})
}

func recordLatency(h metric.Float64Histogram, ctx context.Context, start time.Time, op string) {
	h.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("operation", op)))
}

func (s *BoltStore) putWorkflowLocked(tx *bbolt.Tx, row WorkflowRow, archiveExisting bool) error {
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("store: marshal workflow: %w", err)
	}
	bucket := tx.Bucket(bucketWorkflow)
	if archiveExisting {
		if existing := bucket.Get([]byte(row.WorkflowID)); existing != nil {
			vb := tx.Bucket(bucketVersions)
			vkey := fmt.Sprintf("workflow:%s:%d", row.WorkflowID, time.Now().UnixNano())
			if err := vb.Put([]byte(vkey), existing); err != nil {
				return fmt.Errorf("store: archive workflow version: %w", err)
			}
		}
	}
	return bucket.Put([]byte(row.WorkflowID), data)
}

func (s *BoltStore) InsertWorkflow(ctx context.Context, row WorkflowRow) error {
	start := time.Now()
	defer recordLatency(s.writeLatency, ctx, start, "insert_workflow")

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Update(func(tx *bbolt.Tx) error { return s.putWorkflowLocked(tx, row, false) }); err != nil {
		return fmt.Errorf("store: insert workflow: %w", err)
	}
	s.workflowCache[row.WorkflowID] = row
	return nil
}

func (s *BoltStore) UpdateWorkflow(ctx context.Context, row WorkflowRow) error {
	start := time.Now()
	defer recordLatency(s.writeLatency, ctx, start, "update_workflow")

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Update(func(tx *bbolt.Tx) error { return s.putWorkflowLocked(tx, row, true) }); err != nil {
		return fmt.Errorf("store: update workflow: %w", err)
	}
	s.workflowCache[row.WorkflowID] = row
	return nil
}

func (s *BoltStore) GetWorkflow(ctx context.Context, workflowID string) (WorkflowRow, bool, error) {
	start := time.Now()
	defer recordLatency(s.readLatency, ctx, start, "get_workflow")

	s.mu.RLock()
	if row, ok := s.workflowCache[workflowID]; ok {
		s.mu.RUnlock()
		s.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("type", "workflow")))
		return row, true, nil
	}
	s.mu.RUnlock()
	s.cacheMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("type", "workflow")))

	var row WorkflowRow
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketWorkflow).Get([]byte(workflowID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &row)
	})
	if err != nil {
		return WorkflowRow{}, false, fmt.Errorf("store: get workflow: %w", err)
	}
	return row, found, nil
}

func (s *BoltStore) SelectNonTerminalWorkflows(ctx context.Context) ([]WorkflowRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]WorkflowRow, 0)
	for _, row := range s.workflowCache {
		switch row.Status {
		case "Succeeded", "Failed", "Aborted":
			continue
		default:
			out = append(out, row)
		}
	}
	return out, nil
}

func (s *BoltStore) putCallLocked(tx *bbolt.Tx, row CallRow) error {
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("store: marshal call: %w", err)
	}
	return tx.Bucket(bucketCall).Put([]byte(row.Key()), data)
}

func (s *BoltStore) InsertCall(ctx context.Context, row CallRow) error {
	start := time.Now()
	defer recordLatency(s.writeLatency, ctx, start, "insert_call")

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Update(func(tx *bbolt.Tx) error { return s.putCallLocked(tx, row) }); err != nil {
		return fmt.Errorf("store: insert call: %w", err)
	}
	s.callCache[row.Key()] = row
	return nil
}

func (s *BoltStore) UpdateCall(ctx context.Context, row CallRow) error {
	start := time.Now()
	defer recordLatency(s.writeLatency, ctx, start, "update_call")

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Update(func(tx *bbolt.Tx) error { return s.putCallLocked(tx, row) }); err != nil {
		return fmt.Errorf("store: update call: %w", err)
	}
	s.callCache[row.Key()] = row
	return nil
}

func (s *BoltStore) SelectCallsByWorkflow(ctx context.Context, workflowID string) ([]CallRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]CallRow, 0)
	for _, row := range s.callCache {
		if row.WorkflowID == workflowID {
			out = append(out, row)
		}
	}
	return out, nil
}

func (s *BoltStore) SelectNonTerminalCalls(ctx context.Context, workflowID string) ([]CallRow, error) {
	rows, err := s.SelectCallsByWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	out := rows[:0]
	for _, row := range rows {
		if row.Status != "NotStarted" && !row.Terminal() {
			out = append(out, row)
		}
	}
	return out, nil
}

func putExecutionInfoLocked(tx *bbolt.Tx, row ExecutionInfoRow) error {
	b := tx.Bucket(bucketExecutionInfo)
	key := []byte(row.CallKey + "\x00" + row.Key)
	return b.Put(key, []byte(row.Value))
}

func (s *BoltStore) PutExecutionInfo(ctx context.Context, row ExecutionInfoRow) error {
	start := time.Now()
	defer recordLatency(s.writeLatency, ctx, start, "put_execution_info")

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putExecutionInfoLocked(tx, row)
	})
}

// UpdateCallWithExecutionInfo updates row and upserts every (key, value)
// of info into execution_info, all inside one bbolt transaction (spec
// §4.H).
func (s *BoltStore) UpdateCallWithExecutionInfo(ctx context.Context, row CallRow, info map[string]string) error {
	start := time.Now()
	defer recordLatency(s.writeLatency, ctx, start, "update_call_with_execution_info")

	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if err := s.putCallLocked(tx, row); err != nil {
			return err
		}
		for k, v := range info {
			if err := putExecutionInfoLocked(tx, ExecutionInfoRow{CallKey: row.Key(), Key: k, Value: v}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: update call with execution info: %w", err)
	}
	s.callCache[row.Key()] = row
	return nil
}

func (s *BoltStore) GetExecutionInfo(ctx context.Context, callKey string) (map[string]string, error) {
	out := map[string]string{}
	prefix := []byte(callKey + "\x00")
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketExecutionInfo).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			out[string(k[len(prefix):])] = string(v)
		}
		return nil
	})
	return out, err
}

// ResetTransientExecutions atomically resets every Call of workflowID
// matching predicate to NotStarted, in a single bbolt transaction
// (bbolt transactions are already atomic across bucket mutations,
// satisfying the spec's "atomic batch" requirement).
func (s *BoltStore) ResetTransientExecutions(ctx context.Context, workflowID string, predicate func(CallRow) bool) error {
	start := time.Now()
	defer recordLatency(s.writeLatency, ctx, start, "reset_transient_executions")

	s.mu.Lock()
	defer s.mu.Unlock()

	var toReset []CallRow
	for _, row := range s.callCache {
		if row.WorkflowID == workflowID && predicate(row) {
			reset := row
			reset.Status = "NotStarted"
			reset.UpdatedAt = row.UpdatedAt
			toReset = append(toReset, reset)
		}
	}
	if len(toReset) == 0 {
		return nil
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		for _, row := range toReset {
			if err := s.putCallLocked(tx, row); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: reset transient executions: %w", err)
	}
	for _, row := range toReset {
		s.callCache[row.Key()] = row
	}
	return nil
}

// SetStartingStatus atomically marks callKeys (CallRow.Key() values) as
// Starting, in a single bbolt transaction.
func (s *BoltStore) SetStartingStatus(ctx context.Context, workflowID string, callKeys []string) error {
	start := time.Now()
	defer recordLatency(s.writeLatency, ctx, start, "set_starting_status")

	s.mu.Lock()
	defer s.mu.Unlock()

	keySet := make(map[string]bool, len(callKeys))
	for _, k := range callKeys {
		keySet[k] = true
	}
	var toUpdate []CallRow
	for key, row := range s.callCache {
		if row.WorkflowID == workflowID && keySet[key] {
			updated := row
			updated.Status = "Starting"
			toUpdate = append(toUpdate, updated)
		}
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		for _, row := range toUpdate {
			if err := s.putCallLocked(tx, row); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: set starting status: %w", err)
	}
	for _, row := range toUpdate {
		s.callCache[row.Key()] = row
	}
	return nil
}

// PutCollector upserts a scatter collector's row.
func (s *BoltStore) PutCollector(ctx context.Context, row CollectorRow) error {
	start := time.Now()
	defer recordLatency(s.writeLatency, ctx, start, "put_collector")

	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("store: marshal collector: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketCollector).Put([]byte(row.key()), data)
	})
}

// SelectCollectorsByWorkflow lists every collector row recorded for
// workflowID, used by restart to find Running collectors to reset
// (spec §4.G).
func (s *BoltStore) SelectCollectorsByWorkflow(ctx context.Context, workflowID string) ([]CollectorRow, error) {
	prefix := []byte(workflowID + "/")
	var out []CollectorRow
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketCollector).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var row CollectorRow
			if err := json.Unmarshal(v, &row); err != nil {
				continue
			}
			out = append(out, row)
		}
		return nil
	})
	return out, err
}

func hasPrefix(data, prefix []byte) bool {
	if len(data) < len(prefix) {
		return false
	}
	for i := range prefix {
		if data[i] != prefix[i] {
			return false
		}
	}
	return true
}
