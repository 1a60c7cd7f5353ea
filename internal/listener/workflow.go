package listener

import (
	"fmt"
	"reflect"

	"go.uber.org/zap"

	"github.com/comptio/fabric/internal/common/metrics"
	"github.com/comptio/fabric/internal/docdb"
	ws "github.com/comptio/fabric/pkg/websocket"
)

// wfSnapshot is the per-(uid, job) cache of the two diffed substructures.
type wfSnapshot struct {
	initialData map[string]any
	stepStatus  map[string]any
}

func wfKey(userID, jobID string) string { return userID + ":" + jobID }

// AttachWorkflowWatcher subscribes to clients/{uid}/task_manager/{job_id}
// and publishes only fields that changed versus the cached substructures.
// workflow.* events go to the WebSocket only, never to the KV channels.
func (s *Supervisor) AttachWorkflowWatcher(userID, jobID string) error {
	if !s.cfg.WorkflowListener.Enabled {
		return fmt.Errorf("workflow listener disabled")
	}

	key := wfKey(userID, jobID)
	s.mu.Lock()
	if _, exists := s.workflows[key]; exists {
		s.mu.Unlock()
		return nil
	}
	// Reserve the slot so a concurrent attach does not double-subscribe.
	s.workflows[key] = func() {}
	s.mu.Unlock()

	log := s.logger.WithUserID(userID).WithFields(zap.String("job_id", jobID))
	docPath := fmt.Sprintf("clients/%s/task_manager/%s", userID, jobID)

	handle, err := s.doc.OnSnapshot(docPath, func(snap docdb.Snapshot) {
		if len(snap.Docs) == 0 {
			return
		}
		s.diffWorkflowDoc(userID, jobID, snap.Docs[0].Data)
	})
	if err != nil {
		s.mu.Lock()
		delete(s.workflows, key)
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.workflows[key] = handle.Close
	s.mu.Unlock()
	metrics.ListenersActive.WithLabelValues(typeWorkflow).Set(float64(s.WorkflowWatcherCount()))
	log.Debug("workflow watcher attached")
	return nil
}

// DetachWorkflowWatcher closes one on-demand workflow watcher.
func (s *Supervisor) DetachWorkflowWatcher(userID, jobID string) {
	key := wfKey(userID, jobID)
	s.mu.Lock()
	closeFn, ok := s.workflows[key]
	delete(s.workflows, key)
	delete(s.wfCache, key)
	s.mu.Unlock()
	if ok {
		closeFn()
		metrics.ListenersActive.WithLabelValues(typeWorkflow).Set(float64(s.WorkflowWatcherCount()))
	}
}

// diffWorkflowDoc publishes workflow.invoice_update and workflow.step_update
// for fields changed since the cached snapshot, then overwrites the cache.
func (s *Supervisor) diffWorkflowDoc(userID, jobID string, data map[string]any) {
	initial := subMap(subMap(data, "document"), "initial_data")
	steps := subMap(data, "APBookeeper_step_status")

	key := wfKey(userID, jobID)
	s.mu.Lock()
	prev := s.wfCache[key]
	s.wfCache[key] = wfSnapshot{initialData: initial, stepStatus: steps}
	s.mu.Unlock()

	if changed := changedFields(prev.initialData, initial); len(changed) > 0 {
		s.hub.BroadcastToUser(userID, ws.MustMessage(ws.EventWorkflowInvoiceUpdate, map[string]any{
			"job_id":  jobID,
			"changes": changed,
		}))
		metrics.ListenerEventsTotal.WithLabelValues(ws.EventWorkflowInvoiceUpdate).Inc()
	}
	if changed := changedFields(prev.stepStatus, steps); len(changed) > 0 {
		s.hub.BroadcastToUser(userID, ws.MustMessage(ws.EventWorkflowStepUpdate, map[string]any{
			"job_id":  jobID,
			"changes": changed,
		}))
		metrics.ListenerEventsTotal.WithLabelValues(ws.EventWorkflowStepUpdate).Inc()
	}
}

// AttachTransactionWatcher subscribes to task_manager/{batch_id} and
// publishes transaction.status_change events carrying only transactions
// whose status changed since the initial or last acknowledged value.
func (s *Supervisor) AttachTransactionWatcher(userID, batchID string) error {
	if !s.cfg.TransactionListener.Enabled {
		return fmt.Errorf("transaction listener disabled")
	}

	s.mu.Lock()
	if _, exists := s.txns[batchID]; exists {
		s.mu.Unlock()
		return nil
	}
	s.txns[batchID] = func() {}
	s.mu.Unlock()

	docPath := "task_manager/" + batchID
	handle, err := s.doc.OnSnapshot(docPath, func(snap docdb.Snapshot) {
		if len(snap.Docs) == 0 {
			return
		}
		s.diffTransactions(userID, batchID, snap.Docs[0].Data)
	})
	if err != nil {
		s.mu.Lock()
		delete(s.txns, batchID)
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.txns[batchID] = handle.Close
	s.mu.Unlock()
	return nil
}

// DetachTransactionWatcher closes one per-batch watcher.
func (s *Supervisor) DetachTransactionWatcher(batchID string) {
	s.mu.Lock()
	closeFn, ok := s.txns[batchID]
	delete(s.txns, batchID)
	delete(s.txnSeen, batchID)
	s.mu.Unlock()
	if ok {
		closeFn()
	}
}

// diffTransactions compares jobs_data[0].transactions[*].status against the
// acknowledged table and publishes only the changed ones.
func (s *Supervisor) diffTransactions(userID, batchID string, data map[string]any) {
	jobs, _ := data["jobs_data"].([]any)
	if len(jobs) == 0 {
		return
	}
	job, _ := jobs[0].(map[string]any)
	txns, _ := job["transactions"].([]any)
	if len(txns) == 0 {
		return
	}

	s.mu.Lock()
	seen := s.txnSeen[batchID]
	if seen == nil {
		seen = make(map[string]string)
		s.txnSeen[batchID] = seen
	}

	var changed []map[string]any
	for i, raw := range txns {
		txn, _ := raw.(map[string]any)
		if txn == nil {
			continue
		}
		id, _ := txn["id"].(string)
		if id == "" {
			id = fmt.Sprintf("#%d", i)
		}
		status, _ := txn["status"].(string)
		if prev, known := seen[id]; !known || prev != status {
			seen[id] = status
			if known {
				changed = append(changed, txn)
			}
			// The first observation is the initial table, not a change.
		}
	}
	s.mu.Unlock()

	if len(changed) == 0 {
		return
	}
	s.hub.BroadcastToUser(userID, ws.MustMessage(ws.EventTransactionStatus, map[string]any{
		"batch_id":     batchID,
		"transactions": changed,
	}))
	metrics.ListenerEventsTotal.WithLabelValues(ws.EventTransactionStatus).Inc()
}

// subMap safely extracts a nested object field.
func subMap(m map[string]any, field string) map[string]any {
	if m == nil {
		return nil
	}
	sub, _ := m[field].(map[string]any)
	return sub
}

// changedFields returns the fields of next that differ from prev.
func changedFields(prev, next map[string]any) map[string]any {
	if len(next) == 0 {
		return nil
	}
	changed := make(map[string]any)
	for k, v := range next {
		if old, ok := prev[k]; !ok || !reflect.DeepEqual(old, v) {
			changed[k] = v
		}
	}
	return changed
}
