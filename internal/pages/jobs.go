package pages

import "strings"

// Job display buckets.
const (
	BucketToDo      = "to_do"
	BucketInProcess = "in_process"
	BucketPending   = "pending"
	BucketProcessed = "processed"
)

var statusBuckets = map[string]string{
	"todo":               BucketToDo,
	"new":                BucketToDo,
	"created":            BucketToDo,
	"processing":         BucketInProcess,
	"in_process":         BucketInProcess,
	"running":            BucketInProcess,
	"pending":            BucketPending,
	"pending_validation": BucketPending,
	"waiting_user":       BucketPending,
	"waiting_lpt":        BucketPending,
	"processed":          BucketProcessed,
	"completed":          BucketProcessed,
	"done":               BucketProcessed,
	"booked":             BucketProcessed,
}

// CheckJobStatus maps a bookkeeping job onto its display bucket. The job's
// own status field wins; jobs carrying an unknown status fall back on the
// APBookeeper step counters: any in-flight step means in_process, all steps
// done means processed, otherwise pending.
func CheckJobStatus(job map[string]any) string {
	if status, ok := job["status"].(string); ok {
		if bucket, ok := statusBuckets[strings.ToLower(strings.TrimSpace(status))]; ok {
			return bucket
		}
	}
	steps, ok := job["APBookeeper_step_status"].(map[string]any)
	if !ok || len(steps) == 0 {
		return BucketToDo
	}
	done := 0
	for _, v := range steps {
		s, _ := v.(string)
		switch strings.ToLower(s) {
		case "done", "completed", "processed":
			done++
		case "running", "processing", "in_process":
			return BucketInProcess
		}
	}
	if done == len(steps) {
		return BucketProcessed
	}
	return BucketPending
}

// SortJobs distributes jobs into the four display buckets, preserving input
// order within each bucket.
func SortJobs(jobs []map[string]any) map[string][]map[string]any {
	out := map[string][]map[string]any{
		BucketToDo:      {},
		BucketInProcess: {},
		BucketPending:   {},
		BucketProcessed: {},
	}
	for _, job := range jobs {
		bucket := CheckJobStatus(job)
		out[bucket] = append(out[bucket], job)
	}
	return out
}
