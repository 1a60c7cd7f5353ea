package pages

import "testing"

func TestCheckJobStatus(t *testing.T) {
	cases := []struct {
		name string
		job  map[string]any
		want string
	}{
		{"explicit todo", map[string]any{"status": "todo"}, BucketToDo},
		{"explicit booked", map[string]any{"status": "booked"}, BucketProcessed},
		{"status wins over steps", map[string]any{
			"status":                  "pending_validation",
			"APBookeeper_step_status": map[string]any{"ocr": "done"},
		}, BucketPending},
		{"case and whitespace tolerated", map[string]any{"status": "  Completed "}, BucketProcessed},
		{"unknown status falls back on steps", map[string]any{
			"status":                  "mystery",
			"APBookeeper_step_status": map[string]any{"ocr": "done", "booking": "running"},
		}, BucketInProcess},
		{"all steps done", map[string]any{
			"APBookeeper_step_status": map[string]any{"ocr": "done", "booking": "completed"},
		}, BucketProcessed},
		{"mixed idle steps", map[string]any{
			"APBookeeper_step_status": map[string]any{"ocr": "done", "booking": "waiting"},
		}, BucketPending},
		{"no status, no steps", map[string]any{"job_id": "j1"}, BucketToDo},
		{"empty steps map", map[string]any{
			"APBookeeper_step_status": map[string]any{},
		}, BucketToDo},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := CheckJobStatus(tc.job); got != tc.want {
				t.Errorf("CheckJobStatus(%v) = %s, want %s", tc.job, got, tc.want)
			}
		})
	}
}

func TestSortJobs(t *testing.T) {
	jobs := []map[string]any{
		{"job_id": "j1", "status": "todo"},
		{"job_id": "j2", "status": "running"},
		{"job_id": "j3", "status": "todo"},
		{"job_id": "j4", "status": "done"},
	}

	out := SortJobs(jobs)

	if len(out) != 4 {
		t.Fatalf("bucket count = %d, want all four present", len(out))
	}
	todo := out[BucketToDo]
	if len(todo) != 2 || todo[0]["job_id"] != "j1" || todo[1]["job_id"] != "j3" {
		t.Errorf("to_do bucket = %v, want j1 then j3", todo)
	}
	if len(out[BucketInProcess]) != 1 || len(out[BucketProcessed]) != 1 {
		t.Errorf("in_process=%d processed=%d, want 1 each",
			len(out[BucketInProcess]), len(out[BucketProcessed]))
	}
	if len(out[BucketPending]) != 0 {
		t.Errorf("pending bucket = %v, want empty", out[BucketPending])
	}

	// Nil input still yields all buckets.
	empty := SortJobs(nil)
	for _, bucket := range []string{BucketToDo, BucketInProcess, BucketPending, BucketProcessed} {
		if empty[bucket] == nil {
			t.Errorf("bucket %s missing on empty input", bucket)
		}
	}
}
