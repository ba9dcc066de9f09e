package taskgraph

import "testing"

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to Status }{
		{StatusPending, StatusReady},
		{StatusPending, StatusSkipped},
		{StatusReady, StatusRunning},
		{StatusReady, StatusSkipped},
		{StatusRunning, StatusCompleted},
		{StatusRunning, StatusFailed},
		{StatusRunning, StatusSkipped},
	}
	for _, tc := range allowed {
		if !CanTransition(tc.from, tc.to) {
			t.Fatalf("expected %s -> %s to be allowed", tc.from, tc.to)
		}
	}

	denied := []struct{ from, to Status }{
		{StatusPending, StatusRunning},
		{StatusPending, StatusCompleted},
		{StatusReady, StatusCompleted},
		{StatusCompleted, StatusFailed},
		{StatusFailed, StatusReady},
		{StatusSkipped, StatusRunning},
	}
	for _, tc := range denied {
		if CanTransition(tc.from, tc.to) {
			t.Fatalf("expected %s -> %s to be denied", tc.from, tc.to)
		}
	}
}

func TestStatusTerminal(t *testing.T) {
	for _, status := range []Status{StatusCompleted, StatusFailed, StatusSkipped} {
		if !status.Terminal() {
			t.Fatalf("expected %s to be terminal", status)
		}
	}
	for _, status := range []Status{StatusPending, StatusReady, StatusRunning} {
		if status.Terminal() {
			t.Fatalf("expected %s to not be terminal", status)
		}
	}
}

func TestNewTask(t *testing.T) {
	task := New("chapter", "Write one chapter")
	if task.ID == "" {
		t.Fatalf("expected generated id")
	}
	if task.Status != StatusPending {
		t.Fatalf("expected pending, got %s", task.Status)
	}
	if task.CreatedAt.IsZero() {
		t.Fatalf("expected created_at to be set")
	}

	task.Unit = 3
	key := task.Key()
	if key.Kind != "chapter" || key.Unit != 3 {
		t.Fatalf("unexpected key: %+v", key)
	}
}
