package scheduler

import "testing"

func TestSchedulerAddJob(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	if err := s.AddJob("* * * * *", func() {}); err != nil {
		t.Errorf("expected no error adding job, got %v", err)
	}
	if err := s.AddJob(DefaultCleanupSpec, func() {}); err != nil {
		t.Errorf("expected no error adding cleanup job, got %v", err)
	}
}

func TestSchedulerRejectsInvalidExpression(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	if err := s.AddJob("not a cron expr", func() {}); err == nil {
		t.Error("expected error for invalid cron expression")
	}
	// 6-field expressions are rejected by the 5-field parser.
	if err := s.AddJob("0 0 * * * *", func() {}); err == nil {
		t.Error("expected error for 6-field expression")
	}
}
