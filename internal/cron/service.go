// Package cron runs the engine's periodic maintenance jobs on cron
// schedules with a seconds field.
package cron

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
)

// JobFunc runs one maintenance job and returns a short result line.
type JobFunc func(ctx context.Context) (string, error)

// JobState records the last run of a job.
type JobState struct {
	Runs       int
	LastRunAt  time.Time
	LastStatus string // "ok" or "error"
	LastError  string
	LastResult string
}

// Job is a registered maintenance job.
type Job struct {
	Name     string
	Schedule string
	State    JobState
}

type job struct {
	Job
	fn      JobFunc
	entryID rcron.EntryID
}

type Service struct {
	mu     sync.Mutex
	jobs   map[string]*job
	cron   *rcron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	stopCh chan struct{}
	done   chan struct{} // closed once Stop has finished
}

func NewService() *Service {
	return &Service{
		jobs: make(map[string]*job),
		cron: rcron.New(rcron.WithSeconds()),
		ctx:  context.Background(),
	}
}

// AddJob registers fn under name on schedule, a six-field cron
// expression ("sec min hour dom month dow").
func (s *Service) AddJob(name, schedule string, fn JobFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[name]; ok {
		return fmt.Errorf("job %s already registered", name)
	}
	j := &job{Job: Job{Name: name, Schedule: schedule}, fn: fn}
	id, err := s.cron.AddFunc(schedule, func() { s.execute(name) })
	if err != nil {
		return fmt.Errorf("parse schedule %q for job %s: %w", schedule, name, err)
	}
	j.entryID = id
	s.jobs[name] = j
	return nil
}

func (s *Service) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	stopCh := make(chan struct{})
	s.mu.Lock()
	s.ctx = runCtx
	s.cancel = cancel
	s.stopCh = stopCh
	s.done = make(chan struct{})
	n := len(s.jobs)
	s.mu.Unlock()

	s.cron.Start()
	log.Printf("[cron] started with %d jobs", n)

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-stopCh:
		}
	}()
	return nil
}

// RunNow executes the named job immediately on the caller's goroutine.
func (s *Service) RunNow(name string) (JobState, error) {
	s.mu.Lock()
	_, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return JobState{}, fmt.Errorf("job %s not found", name)
	}
	return s.execute(name), nil
}

func (s *Service) execute(name string) JobState {
	s.mu.Lock()
	j, ok := s.jobs[name]
	ctx := s.ctx
	s.mu.Unlock()
	if !ok {
		return JobState{}
	}

	log.Printf("[cron] executing job %s", name)
	result, err := j.fn(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	j.State.Runs++
	j.State.LastRunAt = time.Now()
	if err != nil {
		j.State.LastStatus = "error"
		j.State.LastError = err.Error()
		log.Printf("[cron] job %s error: %v", name, err)
	} else {
		j.State.LastStatus = "ok"
		j.State.LastError = ""
		log.Printf("[cron] job %s result: %s", name, truncate(result, 100))
	}
	j.State.LastResult = result
	return j.State
}

// Stop halts the scheduler and waits for running jobs. Every caller,
// including ones racing the first, returns only after that wait is over.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	stopCh := s.stopCh
	done := s.done
	s.cancel = nil
	s.stopCh = nil
	s.mu.Unlock()
	if done == nil {
		return
	}
	if stopCh == nil {
		<-done
		return
	}
	close(stopCh)

	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(5 * time.Second):
		log.Printf("[cron] stop timeout waiting for running jobs")
	}
	cancel()
	close(done)
	log.Printf("[cron] stopped")
}

// ListJobs returns the registered jobs sorted by name.
func (s *Service) ListJobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.Job)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// NextRun reports when the named job fires next. It is zero before Start.
func (s *Service) NextRun(name string) (time.Time, bool) {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(j.entryID).Next, true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
