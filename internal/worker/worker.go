package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

type JobStatus string

const (
	JobStatusPending JobStatus = "pending"
	JobStatusRunning JobStatus = "running"
	JobStatusDone    JobStatus = "done"
	JobStatusFailed  JobStatus = "failed"
)

// Job is a recurring maintenance task. Spec uses the standard five-field
// cron syntax or a descriptor such as "@every 5m".
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) error
}

type JobState struct {
	Name      string    `json:"name"`
	Spec      string    `json:"spec"`
	Status    JobStatus `json:"status"`
	Runs      int       `json:"runs"`
	LastRun   time.Time `json:"last_run,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// Scheduler runs maintenance jobs on their cron schedules. A job still
// running when its next tick comes is skipped for that tick.
type Scheduler struct {
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	jobs   map[string]Job
	states map[string]*JobState
}

func NewScheduler() *Scheduler {
	logger := cronLogger{}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]Job),
		states: make(map[string]*JobState),
	}
}

func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("worker: job needs a name and a run function")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.Name]; ok {
		return fmt.Errorf("worker: job %q already scheduled", job.Name)
	}
	if _, err := s.cron.AddFunc(job.Spec, func() { s.run(job) }); err != nil {
		return fmt.Errorf("worker: schedule %q: %w", job.Name, err)
	}
	s.jobs[job.Name] = job
	s.states[job.Name] = &JobState{Name: job.Name, Spec: job.Spec, Status: JobStatusPending}
	return nil
}

// RunNow runs the named job synchronously, outside its schedule.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("worker: unknown job %q", name)
	}
	return s.run(job)
}

func (s *Scheduler) run(job Job) error {
	s.setState(job.Name, func(st *JobState) { st.Status = JobStatusRunning })

	start := time.Now()
	err := job.Run(s.ctx)

	s.setState(job.Name, func(st *JobState) {
		st.Runs++
		st.LastRun = start
		st.Status = JobStatusDone
		st.LastError = ""
		if err != nil {
			st.Status = JobStatusFailed
			st.LastError = err.Error()
		}
	})
	if err != nil {
		log.Error().Err(err).Str("job", job.Name).Msg("worker: job failed")
	} else {
		log.Debug().Str("job", job.Name).Dur("duration", time.Since(start)).Msg("worker: job done")
	}
	return err
}

func (s *Scheduler) setState(name string, fn func(*JobState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.states[name])
}

// Jobs returns a snapshot of every job's state, sorted by name.
func (s *Scheduler) Jobs() []JobState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobState, 0, len(s.states))
	for _, st := range s.states {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.cancel()
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// cronLogger routes the cron library's own messages to zerolog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
