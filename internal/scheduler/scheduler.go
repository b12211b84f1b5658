// Package scheduler runs the periodic ledger jobs. Each job skips a tick
// while its previous run is still in progress.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

type RunFunc func(ctx context.Context) error

type Job struct {
	name     string
	interval time.Duration
	run      RunFunc
	running  atomic.Bool
	inflight sync.WaitGroup
}

func NewJob(name string, interval time.Duration, run RunFunc) *Job {
	return &Job{name: name, interval: interval, run: run}
}

func (j *Job) Name() string { return j.name }

// RunOnce runs the job unless a run is already active. ran is false when
// the run was skipped.
func (j *Job) RunOnce(ctx context.Context) (ran bool, err error) {
	if !j.running.CompareAndSwap(false, true) {
		return false, nil
	}
	defer j.running.Store(false)
	return true, j.run(ctx)
}

// Start begins the job's processing loop. It returns once ctx is done and
// the active run, if any, has finished.
func (j *Job) Start(ctx context.Context) {
	logger := log.With().Str("component", "scheduler").Str("job", j.name).Logger()
	logger.Info().Dur("interval", j.interval).Msg("starting job")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down job")
			j.inflight.Wait()
			return
		case <-ticker.C:
			// run in its own goroutine so a slow run shows up as skipped ticks
			j.inflight.Add(1)
			go func() {
				defer j.inflight.Done()
				started := time.Now()
				ran, err := j.RunOnce(ctx)
				switch {
				case !ran:
					logger.Warn().Msg("previous run still active, tick skipped")
				case err != nil && ctx.Err() == nil:
					logger.Error().Err(err).Dur("took", time.Since(started)).Msg("job failed")
				default:
					logger.Debug().Dur("took", time.Since(started)).Msg("job finished")
				}
			}()
		}
	}
}

// Scheduler owns a set of jobs.
type Scheduler struct {
	jobs []*Job
	wg   sync.WaitGroup
}

func New(jobs ...*Job) *Scheduler {
	return &Scheduler{jobs: jobs}
}

func (s *Scheduler) Add(job *Job) {
	s.jobs = append(s.jobs, job)
}

// Start launches every job with a positive interval.
func (s *Scheduler) Start(ctx context.Context) {
	for _, job := range s.jobs {
		if job.interval <= 0 {
			log.Warn().Str("component", "scheduler").Str("job", job.name).Msg("job disabled, no interval")
			continue
		}
		s.wg.Add(1)
		go func(j *Job) {
			defer s.wg.Done()
			j.Start(ctx)
		}(job)
	}
}

// Wait blocks until every job loop has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
