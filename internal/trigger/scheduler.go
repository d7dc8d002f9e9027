package trigger

import (
	"context"
	"sync"

	"github.com/robfig/cron"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/algotips/leadsdb/internal/model"
)

// Default schedules, with a leading seconds field: weekly alerts go out on
// Tuesdays, semi-weekly ones every tenth day, monthly ones on the first.
const (
	DefaultWeeklySchedule     = "0 0 6 * * TUE"
	DefaultSemiWeeklySchedule = "0 0 6 */10 * *"
	DefaultMonthlySchedule    = "0 0 6 1 * *"
)

// Schedules maps each frequency to its cron spec. An empty spec disables
// that frequency.
type Schedules map[model.Frequency]string

// DefaultSchedules returns the stock cron specs.
func DefaultSchedules() Schedules {
	return Schedules{
		model.FrequencyWeekly:     DefaultWeeklySchedule,
		model.FrequencySemiWeekly: DefaultSemiWeeklySchedule,
		model.FrequencyMonthly:    DefaultMonthlySchedule,
	}
}

// Runner is the part of Engine the scheduler drives.
type Runner interface {
	Run(ctx context.Context, opts RunOptions) (Report, error)
}

// Scheduler fires one engine run per frequency on its cron schedule.
type Scheduler struct {
	runner  Runner
	cron    *cron.Cron
	onRun   func(Report)
	running sync.Mutex
}

// NewScheduler registers a job for every non-empty schedule. onRun, if
// non-nil, receives each successful report.
func NewScheduler(ctx context.Context, runner Runner, schedules Schedules, onRun func(Report)) (*Scheduler, error) {
	s := &Scheduler{runner: runner, cron: cron.New(), onRun: onRun}
	for _, freq := range model.Frequencies {
		spec := schedules[freq]
		if spec == "" {
			continue
		}
		err := s.cron.AddFunc(spec, func() {
			s.fire(ctx, freq)
		})
		if err != nil {
			return nil, eris.Wrapf(err, "trigger: schedule %s %q", freq, spec)
		}
		zap.L().Info("trigger: scheduled", zap.Stringer("frequency", freq), zap.String("spec", spec))
	}
	return s, nil
}

// fire runs the engine for one frequency. Runs never overlap.
func (s *Scheduler) fire(ctx context.Context, freq model.Frequency) {
	s.running.Lock()
	defer s.running.Unlock()

	report, err := s.runner.Run(ctx, RunOptions{Frequency: &freq})
	if err != nil {
		zap.L().Error("trigger: scheduled run failed", zap.Stringer("frequency", freq), zap.Error(err))
		return
	}
	if s.onRun != nil {
		s.onRun(report)
	}
}

// Start begins firing jobs in the background.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the scheduler. Jobs already running are not interrupted.
func (s *Scheduler) Stop() { s.cron.Stop() }

// Jobs returns the number of registered jobs.
func (s *Scheduler) Jobs() int { return len(s.cron.Entries()) }
