package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"rc_tracker/config"
	"rc_tracker/models"
	"rc_tracker/scraper"
)

// Triggerable allows workers to be triggered manually
type Triggerable interface {
	Trigger()
}

// Runner starts pipeline runs.
type Runner interface {
	TriggerRun(ctx context.Context, kinds ...models.AdapterKind) (*scraper.RunAccepted, error)
}

// CommandStore is the queue of commands sent by other processes.
type CommandStore interface {
	GetPendingCommands() ([]models.Command, error)
	MarkCommandProcessed(id int64) error
	ParseCommandParams(cmd *models.Command) (*models.CommandParams, error)
}

type Options struct {
	Times    []string
	Timezone string
	Cron     string
	Interval time.Duration
	Modules  []models.AdapterKind
}

type Scheduler struct {
	runner   Runner
	store    CommandStore
	opts     Options
	cron     *cron.Cron
	ticker   *time.Ticker
	stopCh   chan struct{}
	stopOnce sync.Once

	retentionWorker Triggerable
	pollInterval    time.Duration
}

func New(runner Runner, store CommandStore, opts Options) *Scheduler {
	return &Scheduler{
		runner:       runner,
		store:        store,
		opts:         opts,
		cron:         cron.New(),
		stopCh:       make(chan struct{}),
		pollInterval: 2 * time.Second,
	}
}

// SetRetention registers the history purge worker for the purge command.
func (s *Scheduler) SetRetention(w Triggerable) {
	s.retentionWorker = w
}

// BuildSpecs turns HH:MM times into cron specs evaluated in timezone.
func BuildSpecs(times []string, timezone string) ([]string, error) {
	if timezone == "" {
		timezone = "America/New_York"
	}
	if _, err := time.LoadLocation(timezone); err != nil {
		return nil, fmt.Errorf("unknown timezone %q: %w", timezone, err)
	}
	specs := make([]string, 0, len(times))
	for _, t := range times {
		hour, minute, err := config.ParseClock(t)
		if err != nil {
			return nil, err
		}
		specs = append(specs, fmt.Sprintf("CRON_TZ=%s %d %d * * *", timezone, minute, hour))
	}
	return specs, nil
}

func (s *Scheduler) Start(ctx context.Context) error {
	go s.pollCommands(ctx)

	var specs []string
	switch {
	case s.opts.Cron != "":
		specs = []string{s.opts.Cron}
		if s.opts.Timezone != "" {
			specs[0] = fmt.Sprintf("CRON_TZ=%s %s", s.opts.Timezone, s.opts.Cron)
		}
	case len(s.opts.Times) > 0:
		var err error
		specs, err = BuildSpecs(s.opts.Times, s.opts.Timezone)
		if err != nil {
			return err
		}
	}

	if len(specs) > 0 {
		for _, spec := range specs {
			log.Printf("Starting scheduler with cron: %s", spec)
			_, err := s.cron.AddFunc(spec, func() { s.scheduledRun(ctx) })
			if err != nil {
				return fmt.Errorf("invalid cron expression: %w", err)
			}
		}
		s.cron.Start()
	} else if s.opts.Interval > 0 {
		log.Printf("Starting scheduler with interval: %s", s.opts.Interval)
		s.ticker = time.NewTicker(s.opts.Interval)
		go func() {
			for {
				select {
				case <-s.ticker.C:
					s.scheduledRun(ctx)
				case <-s.stopCh:
					return
				case <-ctx.Done():
					return
				}
			}
		}()
	} else {
		log.Println("No schedule configured, daemon will only respond to commands")
	}

	return nil
}

func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		if s.cron != nil {
			<-s.cron.Stop().Done()
		}
		if s.ticker != nil {
			s.ticker.Stop()
		}
		close(s.stopCh)
	})
}

func (s *Scheduler) scheduledRun(ctx context.Context) {
	if err := s.trigger(ctx, s.opts.Modules); err != nil {
		log.Printf("Scheduled run error: %v", err)
	}
}

// trigger starts a run without waiting for it. A run already in progress
// is not an error; the trigger is dropped.
func (s *Scheduler) trigger(ctx context.Context, kinds []models.AdapterKind) error {
	accepted, err := s.runner.TriggerRun(ctx, kinds...)
	if errors.Is(err, scraper.ErrAlreadyRunning) {
		log.Println("Run already in progress, skipping trigger")
		return nil
	}
	if err != nil {
		return err
	}
	log.Printf("Run %s started", accepted.RunID)
	return nil
}

// TriggerNow starts a run over the configured modules.
func (s *Scheduler) TriggerNow(ctx context.Context) error {
	_, err := s.runner.TriggerRun(ctx, s.opts.Modules...)
	return err
}

func (s *Scheduler) pollCommands(ctx context.Context) {
	if s.store == nil {
		return
	}
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.processCommands(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) processCommands(ctx context.Context) {
	cmds, err := s.store.GetPendingCommands()
	if err != nil {
		log.Printf("Error getting commands: %v", err)
		return
	}

	for _, cmd := range cmds {
		log.Printf("Processing command: %s", cmd.Command)
		if err := s.handleCommand(ctx, &cmd); err != nil {
			log.Printf("Command error: %v", err)
		}
		if err := s.store.MarkCommandProcessed(cmd.ID); err != nil {
			log.Printf("Error marking command processed: %v", err)
		}
	}
}

func (s *Scheduler) handleCommand(ctx context.Context, cmd *models.Command) error {
	switch cmd.Command {
	case models.CmdRunNow:
		params, err := s.store.ParseCommandParams(cmd)
		if err != nil {
			return fmt.Errorf("run_now params: %w", err)
		}
		kinds := s.opts.Modules
		if params != nil && len(params.Modules) > 0 {
			kinds = params.Modules
		}
		for _, k := range kinds {
			if !k.Valid() {
				return fmt.Errorf("run_now: unknown module %q", k)
			}
		}
		return s.trigger(ctx, kinds)
	case models.CmdPurge:
		if s.retentionWorker == nil {
			return fmt.Errorf("purge: no retention worker configured")
		}
		s.retentionWorker.Trigger()
		log.Println("Retention worker triggered via command")
		return nil
	default:
		return fmt.Errorf("unknown command: %s", cmd.Command)
	}
}
