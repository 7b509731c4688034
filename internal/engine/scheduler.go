package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/ironclaw/ironclaw/internal/persistence"
)

// SubmissionKind orders work. Heartbeats never queue: a heartbeat that
// cannot start immediately is dropped.
type SubmissionKind int

const (
	KindTurn SubmissionKind = iota
	KindHeartbeat
)

// Submission is one unit of work for the scheduler: a user turn chain
// against a thread. Reply, when non-nil, receives the result; delivery
// is non-blocking, so the channel must be buffered.
type Submission struct {
	Kind   SubmissionKind
	Thread *persistence.Thread
	Text   string
	Reply  chan<- Result
}

// Result is the outcome of a submission.
type Result struct {
	Reply  string
	Thread *persistence.Thread
	Err    error
}

// TurnRunner is the engine surface the scheduler drives.
type TurnRunner interface {
	RunTurn(ctx context.Context, thread *persistence.Thread, userText string) (string, *persistence.Thread, error)
}

// SchedulerConfig tunes the scheduler.
type SchedulerConfig struct {
	// MaxParallelJobs is the global slot cap (default 4).
	MaxParallelJobs int
	// MailboxSize is the submission buffer (default 64).
	MailboxSize int
}

// ErrMailboxFull means the submission buffer is saturated; the caller
// should back off and retry.
var ErrMailboxFull = errors.New("scheduler mailbox full")

type schedOp int

const (
	opStop schedOp = iota
	opReset
)

type schedCmd struct {
	op     schedOp
	userID string
	done   chan struct{}
}

type runningJob struct {
	cancel context.CancelFunc
}

// Scheduler owns job ordering: submissions arrive on a single mailbox,
// run up to MaxParallelJobs in parallel, and never two at once for the
// same user. Only the run loop touches the queue and the running set.
type Scheduler struct {
	cfg     SchedulerConfig
	runner  TurnRunner
	logger  *slog.Logger
	mailbox chan Submission
	cmds    chan schedCmd
	done    chan string
	quit    chan struct{}

	wg      sync.WaitGroup
	jobs    sync.WaitGroup
	started bool
	cancel  context.CancelFunc
}

func NewScheduler(cfg SchedulerConfig, runner TurnRunner, logger *slog.Logger) *Scheduler {
	if cfg.MaxParallelJobs <= 0 {
		cfg.MaxParallelJobs = 4
	}
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg:     cfg,
		runner:  runner,
		logger:  logger,
		mailbox: make(chan Submission, cfg.MailboxSize),
		cmds:    make(chan schedCmd),
		done:    make(chan string),
		quit:    make(chan struct{}),
	}
}

// Start launches the run loop. Close stops it.
func (s *Scheduler) Start(ctx context.Context) {
	if s.started {
		return
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
}

// Submit enqueues work without blocking. A full mailbox is an error for
// turns and a silent drop for heartbeats.
func (s *Scheduler) Submit(sub Submission) error {
	select {
	case s.mailbox <- sub:
		return nil
	default:
		if sub.Kind == KindHeartbeat {
			s.logger.Debug("heartbeat dropped, mailbox full")
			return nil
		}
		return ErrMailboxFull
	}
}

// Stop cancels the user's in-flight job, if any. Queued submissions
// stay queued.
func (s *Scheduler) Stop(userID string) {
	s.command(schedCmd{op: opStop, userID: userID})
}

// Reset cancels the user's in-flight job and discards everything the
// user has queued.
func (s *Scheduler) Reset(userID string) {
	s.command(schedCmd{op: opReset, userID: userID})
}

func (s *Scheduler) command(cmd schedCmd) {
	cmd.done = make(chan struct{})
	select {
	case s.cmds <- cmd:
		<-cmd.done
	case <-s.quit:
	}
}

// Close cancels all jobs, stops the loop, and waits for both.
func (s *Scheduler) Close() {
	if !s.started {
		return
	}
	s.cancel()
	s.wg.Wait()
	s.jobs.Wait()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.quit)

	var queue []Submission
	active := make(map[string]runningJob)

	dispatch := func() {
		for len(active) < s.cfg.MaxParallelJobs {
			idx := -1
			for i, sub := range queue {
				if _, busy := active[sub.Thread.UserID]; !busy {
					idx = i
					break
				}
			}
			if idx < 0 {
				return
			}
			sub := queue[idx]
			queue = append(queue[:idx], queue[idx+1:]...)
			jctx, cancel := context.WithCancel(ctx)
			active[sub.Thread.UserID] = runningJob{cancel: cancel}
			s.jobs.Add(1)
			go s.run(jctx, cancel, sub)
		}
	}

	for {
		select {
		case <-ctx.Done():
			for _, job := range active {
				job.cancel()
			}
			for _, sub := range queue {
				deliver(sub.Reply, Result{Thread: sub.Thread, Err: ctx.Err()})
			}
			return

		case sub := <-s.mailbox:
			if sub.Thread == nil {
				s.logger.Warn("submission without thread dropped")
				continue
			}
			if sub.Kind == KindHeartbeat {
				_, busy := active[sub.Thread.UserID]
				if busy || len(active) >= s.cfg.MaxParallelJobs {
					s.logger.Debug("heartbeat dropped, scheduler saturated",
						"user_id", sub.Thread.UserID)
					continue
				}
			}
			queue = append(queue, sub)
			dispatch()

		case userID := <-s.done:
			if job, ok := active[userID]; ok {
				job.cancel()
				delete(active, userID)
			}
			dispatch()

		case cmd := <-s.cmds:
			if job, ok := active[cmd.userID]; ok {
				job.cancel()
			}
			if cmd.op == opReset {
				kept := queue[:0]
				for _, sub := range queue {
					if sub.Thread.UserID == cmd.userID {
						deliver(sub.Reply, Result{Thread: sub.Thread, Err: context.Canceled})
						continue
					}
					kept = append(kept, sub)
				}
				queue = kept
			}
			close(cmd.done)
		}
	}
}

func (s *Scheduler) run(ctx context.Context, cancel context.CancelFunc, sub Submission) {
	defer s.jobs.Done()
	defer cancel()

	reply, thread, err := s.runner.RunTurn(ctx, sub.Thread, sub.Text)
	if err != nil && ctx.Err() == nil {
		s.logger.Error("job failed",
			"user_id", sub.Thread.UserID, "thread_id", sub.Thread.ID, "error", err)
	}
	deliver(sub.Reply, Result{Reply: reply, Thread: thread, Err: err})

	// Always report back: a cancelled job still frees its user slot. The
	// quit case only fires once the loop itself has exited.
	select {
	case s.done <- sub.Thread.UserID:
	case <-s.quit:
	}
}

func deliver(ch chan<- Result, r Result) {
	if ch == nil {
		return
	}
	select {
	case ch <- r:
	default:
	}
}
