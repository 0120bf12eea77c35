// Package session implements the voice session state machine.
//
// An Orchestrator owns at most one session at a time. Setup runs in Start;
// afterwards a single event loop goroutine owns all session state and
// serializes control channel events, tool completions, signing outcomes,
// volume samples and external commands.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/voxwallet/internal/domain"
	"github.com/ashureev/voxwallet/internal/realtime"
	"github.com/ashureev/voxwallet/internal/toolgate"
	"github.com/ashureev/voxwallet/internal/transcript"
	"github.com/ashureev/voxwallet/internal/volume"
)

var (
	// ErrSessionActive is returned by Start unless the orchestrator is idle.
	ErrSessionActive = errors.New("session already active")
	// ErrStopped is returned by Start when Stop interrupts setup.
	ErrStopped = errors.New("session stopped")
)

const defaultSpeakingThreshold = 0.02

// StartRequest carries the caller context captured at session start.
type StartRequest struct {
	Wallet   domain.WalletContext
	Contacts []domain.Contact
}

// Orchestrator drives voice sessions for one client.
type Orchestrator struct {
	deps Dependencies
	cfg  Config

	mu   sync.Mutex
	run  *run
	snap domain.Snapshot
}

// New builds an idle orchestrator.
func New(deps Dependencies, cfg Config) *Orchestrator {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.NewID == nil {
		deps.NewID = uuid.NewString
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.VolumeInterval <= 0 {
		cfg.VolumeInterval = volume.DefaultInterval
	}
	if cfg.SpeakingThreshold <= 0 {
		cfg.SpeakingThreshold = defaultSpeakingThreshold
	}
	return &Orchestrator{
		deps: deps,
		cfg:  cfg,
		snap: domain.IdleSnapshot(deps.Now()),
	}
}

// Snapshot returns the most recently published session state.
func (o *Orchestrator) Snapshot() domain.Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snap
}

// Start connects a new session and blocks until it is connected or setup
// fails. Setup failures leave the orchestrator in the error state until Stop.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (string, error) {
	o.mu.Lock()
	if o.run != nil {
		o.mu.Unlock()
		return "", ErrSessionActive
	}
	r := o.newRun(req)
	o.run = r
	o.mu.Unlock()

	logger := o.deps.Logger.With("session_id", r.id)
	logger.Info("Starting voice session", "wallet", req.Wallet.Key())
	o.record(r, domain.SessionEvent{Kind: domain.EventSessionStarted})
	o.transition(r, domain.StatusConnecting)

	setupCtx, cancel := context.WithCancel(ctx)
	unlink := context.AfterFunc(r.ctx, cancel)
	err := o.connect(setupCtx, r)
	unlink()
	cancel()
	if err == nil && r.ctx.Err() != nil {
		err = ErrStopped
	}
	if err != nil {
		stopped := r.ctx.Err() != nil
		r.release()
		if stopped {
			close(r.done)
			logger.Info("Voice session setup interrupted by stop")
			return "", fmt.Errorf("start session: %w", ErrStopped)
		}
		r.errMsg = err.Error()
		o.transition(r, domain.StatusError)
		close(r.done)
		logger.Error("Voice session setup failed", "error", err)
		return "", err
	}

	o.transition(r, domain.StatusConnected)
	logger.Info("Voice session connected")
	close(r.live)
	go o.loop(r)
	return r.id, nil
}

func (o *Orchestrator) connect(ctx context.Context, r *run) error {
	track, err := o.deps.Media.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire microphone: %w", err)
	}
	r.track = track

	cred, err := o.deps.Credentials.Issue(ctx, r.contacts)
	if err != nil {
		return fmt.Errorf("issue credential: %w", err)
	}

	ch, err := o.deps.Dial(ctx, cred.Value)
	if err != nil {
		return fmt.Errorf("negotiate connection: %w", err)
	}
	r.ch = ch

	update, err := realtime.SessionUpdate(o.cfg.Realtime)
	if err != nil {
		return fmt.Errorf("configure session: %w", err)
	}
	if err := ch.Send(update); err != nil {
		return fmt.Errorf("configure session: %w", err)
	}

	r.analyser = volume.NewAnalyser(o.cfg.AnalyserSize)
	r.sampler = volume.NewSampler(o.cfg.VolumeInterval, r.offerVolume)
	r.sampler.Attach(r.analyser)
	r.sampler.Start(r.ctx)

	r.pumpWG.Add(1)
	go r.pumpMicrophone()
	return nil
}

// Stop ends the current session from any state and releases every resource.
// It is idempotent.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	r := o.run
	o.run = nil
	o.mu.Unlock()

	if r != nil {
		r.cancel()
		<-r.done
		o.record(r, domain.SessionEvent{Kind: domain.EventSessionStopped, Status: domain.StatusIdle})
		o.deps.Logger.Info("Voice session stopped", "session_id", r.id)
	}

	o.mu.Lock()
	if o.run == nil {
		o.setSnapshotLocked(domain.IdleSnapshot(o.deps.Now()))
	}
	o.mu.Unlock()
}

// CompleteTransaction reports the signer's outcome for the pending call.
// It returns false when no call is awaiting signature.
func (o *Orchestrator) CompleteTransaction(success bool, txHash, errMsg string) bool {
	return o.resolve(func(r *run) bool {
		t := r.gate.Ticket()
		return t != nil && t.Complete(success, txHash, errMsg)
	})
}

// CancelTransaction reports that the user declined the pending call.
// It returns false when no call is awaiting signature.
func (o *Orchestrator) CancelTransaction() bool {
	return o.resolve(func(r *run) bool {
		t := r.gate.Ticket()
		return t != nil && t.Cancel()
	})
}

func (o *Orchestrator) resolve(fn func(r *run) bool) bool {
	o.mu.Lock()
	r := o.run
	o.mu.Unlock()
	if r == nil {
		return false
	}
	// Nothing can await signature before the loop runs.
	select {
	case <-r.live:
	default:
		return false
	}

	reply := make(chan bool, 1)
	select {
	case r.cmds <- func() { reply <- fn(r) }:
	case <-r.done:
		return false
	}
	select {
	case ok := <-reply:
		return ok
	case <-r.done:
		return false
	}
}

// transition sets the run's status and publishes. It is called from Start
// before the loop runs and from the loop afterwards.
func (o *Orchestrator) transition(r *run, status domain.Status) {
	r.status = status
	o.publish(r)
}

// publish stores a snapshot of r if it is still the current run.
func (o *Orchestrator) publish(r *run) {
	snap := r.snapshot(o.deps.Now())
	if snap.Status != r.published {
		r.published = snap.Status
		o.record(r, domain.SessionEvent{Kind: domain.EventStatusChanged, Status: snap.Status, Error: snap.Error})
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.run != r {
		return
	}
	o.setSnapshotLocked(snap)
}

func (o *Orchestrator) setSnapshotLocked(snap domain.Snapshot) {
	o.snap = snap
	if o.deps.Listener != nil {
		o.deps.Listener.Publish(snap)
	}
}

func (o *Orchestrator) record(r *run, ev domain.SessionEvent) {
	if o.deps.Recorder == nil {
		return
	}
	ev.Timestamp = o.deps.Now()
	ev.SessionID = r.id
	ev.Wallet = r.wallet.Key()
	o.deps.Recorder.Record(ev)
}

func (o *Orchestrator) newRun(req StartRequest) *run {
	ctx, cancel := context.WithCancel(context.Background())
	r := &run{
		id:        o.deps.NewID(),
		wallet:    req.Wallet,
		contacts:  req.Contacts,
		ctx:       ctx,
		cancel:    cancel,
		cmds:      make(chan func()),
		posted:    make(chan func(), 32),
		volumeC:   make(chan float64, 1),
		done:      make(chan struct{}),
		live:      make(chan struct{}),
		status:    domain.StatusIdle,
		published: domain.StatusIdle,
		threshold: o.cfg.SpeakingThreshold,
		logger:    o.deps.Logger,
	}
	r.agg = transcript.New(
		transcript.WithClock(o.deps.Now),
		transcript.OnFinalize(func(e domain.TranscriptEntry) {
			entry := e
			o.record(r, domain.SessionEvent{Kind: domain.EventEntryFinalized, Entry: &entry})
		}),
	)
	r.gate = toolgate.New(toolgate.Config{
		SessionID:  r.id,
		Wallet:     req.Wallet,
		Policy:     o.cfg.Policy,
		Executor:   o.deps.Executor,
		Reporter:   r,
		Transcript: r.agg,
		Bridge:     o.deps.Bridge,
		Observer:   &observer{o: o, r: r},
		Logger:     o.deps.Logger.With("session_id", r.id),
	})
	return r
}
