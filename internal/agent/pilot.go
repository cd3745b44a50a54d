// internal/agent/pilot.go
package agent

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/bwasti/llpkmn/internal/action"
	"github.com/bwasti/llpkmn/internal/config"
	"github.com/bwasti/llpkmn/internal/llmclient"
	"github.com/bwasti/llpkmn/internal/llmutil"
	"github.com/bwasti/llpkmn/internal/screenshot"
	"github.com/bwasti/llpkmn/internal/store"
	"github.com/bwasti/llpkmn/internal/transport"
)

// Bridge is the part of the bridge client the loop drives.
type Bridge interface {
	Screenshot(ctx context.Context) (string, error)
	Tap(ctx context.Context, button action.Button) error
}

// Selector picks the captures for a prompt, oldest first.
type Selector interface {
	Select(ctx context.Context, n int, newest string) ([]string, error)
}

// Loader reads selected captures.
type Loader interface {
	Load(ctx context.Context, paths []string) ([]screenshot.Image, error)
}

// Dependencies are the collaborators of a Pilot. Journal may be nil.
type Dependencies struct {
	Bridge      Bridge
	Screenshots Selector
	Images      Loader
	Model       llmclient.Model
	Journal     store.Journal
}

// State is the position of the loop within a step.
type State int

const (
	StateIdle State = iota
	StateAwaitCapture
	StateAwaitSelection
	StateAwaitModel
	StateAwaitParse
	StateAwaitSubmit
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitCapture:
		return "await_capture"
	case StateAwaitSelection:
		return "await_selection"
	case StateAwaitModel:
		return "await_model"
	case StateAwaitParse:
		return "await_parse"
	case StateAwaitSubmit:
		return "await_submit"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// StepResult describes one completed step.
type StepResult struct {
	Step       int
	Action     action.Button
	Response   string
	Screenshot string
	Duration   time.Duration
}

// Summary describes a finished run.
type Summary struct {
	RunID   string
	Steps   int
	Skipped int
}

// Pilot runs the perception-action loop: capture, select, prompt, infer,
// parse, tap, remember. One step is in flight at a time and the Pilot owns
// the history exclusively; it is not safe for concurrent use.
type Pilot struct {
	runID   string
	cfg     config.LoopConfig
	deps    Dependencies
	vocab   *action.Set
	prompt  *PromptBuilder
	history *History
	limiter *rate.Limiter
	logger  *zap.Logger

	state State
	step  int

	captureBackoff func() backoff.BackOff
}

// NewPilot validates the loop configuration and wires the collaborators.
func NewPilot(cfg config.LoopConfig, deps Dependencies, logger *zap.Logger) (*Pilot, error) {
	if deps.Bridge == nil || deps.Screenshots == nil || deps.Images == nil || deps.Model == nil {
		return nil, fmt.Errorf("bridge, screenshots, images and model are required")
	}
	if deps.Journal == nil {
		deps.Journal = store.NopJournal{}
	}
	if cfg.Mode == "" {
		cfg.Mode = config.ModeSingle
	}
	if cfg.Mode != config.ModeSingle && cfg.Mode != config.ModeTwoPhase {
		return nil, fmt.Errorf("unknown loop mode '%s'", cfg.Mode)
	}
	if cfg.HistoryLimit < 0 {
		return nil, fmt.Errorf("history limit must not be negative")
	}
	vocab, err := action.NewSet(cfg.Keys)
	if err != nil {
		return nil, err
	}
	template := cfg.Prompt
	if template == "" {
		template = config.DefaultPrompt
	}

	limit := rate.Inf
	if cfg.StepInterval > 0 {
		limit = rate.Every(cfg.StepInterval)
	}

	runID := uuid.NewString()
	return &Pilot{
		runID:   runID,
		cfg:     cfg,
		deps:    deps,
		vocab:   vocab,
		prompt:  NewPromptBuilder(template, vocab.Names()),
		history: NewHistory(cfg.HistoryLimit),
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger.Named("pilot").With(zap.String("run_id", runID)),
		captureBackoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 250 * time.Millisecond
			b.MaxElapsedTime = 0
			return b
		},
	}, nil
}

// RunID identifies this run in logs and the journal.
func (p *Pilot) RunID() string { return p.runID }

// State reports where the loop currently is.
func (p *Pilot) State() State { return p.state }

// History exposes the current window.
func (p *Pilot) History() *History { return p.history }

func (p *Pilot) setState(s State) {
	p.state = s
	p.logger.Debug("State transition", zap.Int("step", p.step), zap.Stringer("state", s))
}

// Run steps until the budget is spent (negative is unbounded), a hard
// failure occurs, or ctx is done. Unparsable responses are skipped when
// configured; a step whose own deadline expired is abandoned and the run
// continues. Skipped steps count against the budget.
func (p *Pilot) Run(ctx context.Context) (Summary, error) {
	summary := Summary{RunID: p.runID}
	p.logger.Info("Starting run",
		zap.String("mode", p.cfg.Mode),
		zap.Int("max_steps", p.cfg.MaxSteps),
		zap.Int("history_limit", p.cfg.HistoryLimit),
		zap.Strings("keys", p.vocab.Names()),
	)

	budget := p.cfg.MaxSteps
	for budget != 0 {
		if err := p.limiter.Wait(ctx); err != nil {
			p.setState(StateDone)
			return summary, fmt.Errorf("run stopped: %w", err)
		}

		res, err := p.Step(ctx)
		if budget > 0 {
			budget--
		}
		if err != nil {
			code := Classify(err)
			switch {
			case ctx.Err() != nil:
				p.setState(StateDone)
				return summary, fmt.Errorf("run stopped: %w", ctx.Err())
			case p.cfg.SkipUnparsable && code == ErrCodeUnparsableAction:
				p.logger.Warn("Skipping step with unparsable response", zap.Int("step", p.step), zap.String("error_code", string(code)), zap.Error(err))
				summary.Skipped++
				continue
			case p.stepExpired(ctx, err):
				p.logger.Warn("Step deadline expired, abandoning step", zap.Int("step", p.step), zap.Duration("step_timeout", p.cfg.StepTimeout), zap.Error(err))
				summary.Skipped++
				continue
			default:
				p.setState(StateDone)
				p.logger.Error("Step failed, stopping run", zap.Int("step", p.step), zap.String("error_code", string(code)), zap.Error(err))
				return summary, err
			}
		}
		summary.Steps++
		p.logger.Info("Step complete",
			zap.Int("step", res.Step),
			zap.String("action", string(res.Action)),
			zap.Duration("duration", res.Duration),
		)
	}

	p.setState(StateDone)
	p.logger.Info("Run complete", zap.Int("steps", summary.Steps), zap.Int("skipped", summary.Skipped))
	return summary, nil
}

// stepExpired reports a step-local deadline that did not poison the bridge connection.
func (p *Pilot) stepExpired(ctx context.Context, err error) bool {
	if p.cfg.StepTimeout <= 0 || ctx.Err() != nil || !errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var terr *transport.Error
	return !errors.As(err, &terr)
}

// Step performs one capture, decide, tap cycle. History is only changed
// after the tap succeeded.
func (p *Pilot) Step(ctx context.Context) (StepResult, error) {
	p.step++
	start := time.Now()
	if p.cfg.StepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.StepTimeout)
		defer cancel()
	}

	shot, paths, err := p.observe(ctx)
	if err != nil {
		return StepResult{}, err
	}

	images, err := p.deps.Images.Load(ctx, paths)
	if err != nil {
		return StepResult{}, fmt.Errorf("load screenshots: %w", err)
	}
	entries := p.history.Entries()
	parts, err := p.prompt.Build(entries, images)
	if err != nil {
		return StepResult{}, err
	}

	button, response, err := p.decide(ctx, parts)
	if err != nil {
		return StepResult{}, err
	}

	p.setState(StateAwaitSubmit)
	if err := p.deps.Bridge.Tap(ctx, button); err != nil {
		return StepResult{}, err
	}

	p.history.Append(Entry{Step: p.step, Action: button, Response: response, Screenshot: shot})
	res := StepResult{
		Step:       p.step,
		Action:     button,
		Response:   response,
		Screenshot: shot,
		Duration:   time.Since(start),
	}
	p.record(ctx, res)
	p.setState(StateIdle)
	return res, nil
}

// observe captures a new screenshot and selects the window for the prompt.
// Only storage failures are retried; a transport failure leaves the
// connection unusable, so retrying would just repeat the error.
func (p *Pilot) observe(ctx context.Context) (string, []string, error) {
	var shot string
	capture := func() error {
		p.setState(StateAwaitCapture)
		path, err := p.deps.Bridge.Screenshot(ctx)
		if err != nil {
			if errors.Is(err, screenshot.ErrStorageUnavailable) && ctx.Err() == nil {
				return err
			}
			return backoff.Permanent(err)
		}
		shot = path
		return nil
	}
	b := backoff.WithContext(backoff.WithMaxRetries(p.captureBackoff(), uint64(max(p.cfg.CaptureRetries, 0))), ctx)
	notify := func(err error, wait time.Duration) {
		p.logger.Warn("Capture failed, retrying", zap.Int("step", p.step), zap.Duration("backoff", wait), zap.Error(err))
	}
	if err := backoff.RetryNotify(capture, b, notify); err != nil {
		return "", nil, fmt.Errorf("capture: %w", err)
	}

	p.setState(StateAwaitSelection)
	paths, err := p.deps.Screenshots.Select(ctx, p.history.ImagesNeeded(), shot)
	if err != nil {
		return "", nil, fmt.Errorf("select screenshots: %w", err)
	}
	return shot, p.reconcile(paths, shot), nil
}

// reconcile checks the selection against the captures recorded in history.
// They differ when an abandoned step left a capture behind or something else
// writes into the directory; the recorded captures keep each action paired
// with the state it was taken in.
func (p *Pilot) reconcile(selected []string, shot string) []string {
	entries := p.history.Entries()
	recorded := make([]string, 0, len(entries)+1)
	for _, e := range entries {
		recorded = append(recorded, e.Screenshot)
	}
	recorded = append(recorded, shot)
	if slices.Equal(selected, recorded) {
		return selected
	}
	p.logger.Warn("Screenshot selection diverges from step history, using recorded captures",
		zap.Int("step", p.step),
		zap.Strings("selected", selected),
		zap.Strings("recorded", recorded),
	)
	return recorded
}

// decide obtains the next button from the model.
func (p *Pilot) decide(ctx context.Context, parts []llmclient.Part) (action.Button, string, error) {
	p.setState(StateAwaitModel)
	req := llmclient.GenerationRequest{Parts: parts, Tier: llmclient.TierPowerful}
	response, err := p.deps.Model.Generate(ctx, req)
	if err != nil {
		return "", "", fmt.Errorf("%w: %w", ErrModelFailure, err)
	}
	p.logger.Info("Model response", zap.Int("step", p.step), zap.String("response", llmutil.Truncate(response, 2000)))

	if p.cfg.Mode == config.ModeTwoPhase {
		choiceReq := llmclient.GenerationRequest{
			Parts: p.prompt.ChoiceParts(parts, response),
			Tier:  llmclient.TierFast,
		}
		choice, err := p.deps.Model.Choose(ctx, choiceReq, p.vocab.Names())
		if err != nil {
			if errors.Is(err, llmclient.ErrInvalidChoice) {
				return "", "", err
			}
			return "", "", fmt.Errorf("%w: %w", ErrModelFailure, err)
		}
		p.setState(StateAwaitParse)
		button, ok := p.vocab.Lookup(choice)
		if !ok {
			return "", "", &action.ParseError{Response: choice, Token: choice, Reason: "choice outside the vocabulary"}
		}
		return button, response, nil
	}

	p.setState(StateAwaitParse)
	button, err := p.vocab.Parse(response)
	if err != nil {
		return "", "", err
	}
	return button, response, nil
}

// record journals a step. Journal failures are logged and do not stop the run.
func (p *Pilot) record(ctx context.Context, res StepResult) {
	rec := store.StepRecord{
		RunID:      p.runID,
		Step:       res.Step,
		Mode:       p.cfg.Mode,
		Action:     string(res.Action),
		Response:   res.Response,
		Screenshot: res.Screenshot,
		Duration:   res.Duration,
		CreatedAt:  time.Now().UTC(),
	}
	if err := p.deps.Journal.Record(ctx, rec); err != nil {
		p.logger.Warn("Failed to journal step", zap.Int("step", res.Step), zap.Error(err))
	}
}
