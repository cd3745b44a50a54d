// File: internal/agent/pilot_test.go
package agent_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/bwasti/llpkmn/internal/action"
	"github.com/bwasti/llpkmn/internal/agent"
	"github.com/bwasti/llpkmn/internal/bridge"
	"github.com/bwasti/llpkmn/internal/config"
	"github.com/bwasti/llpkmn/internal/llmclient"
	"github.com/bwasti/llpkmn/internal/mocks"
	"github.com/bwasti/llpkmn/internal/screenshot"
	"github.com/bwasti/llpkmn/internal/store"
	"github.com/bwasti/llpkmn/internal/transport"
)

// -- Test doubles --

// fakeBridge hands out sequential capture paths and records taps.
type fakeBridge struct {
	mu          sync.Mutex
	shots       []string
	taps        []action.Button
	captureErrs []error
	onTap       func(n int) error
}

func (b *fakeBridge) Screenshot(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.captureErrs) > 0 {
		err := b.captureErrs[0]
		b.captureErrs = b.captureErrs[1:]
		if err != nil {
			return "", err
		}
	}
	p := fmt.Sprintf("shot_%03d.png", len(b.shots)+1)
	b.shots = append(b.shots, p)
	return p, nil
}

func (b *fakeBridge) Tap(ctx context.Context, button action.Button) error {
	b.mu.Lock()
	b.taps = append(b.taps, button)
	n := len(b.taps)
	hook := b.onTap
	b.mu.Unlock()
	if hook != nil {
		return hook(n)
	}
	return nil
}

func (b *fakeBridge) Taps() []action.Button {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]action.Button(nil), b.taps...)
}

func (b *fakeBridge) Shots() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.shots...)
}

type selectFunc func(ctx context.Context, n int, newest string) ([]string, error)

func (f selectFunc) Select(ctx context.Context, n int, newest string) ([]string, error) {
	return f(ctx, n, newest)
}

// lastN selects the newest n captures the bridge has produced.
func lastN(b *fakeBridge) selectFunc {
	return func(_ context.Context, n int, _ string) ([]string, error) {
		shots := b.Shots()
		if len(shots) < n {
			return nil, &screenshot.InsufficientStateError{Want: n, Have: len(shots)}
		}
		return shots[len(shots)-n:], nil
	}
}

// echoLoader returns images whose data is their own path.
type echoLoader struct {
	mu    sync.Mutex
	calls [][]string
}

func (l *echoLoader) Load(_ context.Context, paths []string) ([]screenshot.Image, error) {
	l.mu.Lock()
	l.calls = append(l.calls, append([]string(nil), paths...))
	l.mu.Unlock()
	out := make([]screenshot.Image, len(paths))
	for i, p := range paths {
		out[i] = screenshot.Image{Path: p, MIME: "image/png", Data: []byte(p)}
	}
	return out, nil
}

func imagePaths(req llmclient.GenerationRequest) []string {
	var out []string
	for _, p := range req.Parts {
		if p.Image != nil {
			out = append(out, string(p.Image.Data))
		}
	}
	return out
}

func testLoopConfig() config.LoopConfig {
	return config.LoopConfig{
		Mode:           config.ModeSingle,
		HistoryLimit:   8,
		MaxSteps:       3,
		CaptureRetries: 2,
		Prompt:         "The options are {keys}.",
		Keys:           []string{"A", "B", "Start", "Right", "Left", "Up", "Down"},
	}
}

type fixture struct {
	bridge  *fakeBridge
	loader  *echoLoader
	model   *mocks.MockModel
	journal *mocks.MockJournal
	deps    agent.Dependencies
}

func newFixture() *fixture {
	f := &fixture{
		bridge:  &fakeBridge{},
		loader:  &echoLoader{},
		model:   new(mocks.MockModel),
		journal: new(mocks.MockJournal),
	}
	f.deps = agent.Dependencies{
		Bridge:      f.bridge,
		Screenshots: lastN(f.bridge),
		Images:      f.loader,
		Model:       f.model,
		Journal:     f.journal,
	}
	return f
}

func newTestPilot(t *testing.T, cfg config.LoopConfig, deps agent.Dependencies, logger *zap.Logger) *agent.Pilot {
	t.Helper()
	if logger == nil {
		logger = zaptest.NewLogger(t)
	}
	p, err := agent.NewPilot(cfg, deps, logger)
	require.NoError(t, err)
	p.SetCaptureBackoff(func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) })
	return p
}

// -- Construction --

func TestNewPilot_Validation(t *testing.T) {
	f := newFixture()
	logger := zaptest.NewLogger(t)

	_, err := agent.NewPilot(testLoopConfig(), agent.Dependencies{Bridge: f.bridge}, logger)
	assert.Error(t, err)

	cfg := testLoopConfig()
	cfg.Mode = "three_phase"
	_, err = agent.NewPilot(cfg, f.deps, logger)
	assert.ErrorContains(t, err, "unknown loop mode")

	cfg = testLoopConfig()
	cfg.Keys = []string{"A", "Turbo"}
	_, err = agent.NewPilot(cfg, f.deps, logger)
	assert.ErrorIs(t, err, action.ErrInvalidVocabulary)

	cfg = testLoopConfig()
	cfg.HistoryLimit = -1
	_, err = agent.NewPilot(cfg, f.deps, logger)
	assert.Error(t, err)

	deps := f.deps
	deps.Journal = nil
	p, err := agent.NewPilot(testLoopConfig(), deps, logger)
	require.NoError(t, err)
	assert.NotEmpty(t, p.RunID())
	assert.Equal(t, agent.StateIdle, p.State())
}

// -- Run loop --

func TestPilot_BudgetBoundsSteps(t *testing.T) {
	f := newFixture()
	var reqs []llmclient.GenerationRequest
	f.model.On("Generate", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { reqs = append(reqs, args.Get(1).(llmclient.GenerationRequest)) }).
		Return("I think we should press A", nil)
	f.journal.On("Record", mock.Anything, mock.Anything).Return(nil)

	p := newTestPilot(t, testLoopConfig(), f.deps, nil)
	summary, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Steps)
	assert.Equal(t, 0, summary.Skipped)
	assert.Equal(t, p.RunID(), summary.RunID)
	assert.Equal(t, []action.Button{action.A, action.A, action.A}, f.bridge.Taps())
	assert.Len(t, f.bridge.Shots(), 3)
	assert.Equal(t, agent.StateDone, p.State())

	// Every prompt carries one more image than it has actions.
	require.Len(t, reqs, 3)
	for i, req := range reqs {
		assert.Len(t, imagePaths(req), i+1, "prompt %d", i)
		assert.Equal(t, llmclient.TierPowerful, req.Tier)
	}
	f.journal.AssertNumberOfCalls(t, "Record", 3)
}

func TestPilot_PromptPairsActionsWithStates(t *testing.T) {
	f := newFixture()
	var reqs []llmclient.GenerationRequest
	record := func(args mock.Arguments) { reqs = append(reqs, args.Get(1).(llmclient.GenerationRequest)) }
	f.model.On("Generate", mock.Anything, mock.Anything).Run(record).Return("go Up", nil).Once()
	f.model.On("Generate", mock.Anything, mock.Anything).Run(record).Return("then Left", nil).Once()
	f.model.On("Generate", mock.Anything, mock.Anything).Run(record).Return("A.", nil).Once()
	f.journal.On("Record", mock.Anything, mock.Anything).Return(nil)

	cfg := testLoopConfig()
	cfg.HistoryLimit = 1
	p := newTestPilot(t, cfg, f.deps, nil)
	_, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []action.Button{action.Up, action.Left, action.A}, f.bridge.Taps())
	require.Len(t, reqs, 3)
	assert.Equal(t, []string{"shot_001.png"}, imagePaths(reqs[0]))
	assert.Equal(t, []string{"shot_001.png", "shot_002.png"}, imagePaths(reqs[1]))
	// History limit 1: only the most recent action and the state it was taken in.
	assert.Equal(t, []string{"shot_002.png", "shot_003.png"}, imagePaths(reqs[2]))

	var texts []string
	for _, part := range reqs[2].Parts {
		if part.Image == nil {
			texts = append(texts, part.Text)
		}
	}
	assert.Contains(t, texts, "This was your response at the time: then Left, yielding the following game state:")
	assert.Equal(t, "The options are A, B, Start, Right, Left, Up, Down.", texts[len(texts)-1])

	entries := p.History().Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, action.A, entries[0].Action)
	assert.Equal(t, "shot_003.png", entries[0].Screenshot)
}

func TestPilot_UnparsableResponseStopsRun(t *testing.T) {
	f := newFixture()
	f.model.On("Generate", mock.Anything, mock.Anything).Return("Z", nil)

	p := newTestPilot(t, testLoopConfig(), f.deps, nil)
	summary, err := p.Run(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, action.ErrUnparsableAction)
	assert.Equal(t, agent.ErrCodeUnparsableAction, agent.Classify(err))
	assert.Equal(t, 0, summary.Steps)
	assert.Empty(t, f.bridge.Taps())
	assert.Equal(t, 0, p.History().Len())
	f.journal.AssertNotCalled(t, "Record", mock.Anything, mock.Anything)
}

func TestPilot_SkipUnparsable(t *testing.T) {
	f := newFixture()
	f.model.On("Generate", mock.Anything, mock.Anything).Return("hmm, not sure", nil).Once()
	f.model.On("Generate", mock.Anything, mock.Anything).Return("B", nil)
	f.journal.On("Record", mock.Anything, mock.Anything).Return(nil)

	cfg := testLoopConfig()
	cfg.SkipUnparsable = true
	cfg.MaxSteps = 2
	p := newTestPilot(t, cfg, f.deps, nil)

	summary, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Steps)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, []action.Button{action.B}, f.bridge.Taps())
	assert.Equal(t, 1, p.History().Len())
}

func TestPilot_CaptureFailureLeavesHistoryUnchanged(t *testing.T) {
	f := newFixture()
	f.bridge.captureErrs = []error{
		nil,
		&transport.Error{Op: "read", Command: "core.screenshot", Err: transport.ErrConnectionClosed},
	}
	f.model.On("Generate", mock.Anything, mock.Anything).Return("A", nil)
	f.journal.On("Record", mock.Anything, mock.Anything).Return(nil)

	p := newTestPilot(t, testLoopConfig(), f.deps, nil)
	summary, err := p.Run(context.Background())

	require.Error(t, err)
	assert.Equal(t, agent.ErrCodeConnectionClosed, agent.Classify(err))
	assert.Equal(t, 1, summary.Steps)
	assert.Equal(t, 1, p.History().Len())
	f.model.AssertNumberOfCalls(t, "Generate", 1)
	assert.Len(t, f.bridge.Taps(), 1)
}

func TestPilot_RetriesStorageErrors(t *testing.T) {
	f := newFixture()
	f.bridge.captureErrs = []error{
		fmt.Errorf("%w: disk full", screenshot.ErrStorageUnavailable),
		fmt.Errorf("%w: disk full", screenshot.ErrStorageUnavailable),
	}
	f.model.On("Generate", mock.Anything, mock.Anything).Return("Start", nil)
	f.journal.On("Record", mock.Anything, mock.Anything).Return(nil)

	cfg := testLoopConfig()
	cfg.MaxSteps = 1
	p := newTestPilot(t, cfg, f.deps, nil)

	summary, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Steps)
	assert.Equal(t, []action.Button{action.Start}, f.bridge.Taps())
}

func TestPilot_StorageErrorsExhaustRetries(t *testing.T) {
	f := newFixture()
	storageErr := fmt.Errorf("%w: read-only", screenshot.ErrStorageUnavailable)
	f.bridge.captureErrs = []error{storageErr, storageErr, storageErr}

	cfg := testLoopConfig()
	cfg.CaptureRetries = 1
	p := newTestPilot(t, cfg, f.deps, nil)

	_, err := p.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, agent.ErrCodeStorageUnavailable, agent.Classify(err))
	f.model.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything)
	// One attempt plus one retry.
	f.bridge.mu.Lock()
	assert.Len(t, f.bridge.captureErrs, 1)
	f.bridge.mu.Unlock()
}

func TestPilot_ModelFailureIsFatal(t *testing.T) {
	f := newFixture()
	f.model.On("Generate", mock.Anything, mock.Anything).Return("", errors.New("503 overloaded"))

	p := newTestPilot(t, testLoopConfig(), f.deps, nil)
	_, err := p.Run(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, agent.ErrModelFailure)
	assert.Equal(t, agent.ErrCodeModelFailure, agent.Classify(err))
	assert.Empty(t, f.bridge.Taps())
}

func TestPilot_TapFailureLeavesHistoryUnchanged(t *testing.T) {
	f := newFixture()
	f.bridge.onTap = func(int) error {
		return &transport.Error{Op: "write", Command: "mgba-http.button.tap,A", Err: errors.New("broken pipe")}
	}
	f.model.On("Generate", mock.Anything, mock.Anything).Return("A", nil)

	p := newTestPilot(t, testLoopConfig(), f.deps, nil)
	_, err := p.Run(context.Background())

	require.Error(t, err)
	assert.Equal(t, agent.ErrCodeTransport, agent.Classify(err))
	assert.Equal(t, 0, p.History().Len())
	f.journal.AssertNotCalled(t, "Record", mock.Anything, mock.Anything)
}

func TestPilot_TwoPhase(t *testing.T) {
	f := newFixture()
	f.model.On("Generate", mock.Anything, mock.Anything).Return("The exit is above us, so going up makes sense.", nil)
	f.model.On("Choose", mock.Anything, mock.MatchedBy(func(req llmclient.GenerationRequest) bool {
		return req.Tier == llmclient.TierFast && len(imagePaths(req)) == 1
	}), []string{"A", "B", "Start", "Right", "Left", "Up", "Down"}).Return("Up", nil)
	f.journal.On("Record", mock.Anything, mock.MatchedBy(func(rec store.StepRecord) bool {
		return rec.Mode == config.ModeTwoPhase && rec.Action == "Up"
	})).Return(nil)

	cfg := testLoopConfig()
	cfg.Mode = config.ModeTwoPhase
	cfg.MaxSteps = 1
	p := newTestPilot(t, cfg, f.deps, nil)

	_, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []action.Button{action.Up}, f.bridge.Taps())
	entries := p.History().Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "The exit is above us, so going up makes sense.", entries[0].Response)
	f.model.AssertExpectations(t)
	f.journal.AssertExpectations(t)
}

func TestPilot_TwoPhaseRejectsChoiceOutsideVocabulary(t *testing.T) {
	f := newFixture()
	f.model.On("Generate", mock.Anything, mock.Anything).Return("reasoning", nil)
	f.model.On("Choose", mock.Anything, mock.Anything, mock.Anything).Return("Select", nil)

	cfg := testLoopConfig()
	cfg.Mode = config.ModeTwoPhase
	p := newTestPilot(t, cfg, f.deps, nil)

	_, err := p.Run(context.Background())
	assert.ErrorIs(t, err, action.ErrUnparsableAction)
	assert.Empty(t, f.bridge.Taps())
}

func TestPilot_JournalFailureIsNotFatal(t *testing.T) {
	f := newFixture()
	f.model.On("Generate", mock.Anything, mock.Anything).Return("Down", nil)
	f.journal.On("Record", mock.Anything, mock.Anything).Return(errors.New("database is locked"))

	core, logs := observer.New(zapcore.WarnLevel)
	cfg := testLoopConfig()
	cfg.MaxSteps = 2
	p := newTestPilot(t, cfg, f.deps, zap.New(core))

	summary, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Steps)
	assert.Equal(t, 2, logs.FilterMessage("Failed to journal step").Len())

	f.journal.AssertCalled(t, "Record", mock.Anything, mock.MatchedBy(func(rec store.StepRecord) bool {
		return rec.RunID == p.RunID() && rec.Step == 1 && rec.Action == "Down" && rec.Screenshot == "shot_001.png"
	}))
}

func TestPilot_StopsOnCancellation(t *testing.T) {
	f := newFixture()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.bridge.onTap = func(n int) error {
		if n == 2 {
			cancel()
		}
		return nil
	}
	f.model.On("Generate", mock.Anything, mock.Anything).Return("A", nil)
	f.journal.On("Record", mock.Anything, mock.Anything).Return(nil)

	cfg := testLoopConfig()
	cfg.MaxSteps = -1
	p := newTestPilot(t, cfg, f.deps, nil)

	summary, err := p.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, summary.Steps)
	assert.Equal(t, agent.StateDone, p.State())
}

func TestPilot_StepTimeoutAbandonsStep(t *testing.T) {
	f := newFixture()
	f.model.On("Generate", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { <-args.Get(0).(context.Context).Done() }).
		Return("", context.DeadlineExceeded).Once()
	f.model.On("Generate", mock.Anything, mock.Anything).Return("Right", nil)
	f.journal.On("Record", mock.Anything, mock.Anything).Return(nil)

	cfg := testLoopConfig()
	cfg.StepTimeout = 50 * time.Millisecond
	p := newTestPilot(t, cfg, f.deps, nil)

	summary, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Steps)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, []action.Button{action.Right, action.Right}, f.bridge.Taps())

	// The abandoned capture is never paired with an action.
	for _, e := range p.History().Entries() {
		assert.NotEqual(t, "shot_001.png", e.Screenshot)
	}
}

func TestPilot_ReconcilesDivergentSelection(t *testing.T) {
	f := newFixture()
	f.deps.Screenshots = selectFunc(func(_ context.Context, n int, newest string) ([]string, error) {
		if n == 1 {
			return []string{newest}, nil
		}
		return []string{"stray.png", newest}, nil
	})
	f.model.On("Generate", mock.Anything, mock.Anything).Return("B", nil)
	f.journal.On("Record", mock.Anything, mock.Anything).Return(nil)

	core, logs := observer.New(zapcore.WarnLevel)
	cfg := testLoopConfig()
	cfg.MaxSteps = 2
	p := newTestPilot(t, cfg, f.deps, zap.New(core))

	_, err := p.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, f.loader.calls, 2)
	assert.Equal(t, []string{"shot_001.png", "shot_002.png"}, f.loader.calls[1])
	assert.Equal(t, 1, logs.FilterMessageSnippet("diverges").Len())
}

// -- End to end over the wire --

func TestPilot_EndToEndOverFakeBridge(t *testing.T) {
	ignore := goleak.IgnoreCurrent()
	t.Cleanup(func() { goleak.VerifyNone(t, ignore) })

	logger := zaptest.NewLogger(t)
	png := []byte("\x89PNG\r\n\x1a\n")
	fb, conn := mocks.NewFakeBridge(t, func(cmd string) []string {
		if path, ok := strings.CutPrefix(cmd, bridge.CommandScreenshot+","); ok {
			if err := os.WriteFile(path, png, 0o644); err != nil {
				return mocks.Reply("error")
			}
			return mocks.Reply(bridge.ResponseSuccess)
		}
		return mocks.Reply("ok")
	})

	tr := transport.New(conn, transport.Options{Timeout: 2 * time.Second, Logger: logger})
	shots, err := screenshot.New(config.ScreenshotConfig{
		Dir:          t.TempDir(),
		WaitTimeout:  2 * time.Second,
		PollInterval: 5 * time.Millisecond,
	}, logger)
	require.NoError(t, err)
	defer shots.Close()
	loader := screenshot.NewLoader(time.Minute, 16, logger)
	defer loader.Close()

	client := bridge.NewClient(tr, shots, "mgba-http", logger)
	require.NoError(t, client.Handshake(context.Background()))

	model := new(mocks.MockModel)
	var counts []int
	model.On("Generate", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			counts = append(counts, len(imagePaths(args.Get(1).(llmclient.GenerationRequest))))
		}).
		Return("I will press the A button", nil)

	p, err := agent.NewPilot(testLoopConfig(), agent.Dependencies{
		Bridge:      client,
		Screenshots: shots,
		Images:      loader,
		Model:       model,
	}, logger)
	require.NoError(t, err)

	summary, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Steps)
	assert.Equal(t, []int{1, 2, 3}, counts)

	cmds := fb.Commands()
	require.Len(t, cmds, 7)
	assert.Equal(t, bridge.CommandHandshake, cmds[0])
	for i := 0; i < 3; i++ {
		assert.True(t, strings.HasPrefix(cmds[1+2*i], bridge.CommandScreenshot+","), cmds[1+2*i])
		assert.Equal(t, "mgba-http.button.tap,A", cmds[2+2*i])
	}

	captured, err := shots.Latest(3)
	require.NoError(t, err)
	assert.Len(t, captured, 3)
	// Each capture was read from disk once and then served from cache.
	assert.Equal(t, 3, loader.Cached())
}
