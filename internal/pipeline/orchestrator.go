// Package pipeline drives greedy autoregressive generation across an ordered
// chain of shard stages.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/semaphore"

	"github.com/samcharles93/pipeshard/internal/logger"
	"github.com/samcharles93/pipeshard/internal/stage"
	"github.com/samcharles93/pipeshard/internal/tensor"
	"github.com/samcharles93/pipeshard/internal/tokenizer"
)

var (
	// ErrGeneration wraps any stage failure that ends a session.
	ErrGeneration = errors.New("generation failed")
	// ErrEmptyPrompt is returned when a prompt encodes to no tokens.
	ErrEmptyPrompt = errors.New("prompt encodes to no tokens")
)

// Stage is one link of the pipeline. shard.Worker (in process) and
// stage.Client (remote) both satisfy it.
type Stage interface {
	Forward(ctx context.Context, in *tensor.Tensor) (*tensor.Tensor, error)
}

// Stages converts a typed slice into the Stage slice Config expects.
func Stages[S Stage](in []S) []Stage {
	out := make([]Stage, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

// TokenFunc observes each accepted token. piece is the newly decodable text,
// which may be empty while a multi-byte character is incomplete or the
// decoded prefix is still changing. Text held back that way is delivered in
// one last call with id FlushID, so the pieces always add up to Result.Text
// unless the tokenizer rewrote text that was already delivered.
type TokenFunc func(id int, piece string)

// FlushID marks the TokenFunc call that delivers held-back text.
const FlushID = -1

type Config struct {
	Stages    []Stage
	Tokenizer tokenizer.Tokenizer
	// EndTokenID stops generation when chosen. Negative disables it.
	EndTokenID int
	// MaxSessions bounds concurrent sessions. Zero means unbounded.
	MaxSessions int
	// Preflight runs before a session's first stage call, for example a
	// ChainCheck over remote workers. An error fails the session.
	Preflight func(ctx context.Context) error
	Log       logger.Logger
}

type Stats struct {
	PromptTokens    int
	TokensGenerated int
	StageCalls      int
	Duration        time.Duration
	TPS             float64
}

type Result struct {
	SessionID    string
	Tokens       []int
	Text         string
	FinishReason string
	Stats        Stats
}

// Orchestrator runs generation sessions. It holds no per-session state and is
// safe for concurrent use.
type Orchestrator struct {
	stages    []Stage
	tok       tokenizer.Tokenizer
	endToken  int
	preflight func(ctx context.Context) error
	sessions  *semaphore.Weighted
	log       logger.Logger
}

func New(cfg Config) (*Orchestrator, error) {
	if len(cfg.Stages) == 0 {
		return nil, errors.New("pipeline: no stages configured")
	}
	if cfg.Tokenizer == nil {
		return nil, errors.New("pipeline: no tokenizer configured")
	}
	if cfg.MaxSessions < 0 {
		return nil, fmt.Errorf("pipeline: max sessions %d must not be negative", cfg.MaxSessions)
	}
	log := cfg.Log
	if log == nil {
		log = logger.Discard()
	}
	o := &Orchestrator{
		stages:    cfg.Stages,
		tok:       cfg.Tokenizer,
		endToken:  cfg.EndTokenID,
		preflight: cfg.Preflight,
		log:       log,
	}
	if cfg.MaxSessions > 0 {
		o.sessions = semaphore.NewWeighted(int64(cfg.MaxSessions))
	}
	return o, nil
}

// StageCount returns the pipeline depth.
func (o *Orchestrator) StageCount() int { return len(o.stages) }

// Generate encodes prompt once and decodes up to maxNewTokens greedily.
func (o *Orchestrator) Generate(ctx context.Context, prompt string, maxNewTokens int, onToken TokenFunc) (*Result, error) {
	ids, err := safeEncode(o.tok, prompt)
	if err != nil {
		return nil, fmt.Errorf("encode prompt: %w", err)
	}
	return o.GenerateIDs(ctx, ids, maxNewTokens, onToken)
}

// GenerateIDs is Generate for a prompt that is already tokenized.
func (o *Orchestrator) GenerateIDs(ctx context.Context, prompt []int, maxNewTokens int, onToken TokenFunc) (*Result, error) {
	if maxNewTokens < 0 {
		return nil, fmt.Errorf("max new tokens %d must not be negative", maxNewTokens)
	}
	if o.sessions != nil {
		if err := o.sessions.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("wait for session slot: %w", err)
		}
		defer o.sessions.Release(1)
	}

	start := time.Now()
	sess := newSession(prompt, maxNewTokens, o.endToken)
	log := o.log.With("session", sess.ID)
	res := &Result{SessionID: sess.ID, FinishReason: FinishLength}
	res.Stats.PromptTokens = len(prompt)

	if maxNewTokens > 0 && len(prompt) == 0 {
		return nil, ErrEmptyPrompt
	}
	if maxNewTokens > 0 && o.preflight != nil {
		if err := o.preflight(ctx); err != nil {
			log.Error("preflight failed", "error", err)
			return nil, fmt.Errorf("%w: session %s: %w", ErrGeneration, sess.ID, err)
		}
	}

	var emitted string
	for sess.Step < sess.MaxNewTokens {
		if err := ctx.Err(); err != nil {
			log.Info("session cancelled", "tokens", sess.Step)
			return nil, fmt.Errorf("session %s cancelled after %d tokens: %w", sess.ID, sess.Step, err)
		}

		next, calls, err := o.step(ctx, sess)
		res.Stats.StageCalls += calls
		if err != nil {
			log.Error("session failed", "step", sess.Step, "error", err)
			return nil, err
		}
		done, reason := sess.accept(next)

		if onToken != nil {
			text, _ := tokenizer.DecodeText(o.tok, sess.text())
			piece := ""
			if !hasIncompleteRune(text) && strings.HasPrefix(text, emitted) {
				piece = text[len(emitted):]
				emitted = text
			}
			onToken(next, piece)
		}
		if done {
			res.FinishReason = reason
			break
		}
	}

	text, err := tokenizer.DecodeText(o.tok, sess.text())
	if err != nil {
		return nil, fmt.Errorf("decode output: %w", err)
	}
	if onToken != nil {
		switch {
		case !strings.HasPrefix(text, emitted):
			log.Warn("streamed text diverges from final decode", "streamed_bytes", len(emitted))
		case len(text) > len(emitted):
			onToken(FlushID, text[len(emitted):])
		}
	}
	res.Tokens = append([]int(nil), sess.Generated()...)
	res.Text = text
	res.Stats.TokensGenerated = sess.Step
	res.Stats.Duration = time.Since(start)
	if s := res.Stats.Duration.Seconds(); s > 0 {
		res.Stats.TPS = float64(res.Stats.TokensGenerated) / s
	}
	log.Info("session complete",
		"prompt_tokens", res.Stats.PromptTokens,
		"tokens", res.Stats.TokensGenerated,
		"finish", res.FinishReason,
		"elapsed", res.Stats.Duration,
		"tps", res.Stats.TPS,
	)
	return res, nil
}

// step folds the current sequence through every stage and picks the next
// id. Each stage consumes the previous stage's output, so stage n+1 cannot
// start before stage n returns. In-flight calls are detached from ctx
// cancellation and bounded only by the stage's own timeout.
func (o *Orchestrator) step(ctx context.Context, sess *Session) (int, int, error) {
	callCtx := stage.WithCall(context.WithoutCancel(ctx), sess.ID, sess.Step)
	x := tensor.FromTokenIDs(sess.Tokens)
	calls := 0
	for i, st := range o.stages {
		start := time.Now()
		out, err := st.Forward(callCtx, x)
		calls++
		if err != nil {
			return 0, calls, fmt.Errorf("%w: session %s step %d stage %d: %w", ErrGeneration, sess.ID, sess.Step, i, err)
		}
		o.log.Debug("stage forward", "session", sess.ID, "step", sess.Step, "stage", i, "shape", out.Shape, "elapsed", time.Since(start))
		x = out
	}

	row, err := x.LastRow()
	if err != nil {
		return 0, calls, fmt.Errorf("%w: session %s step %d: final stage output: %w", ErrGeneration, sess.ID, sess.Step, err)
	}
	next := tensor.Argmax(row)
	if next < 0 {
		return 0, calls, fmt.Errorf("%w: session %s step %d: empty logits", ErrGeneration, sess.ID, sess.Step)
	}
	return next, calls, nil
}

// hasIncompleteRune reports whether s ends in bytes that do not yet form a
// rune. An encoded U+FFFD is complete.
func hasIncompleteRune(s string) bool {
	r, size := utf8.DecodeLastRuneInString(s)
	return r == utf8.RuneError && size == 1
}

func safeEncode(tok tokenizer.Tokenizer, prompt string) (ids []int, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in Encode: %v", rec)
		}
	}()
	return tok.Encode(prompt)
}
