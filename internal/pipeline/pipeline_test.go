package pipeline

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/pipeshard/internal/checkpoint"
	"github.com/samcharles93/pipeshard/internal/compute"
	"github.com/samcharles93/pipeshard/internal/partition"
	"github.com/samcharles93/pipeshard/internal/shard"
	"github.com/samcharles93/pipeshard/internal/stage"
	"github.com/samcharles93/pipeshard/internal/tensor"
	"github.com/samcharles93/pipeshard/internal/tokenizer"
	"github.com/samcharles93/pipeshard/internal/toy"
	"github.com/samcharles93/pipeshard/internal/weights"
)

type stageFunc func(ctx context.Context, in *tensor.Tensor) (*tensor.Tensor, error)

func (f stageFunc) Forward(ctx context.Context, in *tensor.Tensor) (*tensor.Tensor, error) {
	return f(ctx, in)
}

var passThrough = stageFunc(func(_ context.Context, in *tensor.Tensor) (*tensor.Tensor, error) { return in, nil })

// scripted returns a final stage whose logits pick script[step] at the last
// position, where step is the number of tokens generated so far.
func scripted(vocab, promptLen int, script []int, calls *atomic.Int32) stageFunc {
	return func(_ context.Context, in *tensor.Tensor) (*tensor.Tensor, error) {
		calls.Add(1)
		ids, err := in.TokenIDs()
		if err != nil {
			return nil, err
		}
		step := len(ids) - promptLen
		logits := make([]float32, len(ids)*vocab)
		logits[(len(ids)-1)*vocab+script[step%len(script)]] = 1
		return tensor.FromFloat32([]int{1, len(ids), vocab}, logits)
	}
}

func newOrchestrator(t *testing.T, cfg Config) *Orchestrator {
	t.Helper()
	if cfg.Tokenizer == nil {
		cfg.Tokenizer = tokenizer.Numeric{}
	}
	o, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o
}

func TestZeroMaxNewTokensIssuesNoCalls(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	o := newOrchestrator(t, Config{Stages: []Stage{scripted(16, 2, []int{5}, &calls)}, EndTokenID: 2})

	res, err := o.Generate(context.Background(), "7 8", 0, nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(res.Tokens) != 0 || res.Text != "" || res.Stats.StageCalls != 0 {
		t.Fatalf("expected empty result, got %+v", res)
	}
	if calls.Load() != 0 {
		t.Fatalf("expected no stage calls, got %d", calls.Load())
	}
}

func TestEndTokenOnFirstStep(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	stages := []Stage{passThrough, passThrough, scripted(16, 2, []int{2}, &calls)}
	o := newOrchestrator(t, Config{Stages: stages, EndTokenID: 2})

	res, err := o.Generate(context.Background(), "7 8", 10, nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if diff := cmp.Diff([]int{2}, res.Tokens); diff != "" {
		t.Fatalf("tokens (-want +got):\n%s", diff)
	}
	if res.FinishReason != FinishStop {
		t.Fatalf("finish reason = %q", res.FinishReason)
	}
	if res.Text != "" {
		t.Fatalf("end token must not be decoded into text, got %q", res.Text)
	}
	if res.Stats.StageCalls != 3 || calls.Load() != 1 {
		t.Fatalf("expected one call per stage, got %d stage calls", res.Stats.StageCalls)
	}
}

func TestLengthBound(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	o := newOrchestrator(t, Config{Stages: []Stage{scripted(16, 1, []int{5, 6, 7}, &calls)}, EndTokenID: 2})

	var pieces []string
	res, err := o.Generate(context.Background(), "9", 4, func(_ int, piece string) {
		pieces = append(pieces, piece)
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if diff := cmp.Diff([]int{5, 6, 7, 5}, res.Tokens); diff != "" {
		t.Fatalf("tokens (-want +got):\n%s", diff)
	}
	if res.FinishReason != FinishLength || res.Stats.TokensGenerated != 4 || res.Stats.PromptTokens != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := strings.Join(pieces, ""); got != res.Text || res.Text != "5 6 7 5" {
		t.Fatalf("streamed %q, text %q", got, res.Text)
	}
}

func TestEmptyPrompt(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	o := newOrchestrator(t, Config{Stages: []Stage{scripted(16, 0, []int{5}, &calls)}, EndTokenID: -1})
	if _, err := o.Generate(context.Background(), "   ", 3, nil); !errors.Is(err, ErrEmptyPrompt) {
		t.Fatalf("expected ErrEmptyPrompt, got %v", err)
	}
}

func TestStageFailureFailsSession(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	var n atomic.Int32
	failing := stageFunc(func(_ context.Context, in *tensor.Tensor) (*tensor.Tensor, error) {
		if n.Add(1) == 2 {
			return nil, boom
		}
		return in, nil
	})
	var calls atomic.Int32
	o := newOrchestrator(t, Config{Stages: []Stage{failing, scripted(16, 1, []int{5}, &calls)}, EndTokenID: -1})

	_, err := o.Generate(context.Background(), "1", 5, nil)
	if !errors.Is(err, ErrGeneration) || !errors.Is(err, boom) {
		t.Fatalf("expected ErrGeneration wrapping boom, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("stages after the failure must not run, final stage ran %d times", calls.Load())
	}
}

func TestRemoteTimeoutFailsSession(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer ts.Close()
	defer close(release)

	clients := RemoteStages([]string{ts.URL}, stage.WithTimeout(50*time.Millisecond))
	o := newOrchestrator(t, Config{Stages: Stages(clients), EndTokenID: -1})
	_, err := o.Generate(context.Background(), "1 2", 3, nil)
	if !errors.Is(err, ErrGeneration) || !errors.Is(err, stage.ErrTimeout) {
		t.Fatalf("expected timeout to fail the session, got %v", err)
	}
}

func TestCancellationBetweenTokens(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	final := scripted(16, 1, []int{5}, &calls)
	inflight := stageFunc(func(c context.Context, in *tensor.Tensor) (*tensor.Tensor, error) {
		// Cancelling the session must not abort a call already in flight.
		cancel()
		if c.Err() != nil {
			return nil, errors.New("in-flight call observed cancellation")
		}
		return final(c, in)
	})
	o := newOrchestrator(t, Config{Stages: []Stage{inflight}, EndTokenID: -1})

	_, err := o.Generate(ctx, "1", 10, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected exactly one token before cancellation took effect, got %d", calls.Load())
	}
}

func TestCallsAreTagged(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	final := scripted(16, 1, []int{5}, &calls)
	var steps []int
	sessions := map[string]bool{}
	tagging := stageFunc(func(c context.Context, in *tensor.Tensor) (*tensor.Tensor, error) {
		s, step := stage.CallFrom(c)
		sessions[s] = true
		steps = append(steps, step)
		return final(c, in)
	})
	o := newOrchestrator(t, Config{Stages: []Stage{tagging}, EndTokenID: -1})

	res, err := o.Generate(context.Background(), "1", 3, nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if diff := cmp.Diff([]int{0, 1, 2}, steps); diff != "" {
		t.Fatalf("steps (-want +got):\n%s", diff)
	}
	if len(sessions) != 1 || !sessions[res.SessionID] {
		t.Fatalf("expected one session id %q, got %v", res.SessionID, sessions)
	}
}

func TestMaxSessions(t *testing.T) {
	t.Parallel()
	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	final := scripted(16, 1, []int{5}, &calls)
	blocking := stageFunc(func(c context.Context, in *tensor.Tensor) (*tensor.Tensor, error) {
		if calls.Load() == 0 {
			close(entered)
			<-release
		}
		return final(c, in)
	})
	o := newOrchestrator(t, Config{Stages: []Stage{blocking}, EndTokenID: -1, MaxSessions: 1})

	done := make(chan error, 1)
	go func() {
		_, err := o.Generate(context.Background(), "1", 1, nil)
		done <- err
	}()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := o.Generate(ctx, "1", 1, nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected second session to wait for a slot, got %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first session: %v", err)
	}
}

func TestNewValidates(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{Tokenizer: tokenizer.Numeric{}}); err == nil {
		t.Fatal("expected error for no stages")
	}
	if _, err := New(Config{Stages: []Stage{passThrough}}); err == nil {
		t.Fatal("expected error for no tokenizer")
	}
	if _, err := New(Config{Stages: []Stage{passThrough}, Tokenizer: tokenizer.Numeric{}, MaxSessions: -1}); err == nil {
		t.Fatal("expected error for negative max sessions")
	}
}

func toyLocal(t *testing.T, shards int, edit func(map[string]string)) LocalConfig {
	t.Helper()
	spec := toy.Default()
	fsys, err := spec.MapFS()
	if err != nil {
		t.Fatalf("toy.MapFS: %v", err)
	}
	if edit != nil {
		var idx struct {
			WeightMap map[string]string `json:"weight_map"`
		}
		if err := json.Unmarshal(fsys[checkpoint.IndexFile].Data, &idx); err != nil {
			t.Fatalf("decode index: %v", err)
		}
		edit(idx.WeightMap)
		raw, err := json.Marshal(idx)
		if err != nil {
			t.Fatalf("encode index: %v", err)
		}
		fsys[checkpoint.IndexFile].Data = raw
	}
	idx, err := checkpoint.Load(fsys, ".")
	if err != nil {
		t.Fatalf("checkpoint.Load: %v", err)
	}
	topo, err := partition.TopologyFromConfig(partition.ModelConfig{NumHiddenLayers: spec.Layers}, "")
	if err != nil {
		t.Fatalf("TopologyFromConfig: %v", err)
	}
	plan, err := partition.Plan(topo, shards, nil)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	backend, err := compute.New(compute.Reference, topo, compute.Dims{Hidden: spec.Hidden, Vocab: spec.Vocab})
	if err != nil {
		t.Fatalf("compute.New: %v", err)
	}
	return LocalConfig{FS: fsys, Index: idx, Topology: topo, Plan: plan, Backend: backend}
}

func generateLocal(t *testing.T, shards int) []int {
	t.Helper()
	workers, warns, err := LocalStages(context.Background(), toyLocal(t, shards, nil))
	if err != nil {
		t.Fatalf("LocalStages: %v", err)
	}
	for i, w := range warns {
		if w != nil {
			t.Fatalf("shard %d loaded with gaps: %v", i, w)
		}
	}
	o := newOrchestrator(t, Config{Stages: Stages(workers), EndTokenID: -1})
	res, err := o.GenerateIDs(context.Background(), []int{1, 4, 9}, 8, nil)
	if err != nil {
		t.Fatalf("GenerateIDs: %v", err)
	}
	if len(res.Tokens) != 8 || res.Stats.StageCalls != 8*shards {
		t.Fatalf("unexpected result %+v", res)
	}
	return res.Tokens
}

func TestGreedyDecodeIsDeterministic(t *testing.T) {
	t.Parallel()
	first := generateLocal(t, 3)
	if diff := cmp.Diff(first, generateLocal(t, 3)); diff != "" {
		t.Fatalf("repeat run differs (-first +second):\n%s", diff)
	}
	if diff := cmp.Diff(first, generateLocal(t, 1)); diff != "" {
		t.Fatalf("single shard differs from three shards (-three +one):\n%s", diff)
	}
}

func TestLocalStagesStrict(t *testing.T) {
	t.Parallel()
	dropLayer1 := func(m map[string]string) {
		for k := range m {
			if strings.HasPrefix(k, "model.layers.1.") {
				delete(m, k)
			}
		}
	}

	cfg := toyLocal(t, 3, dropLayer1)
	_, warns, err := LocalStages(context.Background(), cfg)
	if err != nil {
		t.Fatalf("tolerant load must succeed: %v", err)
	}
	if warns[0] == nil || warns[1] != nil || warns[2] != nil {
		t.Fatalf("expected a warning for shard 0 only, got %v", warns)
	}

	cfg = toyLocal(t, 3, dropLayer1)
	cfg.Strict = true
	if _, _, err := LocalStages(context.Background(), cfg); !errors.Is(err, weights.ErrIncomplete) {
		t.Fatalf("expected ErrIncomplete, got %v", err)
	}
}

func TestWaitReady(t *testing.T) {
	t.Parallel()
	workers, _, err := LocalStages(context.Background(), toyLocal(t, 2, nil))
	if err != nil {
		t.Fatalf("LocalStages: %v", err)
	}
	var urls []string
	var servers []*shard.Server
	for _, w := range workers {
		srv := shard.NewServer(w.Assignment(), nil)
		ts := httptest.NewServer(srv.Handler())
		t.Cleanup(ts.Close)
		urls = append(urls, ts.URL)
		servers = append(servers, srv)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := WaitReady(ctx, RemoteStages(urls), 5*time.Millisecond); err == nil {
		t.Fatal("expected not-ready error before install")
	}

	for i, srv := range servers {
		srv.Install(workers[i], nil)
	}
	if err := WaitReady(context.Background(), RemoteStages(urls), 5*time.Millisecond); err != nil {
		t.Fatalf("WaitReady: %v", err)
	}
	if err := WaitReady(context.Background(), RemoteStages([]string{urls[1], urls[0]}), 5*time.Millisecond); err == nil {
		t.Fatal("expected misordered workers to be rejected")
	}
}

func TestChainCheckGuardsSessions(t *testing.T) {
	t.Parallel()
	workers, _, err := LocalStages(context.Background(), toyLocal(t, 2, nil))
	if err != nil {
		t.Fatalf("LocalStages: %v", err)
	}
	var urls []string
	var servers []*shard.Server
	for _, w := range workers {
		srv := shard.NewServer(w.Assignment(), nil)
		ts := httptest.NewServer(srv.Handler())
		t.Cleanup(ts.Close)
		urls = append(urls, ts.URL)
		servers = append(servers, srv)
	}

	ordered := RemoteStages(urls)
	check := NewChainCheck(ordered)
	if err := check.Verify(context.Background()); err == nil {
		t.Fatal("expected loading workers to fail the check")
	}
	for i, srv := range servers {
		srv.Install(workers[i], nil)
	}

	swapped := RemoteStages([]string{urls[1], urls[0]})
	o := newOrchestrator(t, Config{
		Stages:     Stages(swapped),
		EndTokenID: -1,
		Preflight:  NewChainCheck(swapped).Verify,
	})
	if _, err := o.Generate(context.Background(), "1 2", 2, nil); !errors.Is(err, ErrGeneration) || !errors.Is(err, ErrBrokenChain) {
		t.Fatalf("expected swapped workers to fail before any forward, got %v", err)
	}

	o = newOrchestrator(t, Config{Stages: Stages(ordered), EndTokenID: -1, Preflight: check.Verify})
	res, err := o.Generate(context.Background(), "1 2", 2, nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Stats.StageCalls != 4 {
		t.Fatalf("got %d stage calls, want 4", res.Stats.StageCalls)
	}
}

// tableTokenizer decodes each id to a fixed string and encodes like Numeric.
type tableTokenizer map[int]string

func (tableTokenizer) Encode(text string) ([]int, error) { return tokenizer.Numeric{}.Encode(text) }

func (tt tableTokenizer) Decode(ids []int) (string, error) {
	var b strings.Builder
	for _, id := range ids {
		b.WriteString(tt[id])
	}
	return b.String(), nil
}

type streamed struct {
	ids    []int
	pieces []string
}

func (s *streamed) observe(id int, piece string) {
	s.ids = append(s.ids, id)
	s.pieces = append(s.pieces, piece)
}

func TestStreamFlushesHeldText(t *testing.T) {
	t.Parallel()
	tok := tableTokenizer{5: "\xe2", 6: "\x82\xac", 7: "\uFFFD"}

	// The length bound cuts the euro sign in half; the held byte still
	// reaches the stream.
	var calls atomic.Int32
	o := newOrchestrator(t, Config{Stages: []Stage{scripted(8, 1, []int{7, 5}, &calls)}, Tokenizer: tok, EndTokenID: -1})
	var s streamed
	res, err := o.Generate(context.Background(), "1", 2, s.observe)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if diff := cmp.Diff([]string{"\uFFFD", "", "\xe2"}, s.pieces); diff != "" {
		t.Fatalf("pieces (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{7, 5, FlushID}, s.ids); diff != "" {
		t.Fatalf("ids (-want +got):\n%s", diff)
	}
	if strings.Join(s.pieces, "") != res.Text {
		t.Fatalf("streamed %q, text %q", strings.Join(s.pieces, ""), res.Text)
	}

	// A completed rune needs no flush.
	o = newOrchestrator(t, Config{Stages: []Stage{scripted(8, 1, []int{5, 6}, &calls)}, Tokenizer: tok, EndTokenID: -1})
	s = streamed{}
	res, err = o.Generate(context.Background(), "1", 2, s.observe)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if diff := cmp.Diff([]string{"", "€"}, s.pieces); diff != "" || res.Text != "€" {
		t.Fatalf("pieces (-want +got):\n%s\ntext %q", diff, res.Text)
	}
}

func TestGenerateSkipsSpecialTokens(t *testing.T) {
	t.Parallel()
	tok, err := tokenizer.ParseHF([]byte(`{
		"model": {
			"type": "BPE",
			"vocab": {"h": 0, "i": 1, "Ġ": 2, "hi": 3, "Ġhi": 4},
			"merges": ["h i", ["Ġ", "hi"]]
		},
		"added_tokens": [
			{"id": 5, "content": "<|endoftext|>", "special": true},
			{"id": 6, "content": "<|im_end|>", "special": true}
		]
	}`), nil)
	if err != nil {
		t.Fatalf("ParseHF: %v", err)
	}

	// Only 6 stops the session; 5 is a second end marker the loop does not
	// watch and must not leak into the text.
	var calls atomic.Int32
	o := newOrchestrator(t, Config{Stages: []Stage{scripted(8, 1, []int{3, 5, 4, 6}, &calls)}, Tokenizer: tok, EndTokenID: 6})
	var s streamed
	res, err := o.Generate(context.Background(), "hi", 10, s.observe)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if diff := cmp.Diff([]int{3, 5, 4, 6}, res.Tokens); diff != "" {
		t.Fatalf("tokens (-want +got):\n%s", diff)
	}
	if res.Text != "hi hi" || strings.Join(s.pieces, "") != "hi hi" {
		t.Fatalf("text %q, streamed %q", res.Text, strings.Join(s.pieces, ""))
	}
}
