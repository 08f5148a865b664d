package referee_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/programme-lv/referee/internal/gate"
	"github.com/programme-lv/referee/internal/gatherer"
	"github.com/programme-lv/referee/internal/records"
	"github.com/programme-lv/referee/internal/referee"
	"github.com/programme-lv/referee/internal/resultcache"
	"github.com/programme-lv/referee/internal/sandbox"
	"github.com/programme-lv/referee/internal/workerpool"
	"github.com/stretchr/testify/require"
)

// cacheNS is the cache namespace of runs pinned to the fake resolver's digest.
const cacheNS = "c0ffee"

// fakeSandbox answers commands from a table and counts invocations.
type fakeSandbox struct {
	mu      sync.Mutex
	outputs map[string]string
	errs    map[string][]error // returned, in order, before the output
	calls   map[string]int
	images  []string
	block   bool
}

func newFakeSandbox(outputs map[string]string) *fakeSandbox {
	return &fakeSandbox{outputs: outputs, errs: map[string][]error{}, calls: map[string]int{}}
}

func (f *fakeSandbox) Execute(ctx context.Context, image string, command string) ([]byte, error) {
	f.mu.Lock()
	f.calls[command]++
	f.images = append(f.images, image)
	var err error
	if q := f.errs[command]; len(q) > 0 {
		err, f.errs[command] = q[0], q[1:]
	}
	out, ok := f.outputs[command]
	block := f.block
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &sandbox.ExitError{Code: 127, Stderr: []byte("unknown command")}
	}
	return []byte(out), nil
}

func (f *fakeSandbox) failNext(command string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[command] = append(f.errs[command], err)
}

func (f *fakeSandbox) Calls(command string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[command]
}

func (f *fakeSandbox) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

type fakeResolver struct {
	digest string
	err    error
	delay  time.Duration
	calls  atomic.Int32
}

func (r *fakeResolver) ResolveDigest(ctx context.Context, uri string) (string, error) {
	r.calls.Add(1)
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	return r.digest, r.err
}

var readyTrue = gate.Ready(true)

type elemSpec struct {
	name   string
	value  string
	public bool
}

type env struct {
	store    *records.MemStore
	cache    *resultcache.Cache
	sandbox  *fakeSandbox
	resolver *fakeResolver
	rec      *gatherer.Recorder
	runs     *referee.RunController
	eval     *referee.Evaluator
	pipeline *referee.Pipeline
	pool     *workerpool.Pool
	svc      *referee.Service

	challenge  records.Challenge
	submission records.Submission
	elems      map[string]records.InputElement
}

type envOpt func(*envConfig)

type envConfig struct {
	prefix  *string
	policy  referee.FinalizePolicy
	timeout time.Duration
}

func withPrefix(p string) envOpt { return func(c *envConfig) { c.prefix = &p } }

func withPolicy(p referee.FinalizePolicy) envOpt {
	return func(c *envConfig) { c.policy = p }
}

func withTimeout(d time.Duration) envOpt { return func(c *envConfig) { c.timeout = d } }

func newEnv(t *testing.T, elems []elemSpec, outputs map[string]string, opts ...envOpt) *env {
	t.Helper()
	cfg := envConfig{}
	for _, o := range opts {
		o(&cfg)
	}

	cache, err := resultcache.New(t.TempDir())
	require.NoError(t, err)

	e := &env{
		store:    records.NewMemStore(),
		cache:    cache,
		sandbox:  newFakeSandbox(outputs),
		resolver: &fakeResolver{digest: "sha256:c0ffee"},
		rec:      &gatherer.Recorder{},
		elems:    map[string]records.InputElement{},
	}
	e.runs = referee.NewRunController(e.store, e.resolver, e.cache, cfg.policy)
	e.eval = referee.NewEvaluator(e.store, e.cache, e.sandbox, cfg.timeout)
	e.pipeline = referee.NewPipeline(e.store, e.runs, e.eval, e.rec)
	e.pool = workerpool.New(workerpool.Options{
		Workers: 4,
		Store:   workerpool.NewMemStatusStore(time.Hour),
		NewBackOff: func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 2)
		},
	})
	e.svc = referee.NewService(e.pipeline, e.pool)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.pool.Shutdown(ctx)
	})

	ctx := context.Background()
	e.challenge = records.Challenge{
		ID:            records.NewID(),
		Name:          "molweight",
		CommandPrefix: cfg.prefix,
		ScoringKey:    records.DefaultScoringKey,
		CreatedAt:     time.Now(),
	}
	require.NoError(t, e.store.CreateChallenge(ctx, e.challenge))

	for i, s := range elems {
		el := records.InputElement{
			ID:          records.NewID(),
			ChallengeID: e.challenge.ID,
			Name:        s.name,
			IsPublic:    s.public,
			Ordinal:     i,
		}
		require.NoError(t, e.store.CreateInputElement(ctx, el))
		require.NoError(t, e.store.CreateInputValue(ctx, records.InputValue{
			ID: records.NewID(), InputElementID: el.ID, Value: s.value,
		}))
		e.elems[s.name] = el
	}

	e.submission = records.Submission{
		ID:          records.NewID(),
		ChallengeID: e.challenge.ID,
		Container:   records.Container{Registry: "localhost:5000", Label: "mmh42/sampl-test", Tag: "0.1"},
		CreatedAt:   time.Now(),
	}
	require.NoError(t, e.store.CreateSubmission(ctx, e.submission))
	return e
}

func (e *env) publicRun(t *testing.T) uuid.UUID {
	t.Helper()
	return e.createRun(t, true)
}

func (e *env) createRun(t *testing.T, isPublic bool) uuid.UUID {
	t.Helper()
	runID, err := e.runs.Create(context.Background(), e.submission.ID, readyTrue, isPublic)
	require.NoError(t, err)
	require.NotEqual(t, referee.NoRun, runID)
	return runID
}

func (e *env) wait(t *testing.T, handle string) workerpool.State {
	t.Helper()
	var st workerpool.State
	require.Eventually(t, func() bool {
		var err error
		st, err = e.svc.Status(context.Background(), handle)
		return err == nil && st.Finished()
	}, 5*time.Second, 5*time.Millisecond)
	return st
}

// runsByPartition returns the submission's runs split by partition.
func (e *env) runsByPartition(t *testing.T) (public, private []records.SubmissionRun) {
	t.Helper()
	runs, err := e.store.ListRuns(context.Background(), e.submission.ID)
	require.NoError(t, err)
	for _, r := range runs {
		if r.IsPublic {
			public = append(public, r)
		} else {
			private = append(private, r)
		}
	}
	return public, private
}

// predictions maps element name to predicted value for one run.
func (e *env) predictions(t *testing.T, runID uuid.UUID) map[string]float64 {
	t.Helper()
	ctx := context.Background()
	evals, err := e.store.ListEvaluations(ctx, runID)
	require.NoError(t, err)

	names := map[uuid.UUID]string{}
	for name, el := range e.elems {
		names[el.ID] = name
	}
	res := map[string]float64{}
	for _, ev := range evals {
		p, err := e.store.GetPrediction(ctx, ev.ID, records.DefaultScoringKey)
		if err != nil {
			continue
		}
		res[names[ev.InputElementID]] = p.Value
	}
	return res
}
