package flowpipe_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	fp "github.com/veggiemonk/flowpipe"
)

var (
	errFlaky     = errors.New("flaky upstream")
	errPermanent = errors.New("permanent failure")
)

// flaky fails the first k calls, then appends "!" to the payload.
type flaky struct {
	k     int
	calls int
	seen  []string
	err   error
}

func (f *flaky) Handle(ctx context.Context, s string, next fp.Next[string]) (string, error) {
	f.calls++
	f.seen = append(f.seen, s)
	if f.calls <= f.k {
		if f.err != nil {
			return "", f.err
		}
		return "", errFlaky
	}
	return next(ctx, s+"!")
}

func (f *flaky) String() string { return "flaky" }

func noWait(max int) fp.RetryConfig {
	return fp.RetryConfig{MaxAttempts: max, Backoff: fp.ConstantBackoff(0)}
}

func TestRetryDeterminism(t *testing.T) {
	for k := range 4 {
		step := &flaky{k: k}
		rec := &fp.Recorder[string]{}
		got, err := fp.Execute[string](t.Context(), nil, "x", []fp.Step[string]{step},
			fp.WithStrategy(fp.Retry[string](noWait(k+1))),
			fp.WithObserver[string](rec),
			fp.WithLogger[string](testLogger()),
		)
		if err != nil {
			t.Fatalf("k=%d: %v", k, err)
		}
		if got != "x!" {
			t.Errorf("k=%d: got %q", k, got)
		}
		if step.calls != k+1 {
			t.Errorf("k=%d: got %d invocations, want %d", k, step.calls, k+1)
		}
		// Every attempt receives the payload that was passed into the step.
		for _, s := range step.seen {
			if s != "x" {
				t.Errorf("k=%d: attempt saw %q", k, s)
			}
		}
		if e := rec.Entries(); len(e) != 1 || e[0].Attempts != k+1 {
			t.Errorf("k=%d: unexpected trace %+v", k, e)
		}
	}
}

func TestRetryExhaustion(t *testing.T) {
	for m := 1; m <= 3; m++ {
		step := &flaky{k: 5}
		_, err := fp.Execute[string](t.Context(), nil, "x", []fp.Step[string]{step},
			fp.WithStrategy(fp.Retry[string](noWait(m))),
			fp.WithLogger[string](testLogger()),
		)
		if !errors.Is(err, errFlaky) {
			t.Fatalf("m=%d: expected the original error, got %v", m, err)
		}
		var se *fp.StepError
		if !errors.As(err, &se) || se.Step != "flaky" || se.Attempt != m {
			t.Errorf("m=%d: unexpected error %v", m, err)
		}
		if step.calls != m {
			t.Errorf("m=%d: got %d invocations", m, step.calls)
		}
	}
}

func TestRetryZeroAttempts(t *testing.T) {
	step := &flaky{k: 1}
	_, err := fp.Execute[string](t.Context(), nil, "x", []fp.Step[string]{step},
		fp.WithStrategy(fp.Retry[string](fp.RetryConfig{})))
	if !errors.Is(err, errFlaky) || step.calls != 1 {
		t.Errorf("got %v after %d calls", err, step.calls)
	}
}

func TestRetryShouldRetry(t *testing.T) {
	cfg := noWait(5)
	cfg.ShouldRetry = fp.IsRetryable

	transient := &flaky{k: 2, err: fp.RetryableErr(errFlaky)}
	got, err := fp.Execute[string](t.Context(), nil, "x", []fp.Step[string]{transient},
		fp.WithStrategy(fp.Retry[string](cfg)), fp.WithLogger[string](testLogger()))
	if err != nil || got != "x!" || transient.calls != 3 {
		t.Errorf("retryable: got %q, %v after %d calls", got, err, transient.calls)
	}

	permanent := &flaky{k: 2, err: errPermanent}
	_, err = fp.Execute[string](t.Context(), nil, "x", []fp.Step[string]{permanent},
		fp.WithStrategy(fp.Retry[string](cfg)), fp.WithLogger[string](testLogger()))
	if !errors.Is(err, errPermanent) || permanent.calls != 1 {
		t.Errorf("permanent: got %v after %d calls", err, permanent.calls)
	}
}

func TestRetryWaitHonorsContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()

	step := &flaky{k: 5}
	start := time.Now()
	_, err := fp.Execute[string](ctx, nil, "x", []fp.Step[string]{step},
		fp.WithStrategy(fp.Retry[string](fp.RetryConfig{MaxAttempts: 5, Backoff: fp.ConstantBackoff(time.Hour)})),
		fp.WithLogger[string](testLogger()),
	)
	if !errors.Is(err, context.DeadlineExceeded) || !errors.Is(err, errFlaky) {
		t.Fatalf("expected deadline and step error, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("retry wait ignored the context")
	}
	if step.calls != 1 {
		t.Errorf("got %d invocations", step.calls)
	}
}

func TestRetryWaits(t *testing.T) {
	step := &flaky{k: 2}
	start := time.Now()
	_, err := fp.Execute[string](t.Context(), nil, "x", []fp.Step[string]{step},
		fp.WithStrategy(fp.Retry[string](fp.RetryConfig{MaxAttempts: 3, Backoff: fp.ConstantBackoff(10 * time.Millisecond)})),
		fp.WithLogger[string](testLogger()),
	)
	if err != nil {
		t.Fatal(err)
	}
	if d := time.Since(start); d < 20*time.Millisecond {
		t.Errorf("expected two waits of 10ms, took %v", d)
	}
}

func TestDownstreamErrorsAreNotRetried(t *testing.T) {
	upstream := 0
	down := &flaky{k: 10}
	_, err := fp.Execute[string](t.Context(), nil, "x", []fp.Step[string]{
		fp.Map("upstream", func(s string) string { upstream++; return s }),
		down,
	},
		fp.WithStrategy(fp.Retry[string](noWait(3))),
		fp.WithLogger[string](testLogger()),
	)
	var se *fp.StepError
	if !errors.As(err, &se) || se.Step != "flaky" || se.Attempt != 3 {
		t.Fatalf("unexpected error %v", err)
	}
	if upstream != 1 {
		t.Errorf("upstream step ran %d times, want 1", upstream)
	}
	if down.calls != 3 {
		t.Errorf("failing step ran %d times, want 3", down.calls)
	}
}

func TestFallbackSubstitution(t *testing.T) {
	always := &flaky{k: 1 << 30}
	suffix := fp.Map("suffix", func(s string) string { return s + "?" })

	got, err := fp.Execute[string](t.Context(), nil, "x", []fp.Step[string]{always, suffix},
		fp.WithStrategy(fp.FallbackValue("F")),
		fp.WithLogger[string](testLogger()),
	)
	if err != nil {
		t.Fatal(err)
	}
	want, _ := fp.Execute[string](t.Context(), nil, "F", []fp.Step[string]{suffix})
	if got != want {
		t.Errorf("got %q, want continuation(F) = %q", got, want)
	}
}

func TestFallbackFailure(t *testing.T) {
	errCache := errors.New("cache miss")
	_, err := fp.Execute[string](t.Context(), nil, "x", []fp.Step[string]{&flaky{k: 1}},
		fp.WithStrategy(fp.Fallback(func(context.Context, fp.Failure[string]) (string, error) {
			return "", errCache
		})),
	)
	if !errors.Is(err, errFlaky) || !errors.Is(err, errCache) {
		t.Errorf("expected both the step and the fallback error, got %v", err)
	}
	if !strings.Contains(err.Error(), "recovery: fallback: cache miss") {
		t.Errorf("got %q", err.Error())
	}
}

func TestFallbackReceivesFailure(t *testing.T) {
	var got fp.Failure[string]
	_, err := fp.Execute[string](t.Context(), nil, "in", []fp.Step[string]{&flaky{k: 1}},
		fp.WithName[string]("checkout"),
		fp.WithStrategy(fp.Fallback(func(_ context.Context, f fp.Failure[string]) (string, error) {
			got = f
			return "out", nil
		})),
		fp.WithLogger[string](testLogger()),
	)
	if err != nil {
		t.Fatal(err)
	}
	if !errors.Is(got.Err, errFlaky) || got.Payload != "in" || got.Attempt != 1 || got.Step != "flaky" {
		t.Errorf("unexpected failure %+v", got)
	}
	if got.Context["pipeline"] != "checkout" || got.Context["index"] != 0 {
		t.Errorf("unexpected context %v", got.Context)
	}
}

func TestCompositeOrdering(t *testing.T) {
	run := func(s fp.Strategy[string]) (string, int, error) {
		step := &flaky{k: 1 << 30}
		out, err := fp.Execute[string](t.Context(), nil, "x", []fp.Step[string]{step, upper},
			fp.WithStrategy(s), fp.WithLogger[string](testLogger()))
		return out, step.calls, err
	}

	gotOut, gotCalls, gotErr := run(fp.Composite(fp.Retry[string](fp.RetryConfig{MaxAttempts: 0}), fp.FallbackValue("f")))
	wantOut, wantCalls, wantErr := run(fp.FallbackValue("f"))
	if gotOut != wantOut || gotCalls != wantCalls || gotErr != wantErr {
		t.Errorf("composite gave (%q, %d, %v), bare fallback gave (%q, %d, %v)",
			gotOut, gotCalls, gotErr, wantOut, wantCalls, wantErr)
	}
}

func TestCompositeRetryThenFallback(t *testing.T) {
	step := &flaky{k: 1 << 30}
	got, err := fp.Execute[string](t.Context(), nil, "x", []fp.Step[string]{step},
		fp.WithStrategy(fp.Composite(
			fp.Retry[string](noWait(3)),
			fp.FallbackValue("cached"),
		)),
		fp.WithLogger[string](testLogger()),
	)
	if err != nil {
		t.Fatal(err)
	}
	if got != "cached" || step.calls != 3 {
		t.Errorf("got %q after %d calls", got, step.calls)
	}
}

func TestCompositeAllFail(t *testing.T) {
	errNoCache := errors.New("no cache")
	_, err := fp.Execute[string](t.Context(), nil, "x", []fp.Step[string]{&flaky{k: 1}},
		fp.WithStrategy(fp.Composite(
			fp.Retry[string](fp.RetryConfig{}),
			fp.Fallback(func(context.Context, fp.Failure[string]) (string, error) { return "", errNoCache }),
		)),
	)
	if !errors.Is(err, errFlaky) || !errors.Is(err, errNoCache) {
		t.Errorf("got %v", err)
	}
}

func TestCompensate(t *testing.T) {
	var order []string
	rollback := func(name string) fp.RollbackFunc[string] {
		return func(_ context.Context, f fp.Failure[string]) error {
			order = append(order, name+":"+f.Payload)
			return nil
		}
	}
	rec := &fp.Recorder[string]{}
	got, err := fp.Execute[string](t.Context(), nil, "x", []fp.Step[string]{&flaky{k: 1}},
		fp.WithStrategy(fp.Compensate(nil, rollback("reserve"), rollback("charge"))),
		fp.WithObserver[string](rec),
		fp.WithLogger[string](testLogger()),
	)
	if err != nil {
		t.Fatal(err)
	}
	if got != "x" {
		t.Errorf("got %q, want the payload passed into the failed step", got)
	}
	if diff := Diff(order, []string{"charge:x", "reserve:x"}); diff != "" {
		t.Error(diff)
	}
	if e := rec.Entries(); len(e) != 1 || e[0].Recovery != fp.ActionCompensate {
		t.Errorf("unexpected trace %+v", e)
	}
}

func TestCompensateRollbackFailure(t *testing.T) {
	errRefund := errors.New("refund failed")
	var ran []string
	_, err := fp.Execute[string](t.Context(), nil, "x", []fp.Step[string]{&flaky{k: 1}},
		fp.WithStrategy(fp.Compensate(
			func(context.Context, fp.Failure[string]) (string, error) { return "recovered", nil },
			func(context.Context, fp.Failure[string]) error { ran = append(ran, "first"); return nil },
			func(context.Context, fp.Failure[string]) error { ran = append(ran, "second"); return errRefund },
		)),
	)
	if !errors.Is(err, errRefund) || !errors.Is(err, errFlaky) {
		t.Fatalf("got %v", err)
	}
	// Remaining rollbacks still run after one fails.
	if diff := Diff(ran, []string{"second", "first"}); diff != "" {
		t.Error(diff)
	}
}

type profile struct {
	Name    string
	Tier    string
	Credits int
}

func TestFallbackDefaults(t *testing.T) {
	fetch := fp.Func("fetch", func(context.Context, profile) (profile, error) { return profile{}, errFlaky })
	got, err := fp.Execute[profile](t.Context(), nil, profile{Name: "ada", Credits: 3}, []fp.Step[profile]{fetch},
		fp.WithStrategy(fp.FallbackDefaults(profile{Name: "cached", Tier: "basic", Credits: 10})),
		fp.WithLogger[profile](testLogger()),
	)
	if err != nil {
		t.Fatal(err)
	}
	if diff := Diff(got, profile{Name: "ada", Tier: "basic", Credits: 3}); diff != "" {
		t.Error(diff)
	}
}

func TestFallbackDefaultsPointer(t *testing.T) {
	in := &profile{Name: "ada"}
	fetch := fp.Func("fetch", func(context.Context, *profile) (*profile, error) { return nil, errFlaky })
	got, err := fp.Execute[*profile](t.Context(), nil, in, []fp.Step[*profile]{fetch},
		fp.WithStrategy(fp.FallbackDefaults(&profile{Tier: "basic"})),
		fp.WithLogger[*profile](testLogger()),
	)
	if err != nil {
		t.Fatal(err)
	}
	if diff := Diff(got, &profile{Name: "ada", Tier: "basic"}); diff != "" {
		t.Error(diff)
	}
	if in.Tier != "" {
		t.Error("the original payload was modified")
	}
}

func TestFallbackDefaultsMap(t *testing.T) {
	in := map[string]any{"name": "ada"}
	fetch := fp.Func("fetch", func(context.Context, map[string]any) (map[string]any, error) { return nil, errFlaky })
	got, err := fp.Execute[map[string]any](t.Context(), nil, in, []fp.Step[map[string]any]{fetch},
		fp.WithStrategy(fp.FallbackDefaults(map[string]any{"name": "cached", "tier": "basic"})),
		fp.WithLogger[map[string]any](testLogger()),
	)
	if err != nil {
		t.Fatal(err)
	}
	if diff := Diff(got, map[string]any{"name": "ada", "tier": "basic"}); diff != "" {
		t.Error(diff)
	}
	if _, ok := in["tier"]; ok {
		t.Error("the original payload was modified")
	}
}

func TestFallbackDefaultsAny(t *testing.T) {
	fetch := fp.Func("fetch", func(context.Context, any) (any, error) { return nil, errFlaky })
	run := func(in, defaults any) (any, error) {
		return fp.Execute[any](t.Context(), nil, in, []fp.Step[any]{fetch},
			fp.WithStrategy(fp.FallbackDefaults(defaults)),
			fp.WithLogger[any](testLogger()),
		)
	}

	in := map[string]any{"id": 1}
	got, err := run(in, map[string]any{"name": "cached", "id": 0})
	if err != nil {
		t.Fatal(err)
	}
	if diff := Diff(got, any(map[string]any{"id": 1, "name": "cached"})); diff != "" {
		t.Error(diff)
	}
	if _, ok := in["name"]; ok {
		t.Error("the original payload was modified")
	}

	got, err = run(profile{Name: "ada"}, profile{Tier: "basic"})
	if err != nil {
		t.Fatal(err)
	}
	if diff := Diff(got, any(profile{Name: "ada", Tier: "basic"})); diff != "" {
		t.Error(diff)
	}

	got, err = run(nil, map[string]any{"name": "cached"})
	if err != nil {
		t.Fatal(err)
	}
	if diff := Diff(got, any(map[string]any{"name": "cached"})); diff != "" {
		t.Error(diff)
	}
}

func TestOnlyFor(t *testing.T) {
	s := fp.OnlyFor(fp.ErrorIs(errFlaky), fp.Retry[string](noWait(3)))

	matching := &flaky{k: 2}
	if _, err := fp.Execute[string](t.Context(), nil, "x", []fp.Step[string]{matching},
		fp.WithStrategy(s), fp.WithLogger[string](testLogger())); err != nil {
		t.Errorf("matching error: %v", err)
	}

	other := &flaky{k: 2, err: errPermanent}
	_, err := fp.Execute[string](t.Context(), nil, "x", []fp.Step[string]{other},
		fp.WithStrategy(s), fp.WithLogger[string](testLogger()))
	if !errors.Is(err, errPermanent) || other.calls != 1 {
		t.Errorf("other error: got %v after %d calls", err, other.calls)
	}
}

type quotaError struct{}

func (e *quotaError) Error() string { return "quota exceeded" }

func TestOnlyForFallsThroughComposite(t *testing.T) {
	s := fp.Composite(
		fp.OnlyFor(fp.ErrorAs[*quotaError](), fp.FallbackValue("throttled")),
		fp.FallbackValue("generic"),
	)
	run := func(err error) string {
		out, runErr := fp.Execute[string](t.Context(), nil, "x", []fp.Step[string]{&flaky{k: 1, err: err}},
			fp.WithStrategy(s), fp.WithLogger[string](testLogger()))
		if runErr != nil {
			t.Fatal(runErr)
		}
		return out
	}
	if got := run(&quotaError{}); got != "throttled" {
		t.Errorf("got %q", got)
	}
	if got := run(errPermanent); got != "generic" {
		t.Errorf("got %q", got)
	}
}

func TestGuardScopes(t *testing.T) {
	failing := func(label string) fp.Step[string] {
		return fp.Func(label, func(context.Context, string) (string, error) { return "", errPermanent })
	}

	t.Run("guard protects its steps only", func(t *testing.T) {
		got, err := fp.Execute[string](t.Context(), nil, "x", []fp.Step[string]{
			fp.Guard(fp.FallbackValue("safe"), failing("guarded")),
			upper,
		}, fp.WithLogger[string](testLogger()))
		if err != nil || got != "SAFE" {
			t.Errorf("got %q, %v", got, err)
		}

		_, err = fp.Execute[string](t.Context(), nil, "x", []fp.Step[string]{
			fp.Guard(fp.FallbackValue("safe"), upper),
			failing("unguarded"),
		}, fp.WithLogger[string](testLogger()))
		var se *fp.StepError
		if !errors.As(err, &se) || se.Step != "unguarded" {
			t.Errorf("got %v", err)
		}
	})

	t.Run("innermost scope wins", func(t *testing.T) {
		got, err := fp.Execute[string](t.Context(), nil, "x", []fp.Step[string]{
			fp.Guard(fp.FallbackValue("inner"), failing("guarded")),
			failing("plain"),
			fp.Map("tail", func(s string) string { return s }),
		},
			fp.WithStrategy(fp.Fallback(func(_ context.Context, f fp.Failure[string]) (string, error) {
				return f.Payload + "+outer", nil
			})),
			fp.WithLogger[string](testLogger()),
		)
		if err != nil {
			t.Fatal(err)
		}
		if got != "inner+outer" {
			t.Errorf("got %q, want inner+outer", got)
		}
	})

	t.Run("guard with a group", func(t *testing.T) {
		reg := fp.NewRegistry[string]()
		reg.Register("risky", trim, failing("risky"))
		got, err := fp.Execute(t.Context(), reg, " x ", []fp.Step[string]{
			fp.Guard(fp.FallbackValue("ok"), fp.Ref[string]("risky")),
		}, fp.WithLogger[string](testLogger()))
		if err != nil || got != "ok" {
			t.Errorf("got %q, %v", got, err)
		}
	})

	t.Run("nil strategy removes protection", func(t *testing.T) {
		_, err := fp.Execute[string](t.Context(), nil, "x", []fp.Step[string]{
			fp.Guard(nil, failing("bare")),
		}, fp.WithStrategy(fp.FallbackValue("outer")))
		if !errors.Is(err, errPermanent) {
			t.Errorf("got %v", err)
		}
	})
}

func TestUndecidedIsFail(t *testing.T) {
	_, err := fp.Execute[string](t.Context(), nil, "x", []fp.Step[string]{&flaky{k: 1}},
		fp.WithStrategy[string](fp.StrategyFunc[string](func(context.Context, fp.Failure[string]) fp.Decision[string] {
			return fp.Decision[string]{}
		})),
	)
	if !errors.Is(err, errFlaky) {
		t.Errorf("got %v", err)
	}
}

func TestRetryDecisions(t *testing.T) {
	s := fp.Retry[string](fp.RetryConfig{
		MaxAttempts: 4,
		Backoff:     fp.ExponentialBackoff(time.Second, 10),
		MaxDelay:    30 * time.Second,
	})
	tests := []struct {
		attempt int
		want    fp.Decision[string]
	}{
		{1, fp.RetryAfter[string](time.Second)},
		{2, fp.RetryAfter[string](10 * time.Second)},
		{3, fp.RetryAfter[string](30 * time.Second)},
		{4, fp.Fail[string]()},
	}
	for _, tt := range tests {
		got := s.Decide(t.Context(), fp.Failure[string]{Err: errFlaky, Attempt: tt.attempt})
		if diff := Diff(got, tt.want); diff != "" {
			t.Errorf("attempt %d: %s", tt.attempt, diff)
		}
	}
}

func TestDefaultRetryConfig(t *testing.T) {
	config := fp.DefaultRetryConfig()
	if config.MaxAttempts != 3 {
		t.Errorf("expected MaxAttempts=3 but got %d", config.MaxAttempts)
	}
	if config.MaxDelay != 5*time.Second {
		t.Errorf("expected MaxDelay=5s but got %v", config.MaxDelay)
	}
	if d := config.Backoff(2); d != 200*time.Millisecond {
		t.Errorf("expected second delay of 200ms but got %v", d)
	}
}

func TestActionString(t *testing.T) {
	for a, want := range map[fp.Action]string{
		fp.ActionNone:       "none",
		fp.ActionRetry:      "retry",
		fp.ActionFallback:   "fallback",
		fp.ActionCompensate: "compensate",
		fp.ActionFail:       "fail",
	} {
		if a.String() != want {
			t.Errorf("got %q, want %q", a.String(), want)
		}
	}
}
