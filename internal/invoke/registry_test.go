package invoke

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/jobengine/internal/domain"
	"github.com/cuongbtq/jobengine/internal/gate"
)

type recordingReporter struct {
	notes []string
}

func (r *recordingReporter) Report(_ *int, note, _ string) {
	r.notes = append(r.notes, note)
}

type ctxKey struct{}

type payload struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestRegistry_Resolve(t *testing.T) {
	var (
		gotName  string
		gotCount int
		gotCtx   context.Context
		gotGate  *gate.Gate
	)
	r := NewRegistry()
	require.NoError(t, r.Register("mail", "Send", func(ctx context.Context, rep Reporter, g *gate.Gate, name string, n int) error {
		gotCtx, gotGate, gotName, gotCount = ctx, g, name, n
		rep.Report(domain.Percent(50), "half", "")
		return nil
	}))

	meta := domain.InvokeMeta{Type: "mail", Method: "Send", ParamTypes: []string{"string", "int"}}
	params, err := Params("bob", 3)
	require.NoError(t, err)

	body, err := r.Resolve(meta, params)
	require.NoError(t, err)

	ctx := context.WithValue(context.Background(), ctxKey{}, "marker")
	g := gate.New()
	rep := &recordingReporter{}
	require.NoError(t, body(ctx, Env{Reporter: rep, Gate: g}))

	assert.Equal(t, "bob", gotName)
	assert.Equal(t, 3, gotCount)
	assert.Equal(t, ctx, gotCtx)
	assert.Same(t, g, gotGate)
	assert.Equal(t, []string{"half"}, rep.notes)
}

func TestRegistry_InjectsSignal(t *testing.T) {
	r := NewRegistry()
	var got *gate.Signal
	r.MustRegister("mail", "Poll", func(s *gate.Signal, g *gate.Gate) error {
		got = s
		if s.Cancelled() {
			return gate.ErrCancelled
		}
		return nil
	})

	meta, err := MetaOf("mail", "Poll", func(*gate.Signal, *gate.Gate) error { return nil })
	require.NoError(t, err)
	assert.Empty(t, meta.ParamTypes)

	body, err := r.Resolve(meta, nil)
	require.NoError(t, err)

	sig := gate.NewSignal(context.Background())
	require.NoError(t, body(context.Background(), Env{Gate: gate.New(), Signal: sig}))
	assert.Same(t, sig, got)

	sig.Cancel()
	assert.ErrorIs(t, body(context.Background(), Env{Gate: gate.New(), Signal: sig}), gate.ErrCancelled)
}

func TestRegistry_ResolveErrors(t *testing.T) {
	r := NewRegistry(WithAllowedTypes("mail"))
	r.MustRegister("mail", "Send", func(name string) error { return nil })
	r.MustRegister("other", "Run", func() {})

	tests := []struct {
		name   string
		meta   domain.InvokeMeta
		params string
		want   error
	}{
		{"unknown method", domain.InvokeMeta{Type: "mail", Method: "Nope"}, `[]`, ErrUnknownMethod},
		{"type not allowed", domain.InvokeMeta{Type: "other", Method: "Run"}, ``, ErrTypeNotAllowed},
		{"signature mismatch", domain.InvokeMeta{Type: "mail", Method: "Send", ParamTypes: []string{"int"}}, `[1]`, ErrSignatureMismatch},
		{"too few args", domain.InvokeMeta{Type: "mail", Method: "Send"}, `[]`, ErrArgumentCount},
		{"too many args", domain.InvokeMeta{Type: "mail", Method: "Send"}, `["a","b"]`, ErrArgumentCount},
		{"bad json", domain.InvokeMeta{Type: "mail", Method: "Send"}, `{`, nil},
		{"wrong arg type", domain.InvokeMeta{Type: "mail", Method: "Send"}, `[1]`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, err := r.Resolve(tt.meta, []byte(tt.params))
			require.Error(t, err)
			assert.Nil(t, body)

			var re *domain.ResolutionError
			require.ErrorAs(t, err, &re)
			assert.Equal(t, tt.meta, re.Meta)
			if tt.want != nil {
				assert.ErrorIs(t, err, tt.want)
			}
		})
	}
}

func TestRegistry_ReturnShapes(t *testing.T) {
	boom := errors.New("boom")
	r := NewRegistry()
	r.MustRegister("t", "void", func() {})
	r.MustRegister("t", "err", func() error { return boom })
	r.MustRegister("t", "value", func(p payload) (int, error) { return p.Count, nil })

	run := func(method, params string) error {
		body, err := r.Resolve(domain.InvokeMeta{Type: "t", Method: method}, []byte(params))
		require.NoError(t, err)
		return body(context.Background(), Env{})
	}

	assert.NoError(t, run("void", ""))
	assert.ErrorIs(t, run("err", "null"), boom)
	assert.NoError(t, run("value", `[{"name":"x","count":2}]`))
	assert.Equal(t, []string{"t.err", "t.value", "t.void"}, r.Methods())
}

func TestRegistry_RegisterRejectsBadHandlers(t *testing.T) {
	r := NewRegistry()
	tests := []struct {
		name string
		fn   any
	}{
		{"not a func", 42},
		{"nil func", (func())(nil)},
		{"variadic", func(xs ...int) error { return nil }},
		{"non error return", func() int { return 1 }},
		{"too many returns", func() (int, int, error) { return 0, 0, nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Register("t", "m", tt.fn)
			var ce *domain.ConfigurationError
			assert.ErrorAs(t, err, &ce)
		})
	}

	assert.Error(t, r.Register("", "m", func() {}))
}

func TestMetaOf(t *testing.T) {
	meta, err := MetaOf("mail", "Send", func(ctx context.Context, g *gate.Gate, to string, p payload, ids []int64) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, domain.InvokeMeta{
		Type:       "mail",
		Method:     "Send",
		ParamTypes: []string{"string", "invoke.payload", "[]int64"},
	}, meta)

	_, err = MetaOf("x", "y", "nope")
	assert.Error(t, err)
}
