package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/jobengine/internal/gate"
	"github.com/cuongbtq/jobengine/internal/invoke"
)

type recorder struct {
	notes []string
	data  []string
}

func (r *recorder) Report(_ *int, note, data string) {
	r.notes = append(r.notes, note)
	r.data = append(r.data, data)
}

func TestRegisterHandlers(t *testing.T) {
	r := invoke.NewRegistry()
	require.NoError(t, registerHandlers(r))
	assert.Equal(t, []string{"demo.Echo", "demo.Sleep"}, r.Methods())
}

func TestEcho(t *testing.T) {
	r := invoke.NewRegistry()
	require.NoError(t, registerHandlers(r))

	meta, err := invoke.MetaOf("demo", "Echo", echo)
	require.NoError(t, err)
	params, err := invoke.Params("  hello ")
	require.NoError(t, err)

	body, err := r.Resolve(meta, params)
	require.NoError(t, err)

	rec := &recorder{}
	require.NoError(t, body(context.Background(), invoke.Env{Reporter: rec, Gate: gate.New()}))
	assert.Equal(t, []string{"hello"}, rec.data)
}

func TestSleep_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := sleep(ctx, gate.New(), &recorder{}, 5)
	assert.ErrorIs(t, err, gate.ErrCancelled)
}
