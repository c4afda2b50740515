package dispatch

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luban-ide/luban-core/internal/coreerr"
)

func TestDispatch_UnknownActionReturnsProtocolError(t *testing.T) {
	r := NewRegistry()
	_, err := r.Dispatch(context.Background(), "does_not_exist", nil)
	require.Error(t, err)
	assert.Equal(t, coreerr.ProtocolError, coreerr.KindOf(err))
}

func TestDispatch_RoutesToRegisteredHandler(t *testing.T) {
	r := NewRegistry()
	var gotParams json.RawMessage
	r.Register("ping", func(ctx context.Context, params json.RawMessage) (any, error) {
		gotParams = params
		return "pong", nil
	})

	result, err := r.Dispatch(context.Background(), "ping", json.RawMessage(`{"x":1}`))
	require.NoError(t, err)
	assert.Equal(t, "pong", result)
	assert.JSONEq(t, `{"x":1}`, string(gotParams))
}

func TestDecode_MalformedParamsIsProtocolError(t *testing.T) {
	var dst struct{ X int }
	err := decode(json.RawMessage(`not json`), &dst)
	require.Error(t, err)
	assert.Equal(t, coreerr.ProtocolError, coreerr.KindOf(err))
}

func TestDecode_EmptyParamsIsANoop(t *testing.T) {
	var dst struct{ X int }
	err := decode(nil, &dst)
	require.NoError(t, err)
}
