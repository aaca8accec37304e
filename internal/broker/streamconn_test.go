package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTickFrame(t *testing.T) {
	frame := []byte(`[{"instrument_token":256265,"mode":"full","last_price":22150.5,"volume":100,"oi":0}]`)
	ticks, err := parseTickFrame(frame)
	require.NoError(t, err)
	require.Len(t, ticks, 1)

	assert.Equal(t, Token(256265), ticks[0].Token)
	assert.Equal(t, ModeFull, ticks[0].Mode)
	assert.Equal(t, 22150.5, ticks[0].LastPrice)
	assert.False(t, ticks[0].Timestamp.IsZero(), "missing timestamps are stamped on receipt")
}

func TestParseTickFrameSkipsNonArrayFrames(t *testing.T) {
	for _, frame := range [][]byte{
		nil,
		[]byte(`{"type":"order","data":{}}`),
		[]byte(`pong`),
	} {
		ticks, err := parseTickFrame(frame)
		assert.NoError(t, err)
		assert.Nil(t, ticks)
	}
}

func TestParseTickFrameMalformedArray(t *testing.T) {
	_, err := parseTickFrame([]byte(`[{"instrument_token":`))
	assert.Error(t, err)
}

func TestStreamConnCloseIsIdempotent(t *testing.T) {
	sink := make(chan Tick, 1)
	c := newStreamConn("c1", "acct1", sink, nil)
	c.open(newFakeWS())
	require.Equal(t, StateOpen, c.State())

	c.close()
	c.close()
	assert.Equal(t, StateClosed, c.State())
}

func TestStreamConnSendRequiresOpenState(t *testing.T) {
	sink := make(chan Tick, 1)
	c := newStreamConn("c1", "acct1", sink, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := c.subscribe(ctx, map[Token]Mode{1: ModeLTP})
	assert.Error(t, err)
}
