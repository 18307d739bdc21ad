package broker

import (
	"context"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConfirmation struct {
	acked bool
	err   error
}

func (c fakeConfirmation) WaitContext(ctx context.Context) (bool, error) {
	return c.acked, c.err
}

type fakeChannel struct {
	closed     bool
	publishErr error
	conf       fakeConfirmation
	closeAfter bool
	published  []amqp.Publishing
	keys       []string
}

func (c *fakeChannel) publish(ctx context.Context, exchange, key string, msg amqp.Publishing) (Confirmation, error) {
	if c.publishErr != nil {
		return nil, c.publishErr
	}
	c.published = append(c.published, msg)
	c.keys = append(c.keys, exchange+"/"+key)
	if c.closeAfter {
		c.closed = true
	}
	return c.conf, nil
}

func (c *fakeChannel) IsClosed() bool { return c.closed }

func (c *fakeChannel) Close() error {
	c.closed = true
	return nil
}

// channelFactory hands out prepared channels in order.
type channelFactory struct {
	channels []*fakeChannel
	opened   int
	err      error
}

func (f *channelFactory) open() (confirmChannel, error) {
	if f.err != nil {
		return nil, f.err
	}
	ch := f.channels[f.opened]
	f.opened++
	return ch, nil
}

func newTestPublisher(f *channelFactory) *ConfirmPublisher {
	return newConfirmPublisher(f.open, zerolog.Nop())
}

var testMsg = amqp.Publishing{ContentType: "application/json", DeliveryMode: amqp.Persistent, Body: []byte(`{}`)}

func TestConfirmPublisher_ReusesChannel(t *testing.T) {
	ch := &fakeChannel{conf: fakeConfirmation{acked: true}}
	f := &channelFactory{channels: []*fakeChannel{ch}}
	p := newTestPublisher(f)

	require.NoError(t, p.Publish(context.Background(), "analiticasRealizadas_exchange", "clienteA", testMsg))
	require.NoError(t, p.Publish(context.Background(), "analiticasRealizadas_exchange", "analiticasRealizadas", testMsg))

	assert.Equal(t, 1, f.opened)
	assert.Equal(t, []string{
		"analiticasRealizadas_exchange/clienteA",
		"analiticasRealizadas_exchange/analiticasRealizadas",
	}, ch.keys)
}

func TestConfirmPublisher_Nacked(t *testing.T) {
	f := &channelFactory{channels: []*fakeChannel{{conf: fakeConfirmation{acked: false}}}}
	p := newTestPublisher(f)

	err := p.Publish(context.Background(), "x", "k", testMsg)
	assert.ErrorIs(t, err, ErrPublishNacked)
}

func TestConfirmPublisher_ReopensClosedChannel(t *testing.T) {
	first := &fakeChannel{publishErr: amqp.ErrClosed}
	second := &fakeChannel{conf: fakeConfirmation{acked: true}}
	f := &channelFactory{channels: []*fakeChannel{first, second}}
	p := newTestPublisher(f)

	err := p.Publish(context.Background(), "x", "k", testMsg)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrChannelClosed)

	require.NoError(t, p.Publish(context.Background(), "x", "k", testMsg))
	assert.Equal(t, 2, f.opened)
	assert.Len(t, second.published, 1)
}

func TestConfirmPublisher_ChannelClosedByBroker(t *testing.T) {
	first := &fakeChannel{conf: fakeConfirmation{acked: true}}
	second := &fakeChannel{conf: fakeConfirmation{acked: true}}
	f := &channelFactory{channels: []*fakeChannel{first, second}}
	p := newTestPublisher(f)

	require.NoError(t, p.Publish(context.Background(), "x", "k", testMsg))
	first.closed = true

	require.NoError(t, p.Publish(context.Background(), "x", "k", testMsg))
	assert.Equal(t, 2, f.opened)
}

func TestConfirmPublisher_NackFromClosingChannel(t *testing.T) {
	first := &fakeChannel{conf: fakeConfirmation{acked: false}, closeAfter: true}
	f := &channelFactory{channels: []*fakeChannel{first}}
	p := newTestPublisher(f)

	err := p.Publish(context.Background(), "x", "k", testMsg)
	assert.ErrorIs(t, err, ErrChannelClosed)
}

func TestConfirmPublisher_Errors(t *testing.T) {
	t.Run("open failure", func(t *testing.T) {
		p := newTestPublisher(&channelFactory{err: ErrConnectionLost})
		err := p.Publish(context.Background(), "x", "k", testMsg)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrConnectionLost)
		assert.Contains(t, err.Error(), "open publish channel")
	})

	t.Run("confirmation timeout", func(t *testing.T) {
		ch := &fakeChannel{conf: fakeConfirmation{err: context.DeadlineExceeded}}
		p := newTestPublisher(&channelFactory{channels: []*fakeChannel{ch}})
		err := p.Publish(context.Background(), "x", "k", testMsg)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("other publish error", func(t *testing.T) {
		ch := &fakeChannel{publishErr: errors.New("table field invalid")}
		p := newTestPublisher(&channelFactory{channels: []*fakeChannel{ch}})
		err := p.Publish(context.Background(), "x", "k", testMsg)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrChannelClosed)
		assert.Contains(t, err.Error(), "publish to x/k")
	})
}

func TestConfirmPublisher_Close(t *testing.T) {
	ch := &fakeChannel{conf: fakeConfirmation{acked: true}}
	p := newTestPublisher(&channelFactory{channels: []*fakeChannel{ch}})

	require.NoError(t, p.Close())
	require.NoError(t, p.Publish(context.Background(), "x", "k", testMsg))
	require.NoError(t, p.Close())
	assert.True(t, ch.closed)
	require.NoError(t, p.Close())
}
