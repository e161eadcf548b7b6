package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"
)

type fakeChannel struct {
	declared  []string
	published []amqp.Publishing
	keys      []string
	failWith  error
	closed    bool
}

func (c *fakeChannel) ExchangeDeclare(name, kind string, durable, _, _, _ bool, _ amqp.Table) error {
	if !durable || kind != "topic" {
		return errors.New("unexpected exchange options")
	}
	c.declared = append(c.declared, name)
	return nil
}

func (c *fakeChannel) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	if c.failWith != nil {
		return c.failWith
	}
	c.keys = append(c.keys, key)
	c.published = append(c.published, msg)
	return nil
}

func (c *fakeChannel) Close() error {
	c.closed = true
	return nil
}

func TestAMQPPublisherRoutesByType(t *testing.T) {
	ch := &fakeChannel{}
	pub, err := NewAMQPPublisher(ch, "")
	require.NoError(t, err)
	require.Equal(t, []string{DefaultExchange}, ch.declared)

	projectID := uuid.New()
	evt := New(TypeProposalAccepted, projectID, uuid.New(), map[string]string{"proposal_id": "p1"}, time.Unix(1700000000, 0))
	require.NoError(t, pub.Publish(context.Background(), evt))

	require.Equal(t, []string{TypeProposalAccepted}, ch.keys)
	msg := ch.published[0]
	require.Equal(t, amqp.Persistent, msg.DeliveryMode)
	require.Equal(t, "application/json", msg.ContentType)
	var decoded Event
	require.NoError(t, json.Unmarshal(msg.Body, &decoded))
	require.Equal(t, projectID.String(), decoded.ProjectID)
	require.Equal(t, "p1", decoded.Attributes["proposal_id"])

	require.NoError(t, pub.Close())
	require.True(t, ch.closed)
}

func TestAMQPPublisherWrapsFailure(t *testing.T) {
	ch := &fakeChannel{failWith: amqp.ErrClosed}
	pub, err := NewAMQPPublisher(ch, "market")
	require.NoError(t, err)
	err = pub.Publish(context.Background(), New(TypeProjectCreated, uuid.New(), uuid.Nil, nil, time.Now()))
	require.ErrorIs(t, err, amqp.ErrClosed)
}

func TestMemoryKeepsMostRecent(t *testing.T) {
	mem := NewMemory(2)
	for _, typ := range []string{TypeProjectCreated, TypeProjectPublished, TypeProposalSubmitted} {
		require.NoError(t, mem.Publish(context.Background(), New(typ, uuid.New(), uuid.Nil, nil, time.Now())))
	}
	require.Equal(t, []string{TypeProjectPublished, TypeProposalSubmitted}, mem.Types())
}

func TestFanoutJoinsErrors(t *testing.T) {
	mem := NewMemory(4)
	boom := errors.New("boom")
	fan := Fanout{mem, failing{err: boom}, nil}
	err := fan.Publish(context.Background(), New(TypeProjectCancelled, uuid.New(), uuid.Nil, nil, time.Now()))
	require.ErrorIs(t, err, boom)
	require.Len(t, mem.Events(), 1)
}

type failing struct{ err error }

func (f failing) Publish(context.Context, Event) error { return f.err }
