package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fairbet-gateway/internal/models"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaPublisherResolved(t *testing.T) {
	w := &fakeWriter{}
	p := newKafkaPublisherWithWriter(w)

	resolved := time.Now()
	c := &models.Commitment{
		ID:             "cmt_1",
		RequestID:      "req-1",
		UserID:         "user-9",
		Mode:           models.GameModeReal,
		GameVariant:    models.GameVariantDice,
		BetAmount:      decimal.NewFromInt(10),
		ServerSeed:     "seed",
		ServerSeedHash: "hash",
		Status:         models.CommitmentResolved,
		Outcome:        4,
		IsWin:          true,
		Multiplier:     decimal.NewFromInt(8),
		Payout:         decimal.NewFromInt(80),
		ResolvedAt:     &resolved,
	}
	require.NoError(t, p.PublishTerminal(context.Background(), c))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, []byte("user-9"), w.msgs[0].Key)

	var event CommitmentEvent
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &event))
	assert.Equal(t, "commitment.resolved", event.Type)
	assert.Equal(t, "user-9", event.UserID)
	assert.Equal(t, "seed", event.Commitment.ServerSeed)
	require.NotNil(t, event.Commitment.Payout)
	assert.True(t, event.Commitment.Payout.Equal(decimal.NewFromInt(80)))

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestKafkaPublisherHidesSeedOfUnresolved(t *testing.T) {
	w := &fakeWriter{}
	p := newKafkaPublisherWithWriter(w)

	c := &models.Commitment{
		ID:            "cmt_2",
		UserID:        "user-9",
		ServerSeed:    "secret",
		Status:        models.CommitmentFailed,
		FailureReason: "hash mismatch",
	}
	require.NoError(t, p.PublishTerminal(context.Background(), c))

	var event CommitmentEvent
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &event))
	assert.Equal(t, "commitment.failed", event.Type)
	assert.Equal(t, "hash mismatch", event.Reason)
	assert.Empty(t, event.Commitment.ServerSeed)
	assert.NotContains(t, string(w.msgs[0].Value), "secret")
}

func TestKafkaPublisherWriteError(t *testing.T) {
	p := newKafkaPublisherWithWriter(&fakeWriter{err: errors.New("broker down")})
	err := p.PublishTerminal(context.Background(), &models.Commitment{UserID: "u", Status: models.CommitmentExpired})
	assert.ErrorContains(t, err, "broker down")
}
