package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/lvdashuaibi/littlewatch/internal/logging"
	"github.com/lvdashuaibi/littlewatch/internal/model"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error {
	w.closed = true
	return nil
}

func TestPublishSettlement(t *testing.T) {
	w := &recordingWriter{}
	p := newProducerWithWriter(w, "earn.settlement.requested")

	event := &model.SettlementEvent{
		SettlementHandle: "pending:1",
		UserID:           "0xabc",
		Amount:           decimal.RequireFromString("6.5"),
		RewardIDs:        []string{"r1", "r2"},
		RequestedAt:      time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	require.NoError(t, p.PublishSettlement(context.Background(), event))
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	assert.Equal(t, "0xabc", string(msg.Key))
	assert.Equal(t, "pending:1", string(msg.Headers[0].Value))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(msg.Value, &body))
	assert.Equal(t, "6.5", body["amount"])
	assert.Equal(t, "pending:1", body["settlementHandle"])

	w.err = errors.New("broker down")
	assert.Error(t, p.PublishSettlement(context.Background(), event))

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

type confirmerFunc func(ctx context.Context, c *model.SettlementConfirmation) error

func (f confirmerFunc) ConfirmSettlement(ctx context.Context, c *model.SettlementConfirmation) error {
	return f(ctx, c)
}

type creditorFunc func(ctx context.Context, e *model.RewardCreditEvent) (*model.MintResult, error)

func (f creditorFunc) CreditExternalReward(ctx context.Context, e *model.RewardCreditEvent) (*model.MintResult, error) {
	return f(ctx, e)
}

func TestSettlementConfirmationHandler(t *testing.T) {
	var got *model.SettlementConfirmation
	handler := SettlementConfirmationHandler(confirmerFunc(func(_ context.Context, c *model.SettlementConfirmation) error {
		got = c
		return nil
	}))

	err := handler(context.Background(), kafka.Message{Value: []byte(`{"settlementHandle":"pending:1","txHash":"0xfeed"}`)})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "pending:1", got.SettlementHandle)
	assert.Equal(t, "0xfeed", got.TxHash)

	assert.Error(t, handler(context.Background(), kafka.Message{Value: []byte(`not json`)}))
}

func TestRewardCreditHandler(t *testing.T) {
	var got *model.RewardCreditEvent
	handler := RewardCreditHandler(creditorFunc(func(_ context.Context, e *model.RewardCreditEvent) (*model.MintResult, error) {
		got = e
		return &model.MintResult{Granted: e.Amount, CapReached: true}, nil
	}), logging.NewDiscard())

	err := handler(context.Background(), kafka.Message{
		Key:   []byte("0xabc"),
		Value: []byte(`{"sourceId":"comment-9","type":"comment","amount":"0.5"}`),
	})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "0xabc", got.UserID)
	assert.Equal(t, "comment-9", got.SourceID)
	assert.True(t, decimal.RequireFromString("0.5").Equal(got.Amount))

	failing := RewardCreditHandler(creditorFunc(func(context.Context, *model.RewardCreditEvent) (*model.MintResult, error) {
		return nil, errors.New("db down")
	}), logging.NewDiscard())
	assert.Error(t, failing(context.Background(), kafka.Message{Value: []byte(`{"sourceId":"x"}`)}))
}
