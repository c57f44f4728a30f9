package kafka

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSession 实现 sarama.ConsumerGroupSession
type fakeSession struct {
	ctx     context.Context
	mu      sync.Mutex
	marked  []int64
	commits int
}

func (s *fakeSession) Claims() map[string][]int32                { return nil }
func (s *fakeSession) MemberID() string                          { return "member-1" }
func (s *fakeSession) GenerationID() int32                       { return 1 }
func (s *fakeSession) MarkOffset(string, int32, int64, string)  {}
func (s *fakeSession) ResetOffset(string, int32, int64, string) {}
func (s *fakeSession) Context() context.Context                  { return s.ctx }

func (s *fakeSession) Commit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commits++
}

func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, msg.Offset)
}

// fakeClaim 实现 sarama.ConsumerGroupClaim
type fakeClaim struct {
	messages chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Topic() string                            { return "regulatory.updates" }
func (c *fakeClaim) Partition() int32                         { return 0 }
func (c *fakeClaim) InitialOffset() int64                     { return 0 }
func (c *fakeClaim) HighWaterMarkOffset() int64               { return int64(len(c.messages)) }
func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

func newFakeClaim(values ...string) *fakeClaim {
	ch := make(chan *sarama.ConsumerMessage, len(values))
	for i, v := range values {
		ch <- &sarama.ConsumerMessage{
			Topic:     "regulatory.updates",
			Partition: 0,
			Offset:    int64(i),
			Key:       []byte("slot"),
			Value:     []byte(v),
		}
	}
	close(ch)
	return &fakeClaim{messages: ch}
}

func TestGroupHandler_MarksCommittedAndDeadLettered(t *testing.T) {
	handler := func(ctx context.Context, msg *Message) error {
		var v map[string]any
		if err := msg.DecodeJSON(&v); err != nil {
			return Unparseable(err)
		}
		return nil
	}
	sink := &recordingSink{}
	p, _ := newTestProcessor(t, handler, sink)

	session := &fakeSession{ctx: context.Background()}
	claim := newFakeClaim(`{"a":1}`, `garbage`, `{"b":2}`)

	require.NoError(t, NewGroupHandler(p).ConsumeClaim(session, claim))
	assert.Equal(t, []int64{0, 1, 2}, session.marked)
	assert.Equal(t, 3, session.commits)
	require.Len(t, sink.letters, 1)
	assert.Equal(t, int64(1), sink.letters[0].Message.Offset)
}

func TestGroupHandler_CommitsOnlyAfterFinalAttempt(t *testing.T) {
	attempts := 0
	session := &fakeSession{ctx: context.Background()}
	handler := func(ctx context.Context, msg *Message) error {
		attempts++
		// 重试期间不得提交
		assert.Empty(t, session.marked)
		if attempts < 3 {
			return errTransient
		}
		return nil
	}
	p, sl := newTestProcessor(t, handler, &recordingSink{})

	require.NoError(t, NewGroupHandler(p).ConsumeClaim(session, newFakeClaim(`{}`)))
	assert.Equal(t, 3, attempts)
	assert.Len(t, sl.waits, 2)
	assert.Equal(t, []int64{0}, session.marked)
}

func TestGroupHandler_StopsWithoutMarkingWhenDeadLetterUnreachable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := func(context.Context, *Message) error { return Unparseable(assert.AnError) }
	sink := &recordingSink{failN: 1 << 30}
	p, _ := newTestProcessor(t, handler, sink)
	p.SetSleeper(func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	})

	session := &fakeSession{ctx: ctx}
	require.NoError(t, NewGroupHandler(p).ConsumeClaim(session, newFakeClaim(`x`, `y`)))
	assert.Empty(t, session.marked)
	assert.Zero(t, session.commits)
}

func TestNewConsumer_Validation(t *testing.T) {
	p, _ := newTestProcessor(t, func(context.Context, *Message) error { return nil }, &recordingSink{})

	_, err := NewConsumer(&ConsumerConfig{}, p)
	assert.ErrorIs(t, err, ErrBrokersRequired)

	cfg := DefaultConsumerConfig()
	cfg.Brokers = []string{"localhost:9092"}
	_, err = NewConsumer(cfg, p)
	assert.ErrorIs(t, err, ErrGroupIDRequired)

	cfg.GroupID = "compliance"
	_, err = NewConsumer(cfg, p)
	assert.ErrorIs(t, err, ErrTopicsRequired)
}

func TestProcessorConfigFrom(t *testing.T) {
	cfg := DefaultConsumerConfig()
	pc := ProcessorConfigFrom(cfg)
	assert.Equal(t, cfg.Retry, pc.Retry)
	assert.Equal(t, cfg.StepTimeout, pc.StepTimeout)
	assert.Equal(t, ".dlq", pc.DeadLetterSuffix)
}
