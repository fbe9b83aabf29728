package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"doc-intel-go/pkg/tasks"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubProcessor 让指定文档先失败 failures[id] 次，-1 表示一直失败。
type stubProcessor struct {
	failures map[uint]int
	calls    []uint
	onFail   func()
}

func (s *stubProcessor) Process(ctx context.Context, task tasks.IngestionTask) error {
	s.calls = append(s.calls, task.DocumentID)
	n := s.failures[task.DocumentID]
	if n == 0 {
		return nil
	}
	if n > 0 {
		s.failures[task.DocumentID] = n - 1
	}
	if s.onFail != nil {
		s.onFail()
	}
	return errors.New("embedding down")
}

// fakeReader 按顺序返回消息，消息耗尽后取消 ctx 结束消费循环。
type fakeReader struct {
	messages  []kafka.Message
	committed []int64
	cancel    context.CancelFunc
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if err := ctx.Err(); err != nil {
		return kafka.Message{}, err
	}
	if len(r.messages) == 0 {
		r.cancel()
		return kafka.Message{}, context.Canceled
	}
	m := r.messages[0]
	r.messages = r.messages[1:]
	return m, nil
}

func (r *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func newCounter(t *testing.T) (*miniredis.Miniredis, attemptCounter) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, attemptCounter{rdb: rdb}
}

func message(t *testing.T, offset int64, documentID uint) kafka.Message {
	t.Helper()
	b, err := json.Marshal(tasks.IngestionTask{DocumentID: documentID, UserID: 1, FileName: "x.pdf"})
	require.NoError(t, err)
	return kafka.Message{Offset: offset, Value: b}
}

func runConsumer(counter attemptCounter, p *stubProcessor, msgs ...kafka.Message) *fakeReader {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reader := &fakeReader{messages: msgs, cancel: cancel}
	c := &consumer{reader: reader, processor: p, counter: counter, backoff: time.Millisecond}
	c.run(ctx)
	return reader
}

func TestConsumerRetriesBeforeFetchingNext(t *testing.T) {
	mr, counter := newCounter(t)
	p := &stubProcessor{failures: map[uint]int{1: 2}}

	reader := runConsumer(counter, p, message(t, 10, 1), message(t, 11, 2))

	assert.Equal(t, []uint{1, 1, 1, 2}, p.calls, "a failed task is retried in place before the next message")
	assert.Equal(t, []int64{10, 11}, reader.committed)
	assert.False(t, mr.Exists("kafka:attempts:document:1"))
}

func TestConsumerGivesUpAfterMaxAttempts(t *testing.T) {
	mr, counter := newCounter(t)
	p := &stubProcessor{failures: map[uint]int{1: -1}}

	reader := runConsumer(counter, p, message(t, 10, 1), message(t, 11, 2))

	assert.Equal(t, []uint{1, 1, 1, 2}, p.calls)
	assert.Equal(t, []int64{10, 11}, reader.committed)
	assert.False(t, mr.Exists("kafka:attempts:document:1"))
}

func TestConsumerAttemptBudgetSurvivesRestart(t *testing.T) {
	mr, counter := newCounter(t)
	require.NoError(t, mr.Set("kafka:attempts:document:1", "2"))
	p := &stubProcessor{failures: map[uint]int{1: -1}}

	reader := runConsumer(counter, p, message(t, 10, 1))

	assert.Equal(t, []uint{1}, p.calls)
	assert.Equal(t, []int64{10}, reader.committed)
}

func TestConsumerSuccessResetsCounter(t *testing.T) {
	mr, counter := newCounter(t)
	require.NoError(t, mr.Set("kafka:attempts:document:4", "1"))
	p := &stubProcessor{}

	reader := runConsumer(counter, p, message(t, 3, 4))

	assert.Equal(t, []uint{4}, p.calls)
	assert.Equal(t, []int64{3}, reader.committed)
	assert.False(t, mr.Exists("kafka:attempts:document:4"))
}

func TestConsumerMalformedMessageCommits(t *testing.T) {
	_, counter := newCounter(t)
	p := &stubProcessor{}

	reader := runConsumer(counter, p, kafka.Message{Offset: 7, Value: []byte("not json")})

	assert.Empty(t, p.calls)
	assert.Equal(t, []int64{7}, reader.committed)
}

func TestConsumerRedisDownStillBoundsRetries(t *testing.T) {
	mr, counter := newCounter(t)
	mr.Close()
	p := &stubProcessor{failures: map[uint]int{1: -1}}

	reader := runConsumer(counter, p, message(t, 10, 1))

	assert.Len(t, p.calls, maxAttempts)
	assert.Equal(t, []int64{10}, reader.committed)
}

func TestConsumerStopDuringBackoffKeepsOffset(t *testing.T) {
	_, counter := newCounter(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := &stubProcessor{failures: map[uint]int{1: -1}, onFail: cancel}
	reader := &fakeReader{messages: []kafka.Message{message(t, 10, 1), message(t, 11, 2)}, cancel: cancel}
	c := &consumer{reader: reader, processor: p, counter: counter, backoff: time.Hour}

	c.run(ctx)

	assert.Equal(t, []uint{1}, p.calls)
	assert.Empty(t, reader.committed, "an unfinished task is redelivered after restart")
}
