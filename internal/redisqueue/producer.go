package redisqueue

import (
	"context"
	"errors"
	"strconv"

	"github.com/ruslanjabari/soketi/internal/redisshard"

	"github.com/redis/rueidis"
)

// Message is a stream entry. Empty ID lets Redis generate one on XADD.
type Message struct {
	ID     string            `json:"id"`
	Values map[string]string `json:"values"`
}

type ProducerOptions struct {
	Stream string
	// StreamMaxLength trims stream with approximate MAXLEN when positive.
	StreamMaxLength int64
}

// Producer appends messages to stream. It is used by tests and tooling
// publishing into redis_stream consumers.
type Producer struct {
	shard  *redisshard.RedisShard
	stream string
	maxLen string
}

func NewProducer(shard *redisshard.RedisShard, options ProducerOptions) (*Producer, error) {
	if options.Stream == "" {
		return nil, errors.New("stream required")
	}
	p := &Producer{shard: shard, stream: options.Stream}
	if options.StreamMaxLength > 0 {
		p.maxLen = strconv.FormatInt(options.StreamMaxLength, 10)
	}
	return p, nil
}

func (p *Producer) xadd(client rueidis.Client, msg *Message) rueidis.Completed {
	args := make([]string, 0, 4+2*len(msg.Values))
	if p.maxLen != "" {
		args = append(args, "MAXLEN", "~", p.maxLen)
	}
	id := msg.ID
	if id == "" {
		id = "*"
	}
	args = append(args, id)
	for k, v := range msg.Values {
		args = append(args, k, v)
	}
	return client.B().Arbitrary("XADD").Keys(p.stream).Args(args...).Build()
}

// Enqueue sends all messages in one round trip and sets assigned IDs.
func (p *Producer) Enqueue(ctx context.Context, messages ...*Message) error {
	if len(messages) == 0 {
		return nil
	}
	results := p.shard.RunMulti(func(client rueidis.Client) []rueidis.RedisResult {
		cmds := make(rueidis.Commands, len(messages))
		for i, msg := range messages {
			cmds[i] = p.xadd(client, msg)
		}
		return client.DoMulti(ctx, cmds...)
	})
	for i, res := range results {
		id, err := res.ToString()
		if err != nil {
			return err
		}
		messages[i].ID = id
	}
	return nil
}
