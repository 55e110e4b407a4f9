package redisqueue

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ruslanjabari/soketi/internal/redisshard"

	"github.com/redis/rueidis"
)

// CreateConsumerGroup makes sure group exists, creating stream on the way.
func CreateConsumerGroup(ctx context.Context, shard *redisshard.RedisShard, stream, group, startID string) error {
	err := shard.RunOp(func(client rueidis.Client) rueidis.RedisResult {
		return client.Do(ctx, client.B().XgroupCreate().Key(stream).Group(group).Id(startID).Mkstream().Build())
	}).Error()
	if err == nil || isBusyGroup(err) {
		return nil
	}
	return err
}

func isBusyGroup(err error) bool {
	var redisErr *rueidis.RedisError
	if errors.As(err, &redisErr) {
		return strings.HasPrefix(redisErr.Error(), "BUSYGROUP")
	}
	return strings.Contains(err.Error(), "BUSYGROUP")
}

// autoClaimReply is a parsed XAUTOCLAIM reply: cursor for next call and
// entries claimed by this consumer.
type autoClaimReply struct {
	next    string
	entries []rueidis.XRangeEntry
}

func parseAutoClaim(res rueidis.RedisResult) (autoClaimReply, error) {
	values, err := res.ToArray()
	if err != nil {
		return autoClaimReply{}, err
	}
	if len(values) < 2 {
		return autoClaimReply{}, fmt.Errorf("unexpected XAUTOCLAIM reply length %d", len(values))
	}
	var reply autoClaimReply
	if reply.next, err = values[0].ToString(); err != nil {
		return autoClaimReply{}, err
	}
	if reply.entries, err = values[1].AsXRange(); err != nil {
		return autoClaimReply{}, err
	}
	return reply, nil
}

// done reports whether whole pending list was scanned.
func (r autoClaimReply) done() bool {
	return r.next == "0-0" || len(r.entries) == 0
}
