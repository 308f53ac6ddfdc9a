// Package redis wraps the go-redis client with the small command surface the
// upload engine needs: plain keys, atomic sets and counters, a sorted-set
// session registry, and Lua eval for check-and-modify operations.
package redis

import (
	"context"
	"net/url"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var (
	// Error is a redis error.
	Error = errs.Class("redis")

	// ErrKeyNotFound is returned when looking up a key that does not exist.
	ErrKeyNotFound = errs.Class("key not found")

	mon = monkit.Package()
)

// Client is the entrypoint into redis.
type Client struct {
	db *redis.Client
}

// OpenClient returns a configured Client instance, verifying a successful
// connection to redis.
func OpenClient(ctx context.Context, address, password string, db int) (*Client, error) {
	client := &Client{
		db: redis.NewClient(&redis.Options{
			Addr:     address,
			Password: password,
			DB:       db,
		}),
	}

	// ping here to verify we are able to connect to redis with the initialized client.
	if err := client.db.Ping(ctx).Err(); err != nil {
		return nil, Error.New("ping failed: %v", err)
	}

	return client, nil
}

// OpenClientFrom returns a configured Client instance from a redis address,
// verifying a successful connection to redis.
func OpenClientFrom(ctx context.Context, address string) (*Client, error) {
	redisurl, err := url.Parse(address)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	if redisurl.Scheme != "redis" {
		return nil, Error.New("not a redis:// formatted address")
	}

	q := redisurl.Query()

	db := 0
	if dbstr := q.Get("db"); dbstr != "" {
		db, err = strconv.Atoi(dbstr)
		if err != nil {
			return nil, Error.Wrap(err)
		}
	}

	return OpenClient(ctx, redisurl.Host, q.Get("password"), db)
}

// Get looks up the provided key, returning ErrKeyNotFound when it is absent.
func (client *Client) Get(ctx context.Context, key string) (_ string, err error) {
	defer mon.Task()(&ctx)(&err)
	value, err := client.db.Get(ctx, key).Result()
	if err != nil {
		if errs.Is(err, redis.Nil) {
			return "", ErrKeyNotFound.New("%q", key)
		}
		return "", Error.Wrap(err)
	}
	return value, nil
}

// Set stores the value under key with the given expiration. Zero ttl means no
// expiration.
func (client *Client) Set(ctx context.Context, key, value string, ttl time.Duration) (err error) {
	defer mon.Task()(&ctx)(&err)
	return Error.Wrap(client.db.Set(ctx, key, value, ttl).Err())
}

// SetNX stores the value under key only when the key does not exist yet and
// reports whether the write happened.
func (client *Client) SetNX(ctx context.Context, key, value string, ttl time.Duration) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)
	ok, err := client.db.SetNX(ctx, key, value, ttl).Result()
	return ok, Error.Wrap(err)
}

// Delete removes the given keys. Deleting an absent key is not an error.
func (client *Client) Delete(ctx context.Context, keys ...string) (err error) {
	defer mon.Task()(&ctx)(&err)
	return Error.Wrap(client.db.Del(ctx, keys...).Err())
}

// Expire sets the time-to-live of an existing key.
func (client *Client) Expire(ctx context.Context, key string, ttl time.Duration) (err error) {
	defer mon.Task()(&ctx)(&err)
	return Error.Wrap(client.db.Expire(ctx, key, ttl).Err())
}

// SetAdd adds a member to the set stored under key.
func (client *Client) SetAdd(ctx context.Context, key string, member int64) (err error) {
	defer mon.Task()(&ctx)(&err)
	return Error.Wrap(client.db.SAdd(ctx, key, member).Err())
}

// SetRemove removes a member from the set stored under key.
func (client *Client) SetRemove(ctx context.Context, key string, member int64) (err error) {
	defer mon.Task()(&ctx)(&err)
	return Error.Wrap(client.db.SRem(ctx, key, member).Err())
}

// SetContains reports whether member is in the set stored under key.
func (client *Client) SetContains(ctx context.Context, key string, member int64) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)
	ok, err := client.db.SIsMember(ctx, key, member).Result()
	return ok, Error.Wrap(err)
}

// SetCard returns the number of members in the set stored under key.
func (client *Client) SetCard(ctx context.Context, key string) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)
	n, err := client.db.SCard(ctx, key).Result()
	return n, Error.Wrap(err)
}

// SetMembers returns all members of the set stored under key.
func (client *Client) SetMembers(ctx context.Context, key string) (_ []int64, err error) {
	defer mon.Task()(&ctx)(&err)
	raw, err := client.db.SMembers(ctx, key).Result()
	if err != nil {
		return nil, Error.Wrap(err)
	}
	members := make([]int64, 0, len(raw))
	for _, s := range raw {
		member, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		members = append(members, member)
	}
	return members, nil
}

// IncrBy increments the counter stored under key by delta and returns the new
// value. Missing keys count as zero.
func (client *Client) IncrBy(ctx context.Context, key string, delta int64) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)
	n, err := client.db.IncrBy(ctx, key, delta).Result()
	return n, Error.Wrap(err)
}

// EvalInt evaluates a Lua 5.1 script and returns its integer reply. The keys
// are accessible to the script through the KEYS global and args through ARGV.
func (client *Client) EvalInt(ctx context.Context, script string, keys []string, args ...interface{}) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)
	n, err := client.db.Eval(ctx, script, keys, args...).Int64()
	return n, Error.Wrap(err)
}

// SortedAddNX adds member with the given score to the sorted set under key,
// keeping the existing score when the member is already present.
func (client *Client) SortedAddNX(ctx context.Context, key string, score float64, member string) (err error) {
	defer mon.Task()(&ctx)(&err)
	return Error.Wrap(client.db.ZAddNX(ctx, key, redis.Z{Score: score, Member: member}).Err())
}

// SortedRangeByScore returns the members of the sorted set under key with
// scores up to and including max.
func (client *Client) SortedRangeByScore(ctx context.Context, key string, max float64) (_ []string, err error) {
	defer mon.Task()(&ctx)(&err)
	members, err := client.db.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatFloat(max, 'f', -1, 64),
	}).Result()
	return members, Error.Wrap(err)
}

// SortedRemove removes a member from the sorted set under key.
func (client *Client) SortedRemove(ctx context.Context, key string, member string) (err error) {
	defer mon.Task()(&ctx)(&err)
	return Error.Wrap(client.db.ZRem(ctx, key, member).Err())
}

// FlushDB deletes all keys in the currently selected DB.
func (client *Client) FlushDB(ctx context.Context) error {
	return Error.Wrap(client.db.FlushDB(ctx).Err())
}

// Close closes the underlying redis connection.
func (client *Client) Close() error {
	return Error.Wrap(client.db.Close())
}
