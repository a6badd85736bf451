// Package redisstore keeps a remap log in Redis.
//
// Each shard lives under the key prefix "reclock:<shard>:". The upper is
// a JSON antichain; since antichains encode canonically, equality of
// uppers is equality of strings, and compare-and-append is a short Lua
// script that Redis runs atomically. Batches are list entries of the form
// "<seqno> <json>".
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"golang.org/x/time/rate"

	"github.com/daviddao/reclock/pkg/frontier"
	"github.com/daviddao/reclock/pkg/model"
	"github.com/daviddao/reclock/pkg/remap"
)

// DefaultPollInterval is how often a Handle polls once caught up.
const DefaultPollInterval = 50 * time.Millisecond

const maxCompactRetries = 10

// compareAndAppend appends a batch only if the stored upper equals the
// expected one. A missing upper is the minimum antichain.
//
// KEYS: upper, seqno, batches
// ARGV: expected upper, new upper, batch json, minimum upper
var compareAndAppend = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then cur = ARGV[4] end
if cur ~= ARGV[1] then
	return {0, cur}
end
local seq = redis.call('INCR', KEYS[2])
redis.call('RPUSH', KEYS[3], seq .. ' ' .. ARGV[3])
redis.call('SET', KEYS[1], ARGV[2])
return {1, ARGV[2]}
`)

// Dial connects to addr and checks the connection.
func Dial(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := c.Ping(ctx).Err(); err != nil {
		c.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", addr, err)
	}
	return c, nil
}

type keys struct {
	upper, since, seqno, compacted, batches string
}

func shardKeys(shard string) keys {
	p := "reclock:" + shard + ":"
	return keys{
		upper:     p + "upper",
		since:     p + "since",
		seqno:     p + "seqno",
		compacted: p + "compacted",
		batches:   p + "batches",
	}
}

// Log is one shard's remap log.
type Log[F frontier.Timestamp[F], I frontier.Lattice[I]] struct {
	c       *redis.Client
	shard   string
	keys    keys
	minimum string
}

// Open returns the log for shard. Nothing is written until the first
// append.
func Open[F frontier.Timestamp[F], I frontier.Lattice[I]](c *redis.Client, shard string) (*Log[F, I], error) {
	if shard == "" {
		return nil, errors.New("shard name must not be empty")
	}
	minimum, err := json.Marshal(frontier.MinimumAntichain[I]())
	if err != nil {
		return nil, fmt.Errorf("encode minimum upper: %w", err)
	}
	return &Log[F, I]{c: c, shard: shard, keys: shardKeys(shard), minimum: string(minimum)}, nil
}

// Drop deletes every key of the shard.
func (l *Log[F, I]) Drop(ctx context.Context) error {
	k := l.keys
	return l.c.Del(ctx, k.upper, k.since, k.seqno, k.compacted, k.batches).Err()
}

type batchRecord[F frontier.Timestamp[F], I frontier.Lattice[I]] struct {
	Upper   frontier.Antichain[I] `json:"upper"`
	Updates []model.Binding[F, I] `json:"updates"`
}

type entry[F frontier.Timestamp[F], I frontier.Lattice[I]] struct {
	seqno int64
	batchRecord[F, I]
}

func encodeEntry[F frontier.Timestamp[F], I frontier.Lattice[I]](seqno int64, rec batchRecord[F, I]) (string, error) {
	b, err := json.Marshal(rec)
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(seqno, 10) + " " + string(b), nil
}

func decodeEntry[F frontier.Timestamp[F], I frontier.Lattice[I]](raw string) (entry[F, I], error) {
	var e entry[F, I]
	seq, body, ok := strings.Cut(raw, " ")
	if !ok {
		return e, fmt.Errorf("malformed batch entry %q", raw)
	}
	n, err := strconv.ParseInt(seq, 10, 64)
	if err != nil {
		return e, fmt.Errorf("batch seqno %q: %w", seq, err)
	}
	e.seqno = n
	if err := json.Unmarshal([]byte(body), &e.batchRecord); err != nil {
		return e, fmt.Errorf("decode batch %d: %w", n, err)
	}
	return e, nil
}

func (l *Log[F, I]) decodeFrontier(raw string, missing bool) (frontier.Antichain[I], error) {
	if missing {
		return frontier.MinimumAntichain[I](), nil
	}
	var f frontier.Antichain[I]
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		return frontier.Antichain[I]{}, err
	}
	return f, nil
}

func (l *Log[F, I]) getFrontier(ctx context.Context, key string) (frontier.Antichain[I], error) {
	raw, err := l.c.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return l.decodeFrontier("", true)
	}
	if err != nil {
		return frontier.Antichain[I]{}, err
	}
	return l.decodeFrontier(raw, false)
}

// Upper returns the shard's current upper.
func (l *Log[F, I]) Upper(ctx context.Context) (frontier.Antichain[I], error) {
	return l.getFrontier(ctx, l.keys.upper)
}

// Since returns the shard's compaction frontier.
func (l *Log[F, I]) Since(ctx context.Context) (frontier.Antichain[I], error) {
	return l.getFrontier(ctx, l.keys.since)
}

// CompareAndAppend appends updates and advances the upper from expected to
// newUpper if the stored upper still equals expected. On conflict the error
// is a *remap.UpperMismatch carrying the stored upper.
func (l *Log[F, I]) CompareAndAppend(ctx context.Context, updates []model.Binding[F, I], expected, newUpper frontier.Antichain[I]) error {
	if err := remap.ValidateAppend(updates, expected, newUpper); err != nil {
		return err
	}
	expText, err := json.Marshal(expected)
	if err != nil {
		return fmt.Errorf("encode expected upper: %w", err)
	}
	newText, err := json.Marshal(newUpper)
	if err != nil {
		return fmt.Errorf("encode new upper: %w", err)
	}
	body, err := json.Marshal(batchRecord[F, I]{Upper: newUpper, Updates: model.Consolidate(updates)})
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}

	k := l.keys
	res, err := compareAndAppend.Run(ctx, l.c,
		[]string{k.upper, k.seqno, k.batches},
		string(expText), string(newText), string(body), l.minimum,
	).Slice()
	if err != nil {
		return fmt.Errorf("compare and append to %s: %w", l.shard, err)
	}
	if len(res) != 2 {
		return fmt.Errorf("compare and append to %s: unexpected reply %v", l.shard, res)
	}
	if ok, _ := res[0].(int64); ok == 1 {
		return nil
	}
	raw, _ := res[1].(string)
	current, err := l.decodeFrontier(raw, false)
	if err != nil {
		return fmt.Errorf("decode current upper: %w", err)
	}
	return &remap.UpperMismatch[I]{Expected: expected.Clone(), Current: current}
}

type state[F frontier.Timestamp[F], I frontier.Lattice[I]] struct {
	upper            frontier.Antichain[I]
	since            frontier.Antichain[I]
	compactedThrough int64
	entries          []entry[F, I]
}

// readState reads the shard's metadata and batches in one MULTI/EXEC, so
// the result is a consistent snapshot.
func (l *Log[F, I]) readState(ctx context.Context) (state[F, I], error) {
	var st state[F, I]
	k := l.keys
	var meta *redis.SliceCmd
	var list *redis.StringSliceCmd
	_, err := l.c.TxPipelined(ctx, func(p redis.Pipeliner) error {
		meta = p.MGet(ctx, k.upper, k.since, k.compacted)
		list = p.LRange(ctx, k.batches, 0, -1)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return st, err
	}
	vals := meta.Val()
	if len(vals) != 3 {
		return st, fmt.Errorf("unexpected metadata reply %v", vals)
	}
	upper, _ := vals[0].(string)
	if st.upper, err = l.decodeFrontier(upper, vals[0] == nil); err != nil {
		return st, fmt.Errorf("decode upper: %w", err)
	}
	since, _ := vals[1].(string)
	if st.since, err = l.decodeFrontier(since, vals[1] == nil); err != nil {
		return st, fmt.Errorf("decode since: %w", err)
	}
	if c, ok := vals[2].(string); ok {
		if st.compactedThrough, err = strconv.ParseInt(c, 10, 64); err != nil {
			return st, fmt.Errorf("decode compacted: %w", err)
		}
	}
	for _, raw := range list.Val() {
		e, err := decodeEntry[F, I](raw)
		if err != nil {
			return st, err
		}
		st.entries = append(st.entries, e)
	}
	return st, nil
}

// Snapshot returns every stored binding in append order.
func (l *Log[F, I]) Snapshot(ctx context.Context) ([]model.Binding[F, I], error) {
	st, err := l.readState(ctx)
	if err != nil {
		return nil, err
	}
	var out []model.Binding[F, I]
	for _, e := range st.entries {
		out = append(out, e.Updates...)
	}
	return out, nil
}

// Compact advances since and merges every batch whose upper is not beyond
// it into one batch with times advanced by since. It runs as an optimistic
// WATCH transaction and retries when an append races with it.
func (l *Log[F, I]) Compact(ctx context.Context, since frontier.Antichain[I]) error {
	sinceText, err := json.Marshal(since)
	if err != nil {
		return fmt.Errorf("encode since: %w", err)
	}
	k := l.keys
	compact := func(tx *redis.Tx) error {
		cur, err := l.getFrontierTx(ctx, tx, k.since)
		if err != nil {
			return err
		}
		if !frontier.FrontierLessEqual(cur, since) {
			return fmt.Errorf("%w: since %v is behind %v", remap.ErrInvalidUsage, since, cur)
		}
		raws, err := tx.LRange(ctx, k.batches, 0, -1).Result()
		if err != nil {
			return err
		}
		n := 0
		var settled []model.Binding[F, I]
		var last entry[F, I]
		for _, raw := range raws {
			e, err := decodeEntry[F, I](raw)
			if err != nil {
				return err
			}
			if !frontier.FrontierLessEqual(e.Upper, since) {
				break
			}
			settled = append(settled, e.Updates...)
			last = e
			n++
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			if n > 0 {
				merged, err := encodeEntry(last.seqno, batchRecord[F, I]{
					Upper:   last.Upper,
					Updates: remap.Advance(settled, since),
				})
				if err != nil {
					return err
				}
				p.LTrim(ctx, k.batches, int64(n), -1)
				p.LPush(ctx, k.batches, merged)
				p.Set(ctx, k.compacted, last.seqno, 0)
			}
			p.Set(ctx, k.since, string(sinceText), 0)
			return nil
		})
		return err
	}

	for i := 0; i < maxCompactRetries; i++ {
		err := l.c.Watch(ctx, compact, k.since, k.batches)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("compact %s: too much contention", l.shard)
}

func (l *Log[F, I]) getFrontierTx(ctx context.Context, tx *redis.Tx, key string) (frontier.Antichain[I], error) {
	raw, err := tx.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return l.decodeFrontier("", true)
	}
	if err != nil {
		return frontier.Antichain[I]{}, err
	}
	return l.decodeFrontier(raw, false)
}

// OpenHandle returns a handle reading the log from the beginning with
// every binding time advanced by asOf.
func (l *Log[F, I]) OpenHandle(ctx context.Context, asOf frontier.Antichain[I], pollEvery time.Duration) (*Handle[F, I], error) {
	st, err := l.readState(ctx)
	if err != nil {
		return nil, err
	}
	if !frontier.FrontierLessEqual(st.since, asOf) {
		return nil, fmt.Errorf("%w: as-of %v, since %v", remap.ErrSinceAhead, asOf, st.since)
	}
	if pollEvery <= 0 {
		pollEvery = DefaultPollInterval
	}
	return &Handle[F, I]{
		log:     l,
		asOf:    asOf.Clone(),
		upper:   st.upper,
		limiter: rate.NewLimiter(rate.Every(pollEvery), 1),
	}, nil
}

// Handle reads and writes one shard. It implements remap.Handle and is
// owned by a single goroutine.
type Handle[F frontier.Timestamp[F], I frontier.Lattice[I]] struct {
	log     *Log[F, I]
	asOf    frontier.Antichain[I]
	cursor  int64
	read    frontier.Antichain[I]
	upper   frontier.Antichain[I]
	limiter *rate.Limiter
}

var _ remap.Handle[model.Partitioned, model.Millis] = (*Handle[model.Partitioned, model.Millis])(nil)

func (h *Handle[F, I]) Upper() frontier.Antichain[I] { return h.upper }

func (h *Handle[F, I]) Next(ctx context.Context) ([]model.Binding[F, I], frontier.Antichain[I], error) {
	for {
		st, err := h.log.readState(ctx)
		if err != nil {
			return nil, frontier.Antichain[I]{}, err
		}
		if h.cursor < st.compactedThrough && (h.cursor != 0 || !frontier.FrontierLessEqual(st.since, h.asOf)) {
			return nil, frontier.Antichain[I]{}, fmt.Errorf("%w: read through %d, compacted through %d", remap.ErrCompacted, h.cursor, st.compactedThrough)
		}
		h.upper = st.upper

		var updates []model.Binding[F, I]
		found := false
		for _, e := range st.entries {
			if e.seqno <= h.cursor {
				continue
			}
			updates = append(updates, e.Updates...)
			h.cursor = e.seqno
			h.read = e.Upper
			found = true
		}
		if found {
			return remap.Advance(updates, h.asOf), h.read.Clone(), nil
		}
		if h.cursor > 0 && h.read.IsEmpty() {
			return nil, frontier.Antichain[I]{}, remap.ErrClosed
		}

		r := h.limiter.Reserve()
		timer := time.NewTimer(r.Delay())
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			r.Cancel()
			return nil, frontier.Antichain[I]{}, ctx.Err()
		}
	}
}

func (h *Handle[F, I]) CompareAndAppend(ctx context.Context, updates []model.Binding[F, I], expected, newUpper frontier.Antichain[I]) error {
	err := h.log.CompareAndAppend(ctx, updates, expected, newUpper)
	var mismatch *remap.UpperMismatch[I]
	switch {
	case err == nil:
		h.upper = newUpper.Clone()
	case errors.As(err, &mismatch):
		h.upper = mismatch.Current.Clone()
	}
	return err
}
