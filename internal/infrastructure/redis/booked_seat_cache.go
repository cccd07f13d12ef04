package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrCacheMiss = errors.New("キャッシュが見つかりません")
	// ErrCacheStale は読み出し後に無効化されたため保存しなかったことを表す
	ErrCacheStale = errors.New("キャッシュのバージョンが古いため保存しません")
)

// バージョンキーは無効化のたびに進む。長く使われないイベントのぶんは消えてよい
const versionKeyTTL = 24 * time.Hour

// 読み出し時のバージョンから変わっていなければ値を保存する
var setIfVersionScript = redis.NewScript(`
	local current = redis.call("GET", KEYS[2])
	if current == false then
		current = "0"
	end
	if current ~= ARGV[2] then
		return 0
	end
	redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[3])
	return 1
`)

// BookedSeatCache はイベントごとの予約済み座席番号をキャッシュする
// 値は座席番号の JSON 配列。無効化のたびにバージョンを進め、
// 無効化より前に台帳から読んだ値で上書きしないようにする
type BookedSeatCache struct {
	client *redis.Client
}

// NewBookedSeatCache は BookedSeatCache を作成する
func NewBookedSeatCache(client *redis.Client) *BookedSeatCache {
	return &BookedSeatCache{client: client}
}

// Get はキャッシュ済みの座席番号と現在のバージョンを返す
// 無ければ ErrCacheMiss。その場合もバージョンは Set に渡せる
func (c *BookedSeatCache) Get(ctx context.Context, eventID string) ([]int, int64, error) {
	var data, ver *redis.StringCmd
	_, err := c.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		data = p.Get(ctx, bookedSeatsKey(eventID))
		ver = p.Get(ctx, bookedSeatsVersionKey(eventID))
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, 0, fmt.Errorf("キャッシュ取得に失敗: %w", err)
	}

	version, err := ver.Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, 0, fmt.Errorf("キャッシュのバージョン取得に失敗: %w", err)
	}

	raw, err := data.Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, version, ErrCacheMiss
		}
		return nil, 0, fmt.Errorf("キャッシュ取得に失敗: %w", err)
	}
	var seats []int
	if err := json.Unmarshal(raw, &seats); err != nil {
		// 壊れた値はミス扱いにして台帳から読み直させる
		return nil, version, ErrCacheMiss
	}
	return seats, version, nil
}

// Set は Get で得た version がまだ最新なら座席番号を ttl 付きで保存する
// 間に無効化されていれば ErrCacheStale
func (c *BookedSeatCache) Set(ctx context.Context, eventID string, seats []int, version int64, ttl time.Duration) error {
	if seats == nil {
		seats = []int{}
	}
	raw, err := json.Marshal(seats)
	if err != nil {
		return fmt.Errorf("キャッシュのエンコードに失敗: %w", err)
	}
	ms := ttl.Milliseconds()
	if ms <= 0 {
		ms = 1
	}
	stored, err := setIfVersionScript.Run(ctx, c.client,
		[]string{bookedSeatsKey(eventID), bookedSeatsVersionKey(eventID)},
		raw, strconv.FormatInt(version, 10), ms,
	).Int()
	if err != nil {
		return fmt.Errorf("キャッシュ保存に失敗: %w", err)
	}
	if stored == 0 {
		return ErrCacheStale
	}
	return nil
}

// Invalidate はイベントのキャッシュを削除し、バージョンを進める
func (c *BookedSeatCache) Invalidate(ctx context.Context, eventID string) error {
	_, err := c.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Incr(ctx, bookedSeatsVersionKey(eventID))
		p.Expire(ctx, bookedSeatsVersionKey(eventID), versionKeyTTL)
		p.Del(ctx, bookedSeatsKey(eventID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("キャッシュ無効化に失敗: %w", err)
	}
	return nil
}

func bookedSeatsKey(eventID string) string {
	return fmt.Sprintf("seats:booked:%s", eventID)
}

func bookedSeatsVersionKey(eventID string) string {
	return fmt.Sprintf("seats:booked:%s:version", eventID)
}
