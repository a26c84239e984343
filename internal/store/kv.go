package store

import (
	"context"
	"errors"

	"github.com/go-redis/redis/v8"
)

var ErrMiss = errors.New("cache miss")

// ErrConflict 并发修改导致乐观锁重试次数耗尽
var ErrConflict = errors.New("concurrent update conflict")

// maxUpdateRetries WATCH 冲突时的最大重试次数
const maxUpdateRetries = 16

// UpdateFunc 根据当前值计算新值；found=false 表示键不存在
type UpdateFunc func(current string, found bool) (string, error)

// KV 简单键值存储（设备注解等外部元数据使用）
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Update(ctx context.Context, key string, fn UpdateFunc) (string, error)
	ScanKeys(ctx context.Context, pattern string) ([]string, error)
}

type RedisKV struct {
	c *redis.Client
}

func NewRedisKV(c *redis.Client) *RedisKV { return &RedisKV{c: c} }

func (r *RedisKV) Get(ctx context.Context, key string) (string, error) {
	val, err := r.c.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return "", ErrMiss
		}
		return "", err
	}
	return val, nil
}

// Update 读-改-写：WATCH key 后在 MULTI 中写回，期间 key 被修改则重新读取并重试
// fn 返回的错误原样返回，不写入
func (r *RedisKV) Update(ctx context.Context, key string, fn UpdateFunc) (string, error) {
	var next string
	txf := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Result()
		found := true
		if err == redis.Nil {
			current, found = "", false
		} else if err != nil {
			return err
		}

		next, err = fn(current, found)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, 0)
			return nil
		})
		return err
	}

	for i := 0; i < maxUpdateRetries; i++ {
		err := r.c.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return "", err
		}
		return next, nil
	}
	return "", ErrConflict
}

func (r *RedisKV) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		k, next, err := r.c.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, k...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}
