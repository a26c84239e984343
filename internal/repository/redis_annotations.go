package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Abenedis/aplitapp/internal/models"
	"github.com/Abenedis/aplitapp/internal/store"
)

const (
	annotationKeyPrefix = "aplit:device:"
	annotationKeySuffix = ":annotation"
)

// RedisAnnotationRepository 注解保存在 Redis，每个设备一个 JSON 键
// key: aplit:device:<device_id>:annotation
type RedisAnnotationRepository struct {
	kv  store.KV
	now func() time.Time
}

func NewRedisAnnotationRepository(kv store.KV) *RedisAnnotationRepository {
	return &RedisAnnotationRepository{kv: kv, now: time.Now}
}

var _ AnnotationRepository = (*RedisAnnotationRepository)(nil)

func annotationKey(id models.DeviceID) string {
	return annotationKeyPrefix + string(id) + annotationKeySuffix
}

func (r *RedisAnnotationRepository) List(ctx context.Context) (map[models.DeviceID]models.DeviceAnnotation, error) {
	keys, err := r.kv.ScanKeys(ctx, annotationKeyPrefix+"*"+annotationKeySuffix)
	if err != nil {
		return nil, fmt.Errorf("failed to scan annotations: %w", err)
	}

	out := make(map[models.DeviceID]models.DeviceAnnotation, len(keys))
	for _, key := range keys {
		id := models.DeviceID(strings.TrimSuffix(strings.TrimPrefix(key, annotationKeyPrefix), annotationKeySuffix))
		a, err := r.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			// 扫描与读取之间被删除
			continue
		}
		if err != nil {
			return nil, err
		}
		out[id] = a
	}
	return out, nil
}

func (r *RedisAnnotationRepository) Get(ctx context.Context, id models.DeviceID) (models.DeviceAnnotation, error) {
	raw, err := r.kv.Get(ctx, annotationKey(id))
	if err != nil {
		if errors.Is(err, store.ErrMiss) {
			return models.DeviceAnnotation{}, ErrNotFound
		}
		return models.DeviceAnnotation{}, fmt.Errorf("failed to get annotation: %w", err)
	}

	var a models.DeviceAnnotation
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return models.DeviceAnnotation{}, fmt.Errorf("failed to decode annotation: %w", err)
	}
	a.DeviceID = id
	return a, nil
}

func (r *RedisAnnotationRepository) SetName(ctx context.Context, id models.DeviceID, homeName, roomName string) (models.DeviceAnnotation, error) {
	homeName, roomName, err := validateNames(homeName, roomName)
	if err != nil {
		return models.DeviceAnnotation{}, err
	}

	return r.update(ctx, id, func(a *models.DeviceAnnotation) error {
		a.HomeName = homeName
		a.RoomName = roomName
		return nil
	})
}

func (r *RedisAnnotationRepository) SetStatus(ctx context.Context, id models.DeviceID, action Action) (models.DeviceAnnotation, error) {
	return r.update(ctx, id, func(a *models.DeviceAnnotation) error {
		status, err := Transition(a.Status, action)
		if err != nil {
			return err
		}
		a.Status = status
		return nil
	})
}

// update 在 WATCH 事务内读-改-写，并发请求不会互相覆盖
func (r *RedisAnnotationRepository) update(ctx context.Context, id models.DeviceID, mutate func(*models.DeviceAnnotation) error) (models.DeviceAnnotation, error) {
	var out models.DeviceAnnotation
	_, err := r.kv.Update(ctx, annotationKey(id), func(current string, found bool) (string, error) {
		a := Default(id)
		if found {
			if err := json.Unmarshal([]byte(current), &a); err != nil {
				return "", fmt.Errorf("failed to decode annotation: %w", err)
			}
			a.DeviceID = id
		}
		if err := mutate(&a); err != nil {
			return "", err
		}
		a.UpdatedAt = r.now().UTC()

		b, err := json.Marshal(a)
		if err != nil {
			return "", fmt.Errorf("failed to encode annotation: %w", err)
		}
		out = a
		return string(b), nil
	})
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrInvalidName) {
			return models.DeviceAnnotation{}, err
		}
		return models.DeviceAnnotation{}, fmt.Errorf("failed to save annotation: %w", err)
	}
	return out, nil
}
