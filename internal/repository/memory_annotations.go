package repository

import (
	"context"
	"sync"
	"time"

	"github.com/Abenedis/aplitapp/internal/models"
)

// MemoryAnnotationRepository 进程内注解存储（未配置 Redis/数据库时使用）
type MemoryAnnotationRepository struct {
	mu          sync.RWMutex
	annotations map[models.DeviceID]models.DeviceAnnotation
	now         func() time.Time
}

func NewMemoryAnnotationRepository() *MemoryAnnotationRepository {
	return &MemoryAnnotationRepository{
		annotations: map[models.DeviceID]models.DeviceAnnotation{},
		now:         time.Now,
	}
}

var _ AnnotationRepository = (*MemoryAnnotationRepository)(nil)

func (r *MemoryAnnotationRepository) List(_ context.Context) (map[models.DeviceID]models.DeviceAnnotation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[models.DeviceID]models.DeviceAnnotation, len(r.annotations))
	for id, a := range r.annotations {
		out[id] = a
	}
	return out, nil
}

func (r *MemoryAnnotationRepository) Get(_ context.Context, id models.DeviceID) (models.DeviceAnnotation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.annotations[id]
	if !ok {
		return models.DeviceAnnotation{}, ErrNotFound
	}
	return a, nil
}

func (r *MemoryAnnotationRepository) SetName(_ context.Context, id models.DeviceID, homeName, roomName string) (models.DeviceAnnotation, error) {
	homeName, roomName, err := validateNames(homeName, roomName)
	if err != nil {
		return models.DeviceAnnotation{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.annotations[id]
	if !ok {
		a = Default(id)
	}
	a.HomeName = homeName
	a.RoomName = roomName
	a.UpdatedAt = r.now().UTC()
	r.annotations[id] = a
	return a, nil
}

func (r *MemoryAnnotationRepository) SetStatus(_ context.Context, id models.DeviceID, action Action) (models.DeviceAnnotation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.annotations[id]
	if !ok {
		a = Default(id)
	}
	status, err := Transition(a.Status, action)
	if err != nil {
		return models.DeviceAnnotation{}, err
	}
	a.Status = status
	a.UpdatedAt = r.now().UTC()
	r.annotations[id] = a
	return a, nil
}
