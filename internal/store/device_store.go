package store

import (
	"sync"
	"time"

	"github.com/Abenedis/aplitapp/internal/models"
)

// DefaultRetention 每个设备默认保留的读数条数
const DefaultRetention = 10

type deviceEntry struct {
	readings   []models.SensorReading
	lastUpdate time.Time
}

// DeviceStore 内存设备读数存储
// 每个设备只保留最近 N 条读数（FIFO 淘汰），设备按首次出现顺序排列
type DeviceStore struct {
	mu        sync.RWMutex
	retention int
	order     []models.DeviceID
	devices   map[models.DeviceID]*deviceEntry
	now       func() time.Time
}

// NewDeviceStore 创建设备存储，retention <= 0 时使用默认值
func NewDeviceStore(retention int) *DeviceStore {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &DeviceStore{
		retention: retention,
		devices:   make(map[models.DeviceID]*deviceEntry),
		now:       time.Now,
	}
}

// Retention 返回保留上限
func (s *DeviceStore) Retention() int {
	return s.retention
}

// Upsert 追加读数（设备不存在时创建），随后截断到最近 N 条
// 追加与截断在同一把锁内完成，返回更新后的设备快照
func (s *DeviceStore) Upsert(id models.DeviceID, reading models.SensorReading) models.Device {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.devices[id]
	if !ok {
		entry = &deviceEntry{readings: make([]models.SensorReading, 0, s.retention)}
		s.devices[id] = entry
		s.order = append(s.order, id)
	}

	if len(entry.readings) >= s.retention {
		// 原地左移，底层数组容量保持不变
		excess := len(entry.readings) - s.retention + 1
		n := copy(entry.readings, entry.readings[excess:])
		entry.readings = entry.readings[:n]
	}
	entry.readings = append(entry.readings, reading)
	entry.lastUpdate = s.now()

	return snapshot(id, entry)
}

// ListDevices 返回所有设备的快照（首次出现顺序，读数从旧到新）
func (s *DeviceStore) ListDevices() []models.Device {
	s.mu.RLock()
	defer s.mu.RUnlock()

	devices := make([]models.Device, 0, len(s.order))
	for _, id := range s.order {
		devices = append(devices, snapshot(id, s.devices[id]))
	}
	return devices
}

// Get 获取单个设备快照
func (s *DeviceStore) Get(id models.DeviceID) (models.Device, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.devices[id]
	if !ok {
		return models.Device{}, false
	}
	return snapshot(id, entry), true
}

// Len 已知设备数量
func (s *DeviceStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

func snapshot(id models.DeviceID, entry *deviceEntry) models.Device {
	readings := make([]models.SensorReading, len(entry.readings))
	copy(readings, entry.readings)
	return models.Device{
		ID:         id,
		Readings:   readings,
		LastUpdate: entry.lastUpdate,
	}
}
