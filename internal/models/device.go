package models

import "time"

// DeviceStatus 设备展示状态（由外部注解层维护，核心不修改）
type DeviceStatus string

const (
	DeviceStatusActive  DeviceStatus = "active"
	DeviceStatusHidden  DeviceStatus = "hidden"
	DeviceStatusDeleted DeviceStatus = "deleted"
)

// Valid 检查状态值是否合法
func (s DeviceStatus) Valid() bool {
	switch s {
	case DeviceStatusActive, DeviceStatusHidden, DeviceStatusDeleted:
		return true
	}
	return false
}

// Device 设备及其读数历史（按到达顺序，旧的在前）
type Device struct {
	ID         DeviceID        `json:"device_id"`
	Readings   []SensorReading `json:"readings"`
	LastUpdate time.Time       `json:"last_update"`
	Status     DeviceStatus    `json:"status,omitempty"`
}

// Latest 返回最新一条读数
func (d Device) Latest() (SensorReading, bool) {
	if len(d.Readings) == 0 {
		return SensorReading{}, false
	}
	return d.Readings[len(d.Readings)-1], true
}

// DeviceAnnotation 设备的外部注解（显示名称 + 状态）
type DeviceAnnotation struct {
	DeviceID  DeviceID     `json:"device_id"`
	HomeName  string       `json:"home_name"`
	RoomName  string       `json:"room_name"`
	Status    DeviceStatus `json:"status"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// DisplayName 显示名称：home - room，未设置时使用设备 ID
func (a DeviceAnnotation) DisplayName() string {
	if a.HomeName != "" && a.RoomName != "" {
		return a.HomeName + " - " + a.RoomName
	}
	return string(a.DeviceID)
}

// DeviceUpdate 推送给外部消费者的设备更新
type DeviceUpdate struct {
	Topic   string        `json:"topic"`
	Device  DeviceID      `json:"device_id"`
	Reading SensorReading `json:"reading"`
	Count   int           `json:"count"` // 当前保留的读数条数
}
