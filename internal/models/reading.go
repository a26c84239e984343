package models

import "time"

// SensorReading 单次传感器采样（创建后不再修改）
// JSON 字段名与看板前端保持一致
type SensorReading struct {
	Temp      float64        `json:"temp"`       // 温度
	Humid     float64        `json:"humid"`      // 湿度
	ACCurrent float64        `json:"ac_current"` // 交流电流
	OptSensor float64        `json:"opt_sensor"` // 光学传感器
	Hull      float64        `json:"hull"`       // 磁力计（hull）
	PIR       bool           `json:"pir"`        // 人体红外
	In2       bool           `json:"in2"`        // 辅助数字输入
	Dist      float64        `json:"dist"`       // 距离
	Timestamp time.Time      `json:"timestamp"`  // 采样时间（缺失时为接收时间）
	Raw       map[string]any `json:"raw,omitempty"`
}

// DeviceID 规范化后的设备标识（通常为 MAC 地址）
type DeviceID string

func (id DeviceID) String() string {
	return string(id)
}
