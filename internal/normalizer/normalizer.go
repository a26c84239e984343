package normalizer

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/Abenedis/aplitapp/internal/models"
)

// 设备标识字段（按优先级）
var idFields = []string{"device", "macAddress", "mac_address"}

// 规范字段及其同义字段（按优先级）
var (
	tempFields      = []string{"temp", "temperature"}
	humidFields     = []string{"humid", "humidity"}
	acCurrentFields = []string{"ac_current", "acCurrent"}
	optSensorFields = []string{"opt_sensor", "optSensor"}
	hullFields      = []string{"hull", "magnetometer"}
	distFields      = []string{"dist", "distance"}
	pirFields       = []string{"pir"}
	in2Fields       = []string{"in2"}
	timestampFields = []string{"timestamp"}
)

// canonical 不进入 Raw 的字段
var canonical = func() map[string]struct{} {
	m := map[string]struct{}{}
	groups := [][]string{
		idFields, tempFields, humidFields, acCurrentFields, optSensorFields,
		hullFields, distFields, pirFields, in2Fields, timestampFields,
	}
	for _, g := range groups {
		for _, f := range g {
			m[f] = struct{}{}
		}
	}
	return m
}()

// macPattern 十六进制字节对，分隔符为 ':' 或 '-'（同一地址内一致）
var macPattern = regexp.MustCompile(`^[0-9A-Fa-f]{2}(?:(?::[0-9A-Fa-f]{2})+|(?:-[0-9A-Fa-f]{2})+)$`)

// 大于该值的 epoch 数值按毫秒处理
const epochMillisThreshold = 1e12

// NormalizeID 规范化设备标识：去空白、转大写、'-' 替换为 ':'
// 幂等：NormalizeID(NormalizeID(x)) == NormalizeID(x)
func NormalizeID(raw string) string {
	return strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(raw)), "-", ":")
}

// IsMACAddress 判断字符串是否为 MAC 地址形态
func IsMACAddress(s string) bool {
	return macPattern.MatchString(s)
}

// Normalize 将原始消息转换为设备标识 + 读数
// 永不失败：无法解析的负载会得到零值读数（时间戳为接收时间）
func Normalize(topic string, payload []byte, ingestTime time.Time) (models.DeviceID, models.SensorReading) {
	fields, ok := parseObject(payload)
	if !ok {
		reading := models.SensorReading{
			Timestamp: ingestTime,
			Raw:       map[string]any{"raw": string(payload)},
		}
		return deviceID(nil, topic, ingestTime), reading
	}

	reading := models.SensorReading{
		Temp:      number(fields, tempFields),
		Humid:     number(fields, humidFields),
		ACCurrent: number(fields, acCurrentFields),
		OptSensor: number(fields, optSensorFields),
		Hull:      number(fields, hullFields),
		Dist:      number(fields, distFields),
		PIR:       boolean(fields, pirFields),
		In2:       boolean(fields, in2Fields),
		Timestamp: timestamp(fields, ingestTime),
	}

	for k, v := range fields {
		if _, known := canonical[k]; known {
			continue
		}
		if reading.Raw == nil {
			reading.Raw = map[string]any{}
		}
		reading.Raw[k] = v
	}

	return deviceID(fields, topic, ingestTime), reading
}

// FallbackID 无法识别设备时生成的标识，同一主题不同时刻的消息互不相同
func FallbackID(topic string, ingestTime time.Time) models.DeviceID {
	sanitized := strings.ReplaceAll(topic, "/", "_")
	return models.DeviceID(fmt.Sprintf("unknown_%s_%d", sanitized, ingestTime.UnixNano()))
}

func parseObject(payload []byte) (map[string]any, bool) {
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil || fields == nil {
		return nil, false
	}
	return fields, true
}

// deviceID 提取顺序：负载字段 → 主题末段（MAC 形态）→ 兜底标识
func deviceID(fields map[string]any, topic string, ingestTime time.Time) models.DeviceID {
	for _, key := range idFields {
		v, ok := fields[key]
		if !ok || v == nil {
			continue
		}
		var s string
		switch val := v.(type) {
		case string:
			s = val
		case bool:
			// false 视为缺失；true 按字面值
			if !val {
				continue
			}
			s = strconv.FormatBool(val)
		case float64:
			if val == 0 {
				continue
			}
			s = strconv.FormatFloat(val, 'f', -1, 64)
		default:
			s = fmt.Sprint(val)
		}
		if id := NormalizeID(s); id != "" {
			return models.DeviceID(id)
		}
	}

	segments := strings.Split(topic, "/")
	if last := strings.TrimSpace(segments[len(segments)-1]); IsMACAddress(last) {
		return models.DeviceID(NormalizeID(last))
	}

	return FallbackID(topic, ingestTime)
}

func number(fields map[string]any, keys []string) float64 {
	for _, key := range keys {
		v, ok := fields[key]
		if !ok {
			continue
		}
		switch val := v.(type) {
		case float64:
			return val
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
			if err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
				return f
			}
		}
	}
	return 0
}

func boolean(fields map[string]any, keys []string) bool {
	for _, key := range keys {
		v, ok := fields[key]
		if !ok {
			continue
		}
		switch val := v.(type) {
		case bool:
			return val
		case float64:
			return val != 0
		case string:
			switch strings.ToLower(strings.TrimSpace(val)) {
			case "1", "true", "on":
				return true
			}
			return false
		}
	}
	return false
}

func timestamp(fields map[string]any, fallback time.Time) time.Time {
	for _, key := range timestampFields {
		v, ok := fields[key]
		if !ok {
			continue
		}
		switch val := v.(type) {
		case string:
			s := strings.TrimSpace(val)
			if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
				return t
			}
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				if t, ok := fromEpoch(f); ok {
					return t
				}
			}
		case float64:
			if t, ok := fromEpoch(val); ok {
				return t
			}
		}
	}
	return fallback
}

func fromEpoch(v float64) (time.Time, bool) {
	if v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return time.Time{}, false
	}
	if v > epochMillisThreshold {
		return time.UnixMilli(int64(v)).UTC(), true
	}
	sec, frac := math.Modf(v)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), true
}
