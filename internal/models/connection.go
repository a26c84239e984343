package models

import "time"

// ConnectionState Broker 连接状态
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// MarshalText 以字符串形式输出到 JSON
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ConnectionStatus 连接诊断快照
type ConnectionStatus struct {
	State       ConnectionState `json:"state"`
	Attempts    int             `json:"attempt_count"`
	MaxAttempts int             `json:"max_attempts"`
	LastChange  time.Time       `json:"last_change"`
	LastError   string          `json:"last_error,omitempty"`
	NextRetry   *time.Time      `json:"next_retry,omitempty"`
	Exhausted   bool            `json:"exhausted"`
	Seq         uint64          `json:"seq"` // 每次状态通知递增，用于丢弃过期通知
}
