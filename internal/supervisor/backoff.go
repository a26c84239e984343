package supervisor

import (
	"github.com/Abenedis/aplitapp/internal/config"

	"github.com/cenkalti/backoff/v4"
)

// NewBackOff 根据配置创建重连退避策略
// exponential: initial * multiplier^n，上限 max；fixed: 固定间隔
// 次数上限由 Supervisor 自己计数，这里的策略不会主动返回 backoff.Stop
func NewBackOff(cfg config.BackoffConfig) backoff.BackOff {
	if cfg.Policy == config.BackoffFixed {
		return backoff.NewConstantBackOff(cfg.Interval)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.Initial
	b.MaxInterval = cfg.Max
	b.Multiplier = cfg.Multiplier
	b.RandomizationFactor = cfg.Jitter
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// DefaultBackOff 默认策略：1s 起，每次翻倍，最长 60s
func DefaultBackOff() backoff.BackOff {
	return NewBackOff(config.BackoffConfig{
		Policy:     config.BackoffExponential,
		Initial:    defaultInitialBackOff,
		Max:        defaultMaxBackOff,
		Multiplier: 2,
	})
}
