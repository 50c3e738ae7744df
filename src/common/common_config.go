package common

import (
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

type CommonConfig struct {
	RPCServer       string `yaml:"kaspad_address"`
	PromPort        string `yaml:"prom_port"`
	HealthCheckPort string `yaml:"health_check_port"`
	PostgresConfig  string `yaml:"postgres"`
	PoolWallet      string `yaml:"pool_wallet"`
	LogLevel        string `yaml:"log_level"`
}

var hundred = decimal.NewFromInt(100)

// ParseBps turns a percentage such as "2.5" into basis points. Anything finer
// than a basis point is rejected rather than rounded.
func ParseBps(percent string) (uint64, error) {
	if percent == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(percent)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid percentage `%s`", percent)
	}
	if d.IsNegative() {
		return 0, errors.Errorf("percentage `%s` is negative", percent)
	}
	bps := d.Mul(hundred)
	if !bps.Equal(bps.Truncate(0)) {
		return 0, errors.Errorf("percentage `%s` is finer than a basis point", percent)
	}
	if bps.GreaterThan(decimal.NewFromInt(10000)) {
		return 0, errors.Errorf("percentage `%s` is over 100", percent)
	}
	return uint64(bps.IntPart()), nil
}
