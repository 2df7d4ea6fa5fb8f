package pool

import "github.com/Laisky/zap"

// Logger is the subset of a zap-style logger the pool writes to.
type Logger interface {
	Debug(msg string, fields ...zap.Field)
}
