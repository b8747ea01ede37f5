package safe

import (
	"github.com/spoonbobo/onlysaid/logger"

	"go.uber.org/zap"
)

// Go starts a goroutine that recovers from panic so a single
// misbehaving handler cannot take the whole gateway down.
func Go(f func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("goroutine panic recovered", zap.Any("panic", r))
			}
		}()
		f()
	}()
}

// Run invokes f in place with the same recover boundary. Every
// per-event handler body goes through here.
func Run(f func(), fields ...zap.Field) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("handler panic recovered", append(fields, zap.Any("panic", r))...)
		}
	}()
	f()
}
