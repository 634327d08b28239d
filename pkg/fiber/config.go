package fiber

import (
	"sync/atomic"

	"github.com/fiberrt/fiberrt/internal/config"
)

var configuredStackSize atomic.Int64

func init() {
	configuredStackSize.Store(DefaultStackSize)
	v := config.Lookup(config.Default(), "fiber.stack_size", uint32(DefaultStackSize),
		"advisory stack size for new fibers created with stackSize 0, in bytes")
	configuredStackSize.Store(int64(v.Value()))
	v.AddListener(func(_, newVal uint32) {
		configuredStackSize.Store(int64(newVal))
	})
}
