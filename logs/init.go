package logs

import (
	"github.com/Trinoooo/eggie_poll/consts"
	"github.com/Trinoooo/eggie_poll/utils"
	"go.uber.org/zap"
)

var Logger *zap.Logger

func init() {
	var err error
	option := zap.AddCaller()
	if utils.IsTest() {
		Logger, err = zap.NewDevelopment(option)
	} else {
		Logger, err = zap.NewProduction(option)
	}

	if err != nil {
		panic(err)
	}
}

// Named 返回带组件字段的子logger
func Named(component string) *zap.Logger {
	return Logger.With(zap.String(consts.LogFieldComponent, component))
}

// Sync flushes buffered entries, called once before the process exits.
func Sync() {
	_ = Logger.Sync()
}
