//go:build linux
// +build linux

package main

import (
	"runtime"

	"go.uber.org/zap"

	"github.com/keyguardio/keyguardd/internal/hal"
	"github.com/keyguardio/keyguardd/internal/logger"
)

func initHAL() {
	if runtime.GOARCH == "arm64" || runtime.GOARCH == "arm" {
		rpiHAL, err := hal.NewRaspberryPiHAL()
		if err != nil {
			logger.Fatal("failed to initialize Raspberry Pi HAL", zap.Error(err))
		}
		logger.Info("Raspberry Pi HAL initialized",
			zap.String("board", rpiHAL.Info().Name), zap.String("gpio_chip", rpiHAL.Info().GPIOChip))
		hal.SetGlobalHAL(rpiHAL)
		return
	}
	logger.Info("non-ARM Linux platform detected, using mock HAL")
	hal.SetGlobalHAL(hal.NewMockHAL())
}
