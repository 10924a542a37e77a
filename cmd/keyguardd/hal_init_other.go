//go:build !linux
// +build !linux

package main

import (
	"github.com/keyguardio/keyguardd/internal/hal"
	"github.com/keyguardio/keyguardd/internal/logger"
)

func initHAL() {
	logger.Info("non-Linux platform detected, using mock HAL")
	hal.SetGlobalHAL(hal.NewMockHAL())
}
