// SPDX-License-Identifier: GPL-2.0-or-later

// Package system reports host resource usage for the watch daemon.
package system

import (
	"context"
	"fmt"
	"sync"
	"time"

	"milimg/pkg/log"
	"milimg/pkg/storage"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Status stores system status.
type Status struct {
	CPUUsage           int    `json:"cpuUsage"`
	RAMUsage           int    `json:"ramUsage"`
	DiskUsage          int    `json:"diskUsage"`
	DiskUsageFormatted string `json:"diskUsageFormatted"`
}

type (
	cpuFunc  func(context.Context, time.Duration, bool) ([]float64, error)
	ramFunc  func() (*mem.VirtualMemoryStat, error)
	diskFunc func(time.Duration) (storage.DiskUsage, error)
)

// System collects cpu, ram and disk usage.
type System struct {
	cpu  cpuFunc
	ram  ramFunc
	disk diskFunc

	status   Status
	interval time.Duration

	logger *log.Logger
	mu     sync.Mutex
	o      sync.Once
}

// New returns new System. disk is usually storage.Manager.DiskUsage.
func New(disk diskFunc, logger *log.Logger) *System {
	return &System{
		cpu:  cpu.PercentWithContext,
		ram:  mem.VirtualMemory,
		disk: disk,

		interval: 10 * time.Second,

		logger: logger,
	}
}

func (s *System) update(ctx context.Context) error {
	cpuUsage, err := s.cpu(ctx, s.interval, false)
	if err != nil {
		return fmt.Errorf("cpu usage: %w", err)
	}
	ramUsage, err := s.ram()
	if err != nil {
		return fmt.Errorf("ram usage: %w", err)
	}
	diskUsage, err := s.disk(s.interval)
	if err != nil {
		return fmt.Errorf("disk usage: %w", err)
	}

	s.mu.Lock()
	s.status = Status{
		CPUUsage:           int(cpuUsage[0]),
		RAMUsage:           int(ramUsage.UsedPercent),
		DiskUsage:          diskUsage.Percent,
		DiskUsageFormatted: diskUsage.Formatted,
	}
	s.mu.Unlock()

	return nil
}

// StatusLoop updates and logs the status until ctx is canceled.
// The cpu probe blocks for a full interval, acting as the tick.
func (s *System) StatusLoop(ctx context.Context) {
	s.o.Do(func() {
		for {
			if ctx.Err() != nil {
				return
			}
			if err := s.update(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Error().Src("app").
					Msgf("could not update system status: %v", err)

				select {
				case <-ctx.Done():
					return
				case <-time.After(s.interval):
				}
				continue
			}

			status := s.Status()
			s.logger.Debug().Src("app").Msgf("cpu %d%% ram %d%% disk %d%% %v",
				status.CPUUsage, status.RAMUsage, status.DiskUsage,
				status.DiskUsageFormatted)
		}
	})
}

// Status returns cpu, ram and disk usage.
func (s *System) Status() Status {
	defer s.mu.Unlock()
	s.mu.Lock()
	return s.status
}
