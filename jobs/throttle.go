package jobs

import (
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sirupsen/logrus"
)

// Thresholds holds the minimum resources a fetch job needs before it may
// claim a worker slot.
type Thresholds struct {
	// IdleCPU is the minimum idle CPU percentage.
	IdleCPU float64
	// FreeMem is the minimum available memory in bytes.
	FreeMem int64
	// FreeDisk is the minimum free disk space in bytes, measured at Path.
	FreeDisk int64
	Path     string
}

// ResourceCheck reports whether the host can take on another fetch job.
type ResourceCheck func() error

// CheckResources verifies that the system has enough free resources to start
// a new fetch job. Probe failures are logged and skipped rather than blocking
// the job.
func CheckResources(th Thresholds) error {
	p, err := cpu.Percent(time.Second, false)
	if err != nil {
		logrus.WithError(err).Warn("could not get CPU usage")
	} else if len(p) > 0 && p[0] > (100.0-th.IdleCPU) {
		return fmt.Errorf("not enough idle CPU. Current usage: %.2f%%, Idle threshold: %.2f%%", p[0], th.IdleCPU)
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		logrus.WithError(err).Warn("could not get memory usage")
	} else if vm.Available < uint64(th.FreeMem) {
		return fmt.Errorf("not enough free memory. Available: %d, Required: %d", vm.Available, th.FreeMem)
	}

	d, err := disk.Usage(th.Path)
	if err != nil {
		logrus.WithError(err).WithField("path", th.Path).Warn("could not get disk usage")
	} else if d.Free < uint64(th.FreeDisk) {
		return fmt.Errorf("not enough free disk space. Available: %d, Required: %d", d.Free, th.FreeDisk)
	}
	return nil
}
