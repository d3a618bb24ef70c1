package metrics

import (
	"fmt"
	"os"

	"github.com/shirou/gopsutil/v4/process"
)

// MemSampler reports the process resident set size. The scheduler uses it
// to shrink batches under memory pressure.
type MemSampler interface {
	RSS() (uint64, error)
}

// ProcessSampler reads RSS for the current process.
type ProcessSampler struct {
	proc *process.Process
}

// NewProcessSampler returns a sampler bound to this process.
func NewProcessSampler() (*ProcessSampler, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("attaching memory sampler: %w", err)
	}
	return &ProcessSampler{proc: proc}, nil
}

// RSS returns the current resident set size in bytes.
func (s *ProcessSampler) RSS() (uint64, error) {
	info, err := s.proc.MemoryInfo()
	if err != nil {
		return 0, fmt.Errorf("reading memory info: %w", err)
	}
	return info.RSS, nil
}
