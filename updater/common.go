package updater

import (
	"errors"
	"fmt"
	"net/rpc"
)

var ErrInvalidJob = errors.New("updater: invalid job")

// UpdaterSpec describes one updater of a job.
type UpdaterSpec struct {
	Name    string  `json:"name"`
	Program string  `json:"program"`
	Vertex  float64 `json:"vertex"`
	Context float64 `json:"context"`
}

// Job runs every updater Runs times. Each run is one superstep.
type Job struct {
	JobId       string        `json:"jobId,omitempty"`
	ClientId    string        `json:"clientId,omitempty"`
	Updaters    []UpdaterSpec `json:"updaters"`
	Runs        uint64        `json:"runs"`
	StepsPerRun int           `json:"stepsPerRun,omitempty"` // 0 means DEFAULT_STEPS_PER_RUN
}

type JobResult struct {
	Job     Job                     `json:"job"`
	Results map[string]UpdaterState `json:"results,omitempty"`
	Error   string                  `json:"error,omitempty"`
}

type WorkerNode struct {
	WorkerConfigId   uint32
	WorkerLogicalId  uint32
	WorkerAddr       string
	WorkerFCheckAddr string
	WorkerListenAddr string
}

type StartJob struct {
	WorkerLogicalId uint32
	JobId           string
	StepsPerRun     int
	Assigned        []UpdaterSpec
}

type StartJobResult struct {
	WorkerLogicalId uint32
	Updaters        []string
}

type ProgressSuperStep struct {
	SuperStepNum uint64
	IsCheckpoint bool
}

type ProgressSuperStepResult struct {
	SuperStepNum    uint64
	WorkerLogicalId uint32
	Checkpointed    bool
	States          map[string]UpdaterState
}

type RestartSuperStep struct {
	SuperStepNumber uint64
	WorkerLogicalId uint32
	JobId           string
	StepsPerRun     int
	Assigned        []UpdaterSpec
}

type RestartSuperStepResult struct {
	SuperStepNumber uint64
	WorkerLogicalId uint32
}

type CheckpointMsg struct {
	SuperStepNumber uint64
	WorkerId        uint32
}

type EndJob struct {
	JobId string
}

// WorkerPool maps worker config ids to nodes.
type WorkerPool map[uint32]WorkerNode

// WorkerClient is the part of *rpc.Client the coord uses.
type WorkerClient interface {
	Go(serviceMethod string, args interface{}, reply interface{}, done chan *rpc.Call) *rpc.Call
	Close() error
}

// WorkerCallBook maps worker config ids to rpc clients (connections)
type WorkerCallBook map[uint32]WorkerClient

// ValidateJob checks the job shape and, when programs is non-nil, that every
// program is known.
func ValidateJob(job Job, programs *Programs) error {
	if len(job.Updaters) == 0 {
		return fmt.Errorf("%w: no updaters", ErrInvalidJob)
	}
	if job.Runs == 0 {
		return fmt.Errorf("%w: runs must be positive", ErrInvalidJob)
	}
	if job.StepsPerRun < 0 {
		return fmt.Errorf("%w: negative steps per run", ErrInvalidJob)
	}

	seen := make(map[string]bool, len(job.Updaters))
	for _, spec := range job.Updaters {
		if spec.Name == "" {
			return fmt.Errorf("%w: updater without a name", ErrInvalidJob)
		}
		if seen[spec.Name] {
			return fmt.Errorf("%w: duplicate updater %q", ErrInvalidJob, spec.Name)
		}
		seen[spec.Name] = true
		if programs != nil && !programs.Has(spec.Program) {
			return fmt.Errorf("%w: updater %q: %v", ErrInvalidJob, spec.Name, ErrUnknownProgram)
		}
	}
	return nil
}
