package updater

import (
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"sort"
	"sync"

	fchecker "vertexcentric/fcheck"
	"vertexcentric/util"

	"go.uber.org/zap"
)

var ErrSuperStepOrder = errors.New("updater: superstep out of order")

type Worker struct {
	config    util.WorkerConfig
	LogicalId uint32
	jobId     string
	superStep uint64
	updaters  map[string]*Updater
	programs  *Programs
	store     *CheckpointStore
	logger    *zap.Logger
	mx        sync.Mutex

	responder *fchecker.Responder
	listener  net.Listener
}

// NewWorker creates a worker. store may be nil, in which case the worker
// never checkpoints.
func NewWorker(config util.WorkerConfig, programs *Programs, store *CheckpointStore, logger *zap.Logger) *Worker {
	if programs == nil {
		programs = DefaultPrograms()
	}
	return &Worker{
		config:   config,
		updaters: make(map[string]*Updater),
		programs: programs,
		store:    store,
		logger:   logger.Named("worker").With(zap.Uint32("workerId", config.WorkerId)),
	}
}

// StartJob instantiates the updaters assigned to this worker at superstep 0.
func (w *Worker) StartJob(args StartJob, reply *StartJobResult) error {
	w.mx.Lock()
	defer w.mx.Unlock()

	updaters, err := w.buildUpdaters(args.Assigned, args.StepsPerRun)
	if err != nil {
		return err
	}
	// rows left by an earlier job with the same id would be merged on recovery
	if w.store != nil {
		if err := w.store.Reset(args.JobId); err != nil {
			return fmt.Errorf("reset checkpoints of job %s: %w", args.JobId, err)
		}
	}
	w.LogicalId = args.WorkerLogicalId
	w.jobId = args.JobId
	w.superStep = 0
	w.updaters = updaters

	w.logger.Info(
		"started job",
		zap.String("jobId", args.JobId),
		zap.Uint32("logicalId", args.WorkerLogicalId),
		zap.Strings("updaters", w.updaterNames()),
	)
	*reply = StartJobResult{
		WorkerLogicalId: w.LogicalId,
		Updaters:        w.updaterNames(),
	}
	return nil
}

// ComputeUpdaters runs every updater once for the next superstep.
func (w *Worker) ComputeUpdaters(args ProgressSuperStep, reply *ProgressSuperStepResult) error {
	w.mx.Lock()
	defer w.mx.Unlock()

	if args.SuperStepNum != w.superStep+1 {
		return fmt.Errorf(
			"%w: worker %v is at %d, asked for %d",
			ErrSuperStepOrder, w.LogicalId, w.superStep, args.SuperStepNum,
		)
	}

	states := make(map[string]UpdaterState, len(w.updaters))
	for _, name := range w.updaterNames() {
		u := w.updaters[name]
		if err := u.Run(); err != nil {
			return fmt.Errorf("updater %s: %w", name, err)
		}
		states[name] = u.State()
	}
	w.superStep = args.SuperStepNum

	checkpointed := false
	if args.IsCheckpoint && w.store != nil {
		err := w.store.Store(Checkpoint{
			JobId:           w.jobId,
			SuperStepNumber: args.SuperStepNum,
			WorkerId:        w.LogicalId,
			State:           states,
		})
		if err != nil {
			w.logger.Error("checkpoint failed", zap.Uint64("superStep", args.SuperStepNum), zap.Error(err))
			return err
		}
		checkpointed = true
		w.logger.Debug("stored checkpoint", zap.Uint64("superStep", args.SuperStepNum))
	}

	*reply = ProgressSuperStepResult{
		SuperStepNum:    args.SuperStepNum,
		WorkerLogicalId: w.LogicalId,
		Checkpointed:    checkpointed,
		States:          states,
	}
	return nil
}

// RevertToLastCheckpoint rebuilds the assigned updaters from the checkpoint
// at args.SuperStepNumber. The assignment may differ from the one the
// checkpoint was taken with.
func (w *Worker) RevertToLastCheckpoint(args RestartSuperStep, reply *RestartSuperStepResult) error {
	w.mx.Lock()
	defer w.mx.Unlock()

	updaters, err := w.buildUpdaters(args.Assigned, args.StepsPerRun)
	if err != nil {
		return err
	}

	if args.SuperStepNumber > 0 {
		if w.store == nil {
			return errors.New("updater: worker has no checkpoint store")
		}
		checkpoint, err := w.store.Retrieve(args.JobId, args.SuperStepNumber)
		if err != nil {
			return err
		}
		for name, u := range updaters {
			state, found := checkpoint.State[name]
			if !found {
				return fmt.Errorf(
					"%w: updater %s missing from superstep %d",
					ErrCheckpointNotFound, name, args.SuperStepNumber,
				)
			}
			u.Restore(state)
		}
	}

	w.LogicalId = args.WorkerLogicalId
	w.jobId = args.JobId
	w.superStep = args.SuperStepNumber
	w.updaters = updaters

	w.logger.Info(
		"reverted to checkpoint",
		zap.String("jobId", args.JobId),
		zap.Uint64("superStep", args.SuperStepNumber),
		zap.Strings("updaters", w.updaterNames()),
	)
	*reply = RestartSuperStepResult{
		SuperStepNumber: args.SuperStepNumber,
		WorkerLogicalId: w.LogicalId,
	}
	return nil
}

func (w *Worker) EndJob(args EndJob, reply *EndJob) error {
	w.mx.Lock()
	defer w.mx.Unlock()

	w.logger.Info("job finished", zap.String("jobId", args.JobId), zap.Uint64("superStep", w.superStep))
	w.jobId = ""
	w.superStep = 0
	w.updaters = make(map[string]*Updater)
	*reply = args
	return nil
}

func (w *Worker) buildUpdaters(specs []UpdaterSpec, stepsPerRun int) (map[string]*Updater, error) {
	updaters := make(map[string]*Updater, len(specs))
	for _, spec := range specs {
		u, err := w.programs.newUpdater(spec, stepsPerRun)
		if err != nil {
			return nil, fmt.Errorf("updater %s: %w", spec.Name, err)
		}
		updaters[spec.Name] = u
	}
	return updaters, nil
}

// callers hold w.mx
func (w *Worker) updaterNames() []string {
	names := make([]string, 0, len(w.updaters))
	for name := range w.updaters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (w *Worker) listenCoord(handler *rpc.Server, listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			w.logger.Debug("stopped accepting coord connections", zap.Error(err))
			return
		}
		go handler.ServeConn(conn)
	}
}

// Start serves the Worker RPCs, answers heartbeats and joins the coord.
func (w *Worker) Start() error {
	if w.config.WorkerAddr == "" {
		return errors.New("failed to start worker: WorkerAddr is not configured")
	}

	responder, err := fchecker.StartResponder(w.config.FCheckAckLocalAddress, w.logger)
	if err != nil {
		return fmt.Errorf("start fcheck: %w", err)
	}
	w.responder = responder

	handler := rpc.NewServer()
	if err := handler.RegisterName("Worker", w); err != nil {
		w.Stop()
		return err
	}
	listener, err := net.Listen("tcp", w.config.WorkerListenAddr)
	if err != nil {
		w.Stop()
		return fmt.Errorf("listen on %v: %w", w.config.WorkerListenAddr, err)
	}
	w.listener = listener
	go w.listenCoord(handler, listener)

	coordClient, err := util.DialRPC(w.config.CoordAddr)
	if err != nil {
		w.Stop()
		return fmt.Errorf("dial coord %v: %w", w.config.CoordAddr, err)
	}
	defer coordClient.Close()

	workerNode := WorkerNode{
		WorkerConfigId:   w.config.WorkerId,
		WorkerAddr:       w.config.WorkerAddr,
		WorkerFCheckAddr: responder.Addr(),
		WorkerListenAddr: listener.Addr().String(),
	}
	var response WorkerNode
	if err := coordClient.Call("Coord.JoinWorker", workerNode, &response); err != nil {
		w.Stop()
		return fmt.Errorf("join coord: %w", err)
	}

	w.logger.Info("joined coord", zap.String("coordAddr", w.config.CoordAddr), zap.String("listenAddr", workerNode.WorkerListenAddr))
	return nil
}

func (w *Worker) Stop() {
	if w.listener != nil {
		w.listener.Close()
	}
	if w.responder != nil {
		w.responder.Stop()
	}
}
