package updater

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/rpc"
	"sort"
	"sync"
	"time"

	"vertexcentric/database"
	fchecker "vertexcentric/fcheck"
	"vertexcentric/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNoWorkers    = errors.New("updater: no workers available")
	ErrWorkerExists = errors.New("updater: worker already joined")
)

const workerPollInterval = 100 * time.Millisecond

type Coord struct {
	config   util.CoordConfig
	logger   *zap.Logger
	programs *Programs
	registry *Registry
	results  database.ResultStore

	mx       sync.Mutex
	workers  WorkerPool // worker config id --> worker node
	callbook WorkerCallBook
	monitors map[uint32]*fchecker.Monitor
	failures chan uint32 // config ids of failed workers

	jobMx                 sync.Mutex // one job at a time
	lastCheckpointNumber  uint64
	lastWorkerCheckpoints map[uint32]uint64
	checkpointFrequency   uint64
}

// queryWorker is a worker taking part in the current job.
type queryWorker struct {
	logicalId uint32
	node      WorkerNode
	client    WorkerClient
	assigned  []UpdaterSpec
}

// workerFailure reports that a query worker stopped responding.
type workerFailure struct {
	configId uint32
	err      error
}

func (f *workerFailure) Error() string {
	return fmt.Sprintf("worker %v failed: %v", f.configId, f.err)
}

func (f *workerFailure) Unwrap() error {
	return f.err
}

// NewCoord creates a coord. results may be nil to skip persisting results.
func NewCoord(config util.CoordConfig, programs *Programs, results database.ResultStore, logger *zap.Logger) *Coord {
	if programs == nil {
		programs = DefaultPrograms()
	}
	return &Coord{
		config:                config,
		logger:                logger.Named("coord"),
		programs:              programs,
		registry:              NewRegistry(programs),
		results:               results,
		workers:               make(WorkerPool),
		callbook:              make(WorkerCallBook),
		monitors:              make(map[uint32]*fchecker.Monitor),
		failures:              make(chan uint32, 16),
		lastWorkerCheckpoints: make(map[uint32]uint64),
		checkpointFrequency:   config.StepsBetweenCheckpoints,
	}
}

// Workers returns the joined workers sorted by config id.
func (c *Coord) Workers() []WorkerNode {
	c.mx.Lock()
	defer c.mx.Unlock()
	nodes := make([]WorkerNode, 0, len(c.workers))
	for _, id := range c.sortedWorkerIds() {
		nodes = append(nodes, c.workers[id])
	}
	return nodes
}

// callers hold c.mx
func (c *Coord) sortedWorkerIds() []uint32 {
	configIds := make([]uint32, 0, len(c.workers))
	for id := range c.workers {
		configIds = append(configIds, id)
	}
	sort.Slice(configIds, func(i, j int) bool {
		return configIds[i] < configIds[j]
	})
	return configIds
}

func (c *Coord) addWorker(w WorkerNode, client WorkerClient) error {
	c.mx.Lock()
	defer c.mx.Unlock()
	if _, ok := c.workers[w.WorkerConfigId]; ok {
		return fmt.Errorf("%w: %v", ErrWorkerExists, w.WorkerConfigId)
	}
	c.workers[w.WorkerConfigId] = w
	c.callbook[w.WorkerConfigId] = client
	c.logger.Info("worker joined", zap.Uint32("workerId", w.WorkerConfigId), zap.String("addr", w.WorkerListenAddr))
	return nil
}

// removeWorker forgets a worker and closes its connection. It reports
// whether the worker was known.
func (c *Coord) removeWorker(configId uint32) bool {
	c.mx.Lock()
	_, ok := c.workers[configId]
	client := c.callbook[configId]
	monitor := c.monitors[configId]
	delete(c.workers, configId)
	delete(c.callbook, configId)
	delete(c.monitors, configId)
	c.mx.Unlock()

	if client != nil {
		client.Close()
	}
	if monitor != nil {
		// Stop waits for the monitor goroutine, which may be our caller
		go monitor.Stop()
	}
	if ok {
		c.logger.Warn("worker removed", zap.Uint32("workerId", configId))
	}
	return ok
}

// JoinWorker adds a worker that dialled the worker API.
func (c *Coord) JoinWorker(w WorkerNode, reply *WorkerNode) error {
	client, err := util.DialRPC(w.WorkerListenAddr)
	if err != nil {
		c.logger.Warn("could not dial worker", zap.String("addr", w.WorkerListenAddr), zap.Error(err))
		return err
	}
	if err := c.addWorker(w, client); err != nil {
		client.Close()
		return err
	}

	if w.WorkerFCheckAddr != "" {
		if err := c.monitor(w); err != nil {
			c.logger.Warn("fcheck failed to start", zap.Uint32("workerId", w.WorkerConfigId), zap.Error(err))
		}
	}

	*reply = w
	return nil
}

func (c *Coord) monitor(w WorkerNode) error {
	monitor, err := fchecker.StartMonitor(fchecker.MonitorConfig{
		HBeatLocalAddr:  util.IPEmptyPortOnly(c.config.WorkerAPIListenAddr),
		HBeatRemoteAddr: w.WorkerFCheckAddr,
		EpochNonce:      rand.Uint64(),
		LostMsgThresh:   c.config.LostMsgsThresh,
		ServerId:        w.WorkerConfigId,
	}, c.logger)
	if err != nil {
		return err
	}

	c.mx.Lock()
	c.monitors[w.WorkerConfigId] = monitor
	c.mx.Unlock()

	go func() {
		var notify fchecker.FailureDetected
		select {
		case notify = <-monitor.Notify():
		case <-monitor.Done():
			return
		}
		c.logger.Warn(
			"worker failure detected",
			zap.Uint32("workerId", w.WorkerConfigId),
			zap.String("fcheckAddr", notify.UDPIpPort),
		)
		if c.removeWorker(w.WorkerConfigId) {
			select {
			case c.failures <- w.WorkerConfigId:
			default:
			}
		}
	}()
	return nil
}

// updateCheckpoint records that a worker stored a checkpoint and advances
// the job's checkpoint number once every query worker has stored it.
func (c *Coord) updateCheckpoint(msg CheckpointMsg, queryWorkers []queryWorker) {
	c.lastWorkerCheckpoints[msg.WorkerId] = msg.SuperStepNumber

	for _, qw := range queryWorkers {
		if c.lastWorkerCheckpoints[qw.logicalId] != msg.SuperStepNumber {
			return
		}
	}
	c.lastCheckpointNumber = msg.SuperStepNumber
	c.logger.Debug("checkpoint complete", zap.Uint64("superStep", c.lastCheckpointNumber))
}

func (c *Coord) waitForWorkers(ctx context.Context) error {
	ticker := time.NewTicker(workerPollInterval)
	defer ticker.Stop()
	logged := false
	for {
		c.mx.Lock()
		n := len(c.workers)
		c.mx.Unlock()
		if n > 0 {
			return nil
		}
		if !logged {
			c.logger.Info("no workers available, waiting for workers to join")
			logged = true
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrNoWorkers, ctx.Err())
		case <-ticker.C:
		}
	}
}

// assignJob spreads the job's updaters over the current workers by the hash
// of the updater name. Logical ids follow config id order.
func (c *Coord) assignJob(job Job) ([]queryWorker, error) {
	c.mx.Lock()
	defer c.mx.Unlock()

	configIds := c.sortedWorkerIds()
	if len(configIds) == 0 {
		return nil, ErrNoWorkers
	}

	queryWorkers := make([]queryWorker, len(configIds))
	for logicalId, configId := range configIds {
		node := c.workers[configId]
		node.WorkerLogicalId = uint32(logicalId)
		c.workers[configId] = node
		queryWorkers[logicalId] = queryWorker{
			logicalId: uint32(logicalId),
			node:      node,
			client:    c.callbook[configId],
		}
	}
	for _, spec := range job.Updaters {
		owner := util.HashId(spec.Name) % uint64(len(queryWorkers))
		queryWorkers[owner].assigned = append(queryWorkers[owner].assigned, spec)
	}
	return queryWorkers, nil
}

// broadcast calls method on every query worker and waits for all replies.
// A failed call or a failure notification for a query worker is returned
// as a *workerFailure, but only after every other call has returned, so no
// stale call can reach a worker after the restart that follows.
func (c *Coord) broadcast(
	ctx context.Context,
	queryWorkers []queryWorker,
	method string,
	args func(qw queryWorker) interface{},
	newReply func() interface{},
) (map[uint32]interface{}, error) {
	done := make(chan *rpc.Call, len(queryWorkers))
	owners := make(map[*rpc.Call]queryWorker, len(queryWorkers))
	for _, qw := range queryWorkers {
		call := qw.client.Go(method, args(qw), newReply(), done)
		owners[call] = qw
	}

	replies := make(map[uint32]interface{}, len(queryWorkers))
	var failure *workerFailure
	for pending := len(queryWorkers); pending > 0; {
		select {
		case call := <-done:
			pending--
			qw := owners[call]
			if call.Error == nil {
				replies[qw.logicalId] = call.Reply
				continue
			}
			if failure != nil {
				continue
			}
			c.logger.Warn(
				"worker call failed",
				zap.String("method", method),
				zap.Uint32("workerId", qw.node.WorkerConfigId),
				zap.Error(call.Error),
			)
			failure = &workerFailure{configId: qw.node.WorkerConfigId, err: call.Error}
			// closing the connection ends any call still waiting on it
			c.removeWorker(qw.node.WorkerConfigId)
		case configId := <-c.failures:
			if failure != nil {
				continue
			}
			for _, qw := range queryWorkers {
				if qw.node.WorkerConfigId == configId {
					failure = &workerFailure{configId: configId, err: errors.New("heartbeats lost")}
				}
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if failure != nil {
		return nil, failure
	}
	return replies, nil
}

func (c *Coord) startWorkers(ctx context.Context, job Job, queryWorkers []queryWorker) error {
	_, err := c.broadcast(ctx, queryWorkers, "Worker.StartJob",
		func(qw queryWorker) interface{} {
			return StartJob{
				WorkerLogicalId: qw.logicalId,
				JobId:           job.JobId,
				StepsPerRun:     job.StepsPerRun,
				Assigned:        qw.assigned,
			}
		},
		func() interface{} { return new(StartJobResult) },
	)
	return err
}

// restart puts every query worker back at the last complete checkpoint, or
// at the start of the job when there is none.
func (c *Coord) restart(ctx context.Context, job Job, queryWorkers []queryWorker) error {
	c.lastWorkerCheckpoints = make(map[uint32]uint64)
	if c.lastCheckpointNumber == 0 {
		c.logger.Info("restarting job from the beginning", zap.String("jobId", job.JobId))
		return c.startWorkers(ctx, job, queryWorkers)
	}

	c.logger.Info(
		"restarting job from checkpoint",
		zap.String("jobId", job.JobId),
		zap.Uint64("superStep", c.lastCheckpointNumber),
	)
	checkpointNumber := c.lastCheckpointNumber
	_, err := c.broadcast(ctx, queryWorkers, "Worker.RevertToLastCheckpoint",
		func(qw queryWorker) interface{} {
			return RestartSuperStep{
				SuperStepNumber: checkpointNumber,
				WorkerLogicalId: qw.logicalId,
				JobId:           job.JobId,
				StepsPerRun:     job.StepsPerRun,
				Assigned:        qw.assigned,
			}
		},
		func() interface{} { return new(RestartSuperStepResult) },
	)
	return err
}

// recoverJob drops failed workers and restarts on the survivors until a
// restart succeeds. Errors other than worker failures are returned as is.
func (c *Coord) recoverJob(ctx context.Context, job Job, err error) ([]queryWorker, error) {
	for {
		var failure *workerFailure
		if !errors.As(err, &failure) {
			return nil, err
		}
		c.removeWorker(failure.configId)

		queryWorkers, assignErr := c.assignJob(job)
		if assignErr != nil {
			return nil, assignErr
		}
		err = c.restart(ctx, job, queryWorkers)
		if err == nil {
			return queryWorkers, nil
		}
	}
}

func (c *Coord) endJob(job Job, queryWorkers []queryWorker) {
	// workers that fail here have already produced their results
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := c.broadcast(ctx, queryWorkers, "Worker.EndJob",
		func(queryWorker) interface{} { return EndJob{JobId: job.JobId} },
		func() interface{} { return new(EndJob) },
	)
	if err != nil {
		c.logger.Warn("end job failed", zap.String("jobId", job.JobId), zap.Error(err))
	}
}

// StartJob runs job to completion on the joined workers. Errors are also
// reported in JobResult.Error.
func (c *Coord) StartJob(ctx context.Context, job Job) (JobResult, error) {
	c.jobMx.Lock()
	defer c.jobMx.Unlock()

	if job.JobId == "" {
		job.JobId = uuid.NewString()
	}
	result := JobResult{Job: job}
	fail := func(err error) (JobResult, error) {
		result.Error = err.Error()
		c.logger.Warn("job failed", zap.String("jobId", job.JobId), zap.Error(err))
		return result, err
	}

	if err := ValidateJob(job, c.programs); err != nil {
		return fail(err)
	}
	if err := c.waitForWorkers(ctx); err != nil {
		return fail(err)
	}

	c.lastCheckpointNumber = 0
	c.lastWorkerCheckpoints = make(map[uint32]uint64)

	queryWorkers, err := c.assignJob(job)
	if err != nil {
		return fail(err)
	}
	c.logger.Info(
		"starting job",
		zap.String("jobId", job.JobId),
		zap.Int("updaters", len(job.Updaters)),
		zap.Uint64("runs", job.Runs),
		zap.Int("workers", len(queryWorkers)),
	)

	if err := c.startWorkers(ctx, job, queryWorkers); err != nil {
		if queryWorkers, err = c.recoverJob(ctx, job, err); err != nil {
			return fail(err)
		}
	}

	states := make(map[string]UpdaterState, len(job.Updaters))
	superStepNumber := uint64(1)
	for superStepNumber <= job.Runs {
		start := time.Now()
		shouldCheckpoint := c.checkpointFrequency > 0 && superStepNumber%c.checkpointFrequency == 0
		progress := ProgressSuperStep{
			SuperStepNum: superStepNumber,
			IsCheckpoint: shouldCheckpoint,
		}

		replies, err := c.broadcast(ctx, queryWorkers, "Worker.ComputeUpdaters",
			func(queryWorker) interface{} { return progress },
			func() interface{} { return new(ProgressSuperStepResult) },
		)
		if err != nil {
			if queryWorkers, err = c.recoverJob(ctx, job, err); err != nil {
				return fail(err)
			}
			superStepNumber = c.lastCheckpointNumber + 1
			continue
		}

		states = make(map[string]UpdaterState, len(job.Updaters))
		for _, reply := range replies {
			ssResult := reply.(*ProgressSuperStepResult)
			for name, state := range ssResult.States {
				states[name] = state
			}
			if ssResult.Checkpointed {
				c.updateCheckpoint(CheckpointMsg{
					SuperStepNumber: ssResult.SuperStepNum,
					WorkerId:        ssResult.WorkerLogicalId,
				}, queryWorkers)
			}
		}

		c.logger.Debug(
			"superstep complete",
			zap.Uint64("superStep", superStepNumber),
			zap.Bool("checkpoint", shouldCheckpoint),
			zap.Duration("took", time.Since(start)),
		)
		superStepNumber++
	}

	c.endJob(job, queryWorkers)

	result.Results = states
	c.logger.Info("job complete", zap.String("jobId", job.JobId))
	c.saveResult(ctx, result)
	return result, nil
}

func (c *Coord) saveResult(ctx context.Context, result JobResult) {
	if c.results == nil {
		return
	}
	if err := c.results.SaveResult(ctx, toJobRecord(result)); err != nil {
		c.logger.Warn("could not save job result", zap.String("jobId", result.Job.JobId), zap.Error(err))
	}
}

// JobResult loads a finished job from the result store.
func (c *Coord) JobResult(ctx context.Context, jobId string) (JobResult, error) {
	if c.results == nil {
		return JobResult{}, database.ErrResultNotFound
	}
	record, err := c.results.GetResult(ctx, jobId)
	if err != nil {
		return JobResult{}, err
	}
	return fromJobRecord(record), nil
}

func toJobRecord(result JobResult) database.JobRecord {
	record := database.JobRecord{
		JobId:       result.Job.JobId,
		ClientId:    result.Job.ClientId,
		Runs:        result.Job.Runs,
		StepsPerRun: result.Job.StepsPerRun,
		CompletedAt: time.Now().UTC(),
	}
	for _, spec := range result.Job.Updaters {
		state := result.Results[spec.Name]
		record.Updaters = append(record.Updaters, database.UpdaterRecord{
			Name:        spec.Name,
			Program:     spec.Program,
			InitVertex:  database.Float(spec.Vertex),
			InitContext: database.Float(spec.Context),
			Vertex:      database.Float(state.Vertex),
			Context:     database.Float(state.Context),
			SuperStep:   state.SuperStep,
			Steps:       state.Steps,
		})
	}
	return record
}

func fromJobRecord(record database.JobRecord) JobResult {
	result := JobResult{
		Job: Job{
			JobId:       record.JobId,
			ClientId:    record.ClientId,
			Runs:        record.Runs,
			StepsPerRun: record.StepsPerRun,
		},
		Results: make(map[string]UpdaterState, len(record.Updaters)),
	}
	for _, u := range record.Updaters {
		result.Job.Updaters = append(result.Job.Updaters, UpdaterSpec{
			Name:    u.Name,
			Program: u.Program,
			Vertex:  float64(u.InitVertex),
			Context: float64(u.InitContext),
		})
		result.Results[u.Name] = UpdaterState{
			Vertex:    float64(u.Vertex),
			Context:   float64(u.Context),
			SuperStep: u.SuperStep,
			Steps:     u.Steps,
		}
	}
	return result
}

// coordRPC is the net/rpc face of the coord for workers.
type coordRPC struct {
	coord *Coord
}

func (r *coordRPC) JoinWorker(w WorkerNode, reply *WorkerNode) error {
	return r.coord.JoinWorker(w, reply)
}

func (c *Coord) listenWorkers(ctx context.Context, listener net.Listener) error {
	handler := rpc.NewServer()
	if err := handler.RegisterName("Coord", &coordRPC{coord: c}); err != nil {
		return err
	}
	c.logger.Info("listening for workers", zap.String("addr", listener.Addr().String()))

	go func() {
		<-ctx.Done()
		listener.Close()
	}()
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept worker: %w", err)
		}
		go handler.ServeConn(conn)
	}
}

// Start serves the worker API, the client gRPC API and the HTTP API. It
// returns when ctx is cancelled or one of them fails.
func (c *Coord) Start(ctx context.Context) error {
	workerListener, err := net.Listen("tcp", c.config.WorkerAPIListenAddr)
	if err != nil {
		return fmt.Errorf("listen for workers: %w", err)
	}
	clientListener, err := net.Listen("tcp", c.config.ClientAPIListenAddr)
	if err != nil {
		workerListener.Close()
		return fmt.Errorf("listen for clients: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	grpcServer := c.newGRPCServer()

	g.Go(func() error {
		return c.listenWorkers(ctx, workerListener)
	})
	g.Go(func() error {
		c.logger.Info("listening for clients", zap.String("addr", clientListener.Addr().String()))
		return grpcServer.Serve(clientListener)
	})
	if c.config.ExternalAPIListenAddr != "" {
		g.Go(func() error {
			return c.serveExternalAPI(ctx, grpcServer)
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		grpcServer.GracefulStop()
		c.stopMonitors()
		return nil
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *Coord) stopMonitors() {
	c.mx.Lock()
	monitors := make([]*fchecker.Monitor, 0, len(c.monitors))
	for _, m := range c.monitors {
		monitors = append(monitors, m)
	}
	c.mx.Unlock()
	for _, m := range monitors {
		m.Stop()
	}
}
