package updater

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// JobClient sends jobs to the coord's client API and delivers results on
// the channel returned by Start.
type JobClient struct {
	clientId string
	conn     *grpc.ClientConn
	notifyCh chan JobResult
	logger   *zap.Logger
}

func NewClient(logger *zap.Logger) *JobClient {
	return &JobClient{logger: logger.Named("client")}
}

// Start connects to the coord. Extra dial options are appended after the
// insecure transport credentials.
func (c *JobClient) Start(clientId string, coordAddr string, opts ...grpc.DialOption) (chan JobResult, error) {
	c.clientId = clientId

	dialOpts := append(
		[]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())},
		opts...,
	)
	conn, err := grpc.Dial(coordAddr, dialOpts...)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	c.notifyCh = make(chan JobResult, 1)
	return c.notifyCh, nil
}

// SendJob queues job; the result arrives on the notify channel. Program
// names are checked by the coord.
func (c *JobClient) SendJob(job Job) error {
	if c.conn == nil {
		return errors.New("client is not started")
	}
	if err := ValidateJob(job, nil); err != nil {
		return err
	}
	job.ClientId = c.clientId

	c.logger.Debug("job is queued up to be sent", zap.Int("updaters", len(job.Updaters)))
	go c.doJob(job)
	return nil
}

func (c *JobClient) doJob(job Job) {
	result := JobResult{Job: job}

	req, err := toStruct(job)
	if err != nil {
		result.Error = err.Error()
		c.notifyCh <- result
		return
	}

	resp := new(structpb.Struct)
	if err := c.conn.Invoke(context.Background(), coordStartJobMethod, req, resp); err != nil {
		c.logger.Warn("StartJob call failed", zap.Error(err))
		result.Error = err.Error()
		c.notifyCh <- result
		return
	}
	if err := fromStruct(resp, &result); err != nil {
		result.Error = err.Error()
	}
	if result.Error != "" {
		c.logger.Warn("job returned an error", zap.String("error", result.Error))
	}
	c.notifyCh <- result
}

func (c *JobClient) Stop() {
	if c.conn != nil {
		c.conn.Close()
	}
}
