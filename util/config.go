package util

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/rpc"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const DOTENV_FILE = ".env"

/*
	Config structs are declared here rather than in vertexcentric/updater so that
	cmd/config can rewrite them without importing the engine.
*/

type CoordConfig struct {
	ClientAPIListenAddr     string `env:"VC_CLIENT_API_LISTEN_ADDR"` // gRPC, clients send jobs here
	WorkerAPIListenAddr     string `env:"VC_WORKER_API_LISTEN_ADDR"` // joining workers message this addr
	ExternalAPIListenAddr   string `env:"VC_EXTERNAL_API_LISTEN_ADDR"`
	LostMsgsThresh          uint8  `env:"VC_LOST_MSGS_THRESH"` // fcheck
	StepsBetweenCheckpoints uint64 `env:"VC_STEPS_BETWEEN_CHECKPOINTS"`
	LogFile                 string `env:"VC_LOG_FILE"`
	ResultStore             ResultStoreConfig
}

type WorkerConfig struct {
	WorkerId              uint32 `env:"VC_WORKER_ID"`
	CoordAddr             string `env:"VC_COORD_ADDR"`
	WorkerAddr            string `env:"VC_WORKER_ADDR"`
	WorkerListenAddr      string `env:"VC_WORKER_LISTEN_ADDR"`
	FCheckAckLocalAddress string `env:"VC_FCHECK_ACK_LOCAL_ADDRESS"`
	CheckpointDriver      string `env:"VC_CHECKPOINT_DRIVER"`
	CheckpointDSN         string `env:"VC_CHECKPOINT_DSN"`
	LogFile               string `env:"VC_LOG_FILE"`
}

type ClientConfig struct {
	ClientId  string `env:"VC_CLIENT_ID"`
	CoordAddr string `env:"VC_COORD_ADDR"`
}

// ResultStoreConfig selects where finished job results are kept. An empty
// Kind disables persistence.
type ResultStoreConfig struct {
	Kind            string `env:"VC_RESULT_STORE"`
	TableName       string `env:"VC_RESULT_TABLE"`
	Region          string `env:"VC_AWS_REGION"`
	Endpoint        string `env:"VC_DYNAMODB_ENDPOINT"`
	AccessKeyID     string `env:"VC_AWS_ACCESS_KEY_ID"`
	SecretAccessKey string `env:"VC_AWS_SECRET_ACCESS_KEY"`
	MongoURI        string `env:"VC_MONGO_URI"`
	Database        string `env:"VC_MONGO_DATABASE"`
	Collection      string `env:"VC_MONGO_COLLECTION"`
}

func ReadJSONConfig(filename string, config interface{}) error {
	configData, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	return json.Unmarshal(configData, config)
}

func WriteJSONConfig(filename string, config interface{}) error {
	configData, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, append(configData, '\n'), 0644)
}

// LoadConfig reads a JSON config file and then applies VC_* environment
// overrides on top of it. Variables in a .env file in the working directory
// count as environment, but never replace ones already set.
func LoadConfig(filename string, config interface{}) error {
	if err := ReadJSONConfig(filename, config); err != nil {
		return fmt.Errorf("read %s: %w", filename, err)
	}
	if err := godotenv.Load(DOTENV_FILE); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", DOTENV_FILE, err)
	}
	if err := env.Parse(config); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

func DialTCPCustom(localAddr string, remoteAddr string) (*net.TCPConn, error) {
	var laddr *net.TCPAddr
	var err error

	if localAddr != "" {
		laddr, err = net.ResolveTCPAddr("tcp", localAddr)
		if err != nil {
			return nil, fmt.Errorf("resolve local address %v: %w", localAddr, err)
		}
	}

	raddr, err := net.ResolveTCPAddr("tcp", remoteAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve remote address %v: %w", remoteAddr, err)
	}

	return net.DialTCP("tcp", laddr, raddr)
}

func DialRPC(addr string) (*rpc.Client, error) {
	conn, err := DialTCPCustom("", addr)
	if err != nil {
		return nil, err
	}
	return rpc.NewClient(conn), nil
}

// IPEmptyPortOnly keeps the host of addr and lets the OS pick the port.
func IPEmptyPortOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return ""
	}
	return net.JoinHostPort(host, "0")
}
