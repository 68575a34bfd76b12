package util

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const (
	WORKERS = "worker"
	CLIENT  = "client"

	COORD_CONFIG = "coord_config.json"
)

// SynchronizeConfigs points every client and worker config in dir at the
// coord addresses found in dir/coord_config.json.
func SynchronizeConfigs(dir string) error {
	var coord CoordConfig
	if err := ReadJSONConfig(filepath.Join(dir, COORD_CONFIG), &coord); err != nil {
		return err
	}

	files, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	for _, file := range files {
		filename := file.Name()
		path := filepath.Join(dir, filename)

		if IsClientConfig(filename) {
			var client ClientConfig
			if err := ReadJSONConfig(path, &client); err != nil {
				return fmt.Errorf("%s: %w", filename, err)
			}
			client.CoordAddr = coord.ClientAPIListenAddr
			if err := WriteJSONConfig(path, client); err != nil {
				return err
			}
		}
		if IsWorkerConfig(filename) {
			var worker WorkerConfig
			if err := ReadJSONConfig(path, &worker); err != nil {
				return fmt.Errorf("%s: %w", filename, err)
			}
			worker.CoordAddr = coord.WorkerAPIListenAddr
			if err := WriteJSONConfig(path, worker); err != nil {
				return err
			}
		}
	}
	return nil
}

// AssignPorts gives each worker config in dir, in file name order, a
// listen port and an fcheck ack port starting at basePort.
func AssignPorts(dir string, basePort int) error {
	files, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	var workerFiles []string
	for _, file := range files {
		if IsWorkerConfig(file.Name()) {
			workerFiles = append(workerFiles, file.Name())
		}
	}
	sort.Strings(workerFiles)

	port := basePort
	for _, filename := range workerFiles {
		path := filepath.Join(dir, filename)
		var worker WorkerConfig
		if err := ReadJSONConfig(path, &worker); err != nil {
			return fmt.Errorf("%s: %w", filename, err)
		}

		host := hostOrLocal(worker.WorkerAddr)
		worker.WorkerListenAddr = net.JoinHostPort(host, strconv.Itoa(port))
		worker.FCheckAckLocalAddress = net.JoinHostPort(host, strconv.Itoa(port+1))
		port += 2

		if err := WriteJSONConfig(path, worker); err != nil {
			return err
		}
	}
	return nil
}

func hostOrLocal(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil && host != "" {
		return host
	}
	return "127.0.0.1"
}

func IsClientConfig(filename string) bool {
	return strings.HasPrefix(filename, CLIENT)
}

func IsWorkerConfig(filename string) bool {
	return strings.HasPrefix(filename, WORKERS)
}

func GetConfigPath(filename string) string {
	return filepath.Join("config", filename)
}
