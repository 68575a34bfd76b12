/*

Package fchecker is a UDP heartbeat failure detector. A Responder acks
every heartbeat it receives; a Monitor sends heartbeats to one Responder and
reports a failure once LostMsgThresh consecutive heartbeats go unacked.

*/

package fchecker

import (
	"bytes"
	"encoding/gob"
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DEFAULT_ACK_TIMEOUT     = 3 * time.Second
	DEFAULT_HBEAT_INTERVAL  = 1 * time.Second
	DEFAULT_LOST_MSG_THRESH = 3

	maxDatagram = 1024
)

// Heartbeat message.
type HBeatMessage struct {
	EpochNonce uint64 // Identifies this fchecker instance/epoch.
	SeqNum     uint64 // Unique for each heartbeat in an epoch.
}

// An ack message; response to a heartbeat.
type AckMessage struct {
	HBEatEpochNonce uint64 // Copy of what was received in the heartbeat.
	HBEatSeqNum     uint64 // Copy of what was received in the heartbeat.
}

// Notification of a failure.
type FailureDetected struct {
	UDPIpPort string // The RemoteIP:RemotePort of the failed node.
	ServerId  uint32
	Timestamp time.Time
}

type MonitorConfig struct {
	HBeatLocalAddr  string
	HBeatRemoteAddr string
	EpochNonce      uint64
	LostMsgThresh   uint8
	AckTimeout      time.Duration
	HBeatInterval   time.Duration
	ServerId        uint32
}

func writeMessage(msg interface{}, write func([]byte) (int, error)) error {
	var msgBuf bytes.Buffer
	if err := gob.NewEncoder(&msgBuf).Encode(msg); err != nil {
		return err
	}
	_, err := write(msgBuf.Bytes())
	return err
}

func readMessage(buf []byte, msg interface{}) error {
	return gob.NewDecoder(bytes.NewReader(buf)).Decode(msg)
}

////////////////////////////////////////////////////// Responder

type Responder struct {
	conn     *net.UDPConn
	logger   *zap.Logger
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// StartResponder listens on ackLocalAddr and acks heartbeats until Stop.
func StartResponder(ackLocalAddr string, logger *zap.Logger) (*Responder, error) {
	addr, err := net.ResolveUDPAddr("udp", ackLocalAddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}

	r := &Responder{conn: conn, logger: logger.Named("fcheck")}
	r.wg.Add(1)
	go r.respond()
	r.logger.Debug("responding to heartbeats", zap.String("addr", r.Addr()))
	return r, nil
}

func (r *Responder) Addr() string {
	return r.conn.LocalAddr().String()
}

func (r *Responder) respond() {
	defer r.wg.Done()
	buf := make([]byte, maxDatagram)

	for {
		n, srcAddr, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			// closed by Stop
			return
		}

		var hBeat HBeatMessage
		if err := readMessage(buf[:n], &hBeat); err != nil {
			r.logger.Warn("dropping malformed heartbeat", zap.Error(err))
			continue
		}

		ack := AckMessage{
			HBEatEpochNonce: hBeat.EpochNonce,
			HBEatSeqNum:     hBeat.SeqNum,
		}
		err = writeMessage(ack, func(b []byte) (int, error) {
			return r.conn.WriteToUDP(b, srcAddr)
		})
		if err != nil {
			r.logger.Warn("could not ack heartbeat", zap.Error(err))
		}
	}
}

func (r *Responder) Stop() {
	r.stopOnce.Do(func() {
		r.conn.Close()
	})
	r.wg.Wait()
}

////////////////////////////////////////////////////// Monitor

type Monitor struct {
	config   MonitorConfig
	conn     *net.UDPConn
	logger   *zap.Logger
	notifyCh chan FailureDetected
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// StartMonitor begins heartbeating config.HBeatRemoteAddr. The returned
// Monitor delivers at most one FailureDetected on Notify.
func StartMonitor(config MonitorConfig, logger *zap.Logger) (*Monitor, error) {
	if config.HBeatRemoteAddr == "" {
		return nil, errors.New("fcheck: no remote address to monitor")
	}
	if config.AckTimeout <= 0 {
		config.AckTimeout = DEFAULT_ACK_TIMEOUT
	}
	if config.HBeatInterval <= 0 {
		config.HBeatInterval = DEFAULT_HBEAT_INTERVAL
	}
	if config.LostMsgThresh == 0 {
		config.LostMsgThresh = DEFAULT_LOST_MSG_THRESH
	}

	var localAddr *net.UDPAddr
	var err error
	if config.HBeatLocalAddr != "" {
		localAddr, err = net.ResolveUDPAddr("udp", config.HBeatLocalAddr)
		if err != nil {
			return nil, err
		}
	}
	remoteAddr, err := net.ResolveUDPAddr("udp", config.HBeatRemoteAddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", localAddr, remoteAddr)
	if err != nil {
		return nil, err
	}

	m := &Monitor{
		config:   config,
		conn:     conn,
		logger:   logger.Named("fcheck").With(zap.Uint32("server", config.ServerId)),
		notifyCh: make(chan FailureDetected, 1),
		stop:     make(chan struct{}),
	}
	m.wg.Add(1)
	go m.monitor()
	m.logger.Debug(
		"monitoring",
		zap.Stringer("remote", conn.RemoteAddr()),
		zap.Stringer("local", conn.LocalAddr()),
	)
	return m, nil
}

func (m *Monitor) Notify() <-chan FailureDetected {
	return m.notifyCh
}

// Done is closed once Stop is called.
func (m *Monitor) Done() <-chan struct{} {
	return m.stop
}

func (m *Monitor) stopped() bool {
	select {
	case <-m.stop:
		return true
	default:
		return false
	}
}

// sendHBeat sends heartbeat seqNum and returns when its ack is due.
func (m *Monitor) sendHBeat(seqNum uint64) time.Time {
	hBeat := HBeatMessage{EpochNonce: m.config.EpochNonce, SeqNum: seqNum}
	if err := writeMessage(hBeat, m.conn.Write); err != nil && !m.stopped() {
		m.logger.Debug("heartbeat write failed", zap.Error(err))
	}
	return time.Now().Add(m.config.AckTimeout)
}

func (m *Monitor) monitor() {
	defer m.wg.Done()

	lostMsgs := uint8(0) // consecutive heartbeats not acked within AckTimeout
	seqNum := uint64(0)
	buf := make([]byte, maxDatagram)

	// stale acks must not push the deadline back
	deadline := m.sendHBeat(seqNum)
	for {
		if m.stopped() {
			return
		}
		if err := m.conn.SetReadDeadline(deadline); err != nil {
			return
		}

		n, err := m.conn.Read(buf)
		if err != nil {
			if m.stopped() {
				return
			}
			// timeouts and ICMP refusals both count as a lost heartbeat
			lostMsgs++
			if lostMsgs >= m.config.LostMsgThresh {
				m.notifyCh <- FailureDetected{
					UDPIpPort: m.config.HBeatRemoteAddr,
					ServerId:  m.config.ServerId,
					Timestamp: time.Now(),
				}
				m.logger.Info("failure detected", zap.Uint8("lostMsgs", lostMsgs))
				return
			}
			if !m.pause() {
				return
			}
			deadline = m.sendHBeat(seqNum)
			continue
		}

		var ack AckMessage
		if err := readMessage(buf[:n], &ack); err != nil {
			continue
		}
		if ack.HBEatEpochNonce != m.config.EpochNonce || ack.HBEatSeqNum != seqNum {
			// stale ack from an earlier heartbeat
			continue
		}

		lostMsgs = 0
		seqNum++
		if !m.pause() {
			return
		}
		deadline = m.sendHBeat(seqNum)
	}
}

// pause waits one heartbeat interval; false means Stop was called.
func (m *Monitor) pause() bool {
	timer := time.NewTimer(m.config.HBeatInterval)
	defer timer.Stop()
	select {
	case <-m.stop:
		return false
	case <-timer.C:
		return true
	}
}

// Stop ends monitoring. Safe to call more than once and after a failure.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stop)
		m.conn.Close()
	})
	m.wg.Wait()
}
