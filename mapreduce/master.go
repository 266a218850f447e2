package mapreduce

import (
	"fmt"
	"io"
	"log"
	"net"
	"sort"
	"sync"
	"time"

	"mapreduce-wordcount/mapreduce/protocol"
)

// Stage is the master's job state. Transitions only move forward.
type Stage int

const (
	StageRegistration Stage = iota
	StageMap
	StageReduce
	StageShutdown
)

func (s Stage) String() string {
	switch s {
	case StageRegistration:
		return "registration"
	case StageMap:
		return "map"
	case StageReduce:
		return "reduce"
	case StageShutdown:
		return "shutdown"
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

func (s Stage) timeoutReason() string {
	switch s {
	case StageRegistration:
		return protocol.ReasonRegistrationTimeout
	case StageMap:
		return protocol.ReasonMapTimeout
	case StageReduce:
		return protocol.ReasonReduceTimeout
	}
	return ""
}

// MasterConfig configures the coordinator. A zero timeout means the
// corresponding stage never expires.
type MasterConfig struct {
	Host                string
	Port                int
	NumWorkers          int
	RegistrationTimeout time.Duration
	MapTimeout          time.Duration
	ReduceTimeout       time.Duration
	PollInterval        time.Duration
}

// registration is the master's record of one connected worker.
type registration struct {
	machineIndex int
	splitID      string
	shufflePort  int
	conn         net.Conn
}

// Master accepts worker registrations, drives the job state machine
// through registration, map, reduce and shutdown, and aggregates the
// final word counts. One accept goroutine, one handler goroutine per
// connection and one coordinator goroutine; everything they share is
// guarded by the single mu/cond pair.
type Master struct {
	cfg MasterConfig

	listener *net.TCPListener

	mu             sync.Mutex
	cond           *sync.Cond
	stage          Stage
	registered     map[int]*registration
	mapFinished    map[int]bool
	reduceFinished map[int][]protocol.CountEntry
	conns          map[net.Conn]struct{}
	deadline       time.Time // zero means the current stage never expires
	finalCounts    map[string]uint64

	quit chan struct{}
	wg   sync.WaitGroup
}

func NewMaster(cfg MasterConfig) *Master {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	m := &Master{
		cfg:            cfg,
		registered:     make(map[int]*registration),
		mapFinished:    make(map[int]bool),
		reduceFinished: make(map[int][]protocol.CountEntry),
		conns:          make(map[net.Conn]struct{}),
		quit:           make(chan struct{}),
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Start binds the control listener and launches the accept and poll
// goroutines. Run must be called afterwards to drive the job.
func (m *Master) Start() error {
	if m.cfg.NumWorkers <= 0 {
		return fmt.Errorf("master needs a positive worker count, got %d", m.cfg.NumWorkers)
	}
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port))
	if err != nil {
		return fmt.Errorf("bind control listener: %w", err)
	}
	m.listener = ln.(*net.TCPListener)
	if m.cfg.RegistrationTimeout > 0 {
		m.deadline = time.Now().Add(m.cfg.RegistrationTimeout)
	}
	m.wg.Add(2)
	go m.acceptLoop()
	go m.pollLoop()
	log.Printf("[master] waiting for %d workers on %s", m.cfg.NumWorkers, ln.Addr())
	return nil
}

// Addr returns the bound control address, useful when Port is 0.
func (m *Master) Addr() net.Addr { return m.listener.Addr() }

// Run blocks until the job completes or a stage deadline fires. It is
// the only goroutine that performs stage transitions. On success the
// aggregate is available through FinalCounts; on timeout the workers
// have been told to shut down and an error is returned.
func (m *Master) Run() error {
	defer m.close()

	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		if !m.deadline.IsZero() && time.Now().After(m.deadline) {
			reason := m.stage.timeoutReason()
			log.Printf("[master] %s stage timed out, aborting job", m.stage)
			m.shutdownLocked(reason)
			return fmt.Errorf("job aborted: %s", reason)
		}
		switch m.stage {
		case StageRegistration:
			if len(m.registered) >= m.cfg.NumWorkers {
				m.advanceLocked(StageMap, protocol.MsgStartMap, m.cfg.MapTimeout)
				continue
			}
		case StageMap:
			if len(m.mapFinished) >= m.cfg.NumWorkers {
				m.advanceLocked(StageReduce, protocol.MsgStartReduce, m.cfg.ReduceTimeout)
				continue
			}
		case StageReduce:
			if len(m.reduceFinished) >= m.cfg.NumWorkers {
				m.emitFinalResultLocked()
				m.shutdownLocked(protocol.ReasonJobComplete)
				return nil
			}
		}
		m.cond.Wait()
	}
}

// FinalCounts returns a copy of the aggregated word counts. Empty
// until the job has completed successfully.
func (m *Master) FinalCounts() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.finalCounts))
	for word, n := range m.finalCounts {
		out[word] = n
	}
	return out
}

// advanceLocked broadcasts the stage-start message to a snapshot of the
// currently connected workers and moves the state machine forward. A
// failed send drops only that worker; the barrier predicates re-check
// live counts, so a drop during registration can only delay the
// barrier, never satisfy it. Called with mu held.
func (m *Master) advanceLocked(next Stage, msgType protocol.MsgType, timeout time.Duration) {
	snapshot := make([]*registration, 0, len(m.registered))
	for _, reg := range m.registered {
		snapshot = append(snapshot, reg)
	}
	log.Printf("[master] %s barrier released, broadcasting %s to %d workers",
		m.stage, msgType, len(snapshot))
	for _, reg := range snapshot {
		if err := protocol.WriteMessage(reg.conn, protocol.Message{Type: msgType}); err != nil {
			log.Printf("[master] broadcast %s to machine %d failed: %v", msgType, reg.machineIndex, err)
			reg.conn.Close()
			delete(m.registered, reg.machineIndex)
		}
	}
	m.stage = next
	if timeout > 0 {
		m.deadline = time.Now().Add(timeout)
	} else {
		m.deadline = time.Time{}
	}
}

// shutdownLocked broadcasts shutdown with the given reason and enters
// the terminal stage. Called with mu held.
func (m *Master) shutdownLocked(reason string) {
	msg := protocol.Message{Type: protocol.MsgShutdown, Reason: reason}
	for _, reg := range m.registered {
		if err := protocol.WriteMessage(reg.conn, msg); err != nil {
			log.Printf("[master] shutdown to machine %d failed: %v", reg.machineIndex, err)
		}
		reg.conn.Close()
	}
	m.stage = StageShutdown
	m.deadline = time.Time{}
}

// emitFinalResultLocked sums every worker's partial counts into the
// final mapping and prints it sorted by descending count. Runs exactly
// once, before the job_complete broadcast. Called with mu held.
func (m *Master) emitFinalResultLocked() {
	m.finalCounts = aggregateCounts(m.reduceFinished)
	entries := make([]protocol.CountEntry, 0, len(m.finalCounts))
	for word, n := range m.finalCounts {
		entries = append(entries, protocol.CountEntry{Word: word, Count: n})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Count != entries[j].Count {
			return entries[i].Count > entries[j].Count
		}
		return entries[i].Word < entries[j].Word
	})
	// External watchers poll the log for this line to detect completion.
	log.Printf("[master] Final wordcount: %d distinct words", len(entries))
	for _, e := range entries {
		fmt.Printf("%s %d\n", e.Word, e.Count)
	}
}

// aggregateCounts merges per-worker partial counts: the final count of
// a word is the sum of that word's count across all contributions.
func aggregateCounts(parts map[int][]protocol.CountEntry) map[string]uint64 {
	total := make(map[string]uint64)
	for _, entries := range parts {
		for _, e := range entries {
			total[e.Word] += e.Count
		}
	}
	return total
}

func (m *Master) acceptLoop() {
	defer m.wg.Done()
	for {
		m.listener.SetDeadline(time.Now().Add(time.Second))
		conn, err := m.listener.Accept()
		if err != nil {
			select {
			case <-m.quit:
				return
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			log.Printf("[master] accept: %v", err)
			return
		}
		m.wg.Add(1)
		go m.handleConn(conn)
	}
}

// pollLoop wakes the coordinator at the poll interval so deadlines are
// checked even when no messages arrive.
func (m *Master) pollLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.quit:
			m.cond.Broadcast()
			return
		case <-ticker.C:
			m.cond.Broadcast()
		}
	}
}

// handleConn reads control frames from one worker connection, updates
// shared state under the lock and signals the coordinator. A framing
// or JSON error terminates only this connection.
func (m *Master) handleConn(conn net.Conn) {
	defer m.wg.Done()
	m.mu.Lock()
	m.conns[conn] = struct{}{}
	m.mu.Unlock()
	defer m.dropConn(conn)

	for {
		msg, err := protocol.ReadMessage(conn)
		if err != nil {
			select {
			case <-m.quit:
			default:
				if err != io.EOF {
					log.Printf("[master] %s: %v", conn.RemoteAddr(), err)
				}
			}
			return
		}
		switch msg.Type {
		case protocol.MsgRegister:
			m.handleRegister(conn, msg)
		case protocol.MsgMapFinished:
			m.handleMapFinished(msg)
		case protocol.MsgReduceFinished:
			m.handleReduceFinished(msg)
		case protocol.MsgStartMap, protocol.MsgStartReduce, protocol.MsgShutdown:
			log.Printf("[master] unexpected %s from %s", msg.Type, conn.RemoteAddr())
		default:
			log.Printf("[master] ignoring unknown message type %q from %s", msg.Type, conn.RemoteAddr())
		}
	}
}

func (m *Master) handleRegister(conn net.Conn, msg protocol.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stage != StageRegistration {
		log.Printf("[master] machine %d registered after %s started, ignoring", msg.MachineIndex, m.stage)
		return
	}
	if prev, ok := m.registered[msg.MachineIndex]; ok && prev.conn != conn {
		log.Printf("[master] machine %d re-registered, replacing previous connection", msg.MachineIndex)
		prev.conn.Close()
	}
	m.registered[msg.MachineIndex] = &registration{
		machineIndex: msg.MachineIndex,
		splitID:      msg.SplitID,
		shufflePort:  msg.ShufflePort,
		conn:         conn,
	}
	log.Printf("[master] machine %d registered (split %q, shuffle port %d), %d/%d",
		msg.MachineIndex, msg.SplitID, msg.ShufflePort, len(m.registered), m.cfg.NumWorkers)
	m.cond.Broadcast()
}

func (m *Master) handleMapFinished(msg protocol.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !msg.Success {
		// The barrier stays open; the map deadline is what ends the job.
		log.Printf("[master] machine %d map failed: %s", msg.MachineIndex, msg.Error)
		return
	}
	m.mapFinished[msg.MachineIndex] = true
	log.Printf("[master] machine %d finished map, %d/%d", msg.MachineIndex, len(m.mapFinished), m.cfg.NumWorkers)
	m.cond.Broadcast()
}

func (m *Master) handleReduceFinished(msg protocol.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !msg.Success {
		log.Printf("[master] machine %d reduce failed: %s", msg.MachineIndex, msg.Error)
		return
	}
	m.reduceFinished[msg.MachineIndex] = msg.Results
	log.Printf("[master] machine %d finished reduce with %d distinct words, %d/%d",
		msg.MachineIndex, len(msg.Results), len(m.reduceFinished), m.cfg.NumWorkers)
	m.cond.Broadcast()
}

// dropConn closes a connection and removes any registration bound to
// it. The coordinator is woken because a drop changes the live count.
func (m *Master) dropConn(conn net.Conn) {
	conn.Close()
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conns, conn)
	for idx, reg := range m.registered {
		if reg.conn == conn {
			delete(m.registered, idx)
			if m.stage != StageShutdown {
				log.Printf("[master] machine %d disconnected", idx)
			}
			break
		}
	}
	m.cond.Broadcast()
}

func (m *Master) close() {
	close(m.quit)
	m.listener.Close()
	m.mu.Lock()
	for conn := range m.conns {
		conn.Close()
	}
	m.mu.Unlock()
	m.wg.Wait()
}
