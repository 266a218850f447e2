package mapreduce

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	cmap "github.com/orcaman/concurrent-map"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/transform"

	"mapreduce-wordcount/mapreduce/protocol"
)

// WorkerConfig configures one worker process.
type WorkerConfig struct {
	WorkerID int      // one-based position in Hosts
	Hosts    []string // Hosts[i] runs machine i, shuffle port ShufflePortBase+i

	SplitID         string // defaults to the worker id
	MasterHost      string
	ControlPort     int
	ShufflePortBase int
	Encoding        string // IANA name, utf-8 by default
	MaxLines        int    // cap on map input lines, 0 = unlimited
	Hash            string // partitioner algorithm, see NewPartitioner
	FlushThreshold  int    // shuffle batch bytes, <= 0 flushes every word
	Parallelism     int    // parallel map chunks, <= 1 is sequential

	DialAttempts int
	DialDelay    time.Duration
}

const (
	defaultControlPort     = 5374
	defaultShufflePortBase = 6200
	defaultDialAttempts    = 5
	defaultDialDelay       = 500 * time.Millisecond
)

// Worker binds a shuffle listener, registers with the master and then
// executes stage commands from the control channel. Inbound shuffle
// goroutines and the control goroutine share only the counts map; the
// outgoing sockets and pending buffers belong to the control goroutine
// alone.
type Worker struct {
	cfg          WorkerConfig
	machineIndex int
	part         *Partitioner

	listener *net.TCPListener
	master   net.Conn

	counts cmap.ConcurrentMap // word -> uint64

	pending  map[int][]byte   // per-destination batched shuffle frames
	outgoing map[int]net.Conn // lazily dialed peer sockets

	connMu      sync.Mutex
	inboundCond *sync.Cond
	inbound     map[net.Conn]struct{}
	drainExpire bool

	quit      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if len(cfg.Hosts) == 0 {
		return nil, fmt.Errorf("worker needs a host list")
	}
	if cfg.WorkerID < 1 || cfg.WorkerID > len(cfg.Hosts) {
		return nil, fmt.Errorf("worker id %d outside host list of %d", cfg.WorkerID, len(cfg.Hosts))
	}
	if cfg.SplitID == "" {
		cfg.SplitID = strconv.Itoa(cfg.WorkerID)
	}
	if cfg.ControlPort == 0 {
		cfg.ControlPort = defaultControlPort
	}
	if cfg.ShufflePortBase == 0 {
		cfg.ShufflePortBase = defaultShufflePortBase
	}
	if cfg.DialAttempts <= 0 {
		cfg.DialAttempts = defaultDialAttempts
	}
	if cfg.DialDelay <= 0 {
		cfg.DialDelay = defaultDialDelay
	}
	part, err := NewPartitioner(cfg.Hash, len(cfg.Hosts))
	if err != nil {
		return nil, err
	}
	if _, err := decodeReader(strings.NewReader(""), cfg.Encoding); err != nil {
		return nil, err
	}
	w := &Worker{
		cfg:          cfg,
		machineIndex: cfg.WorkerID - 1,
		part:         part,
		counts:       cmap.New(),
		pending:      make(map[int][]byte),
		outgoing:     make(map[int]net.Conn),
		inbound:      make(map[net.Conn]struct{}),
		quit:         make(chan struct{}),
	}
	w.inboundCond = sync.NewCond(&w.connMu)
	return w, nil
}

// Run binds the shuffle listener, registers with the master and serves
// stage commands until shutdown. The listener is up before the
// register message goes out, so peers can shuffle to this worker the
// moment they see start_map.
func (w *Worker) Run() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", w.cfg.ShufflePortBase+w.machineIndex))
	if err != nil {
		return fmt.Errorf("bind shuffle listener: %w", err)
	}
	w.listener = ln.(*net.TCPListener)
	w.wg.Add(1)
	go w.acceptShuffle()

	addr := net.JoinHostPort(w.cfg.MasterHost, strconv.Itoa(w.cfg.ControlPort))
	err = withRetry(w.cfg.DialAttempts, w.cfg.DialDelay, func() error {
		conn, derr := net.Dial("tcp", addr)
		if derr == nil {
			w.master = conn
		}
		return derr
	})
	if err != nil {
		w.close()
		return fmt.Errorf("connect to master at %s: %w", addr, err)
	}
	if err := protocol.WriteMessage(w.master, protocol.Message{
		Type:         protocol.MsgRegister,
		MachineIndex: w.machineIndex,
		SplitID:      w.cfg.SplitID,
		ShufflePort:  w.cfg.ShufflePortBase + w.machineIndex,
	}); err != nil {
		w.close()
		return fmt.Errorf("register with master: %w", err)
	}
	log.Printf("[worker %d] registered with master at %s (split %q)", w.machineIndex, addr, w.cfg.SplitID)

	err = w.controlLoop()
	w.close()
	return err
}

func (w *Worker) controlLoop() error {
	for {
		msg, err := protocol.ReadMessage(w.master)
		if err != nil {
			if err == io.EOF {
				return fmt.Errorf("master closed connection before shutdown")
			}
			return fmt.Errorf("control channel: %w", err)
		}
		switch msg.Type {
		case protocol.MsgStartMap:
			w.runMapStage()
		case protocol.MsgStartReduce:
			w.runReduceStage()
		case protocol.MsgShutdown:
			log.Printf("[worker %d] shutdown: %s", w.machineIndex, msg.Reason)
			if msg.Reason != "" && msg.Reason != protocol.ReasonJobComplete {
				return fmt.Errorf("job aborted by master: %s", msg.Reason)
			}
			return nil
		case protocol.MsgRegister, protocol.MsgMapFinished, protocol.MsgReduceFinished:
			log.Printf("[worker %d] unexpected %s on control channel", w.machineIndex, msg.Type)
		default:
			log.Printf("[worker %d] ignoring unknown message type %q", w.machineIndex, msg.Type)
		}
	}
}

// runMapStage executes the map stage and reports the outcome. Stage
// errors become success=false on the wire; the worker stays connected
// and waits for shutdown.
func (w *Worker) runMapStage() {
	err := w.mapSplit()
	report := protocol.Message{
		Type:         protocol.MsgMapFinished,
		MachineIndex: w.machineIndex,
		Success:      err == nil,
	}
	if err != nil {
		report.Error = err.Error()
		log.Printf("[worker %d] map stage failed: %v", w.machineIndex, err)
	} else {
		log.Printf("[worker %d] map stage finished", w.machineIndex)
	}
	if werr := protocol.WriteMessage(w.master, report); werr != nil {
		log.Printf("[worker %d] report map_finished: %v", w.machineIndex, werr)
	}
}

// runReduceStage waits for the inbound shuffle streams to drain, then
// reports the sorted local counts. No network beyond the control
// channel.
func (w *Worker) runReduceStage() {
	w.waitInboundDrained(5 * time.Second)
	entries := w.snapshotCounts()
	log.Printf("[worker %d] reduce: reporting %d distinct words", w.machineIndex, len(entries))
	report := protocol.Message{
		Type:         protocol.MsgReduceFinished,
		MachineIndex: w.machineIndex,
		Success:      true,
		Results:      entries,
	}
	if err := protocol.WriteMessage(w.master, report); err != nil {
		log.Printf("[worker %d] report reduce_finished: %v", w.machineIndex, err)
	}
}

// mapSplit reads the local split, partitions its words across the
// worker set and streams the remote shares to peers. Whatever happens,
// all pending buffers are flushed and every outgoing socket is
// half-closed, which is the only shuffle-completion signal peers get.
func (w *Worker) mapSplit() error {
	w.counts.Clear() // a previous job's words must not leak into this one

	path := splitPath(w.cfg.SplitID)
	f, err := os.Open(path)
	if err != nil {
		err = fmt.Errorf("open split %q: %w", w.cfg.SplitID, err)
		w.closeOutgoing()
		return err
	}
	defer f.Close()

	chunks, err := w.chunkOffsets(f)
	if err == nil {
		if len(chunks) >= 2 {
			log.Printf("[worker %d] mapping %s in %d chunks", w.machineIndex, path, len(chunks))
			err = w.mapChunked(f, chunks)
		} else {
			err = w.mapSequential(f)
		}
	}
	if ferr := w.flushAll(); err == nil {
		err = ferr
	}
	w.closeOutgoing()
	return err
}

func (w *Worker) chunkOffsets(f *os.File) ([]chunkOffset, error) {
	if w.cfg.Parallelism < 2 || w.cfg.MaxLines > 0 {
		return nil, nil
	}
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	return computeChunks(f, info.Size(), w.cfg.Parallelism)
}

func (w *Worker) mapSequential(f *os.File) error {
	r, err := decodeReader(f, w.cfg.Encoding)
	if err != nil {
		return err
	}
	sc := newLineScanner(r)
	lines := 0
	for sc.Scan() {
		for _, word := range tokenize(sc.Text()) {
			dest := w.part.Index(word)
			if dest == w.machineIndex {
				w.addLocal(word, 1)
			} else if err := w.sendWord(dest, word); err != nil {
				return err
			}
		}
		lines++
		if w.cfg.MaxLines > 0 && lines >= w.cfg.MaxLines {
			break
		}
	}
	return sc.Err()
}

// chunkResult carries one chunk's routed counts back to the control
// goroutine; chunks share nothing while running.
type chunkResult struct {
	routed map[int]map[string]uint64
	err    error
}

func (w *Worker) mapChunked(f *os.File, chunks []chunkOffset) error {
	results := make(chan chunkResult, len(chunks))
	for _, c := range chunks {
		go func(c chunkOffset) {
			routed, err := w.mapChunk(f, c)
			results <- chunkResult{routed: routed, err: err}
		}(c)
	}
	var firstErr error
	for range chunks {
		res := <-results
		if res.err != nil {
			if firstErr == nil {
				firstErr = res.err
			}
			continue
		}
		if firstErr != nil {
			continue // still drain remaining chunks
		}
		firstErr = w.mergeRouted(res.routed)
	}
	return firstErr
}

// mapChunk tokenizes one line-aligned byte range into per-destination
// counts. SectionReader uses ReadAt, so chunks can share the file.
func (w *Worker) mapChunk(f *os.File, c chunkOffset) (map[int]map[string]uint64, error) {
	r, err := decodeReader(io.NewSectionReader(f, c.start, c.end-c.start), w.cfg.Encoding)
	if err != nil {
		return nil, err
	}
	routed := make(map[int]map[string]uint64)
	sc := newLineScanner(r)
	for sc.Scan() {
		for _, word := range tokenize(sc.Text()) {
			dest := w.part.Index(word)
			counts := routed[dest]
			if counts == nil {
				counts = make(map[string]uint64)
				routed[dest] = counts
			}
			counts[word]++
		}
	}
	return routed, sc.Err()
}

// mergeRouted feeds one chunk's counts into the normal send path. A
// count of n becomes n copies of the single-word frame, so receivers
// never know batching happened.
func (w *Worker) mergeRouted(routed map[int]map[string]uint64) error {
	for dest, counts := range routed {
		if dest == w.machineIndex {
			for word, n := range counts {
				w.addLocal(word, n)
			}
			continue
		}
		for word, n := range counts {
			for i := uint64(0); i < n; i++ {
				if err := w.sendWord(dest, word); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// sendWord appends one word frame to the destination's pending buffer
// and flushes at the threshold. A threshold of zero means every word
// hits the socket immediately.
func (w *Worker) sendWord(dest int, word string) error {
	w.pending[dest] = protocol.AppendFrame(w.pending[dest], []byte(word))
	if w.cfg.FlushThreshold <= 0 || len(w.pending[dest]) >= w.cfg.FlushThreshold {
		return w.flushDest(dest)
	}
	return nil
}

func (w *Worker) flushDest(dest int) error {
	buf := w.pending[dest]
	if len(buf) == 0 {
		return nil
	}
	conn, err := w.outgoingConn(dest)
	if err != nil {
		return err
	}
	if _, err := conn.Write(buf); err != nil {
		return fmt.Errorf("shuffle write to machine %d: %w", dest, err)
	}
	w.pending[dest] = buf[:0]
	return nil
}

func (w *Worker) flushAll() error {
	var firstErr error
	for dest := range w.pending {
		if err := w.flushDest(dest); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// outgoingConn returns the cached socket for dest, dialing it with
// bounded retries on first use.
func (w *Worker) outgoingConn(dest int) (net.Conn, error) {
	if conn, ok := w.outgoing[dest]; ok {
		return conn, nil
	}
	addr := net.JoinHostPort(w.cfg.Hosts[dest], strconv.Itoa(w.cfg.ShufflePortBase+dest))
	var conn net.Conn
	err := withRetry(w.cfg.DialAttempts, w.cfg.DialDelay, func() error {
		c, derr := net.Dial("tcp", addr)
		if derr == nil {
			conn = c
		}
		return derr
	})
	if err != nil {
		return nil, fmt.Errorf("shuffle connect to machine %d at %s: %w", dest, addr, err)
	}
	w.outgoing[dest] = conn
	return conn, nil
}

// closeOutgoing half-closes then closes every outgoing shuffle socket.
// Peers observe the resulting EOF in their read loops; there is no
// explicit end-of-shuffle message.
func (w *Worker) closeOutgoing() {
	for dest, conn := range w.outgoing {
		if tc, ok := conn.(*net.TCPConn); ok {
			tc.CloseWrite()
		}
		conn.Close()
		delete(w.outgoing, dest)
	}
}

func (w *Worker) acceptShuffle() {
	defer w.wg.Done()
	for {
		w.listener.SetDeadline(time.Now().Add(time.Second))
		conn, err := w.listener.Accept()
		if err != nil {
			select {
			case <-w.quit:
				return
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			log.Printf("[worker %d] shuffle accept: %v", w.machineIndex, err)
			return
		}
		w.connMu.Lock()
		w.inbound[conn] = struct{}{}
		w.connMu.Unlock()
		w.wg.Add(1)
		go w.handleShuffle(conn)
	}
}

// handleShuffle reads word frames from one peer until EOF. A nonempty
// payload is one occurrence of that word; an empty payload is a
// keep-alive. A truncated or oversized frame kills only this stream.
func (w *Worker) handleShuffle(conn net.Conn) {
	defer w.wg.Done()
	defer func() {
		conn.Close()
		w.connMu.Lock()
		delete(w.inbound, conn)
		w.inboundCond.Broadcast()
		w.connMu.Unlock()
	}()

	r := bufio.NewReader(conn)
	for {
		payload, err := protocol.ReadFrame(r)
		if err != nil {
			if err != io.EOF {
				select {
				case <-w.quit:
				default:
					log.Printf("[worker %d] shuffle stream from %s: %v", w.machineIndex, conn.RemoteAddr(), err)
				}
			}
			return
		}
		if len(payload) == 0 {
			continue
		}
		w.addLocal(string(payload), 1)
	}
}

func (w *Worker) addLocal(word string, n uint64) {
	w.counts.Upsert(word, n, func(exists bool, current, add interface{}) interface{} {
		if exists {
			return current.(uint64) + add.(uint64)
		}
		return add
	})
}

// snapshotCounts copies the accumulator into a slice sorted by word.
func (w *Worker) snapshotCounts() []protocol.CountEntry {
	entries := make([]protocol.CountEntry, 0, w.counts.Count())
	for item := range w.counts.IterBuffered() {
		entries = append(entries, protocol.CountEntry{Word: item.Key, Count: item.Val.(uint64)})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Word < entries[j].Word })
	return entries
}

// waitInboundDrained blocks until every open inbound shuffle stream has
// hit EOF, or the timeout passes. Peers close their sockets at map end,
// so by the time start_reduce arrives this usually returns at once.
func (w *Worker) waitInboundDrained(timeout time.Duration) {
	timer := time.AfterFunc(timeout, func() {
		w.connMu.Lock()
		w.drainExpire = true
		w.inboundCond.Broadcast()
		w.connMu.Unlock()
	})
	defer timer.Stop()

	w.connMu.Lock()
	for len(w.inbound) > 0 && !w.drainExpire {
		w.inboundCond.Wait()
	}
	w.drainExpire = false
	w.connMu.Unlock()
}

func (w *Worker) close() {
	w.closeOnce.Do(func() {
		close(w.quit)
		if w.listener != nil {
			w.listener.Close()
		}
		if w.master != nil {
			w.master.Close()
		}
		w.closeOutgoing()
		w.connMu.Lock()
		for conn := range w.inbound {
			conn.Close()
		}
		w.connMu.Unlock()
		w.wg.Wait()
	})
}

// splitPath resolves a split identifier: anything containing a path
// separator is used verbatim, otherwise the fixed naming convention
// applies.
func splitPath(id string) string {
	if strings.ContainsAny(id, `/\`) {
		return id
	}
	return fmt.Sprintf("split_%s.txt", id)
}

// tokenize splits a line into lowercase alphanumeric words.
func tokenize(line string) []string {
	var words []string
	var b strings.Builder
	for _, r := range line {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		if b.Len() > 0 {
			words = append(words, b.String())
			b.Reset()
		}
	}
	if b.Len() > 0 {
		words = append(words, b.String())
	}
	return words
}

// newLineScanner builds a scanner sized for long lines; WARC records
// routinely exceed bufio's default token limit.
func newLineScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), 4<<20)
	return sc
}

// decodeReader wraps r with a decoder for the named IANA encoding.
// UTF-8 and the empty name need no transform.
func decodeReader(r io.Reader, name string) (io.Reader, error) {
	if name == "" || strings.EqualFold(name, "utf-8") || strings.EqualFold(name, "utf8") {
		return r, nil
	}
	enc, err := ianaindex.IANA.Encoding(name)
	if err != nil || enc == nil {
		return nil, fmt.Errorf("unsupported encoding %q", name)
	}
	return transform.NewReader(r, enc.NewDecoder()), nil
}
