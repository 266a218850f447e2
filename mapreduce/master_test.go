package mapreduce

import (
	"net"
	"reflect"
	"strings"
	"testing"
	"time"

	"mapreduce-wordcount/mapreduce/protocol"
)

// fakeWorker drives the control protocol by hand so master behavior
// can be tested without real map or shuffle work.
type fakeWorker struct {
	t    *testing.T
	conn net.Conn
}

func dialFakeWorker(t *testing.T, m *Master) *fakeWorker {
	t.Helper()
	conn, err := net.Dial("tcp", m.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return &fakeWorker{t: t, conn: conn}
}

func (f *fakeWorker) send(msg protocol.Message) {
	f.t.Helper()
	if err := protocol.WriteMessage(f.conn, msg); err != nil {
		f.t.Fatalf("send %s: %v", msg.Type, err)
	}
}

func (f *fakeWorker) register(index int) {
	f.send(protocol.Message{Type: protocol.MsgRegister, MachineIndex: index, SplitID: "x", ShufflePort: 6200 + index})
}

func (f *fakeWorker) recv(timeout time.Duration) (protocol.Message, error) {
	f.conn.SetReadDeadline(time.Now().Add(timeout))
	return protocol.ReadMessage(f.conn)
}

func (f *fakeWorker) expect(want protocol.MsgType) protocol.Message {
	f.t.Helper()
	msg, err := f.recv(5 * time.Second)
	if err != nil {
		f.t.Fatalf("waiting for %s: %v", want, err)
	}
	if msg.Type != want {
		f.t.Fatalf("got %s, want %s", msg.Type, want)
	}
	return msg
}

func startTestMaster(t *testing.T, cfg MasterConfig) (*Master, chan error) {
	t.Helper()
	cfg.Host = "127.0.0.1"
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 20 * time.Millisecond
	}
	m := NewMaster(cfg)
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- m.Run() }()
	return m, done
}

func waitDone(t *testing.T, done chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("master did not finish in time")
		return nil
	}
}

func TestAggregateCounts(t *testing.T) {
	parts := map[int][]protocol.CountEntry{
		0: {{Word: "a", Count: 2}, {Word: "b", Count: 1}},
		1: {{Word: "b", Count: 1}, {Word: "c", Count: 2}},
		2: {{Word: "a", Count: 1}, {Word: "c", Count: 1}},
	}
	want := map[string]uint64{"a": 3, "b": 2, "c": 3}
	if got := aggregateCounts(parts); !reflect.DeepEqual(got, want) {
		t.Errorf("aggregateCounts = %v, want %v", got, want)
	}
}

func TestRegistrationTimeoutAbortsWithoutStartMap(t *testing.T) {
	m, done := startTestMaster(t, MasterConfig{
		NumWorkers:          2,
		RegistrationTimeout: 300 * time.Millisecond,
	})
	w := dialFakeWorker(t, m)
	w.register(0)

	// Only one of two workers registered: the first and only message
	// this worker may see is the timeout shutdown, never start_map.
	msg := w.expect(protocol.MsgShutdown)
	if msg.Reason != protocol.ReasonRegistrationTimeout {
		t.Errorf("shutdown reason %q, want %q", msg.Reason, protocol.ReasonRegistrationTimeout)
	}

	err := waitDone(t, done)
	if err == nil || !strings.Contains(err.Error(), protocol.ReasonRegistrationTimeout) {
		t.Errorf("Run returned %v, want registration_timeout error", err)
	}
}

func TestFullJobBarriersBroadcastOnceAndAggregate(t *testing.T) {
	m, done := startTestMaster(t, MasterConfig{
		NumWorkers:          2,
		RegistrationTimeout: 5 * time.Second,
		MapTimeout:          5 * time.Second,
		ReduceTimeout:       5 * time.Second,
	})
	w0 := dialFakeWorker(t, m)
	w1 := dialFakeWorker(t, m)
	w0.register(0)
	w1.register(1)

	w0.expect(protocol.MsgStartMap)
	w1.expect(protocol.MsgStartMap)

	// A registration arriving after the barrier released must not
	// re-fire the broadcast or join the job.
	late := dialFakeWorker(t, m)
	late.register(2)
	if msg, err := late.recv(400 * time.Millisecond); err == nil {
		t.Errorf("late registrant received %s, want nothing", msg.Type)
	}

	w0.send(protocol.Message{Type: protocol.MsgMapFinished, MachineIndex: 0, Success: true})
	w1.send(protocol.Message{Type: protocol.MsgMapFinished, MachineIndex: 1, Success: true})

	w0.expect(protocol.MsgStartReduce)
	w1.expect(protocol.MsgStartReduce)

	w0.send(protocol.Message{Type: protocol.MsgReduceFinished, MachineIndex: 0, Success: true,
		Results: []protocol.CountEntry{{Word: "a", Count: 2}, {Word: "b", Count: 1}}})
	w1.send(protocol.Message{Type: protocol.MsgReduceFinished, MachineIndex: 1, Success: true,
		Results: []protocol.CountEntry{{Word: "a", Count: 1}, {Word: "c", Count: 3}}})

	if msg := w0.expect(protocol.MsgShutdown); msg.Reason != protocol.ReasonJobComplete {
		t.Errorf("shutdown reason %q, want %q", msg.Reason, protocol.ReasonJobComplete)
	}

	if err := waitDone(t, done); err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := map[string]uint64{"a": 3, "b": 1, "c": 3}
	if got := m.FinalCounts(); !reflect.DeepEqual(got, want) {
		t.Errorf("FinalCounts = %v, want %v", got, want)
	}
}

func TestFailedMapReportLeavesBarrierOpenUntilTimeout(t *testing.T) {
	m, done := startTestMaster(t, MasterConfig{
		NumWorkers:          1,
		RegistrationTimeout: 5 * time.Second,
		MapTimeout:          300 * time.Millisecond,
	})
	w := dialFakeWorker(t, m)
	w.register(0)
	w.expect(protocol.MsgStartMap)

	w.send(protocol.Message{Type: protocol.MsgMapFinished, MachineIndex: 0,
		Success: false, Error: "open split: no such file"})

	msg := w.expect(protocol.MsgShutdown)
	if msg.Reason != protocol.ReasonMapTimeout {
		t.Errorf("shutdown reason %q, want %q", msg.Reason, protocol.ReasonMapTimeout)
	}
	err := waitDone(t, done)
	if err == nil || !strings.Contains(err.Error(), protocol.ReasonMapTimeout) {
		t.Errorf("Run returned %v, want map_timeout error", err)
	}
}

func TestReRegistrationReplacesPriorConnection(t *testing.T) {
	m, done := startTestMaster(t, MasterConfig{
		NumWorkers:          2,
		RegistrationTimeout: 5 * time.Second,
		MapTimeout:          5 * time.Second,
	})
	stale := dialFakeWorker(t, m)
	stale.register(0)

	fresh := dialFakeWorker(t, m)
	fresh.register(0)

	// The stale connection is closed by the replacement; reads on it
	// fail rather than delivering start_map.
	if _, err := stale.recv(2 * time.Second); err == nil {
		t.Error("stale connection still receiving after re-registration")
	}

	other := dialFakeWorker(t, m)
	other.register(1)
	fresh.expect(protocol.MsgStartMap)
	other.expect(protocol.MsgStartMap)

	// Tear the job down so Run exits.
	fresh.send(protocol.Message{Type: protocol.MsgMapFinished, MachineIndex: 0, Success: true})
	other.send(protocol.Message{Type: protocol.MsgMapFinished, MachineIndex: 1, Success: true})
	fresh.expect(protocol.MsgStartReduce)
	other.expect(protocol.MsgStartReduce)
	fresh.send(protocol.Message{Type: protocol.MsgReduceFinished, MachineIndex: 0, Success: true})
	other.send(protocol.Message{Type: protocol.MsgReduceFinished, MachineIndex: 1, Success: true})
	fresh.expect(protocol.MsgShutdown)
	if err := waitDone(t, done); err != nil {
		t.Fatalf("Run: %v", err)
	}
}
