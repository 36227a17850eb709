package collector_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/okian/healstats/internal/adapters/collector"
	"github.com/okian/healstats/internal/adapters/relay/wire"
	"github.com/okian/healstats/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

func startServer(opts ...collector.Option) *collector.Server {
	s := collector.New(append([]collector.Option{collector.WithLogger(logger.Discard())}, opts...)...)
	So(s.Listen("127.0.0.1:0"), ShouldBeNil)
	go func() { _ = s.Serve(context.Background()) }()
	return s
}

func dial(s *collector.Server, versions []int) (net.Conn, *wire.Envelope) {
	conn, err := net.Dial("tcp", s.Addr().String())
	So(err, ShouldBeNil)
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	So(wire.Write(conn, &wire.Envelope{Type: wire.TypeHello, Versions: versions}), ShouldBeNil)
	reply, err := wire.Read(conn)
	So(err, ShouldBeNil)
	return conn, reply
}

func send(conn net.Conn, id string, msg *wire.ResultMessage) *wire.Envelope {
	env, err := wire.NewResult(id, msg)
	So(err, ShouldBeNil)
	So(wire.Write(conn, env), ShouldBeNil)
	reply, err := wire.Read(conn)
	So(err, ShouldBeNil)
	return reply
}

func message(id string) *wire.ResultMessage {
	return &wire.ResultMessage{
		EncounterID: id,
		StartUnixMs: 1000,
		EndUnixMs:   5000,
		Rows:        []wire.Row{{AgentID: 7, SkillID: 100, Count: 3, Sum: 30}},
	}
}

// sendAsync is send without assertions, for use off the test goroutine.
func sendAsync(conn net.Conn, id string, msg *wire.ResultMessage) <-chan *wire.Envelope {
	out := make(chan *wire.Envelope, 1)
	go func() {
		env, err := wire.NewResult(id, msg)
		if err == nil {
			err = wire.Write(conn, env)
		}
		if err != nil {
			out <- nil
			return
		}
		reply, _ := wire.Read(conn)
		out <- reply
	}()
	return out
}

func TestCollectorHandshake(t *testing.T) {
	Convey("Given a collector accepting versions 1-1", t, func() {
		s := startServer()
		defer s.Close()

		Convey("When a client offers a supported version", func() {
			conn, reply := dial(s, wire.SupportedVersions())
			defer conn.Close()

			Convey("Then the session is acknowledged", func() {
				So(reply.Type, ShouldEqual, wire.TypeHelloAck)
				So(reply.Version, ShouldEqual, wire.CurrentVersion)
			})
		})

		Convey("When a client offers only newer versions", func() {
			conn, reply := dial(s, []int{wire.CurrentVersion + 1})
			defer conn.Close()

			Convey("Then it is rejected with a reason", func() {
				So(reply.Type, ShouldEqual, wire.TypeHelloReject)
				So(reply.Error, ShouldNotBeEmpty)
			})
		})
	})
}

func TestCollectorDelivery(t *testing.T) {
	Convey("Given a collector with a recording handler", t, func() {
		rec := collector.NewRecorder()
		s := startServer(collector.WithHandler(rec))
		defer s.Close()
		conn, _ := dial(s, wire.SupportedVersions())
		defer conn.Close()

		Convey("When the same result is delivered twice", func() {
			first := send(conn, "1", message("enc-1"))
			second := send(conn, "2", message("enc-1"))

			Convey("Then both are acknowledged but handled once", func() {
				So(first.Type, ShouldEqual, wire.TypeAck)
				So(first.ID, ShouldEqual, "1")
				So(second.Type, ShouldEqual, wire.TypeAck)
				So(second.ID, ShouldEqual, "2")
				So(rec.Len(), ShouldEqual, 1)
				So(rec.Results()[0].Rows[0].Sum, ShouldEqual, 30)
			})
		})

		Convey("When a different encounter follows", func() {
			send(conn, "1", message("enc-1"))
			send(conn, "2", message("enc-2"))

			Convey("Then both are recorded in order", func() {
				got := rec.Results()
				So(got, ShouldHaveLength, 2)
				So(got[1].EncounterID, ShouldEqual, "enc-2")
			})
		})
	})

	Convey("Given a handler that fails", t, func() {
		var calls atomic.Int32
		s := startServer(collector.WithHandler(collector.HandlerFunc(func(_ context.Context, msg *wire.ResultMessage) error {
			n := calls.Add(1)
			if msg.EncounterID == "busy" && n == 1 {
				return fmt.Errorf("storage: %w", collector.ErrTemporary)
			}
			if msg.EncounterID == "bad" {
				return errors.New("schema mismatch")
			}
			return nil
		})))
		defer s.Close()
		conn, _ := dial(s, wire.SupportedVersions())
		defer conn.Close()

		Convey("Then temporary failures ask for a retry and are not remembered", func() {
			reply := send(conn, "1", message("busy"))
			So(reply.Type, ShouldEqual, wire.TypeNack)
			So(reply.Retry, ShouldBeTrue)
			So(send(conn, "2", message("busy")).Type, ShouldEqual, wire.TypeAck)
			So(calls.Load(), ShouldEqual, 2)
		})

		Convey("Then permanent failures are nacked without retry", func() {
			reply := send(conn, "1", message("bad"))
			So(reply.Type, ShouldEqual, wire.TypeNack)
			So(reply.Retry, ShouldBeFalse)
			So(reply.Error, ShouldContainSubstring, "schema mismatch")
		})
	})

	Convey("Given a redelivery that races a failing first attempt", t, func() {
		rec := collector.NewRecorder()
		entered := make(chan struct{})
		gate := make(chan struct{})
		var calls atomic.Int32
		s := startServer(collector.WithHandler(collector.HandlerFunc(func(ctx context.Context, msg *wire.ResultMessage) error {
			if calls.Add(1) == 1 {
				close(entered)
				<-gate
				return collector.ErrTemporary
			}
			return rec.HandleResult(ctx, msg)
		})))
		defer s.Close()
		release := sync.OnceFunc(func() { close(gate) })
		defer release()
		first, _ := dial(s, wire.SupportedVersions())
		defer first.Close()
		second, _ := dial(s, wire.SupportedVersions())
		defer second.Close()

		firstReply := sendAsync(first, "1", message("enc-1"))
		<-entered
		secondReply := sendAsync(second, "1", message("enc-1"))

		Convey("Then the redelivery waits for the outcome and is handled once it fails", func() {
			time.Sleep(50 * time.Millisecond)
			So(len(secondReply), ShouldEqual, 0)
			release()

			r1 := <-firstReply
			So(r1, ShouldNotBeNil)
			So(r1.Type, ShouldEqual, wire.TypeNack)
			So(r1.Retry, ShouldBeTrue)

			r2 := <-secondReply
			So(r2, ShouldNotBeNil)
			So(r2.Type, ShouldEqual, wire.TypeAck)
			So(calls.Load(), ShouldEqual, 2)
			So(rec.Len(), ShouldEqual, 1)
		})
	})
}

func TestCollectorLogging(t *testing.T) {
	Convey("Given a collector logging at info", t, func() {
		var buf syncBuffer
		s := collector.New(collector.WithLogger(logger.New(&buf, slog.LevelInfo)))
		So(s.Listen("127.0.0.1:0"), ShouldBeNil)
		go func() { _ = s.Serve(context.Background()) }()
		defer s.Close()
		conn, _ := dial(s, wire.SupportedVersions())
		defer conn.Close()

		Convey("When a result is delivered", func() {
			So(send(conn, "1", message("enc-1")).Type, ShouldEqual, wire.TypeAck)

			Convey("Then the server leaves the per-result info line to the handler", func() {
				So(buf.String(), ShouldNotContainSubstring, "result received")
				So(buf.String(), ShouldNotContainSubstring, "result acknowledged")
			})
		})
	})
}

// syncBuffer is a bytes.Buffer safe for the server's goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
