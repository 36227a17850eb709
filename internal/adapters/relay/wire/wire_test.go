package wire_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/okian/healstats/internal/adapters/relay/wire"
	"github.com/okian/healstats/internal/domain/model"
	. "github.com/smartystreets/goconvey/convey"
)

func TestFraming(t *testing.T) {
	Convey("Given a stream of frames", t, func() {
		var buf bytes.Buffer
		So(wire.Write(&buf, wire.Hello()), ShouldBeNil)
		So(wire.Write(&buf, &wire.Envelope{Type: wire.TypeAck, ID: "42"}), ShouldBeNil)

		Convey("Then envelopes are read back one frame at a time", func() {
			first, err := wire.Read(&buf)
			So(err, ShouldBeNil)
			So(first.Type, ShouldEqual, wire.TypeHello)
			So(first.Versions, ShouldResemble, wire.SupportedVersions())

			second, err := wire.Read(&buf)
			So(err, ShouldBeNil)
			So(second.ID, ShouldEqual, "42")

			_, err = wire.Read(&buf)
			So(errors.Is(err, io.EOF), ShouldBeTrue)
		})
	})

	Convey("Given a frame header announcing more than the limit", t, func() {
		var hdr [4]byte
		binary.BigEndian.PutUint32(hdr[:], wire.MaxFrameSize+1)

		Convey("Then it is refused before allocating", func() {
			_, err := wire.ReadFrame(bytes.NewReader(hdr[:]))
			So(errors.Is(err, wire.ErrFrameTooLarge), ShouldBeTrue)
			So(errors.Is(wire.WriteFrame(io.Discard, make([]byte, wire.MaxFrameSize+1)), wire.ErrFrameTooLarge), ShouldBeTrue)
		})
	})

	Convey("Given a truncated frame", t, func() {
		var buf bytes.Buffer
		So(wire.WriteFrame(&buf, []byte(`{"type":"ack"}`)), ShouldBeNil)
		short := buf.Bytes()[:buf.Len()-3]

		Convey("Then reading it fails", func() {
			_, err := wire.ReadFrame(bytes.NewReader(short))
			So(errors.Is(err, io.ErrUnexpectedEOF), ShouldBeTrue)
		})
	})
}

func TestNegotiate(t *testing.T) {
	Convey("Given offered versions", t, func() {
		Convey("Then the highest common version wins", func() {
			v, ok := wire.Negotiate([]int{1, 2, 3}, 1, 2)
			So(ok, ShouldBeTrue)
			So(v, ShouldEqual, 2)
		})

		Convey("Then disjoint ranges are rejected", func() {
			_, ok := wire.Negotiate([]int{3, 4}, 1, 2)
			So(ok, ShouldBeFalse)
			_, ok = wire.Negotiate(nil, 1, 2)
			So(ok, ShouldBeFalse)
		})
	})
}

func TestResultMessage(t *testing.T) {
	Convey("Given a domain result", t, func() {
		start := time.UnixMilli(1_700_000_000_000)
		res := model.Result{
			EncounterID: "enc-1",
			StartSeq:    10,
			EndSeq:      20,
			Start:       start,
			End:         start.Add(90 * time.Second),
			EventCount:  9,
			Participants: []model.Participant{{
				Agent:      model.Agent{ID: 7, Name: "Healer", Team: 1, FirstSeen: start, LastSeen: start.Add(time.Minute)},
				ActiveTime: 45 * time.Second,
				Downs:      1,
			}},
			Entries: []model.AggregateEntry{{Agent: 7, Skill: 100, Count: 3, Sum: 30, CritCount: 1}},
		}

		Convey("When it crosses the wire", func() {
			env, err := wire.NewResult("1", wire.FromResult(&res))
			So(err, ShouldBeNil)
			var buf bytes.Buffer
			So(wire.Write(&buf, env), ShouldBeNil)
			got, err := wire.Read(&buf)
			So(err, ShouldBeNil)
			msg, err := wire.DecodeResult(got)
			So(err, ShouldBeNil)

			Convey("Then the receiving side sees the same encounter", func() {
				So(msg.Key(), ShouldEqual, res.Key())
				back := msg.ToResult()
				So(back.Entries, ShouldResemble, res.Entries)
				So(back.Participants[0].ActiveTime, ShouldEqual, 45*time.Second)
				So(back.Participants[0].Downs, ShouldEqual, 1)
				So(back.End.Equal(res.End), ShouldBeTrue)
			})
		})

		Convey("When a non-result envelope is decoded as a result", func() {
			_, err := wire.DecodeResult(&wire.Envelope{Type: wire.TypeAck})

			Convey("Then it is refused", func() {
				So(errors.Is(err, wire.ErrUnexpectedMessage), ShouldBeTrue)
			})
		})
	})
}
