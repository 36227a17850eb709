package testevents_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/okian/healstats/internal/adapters/http/api"
	service "github.com/okian/healstats/internal/app"
	"github.com/okian/healstats/internal/testevents"
	"github.com/okian/healstats/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

func runConfig(url string) *testevents.Config {
	cfg := testevents.NewConfig()
	cfg.BaseURL = url
	cfg.Encounters = 4
	cfg.EventsPer = 60
	cfg.ShuffleSpan = 16
	cfg.DuplicateRate = 0.2
	cfg.BatchSize = 64
	cfg.SeqBase = 1
	cfg.Seed = 42
	cfg.Timeout = 5 * time.Second
	cfg.SettleTimeout = 5 * time.Second
	cfg.PollInterval = 20 * time.Millisecond
	return cfg
}

func TestRun(t *testing.T) {
	Convey("Given a running service behind the HTTP shim", t, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		svc := service.New(
			service.WithLogger(logger.Discard()),
			service.WithReorderWindow(32),
			service.WithMaxHold(50*time.Millisecond),
			service.WithDrainInterval(10*time.Millisecond),
			service.WithHistorySize(32),
		)
		So(svc.Start(ctx), ShouldBeNil)
		defer func() { _ = svc.Stop(ctx) }()

		mux := http.NewServeMux()
		api.NewServer(svc).Register(ctx, mux)
		srv := httptest.NewServer(mux)
		defer srv.Close()

		Convey("When a perturbed session is run against it", func() {
			cfg := runConfig(srv.URL)
			cfg.OutputFile = filepath.Join(t.TempDir(), "out", "events.json")
			stats, err := testevents.Run(ctx, cfg)

			Convey("Then every encounter is verified", func() {
				So(err, ShouldBeNil)
				So(stats.Verified, ShouldEqual, cfg.Encounters)
				So(stats.Missing, ShouldEqual, 0)
				So(stats.Mismatched, ShouldEqual, 0)
				So(stats.EventsSent, ShouldEqual, stats.EventsGenerated+stats.Duplicates)
			})

			Convey("And the service dropped the re-sent events", func() {
				seq := svc.GetStats()["sequencer"].(map[string]interface{})
				dropped := seq["dropped"].(map[string]uint64)
				So(dropped["duplicate"]+dropped["late"], ShouldEqual, uint64(stats.Duplicates))
			})

			Convey("And the sent events were saved", func() {
				data, err := os.ReadFile(cfg.OutputFile)
				So(err, ShouldBeNil)
				var reqs []api.EventRequest
				So(json.Unmarshal(data, &reqs), ShouldBeNil)
				So(reqs, ShouldHaveLength, stats.EventsSent)
			})
		})
	})
}

func TestRunFailures(t *testing.T) {
	Convey("Given an invalid configuration", t, func() {
		cfg := runConfig("")

		Convey("Then Run refuses to start", func() {
			_, err := testevents.Run(context.Background(), cfg)
			So(errors.Is(err, testevents.ErrInvalidConfig), ShouldBeTrue)
		})
	})

	Convey("Given an unhealthy service", t, func() {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		Convey("Then Run fails the health check", func() {
			_, err := testevents.Run(context.Background(), runConfig(srv.URL))
			So(errors.Is(err, testevents.ErrUnexpectedStatus), ShouldBeTrue)
		})
	})

	Convey("Given a service that accepts events but never reports results", t, func() {
		mux := http.NewServeMux()
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
			var reqs []api.EventRequest
			_ = json.NewDecoder(r.Body).Decode(&reqs)
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(api.EventsResponse{Status: "accepted", Accepted: len(reqs)})
		})
		mux.HandleFunc("/results", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("[]"))
		})
		srv := httptest.NewServer(mux)
		defer srv.Close()

		cfg := runConfig(srv.URL)
		cfg.SettleTimeout = 100 * time.Millisecond

		Convey("Then Run reports every encounter as missing", func() {
			stats, err := testevents.Run(context.Background(), cfg)
			So(errors.Is(err, testevents.ErrVerification), ShouldBeTrue)
			So(stats.Missing, ShouldEqual, cfg.Encounters)
			So(stats.Verified, ShouldEqual, 0)
		})
	})

	Convey("Given a service that rejects batches", t, func() {
		var calls atomic.Int32
		mux := http.NewServeMux()
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			http.Error(w, "bad", http.StatusBadRequest)
		})
		srv := httptest.NewServer(mux)
		defer srv.Close()

		Convey("Then the first batch fails without retries", func() {
			_, err := testevents.Run(context.Background(), runConfig(srv.URL))
			So(errors.Is(err, testevents.ErrUnexpectedStatus), ShouldBeTrue)
			So(calls.Load(), ShouldEqual, 1)
		})
	})
}
