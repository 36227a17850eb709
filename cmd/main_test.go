package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/okian/healstats/internal/config"
	"github.com/okian/healstats/pkg/logger"
	"github.com/smartystreets/goconvey/convey"
)

func init() {
	if err := logger.Init(); err != nil {
		panic(err)
	}
}

func TestMainFunction(t *testing.T) {
	convey.Convey("Given the main application", t, func() {
		convey.Convey("When loading configuration from the environment", func() {
			_ = os.Setenv("HEALSTATS_ADDR", ":8080")
			_ = os.Setenv("HEALSTATS_REORDER_WINDOW", "8")
			_ = os.Setenv("HEALSTATS_RELAY_ADDR", "127.0.0.1:1")
			defer func() {
				_ = os.Unsetenv("HEALSTATS_ADDR")
				_ = os.Unsetenv("HEALSTATS_REORDER_WINDOW")
				_ = os.Unsetenv("HEALSTATS_RELAY_ADDR")
			}()

			cfg, err := config.Load(context.Background())
			convey.So(err, convey.ShouldBeNil)

			convey.Convey("Then the service is built from it", func() {
				svc := newService(cfg, logger.Discard())
				stats := svc.GetStats()
				convey.So(stats["reorderWindow"], convey.ShouldEqual, 8)
				_, hasRelay := stats["relay"]
				convey.So(hasRelay, convey.ShouldBeTrue)
			})
		})

		convey.Convey("When the configuration is invalid", func() {
			_ = os.Setenv("HEALSTATS_ADDR", "")
			defer func() { _ = os.Unsetenv("HEALSTATS_ADDR") }()

			cfg, err := config.Load(context.Background())
			convey.So(err, convey.ShouldNotBeNil)
			convey.So(cfg, convey.ShouldBeNil)
		})
	})
}

func TestMainApplicationIntegration(t *testing.T) {
	convey.Convey("Given the assembled HTTP surface", t, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		cfg := config.New()
		cfg.MaxHoldMS = 0
		cfg.DrainIntervalMS = 10
		svc := newService(cfg, logger.Discard())
		convey.So(svc.Start(ctx), convey.ShouldBeNil)
		srv := httptest.NewServer(newMux(ctx, svc))
		defer srv.Close()

		convey.Convey("When a complete encounter is posted and the service stops", func() {
			body := `[
				{"kind":"encounter_start","seq":1,"time_ms":1000},
				{"kind":"skill","seq":3,"time_ms":3000,"source":{"id":5},"skill":9,"magnitude":25,"flags":["heal"]},
				{"kind":"skill","seq":2,"time_ms":2000,"source":{"id":5},"skill":9,"magnitude":15,"flags":["heal","critical"]},
				{"kind":"encounter_end","seq":4,"time_ms":4000}
			]`
			resp, err := http.Post(srv.URL+"/events", "application/json", strings.NewReader(body))
			convey.So(err, convey.ShouldBeNil)
			_ = resp.Body.Close()
			convey.So(resp.StatusCode, convey.ShouldEqual, http.StatusAccepted)
			convey.So(svc.Stop(ctx), convey.ShouldBeNil)

			convey.Convey("Then the result is served by /results", func() {
				got := svc.Recent(0)
				convey.So(got, convey.ShouldHaveLength, 1)
				convey.So(got[0].Entries[0].Sum, convey.ShouldEqual, 40)
				convey.So(got[0].Entries[0].CritCount, convey.ShouldEqual, 1)

				resp, err := http.Get(srv.URL + "/results")
				convey.So(err, convey.ShouldBeNil)
				defer resp.Body.Close()
				convey.So(resp.StatusCode, convey.ShouldEqual, http.StatusOK)
			})
		})

		convey.Convey("Then the docs and metrics routes are wired", func() {
			for _, path := range []string{"/openapi.yaml", "/metrics", "/healthz", "/stats"} {
				resp, err := http.Get(srv.URL + path)
				convey.So(err, convey.ShouldBeNil)
				_ = resp.Body.Close()
				convey.So(resp.StatusCode, convey.ShouldEqual, http.StatusOK)
			}
		})

		convey.Reset(func() { _ = svc.Stop(ctx) })
	})
}

func TestMainApplicationComponents(t *testing.T) {
	convey.Convey("Given the system metrics updater", t, func() {
		convey.Convey("Then it returns when its context ends", func() {
			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()
			convey.So(func() { startSystemMetricsUpdater(ctx) }, convey.ShouldNotPanic)
		})

		convey.Convey("Then a single update does not panic", func() {
			convey.So(updateSystemMetrics, convey.ShouldNotPanic)
		})
	})
}
