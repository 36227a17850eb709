package main

import (
	"bytes"
	"testing"

	"github.com/smartystreets/goconvey/convey"
)

func TestRootCommand(t *testing.T) {
	convey.Convey("Given the test-events command", t, func() {
		cmd := newRootCommand()
		cmd.SetOut(&bytes.Buffer{})
		cmd.SetErr(&bytes.Buffer{})

		convey.Convey("Then the flags carry the generator defaults", func() {
			convey.So(cmd.Flags().Lookup("url").DefValue, convey.ShouldEqual, "http://localhost:9080")
			convey.So(cmd.Flags().Lookup("encounters").DefValue, convey.ShouldEqual, "8")
			convey.So(cmd.Flags().Lookup("span").DefValue, convey.ShouldEqual, "16")
			convey.So(cmd.Flags().Lookup("timeout").DefValue, convey.ShouldEqual, "10m0s")
		})

		convey.Convey("When given a duplicate rate above one", func() {
			cmd.SetArgs([]string{"--dup-rate", "2"})
			err := cmd.Execute()

			convey.Convey("Then it refuses to start", func() {
				convey.So(err, convey.ShouldNotBeNil)
				convey.So(err.Error(), convey.ShouldContainSubstring, "duplicate rate")
			})
		})

		convey.Convey("When given positional arguments", func() {
			cmd.SetArgs([]string{"extra"})
			convey.So(cmd.Execute(), convey.ShouldNotBeNil)
		})

		convey.Convey("When the service is unreachable", func() {
			cmd.SetArgs([]string{"--url", "http://127.0.0.1:1", "--http-timeout", "200ms"})
			err := cmd.Execute()

			convey.Convey("Then the run fails", func() {
				convey.So(err, convey.ShouldNotBeNil)
				convey.So(err.Error(), convey.ShouldContainSubstring, "health check")
			})
		})
	})
}
