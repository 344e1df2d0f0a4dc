package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/okian/trackgate/pkg/retry"
	. "github.com/smartystreets/goconvey/convey"
)

var errFlaky = errors.New("flaky")

func fastPolicy(attempts int) retry.Policy {
	return retry.Policy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestDo(t *testing.T) {
	Convey("Given a bounded retry policy", t, func() {
		ctx := context.Background()

		Convey("When the operation succeeds first time", func() {
			calls := 0
			res := retry.Do(ctx, fastPolicy(3), func(context.Context) error {
				calls++
				return nil
			})

			Convey("Then it runs once", func() {
				So(res.OK(), ShouldBeTrue)
				So(res.Attempts, ShouldEqual, 1)
				So(calls, ShouldEqual, 1)
			})
		})

		Convey("When the operation recovers on the third attempt", func() {
			calls := 0
			res := retry.Do(ctx, fastPolicy(3), func(context.Context) error {
				calls++
				if calls < 3 {
					return errFlaky
				}
				return nil
			})

			Convey("Then the result is a success after three attempts", func() {
				So(res.OK(), ShouldBeTrue)
				So(res.Attempts, ShouldEqual, 3)
			})
		})

		Convey("When every attempt fails", func() {
			calls := 0
			res := retry.Do(ctx, fastPolicy(3), func(context.Context) error {
				calls++
				return errFlaky
			})

			Convey("Then the failure is surfaced with both sentinels", func() {
				So(res.OK(), ShouldBeFalse)
				So(calls, ShouldEqual, 3)
				So(res.Attempts, ShouldEqual, 3)
				So(errors.Is(res.Err, retry.ErrExhausted), ShouldBeTrue)
				So(errors.Is(res.Err, errFlaky), ShouldBeTrue)
			})
		})

		Convey("When the error is non-retryable", func() {
			calls := 0
			res := retry.Do(ctx, fastPolicy(5), func(context.Context) error {
				calls++
				return retry.NonRetryable(errFlaky)
			})

			Convey("Then it stops immediately", func() {
				So(calls, ShouldEqual, 1)
				So(retry.IsNonRetryable(res.Err), ShouldBeTrue)
				So(errors.Is(res.Err, errFlaky), ShouldBeTrue)
			})
		})

		Convey("When the context is cancelled during backoff", func() {
			cctx, cancel := context.WithCancel(ctx)
			p := retry.Policy{MaxAttempts: 5, BaseDelay: time.Second}
			calls := 0
			res := retry.Do(cctx, p, func(context.Context) error {
				calls++
				cancel()
				return errFlaky
			})

			Convey("Then it returns the context error", func() {
				So(calls, ShouldEqual, 1)
				So(errors.Is(res.Err, context.Canceled), ShouldBeTrue)
			})
		})

		Convey("When a policy has zero attempts", func() {
			calls := 0
			res := retry.Do(ctx, retry.Policy{}, func(context.Context) error {
				calls++
				return nil
			})

			Convey("Then the operation still runs once", func() {
				So(res.OK(), ShouldBeTrue)
				So(calls, ShouldEqual, 1)
			})
		})
	})
}

func TestPolicyDelay(t *testing.T) {
	Convey("Given a linear policy", t, func() {
		p := retry.Policy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: 250 * time.Millisecond}

		Convey("Then delays grow linearly and are capped", func() {
			So(p.Delay(1), ShouldEqual, 100*time.Millisecond)
			So(p.Delay(2), ShouldEqual, 200*time.Millisecond)
			So(p.Delay(3), ShouldEqual, 250*time.Millisecond)
		})

		Convey("Then the default policy has three attempts", func() {
			So(retry.DefaultPolicy().MaxAttempts, ShouldEqual, 3)
		})
	})
}
