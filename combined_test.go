package resilience_test

import (
	"context"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	resilience "github.com/jorgelucasjs/go-resilience"
)

var _ = Describe("Client", func() {
	var ctx context.Context

	// newClient builds a string client with fast deterministic retries
	// and no background sweeper, so specs never sleep.
	newClient := func(opts ...resilience.ClientOption) *resilience.Client[string] {
		base := []resilience.ClientOption{
			resilience.WithClientLogger(quietLogger()),
			resilience.WithRetryOptions(resilience.WithRetryPolicy(resilience.RetryPolicy{
				MaxRetries:  2,
				BaseDelay:   time.Millisecond,
				MaxDelay:    10 * time.Millisecond,
				Exponential: true,
			})),
			resilience.WithCacheOptions(resilience.WithSweepInterval(0)),
		}
		return resilience.NewClient[string](append(base, opts...)...)
	}

	serverError := func(calls *atomic.Int32) resilience.Operation[string] {
		return func(ctx context.Context) (string, error) {
			calls.Add(1)
			return "", resilience.NewHTTPError(503, "service unavailable", nil)
		}
	}

	BeforeEach(func() {
		ctx = context.Background()
	})

	Describe("Do", func() {
		It("returns the value from a first-attempt success", func() {
			client := newClient()
			defer client.Close()

			var calls atomic.Int32
			value, err := client.Do(ctx, "GET /services", func(ctx context.Context) (string, error) {
				calls.Add(1)
				return "services", nil
			})

			Expect(err).NotTo(HaveOccurred())
			Expect(value).To(Equal("services"))
			Expect(calls.Load()).To(Equal(int32(1)))
			Expect(client.Reporter().Len()).To(Equal(0))
		})

		It("retries transient failures before succeeding", func() {
			client := newClient()
			defer client.Close()

			var calls atomic.Int32
			value, err := client.Do(ctx, "GET /services", func(ctx context.Context) (string, error) {
				if calls.Add(1) < 3 {
					return "", resilience.NewHTTPError(503, "service unavailable", nil)
				}
				return "services", nil
			})

			Expect(err).NotTo(HaveOccurred())
			Expect(value).To(Equal("services"))
			Expect(calls.Load()).To(Equal(int32(3)))
			// A recovered call is not a terminal failure.
			Expect(client.Reporter().Len()).To(Equal(0))
		})

		It("reports the terminal failure after exhausting retries", func() {
			client := newClient()
			defer client.Close()

			var received []resilience.ReportedError
			client.Reporter().Subscribe(func(rec resilience.ReportedError) {
				received = append(received, rec)
			})

			var calls atomic.Int32
			_, err := client.Do(ctx, "GET /services", serverError(&calls))

			Expect(err).To(HaveOccurred())
			Expect(calls.Load()).To(Equal(int32(3)))
			Expect(received).To(HaveLen(1))
			Expect(received[0].Kind).To(Equal(resilience.KindServer))
			Expect(received[0].Context).To(Equal("GET /services"))
			Expect(received[0].Severity).To(Equal(resilience.SeverityCritical))
		})

		It("does not retry non-retryable failures", func() {
			client := newClient()
			defer client.Close()

			var calls atomic.Int32
			_, err := client.Do(ctx, "GET /bookings", func(ctx context.Context) (string, error) {
				calls.Add(1)
				return "", resilience.NewHTTPError(400, "bad request", nil)
			})

			Expect(err).To(HaveOccurred())
			Expect(calls.Load()).To(Equal(int32(1)))
			Expect(client.Reporter().Len()).To(Equal(1))
		})

		It("fails fast once the breaker opens and does not retry the rejection", func() {
			client := newClient(
				resilience.WithRetryOptions(resilience.WithMaxRetries(0)),
				resilience.WithBreakerOptions(resilience.WithFailureThreshold(2)),
			)
			defer client.Close()

			var calls atomic.Int32
			op := serverError(&calls)

			for i := 0; i < 2; i++ {
				_, err := client.Do(ctx, "GET /services", op)
				Expect(err).To(HaveOccurred())
			}
			Expect(client.Breakers().State("GET /services")).To(Equal(resilience.StateOpen))

			before := client.Retries().Stats().TotalAttempts
			_, err := client.Do(ctx, "GET /services", op)

			Expect(err).To(MatchError(resilience.ErrCircuitOpen))
			Expect(calls.Load()).To(Equal(int32(2)))
			// One admission check, no retries of the rejection.
			Expect(client.Retries().Stats().TotalAttempts).To(Equal(before + 1))
			// The breaker reported the rejection itself.
			Expect(client.Reporter().Recent(1)[0].Kind).To(Equal(resilience.KindCircuitOpen))
		})
	})

	Describe("DoPolicy", func() {
		It("applies the per-call retry policy", func() {
			client := newClient()
			defer client.Close()

			var calls atomic.Int32
			_, err := client.DoPolicy(ctx, "GET /services", serverError(&calls), resilience.RetryPolicy{
				MaxRetries: 4,
				BaseDelay:  time.Millisecond,
				MaxDelay:   10 * time.Millisecond,
			})

			Expect(err).To(HaveOccurred())
			Expect(calls.Load()).To(Equal(int32(5)))
		})
	})

	Describe("Get", func() {
		It("serves repeated reads from the cache", func() {
			client := newClient()
			defer client.Close()

			var calls atomic.Int32
			op := func(ctx context.Context) (string, error) {
				calls.Add(1)
				return "services", nil
			}

			first, err := client.Get(ctx, "GET /services", op)
			Expect(err).NotTo(HaveOccurred())
			second, err := client.Get(ctx, "GET /services", op)
			Expect(err).NotTo(HaveOccurred())

			Expect(first).To(Equal("services"))
			Expect(second).To(Equal("services"))
			Expect(calls.Load()).To(Equal(int32(1)))

			stats := client.Cache().Stats()
			Expect(stats.Hits).To(Equal(uint64(1)))
			Expect(stats.Misses).To(Equal(uint64(1)))
		})

		It("fetches through the retry pipeline on a miss", func() {
			client := newClient()
			defer client.Close()

			var calls atomic.Int32
			value, err := client.Get(ctx, "GET /services", func(ctx context.Context) (string, error) {
				if calls.Add(1) < 2 {
					return "", resilience.NewHTTPError(502, "bad gateway", nil)
				}
				return "services", nil
			})

			Expect(err).NotTo(HaveOccurred())
			Expect(value).To(Equal("services"))
			Expect(calls.Load()).To(Equal(int32(2)))
		})
	})

	Describe("GetFresh", func() {
		It("serves fresh entries without refetching", func() {
			client := newClient(resilience.WithTTL(time.Minute, 30*time.Second))
			defer client.Close()

			var calls atomic.Int32
			op := func(ctx context.Context) (string, error) {
				calls.Add(1)
				return "services", nil
			}

			_, err := client.GetFresh(ctx, "GET /services", op)
			Expect(err).NotTo(HaveOccurred())
			value, err := client.GetFresh(ctx, "GET /services", op)
			Expect(err).NotTo(HaveOccurred())

			Expect(value).To(Equal("services"))
			Expect(calls.Load()).To(Equal(int32(1)))
		})

		It("refreshes a stale entry in the background", func() {
			clock := newFakeClock()
			client := newClient(
				resilience.WithTTL(time.Minute, 10*time.Second),
				resilience.WithCacheOptions(resilience.WithCacheClock(clock.Now)),
			)
			defer client.Close()

			var calls atomic.Int32
			op := func(ctx context.Context) (string, error) {
				n := calls.Add(1)
				if n == 1 {
					return "v1", nil
				}
				return "v2", nil
			}

			value, err := client.GetFresh(ctx, "GET /services", op)
			Expect(err).NotTo(HaveOccurred())
			Expect(value).To(Equal("v1"))

			clock.Advance(30 * time.Second)

			// Stale but unexpired: the caller still gets v1 while the
			// refresh runs behind it.
			value, err = client.GetFresh(ctx, "GET /services", op)
			Expect(err).NotTo(HaveOccurred())
			Expect(value).To(Equal("v1"))

			Eventually(func() string {
				v, _ := client.Cache().Peek("GET /services")
				return v
			}).Should(Equal("v2"))
			Expect(calls.Load()).To(Equal(int32(2)))
		})
	})

	Describe("Health", func() {
		It("aggregates breaker, cache, and retry state", func() {
			client := newClient(
				resilience.WithRetryOptions(resilience.WithMaxRetries(0)),
				resilience.WithBreakerOptions(resilience.WithFailureThreshold(1)),
			)
			defer client.Close()

			_, err := client.Do(ctx, "GET /services", func(ctx context.Context) (string, error) {
				return "services", nil
			})
			Expect(err).NotTo(HaveOccurred())

			var calls atomic.Int32
			_, err = client.Do(ctx, "GET /bookings", serverError(&calls))
			Expect(err).To(HaveOccurred())

			health := client.Health()
			Expect(health.Healthy).To(BeFalse())
			Expect(health.Breakers).To(HaveLen(2))
			Expect(health.Breakers["GET /services"].Healthy).To(BeTrue())
			Expect(health.Breakers["GET /bookings"].Healthy).To(BeFalse())
			Expect(health.Breakers["GET /bookings"].State).To(Equal("open"))
			Expect(health.Retries.TotalAttempts).To(Equal(int64(2)))
			Expect(health.Retries.TotalFailures).To(Equal(int64(1)))
			Expect(health.Retries.TotalSuccesses).To(Equal(int64(1)))
		})

		It("reports healthy when no breaker has tripped", func() {
			client := newClient()
			defer client.Close()

			_, err := client.Do(ctx, "GET /services", func(ctx context.Context) (string, error) {
				return "services", nil
			})
			Expect(err).NotTo(HaveOccurred())

			health := client.Health()
			Expect(health.Healthy).To(BeTrue())
			Expect(health.Retries.LastError).To(BeNil())
		})
	})
})
