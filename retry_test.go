package resilience_test

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	resilience "github.com/jorgelucasjs/go-resilience"
)

// countingOp builds an operation that fails until the given attempt.
func countingOp(calls *atomic.Int32, succeedOn int32, failWith error) resilience.Operation[string] {
	return func(ctx context.Context) (string, error) {
		n := calls.Add(1)
		if succeedOn > 0 && n >= succeedOn {
			return "success", nil
		}
		return "", failWith
	}
}

var _ = Describe("RetryExecutor", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
		calls  atomic.Int32
	)

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		calls.Store(0)
	})

	AfterEach(func() {
		cancel()
	})

	Describe("Run", func() {
		It("returns the value on first-attempt success", func() {
			exec := resilience.NewRetryExecutor[string](
				resilience.WithRetryLogger(quietLogger()),
			)

			result := exec.Run(ctx, countingOp(&calls, 1, nil))
			Expect(result.Success).To(BeTrue())
			Expect(result.Value).To(Equal("success"))
			Expect(result.Attempts).To(Equal(1))
			Expect(result.Err).NotTo(HaveOccurred())
			Expect(calls.Load()).To(Equal(int32(1)))

			stats := exec.Stats()
			Expect(stats.TotalAttempts).To(Equal(int64(1)))
			Expect(stats.TotalRetries).To(Equal(int64(0)))
			Expect(stats.TotalSuccesses).To(Equal(int64(1)))
		})

		It("retries a retryable error and succeeds", func() {
			exec := resilience.NewRetryExecutor[string](
				resilience.WithMaxRetries(4),
				resilience.WithExponentialBackoff(5*time.Millisecond, 50*time.Millisecond),
				resilience.WithoutJitter(),
				resilience.WithRetryLogger(quietLogger()),
			)

			failure := resilience.NewStatusCodeError(503, errors.New("service unavailable"))
			result := exec.Run(ctx, countingOp(&calls, 3, failure))
			Expect(result.Success).To(BeTrue())
			Expect(result.Attempts).To(Equal(3))
			Expect(calls.Load()).To(Equal(int32(3)))

			stats := exec.Stats()
			Expect(stats.TotalRetries).To(Equal(int64(2)))
		})

		It("surfaces the last error after exhausting retries", func() {
			exec := resilience.NewRetryExecutor[string](
				resilience.WithMaxRetries(2),
				resilience.WithExponentialBackoff(5*time.Millisecond, 50*time.Millisecond),
				resilience.WithoutJitter(),
				resilience.WithRetryLogger(quietLogger()),
			)

			failure := resilience.NewStatusCodeError(502, errors.New("bad gateway"))
			result := exec.Run(ctx, countingOp(&calls, 0, failure))
			Expect(result.Success).To(BeFalse())
			Expect(result.Attempts).To(Equal(3))
			Expect(errors.Is(result.Err, failure)).To(BeTrue())
			Expect(calls.Load()).To(Equal(int32(3)))

			stats := exec.Stats()
			Expect(stats.TotalFailures).To(Equal(int64(1)))
			Expect(stats.LastError).To(HaveOccurred())
		})

		It("does not retry a non-retryable error", func() {
			exec := resilience.NewRetryExecutor[string](
				resilience.WithMaxRetries(3),
				resilience.WithRetryLogger(quietLogger()),
			)

			failure := resilience.NewStatusCodeError(400, errors.New("bad request"))
			result := exec.Run(ctx, countingOp(&calls, 0, failure))
			Expect(result.Success).To(BeFalse())
			Expect(result.Attempts).To(Equal(1))
			Expect(calls.Load()).To(Equal(int32(1)))
		})

		It("does not retry auth failures", func() {
			exec := resilience.NewRetryExecutor[string](
				resilience.WithMaxRetries(3),
				resilience.WithRetryLogger(quietLogger()),
			)

			failure := resilience.NewHTTPError(401, "unauthorized", nil)
			result := exec.Run(ctx, countingOp(&calls, 0, failure))
			Expect(result.Attempts).To(Equal(1))
		})

		It("makes no attempt when the context is already done", func() {
			doneCtx, doneCancel := context.WithCancel(context.Background())
			doneCancel()

			exec := resilience.NewRetryExecutor[string](
				resilience.WithRetryLogger(quietLogger()),
			)
			result := exec.Run(doneCtx, countingOp(&calls, 1, nil))
			Expect(result.Success).To(BeFalse())
			Expect(result.Err).To(MatchError(context.Canceled))
			Expect(calls.Load()).To(Equal(int32(0)))
		})
	})

	Describe("RunPolicy", func() {
		It("honors a per-call retry predicate", func() {
			exec := resilience.NewRetryExecutor[string](
				resilience.WithRetryLogger(quietLogger()),
			)

			policy := resilience.RetryPolicy{
				MaxRetries: 3,
				BaseDelay:  time.Millisecond,
				MaxDelay:   10 * time.Millisecond,
				RetryIf:    func(err error) bool { return false },
			}

			failure := resilience.NewStatusCodeError(503, errors.New("service unavailable"))
			result := exec.RunPolicy(ctx, countingOp(&calls, 0, failure), policy)
			Expect(result.Attempts).To(Equal(1))
		})

		It("matches the documented backoff timing", func() {
			// maxRetries 2, base 100ms, exponential, no jitter, op fails
			// twice then succeeds: total sleep is 100ms + 200ms.
			exec := resilience.NewRetryExecutor[string](
				resilience.WithRetryLogger(quietLogger()),
			)
			policy := resilience.RetryPolicy{
				MaxRetries:  2,
				BaseDelay:   100 * time.Millisecond,
				MaxDelay:    time.Second,
				Exponential: true,
			}

			failure := resilience.NewStatusCodeError(503, errors.New("service unavailable"))
			result := exec.RunPolicy(ctx, countingOp(&calls, 3, failure), policy)
			Expect(result.Success).To(BeTrue())
			Expect(result.Attempts).To(Equal(3))
			Expect(result.Elapsed).To(BeNumerically(">=", 300*time.Millisecond))
			Expect(result.Elapsed).To(BeNumerically("<", 900*time.Millisecond))
		})
	})

	Describe("OnRetry hook", func() {
		It("fires once per retry with the upcoming retry number", func() {
			var retryNumbers []int
			exec := resilience.NewRetryExecutor[string](
				resilience.WithMaxRetries(2),
				resilience.WithExponentialBackoff(time.Millisecond, 10*time.Millisecond),
				resilience.WithoutJitter(),
				resilience.WithOnRetry(func(err error, retry int) {
					retryNumbers = append(retryNumbers, retry)
				}),
				resilience.WithRetryLogger(quietLogger()),
			)

			failure := resilience.NewStatusCodeError(503, errors.New("service unavailable"))
			result := exec.Run(ctx, countingOp(&calls, 0, failure))
			Expect(result.Attempts).To(Equal(3))
			// The hook never fires for the final, exhausted attempt.
			Expect(retryNumbers).To(Equal([]int{1, 2}))
		})
	})
})
