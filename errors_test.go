package gp51_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	jperrors "github.com/JohnPlummer/jp-go-errors"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	gp51 "github.com/JohnPlummer/jp-go-gp51"
)

var _ = Describe("Error classification", func() {
	DescribeTable("KindOf",
		func(err error, want gp51.ErrorKind) {
			Expect(gp51.KindOf(err)).To(Equal(want))
		},
		Entry("nil", nil, gp51.KindUnknown),
		Entry("rate-limited API error", &gp51.APIError{Kind: gp51.KindRateLimited}, gp51.KindRateLimited),
		Entry("wrapped auth error", fmt.Errorf("refresh: %w", &gp51.APIError{Kind: gp51.KindAuthExpired}), gp51.KindAuthExpired),
		Entry("rate limited sentinel", jperrors.ErrRateLimited, gp51.KindRateLimited),
		Entry("timeout", jperrors.NewTimeoutError("timed out", "login", time.Second), gp51.KindNetwork),
		Entry("net error", &net.DNSError{Err: "no such host", Name: "www.gps51.com"}, gp51.KindNetwork),
		Entry("ip limit text", errors.New("IP limit reached"), gp51.KindRateLimited),
		Entry("status code text", errors.New("unexpected status 8902"), gp51.KindRateLimited),
		Entry("anything else", errors.New("boom"), gp51.KindUnknown),
	)

	It("names each kind", func() {
		Expect(gp51.KindRateLimited.String()).To(Equal("rate_limited"))
		Expect(gp51.KindAuthExpired.String()).To(Equal("auth_expired"))
		Expect(gp51.KindNetwork.String()).To(Equal("network"))
		Expect(gp51.KindUnknown.String()).To(Equal("unknown"))
	})

	Describe("APIError", func() {
		It("matches jperrors.ErrRateLimited only when rate limited", func() {
			limited := &gp51.APIError{Action: "lastposition", Kind: gp51.KindRateLimited, Status: gp51.StatusIPLimit}
			expired := &gp51.APIError{Action: "lastposition", Kind: gp51.KindAuthExpired, Status: gp51.StatusTokenInvalid}

			Expect(errors.Is(limited, jperrors.ErrRateLimited)).To(BeTrue())
			Expect(errors.Is(expired, jperrors.ErrRateLimited)).To(BeFalse())
		})

		It("formats status errors and unwraps causes", func() {
			cause := errors.New("dial tcp: refused")
			Expect((&gp51.APIError{Action: "login", Status: 1, Cause: "bad password"}).Error()).
				To(Equal("gp51 login: status 1: bad password"))
			Expect(&gp51.APIError{Action: "login", Err: cause}).To(MatchError(cause))
		})
	})

	Describe("KindClassifier", func() {
		var classifier *gp51.KindClassifier

		BeforeEach(func() {
			classifier = gp51.NewKindClassifier()
		})

		DescribeTable("decisions",
			func(err error, retry, trip bool) {
				Expect(classifier.IsRetryable(err)).To(Equal(retry))
				Expect(classifier.ShouldTripCircuit(err)).To(Equal(trip))
			},
			Entry("nil", nil, false, false),
			Entry("rate limited", &gp51.APIError{Kind: gp51.KindRateLimited}, true, true),
			Entry("network", &gp51.APIError{Kind: gp51.KindNetwork}, true, true),
			Entry("unknown", errors.New("boom"), true, true),
			Entry("auth expired", &gp51.APIError{Kind: gp51.KindAuthExpired}, false, false),
			Entry("canceled", context.Canceled, false, false),
			Entry("deadline", fmt.Errorf("check: %w", context.DeadlineExceeded), false, false),
		)

		It("honours custom kind lists", func() {
			classifier.RetryableKinds = []gp51.ErrorKind{gp51.KindRateLimited}
			Expect(classifier.IsRetryable(errors.New("boom"))).To(BeFalse())
			Expect(classifier.IsRetryable(&gp51.APIError{Kind: gp51.KindRateLimited})).To(BeTrue())
		})
	})
})
