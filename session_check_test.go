package gp51_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	gp51 "github.com/JohnPlummer/jp-go-gp51"
)

var _ = Describe("SessionChecker", func() {
	var (
		ctx      context.Context
		cancel   context.CancelFunc
		server   *httptest.Server
		body     atomic.Value
		hits     atomic.Int32
		sessions *memSessionStore
		checker  *gp51.SessionChecker
	)

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		hits.Store(0)
		body.Store(`{"status":0,"records":[]}`)
		server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			hits.Add(1)
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(body.Load().(string)))
		}))

		sessions = newMemSessionStore()
		Expect(sessions.Save(ctx, gp51.NewSession("fleet", "tok", time.Now(), time.Hour))).To(Succeed())

		checker = &gp51.SessionChecker{
			Client:      gp51.NewClient(server.URL, gp51.WithClientLogger(quietLogger())),
			Sessions:    sessions,
			Invalidator: sessions,
			Logger:      quietLogger(),
		}
	})

	AfterEach(func() {
		server.Close()
		cancel()
	})

	It("passes with an accepted token", func() {
		Expect(checker.TestConnection(ctx)).To(Succeed())
		Expect(sessions.invalidations.Load()).To(BeZero())
	})

	It("invalidates a session GP51 rejects so no level reuses it", func() {
		body.Store(`{"status":9903,"cause":"token invalid"}`)

		monitor := gp51.NewConnectionHealthMonitor(checker, gp51.WithMonitorLogger(quietLogger()))
		Expect(monitor.PerformHealthCheck(ctx).Status).To(Equal(gp51.StatusAuthError))
		Expect(sessions.invalidations.Load()).To(Equal(int32(1)))

		users := newMemUsers()
		users.hashes["fleet"] = mustHash("secret")
		cached := &gp51.CachedSessionAuthenticator{Sessions: sessions, Users: users}
		_, err := cached.Authenticate(ctx, gp51.Credentials{Username: "fleet", Password: "secret"})
		Expect(err).To(MatchError(gp51.ErrNoSession))
	})

	It("leaves the session alone on transport failures", func() {
		body.Store(`{"status":8902,"cause":"ip limit"}`)

		err := checker.TestConnection(ctx)
		Expect(gp51.KindOf(err)).To(Equal(gp51.KindRateLimited))
		Expect(sessions.invalidations.Load()).To(BeZero())
	})

	It("still reports the rejection when invalidation fails", func() {
		body.Store(`{"status":9903,"cause":"token invalid"}`)
		sessions.invalidateErr = errors.New("db down")

		err := checker.TestConnection(ctx)
		Expect(gp51.KindOf(err)).To(Equal(gp51.KindAuthExpired))
	})

	It("reports a missing session as expired auth without calling GP51", func() {
		checker.Sessions = newMemSessionStore()

		err := checker.TestConnection(ctx)
		Expect(gp51.KindOf(err)).To(Equal(gp51.KindAuthExpired))
		Expect(hits.Load()).To(BeZero())
	})
})

var _ = Describe("CredentialRefresher", func() {
	It("logs in again and stores the new session", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"status":0,"token":"renewed"}`))
		}))
		defer server.Close()

		sessions := newMemSessionStore()
		refresher := &gp51.CredentialRefresher{
			Client:   gp51.NewClient(server.URL, gp51.WithClientLogger(quietLogger())),
			Store:    sessions,
			Username: "fleet",
			Password: "secret",
		}

		Expect(refresher.RefreshSession(ctx)).To(Succeed())
		sess, err := sessions.Lookup(ctx, "fleet")
		Expect(err).NotTo(HaveOccurred())
		Expect(sess.Token).To(Equal("renewed"))
	})
})
