package pgstore_test

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	gp51 "github.com/JohnPlummer/jp-go-gp51"
	"github.com/JohnPlummer/jp-go-gp51/pgstore"
)

var _ = Describe("Sessions", func() {
	var (
		ctx   context.Context
		db    *fakeQuerier
		store *pgstore.Sessions
		now   time.Time
	)

	BeforeEach(func() {
		ctx = context.Background()
		db = &fakeQuerier{}
		store = pgstore.NewSessions(db)
		now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	})

	Describe("Save", func() {
		It("upserts by username", func() {
			sess := gp51.NewSession("fleet", "tok-1", now, time.Hour)
			Expect(store.Save(ctx, sess)).To(Succeed())

			Expect(db.execs).To(HaveLen(1))
			Expect(db.execs[0].sql).To(ContainSubstring("ON CONFLICT (username)"))
			Expect(db.execs[0].args).To(Equal([]any{"fleet", "tok-1", now.Add(time.Hour), now, true}))
		})

		It("rejects a nil session", func() {
			Expect(store.Save(ctx, nil)).To(HaveOccurred())
			Expect(db.execs).To(BeEmpty())
		})
	})

	Describe("Lookup", func() {
		It("returns the stored session", func() {
			db.row = fakeRow{values: []any{"fleet", "tok-1", now.Add(time.Hour), now, true}}

			sess, err := store.Lookup(ctx, "fleet")
			Expect(err).NotTo(HaveOccurred())
			Expect(sess.Username).To(Equal("fleet"))
			Expect(sess.Token).To(Equal("tok-1"))
			Expect(sess.IsValid).To(BeTrue())
			Expect(db.queries[0].args[0]).To(Equal("fleet"))
			Expect(db.queries[0].sql).To(ContainSubstring("expires_at > $2"))
		})

		It("maps no rows to ErrNoSession", func() {
			db.row = fakeRow{err: pgx.ErrNoRows}

			_, err := store.Lookup(ctx, "fleet")
			Expect(err).To(MatchError(gp51.ErrNoSession))
		})

		It("wraps other errors", func() {
			db.row = fakeRow{err: errors.New("conn reset")}

			_, err := store.Lookup(ctx, "fleet")
			Expect(err).To(MatchError(ContainSubstring("lookup session")))
			Expect(errors.Is(err, gp51.ErrNoSession)).To(BeFalse())
		})
	})

	Describe("ActiveSession", func() {
		It("selects the most recently validated session", func() {
			db.row = fakeRow{values: []any{"fleet", "tok-2", now.Add(time.Hour), now, true}}

			sess, err := store.ActiveSession(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(sess.Token).To(Equal("tok-2"))
			Expect(db.queries[0].sql).To(ContainSubstring("ORDER BY last_validated DESC"))
		})
	})

	Describe("Invalidate", func() {
		It("clears is_valid for the user", func() {
			Expect(store.Invalidate(ctx, "fleet")).To(Succeed())
			Expect(db.execs[0].sql).To(ContainSubstring("is_valid = FALSE"))
			Expect(db.execs[0].args).To(Equal([]any{"fleet"}))
		})
	})
})
