package session

import (
	"context"
	"crypto/sha256"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newSessionStoreTest(t *testing.T, sliding bool) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewStore(rdb, "as", sliding, false, 0), mr
}

func testSession(sid, uid string) *Session {
	now := time.Now()
	return &Session{
		SessionID:       sid,
		UserID:          uid,
		Username:        "qa.officer",
		Site:            "basel",
		Roles:           []string{"QA_OFFICER", "AUDITOR"},
		Mask:            []byte{1, 0, 0, 0, 0, 0, 0, 0, 0x0f},
		AccountVersion:  3,
		RefreshHash:     sha256.Sum256([]byte("secret-" + sid)),
		AccessJTI:       "jti-" + sid,
		AccessExpiresAt: now.Add(5 * time.Minute).Unix(),
		CreatedAt:       now.Unix(),
		ExpiresAt:       now.Add(time.Hour).Unix(),
	}
}

func TestSaveGetRoundTrip(t *testing.T) {
	store, mr := newSessionStoreTest(t, false)
	ctx := context.Background()
	in := testSession("sid-1", "u-1")

	if err := store.Save(ctx, in, time.Hour); err != nil {
		t.Fatalf("save: %v", err)
	}
	if !mr.Exists("as:s:sid-1") {
		t.Fatal("expected session hash")
	}
	if ok, _ := mr.IsMember("as:u:u-1", "sid-1"); !ok {
		t.Fatal("expected user index entry")
	}

	got, err := store.Get(ctx, "sid-1", 0)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.UserID != in.UserID || got.Username != in.Username || got.Site != in.Site {
		t.Fatalf("identity mismatch: %+v", got)
	}
	if len(got.Roles) != 2 || got.Roles[1] != "AUDITOR" {
		t.Fatalf("roles mismatch: %v", got.Roles)
	}
	if string(got.Mask) != string(in.Mask) {
		t.Fatalf("mask mismatch: %v", got.Mask)
	}
	if got.RefreshHash != in.RefreshHash || got.AccessJTI != in.AccessJTI || got.AccountVersion != 3 {
		t.Fatalf("session fields mismatch: %+v", got)
	}
}

func TestGetMissingReturnsRedisNil(t *testing.T) {
	store, _ := newSessionStoreTest(t, false)
	if _, err := store.Get(context.Background(), "nope", 0); !errors.Is(err, redis.Nil) {
		t.Fatalf("expected redis.Nil, got %v", err)
	}
}

func TestGetRespectsAbsoluteLifetime(t *testing.T) {
	store, mr := newSessionStoreTest(t, true)
	ctx := context.Background()
	sess := testSession("sid-abs", "u-1")
	sess.CreatedAt = time.Now().Add(-2 * time.Hour).Unix()
	sess.ExpiresAt = time.Now().Add(time.Hour).Unix()
	if err := store.Save(ctx, sess, time.Hour); err != nil {
		t.Fatalf("save: %v", err)
	}

	if _, err := store.Get(ctx, "sid-abs", time.Hour); !errors.Is(err, redis.Nil) {
		t.Fatalf("expected lifetime cap to end session, got %v", err)
	}
	if mr.Exists("as:s:sid-abs") {
		t.Fatal("expired session must be deleted")
	}
}

func TestSlidingNeverExceedsAbsolute(t *testing.T) {
	store, mr := newSessionStoreTest(t, true)
	ctx := context.Background()
	sess := testSession("sid-slide", "u-1")
	sess.ExpiresAt = time.Now().Add(10 * time.Minute).Unix()
	if err := store.Save(ctx, sess, time.Minute); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := store.Get(ctx, "sid-slide", 0); err != nil {
		t.Fatalf("get: %v", err)
	}
	if ttl := mr.TTL("as:s:sid-slide"); ttl > 10*time.Minute || ttl < 9*time.Minute {
		t.Fatalf("unexpected sliding ttl %v", ttl)
	}
}

func TestRotateSuccessUpdatesHashAndAccessToken(t *testing.T) {
	store, _ := newSessionStoreTest(t, false)
	ctx := context.Background()
	sess := testSession("sid-r", "u-1")
	if err := store.Save(ctx, sess, time.Hour); err != nil {
		t.Fatalf("save: %v", err)
	}

	next := sha256.Sum256([]byte("next"))
	accessExp := time.Now().Add(5 * time.Minute).Truncate(time.Second)
	updated, err := store.Rotate(ctx, "sid-r", sess.RefreshHash, next, "jti-next", accessExp)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if updated.RefreshHash != next {
		t.Fatal("expected refresh hash to be replaced")
	}
	if updated.AccessJTI != "jti-next" || updated.AccessExpiresAt != accessExp.Unix() {
		t.Fatalf("expected outstanding access token to be recorded, got %q/%d", updated.AccessJTI, updated.AccessExpiresAt)
	}
	if updated.ReplacedAccessJTI != "jti-sid-r" || updated.ReplacedAccessExpiresAt != sess.AccessExpiresAt {
		t.Fatalf("expected superseded token to be reported, got %q/%d", updated.ReplacedAccessJTI, updated.ReplacedAccessExpiresAt)
	}
	if updated.UserID != "u-1" || len(updated.Roles) != 2 {
		t.Fatalf("unexpected session: %+v", updated)
	}

	stored, err := store.GetReadOnly(ctx, "sid-r")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.RefreshHash != next {
		t.Fatal("stored hash not updated")
	}
}

func TestTrimAccessExpiryOnlyLowersCurrentToken(t *testing.T) {
	store, _ := newSessionStoreTest(t, false)
	ctx := context.Background()
	sess := testSession("sid-t", "u-1")
	if err := store.Save(ctx, sess, time.Hour); err != nil {
		t.Fatalf("save: %v", err)
	}

	stale := time.Unix(sess.AccessExpiresAt, 0).Add(-4 * time.Minute)
	if err := store.TrimAccessExpiry(ctx, "sid-t", "jti-other", stale); err != nil {
		t.Fatalf("trim other jti: %v", err)
	}
	got, err := store.GetReadOnly(ctx, "sid-t")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.AccessExpiresAt != sess.AccessExpiresAt {
		t.Fatal("a token that is no longer current must not change the session")
	}

	if err := store.TrimAccessExpiry(ctx, "sid-t", "jti-sid-t", stale); err != nil {
		t.Fatalf("trim: %v", err)
	}
	if err := store.TrimAccessExpiry(ctx, "sid-t", "jti-sid-t", stale.Add(time.Hour)); err != nil {
		t.Fatalf("trim later: %v", err)
	}
	got, err = store.GetReadOnly(ctx, "sid-t")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.AccessExpiresAt != stale.Unix() {
		t.Fatalf("expected access expiry %d, got %d", stale.Unix(), got.AccessExpiresAt)
	}
}

func TestRotateMismatchDestroysSessionAndReturnsPrevious(t *testing.T) {
	store, mr := newSessionStoreTest(t, false)
	ctx := context.Background()
	sess := testSession("sid-m", "u-9")
	if err := store.Save(ctx, sess, time.Hour); err != nil {
		t.Fatalf("save: %v", err)
	}

	prev, err := store.Rotate(ctx, "sid-m", sha256.Sum256([]byte("stale")), sha256.Sum256([]byte("x")), "jti-x", time.Now().Add(time.Minute))
	if !errors.Is(err, ErrRefreshHashMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
	if prev == nil || prev.AccessJTI != "jti-sid-m" {
		t.Fatalf("expected previous session with outstanding jti, got %+v", prev)
	}
	if mr.Exists("as:s:sid-m") {
		t.Fatal("session must be deleted on reuse")
	}
	if ok, _ := mr.IsMember("as:u:u-9", "sid-m"); ok {
		t.Fatal("index must be cleaned on reuse")
	}

	// The legitimate holder loses the session too.
	if _, err := store.Rotate(ctx, "sid-m", sess.RefreshHash, sha256.Sum256([]byte("y")), "jti-y", time.Now().Add(time.Minute)); !errors.Is(err, ErrRefreshSessionNotFound) {
		t.Fatalf("expected not found after reuse, got %v", err)
	}
}

func TestRotateNotFoundAndExpired(t *testing.T) {
	store, _ := newSessionStoreTest(t, false)
	ctx := context.Background()

	_, err := store.Rotate(ctx, "missing", [32]byte{}, [32]byte{1}, "j", time.Now())
	if !errors.Is(err, ErrRefreshSessionNotFound) || !errors.Is(err, redis.Nil) {
		t.Fatalf("expected not found joined with redis.Nil, got %v", err)
	}

	sess := testSession("sid-e", "u-1")
	sess.ExpiresAt = time.Now().Add(-time.Second).Unix()
	if err := store.Save(ctx, sess, time.Hour); err != nil {
		t.Fatalf("save: %v", err)
	}
	_, err = store.Rotate(ctx, "sid-e", sess.RefreshHash, [32]byte{2}, "j", time.Now())
	if !errors.Is(err, ErrRefreshSessionExpired) {
		t.Fatalf("expected expired, got %v", err)
	}
}

func TestDeleteReturnsSessionAndIsIdempotent(t *testing.T) {
	store, mr := newSessionStoreTest(t, false)
	ctx := context.Background()
	sess := testSession("sid-d", "u-1")
	if err := store.Save(ctx, sess, time.Hour); err != nil {
		t.Fatalf("save: %v", err)
	}

	deleted, err := store.Delete(ctx, "sid-d")
	if err != nil || deleted == nil || deleted.AccessJTI != "jti-sid-d" {
		t.Fatalf("expected deleted session, got %+v err=%v", deleted, err)
	}
	again, err := store.Delete(ctx, "sid-d")
	if err != nil || again != nil {
		t.Fatalf("second delete must be a no-op, got %+v err=%v", again, err)
	}
	if ok, _ := mr.IsMember("as:u:u-1", "sid-d"); ok {
		t.Fatal("index entry not removed")
	}
}

func TestDeleteAllForUserReturnsSessions(t *testing.T) {
	store, mr := newSessionStoreTest(t, false)
	ctx := context.Background()
	for _, sid := range []string{"a", "b", "c"} {
		if err := store.Save(ctx, testSession(sid, "u-1"), time.Hour); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	if err := store.Save(ctx, testSession("other", "u-2"), time.Hour); err != nil {
		t.Fatalf("save: %v", err)
	}

	deleted, err := store.DeleteAllForUser(ctx, "u-1")
	if err != nil {
		t.Fatalf("delete all: %v", err)
	}
	if len(deleted) != 3 {
		t.Fatalf("expected 3 deleted sessions, got %d", len(deleted))
	}
	for _, sid := range []string{"a", "b", "c"} {
		if mr.Exists("as:s:" + sid) {
			t.Fatalf("session %s still present", sid)
		}
	}
	if mr.Exists("as:u:u-1") {
		t.Fatal("user index still present")
	}
	if !mr.Exists("as:s:other") {
		t.Fatal("other user's session must survive")
	}
}

func TestListForUserPrunesStaleIndex(t *testing.T) {
	store, mr := newSessionStoreTest(t, false)
	ctx := context.Background()
	if err := store.Save(ctx, testSession("live", "u-1"), time.Hour); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Save(ctx, testSession("short", "u-1"), time.Second); err != nil {
		t.Fatalf("save: %v", err)
	}
	mr.FastForward(2 * time.Second)

	list, err := store.ListForUser(ctx, "u-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].SessionID != "live" {
		t.Fatalf("expected only live session, got %+v", list)
	}
	count, err := store.ActiveSessionCount(ctx, "u-1")
	if err != nil || count != 1 {
		t.Fatalf("expected pruned index of 1, got %d err=%v", count, err)
	}
}

func TestTrackReplayAnomalyCounts(t *testing.T) {
	store, _ := newSessionStoreTest(t, false)
	ctx := context.Background()
	for i := int64(1); i <= 3; i++ {
		n, err := store.TrackReplayAnomaly(ctx, "sid", time.Minute)
		if err != nil || n != i {
			t.Fatalf("expected %d, got %d err=%v", i, n, err)
		}
	}
}

func TestRedisDownWrapsUnavailable(t *testing.T) {
	store, mr := newSessionStoreTest(t, false)
	mr.Close()
	ctx := context.Background()

	if err := store.Save(ctx, testSession("s", "u"), time.Hour); !errors.Is(err, ErrRedisUnavailable) {
		t.Fatalf("expected ErrRedisUnavailable, got %v", err)
	}
	if _, err := store.Ping(ctx); !errors.Is(err, ErrRedisUnavailable) {
		t.Fatalf("expected ErrRedisUnavailable, got %v", err)
	}
}

func TestSaveRejectsInvalidSession(t *testing.T) {
	store, _ := newSessionStoreTest(t, false)
	bad := testSession("s", "u")
	bad.Roles = []string{"A,B"}
	if err := store.Save(context.Background(), bad, time.Hour); err == nil {
		t.Fatal("expected role with separator to be rejected")
	}
	if err := store.Save(context.Background(), &Session{}, time.Hour); err == nil {
		t.Fatal("expected empty session to be rejected")
	}
}
