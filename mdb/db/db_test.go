package db

import (
	"context"
	"testing"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"

	"magma.email/crypto/stacie"
)

func mkdb(t *testing.T) *sqlitex.Pool {
	t.Helper()
	const flags = sqlite.SQLITE_OPEN_READWRITE | sqlite.SQLITE_OPEN_CREATE | sqlite.SQLITE_OPEN_URI | sqlite.SQLITE_OPEN_SHAREDCACHE
	pool, err := sqlitex.Open("file::memory:?mode=memory&cache=shared", flags, 8)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { pool.Close() })

	conn := pool.Get(context.Background())
	defer pool.Put(conn)
	if err := Init(conn); err != nil {
		t.Fatal(err)
	}
	return pool
}

func TestAddUserThenAuthenticate(t *testing.T) {
	pool := mkdb(t)
	ctx := context.Background()
	conn := pool.Get(ctx)

	userID, _, err := AddUser(conn, UserDetails{
		FullName:  "Alice Example",
		EmailAddr: "alice@example.com",
		Password:  []byte("hunter2hunter2"),
	})
	pool.Put(conn)
	if err != nil {
		t.Fatal(err)
	}

	auth := &Authenticator{DB: pool, Where: "test"}
	salt, bonus, err := auth.Credentials(ctx, "alice@example.com")
	if err != nil {
		t.Fatal(err)
	}

	keys, err := stacie.Derive([]byte("hunter2hunter2"), []byte("alice@example.com"), salt, bonus)
	if err != nil {
		t.Fatal(err)
	}

	gotID, err := auth.Login(ctx, "127.0.0.1", "alice@example.com", keys.PasswordKey)
	if err != nil {
		t.Fatal(err)
	}
	if gotID != userID {
		t.Fatalf("Login returned userID %d, want %d", gotID, userID)
	}
}

func TestAuthenticateWrongPasswordRejected(t *testing.T) {
	pool := mkdb(t)
	ctx := context.Background()
	conn := pool.Get(ctx)
	_, _, err := AddUser(conn, UserDetails{
		FullName:  "Bob Example",
		EmailAddr: "bob@example.com",
		Password:  []byte("correcthorsebattery"),
	})
	pool.Put(conn)
	if err != nil {
		t.Fatal(err)
	}

	auth := &Authenticator{DB: pool, Where: "test"}
	salt, bonus, err := auth.Credentials(ctx, "bob@example.com")
	if err != nil {
		t.Fatal(err)
	}
	keys, err := stacie.Derive([]byte("wrongpassword"), []byte("bob@example.com"), salt, bonus)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := auth.Login(ctx, "127.0.0.1", "bob@example.com", keys.PasswordKey); err != ErrBadCredentials {
		t.Fatalf("Login with wrong password = %v, want ErrBadCredentials", err)
	}
}

func TestCredentialsUnknownUserReturnsPseudoSalt(t *testing.T) {
	pool := mkdb(t)
	ctx := context.Background()
	auth := &Authenticator{DB: pool, Where: "test"}

	salt1, _, err := auth.Credentials(ctx, "nobody@example.com")
	if err != nil {
		t.Fatal(err)
	}
	salt2, _, err := auth.Credentials(ctx, "nobody@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if len(salt1) != stacie.SaltLength {
		t.Fatalf("pseudo salt length = %d, want %d", len(salt1), stacie.SaltLength)
	}
	if string(salt1) != string(salt2) {
		t.Fatal("pseudo salt must be deterministic for the same unknown username")
	}
}

func TestDeviceAuth(t *testing.T) {
	pool := mkdb(t)
	ctx := context.Background()
	conn := pool.Get(ctx)
	userID, _, err := AddUser(conn, UserDetails{
		FullName:  "Carol Example",
		EmailAddr: "carol@example.com",
		Password:  []byte("primarypassword1"),
	})
	if err != nil {
		pool.Put(conn)
		t.Fatal(err)
	}
	if _, err := AddDeviceAuth(conn, userID, "laptop", []byte("deviceapppass1")); err != nil {
		pool.Put(conn)
		t.Fatal(err)
	}
	pool.Put(conn)

	auth := &Authenticator{DB: pool, Where: "test"}
	keys, err := stacie.Derive([]byte("deviceapppass1"), []byte("laptop"), mustDeviceSalt(t, pool, "carol@example.com"), 0)
	if err != nil {
		t.Fatal(err)
	}
	gotID, err := auth.LoginDevice(ctx, "127.0.0.1", "carol@example.com", keys.PasswordKey)
	if err != nil {
		t.Fatal(err)
	}
	if gotID != userID {
		t.Fatalf("LoginDevice returned %d, want %d", gotID, userID)
	}
}

func mustDeviceSalt(t *testing.T, pool *sqlitex.Pool, username string) []byte {
	t.Helper()
	conn := pool.Get(context.Background())
	defer pool.Put(conn)
	stmt := conn.Prep(`SELECT Salt FROM Devices WHERE UserID IN (SELECT UserID FROM UserAddresses WHERE Address = $u);`)
	stmt.SetText("$u", username)
	hasRow, err := stmt.Step()
	if err != nil || !hasRow {
		t.Fatalf("device salt lookup: hasRow=%v err=%v", hasRow, err)
	}
	return stmt.GetBytes("Salt")
}
