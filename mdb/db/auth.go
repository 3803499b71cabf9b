package db

import (
	"context"
	"errors"
	"time"

	"crawshaw.io/sqlite/sqlitex"

	"magma.email/crypto/stacie"
	"magma.email/internal/logging"
	"magma.email/util/throttle"
)

// Authenticator verifies a STACIE password key against the stored
// verification token (spec §4.1), superseding spilldb/db/auth.go's
// bcrypt-based Authenticator.AuthDevice. The client performs the
// expensive STACIE derivation itself and submits only the resulting
// password key; the server never sees the plaintext password.
type Authenticator struct {
	DB       *sqlitex.Pool
	Throttle throttle.Throttle
	Log      *logging.Logger
	Where    string
}

var (
	errAuthFailed     = errors.New("authenticator: internal error")
	errDeviceDeleted  = errors.New("authenticator: device password deleted")
	ErrBadCredentials = errors.New("authenticator: bad credentials")
	ErrAccountLocked  = errors.New("authenticator: account locked")
)

// Credentials returns the (salt, bonus) pair a client needs to
// re-derive its STACIE keys for username, so a login flow can issue
// them before the client submits a password key. An unknown username
// still returns a syntactically valid salt/bonus pair derived
// deterministically from the username, so the response gives no signal
// distinguishing "unknown user" from "known user, wrong password" to
// an observer timing the exchange -- the same anti-enumeration shape
// STACIE's spec recommends.
func (a *Authenticator) Credentials(ctx context.Context, username string) (salt []byte, bonus uint32, err error) {
	conn := a.DB.Get(ctx)
	if conn == nil {
		return nil, 0, context.Canceled
	}
	defer a.DB.Put(conn)

	stmt := conn.Prep(`SELECT Salt, Bonus FROM Users
		WHERE UserID IN (SELECT UserID FROM UserAddresses WHERE Address = $username);`)
	stmt.SetText("$username", username)
	hasRow, err := stmt.Step()
	if err != nil {
		return nil, 0, errAuthFailed
	}
	if !hasRow {
		return pseudoSalt(username), 0, nil
	}
	salt = stmt.GetBytes("Salt")
	bonus = uint32(stmt.GetInt64("Bonus"))
	return salt, bonus, nil
}

func pseudoSalt(username string) []byte {
	seed, _ := stacie.Seed(stacie.RoundsMin, []byte(username+"\x00pseudo"), fixedPepper)
	padded := make([]byte, stacie.SaltLength)
	copy(padded, seed)
	return padded
}

var fixedPepper = make([]byte, stacie.SaltLength)

// Login verifies a client-derived password key against the account's
// stored verification token, throttling repeated failures per
// remote address and per username the same way
// spilldb/db/auth.go.AuthDevice did.
func (a *Authenticator) Login(ctx context.Context, remoteAddr, username string, passwordKey []byte) (userID int64, err error) {
	conn := a.DB.Get(ctx)
	if conn == nil {
		return 0, context.Canceled
	}
	defer a.DB.Put(conn)

	start := time.Now()
	log := a.Log
	if log == nil {
		log = logging.Noop()
	}
	log = log.Where(a.Where).With("remote_addr", remoteAddr, "username", username)
	defer func() {
		log.Info("auth", "duration", time.Since(start))
	}()

	a.Throttle.Throttle(remoteAddr)
	a.Throttle.Throttle(username)
	defer func() {
		if err != nil {
			a.Throttle.Add(remoteAddr)
			a.Throttle.Add(username)
		}
	}()

	stmt := conn.Prep(`SELECT UserID, Salt, VerificationToken, Locked FROM Users
		WHERE UserID IN (SELECT UserID FROM UserAddresses WHERE Address = $username);`)
	stmt.SetText("$username", username)
	hasRow, err := stmt.Step()
	if err != nil {
		log.Error("auth", err)
		return 0, errAuthFailed
	}
	if !hasRow {
		log.Warn("auth: unknown username")
		return 0, ErrBadCredentials
	}

	id := stmt.GetInt64("UserID")
	salt := stmt.GetBytes("Salt")
	verification := stmt.GetBytes("VerificationToken")
	locked := stmt.GetInt64("Locked") != 0

	if !stacie.VerifyPasswordKey(passwordKey, salt, verification) {
		log.Warn("auth: bad password key", "user_id", id)
		return 0, ErrBadCredentials
	}
	if locked {
		log.Warn("auth: account locked", "user_id", id)
		return 0, ErrAccountLocked
	}
	return id, nil
}

// LoginDevice authenticates against a device-scoped app password
// (spec §4.1's device credential path), the STACIE analogue of
// spilldb/db/auth.go.AuthDevice.
func (a *Authenticator) LoginDevice(ctx context.Context, remoteAddr, username string, passwordKey []byte) (userID int64, err error) {
	conn := a.DB.Get(ctx)
	if conn == nil {
		return 0, context.Canceled
	}
	defer a.DB.Put(conn)

	start := time.Now()
	log := a.Log
	if log == nil {
		log = logging.Noop()
	}
	log = log.Where(a.Where).With("remote_addr", remoteAddr, "username", username)
	defer func() {
		log.Info("auth_device", "duration", time.Since(start))
	}()

	a.Throttle.Throttle(remoteAddr)
	a.Throttle.Throttle(username)
	defer func() {
		if err != nil {
			a.Throttle.Add(remoteAddr)
			a.Throttle.Add(username)
		}
	}()

	var devices int
	var deviceID int64
	stmt := conn.Prep(`SELECT DeviceID, UserID, Salt, VerificationToken, Deleted FROM Devices
		WHERE UserID IN (SELECT UserID FROM UserAddresses WHERE Address = $username);`)
	stmt.SetText("$username", username)
	for {
		hasNext, err := stmt.Step()
		if err != nil {
			log.Error("auth_device", err)
			return 0, errAuthFailed
		}
		if !hasNext {
			break
		}
		devices++

		salt := stmt.GetBytes("Salt")
		verification := stmt.GetBytes("VerificationToken")
		if stacie.VerifyPasswordKey(passwordKey, salt, verification) {
			deleted := stmt.GetInt64("Deleted") != 0
			deviceID = stmt.GetInt64("DeviceID")
			userID = stmt.GetInt64("UserID")
			stmt.Reset()

			if deleted {
				log.Error("auth_device", errDeviceDeleted, "device_id", deviceID)
				return 0, ErrBadCredentials
			}
			break
		}
	}
	if devices == 0 {
		log.Warn("auth_device: unknown username")
		return 0, ErrBadCredentials
	}
	if userID == 0 {
		log.Warn("auth_device: bad password key")
		return 0, ErrBadCredentials
	}

	stmt = conn.Prep(`UPDATE Devices
		SET LastAccessTime = $time, LastAccessAddr = $addr
		WHERE DeviceID = $deviceID;`)
	stmt.SetInt64("$deviceID", deviceID)
	stmt.SetInt64("$time", time.Now().Unix())
	stmt.SetText("$addr", remoteAddr)
	if _, err := stmt.Step(); err != nil {
		log.Error("auth_device: device update failed", err)
		return 0, errAuthFailed
	}
	return userID, nil
}
