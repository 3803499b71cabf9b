// Package db is magma's global account database: registration,
// STACIE-based authentication, device app-passwords, and the outbound
// send queue (spec §4.6). Per-user folders and messages live in
// mdb/userdb instead, one SQLite file per user, following the
// teacher's split between its main spilld database and per-user
// spillbox databases (spilldb/db + spilldb/spillbox).
package db

import (
	"crypto/rand"
	"fmt"
	"strings"
	"time"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"

	"magma.email/crypto/stacie"
	"magma.email/third_party/imf"
)

var ErrUserUnavailable = &UserError{UserMsg: "Username unavailable."}

// DeliveryState tracks one recipient's progress through the outbound
// send pipeline (spec §4.6), adapted unchanged in meaning from the
// teacher's spilldb/db.DeliveryState.
type DeliveryState int

const (
	DeliveryUnknown   DeliveryState = 0
	DeliveryReceiving DeliveryState = 7
	DeliveryToProcess DeliveryState = 6
	DeliveryReceived  DeliveryState = 1
	DeliveryStaging   DeliveryState = 2
	DeliverySending   DeliveryState = 3
	DeliveryDone      DeliveryState = 4
	DeliveryFailed    DeliveryState = 5
)

func (d DeliveryState) String() string {
	switch d {
	case DeliveryUnknown:
		return "DeliveryUnknown"
	case DeliveryReceiving:
		return "DeliveryReceiving"
	case DeliveryToProcess:
		return "DeliveryToProcess"
	case DeliveryReceived:
		return "DeliveryReceived"
	case DeliveryStaging:
		return "DeliveryStaging"
	case DeliverySending:
		return "DeliverySending"
	case DeliveryDone:
		return "DeliveryDone"
	case DeliveryFailed:
		return "DeliveryFailed"
	default:
		return fmt.Sprintf("DeliveryState(%d)", int(d))
	}
}

// Open opens (creating if necessary) the global database file and
// returns a pooled connection set, mirroring spilldb/db.Open's
// single-conn-init-then-pool sequence.
func Open(dbfile string) (*sqlitex.Pool, error) {
	conn, err := sqlite.OpenConn(dbfile, 0)
	if err != nil {
		return nil, fmt.Errorf("db.Open: init open: %v", err)
	}
	if err := Init(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("db.Open: init: %v", err)
	}
	if err := conn.Close(); err != nil {
		return nil, fmt.Errorf("db.Open: init close: %v", err)
	}
	pool, err := sqlitex.Open(dbfile, 0, 24)
	if err != nil {
		return nil, fmt.Errorf("db.Open: pool: %v", err)
	}
	return pool, nil
}

func Init(conn *sqlite.Conn) error {
	if err := sqlitex.ExecTransient(conn, "PRAGMA journal_mode=WAL;", nil); err != nil {
		return err
	}
	if err := sqlitex.ExecTransient(conn, "PRAGMA cache_size = -50000;", nil); err != nil {
		return err
	}
	return sqlitex.ExecScript(conn, createSQL)
}

// CollectMsgsToSend returns staged messages ready for delivery to one
// recipient-owning user, adapted unchanged from spilldb/db's query of
// the same name.
func CollectMsgsToSend(conn *sqlite.Conn, userID, limit, minReadyDate int64) (stagingIDs []int64, err error) {
	stmt := conn.Prep(`SELECT Msgs.StagingID, ReadyDate FROM Msgs
		INNER JOIN MsgRecipients ON Msgs.StagingID = MsgRecipients.StagingID
		INNER JOIN UserAddresses ON MsgRecipients.Recipient = UserAddresses.Address
		WHERE UserAddresses.UserID = $userID
			AND DeliveryState = $deliveryState
			AND ReadyDate > $minReadyDate
		ORDER BY Msgs.StagingID
		LIMIT $limit;`)
	stmt.SetInt64("$userID", userID)
	stmt.SetInt64("$deliveryState", int64(DeliveryReceived))
	stmt.SetInt64("$minReadyDate", minReadyDate)
	stmt.SetInt64("$limit", limit)

	for {
		hasRow, err := stmt.Step()
		if err != nil {
			return nil, err
		}
		if !hasRow {
			break
		}
		stagingIDs = append(stagingIDs, stmt.GetInt64("StagingID"))
	}
	return stagingIDs, nil
}

// LoadMsgObjectKey returns the content-addressed object key a staged
// message was stored under, for handing to storage/engine.Load. The
// teacher kept the raw bytes inline in a MsgRaw/MsgFull blob column;
// magma instead always stores message bodies in the tank (storage/tank)
// so every message, inbound or outbound, shares one content-addressed
// store and one set of corruption-handling semantics (spec §4.3).
func LoadMsgObjectKey(conn *sqlite.Conn, stagingID int64) (string, error) {
	stmt := conn.Prep(`SELECT ObjectKey FROM Msgs WHERE StagingID = $stagingID;`)
	stmt.SetInt64("$stagingID", stagingID)
	hasRow, err := stmt.Step()
	if err != nil {
		return "", err
	}
	if !hasRow {
		return "", fmt.Errorf("db.LoadMsgObjectKey: no such message %d", stagingID)
	}
	return stmt.GetText("ObjectKey"), nil
}

// StageMsg inserts a new outbound message header row plus one
// MsgRecipients row per recipient, returning the staging ID.
func StageMsg(conn *sqlite.Conn, userID int64, sender, objectKey string, recipients map[string]string) (stagingID int64, err error) {
	stmt := conn.Prep(`INSERT INTO Msgs (Sender, DateReceived, UserID, ObjectKey) VALUES ($sender, $date, $userID, $objectKey);`)
	stmt.SetText("$sender", sender)
	stmt.SetInt64("$date", time.Now().Unix())
	stmt.SetInt64("$userID", userID)
	stmt.SetText("$objectKey", objectKey)
	if _, err := stmt.Step(); err != nil {
		return 0, err
	}
	stagingID = conn.LastInsertRowID()

	for addr, full := range recipients {
		stmt := conn.Prep(`INSERT INTO MsgRecipients (StagingID, Recipient, FullAddress, DeliveryState) VALUES ($id, $addr, $full, $state);`)
		stmt.SetInt64("$id", stagingID)
		stmt.SetText("$addr", strings.ToLower(addr))
		stmt.SetText("$full", full)
		stmt.SetInt64("$state", int64(DeliveryStaging))
		if _, err := stmt.Step(); err != nil {
			return 0, err
		}
	}
	return stagingID, nil
}

// AddDeviceAuth registers a device app-password, STACIE-derived the
// same as primary login credentials (spec §4.1), superseding the
// teacher's bcrypt-based AddDevice.
func AddDeviceAuth(conn *sqlite.Conn, userID int64, deviceName string, password []byte) (deviceID int64, err error) {
	salt := make([]byte, stacie.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return 0, err
	}
	keys, err := stacie.Derive(password, []byte(deviceName), salt, 0)
	if err != nil {
		return 0, err
	}

	stmt := conn.Prep(`INSERT INTO Devices (UserID, DeviceName, Salt, Bonus, VerificationToken, Created)
		VALUES ($userID, $deviceName, $salt, 0, $verification, $created);`)
	stmt.SetInt64("$userID", userID)
	stmt.SetText("$deviceName", deviceName)
	stmt.SetBytes("$salt", salt)
	stmt.SetBytes("$verification", keys.Verification)
	stmt.SetInt64("$created", time.Now().Unix())
	if _, err := stmt.Step(); err != nil {
		return 0, err
	}
	return conn.LastInsertRowID(), nil
}

// UserDetails is the registration form, adapted from spilldb/db's
// struct of the same name: Password replaces bcrypt's plaintext-in,
// hash-out flow with a STACIE derivation keyed by a freshly-issued
// salt.
type UserDetails struct {
	FullName      string
	PhoneNumber   string
	PhoneVerified bool
	EmailAddr     string
	Password      []byte
	Admin         bool
}

func (details *UserDetails) Validate() error {
	if len(details.FullName) > 150 {
		return &UserError{UserMsg: "full name too long"}
	}
	if len(details.Password) < 8 {
		return &UserError{UserMsg: "password less than 8 characters"}
	}
	if _, err := imf.ParseAddress(details.EmailAddr); err != nil {
		return &UserError{UserMsg: err.Error()}
	}
	return nil
}

// AddUser registers a new account, deriving STACIE credentials over a
// freshly-issued salt and storing only the verification token (never
// the password or either derived key), per spec §4.1.
func AddUser(conn *sqlite.Conn, details UserDetails) (userID int64, keys *stacie.Keys, err error) {
	if err := details.Validate(); err != nil {
		return 0, nil, err
	}

	salt := make([]byte, stacie.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return 0, nil, err
	}
	keys, err = stacie.Derive(details.Password, []byte(strings.ToLower(details.EmailAddr)), salt, 0)
	if err != nil {
		return 0, nil, err
	}

	stmt := conn.Prep(`INSERT INTO Users (
			UserID, Salt, Bonus, VerificationToken, PrivateKeyBlob, PublicKey,
			FullName, PhoneNumber, PhoneVerified, Admin, Locked
		) VALUES (
			$userID, $salt, 0, $verification, $privateKeyBlob, $publicKey,
			$fullName, $phoneNumber, $phoneVerified, $admin, FALSE
		);`)
	stmt.SetText("$fullName", details.FullName)
	stmt.SetText("$phoneNumber", details.PhoneNumber)
	stmt.SetBool("$phoneVerified", details.PhoneVerified)
	stmt.SetBytes("$salt", salt)
	stmt.SetBytes("$verification", keys.Verification)
	stmt.SetNull("$privateKeyBlob") // sealed client-side once the client has MasterKey
	stmt.SetNull("$publicKey")
	stmt.SetBool("$admin", details.Admin)
	userID, err = sqlitex.InsertRandID(stmt, "$userID", 1, 1<<23)
	if err != nil {
		if sqlite.ErrCode(err) == sqlite.SQLITE_CONSTRAINT_UNIQUE {
			return 0, nil, ErrUserUnavailable
		}
		return 0, nil, err
	}

	if err := AddUserAddress(conn, userID, details.EmailAddr, true); err != nil {
		return 0, nil, err
	}
	return userID, keys, nil
}

func AddUserAddress(conn *sqlite.Conn, userID int64, addr string, primaryAddr bool) error {
	if strings.LastIndexByte(addr, '@') == -1 {
		return &UserError{UserMsg: "Invalid email address, missing @domain."}
	}
	addr = strings.ToLower(addr)

	stmt := conn.Prep(`INSERT INTO UserAddresses (Address, UserID, PrimaryAddr) VALUES ($addr, $userID, $primaryAddr);`)
	stmt.SetText("$addr", addr)
	stmt.SetInt64("$userID", userID)
	stmt.SetBool("$primaryAddr", primaryAddr)
	if _, err := stmt.Step(); err != nil {
		if sqlite.ErrCode(err) == sqlite.SQLITE_CONSTRAINT_PRIMARYKEY {
			return &UserError{UserMsg: fmt.Sprintf("Address %q is already assigned.", addr)}
		}
		return err
	}

	if primaryAddr {
		stmt = conn.Prep(`UPDATE UserAddresses SET PrimaryAddr = FALSE WHERE UserID = $userID AND Address <> $addr;`)
		stmt.SetText("$addr", addr)
		stmt.SetInt64("$userID", userID)
		if _, err := stmt.Step(); err != nil {
			return err
		}
	}
	return nil
}

func SetUserPrimaryAddr(conn *sqlite.Conn, userID int64, addr string) error {
	stmt := conn.Prep(`UPDATE UserAddresses SET PrimaryAddr = (CASE WHEN Address = $addr THEN TRUE ELSE FALSE END) WHERE UserID = $userID;`)
	stmt.SetText("$addr", strings.ToLower(addr))
	stmt.SetInt64("$userID", userID)
	if _, err := stmt.Step(); err != nil {
		return err
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("db.SetUserPrimaryAddr: unknown address")
	}
	return nil
}

// UserError is a user-input error with a message safe to show in a UI,
// adapted unchanged from spilldb/db.UserError.
type UserError struct {
	UserMsg string
	Focus   string
	Err     error
}

func (e *UserError) Error() string {
	if e.Err == nil {
		return e.UserMsg
	}
	return fmt.Sprintf("UserError: %s: %v", e.UserMsg, e.Err)
}
