package db

// createSQL is the global (non-per-user) schema: accounts, addresses,
// devices, and the outbound send queue. Per-user folders and messages
// live in each user's own database (mdb/userdb), mirroring the
// teacher's split between its main spilld database and per-user
// spillbox databases.
const createSQL = `
PRAGMA auto_vacuum = INCREMENTAL;

CREATE TABLE IF NOT EXISTS ServerConfig (
	NexusToken TEXT
);

-- Users holds STACIE credentials in place of the teacher's bcrypt
-- PassHash: Salt and Rounds are issued at registration and returned to
-- the client on every login attempt so it can re-derive the password
-- key locally; VerificationToken is the only secret-derived value the
-- server stores, per spec §4.1.
CREATE TABLE IF NOT EXISTS Users (
	UserID            INTEGER PRIMARY KEY,
	Salt              BLOB NOT NULL,    -- 128 bytes, issued once at registration
	Bonus             INTEGER NOT NULL, -- STACIE rounds bonus
	VerificationToken BLOB NOT NULL,    -- stacie.Keys.Verification
	PrivateKeyBlob    BLOB,             -- PRIME-encrypted private key, sealed client-side after registration
	PublicKey         BLOB,
	FullName          TEXT NOT NULL,
	PhoneNumber       TEXT NOT NULL,
	PhoneVerified     BOOLEAN NOT NULL,
	Admin             BOOLEAN NOT NULL,
	Locked            BOOLEAN NOT NULL,
	Flags             INTEGER NOT NULL DEFAULT 0 -- mailbox.UserFlags bitmask
);

CREATE TABLE IF NOT EXISTS UserAddresses (
	Address     TEXT PRIMARY KEY, -- "user@domain", always lower case
	UserID      INTEGER NOT NULL,
	DisplayName TEXT NOT NULL DEFAULT '',
	PrimaryAddr BOOLEAN,

	FOREIGN KEY(UserID) REFERENCES Users(UserID)
);

-- Devices are STACIE-derived app passwords scoped to a single device,
-- adapted from the teacher's bcrypt-backed Devices table: AppPassHash
-- here is a STACIE verification token over the device password rather
-- than a bcrypt digest, so device auth shares one derivation path with
-- primary login.
CREATE TABLE IF NOT EXISTS Devices (
	DeviceID           INTEGER PRIMARY KEY,
	UserID             INTEGER NOT NULL,
	DeviceName         TEXT NOT NULL,
	Salt               BLOB,
	Bonus              INTEGER,
	VerificationToken  BLOB,
	Deleted            BOOLEAN,
	Created            INTEGER NOT NULL,
	LastAccessTime     INTEGER,
	LastAccessAddr     TEXT,

	FOREIGN KEY(UserID) REFERENCES Users(UserID)
);

-- Msgs/MsgRecipients/Deliveries track the outbound send queue (spec
-- §4.6): a message staged for sending fans out into one row per
-- recipient, each independently progressing through DeliveryState.
CREATE TABLE IF NOT EXISTS Msgs (
	StagingID     INTEGER PRIMARY KEY,
	Sender        TEXT NOT NULL,
	DKIM          TEXT,
	DateReceived  INTEGER NOT NULL,
	ReadyDate     INTEGER,
	UserID        INTEGER,
	ObjectKey     TEXT, -- storage/tank Key.String(), set once staged

	FOREIGN KEY(UserID) REFERENCES Users(UserID)
);

CREATE TABLE IF NOT EXISTS MsgRecipients (
	StagingID     INTEGER NOT NULL,
	Recipient     TEXT NOT NULL,
	FullAddress   TEXT NOT NULL,
	DeliveryState INTEGER NOT NULL,
	RelayClass    TEXT NOT NULL DEFAULT 'standard', -- spec §4.6 relay pool class

	PRIMARY KEY(StagingID, Recipient),
	FOREIGN KEY(StagingID) REFERENCES Msgs(StagingID)
);

-- DKIMRecords holds one current signing key per sending domain,
-- unchanged in shape from the teacher's table of the same name.
CREATE TABLE IF NOT EXISTS DKIMRecords (
	DomainName TEXT NOT NULL,
	Selector   TEXT NOT NULL,
	PrivateKey BLOB NOT NULL,
	Current    BOOLEAN NOT NULL DEFAULT TRUE,

	PRIMARY KEY(DomainName, Selector)
);

CREATE TABLE IF NOT EXISTS Deliveries (
	AttemptID INTEGER PRIMARY KEY,
	StagingID INTEGER NOT NULL,
	Recipient TEXT NOT NULL,
	Code      INTEGER NOT NULL,
	Date      INTEGER NOT NULL,
	Details   TEXT,

	FOREIGN KEY(StagingID, Recipient) REFERENCES MsgRecipients(StagingID, Recipient)
);
`
