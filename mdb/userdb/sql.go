package userdb

// createSQL is the per-user database schema: the folder tree and meta-
// message index described in spec §3. One file per user, following the
// teacher's per-user spillbox database (spilldb/spillbox), with the
// Gmail-label/ConvoID/ContactID model replaced by the folder-tree model
// this module targets.
const createSQL = `
PRAGMA auto_vacuum = INCREMENTAL;

CREATE TABLE IF NOT EXISTS Folders (
	FolderNum INTEGER PRIMARY KEY,
	Parent    INTEGER NOT NULL,
	Name      TEXT NOT NULL,
	SortOrder INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS Messages (
	MessageNum INTEGER PRIMARY KEY,
	FolderNum  INTEGER NOT NULL,
	Size       INTEGER NOT NULL,
	Server     TEXT NOT NULL,  -- host.tank key prefix, storage/tank.Key.String()
	ObjectKey  TEXT NOT NULL,  -- full storage/tank.Key.String()
	Status     INTEGER NOT NULL DEFAULT 0,
	SigNum     INTEGER NOT NULL DEFAULT 0,
	SigKey     BLOB,
	Tags       TEXT,           -- JSON array of strings
	Created    INTEGER NOT NULL,
	Hidden     BOOLEAN NOT NULL DEFAULT FALSE,

	FOREIGN KEY(FolderNum) REFERENCES Folders(FolderNum)
);

CREATE INDEX IF NOT EXISTS MessagesByFolder ON Messages(FolderNum);

CREATE TABLE IF NOT EXISTS Aliases (
	Address     TEXT PRIMARY KEY,
	DisplayName TEXT NOT NULL DEFAULT '',
	Selected    BOOLEAN NOT NULL DEFAULT FALSE
);
`
