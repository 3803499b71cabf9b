package userdb

import (
	"context"
	"testing"

	"magma.email/mailbox"
)

func TestCreateFolderAndLoadTree(t *testing.T) {
	db, err := Open(1, "", 1)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	conn := db.RW(context.Background())
	defer db.PutRW(conn)

	archive, err := CreateFolder(conn, 0, "Archive", 1)
	if err != nil {
		t.Fatal(err)
	}
	sent, err := CreateFolder(conn, archive, "Sent", 0)
	if err != nil {
		t.Fatal(err)
	}

	tree, messages, err := LoadTree(conn)
	if err != nil {
		t.Fatal(err)
	}
	if len(messages) != 0 {
		t.Fatalf("messages = %d, want 0", len(messages))
	}
	if f, ok := tree.Get(archive); !ok || f.Name != "Archive" {
		t.Fatalf("Archive folder missing or wrong: %+v %v", f, ok)
	}
	if f, ok := tree.Get(sent); !ok || f.Parent != archive {
		t.Fatalf("Sent folder missing or not nested under Archive: %+v %v", f, ok)
	}
}

func TestInsertMessageAndExpunge(t *testing.T) {
	db, err := Open(1, "", 1)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	conn := db.RW(context.Background())
	defer db.PutRW(conn)

	num, err := InsertMessage(conn, &mailbox.Message{FolderNum: 0, Size: 128, Server: "host1"}, "object.host1.1.1.1")
	if err != nil {
		t.Fatal(err)
	}

	if err := SetStatus(conn, num, mailbox.StatusDeleted); err != nil {
		t.Fatal(err)
	}

	_, messages, err := LoadTree(conn)
	if err != nil {
		t.Fatal(err)
	}
	if !messages[num].Status.Has(mailbox.StatusDeleted) {
		t.Fatal("status update did not persist")
	}

	if err := Expunge(conn, []mailbox.MessageNum{num}); err != nil {
		t.Fatal(err)
	}
	_, messages, err = LoadTree(conn)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := messages[num]; ok {
		t.Fatal("expunged message still present")
	}
}

func TestDeleteFoldersCascadesMessages(t *testing.T) {
	db, err := Open(1, "", 1)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	conn := db.RW(context.Background())
	defer db.PutRW(conn)

	folder, err := CreateFolder(conn, 0, "Trip", 0)
	if err != nil {
		t.Fatal(err)
	}
	num, err := InsertMessage(conn, &mailbox.Message{FolderNum: folder, Size: 10, Server: "host1"}, "object.host1.1.1.1")
	if err != nil {
		t.Fatal(err)
	}

	if err := DeleteFolders(conn, []mailbox.FolderNum{folder}); err != nil {
		t.Fatal(err)
	}

	tree, messages, err := LoadTree(conn)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := tree.Get(folder); ok {
		t.Fatal("folder still present after delete")
	}
	if _, ok := messages[num]; ok {
		t.Fatal("message in deleted folder was not cascaded away")
	}
}

func TestAliasUpsert(t *testing.T) {
	db, err := Open(1, "", 1)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	conn := db.RW(context.Background())
	defer db.PutRW(conn)

	if err := AddAlias(conn, mailbox.Alias{Address: "Alice@Example.com", DisplayName: "Alice", Selected: true}); err != nil {
		t.Fatal(err)
	}
	if err := AddAlias(conn, mailbox.Alias{Address: "alice@example.com", DisplayName: "Alice R.", Selected: false}); err != nil {
		t.Fatal(err)
	}

	aliases, err := LoadAliases(conn)
	if err != nil {
		t.Fatal(err)
	}
	if len(aliases) != 1 {
		t.Fatalf("aliases = %d, want 1 (upsert should not duplicate)", len(aliases))
	}
	if aliases[0].DisplayName != "Alice R." {
		t.Fatalf("DisplayName = %q, want updated value", aliases[0].DisplayName)
	}
}
