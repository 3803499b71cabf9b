package mailbox

import "testing"

func TestFolderInsertAndGet(t *testing.T) {
	tr := NewFolderTree()
	if err := tr.Insert(&Folder{FolderNum: 1, Parent: 0, Name: "Inbox"}); err != nil {
		t.Fatal(err)
	}
	if err := tr.Insert(&Folder{FolderNum: 2, Parent: 1, Name: "Archive"}); err != nil {
		t.Fatal(err)
	}
	f, ok := tr.Get(2)
	if !ok || f.Name != "Archive" {
		t.Fatalf("Get(2) = %v, %v", f, ok)
	}
}

func TestFolderDuplicateSiblingName(t *testing.T) {
	tr := NewFolderTree()
	tr.Insert(&Folder{FolderNum: 1, Parent: 0, Name: "Inbox"})
	err := tr.Insert(&Folder{FolderNum: 2, Parent: 0, Name: "Inbox"})
	if err != ErrFolderNameTaken {
		t.Fatalf("Insert duplicate sibling name = %v, want ErrFolderNameTaken", err)
	}
}

func TestFolderMaxDepth(t *testing.T) {
	tr := NewFolderTree()
	var parent FolderNum
	for i := 1; i <= MaxFolderDepth; i++ {
		num := FolderNum(i)
		if err := tr.Insert(&Folder{FolderNum: num, Parent: parent, Name: "f"}); err != nil {
			t.Fatalf("insert at depth %d: %v", i, err)
		}
		parent = num
	}
	err := tr.Insert(&Folder{FolderNum: FolderNum(MaxFolderDepth + 1), Parent: parent, Name: "toodeep"})
	if err != ErrFolderTooDeep {
		t.Fatalf("insert past max depth = %v, want ErrFolderTooDeep", err)
	}
}

func TestFolderMoveRejectsCycle(t *testing.T) {
	tr := NewFolderTree()
	tr.Insert(&Folder{FolderNum: 1, Parent: 0, Name: "A"})
	tr.Insert(&Folder{FolderNum: 2, Parent: 1, Name: "B"})

	err := tr.Move(1, 2)
	if err != ErrFolderCycle {
		t.Fatalf("Move creating a cycle = %v, want ErrFolderCycle", err)
	}
}

func TestFolderDeleteCascades(t *testing.T) {
	tr := NewFolderTree()
	tr.Insert(&Folder{FolderNum: 1, Parent: 0, Name: "A"})
	tr.Insert(&Folder{FolderNum: 2, Parent: 1, Name: "B"})
	tr.Insert(&Folder{FolderNum: 3, Parent: 2, Name: "C"})

	removed := tr.Delete(1)
	if len(removed) != 3 {
		t.Fatalf("Delete removed %d folders, want 3", len(removed))
	}
	if _, ok := tr.Get(3); ok {
		t.Fatal("grandchild folder still present after cascading delete")
	}
}
