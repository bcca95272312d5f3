package cfimager

import "testing"

type fakeExec struct {
	entries []Entry
	free    int64
}

func (f *fakeExec) ChangeDir(path string) ([]Entry, error) { return f.entries, nil }
func (f *fakeExec) CreateFolder(path string) error          { return nil }
func (f *fakeExec) Rename(from, to string) error             { return nil }
func (f *fakeExec) Move(from, to string) error                { return nil }
func (f *fakeExec) Delete(path string) error                  { return nil }
func (f *fakeExec) ReadImage(path string) ([]byte, error)     { return []byte("data"), nil }
func (f *fakeExec) WriteImage(path string, data []byte) error { return nil }
func (f *fakeExec) Search(query string) ([]Entry, error)      { return f.entries, nil }
func (f *fakeExec) DiskFreeBytes() (int64, error)             { return f.free, nil }

func TestChangeDirUpdatesCwdAndEntries(t *testing.T) {
	exec := &fakeExec{entries: []Entry{{Name: "a.jpg", Size: 10}}, free: 4096}
	d := New(exec, nil)

	op := d.Submit("test", CmdChangeDir, ChangeDirPayload{Path: "/images"})
	d.Queue().Next()
	r := d.Run(op)
	if r.Status != "completed" {
		t.Fatalf("expected completed, got %+v", r)
	}
	if d.Cwd() != "/images" {
		t.Fatalf("cwd = %q, want /images", d.Cwd())
	}
	if len(d.Entries()) != 1 || d.Entries()[0].Name != "a.jpg" {
		t.Fatalf("entries = %+v", d.Entries())
	}
	if d.DiskFreeBytes() != 4096 {
		t.Fatalf("diskFreeBytes = %d, want 4096", d.DiskFreeBytes())
	}
}
