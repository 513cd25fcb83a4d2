package fuse3

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kylelemons/godebug/pretty"
	"github.com/winfsp/cgofuse/fuse"
)

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

var gTestMountCounter uint64

// newTestMount wires a mounted instance with a live dispatcher to a fake
// mount point, without touching the kernel. The returned bridgeFS is
// driven directly; the calling test goroutine stands in for the FUSE
// worker thread.
func newTestMount(t *testing.T, h Handler) (*MountInstance, *bridgeFS) {
	t.Helper()

	dir := fmt.Sprintf("/bridge_test_%d", atomic.AddUint64(&gTestMountCounter, 1))

	mi := New(dir, h)
	mi.state = stateMounted
	mi.disp = newDispatcher()

	if err := gRegistry.register(dir, mi); err != nil {
		t.Fatalf("register: %v", err)
	}

	t.Cleanup(func() {
		gRegistry.unregister(dir)
		mi.disp.destroy()
	})

	return mi, &bridgeFS{mountPoint: dir}
}

// A Handler overridable per test.
type fakeHandler struct {
	NotImplementedHandler

	getattr func(path string, reply GetattrReply)
	readdir func(path string, reply ReaddirReply)
	open    func(path string, flags int, reply OpenReply)
	read    func(path string, fh uint64, size int64, offset int64, reply ReadReply)
	write   func(path string, fh uint64, data []byte, offset int64, reply WriteReply)
	create  func(path string, mode uint32, reply DoneReply)
	unlink  func(path string, reply DoneReply)
	rename  func(oldpath string, newpath string, reply DoneReply)
	utimens func(path string, atime int64, mtime int64, reply DoneReply)
}

func (h *fakeHandler) Getattr(path string, reply GetattrReply) {
	if h.getattr == nil {
		h.NotImplementedHandler.Getattr(path, reply)
		return
	}
	h.getattr(path, reply)
}

func (h *fakeHandler) Readdir(path string, reply ReaddirReply) {
	if h.readdir == nil {
		h.NotImplementedHandler.Readdir(path, reply)
		return
	}
	h.readdir(path, reply)
}

func (h *fakeHandler) Open(path string, flags int, reply OpenReply) {
	if h.open == nil {
		h.NotImplementedHandler.Open(path, flags, reply)
		return
	}
	h.open(path, flags, reply)
}

func (h *fakeHandler) Read(
	path string,
	fh uint64,
	size int64,
	offset int64,
	reply ReadReply) {
	if h.read == nil {
		h.NotImplementedHandler.Read(path, fh, size, offset, reply)
		return
	}
	h.read(path, fh, size, offset, reply)
}

func (h *fakeHandler) Write(
	path string,
	fh uint64,
	data []byte,
	offset int64,
	reply WriteReply) {
	if h.write == nil {
		h.NotImplementedHandler.Write(path, fh, data, offset, reply)
		return
	}
	h.write(path, fh, data, offset, reply)
}

func (h *fakeHandler) Create(path string, mode uint32, reply DoneReply) {
	if h.create == nil {
		h.NotImplementedHandler.Create(path, mode, reply)
		return
	}
	h.create(path, mode, reply)
}

func (h *fakeHandler) Unlink(path string, reply DoneReply) {
	if h.unlink == nil {
		h.NotImplementedHandler.Unlink(path, reply)
		return
	}
	h.unlink(path, reply)
}

func (h *fakeHandler) Rename(oldpath string, newpath string, reply DoneReply) {
	if h.rename == nil {
		h.NotImplementedHandler.Rename(oldpath, newpath, reply)
		return
	}
	h.rename(oldpath, newpath, reply)
}

func (h *fakeHandler) Utimens(
	path string,
	atime int64,
	mtime int64,
	reply DoneReply) {
	if h.utimens == nil {
		h.NotImplementedHandler.Utimens(path, atime, mtime, reply)
		return
	}
	h.utimens(path, atime, mtime, reply)
}

////////////////////////////////////////////////////////////////////////
// Getattr
////////////////////////////////////////////////////////////////////////

func TestGetattrSuccess(t *testing.T) {
	h := &fakeHandler{
		getattr: func(path string, reply GetattrReply) {
			reply(0, &StatRecord{
				Mode:  0100644,
				Size:  5,
				Uid:   11,
				Gid:   12,
				Atime: 100,
				Mtime: 200,
				Ctime: 300,
			})
		},
	}
	_, fsys := newTestMount(t, h)

	var stat fuse.Stat_t
	if errc := fsys.Getattr("/hi", &stat, 0); errc != 0 {
		t.Fatalf("Getattr = %v, want 0", errc)
	}

	want := fuse.Stat_t{
		Mode: 0100644,
		Size: 5,
		Uid:  11,
		Gid:  12,
		Atim: fuse.Timespec{Sec: 100},
		Mtim: fuse.Timespec{Sec: 200},
		Ctim: fuse.Timespec{Sec: 300},
	}

	if diff := pretty.Compare(want, stat); diff != "" {
		t.Errorf("stat mismatch (-want +got):\n%s", diff)
	}
}

func TestGetattrErrnoNormalization(t *testing.T) {
	testCases := []struct {
		reported int
		want     int
	}{
		{ENOENT, -ENOENT},
		{-ENOENT, -ENOENT},
		{EACCES, -EACCES},
	}

	for _, tc := range testCases {
		h := &fakeHandler{
			getattr: func(path string, reply GetattrReply) {
				reply(tc.reported, nil)
			},
		}
		_, fsys := newTestMount(t, h)

		var stat fuse.Stat_t
		if errc := fsys.Getattr("/nope", &stat, 0); errc != tc.want {
			t.Errorf("reported %v: Getattr = %v, want %v", tc.reported, errc, tc.want)
		}
	}
}

func TestGetattrSuccessWithoutRecord(t *testing.T) {
	h := &fakeHandler{
		getattr: func(path string, reply GetattrReply) {
			reply(0, nil)
		},
	}
	_, fsys := newTestMount(t, h)

	var stat fuse.Stat_t
	if errc := fsys.Getattr("/hi", &stat, 0); errc != -EIO {
		t.Errorf("Getattr = %v, want %v", errc, -EIO)
	}
}

func TestMissingOperationYieldsENOSYS(t *testing.T) {
	_, fsys := newTestMount(t, &fakeHandler{})

	var stat fuse.Stat_t
	if errc := fsys.Getattr("/hi", &stat, 0); errc != -ENOSYS {
		t.Errorf("Getattr = %v, want %v", errc, -ENOSYS)
	}

	if errc := fsys.Unlink("/hi"); errc != -ENOSYS {
		t.Errorf("Unlink = %v, want %v", errc, -ENOSYS)
	}
}

func TestHandlerPanicYieldsEIO(t *testing.T) {
	h := &fakeHandler{
		getattr: func(path string, reply GetattrReply) {
			panic("boom")
		},
	}
	_, fsys := newTestMount(t, h)

	var stat fuse.Stat_t
	if errc := fsys.Getattr("/hi", &stat, 0); errc != -EIO {
		t.Errorf("Getattr = %v, want %v", errc, -EIO)
	}
}

func TestAsynchronousCompletion(t *testing.T) {
	// The crux of the bridge: the handler returns before its continuation
	// fires on some other goroutine, and the adapter still gets a result.
	h := &fakeHandler{
		getattr: func(path string, reply GetattrReply) {
			go func() {
				time.Sleep(10 * time.Millisecond)
				reply(0, &StatRecord{Mode: 0100644})
			}()
		},
	}
	_, fsys := newTestMount(t, h)

	var stat fuse.Stat_t
	if errc := fsys.Getattr("/hi", &stat, 0); errc != 0 {
		t.Fatalf("Getattr = %v, want 0", errc)
	}

	if stat.Mode != 0100644 {
		t.Errorf("Mode = %#o, want 0100644", stat.Mode)
	}
}

func TestUnknownMountPointYieldsEIO(t *testing.T) {
	fsys := &bridgeFS{mountPoint: "/bridge_test_unregistered"}

	var stat fuse.Stat_t
	if errc := fsys.Getattr("/hi", &stat, 0); errc != -EIO {
		t.Errorf("Getattr = %v, want %v", errc, -EIO)
	}

	var sfs fuse.Statfs_t
	if errc := fsys.Statfs("/", &sfs); errc != -EIO {
		t.Errorf("Statfs = %v, want %v", errc, -EIO)
	}
}

////////////////////////////////////////////////////////////////////////
// Readdir
////////////////////////////////////////////////////////////////////////

func TestReaddirEmitsDotEntriesFirst(t *testing.T) {
	h := &fakeHandler{
		readdir: func(path string, reply ReaddirReply) {
			reply(0, []string{"readme.txt", "sub"})
		},
	}
	_, fsys := newTestMount(t, h)

	var seen []string
	fill := func(name string, stat *fuse.Stat_t, ofst int64) bool {
		seen = append(seen, name)
		return true
	}

	if errc := fsys.Readdir("/", fill, 0, 0); errc != 0 {
		t.Fatalf("Readdir = %v, want 0", errc)
	}

	want := []string{".", "..", "readme.txt", "sub"}
	if diff := pretty.Compare(want, seen); diff != "" {
		t.Errorf("entries mismatch (-want +got):\n%s", diff)
	}
}

func TestReaddirStopsWhenFillerIsFull(t *testing.T) {
	h := &fakeHandler{
		readdir: func(path string, reply ReaddirReply) {
			reply(0, []string{"a", "b", "c"})
		},
	}
	_, fsys := newTestMount(t, h)

	var seen []string
	fill := func(name string, stat *fuse.Stat_t, ofst int64) bool {
		seen = append(seen, name)
		return len(seen) < 3
	}

	if errc := fsys.Readdir("/", fill, 0, 0); errc != 0 {
		t.Fatalf("Readdir = %v, want 0", errc)
	}

	want := []string{".", "..", "a"}
	if diff := pretty.Compare(want, seen); diff != "" {
		t.Errorf("entries mismatch (-want +got):\n%s", diff)
	}
}

func TestReaddirError(t *testing.T) {
	h := &fakeHandler{
		readdir: func(path string, reply ReaddirReply) {
			reply(ENOTDIR, nil)
		},
	}
	_, fsys := newTestMount(t, h)

	fill := func(name string, stat *fuse.Stat_t, ofst int64) bool { return true }
	if errc := fsys.Readdir("/file", fill, 0, 0); errc != -ENOTDIR {
		t.Errorf("Readdir = %v, want %v", errc, -ENOTDIR)
	}
}

////////////////////////////////////////////////////////////////////////
// Open, create
////////////////////////////////////////////////////////////////////////

func TestOpenForcesDirectIO(t *testing.T) {
	h := &fakeHandler{
		open: func(path string, flags int, reply OpenReply) {
			reply(0, 42)
		},
	}
	_, fsys := newTestMount(t, h)

	var fi fuse.FileInfo_t
	if errc := fsys.OpenEx("/hi", &fi); errc != 0 {
		t.Fatalf("OpenEx = %v, want 0", errc)
	}

	if fi.Fh != 42 {
		t.Errorf("Fh = %v, want 42", fi.Fh)
	}

	if !fi.DirectIo {
		t.Error("DirectIo not forced on")
	}
}

func TestOpenPassesFlags(t *testing.T) {
	var gotFlags int
	h := &fakeHandler{
		open: func(path string, flags int, reply OpenReply) {
			gotFlags = flags
			reply(0, 0)
		},
	}
	_, fsys := newTestMount(t, h)

	var fi fuse.FileInfo_t
	fi.Flags = 0x8002
	if errc := fsys.OpenEx("/hi", &fi); errc != 0 {
		t.Fatalf("OpenEx = %v, want 0", errc)
	}

	if gotFlags != 0x8002 {
		t.Errorf("flags = %#x, want 0x8002", gotFlags)
	}
}

func TestCreateSuccess(t *testing.T) {
	var gotMode uint32
	h := &fakeHandler{
		create: func(path string, mode uint32, reply DoneReply) {
			gotMode = mode
			reply(0)
		},
	}
	_, fsys := newTestMount(t, h)

	var fi fuse.FileInfo_t
	if errc := fsys.CreateEx("/new", 0644, &fi); errc != 0 {
		t.Fatalf("CreateEx = %v, want 0", errc)
	}

	if gotMode != 0644 {
		t.Errorf("mode = %#o, want 0644", gotMode)
	}

	if fi.Fh != 0 {
		t.Errorf("Fh = %v, want 0", fi.Fh)
	}

	if !fi.DirectIo {
		t.Error("DirectIo not forced on")
	}
}

////////////////////////////////////////////////////////////////////////
// Read
////////////////////////////////////////////////////////////////////////

func readThrough(t *testing.T, respond func(reply ReadReply), bufLen int) (int, []byte) {
	t.Helper()

	h := &fakeHandler{
		read: func(path string, fh uint64, size int64, offset int64, reply ReadReply) {
			respond(reply)
		},
	}
	_, fsys := newTestMount(t, h)

	buff := make([]byte, bufLen)
	n := fsys.Read("/hi", buff, 0, 0)
	return n, buff
}

func TestReadSuccess(t *testing.T) {
	n, buff := readThrough(t, func(reply ReadReply) {
		reply(5, []byte("hello"))
	}, 10)

	if n != 5 {
		t.Fatalf("Read = %v, want 5", n)
	}

	if string(buff[:5]) != "hello" {
		t.Errorf("buffer = %q", buff[:5])
	}
}

func TestReadZeroBytesIsEOF(t *testing.T) {
	n, _ := readThrough(t, func(reply ReadReply) {
		reply(0, nil)
	}, 10)

	if n != 0 {
		t.Errorf("Read = %v, want 0", n)
	}
}

func TestReadTruncatesOvershoot(t *testing.T) {
	// Handler claims more than requested; userspace must see the
	// requested length.
	n, buff := readThrough(t, func(reply ReadReply) {
		reply(8, []byte("01234567"))
	}, 4)

	if n != 4 {
		t.Fatalf("Read = %v, want 4", n)
	}

	if string(buff) != "0123" {
		t.Errorf("buffer = %q", buff)
	}
}

func TestReadTruncatesToSuppliedPayload(t *testing.T) {
	// Handler claims more bytes than it supplied.
	n, _ := readThrough(t, func(reply ReadReply) {
		reply(8, []byte("ab"))
	}, 10)

	if n != 2 {
		t.Errorf("Read = %v, want 2", n)
	}
}

func TestReadError(t *testing.T) {
	n, _ := readThrough(t, func(reply ReadReply) {
		reply(-ENOENT, nil)
	}, 10)

	if n != -ENOENT {
		t.Errorf("Read = %v, want %v", n, -ENOENT)
	}
}

////////////////////////////////////////////////////////////////////////
// Write
////////////////////////////////////////////////////////////////////////

func TestWriteSuccess(t *testing.T) {
	var got []byte
	var gotOffset int64
	h := &fakeHandler{
		write: func(path string, fh uint64, data []byte, offset int64, reply WriteReply) {
			got = data
			gotOffset = offset
			reply(len(data))
		},
	}
	_, fsys := newTestMount(t, h)

	buff := []byte("payload")
	if n := fsys.Write("/hi", buff, 3, 0); n != len(buff) {
		t.Fatalf("Write = %v, want %v", n, len(buff))
	}

	if string(got) != "payload" || gotOffset != 3 {
		t.Errorf("handler saw (%q, %v)", got, gotOffset)
	}

	// The handler must have received its own copy of the kernel buffer.
	buff[0] = 'X'
	if string(got) != "payload" {
		t.Error("handler shares the kernel buffer")
	}
}

func TestWriteError(t *testing.T) {
	h := &fakeHandler{
		write: func(path string, fh uint64, data []byte, offset int64, reply WriteReply) {
			reply(-ENOSPC)
		},
	}
	_, fsys := newTestMount(t, h)

	if n := fsys.Write("/hi", []byte("x"), 0, 0); n != -ENOSPC {
		t.Errorf("Write = %v, want %v", n, -ENOSPC)
	}
}

////////////////////////////////////////////////////////////////////////
// Simple operations
////////////////////////////////////////////////////////////////////////

func TestSimpleOpNormalization(t *testing.T) {
	h := &fakeHandler{
		unlink: func(path string, reply DoneReply) {
			reply(ENOENT)
		},
	}
	_, fsys := newTestMount(t, h)

	if errc := fsys.Unlink("/nope"); errc != -ENOENT {
		t.Errorf("Unlink = %v, want %v", errc, -ENOENT)
	}
}

func TestRenamePassesBothPaths(t *testing.T) {
	var gotOld, gotNew string
	h := &fakeHandler{
		rename: func(oldpath string, newpath string, reply DoneReply) {
			gotOld, gotNew = oldpath, newpath
			reply(0)
		},
	}
	_, fsys := newTestMount(t, h)

	if errc := fsys.Rename("/a", "/b"); errc != 0 {
		t.Fatalf("Rename = %v, want 0", errc)
	}

	if gotOld != "/a" || gotNew != "/b" {
		t.Errorf("handler saw (%q, %q)", gotOld, gotNew)
	}
}

func TestUtimensConvertsTimespecs(t *testing.T) {
	var gotAtime, gotMtime int64
	h := &fakeHandler{
		utimens: func(path string, atime int64, mtime int64, reply DoneReply) {
			gotAtime, gotMtime = atime, mtime
			reply(0)
		},
	}
	_, fsys := newTestMount(t, h)

	tmsp := []fuse.Timespec{{Sec: 111}, {Sec: 222}}
	if errc := fsys.Utimens("/hi", tmsp); errc != 0 {
		t.Fatalf("Utimens = %v, want 0", errc)
	}

	if gotAtime != 111 || gotMtime != 222 {
		t.Errorf("handler saw (%v, %v)", gotAtime, gotMtime)
	}

	if errc := fsys.Utimens("/hi", nil); errc != -EINVAL {
		t.Errorf("Utimens(nil) = %v, want %v", errc, -EINVAL)
	}
}

////////////////////////////////////////////////////////////////////////
// Statfs, opendir
////////////////////////////////////////////////////////////////////////

func TestStatfsFixedGeometry(t *testing.T) {
	_, fsys := newTestMount(t, &fakeHandler{})

	var stat fuse.Statfs_t
	if errc := fsys.Statfs("/", &stat); errc != 0 {
		t.Fatalf("Statfs = %v, want 0", errc)
	}

	if stat.Bsize != 4096 || stat.Frsize != 4096 {
		t.Errorf("block size = (%v, %v), want 4096", stat.Bsize, stat.Frsize)
	}

	if stat.Blocks != 1000000 || stat.Bfree != 500000 || stat.Bavail != 500000 {
		t.Errorf(
			"geometry = (%v, %v, %v), want (1000000, 500000, 500000)",
			stat.Blocks, stat.Bfree, stat.Bavail)
	}
}

func TestOpendirSucceedsWithoutHandler(t *testing.T) {
	_, fsys := newTestMount(t, &fakeHandler{})

	if errc, _ := fsys.Opendir("/"); errc != 0 {
		t.Errorf("Opendir = %v, want 0", errc)
	}

	if errc := fsys.Releasedir("/", 0); errc != 0 {
		t.Errorf("Releasedir = %v, want 0", errc)
	}
}

////////////////////////////////////////////////////////////////////////
// Teardown behavior
////////////////////////////////////////////////////////////////////////

func TestTeardownFailsStalledRequest(t *testing.T) {
	// A request whose continuation never fires must come back as EIO once
	// the mount is torn down.
	h := &fakeHandler{
		read: func(path string, fh uint64, size int64, offset int64, reply ReadReply) {
			// Never reply.
		},
	}
	mi, fsys := newTestMount(t, h)

	result := make(chan int, 1)
	go func() {
		buff := make([]byte, 4)
		result <- fsys.Read("/hi", buff, 0, 0)
	}()

	// Give the request time to park on its ticket, then tear down the way
	// Unmount does.
	time.Sleep(50 * time.Millisecond)

	mi.mu.Lock()
	mi.state = stateUnmounting
	mi.mu.Unlock()
	mi.disp.failAll(-EIO)

	select {
	case n := <-result:
		if n != -EIO {
			t.Errorf("Read = %v, want %v", n, -EIO)
		}
	case <-time.After(time.Second):
		t.Fatal("stalled request not failed by teardown")
	}

	// With teardown under way, new requests are refused outright.
	var stat fuse.Stat_t
	if errc := fsys.Getattr("/hi", &stat, 0); errc != -EIO {
		t.Errorf("Getattr during teardown = %v, want %v", errc, -EIO)
	}
}
