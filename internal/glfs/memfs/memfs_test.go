// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package memfs

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/asch/glblk/internal/glfs"
)

type completion struct {
	ret int64
	arg interface{}
}

func collect() (glfs.Callback, chan completion) {
	ch := make(chan completion, 16)
	return func(_ glfs.File, ret int64, arg interface{}) {
		ch <- completion{ret, arg}
	}, ch
}

func wait(t *testing.T, ch chan completion) completion {
	t.Helper()

	select {
	case c := <-ch:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for completion")
		return completion{}
	}
}

func connect(t *testing.T, s *Server, vol string) glfs.Client {
	t.Helper()

	c, err := s.Connector().New(vol)
	require.NoError(t, err)
	require.NoError(t, c.SetVolfileServer("tcp", "localhost", 0))
	require.NoError(t, c.SetLogging("-", glfs.LogError))
	require.NoError(t, c.Init())
	t.Cleanup(func() { c.Fini() })
	return c
}

func TestServer_ReadWrite(t *testing.T) {
	s := NewServer(Options{})
	defer s.Close()
	s.CreateVolume("vol")

	c := connect(t, s, "vol")
	f, err := c.Creat("dir/a.img", glfs.ORdWr|glfs.OCreat|glfs.OTrunc, 0600)
	require.NoError(t, err)

	cb, ch := collect()
	data := bytes.Repeat([]byte("x"), 5000)
	require.NoError(t, f.PwritevAsync([][]byte{data[:1000], data[1000:]}, 100, 0, cb, "w"))
	got := wait(t, ch)
	require.Equal(t, int64(5000), got.ret)
	require.Equal(t, "w", got.arg)

	buf := make([]byte, 5100)
	require.NoError(t, f.PreadvAsync([][]byte{buf}, 0, 0, cb, nil))
	require.Equal(t, int64(5100), wait(t, ch).ret)
	require.Equal(t, make([]byte, 100), buf[:100])
	require.Equal(t, data, buf[100:])

	// Reads past the end of the file are short.
	require.NoError(t, f.PreadvAsync([][]byte{make([]byte, 200)}, 5000, 0, cb, nil))
	require.Equal(t, int64(100), wait(t, ch).ret)

	end, err := f.Lseek(0, glfs.SeekEnd)
	require.NoError(t, err)
	require.Equal(t, int64(5100), end)
}

func TestServer_Allocation(t *testing.T) {
	s := NewServer(Options{})
	defer s.Close()
	s.CreateVolume("vol")

	c := connect(t, s, "vol")
	f, err := c.Creat("a.img", glfs.ORdWr|glfs.OCreat, 0600)
	require.NoError(t, err)

	require.NoError(t, f.Ftruncate(1<<20))
	st, err := f.Fstat()
	require.NoError(t, err)
	require.Equal(t, int64(1<<20), st.Size)
	require.Equal(t, int64(0), st.Blocks)

	require.NoError(t, f.Zerofill(0, 8192))
	st, _ = f.Fstat()
	require.Equal(t, int64(8192/512), st.Blocks)

	cb, ch := collect()
	require.NoError(t, f.DiscardAsync(0, 4096, cb, nil))
	require.Equal(t, int64(0), wait(t, ch).ret)
	st, _ = f.Fstat()
	require.Equal(t, int64(4096/512), st.Blocks)
	require.Equal(t, int64(1<<20), st.Size)
}

func TestServer_TruncateClearsTail(t *testing.T) {
	s := NewServer(Options{})
	defer s.Close()
	s.AddFile("vol", "a.img", bytes.Repeat([]byte{0xff}, 100))

	c := connect(t, s, "vol")
	f, err := c.Open("a.img", glfs.ORdWr)
	require.NoError(t, err)

	require.NoError(t, f.Ftruncate(10))
	require.NoError(t, f.Ftruncate(100))

	cb, ch := collect()
	buf := make([]byte, 100)
	require.NoError(t, f.PreadvAsync([][]byte{buf}, 0, 0, cb, nil))
	require.Equal(t, int64(100), wait(t, ch).ret)
	require.Equal(t, make([]byte, 90), buf[10:])
}

func TestServer_AccessMode(t *testing.T) {
	s := NewServer(Options{})
	defer s.Close()
	s.AddFile("vol", "a.img", nil)

	c := connect(t, s, "vol")
	f, err := c.Open("a.img", glfs.ORdOnly)
	require.NoError(t, err)

	cb, _ := collect()
	require.Equal(t, glfs.EBADF, f.PwritevAsync([][]byte{{1}}, 0, 0, cb, nil))
	require.Equal(t, glfs.EBADF, f.Ftruncate(0))

	require.NoError(t, f.Close())
	require.Equal(t, glfs.EBADF, f.Close())
}

func TestServer_Features(t *testing.T) {
	s := NewServer(Options{Features: glfs.FeatureDiscard})
	defer s.Close()
	s.AddFile("vol", "a.img", nil)

	c := connect(t, s, "vol")
	require.Equal(t, glfs.FeatureDiscard, c.Features())

	f, err := c.Open("a.img", glfs.ORdWr)
	require.NoError(t, err)

	cb, _ := collect()
	require.Equal(t, glfs.ENOSYS, f.ZerofillAsync(0, 10, cb, nil))
	require.Equal(t, glfs.ENOSYS, f.Zerofill(0, 10))
}

func TestServer_Init(t *testing.T) {
	s := NewServer(Options{})
	defer s.Close()

	c, err := s.Connector().New("missing")
	require.NoError(t, err)
	require.Equal(t, glfs.EINVAL, c.Init())
	require.Equal(t, glfs.EPROTONOSUPPORT, c.SetVolfileServer("udp", "localhost", 0))
	require.NoError(t, c.SetVolfileServer("unix", "/tmp/glusterd.socket", 0))
	require.Equal(t, glfs.ENOENT, c.Init())
	require.Equal(t, 0, s.Clients())

	s.CreateVolume("vol")
	c2 := connect(t, s, "vol")
	require.Equal(t, 1, s.Clients())
	require.NoError(t, c2.Fini())
	require.Equal(t, 0, s.Clients())
	require.NoError(t, c2.Fini())
	require.Equal(t, 0, s.Clients())
}

func TestServer_QueueFull(t *testing.T) {
	s := NewServer(Options{Workers: 1, QueueDepth: 1})
	defer s.Close()
	s.AddFile("vol", "a.img", nil)

	c := connect(t, s, "vol")
	f, err := c.Open("a.img", glfs.ORdWr)
	require.NoError(t, err)

	release := s.Hold()
	cb, ch := collect()

	// The first operation occupies the only worker, the second one the
	// only queue slot.
	require.NoError(t, f.FsyncAsync(cb, nil))
	require.Eventually(t, func() bool { return len(s.work) == 0 }, time.Second, time.Millisecond)
	require.NoError(t, f.FsyncAsync(cb, nil))
	require.Equal(t, glfs.EAGAIN, f.FsyncAsync(cb, nil))

	release()
	wait(t, ch)
	wait(t, ch)
}

func TestServer_ResultHookAndHold(t *testing.T) {
	s := NewServer(Options{})
	defer s.Close()
	s.AddFile("vol", "a.img", nil)

	c := connect(t, s, "vol")
	f, err := c.Open("a.img", glfs.ORdWr)
	require.NoError(t, err)

	s.SetResult(func(op Op, ret int64) int64 {
		if op == OpWrite {
			return ret - 1
		}
		return ret
	})

	release := s.Hold()
	cb, ch := collect()
	require.NoError(t, f.PwritevAsync([][]byte{make([]byte, 10)}, 0, 0, cb, nil))

	select {
	case <-ch:
		t.Fatal("completion must be held")
	case <-time.After(50 * time.Millisecond):
	}

	release()
	require.Equal(t, int64(9), wait(t, ch).ret)
}

func TestServer_Closed(t *testing.T) {
	s := NewServer(Options{})
	s.AddFile("vol", "a.img", nil)

	c := connect(t, s, "vol")
	f, err := c.Open("a.img", glfs.ORdWr)
	require.NoError(t, err)

	s.Close()

	cb, _ := collect()
	require.Equal(t, glfs.ESHUTDOWN, f.FsyncAsync(cb, nil))
}
