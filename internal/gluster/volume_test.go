// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package gluster

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/asch/glblk/internal/aio"
	"github.com/asch/glblk/internal/glfs"
	"github.com/asch/glblk/internal/glfs/memfs"
	"github.com/asch/glblk/internal/metrics"
)

const image = "gluster://localhost/vol/dir/a.img"

// countingScheduler counts resumptions before handing them to the loop.
type countingScheduler struct {
	loop *aio.Loop
	n    atomic.Int64
}

func (s *countingScheduler) Schedule(fn func()) {
	s.n.Inc()
	s.loop.Schedule(fn)
}

func newEnv(t *testing.T, srv *memfs.Server) (Environment, *countingScheduler) {
	t.Helper()

	l := zerolog.Nop()
	sched := &countingScheduler{loop: aio.NewLoop(l)}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		sched.loop.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	m, err := metrics.New()
	require.NoError(t, err)

	return Environment{
		Connector: srv.Connector(),
		Scheduler: sched,
		Log:       &l,
		Metrics:   m,
	}, sched
}

func newServer(t *testing.T, o memfs.Options) *memfs.Server {
	t.Helper()

	srv := memfs.NewServer(o)
	t.Cleanup(srv.Close)
	return srv
}

func openImage(t *testing.T, env Environment, o OpenOptions) *Volume {
	t.Helper()

	v, err := Open(env, image, o)
	require.NoError(t, err)
	t.Cleanup(func() { v.Close() })
	return v
}

func TestVolume_ReadWrite(t *testing.T) {
	srv := newServer(t, memfs.Options{})
	srv.AddFile("vol", "dir/a.img", make([]byte, 8192))
	env, sched := newEnv(t, srv)

	v := openImage(t, env, OpenOptions{})

	data := bytes.Repeat([]byte{0xab}, 4096)
	require.NoError(t, v.Writev(4096, [][]byte{data[:1024], data[1024:]}))
	require.NoError(t, v.Flush())

	buf := make([]byte, 4096)
	require.NoError(t, v.Readv(4096, [][]byte{buf}))
	assert.Equal(t, data, buf)

	size, err := v.Length()
	require.NoError(t, err)
	assert.Equal(t, int64(8192), size)

	assert.Equal(t, int64(3), sched.n.Load())
}

func TestVolume_ReaderAtWriterAt(t *testing.T) {
	srv := newServer(t, memfs.Options{})
	srv.AddFile("vol", "dir/a.img", nil)
	env, _ := newEnv(t, srv)

	v := openImage(t, env, OpenOptions{Direct: true})

	n, err := v.WriteAt([]byte("hello"), 10)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	buf := make([]byte, 5)
	n, err = v.ReadAt(buf, 10)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", string(buf))

	// Reading past the end is a short transfer.
	n, err = v.ReadAt(make([]byte, 10), 10)
	assert.Equal(t, 0, n)
	assert.True(t, errors.Is(err, glfs.EIO))
}

func TestVolume_BlocksUntilCompletion(t *testing.T) {
	srv := newServer(t, memfs.Options{})
	srv.AddFile("vol", "dir/a.img", nil)
	env, _ := newEnv(t, srv)

	v := openImage(t, env, OpenOptions{})

	release := srv.Hold()
	done := make(chan error)
	go func() { done <- v.Flush() }()

	select {
	case <-done:
		t.Fatal("flush returned before its completion")
	case <-time.After(50 * time.Millisecond):
	}

	release()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("flush was not resumed")
	}
}

func TestVolume_Concurrent(t *testing.T) {
	const workers = 16

	srv := newServer(t, memfs.Options{})
	srv.AddFile("vol", "dir/a.img", nil)
	env, sched := newEnv(t, srv)

	v := openImage(t, env, OpenOptions{})

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, v.Writev(int64(i)*512, [][]byte{bytes.Repeat([]byte{byte(i)}, 512)}))
		}(i)
	}
	wg.Wait()

	buf := make([]byte, workers*512)
	require.NoError(t, v.Readv(0, [][]byte{buf}))
	for i := 0; i < workers; i++ {
		assert.Equal(t, bytes.Repeat([]byte{byte(i)}, 512), buf[i*512:(i+1)*512])
	}
	assert.Equal(t, int64(workers+1), sched.n.Load())
}

func TestVolume_ShortTransfer(t *testing.T) {
	srv := newServer(t, memfs.Options{})
	srv.AddFile("vol", "dir/a.img", make([]byte, 4096))
	env, _ := newEnv(t, srv)

	v := openImage(t, env, OpenOptions{})

	srv.SetResult(func(op memfs.Op, ret int64) int64 {
		if op == memfs.OpRead {
			return ret - 1
		}
		return ret
	})

	err := v.Readv(0, [][]byte{make([]byte, 4096)})

	var short *ShortTransferError
	require.True(t, errors.As(err, &short))
	assert.Equal(t, int64(4096), short.Expected)
	assert.Equal(t, int64(4095), short.Transferred)
	assert.True(t, errors.Is(err, glfs.EIO))
}

func TestVolume_CompletionError(t *testing.T) {
	srv := newServer(t, memfs.Options{})
	srv.AddFile("vol", "dir/a.img", nil)
	env, _ := newEnv(t, srv)

	v := openImage(t, env, OpenOptions{})

	srv.SetResult(func(op memfs.Op, ret int64) int64 {
		return glfs.ENOSPC.Ret()
	})

	err := v.Writev(0, [][]byte{make([]byte, 512)})

	var ioerr *IOError
	require.True(t, errors.As(err, &ioerr))
	assert.Equal(t, glfs.ENOSPC, ioerr.Errno)
	assert.Equal(t, opWrite, ioerr.Op)

	// Flush completes with the same negative value.
	assert.True(t, errors.Is(v.Flush(), glfs.ENOSPC))
}

func TestVolume_SubmitFailure(t *testing.T) {
	srv := newServer(t, memfs.Options{})
	srv.AddFile("vol", "dir/a.img", nil)
	env, sched := newEnv(t, srv)

	ro := openImage(t, env, OpenOptions{ReadOnly: true})
	assert.True(t, ro.ReadOnly())

	err := ro.Writev(0, [][]byte{make([]byte, 512)})
	assert.True(t, errors.Is(err, glfs.EBADF))
	assert.True(t, errors.Is(ro.Truncate(0), glfs.EBADF))

	v := openImage(t, env, OpenOptions{})
	srv.Close()

	assert.True(t, errors.Is(v.Flush(), glfs.ESHUTDOWN))
	assert.Equal(t, int64(0), sched.n.Load())
}

func TestVolume_Capabilities(t *testing.T) {
	srv := newServer(t, memfs.Options{Features: glfs.FeatureDiscard})
	srv.AddFile("vol", "dir/a.img", nil)
	env, sched := newEnv(t, srv)
	env.Disabled = glfs.FeatureDiscard

	v := openImage(t, env, OpenOptions{})

	var cerr *CapabilityError
	assert.True(t, errors.As(v.Discard(0, 512), &cerr))
	assert.True(t, errors.As(v.WriteZeroes(0, 512), &cerr))
	assert.Equal(t, int64(0), sched.n.Load())
}

func TestVolume_DiscardAndZeroes(t *testing.T) {
	srv := newServer(t, memfs.Options{})
	srv.AddFile("vol", "dir/a.img", nil)
	env, _ := newEnv(t, srv)

	v := openImage(t, env, OpenOptions{})

	data := bytes.Repeat([]byte{0xff}, 3*4096)
	require.NoError(t, v.Writev(0, [][]byte{data}))

	allocated, err := v.AllocatedSize()
	require.NoError(t, err)
	assert.Equal(t, int64(3*4096), allocated)

	require.NoError(t, v.Discard(0, 4096))
	require.NoError(t, v.WriteZeroes(4096, 4096))

	allocated, err = v.AllocatedSize()
	require.NoError(t, err)
	assert.Equal(t, int64(2*4096), allocated)

	buf := make([]byte, 3*4096)
	require.NoError(t, v.Readv(0, [][]byte{buf}))
	assert.Equal(t, make([]byte, 2*4096), buf[:2*4096])
	assert.Equal(t, data[2*4096:], buf[2*4096:])
}

func TestVolume_TruncateAndClose(t *testing.T) {
	srv := newServer(t, memfs.Options{})
	srv.AddFile("vol", "dir/a.img", nil)
	env, _ := newEnv(t, srv)

	v, err := Open(env, image, OpenOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, srv.Clients())
	assert.False(t, v.HasZeroInit())
	assert.NotEmpty(t, v.ID())
	assert.Equal(t, "vol", v.Descriptor().Volume)

	require.NoError(t, v.Truncate(1<<20))
	size, err := v.Length()
	require.NoError(t, err)
	assert.Equal(t, int64(1<<20), size)

	require.NoError(t, v.Close())
	require.NoError(t, v.Close())
	assert.Equal(t, 0, srv.Clients())

	assert.True(t, errors.Is(v.Flush(), glfs.EBADF))
	_, err = v.Length()
	assert.True(t, errors.Is(err, glfs.EBADF))
}

func TestOpen_Failures(t *testing.T) {
	srv := newServer(t, memfs.Options{})
	srv.AddFile("vol", "dir/a.img", nil)
	env, _ := newEnv(t, srv)

	var cerr *ConnectionError

	_, err := Open(env, "gluster://localhost/vol/missing.img", OpenOptions{})
	require.True(t, errors.As(err, &cerr))
	assert.True(t, errors.Is(err, glfs.ENOENT))
	assert.Equal(t, "missing.img", cerr.Descriptor.Image)

	_, err = Open(env, "gluster://localhost/novol/a.img", OpenOptions{})
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, "novol", cerr.Descriptor.Volume)

	assert.Equal(t, 0, srv.Clients())
}

func TestOpen_InvalidDescriptor(t *testing.T) {
	var calls atomic.Int64
	env := Environment{
		Connector: glfs.ConnectorFunc(func(volume string) (glfs.Client, error) {
			calls.Inc()
			return nil, glfs.EIO
		}),
		Scheduler: &recordingScheduler{},
	}

	_, err := Open(env, "gluster+unix:///vol/a.img", OpenOptions{})
	var derr *DescriptorError
	assert.True(t, errors.As(err, &derr))

	err = Create(env, "gluster://server/vol", CreateOptions{Size: 512})
	assert.True(t, errors.As(err, &derr))

	assert.Equal(t, int64(0), calls.Load())
}

func TestCreate(t *testing.T) {
	srv := newServer(t, memfs.Options{})
	srv.CreateVolume("vol")
	env, _ := newEnv(t, srv)

	err := Create(env, "gluster+unix:///vol/new.img?socket=/tmp/glusterd.socket", CreateOptions{Size: 1<<20 + 100})
	require.NoError(t, err)

	st, err := srv.Stat("vol", "new.img")
	require.NoError(t, err)
	assert.Equal(t, int64(1<<20), st.Size)
	assert.Equal(t, int64(0), st.Blocks)
	assert.Equal(t, 0, srv.Clients())

	err = Create(env, "gluster://localhost/vol/full.img", CreateOptions{Size: 1 << 20, Preallocation: PreallocFull})
	require.NoError(t, err)

	st, err = srv.Stat("vol", "full.img")
	require.NoError(t, err)
	assert.Equal(t, int64(1<<20), st.Size)
	assert.Equal(t, int64(1<<20/512), st.Blocks)
}

func TestCreate_TruncatesExisting(t *testing.T) {
	srv := newServer(t, memfs.Options{})
	srv.AddFile("vol", "a.img", bytes.Repeat([]byte{1}, 8192))
	env, _ := newEnv(t, srv)

	require.NoError(t, Create(env, "gluster://localhost/vol/a.img", CreateOptions{Size: 1024}))

	st, err := srv.Stat("vol", "a.img")
	require.NoError(t, err)
	assert.Equal(t, int64(1024), st.Size)
}

func TestCreate_FullPreallocationUnsupported(t *testing.T) {
	srv := newServer(t, memfs.Options{Features: glfs.FeatureDiscard})
	srv.CreateVolume("vol")
	env, _ := newEnv(t, srv)

	err := Create(env, "gluster://localhost/vol/new.img", CreateOptions{Size: 4096, Preallocation: PreallocFull})

	var cerr *CapabilityError
	require.True(t, errors.As(err, &cerr))

	_, err = srv.Stat("vol", "new.img")
	assert.Equal(t, glfs.ENOENT, err)
	assert.Equal(t, 0, srv.Clients())

	// Disabling zerofill has the same effect on a capable volume.
	srv2 := newServer(t, memfs.Options{})
	srv2.CreateVolume("vol")
	env2, _ := newEnv(t, srv2)
	env2.Disabled = glfs.FeatureZerofill

	err = Create(env2, "gluster://localhost/vol/new.img", CreateOptions{Size: 4096, Preallocation: PreallocFull})
	require.True(t, errors.As(err, &cerr))
}

func TestCreate_InvalidOptions(t *testing.T) {
	srv := newServer(t, memfs.Options{})
	srv.CreateVolume("vol")
	env, _ := newEnv(t, srv)

	err := Create(env, "gluster://localhost/vol/a.img", CreateOptions{Size: 512, Preallocation: "falloc"})
	assert.True(t, errors.Is(err, ErrInvalidPreallocation))

	err = Create(env, "gluster://localhost/vol/a.img", CreateOptions{Size: -1})
	assert.True(t, errors.Is(err, glfs.EINVAL))

	_, err = srv.Stat("vol", "a.img")
	assert.Equal(t, glfs.ENOENT, err)
}

func TestParsePreallocation(t *testing.T) {
	for in, want := range map[string]Preallocation{"": PreallocOff, "off": PreallocOff, "FULL": PreallocFull} {
		got, err := ParsePreallocation(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := ParsePreallocation("metadata")
	assert.True(t, errors.Is(err, ErrInvalidPreallocation))
}
