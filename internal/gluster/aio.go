// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package gluster

import (
	"errors"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"github.com/asch/glblk/internal/aio"
	"github.com/asch/glblk/internal/glfs"
	"github.com/asch/glblk/internal/metrics"
)

// Operation names used in errors, logs and metrics.
const (
	opRead     = "read"
	opWrite    = "write"
	opFlush    = "flush"
	opDiscard  = "discard"
	opZerofill = "zerofill"
	opTruncate = "truncate"
	opLength   = "length"
	opStat     = "stat"
)

// request is one outstanding asynchronous operation. It lives from
// submission until the issuing goroutine resumes and is not reused.
type request struct {
	op   string
	size int64

	// Written by the completion callback before the bottom half is
	// scheduled and read by the issuer after it resumes.
	err error

	co    *aio.Coroutine
	sched aio.Scheduler
	done  atomic.Bool
	log   *zerolog.Logger
}

// finishRequest is the completion callback of every asynchronous
// operation. It runs on a goroutine of the client library.
func finishRequest(fd glfs.File, ret int64, arg interface{}) {
	req := arg.(*request)

	if !req.done.CAS(false, true) {
		req.log.Error().Str("op", req.op).Int64("ret", ret).Msg("duplicate completion ignored")
		return
	}

	req.err = completionResult(req.op, ret, req.size)
	req.sched.Schedule(req.co.Enter)
}

// completionResult classifies the value an operation completed with. Zero
// is success whatever the expected size is since flush, discard and
// zerofill complete with 0.
func completionResult(op string, ret, size int64) error {
	switch {
	case ret == 0 || ret == size:
		return nil
	case ret < 0:
		return &IOError{Op: op, Errno: glfs.Errno(-ret)}
	default:
		return &ShortTransferError{Op: op, Expected: size, Transferred: ret}
	}
}

// submit issues an asynchronous operation through call and parks the
// calling goroutine until the loop resumes it. If call fails the operation
// was never queued and the error is returned right away.
func (v *Volume) submit(op string, size int64, call func(cb glfs.Callback, arg interface{}) error) error {
	start := time.Now()
	v.metrics.Started(op)

	req := &request{
		op:    op,
		size:  size,
		co:    aio.NewCoroutine(),
		sched: v.sched,
		log:   &v.s.log,
	}

	err := call(finishRequest, req)
	if err != nil {
		err = &IOError{Op: op, Errno: glfs.ToErrno(err)}
	} else {
		req.co.Yield()
		err = req.err
	}

	v.metrics.Finished(op, start, size, resultLabel(err))
	if err != nil {
		v.s.log.Debug().Err(err).Str("op", op).Msg("operation failed")
	}

	return err
}

func resultLabel(err error) string {
	var short *ShortTransferError
	var io *IOError
	var capability *CapabilityError

	switch {
	case err == nil:
		return metrics.ResultOK
	case errors.As(err, &short):
		return metrics.ResultShortTransfer
	case errors.As(err, &io):
		return metrics.ResultIOError
	case errors.As(err, &capability):
		return metrics.ResultUnsupported
	}
	return metrics.ResultError
}
