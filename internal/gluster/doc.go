// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package gluster exposes a file inside a distributed storage volume as a
// block device. It parses volume descriptors of the form
//
//	gluster[+transport]://[server[:port]]/volname/image[?socket=...]
//
// establishes a session with the volume through a glfs client and turns the
// client's callback based asynchronous operations into calls which simply
// block the calling goroutine until the operation has finished.
//
// The blocking is cooperative. Every operation parks its goroutine on a
// coroutine and the completion callback, which runs on a goroutine of the
// client library, records the outcome and asks the scheduler loop to resume
// the coroutine. The callback never resumes the coroutine itself. See
// package aio for the loop.
//
// Nothing is retried, cached or pooled. A Volume owns exactly one session
// with one open file and every operation reports success or exactly one
// failure to its caller.
package gluster
