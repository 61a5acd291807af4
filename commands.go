// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"

	"github.com/asch/glblk/internal/gluster"
)

const usage = `usage: glblk [-c config] <command> <uri> [args]

commands:
  create <uri> <size>              create or truncate an image
  info <uri>                       print size and allocation of an image
  read <uri> <offset> <length>     copy a range of an image to stdout
  write <uri> <offset>             copy stdin into an image at offset
  discard <uri> <offset> <length>  deallocate a range
  zero <uri> <offset> <length>     zero a range keeping it allocated
  truncate <uri> <size>            resize an image
  flush <uri>                      make completed writes durable

Sizes and offsets accept units, e.g. 4KiB or 10GB.`

// Largest single read or write issued by the commands.
const transferSize = 1 << 20

type options struct {
	open          gluster.OpenOptions
	preallocation gluster.Preallocation
}

var argCount = map[string]int{
	"create":   1,
	"info":     0,
	"read":     2,
	"write":    1,
	"discard":  2,
	"zero":     2,
	"truncate": 1,
	"flush":    0,
}

// runCommand executes args[0] on the image args[1]. The context is checked
// between transfers of read and write, other commands run to completion.
func runCommand(ctx context.Context, env gluster.Environment, o options, args []string, in io.Reader, out io.Writer) (err error) {
	if len(args) < 2 {
		return errors.New(usage)
	}

	name, uri := args[0], args[1]

	n, ok := argCount[name]
	if !ok {
		return fmt.Errorf("unknown command %q", name)
	}
	if len(args)-2 != n {
		return fmt.Errorf("%s takes %d arguments after the uri, see usage", name, n)
	}

	nums, err := parseSizes(args[2:])
	if err != nil {
		return err
	}

	d, err := gluster.Probe(gluster.Drivers(env), uri)
	if err != nil {
		return err
	}

	if name == "create" {
		return d.Create(uri, gluster.CreateOptions{Size: nums[0], Preallocation: o.preallocation})
	}

	v, err := d.Open(uri, o.open)
	if err != nil {
		return err
	}

	defer func() {
		if cerr := v.Close(); cerr != nil {
			err = multierror.Append(err, cerr).ErrorOrNil()
		}
	}()

	switch name {
	case "info":
		return info(v, out)
	case "read":
		return copyOut(ctx, v, nums[0], nums[1], out)
	case "write":
		return copyIn(ctx, v, nums[0], in)
	case "discard":
		return v.Discard(nums[0], nums[1])
	case "zero":
		return v.WriteZeroes(nums[0], nums[1])
	case "truncate":
		return v.Truncate(nums[0])
	case "flush":
		return v.Flush()
	}

	return nil
}

func parseSizes(args []string) ([]int64, error) {
	nums := make([]int64, len(args))

	for i, a := range args {
		n, err := humanize.ParseBytes(a)
		if err != nil {
			return nil, fmt.Errorf("invalid size %q: %w", a, err)
		}
		nums[i] = int64(n)
	}

	return nums, nil
}

func info(v *gluster.Volume, out io.Writer) error {
	size, err := v.Length()
	if err != nil {
		return err
	}

	allocated, err := v.AllocatedSize()
	if err != nil {
		return err
	}

	d := v.Descriptor()
	fmt.Fprintf(out, "image:     %s\n", d.String())
	fmt.Fprintf(out, "session:   %s\n", v.ID())
	fmt.Fprintf(out, "size:      %s (%d bytes)\n", humanize.IBytes(uint64(size)), size)
	fmt.Fprintf(out, "allocated: %s (%d bytes)\n", humanize.IBytes(uint64(allocated)), allocated)
	fmt.Fprintf(out, "zero init: %t\n", v.HasZeroInit())

	return nil
}

func copyOut(ctx context.Context, v *gluster.Volume, off, length int64, out io.Writer) error {
	buf := make([]byte, transferSize)

	for end := off + length; off < end; {
		if err := ctx.Err(); err != nil {
			return err
		}

		chunk := buf
		if rest := end - off; rest < int64(len(chunk)) {
			chunk = chunk[:rest]
		}

		if _, err := v.ReadAt(chunk, off); err != nil {
			return err
		}
		if _, err := out.Write(chunk); err != nil {
			return err
		}

		off += int64(len(chunk))
	}

	return nil
}

func copyIn(ctx context.Context, v *gluster.Volume, off int64, in io.Reader) error {
	buf := make([]byte, transferSize)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := io.ReadFull(in, buf)
		if n > 0 {
			if _, werr := v.WriteAt(buf[:n], off); werr != nil {
				return werr
			}
			off += int64(n)
		}

		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return err
		}
	}

	return v.Flush()
}
