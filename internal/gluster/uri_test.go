// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package gluster

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDescriptor(t *testing.T) {
	tests := []struct {
		in   string
		want Descriptor
	}{
		{
			"gluster://1.2.3.4/testvol/a.img",
			Descriptor{Transport: TransportTCP, Server: "1.2.3.4", Volume: "testvol", Image: "a.img"},
		},
		{
			"gluster+tcp://1.2.3.4:24007/testvol/dir/a.img",
			Descriptor{Transport: TransportTCP, Server: "1.2.3.4", Port: 24007, Volume: "testvol", Image: "dir/a.img"},
		},
		{
			"gluster+tcp://[1:2:3:4:5:6:7:8]:24007/testvol/dir/a.img",
			Descriptor{Transport: TransportTCP, Server: "1:2:3:4:5:6:7:8", Port: 24007, Volume: "testvol", Image: "dir/a.img"},
		},
		{
			"gluster+tcp://[1:2:3:4:5:6:7:8]/testvol/a.img",
			Descriptor{Transport: TransportTCP, Server: "1:2:3:4:5:6:7:8", Volume: "testvol", Image: "a.img"},
		},
		{
			"gluster+tcp://server.domain.com:24007/testvol/dir/a.img",
			Descriptor{Transport: TransportTCP, Server: "server.domain.com", Port: 24007, Volume: "testvol", Image: "dir/a.img"},
		},
		{
			"gluster+unix:///testvol/dir/a.img?socket=/tmp/glusterd.socket",
			Descriptor{Transport: TransportUnix, Socket: "/tmp/glusterd.socket", Volume: "testvol", Image: "dir/a.img"},
		},
		{
			"gluster+rdma://1.2.3.4:24007/testvol/a.img",
			Descriptor{Transport: TransportRDMA, Server: "1.2.3.4", Port: 24007, Volume: "testvol", Image: "a.img"},
		},
		{
			"gluster:///testvol/a.img",
			Descriptor{Transport: TransportTCP, Server: "localhost", Volume: "testvol", Image: "a.img"},
		},
		{
			"gluster://1.2.3.4:0/testvol/a.img",
			Descriptor{Transport: TransportTCP, Server: "1.2.3.4", Volume: "testvol", Image: "a.img"},
		},
		{
			"/testvol/a.img",
			Descriptor{Transport: TransportTCP, Server: "localhost", Volume: "testvol", Image: "a.img"},
		},
		{
			"gluster://h/vol/my%20image.img",
			Descriptor{Transport: TransportTCP, Server: "h", Volume: "vol", Image: "my image.img"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			d, err := ParseDescriptor(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, *d)

			again, err := ParseDescriptor(d.String())
			require.NoError(t, err, d.String())
			assert.Equal(t, *d, *again)
		})
	}
}

func TestParseDescriptor_Invalid(t *testing.T) {
	tests := []string{
		"gluster+unix://server/testvol/a.img?socket=/tmp/glusterd.socket",
		"gluster+unix://:24007/testvol/a.img?socket=/tmp/glusterd.socket",
		"gluster+unix:///testvol/a.img",
		"gluster+unix:///testvol/a.img?socket=/a&socket=/b",
		"gluster+unix:///testvol/a.img?sock=/tmp/glusterd.socket",
		"gluster+unix:///testvol/a.img?socket=tmp/glusterd.socket",
		"gluster+unix:///testvol/a.img?socket=",
		"gluster://server/testvol/a.img?socket=/tmp/glusterd.socket",
		"gluster+rdma://server/testvol/a.img?transport=rdma",
		"gluster+udp://server/testvol/a.img",
		"http://server/testvol/a.img",
		"gluster://server/testvol",
		"gluster://server/testvol/",
		"gluster://server/",
		"gluster://server",
		"gluster://server:99999/testvol/a.img",
		"gluster://user@server/testvol/a.img",
		"gluster://server:port/testvol/a.img",
	}

	for _, in := range tests {
		t.Run(in, func(t *testing.T) {
			d, err := ParseDescriptor(in)
			require.Error(t, err)
			assert.Nil(t, d)

			var derr *DescriptorError
			require.True(t, errors.As(err, &derr))
			assert.Equal(t, in, derr.Filename)
			assert.Contains(t, err.Error(), usage)
		})
	}
}

func TestDescriptor_String(t *testing.T) {
	d := Descriptor{Transport: TransportUnix, Socket: "/run/gluster d&.sock", Volume: "vol", Image: "a.img"}
	assert.Equal(t, "gluster+unix:///vol/a.img?socket=/run/gluster%20d%26.sock", d.String())

	again, err := ParseDescriptor(d.String())
	require.NoError(t, err)
	assert.Equal(t, d, *again)

	assert.Equal(t, "/run/gluster d&.sock", d.Locator())
}

func TestTransport_String(t *testing.T) {
	assert.Equal(t, "tcp", TransportTCP.String())
	assert.Equal(t, "gluster+unix", TransportUnix.Scheme())
	assert.Equal(t, "transport(7)", Transport(7).String())
}
