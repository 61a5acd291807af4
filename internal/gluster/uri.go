// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package gluster

import (
	"net"
	"net/url"
	"path"
	"strconv"
	"strings"
)

const (
	// Protocol is the scheme of volume descriptors. A transport may be
	// appended as in "gluster+unix".
	Protocol = "gluster"

	usage = "gluster[+transport]://[server[:port]]/volname/image[?socket=...]"

	defaultServer = "localhost"
	socketParam   = "socket"
)

// Transport used to reach the management daemon of the volume.
type Transport int

const (
	TransportTCP Transport = iota
	TransportUnix
	TransportRDMA
)

var transportNames = map[Transport]string{
	TransportTCP:  "tcp",
	TransportUnix: "unix",
	TransportRDMA: "rdma",
}

func (t Transport) String() string {
	if name, ok := transportNames[t]; ok {
		return name
	}
	return "transport(" + strconv.Itoa(int(t)) + ")"
}

// Scheme returns the descriptor scheme selecting t explicitly.
func (t Transport) Scheme() string {
	return Protocol + "+" + t.String()
}

// Descriptor says where an image lives. It is immutable once parsed.
type Descriptor struct {
	Transport Transport

	// Server and Port of the management daemon. Both are empty for the unix
	// transport. Port 0 lets the client library pick its default.
	Server string
	Port   int

	// Socket is the path of the management daemon's unix socket. Only set
	// for the unix transport.
	Socket string

	// Volume name and path of the image inside the volume. Image may
	// contain slashes.
	Volume string
	Image  string
}

// ParseDescriptor parses a volume descriptor. On failure it returns a
// *DescriptorError and no descriptor.
//
// Examples of valid descriptors:
//
//	gluster://1.2.3.4/testvol/a.img
//	gluster+tcp://1.2.3.4:24007/testvol/dir/a.img
//	gluster+tcp://[1:2:3:4:5:6:7:8]:24007/testvol/dir/a.img
//	gluster+unix:///testvol/dir/a.img?socket=/tmp/glusterd.socket
//	gluster+rdma://1.2.3.4:24007/testvol/a.img
func ParseDescriptor(filename string) (*Descriptor, error) {
	u, err := url.Parse(filename)
	if err != nil {
		return nil, descriptorError(filename, "malformed uri")
	}

	var d Descriptor

	d.Transport, err = transportFromScheme(u.Scheme)
	if err != nil {
		return nil, descriptorError(filename, err.Error())
	}

	d.Volume, d.Image, err = splitVolumePath(u.Path)
	if err != nil {
		return nil, descriptorError(filename, err.Error())
	}

	if u.User != nil {
		return nil, descriptorError(filename, "user information is not supported")
	}

	params, err := parseParams(u.RawQuery)
	if err != nil {
		return nil, descriptorError(filename, err.Error())
	}

	if d.Transport == TransportUnix {
		if u.Host != "" {
			return nil, descriptorError(filename, "unix transport does not take a server or port")
		}
		if len(params) != 1 || params[0].name != socketParam {
			return nil, descriptorError(filename, "unix transport requires exactly one socket parameter")
		}
		if !path.IsAbs(params[0].value) {
			return nil, descriptorError(filename, "socket path must be absolute")
		}
		d.Socket = params[0].value

		return &d, nil
	}

	if len(params) != 0 {
		return nil, descriptorError(filename, d.Transport.String()+" transport does not take parameters")
	}

	d.Server = u.Hostname()
	if d.Server == "" {
		d.Server = defaultServer
	}
	if p := u.Port(); p != "" {
		d.Port, err = strconv.Atoi(p)
		if err != nil || d.Port > 65535 {
			return nil, descriptorError(filename, "invalid port")
		}
	}

	return &d, nil
}

// String formats d as a descriptor with an explicit transport. Parsing the
// result yields d again.
func (d *Descriptor) String() string {
	u := url.URL{
		Scheme: d.Transport.Scheme(),
		Path:   "/" + d.Volume + "/" + d.Image,
	}

	if d.Transport == TransportUnix {
		u.RawQuery = socketParam + "=" + queryEscaper.Replace(d.Socket)
		return u.String()
	}

	switch {
	case d.Port != 0:
		u.Host = net.JoinHostPort(d.Server, strconv.Itoa(d.Port))
	case strings.Contains(d.Server, ":"):
		u.Host = "[" + d.Server + "]"
	default:
		u.Host = d.Server
	}

	return u.String()
}

// Locator returns the host argument for the volfile server: the socket path
// for unix, the server otherwise.
func (d *Descriptor) Locator() string {
	if d.Transport == TransportUnix {
		return d.Socket
	}
	return d.Server
}

// A bare scheme, or none at all, means tcp.
func transportFromScheme(scheme string) (Transport, error) {
	switch scheme {
	case "", Protocol, TransportTCP.Scheme():
		return TransportTCP, nil
	case TransportUnix.Scheme():
		return TransportUnix, nil
	case TransportRDMA.Scheme():
		return TransportRDMA, nil
	}
	return 0, parseError("unknown scheme " + strconv.Quote(scheme))
}

// splitVolumePath splits "/volume/dir/image" into the volume and the image
// path. Repeated slashes between the parts are ignored.
func splitVolumePath(p string) (volume, image string, err error) {
	p = strings.TrimLeft(p, "/")

	i := strings.IndexByte(p, '/')
	if i <= 0 {
		return "", "", parseError("missing volume or image")
	}

	volume = p[:i]
	image = strings.TrimLeft(p[i:], "/")
	if image == "" {
		return "", "", parseError("missing image")
	}

	return volume, image, nil
}

type param struct {
	name, value string
}

// parseParams keeps every occurrence of a parameter so duplicates count.
func parseParams(raw string) ([]param, error) {
	var params []param

	for _, part := range strings.Split(raw, "&") {
		if part == "" {
			continue
		}

		name, value := part, ""
		if i := strings.IndexByte(part, '='); i >= 0 {
			name, value = part[:i], part[i+1:]
		}

		var err error
		if name, err = url.QueryUnescape(name); err != nil {
			return nil, parseError("malformed query")
		}
		if value, err = url.QueryUnescape(value); err != nil {
			return nil, parseError("malformed query")
		}

		params = append(params, param{name, value})
	}

	return params, nil
}

var queryEscaper = strings.NewReplacer("%", "%25", "&", "%26", "#", "%23", "+", "%2B", " ", "%20")

type parseError string

func (e parseError) Error() string { return string(e) }
