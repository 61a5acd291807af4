// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package s3 implements objstore.Store on top of the S3 api. It uses aws api
// v1.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/rs/zerolog"
	"golang.org/x/net/http2"

	"github.com/asch/glblk/internal/glfs"
	"github.com/asch/glblk/internal/glfs/objstore"
)

// Host used in endpoints of stores reached over a unix socket. The
// connection ignores it.
const unixHost = "unix"

// S3 is the store of one bucket.
type S3 struct {
	uploader   *s3manager.Uploader
	downloader *s3manager.Downloader
	client     *s3.S3
	bucket     string
}

// Options to use in Dialer() due to high number of parameters. There is
// lower chance of ordering mistake with named parameters.
type Options struct {
	Region    string
	AccessKey string
	SecretKey string

	// Secure selects https for tcp endpoints.
	Secure bool

	// CreateBucket creates missing buckets instead of failing with ENOENT.
	CreateBucket bool
}

// Helper struct used for tuning the http connection.
type httpClientSettings struct {
	connect          time.Duration
	connKeepAlive    time.Duration
	expectContinue   time.Duration
	idleConn         time.Duration
	maxAllIdleConns  int
	maxHostIdleConns int
	responseHeader   time.Duration
	tlsHandshake     time.Duration

	// Socket to dial instead of the endpoint host, if not empty.
	socket string
}

// Following settings are recommended by AWS for usage in their network.
var defaultHTTPSettings = httpClientSettings{
	connect:          5 * time.Second,
	expectContinue:   1 * time.Second,
	idleConn:         90 * time.Second,
	connKeepAlive:    30 * time.Second,
	maxAllIdleConns:  100,
	maxHostIdleConns: 10,
	responseHeader:   5 * time.Second,
	tlsHandshake:     5 * time.Second,
}

// Returns http client with configured parameters and added http2 support.
func newHTTPClientWithSettings(httpSettings httpClientSettings) *http.Client {
	dialer := &net.Dialer{
		KeepAlive: httpSettings.connKeepAlive,
		Timeout:   httpSettings.connect,
	}

	dial := dialer.DialContext
	if httpSettings.socket != "" {
		dial = func(ctx context.Context, _, _ string) (net.Conn, error) {
			return dialer.DialContext(ctx, "unix", httpSettings.socket)
		}
	}

	tr := &http.Transport{
		ResponseHeaderTimeout: httpSettings.responseHeader,
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dial,
		MaxIdleConns:          httpSettings.maxAllIdleConns,
		IdleConnTimeout:       httpSettings.idleConn,
		TLSHandshakeTimeout:   httpSettings.tlsHandshake,
		MaxIdleConnsPerHost:   httpSettings.maxHostIdleConns,
		ExpectContinueTimeout: httpSettings.expectContinue,
	}

	if httpSettings.socket != "" {
		tr.Proxy = nil
	}

	http2.ConfigureTransport(tr)

	return &http.Client{
		Transport: tr,
	}
}

// Dialer returns an objstore.Dialer reaching the bucket named after the
// volume. The tcp transport connects to the server and port of the target,
// the unix transport to the socket in its host. There is no rdma support.
func Dialer(o Options) objstore.Dialer {
	return objstore.DialerFunc(func(t objstore.Target) (objstore.Store, error) {
		return New(o, t)
	})
}

// endpoint returns the S3 endpoint and the socket to dial for t.
func endpoint(o Options, t objstore.Target) (string, string, error) {
	switch t.Transport {
	case "tcp":
		scheme := "http"
		if o.Secure {
			scheme = "https"
		}

		host := t.Host
		if t.Port != 0 {
			host = net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
		} else if net.ParseIP(t.Host) != nil && net.ParseIP(t.Host).To4() == nil {
			host = "[" + t.Host + "]"
		}
		return scheme + "://" + host, "", nil
	case "unix":
		return "http://" + unixHost, t.Host, nil
	}
	return "", "", glfs.EPROTONOSUPPORT
}

// New connects to the bucket of target t.
func New(o Options, t objstore.Target) (*S3, error) {
	remote, socket, err := endpoint(o, t)
	if err != nil {
		return nil, err
	}

	settings := defaultHTTPSettings
	settings.socket = socket
	httpClient := newHTTPClientWithSettings(settings)

	cfg := &aws.Config{
		Endpoint:                      aws.String(remote),
		Region:                        aws.String(o.Region),
		Credentials:                   credentials.NewStaticCredentials(o.AccessKey, o.SecretKey, ""),
		S3ForcePathStyle:              aws.Bool(true),
		S3DisableContentMD5Validation: aws.Bool(true),
		HTTPClient:                    httpClient,
	}

	if t.Log.GetLevel() <= zerolog.DebugLevel {
		l := t.Log
		cfg.LogLevel = aws.LogLevel(aws.LogDebug)
		cfg.Logger = aws.LoggerFunc(func(args ...interface{}) {
			l.Debug().Str("component", "s3").Msg(fmt.Sprint(args...))
		})
	}

	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, err
	}

	s := &S3{
		bucket:     t.Bucket,
		client:     s3.New(sess),
		uploader:   s3manager.NewUploader(sess),
		downloader: s3manager.NewDownloader(sess),
	}

	// Chunks are small, multipart transfers do not pay off.
	s.uploader.Concurrency = 1
	s3manager.WithUploaderRequestOptions(request.Option(func(r *request.Request) {
		r.HTTPRequest.Header.Add("X-Amz-Content-Sha256", "UNSIGNED-PAYLOAD")
	}))(s.uploader)
	s.downloader.Concurrency = 1

	if err := s.makeBucketExist(o.CreateBucket); err != nil {
		return nil, err
	}

	return s, nil
}

// Check whether bucket exist and if not, optionally create it and wait until
// it appears.
func (s *S3) makeBucketExist(create bool) error {
	_, err := s.client.HeadBucket(&s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err == nil {
		return nil
	}

	if !create {
		if errors.Is(translate(err), objstore.ErrNotExist) {
			return glfs.ENOENT
		}
		return err
	}

	_, err = s.client.CreateBucket(&s3.CreateBucketInput{
		Bucket: aws.String(s.bucket)})

	if err == nil {
		err = s.client.WaitUntilBucketExists(&s3.HeadBucketInput{
			Bucket: aws.String(s.bucket)})
	}

	return err
}

// Upload function implemented through s3 api.
func (s *S3) Upload(key string, buf []byte) error {
	_, err := s.uploader.Upload(&s3manager.UploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(buf),
	})

	return translate(err)
}

// DownloadAt function implemented through s3 api.
func (s *S3) DownloadAt(key string, buf []byte, offset int64) error {
	if len(buf) == 0 {
		return nil
	}

	to := offset + int64(len(buf)) - 1
	rng := fmt.Sprintf("bytes=%d-%d", offset, to)
	b := aws.NewWriteAtBuffer(buf)

	_, err := s.downloader.Download(b, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Range:  &rng,
	})

	return translate(err)
}

// Delete function implemented through s3 api.
func (s *S3) Delete(key string) error {
	_, err := s.client.DeleteObject(&s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})

	return translate(err)
}

// List function implemented through s3 api.
func (s *S3) List(prefix string) ([]objstore.Object, error) {
	var objs []objstore.Object

	err := s.client.ListObjectsV2Pages(&s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	}, func(page *s3.ListObjectsV2Output, last bool) bool {
		for _, o := range page.Contents {
			objs = append(objs, objstore.Object{
				Key:  aws.StringValue(o.Key),
				Size: aws.Int64Value(o.Size),
			})
		}
		return true
	})

	return objs, translate(err)
}

// translate maps missing objects and buckets to objstore.ErrNotExist.
func translate(err error) error {
	if err == nil {
		return nil
	}

	var rf awserr.RequestFailure
	if errors.As(err, &rf) && rf.StatusCode() == http.StatusNotFound {
		return objstore.ErrNotExist
	}

	var ae awserr.Error
	if errors.As(err, &ae) {
		switch ae.Code() {
		case s3.ErrCodeNoSuchKey, s3.ErrCodeNoSuchBucket, "NotFound":
			return objstore.ErrNotExist
		}
	}

	return err
}
