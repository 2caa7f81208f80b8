package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/dustin/go-humanize"
)

// AssetStore is a flat namespace of files keyed by the names stored in the
// lookup table's file column.
type AssetStore interface {
	// Open returns the named file and its size. A missing file yields
	// errAssetNotFound.
	Open(ctx context.Context, name string) (io.ReadCloser, int64, error)

	// Put stores r under name, replacing any existing file.
	Put(ctx context.Context, name string, r io.Reader, size int64) error

	// String describes the store for logs.
	String() string
}

// newAssetStore returns a store for a local directory or an s3://bucket/prefix URL.
func newAssetStore(ctx context.Context, location string, cfg AssetsConfig, resolve func(string) string) (AssetStore, error) {
	if strings.HasPrefix(location, "s3://") {
		u, err := url.Parse(location)
		if err != nil {
			return nil, fmt.Errorf("parse asset location %q: %w", location, err)
		}
		if u.Host == "" {
			return nil, fmt.Errorf("asset location %q has no bucket", location)
		}
		client, err := newS3Client(ctx, cfg.Region, cfg.Endpoint)
		if err != nil {
			return nil, err
		}
		return &s3AssetStore{client: client, bucket: u.Host, prefix: strings.Trim(u.Path, "/")}, nil
	}
	return &localAssetStore{dir: resolve(location)}, nil
}

func newS3Client(ctx context.Context, region, endpoint string) (*s3.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// checkAssetName rejects names that would escape the store's root.
func checkAssetName(name string) error {
	if name == "" || !filepath.IsLocal(filepath.FromSlash(name)) {
		return fmt.Errorf("unsafe asset name %q", name)
	}
	return nil
}

type localAssetStore struct {
	dir string
}

func (s *localAssetStore) String() string { return s.dir }

func (s *localAssetStore) Open(_ context.Context, name string) (io.ReadCloser, int64, error) {
	if err := checkAssetName(name); err != nil {
		return nil, 0, err
	}
	f, err := os.Open(filepath.Join(s.dir, filepath.FromSlash(name)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, 0, errAssetNotFound
	}
	if err != nil {
		return nil, 0, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	if st.IsDir() {
		f.Close()
		return nil, 0, fmt.Errorf("%s is a directory", name)
	}
	return f, st.Size(), nil
}

func (s *localAssetStore) Put(_ context.Context, name string, r io.Reader, _ int64) error {
	if err := checkAssetName(name); err != nil {
		return err
	}
	dst := filepath.Join(s.dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".pgmerge-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

type s3AssetStore struct {
	client *s3.Client
	bucket string
	prefix string
}

func (s *s3AssetStore) String() string { return "s3://" + path.Join(s.bucket, s.prefix) }

func (s *s3AssetStore) objectKey(name string) string {
	return path.Join(s.prefix, name)
}

func (s *s3AssetStore) Open(ctx context.Context, name string) (io.ReadCloser, int64, error) {
	if err := checkAssetName(name); err != nil {
		return nil, 0, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(name)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		var nf *types.NotFound
		if errors.As(err, &nsk) || errors.As(err, &nf) {
			return nil, 0, errAssetNotFound
		}
		return nil, 0, fmt.Errorf("get s3 object: %w", err)
	}
	return out.Body, aws.ToInt64(out.ContentLength), nil
}

func (s *s3AssetStore) Put(ctx context.Context, name string, r io.Reader, size int64) error {
	if err := checkAssetName(name); err != nil {
		return err
	}
	// PutObject signs the payload and needs a seekable body.
	body, ok := r.(io.ReadSeeker)
	if !ok {
		data, err := io.ReadAll(r)
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
		body = bytes.NewReader(data)
		size = int64(len(data))
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.objectKey(name)),
		Body:          body,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return fmt.Errorf("put s3 object: %w", err)
	}
	return nil
}

type assetResult int

const (
	assetCopied assetResult = iota
	assetNotFound
	assetFailed
)

// copyAsset copies one named file between stores. A missing source file is
// reported as assetNotFound, never as an error.
func copyAsset(ctx context.Context, name string, from, to AssetStore) (assetResult, int64, error) {
	r, size, err := from.Open(ctx, name)
	if errors.Is(err, errAssetNotFound) {
		return assetNotFound, 0, nil
	}
	if err != nil {
		return assetFailed, 0, err
	}
	defer r.Close()

	if err := to.Put(ctx, name, r, size); err != nil {
		return assetFailed, 0, err
	}
	return assetCopied, size, nil
}

// AssetRelocator copies the files referenced by migrated lookup rows.
type AssetRelocator struct {
	From AssetStore
	To   AssetStore
}

// AssetSummary totals one relocation pass.
type AssetSummary struct {
	Copied   int
	Missing  int
	Failed   int
	Bytes    int64
	Warnings []*AssetCopyWarning
}

func (s *AssetSummary) add(o AssetSummary) {
	s.Copied += o.Copied
	s.Missing += o.Missing
	s.Failed += o.Failed
	s.Bytes += o.Bytes
	s.Warnings = append(s.Warnings, o.Warnings...)
}

func (s AssetSummary) String() string {
	return fmt.Sprintf("%d copied (%s), %d missing, %d failed",
		s.Copied, humanize.Bytes(uint64(s.Bytes)), s.Missing, s.Failed)
}

// CopyAll copies every named file. Problems become warnings; nothing here
// stops a run.
func (r *AssetRelocator) CopyAll(ctx context.Context, names []string) AssetSummary {
	var sum AssetSummary
	for _, name := range names {
		res, n, err := copyAsset(ctx, name, r.From, r.To)
		switch res {
		case assetCopied:
			sum.Copied++
			sum.Bytes += n
		case assetNotFound:
			sum.Missing++
			w := &AssetCopyWarning{File: name, Err: errAssetNotFound}
			sum.Warnings = append(sum.Warnings, w)
			log.Printf("    WARN: %v", w)
		default:
			sum.Failed++
			w := &AssetCopyWarning{File: name, Err: err}
			sum.Warnings = append(sum.Warnings, w)
			log.Printf("    WARN: %v", w)
		}
	}
	return sum
}
