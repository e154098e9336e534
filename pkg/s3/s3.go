// Package s3 implements the s3:// backend: s3://bucket/key ids over any
// S3-compatible object store. Folders are key prefixes ending in "/".
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"digital.vasic.vfs/pkg/metrics"
	"digital.vasic.vfs/pkg/rid"
	"digital.vasic.vfs/pkg/vfs"
)

// Scheme is the resource id scheme served by this backend.
const Scheme = "s3"

// Config contains S3 connection configuration.
type Config struct {
	Endpoint  string   `json:"endpoint" yaml:"endpoint"`
	Region    string   `json:"region" yaml:"region"`
	AccessKey string   `json:"access_key" yaml:"access_key"`
	SecretKey string   `json:"secret_key" yaml:"secret_key"`
	PathStyle bool     `json:"path_style" yaml:"path_style"`
	Buckets   []string `json:"buckets" yaml:"buckets"`
}

// API is the subset of the S3 client used by the backend.
type API interface {
	s3.ListObjectsV2APIClient
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// NewClient creates an S3 client. Static keys are used when set, the
// default AWS credential chain otherwise.
func NewClient(ctx context.Context, cfg Config) (*s3.Client, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	}), nil
}

// FileSystem serves the configured buckets.
type FileSystem struct {
	api     API
	buckets []string
	log     *zap.Logger
}

// Open creates a client from cfg and the backend on top of it.
func Open(ctx context.Context, cfg Config, log *zap.Logger) (*FileSystem, error) {
	client, err := NewClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return New(client, cfg.Buckets, log), nil
}

// New creates the backend over api for buckets.
func New(api API, buckets []string, log *zap.Logger) *FileSystem {
	if log == nil {
		log = zap.NewNop()
	}
	return &FileSystem{api: api, buckets: slices.Clone(buckets), log: log.With(zap.String("scheme", Scheme))}
}

// Schemes implements vfs.FileSystem.
func (f *FileSystem) Schemes() []string {
	return []string{Scheme}
}

// IsSupported reports whether id names a configured bucket.
func (f *FileSystem) IsSupported(id rid.ID) bool {
	return id.Scheme == Scheme && slices.Contains(f.buckets, id.Host)
}

// Resource implements vfs.FileSystem. A key that is not an object but
// prefixes other keys is a folder.
func (f *FileSystem) Resource(ctx context.Context, id rid.ID) (vfs.Resource, error) {
	if !f.IsSupported(id) {
		return nil, vfs.ErrNotFound
	}
	key := objectKey(id)
	if key == "" {
		return f.bucket(id.Host), nil
	}

	start := time.Now()
	head, err := f.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(id.Host),
		Key:    aws.String(key),
	})
	metrics.RecordS3Operation("head_object", time.Since(start), err == nil || isNotFound(err))
	if err == nil {
		file := &File{node: f.node(id.Host, key)}
		file.size = aws.ToInt64(head.ContentLength)
		file.mod, file.modSet = aws.ToTime(head.LastModified), head.LastModified != nil
		file.encoding = aws.ToString(head.ContentEncoding)
		return file, nil
	}
	if !isNotFound(err) {
		return nil, vfs.WrapError("head", id, err)
	}

	start = time.Now()
	list, err := f.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(id.Host),
		Prefix:  aws.String(key + "/"),
		MaxKeys: aws.Int32(1),
	})
	metrics.RecordS3Operation("list_objects", time.Since(start), err == nil)
	if err != nil {
		return nil, vfs.WrapError("list", id, err)
	}
	if len(list.Contents) == 0 && len(list.CommonPrefixes) == 0 {
		return nil, vfs.WrapError("head", id, vfs.ErrNotFound)
	}
	return &Folder{node: f.node(id.Host, key)}, nil
}

// Roots returns one folder per bucket.
func (f *FileSystem) Roots(ctx context.Context) ([]vfs.Folder, error) {
	out := make([]vfs.Folder, 0, len(f.buckets))
	for _, b := range f.buckets {
		out = append(out, f.bucket(b))
	}
	return out, nil
}

func (f *FileSystem) bucket(name string) *Folder {
	return &Folder{node: f.node(name, "")}
}

func (f *FileSystem) node(bucket, key string) node {
	return node{fs: f, bucket: bucket, key: key}
}

func objectKey(id rid.ID) string {
	return strings.Trim(id.Path, "/")
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
}

func mapError(err error) error {
	if isNotFound(err) {
		return fmt.Errorf("%w: %w", vfs.ErrNotFound, err)
	}
	return err
}

type node struct {
	fs     *FileSystem
	bucket string
	key    string
}

func (n *node) Name() string {
	if n.key == "" {
		return n.bucket
	}
	return path.Base(n.key)
}

func (n *node) ID() rid.ID {
	return rid.New(Scheme, "", n.bucket, rid.DefaultPort, "/"+n.key)
}

func (n *node) FileSystem() vfs.FileSystem {
	return n.fs
}

// Parent returns the enclosing prefix, or nil for a bucket.
func (n *node) Parent(ctx context.Context) (vfs.Folder, error) {
	if n.key == "" {
		return nil, nil
	}
	dir := path.Dir(n.key)
	if dir == "." {
		dir = ""
	}
	return &Folder{node: n.fs.node(n.bucket, dir)}, nil
}

// Folder is a bucket or a key prefix.
type Folder struct {
	node
}

func (d *Folder) IsFile() bool   { return false }
func (d *Folder) IsFolder() bool { return true }

// LastModified returns the zero time: prefixes carry no timestamp.
func (d *Folder) LastModified(ctx context.Context) (time.Time, error) {
	return time.Time{}, nil
}

func (d *Folder) prefix() string {
	if d.key == "" {
		return ""
	}
	return d.key + "/"
}

// Children lists one level below the prefix.
func (d *Folder) Children(ctx context.Context) ([]vfs.Resource, error) {
	prefix := d.prefix()
	paginator := s3.NewListObjectsV2Paginator(d.fs.api, &s3.ListObjectsV2Input{
		Bucket:    aws.String(d.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})

	var children []vfs.Resource
	for paginator.HasMorePages() {
		start := time.Now()
		page, err := paginator.NextPage(ctx)
		metrics.RecordS3Operation("list_objects", time.Since(start), err == nil)
		if err != nil {
			return nil, vfs.WrapError("list", d.ID(), err)
		}
		for _, p := range page.CommonPrefixes {
			key := strings.TrimSuffix(aws.ToString(p.Prefix), "/")
			children = append(children, &Folder{node: d.fs.node(d.bucket, key)})
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if key == prefix || strings.HasSuffix(key, "/") {
				continue
			}
			file := &File{node: d.fs.node(d.bucket, key)}
			file.size = aws.ToInt64(obj.Size)
			file.mod, file.modSet = aws.ToTime(obj.LastModified), obj.LastModified != nil
			children = append(children, file)
		}
	}
	return children, nil
}

// Delete removes every object under the prefix.
func (d *Folder) Delete(ctx context.Context) error {
	if d.key == "" {
		return vfs.ErrNotSupported
	}
	paginator := s3.NewListObjectsV2Paginator(d.fs.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(d.bucket),
		Prefix: aws.String(d.prefix()),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return vfs.WrapError("list", d.ID(), err)
		}
		for _, obj := range page.Contents {
			d.fs.log.Debug("deleting object", zap.String("bucket", d.bucket), zap.String("key", aws.ToString(obj.Key)))
			if err := d.fs.deleteObject(ctx, d.bucket, aws.ToString(obj.Key)); err != nil {
				return vfs.WrapError("delete", d.ID(), err)
			}
		}
	}
	return nil
}

// CreateFile stores an empty object under the prefix.
func (d *Folder) CreateFile(ctx context.Context, name string) (vfs.File, error) {
	file := &File{node: d.fs.node(d.bucket, d.prefix()+name)}
	w, err := file.Create(ctx)
	if err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return file, nil
}

// CreateFolder is not supported: prefixes exist only through their
// objects.
func (d *Folder) CreateFolder(ctx context.Context, name string) (vfs.Folder, error) {
	return nil, vfs.ErrNotSupported
}

func (f *FileSystem) deleteObject(ctx context.Context, bucket, key string) error {
	start := time.Now()
	_, err := f.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	metrics.RecordS3Operation("delete_object", time.Since(start), err == nil)
	return err
}

// File is an object.
type File struct {
	node

	mu       sync.Mutex
	size     int64
	mod      time.Time
	modSet   bool
	encoding string
}

func (f *File) IsFile() bool   { return true }
func (f *File) IsFolder() bool { return false }

func (f *File) refresh(ctx context.Context) error {
	f.mu.Lock()
	ok := f.modSet
	f.mu.Unlock()
	if ok {
		return nil
	}

	start := time.Now()
	head, err := f.fs.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(f.bucket),
		Key:    aws.String(f.key),
	})
	metrics.RecordS3Operation("head_object", time.Since(start), err == nil)
	if err != nil {
		return vfs.WrapError("head", f.ID(), mapError(err))
	}

	f.mu.Lock()
	f.size = aws.ToInt64(head.ContentLength)
	f.mod, f.modSet = aws.ToTime(head.LastModified), true
	f.encoding = aws.ToString(head.ContentEncoding)
	f.mu.Unlock()
	return nil
}

func (f *File) LastModified(ctx context.Context) (time.Time, error) {
	if err := f.refresh(ctx); err != nil {
		return time.Time{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mod, nil
}

func (f *File) Length(ctx context.Context) (int64, error) {
	if err := f.refresh(ctx); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.size, nil
}

func (f *File) Info(ctx context.Context) (*vfs.FileInfo, error) {
	if err := f.refresh(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return &vfs.FileInfo{Length: f.size, ModTime: f.mod, ContentEncoding: f.encoding}, nil
}

func (f *File) Delete(ctx context.Context) error {
	return vfs.WrapError("delete", f.ID(), mapError(f.fs.deleteObject(ctx, f.bucket, f.key)))
}

// Open reads the object from offset with a ranged GET.
func (f *File) Open(ctx context.Context, offset int64) (io.ReadCloser, error) {
	input := &s3.GetObjectInput{
		Bucket: aws.String(f.bucket),
		Key:    aws.String(f.key),
	}
	if offset > 0 {
		input.Range = aws.String(fmt.Sprintf("bytes=%d-", offset))
	}

	start := time.Now()
	result, err := f.fs.api.GetObject(ctx, input)
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "InvalidRange" {
		metrics.RecordS3Operation("get_object", time.Since(start), true)
		return io.NopCloser(strings.NewReader("")), nil
	}
	metrics.RecordS3Operation("get_object", time.Since(start), err == nil)
	if err != nil {
		return nil, vfs.WrapError("open", f.ID(), mapError(err))
	}
	return result.Body, nil
}

// Create returns a writer spooling to a temporary file; the object is
// uploaded on Close.
func (f *File) Create(ctx context.Context) (io.WriteCloser, error) {
	tmp, err := os.CreateTemp("", "vfs-s3-*")
	if err != nil {
		return nil, vfs.WrapError("create", f.ID(), err)
	}
	return &objectWriter{ctx: ctx, file: f, tmp: tmp}, nil
}

type objectWriter struct {
	ctx  context.Context
	file *File
	tmp  *os.File
	once sync.Once
	err  error
}

func (w *objectWriter) Write(p []byte) (int, error) {
	return w.tmp.Write(p)
}

func (w *objectWriter) Close() error {
	w.once.Do(func() {
		defer os.Remove(w.tmp.Name())
		defer w.tmp.Close()

		size, err := w.tmp.Seek(0, io.SeekCurrent)
		if err == nil {
			_, err = w.tmp.Seek(0, io.SeekStart)
		}
		if err != nil {
			w.err = vfs.WrapError("create", w.file.ID(), err)
			return
		}

		f := w.file
		start := time.Now()
		_, err = f.fs.api.PutObject(w.ctx, &s3.PutObjectInput{
			Bucket:        aws.String(f.bucket),
			Key:           aws.String(f.key),
			Body:          w.tmp,
			ContentLength: aws.Int64(size),
		})
		metrics.RecordS3Operation("put_object", time.Since(start), err == nil)
		if err != nil {
			w.err = vfs.WrapError("create", f.ID(), err)
			return
		}

		f.mu.Lock()
		f.size, f.modSet = size, false
		f.mu.Unlock()
	})
	return w.err
}
