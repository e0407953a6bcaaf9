// Package mirrortest provides an in-memory stand-in for the S3 calls the
// mirror makes.
package mirrortest

import (
	"context"
	"errors"
	"io"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Object is a stored object as the fake sees it.
type Object struct {
	Body               []byte
	ContentType        string
	ContentDisposition string
	Metadata           map[string]string
	Tags               map[string]string
	ACL                types.ObjectCannedACL
}

// S3 is a thread-safe in-memory bucket. Metadata keys are lowercased on
// write the way S3 returns them.
type S3 struct {
	mu      sync.Mutex
	objects map[string]*Object
	bucket  bool

	// Fail, when set, is consulted before every call; a non-nil return
	// fails the call with that error.
	Fail func(op, key string) error

	calls map[string]int
}

// New returns an empty fake with the bucket already present.
func New() *S3 {
	return &S3{
		objects: make(map[string]*Object),
		bucket:  true,
		calls:   make(map[string]int),
	}
}

// NewWithoutBucket returns a fake whose bucket must be created first.
func NewWithoutBucket() *S3 {
	s := New()
	s.bucket = false
	return s
}

func (s *S3) begin(op, key string) error {
	s.calls[op]++
	if s.Fail != nil {
		return s.Fail(op, key)
	}
	return nil
}

// Calls returns how many times op was invoked.
func (s *S3) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Put seeds an object directly.
func (s *S3) Put(key string, obj Object) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := obj
	o.Metadata = lowerKeys(obj.Metadata)
	s.objects[key] = &o
}

// Get returns a copy of the object at key.
func (s *S3) Get(key string) (Object, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.objects[key]
	if !ok {
		return Object{}, false
	}
	return *o, true
}

// Keys returns all keys in lexical order.
func (s *S3) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *S3) HeadBucket(ctx context.Context, in *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("HeadBucket", ""); err != nil {
		return nil, err
	}
	if !s.bucket {
		return nil, &types.NotFound{}
	}
	return &s3.HeadBucketOutput{}, nil
}

func (s *S3) CreateBucket(ctx context.Context, in *s3.CreateBucketInput, _ ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("CreateBucket", ""); err != nil {
		return nil, err
	}
	s.bucket = true
	return &s3.CreateBucketOutput{}, nil
}

func (s *S3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	key := aws.ToString(in.Key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("HeadObject", key); err != nil {
		return nil, err
	}
	o, ok := s.objects[key]
	if !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(o.Body))),
		ContentType:   aws.String(o.ContentType),
		Metadata:      copyMap(o.Metadata),
	}, nil
}

func (s *S3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	key := aws.ToString(in.Key)
	var body []byte
	if in.Body != nil {
		b, err := io.ReadAll(in.Body)
		if err != nil {
			return nil, err
		}
		body = b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("PutObject", key); err != nil {
		return nil, err
	}
	tags := map[string]string{}
	if in.Tagging != nil {
		vals, err := url.ParseQuery(*in.Tagging)
		if err != nil {
			return nil, err
		}
		for k := range vals {
			tags[k] = vals.Get(k)
		}
	}
	s.objects[key] = &Object{
		Body:               body,
		ContentType:        aws.ToString(in.ContentType),
		ContentDisposition: aws.ToString(in.ContentDisposition),
		Metadata:           lowerKeys(in.Metadata),
		Tags:               tags,
		ACL:                in.ACL,
	}
	return &s3.PutObjectOutput{}, nil
}

func (s *S3) PutObjectAcl(ctx context.Context, in *s3.PutObjectAclInput, _ ...func(*s3.Options)) (*s3.PutObjectAclOutput, error) {
	key := aws.ToString(in.Key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("PutObjectAcl", key); err != nil {
		return nil, err
	}
	o, ok := s.objects[key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	o.ACL = in.ACL
	return &s3.PutObjectAclOutput{}, nil
}

func (s *S3) GetObjectTagging(ctx context.Context, in *s3.GetObjectTaggingInput, _ ...func(*s3.Options)) (*s3.GetObjectTaggingOutput, error) {
	key := aws.ToString(in.Key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("GetObjectTagging", key); err != nil {
		return nil, err
	}
	o, ok := s.objects[key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	out := &s3.GetObjectTaggingOutput{}
	for k, v := range o.Tags {
		out.TagSet = append(out.TagSet, types.Tag{Key: aws.String(k), Value: aws.String(v)})
	}
	return out, nil
}

func (s *S3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	key := aws.ToString(in.Key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("DeleteObject", key); err != nil {
		return nil, err
	}
	delete(s.objects, key)
	return &s3.DeleteObjectOutput{}, nil
}

// ListObjectsV2 pages through keys in lexical order. The continuation
// token is the last key of the previous page.
func (s *S3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	prefix := aws.ToString(in.Prefix)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("ListObjectsV2", prefix); err != nil {
		return nil, err
	}
	if !s.bucket {
		return nil, errors.New("NoSuchBucket")
	}

	limit := int(aws.ToInt32(in.MaxKeys))
	if limit <= 0 {
		limit = 1000
	}
	after := aws.ToString(in.ContinuationToken)

	var keys []string
	for k := range s.objects {
		if strings.HasPrefix(k, prefix) && k > after {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := &s3.ListObjectsV2Output{}
	if len(keys) > limit {
		keys = keys[:limit]
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(keys[len(keys)-1])
	} else {
		out.IsTruncated = aws.Bool(false)
	}
	for _, k := range keys {
		out.Contents = append(out.Contents, types.Object{
			Key:  aws.String(k),
			Size: aws.Int64(int64(len(s.objects[k].Body))),
		})
	}
	out.KeyCount = aws.Int32(int32(len(keys)))
	return out, nil
}

func lowerKeys(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[strings.ToLower(k)] = v
	}
	return out
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
