package mirror

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fvsync/fvsync/internal/logging"
	"github.com/fvsync/fvsync/internal/metrics"
	"github.com/fvsync/fvsync/internal/tree"
)

// Tag and metadata keys written on every mirrored document.
const (
	TagOrigin     = "origin"
	TagDocumentID = "fv_docid"
	TagProjectID  = "projectId"
	OriginValue   = "filevine"

	MetaDocumentID = "documentId"
	MetaProjectID  = "projectId"
	MetaFolderID   = "folderId"
	MetaFolderPath = "folderPath"

	listPageSize = 1000
)

// ObjectInfo identifies the document behind a mirrored object.
type ObjectInfo struct {
	DocumentID int64
	ProjectID  int64
	FolderID   int64
	FolderPath string
}

func (o ObjectInfo) metadata() map[string]string {
	folderID := ""
	if o.FolderID != 0 {
		folderID = strconv.FormatInt(o.FolderID, 10)
	}
	return map[string]string{
		MetaDocumentID: strconv.FormatInt(o.DocumentID, 10),
		MetaProjectID:  strconv.FormatInt(o.ProjectID, 10),
		MetaFolderID:   folderID,
		MetaFolderPath: o.FolderPath,
	}
}

func (o ObjectInfo) tagging() string {
	return url.Values{
		TagOrigin:     {OriginValue},
		TagDocumentID: {strconv.FormatInt(o.DocumentID, 10)},
		TagProjectID:  {strconv.FormatInt(o.ProjectID, 10)},
	}.Encode()
}

// Writer performs all bucket writes for the mirror.
type Writer struct {
	api         API
	bucket      string
	publicRead  bool
	concurrency int
}

// NewWriter returns a Writer for cfg.Bucket.
func NewWriter(api API, cfg Config) *Writer {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	return &Writer{
		api:         api,
		bucket:      cfg.Bucket,
		publicRead:  cfg.PublicRead,
		concurrency: cfg.Concurrency,
	}
}

// Bucket returns the bucket name.
func (w *Writer) Bucket() string { return w.bucket }

// EnsurePlaceholders creates a zero-byte marker under every level of every
// path, skipping levels that already have one. It is safe to run
// repeatedly. Failures on individual levels are logged and reported
// together; the remaining levels are still processed.
func (w *Writer) EnsurePlaceholders(ctx context.Context, prefix string, paths []string) error {
	levels := make(map[string]bool)
	for _, p := range paths {
		for _, lvl := range tree.Levels(p) {
			levels[lvl] = true
		}
	}
	sorted := make([]string, 0, len(levels))
	for lvl := range levels {
		sorted = append(sorted, lvl)
	}
	sort.Strings(sorted)

	errs := make([]error, len(sorted))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)
	for i, lvl := range sorted {
		key := tree.JoinKey(prefix, lvl, tree.Placeholder)
		g.Go(func() error {
			errs[i] = w.ensurePlaceholder(gctx, key)
			return nil
		})
	}
	_ = g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return errors.Join(errs...)
}

func (w *Writer) ensurePlaceholder(ctx context.Context, key string) error {
	log := logging.WithContext(ctx).With(logging.Key(key))
	exists, err := w.exists(ctx, key)
	if err != nil {
		log.Error("placeholder check failed", zap.Error(err))
		return err
	}
	if exists {
		return nil
	}

	start := time.Now()
	_, err = w.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(w.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(nil),
		ContentLength: aws.Int64(0),
	})
	metrics.RecordS3Operation("put_placeholder", time.Since(start), err == nil)
	if err != nil {
		log.Error("placeholder create failed", zap.Error(err))
		return fmt.Errorf("put placeholder %s: %w", key, err)
	}
	log.Debug("placeholder created")
	return nil
}

func (w *Writer) exists(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	_, err := w.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(w.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			metrics.RecordS3Operation("head_object", time.Since(start), true)
			return false, nil
		}
		metrics.RecordS3Operation("head_object", time.Since(start), false)
		return false, fmt.Errorf("head object %s: %w", key, err)
	}
	metrics.RecordS3Operation("head_object", time.Since(start), true)
	return true, nil
}

// PutObject stores a document under key with its content type, disposition,
// metadata and tags. When public reads are enabled the object is also given
// a public-read ACL; a failure there is logged and ignored.
func (w *Writer) PutObject(ctx context.Context, key string, content []byte, filename string, info ObjectInfo) error {
	log := logging.WithContext(ctx).With(logging.Key(key))
	ct := ContentType(filename)

	start := time.Now()
	_, err := w.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:             aws.String(w.bucket),
		Key:                aws.String(key),
		Body:               bytes.NewReader(content),
		ContentLength:      aws.Int64(int64(len(content))),
		ContentType:        aws.String(ct),
		ContentDisposition: aws.String(ContentDisposition(ct, filename)),
		Metadata:           info.metadata(),
		Tagging:            aws.String(info.tagging()),
	})
	metrics.RecordS3Operation("put_object", time.Since(start), err == nil)
	if err != nil {
		log.Error("upload failed", zap.Error(err))
		return fmt.Errorf("put object %s: %w", key, err)
	}
	log.Info("uploaded", zap.String("content_type", ct), zap.Int("size", len(content)))

	if w.publicRead {
		start = time.Now()
		_, aclErr := w.api.PutObjectAcl(ctx, &s3.PutObjectAclInput{
			Bucket: aws.String(w.bucket),
			Key:    aws.String(key),
			ACL:    types.ObjectCannedACLPublicRead,
		})
		metrics.RecordS3Operation("put_object_acl", time.Since(start), aclErr == nil)
		if aclErr != nil {
			log.Warn("public-read ACL not applied", zap.Error(aclErr))
		}
	}
	return nil
}

// FindByDocumentID lists every object under prefix that belongs to docID,
// matching on the document tag first and falling back to object metadata.
// A moved or renamed document can leave more than one match.
func (w *Writer) FindByDocumentID(ctx context.Context, prefix string, docID int64) ([]string, error) {
	log := logging.WithContext(ctx).With(logging.DocumentID(docID))
	target := strconv.FormatInt(docID, 10)
	var matches []string

	p := s3.NewListObjectsV2Paginator(w.api, &s3.ListObjectsV2Input{
		Bucket:  aws.String(w.bucket),
		Prefix:  aws.String(prefix),
		MaxKeys: aws.Int32(listPageSize),
	})
	for p.HasMorePages() {
		start := time.Now()
		page, err := p.NextPage(ctx)
		metrics.RecordS3Operation("list_objects", time.Since(start), err == nil)
		if err != nil {
			return matches, fmt.Errorf("list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if strings.HasSuffix(key, "/"+tree.Placeholder) {
				continue
			}
			ok, err := w.matches(ctx, key, target)
			if err != nil {
				log.Warn("cannot inspect object", logging.Key(key), zap.Error(err))
				continue
			}
			if ok {
				matches = append(matches, key)
			}
		}
	}
	return matches, nil
}

func (w *Writer) matches(ctx context.Context, key, target string) (bool, error) {
	tags, tagErr := w.api.GetObjectTagging(ctx, &s3.GetObjectTaggingInput{
		Bucket: aws.String(w.bucket),
		Key:    aws.String(key),
	})
	if tagErr == nil {
		for _, t := range tags.TagSet {
			if aws.ToString(t.Key) == TagDocumentID && aws.ToString(t.Value) == target {
				return true, nil
			}
		}
	}

	head, err := w.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(w.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return false, errors.Join(tagErr, err)
	}
	for k, v := range head.Metadata {
		if strings.EqualFold(k, MetaDocumentID) && v == target {
			return true, nil
		}
	}
	return false, nil
}

// DeleteObject removes a single key.
func (w *Writer) DeleteObject(ctx context.Context, key string) error {
	start := time.Now()
	_, err := w.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(w.bucket),
		Key:    aws.String(key),
	})
	metrics.RecordS3Operation("delete_object", time.Since(start), err == nil)
	if err != nil {
		return fmt.Errorf("delete object %s: %w", key, err)
	}
	logging.WithContext(ctx).Info("deleted", logging.Key(key))
	return nil
}

// HasObjects reports whether anything at all exists under prefix.
func (w *Writer) HasObjects(ctx context.Context, prefix string) (bool, error) {
	start := time.Now()
	out, err := w.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(w.bucket),
		Prefix:  aws.String(prefix),
		MaxKeys: aws.Int32(1),
	})
	metrics.RecordS3Operation("list_objects", time.Since(start), err == nil)
	if err != nil {
		return false, fmt.Errorf("list %s: %w", prefix, err)
	}
	return len(out.Contents) > 0 || aws.ToInt32(out.KeyCount) > 0, nil
}

// ProjectPrefix returns the key prefix every object of a project lives
// under, always ending in a slash.
func ProjectPrefix(base, projectName string) string {
	return tree.JoinKey(base, tree.Sanitize(projectName)) + "/"
}

// DocumentKey returns the full key for a document.
func DocumentKey(projectPrefix, folderPath, filename string) string {
	return tree.JoinKey(projectPrefix, folderPath, filename)
}
