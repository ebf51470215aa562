package progress

import (
	"context"
	"fmt"
	"io"
	"strings"

	"educoin-engine/pkg/config"
	"educoin-engine/pkg/errutil"
	"educoin-engine/services/catalog"

	"github.com/minio/minio-go/v7"
)

// ProofStore persists photo proof payloads. The row store only keeps the
// object key.
type ProofStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
}

type minioStore struct {
	client *minio.Client
	bucket string
}

func NewMinioProofStore(client *minio.Client, cfg *config.Config) ProofStore {
	return &minioStore{client: client, bucket: cfg.Minio.BucketName}
}

func (s *minioStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{ContentType: contentType})
	return err
}

var allowedPhotoTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
}

// ProofSubmission is the normalized input of submitProof before validation.
type ProofSubmission struct {
	Text        string
	Photo       io.Reader
	SizeBytes   int64
	ContentType string
}

// validateProof performs the structural checks of the Proof Submission
// Handler against the task's proof policy. It returns a Proof skeleton; the
// caller fills ownership fields and persists it.
func (s *Service) validateProof(policy catalog.ProofPolicy, in ProofSubmission) (*Proof, error) {
	switch policy {
	case catalog.ProofNone:
		return nil, errutil.UnprocessableEntity("task does not accept proof submissions")

	case catalog.ProofText:
		text := strings.TrimSpace(in.Text)
		if text == "" {
			return nil, errutil.ValidationFailed("proof text must not be empty")
		}
		if max := s.cfg.Proof.MaxTextLength; max > 0 && len(text) > max {
			return nil, errutil.ValidationFailed(fmt.Sprintf("proof text exceeds %d characters", max))
		}
		return &Proof{Type: catalog.ProofText, Content: text, SizeBytes: int64(len(text))}, nil

	case catalog.ProofPhoto:
		if in.Photo == nil || in.SizeBytes <= 0 {
			return nil, errutil.ValidationFailed("photo proof payload is required")
		}
		if max := s.cfg.Proof.MaxPhotoBytes; max > 0 && in.SizeBytes > max {
			return nil, errutil.ValidationFailed(fmt.Sprintf("photo proof exceeds %d bytes", max))
		}
		if !allowedPhotoTypes[in.ContentType] {
			return nil, errutil.ValidationFailed("unsupported photo content type")
		}
		return &Proof{Type: catalog.ProofPhoto, ContentType: in.ContentType, SizeBytes: in.SizeBytes}, nil

	case catalog.ProofAuto:
		return &Proof{Type: catalog.ProofAuto, Content: autoProofContent}, nil

	default:
		return nil, errutil.ValidationFailed("unknown proof policy")
	}
}

const autoProofContent = "auto-verified"

// autoProof builds the stub recorded when a task needs no learner evidence.
func autoProof(policy catalog.ProofPolicy) *Proof {
	return &Proof{Type: policy, Content: autoProofContent}
}

func proofObjectKey(userTaskID, proofID string) string {
	return fmt.Sprintf("proofs/%s/%s", userTaskID, proofID)
}
