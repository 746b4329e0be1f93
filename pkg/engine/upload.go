package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/inventag/inventag/pkg/awsx"
	"github.com/inventag/inventag/pkg/report"
	"github.com/inventag/inventag/pkg/safety"
	"github.com/inventag/inventag/pkg/storage"
)

// WriteArtifacts renders the report into the output directory and, when the
// configured target is an s3:// URL, uploads the rendered files afterwards.
// Returns the local paths written.
func (e *Engine) WriteArtifacts(ctx context.Context, rep *report.Report) ([]string, error) {
	paths, err := report.WriteFiles(rep, e.outputDir)
	if err != nil {
		return nil, err
	}
	e.Logger.Info("wrote artifacts", "dir", e.outputDir, "files", len(paths))

	if e.s3Target == "" {
		return paths, nil
	}
	if err := e.uploadArtifacts(ctx); err != nil {
		return paths, err
	}
	return paths, nil
}

// uploadArtifacts pushes the output directory to the s3 target. The upload
// session gets its own gate whose only mutating allowance is S3:PutObject,
// and it runs on the operator's ambient credentials, never an inventoried
// account's.
func (e *Engine) uploadArtifacts(ctx context.Context) error {
	bucket, prefix, ok := storage.ParseS3URL(e.s3Target)
	if !ok {
		return fmt.Errorf("invalid s3 target %q", e.s3Target)
	}

	gate := safety.NewGate(
		safety.WithUploadAllowance("S3:PutObject"),
		safety.WithOperationTimeout(e.run.OperationTimeout),
		safety.WithLogger(e.Logger),
	)
	gate.Freeze()

	sess, err := awsx.NewSession(ctx, awsx.AccountDescriptor{Source: awsx.CredentialDefault}, gate,
		e.sessionOptions(e.Logger)...)
	if err != nil {
		return fmt.Errorf("upload session: %w", err)
	}
	blob := storage.NewS3Store(sess.Config(), bucket, prefix)

	e.Logger.Info("uploading artifacts", "bucket", bucket, "prefix", prefix)

	uploaded := 0
	err = filepath.Walk(e.outputDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(e.outputDir, path)
		if err != nil {
			return err
		}
		key := strings.ReplaceAll(rel, string(filepath.Separator), "/")

		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if err := blob.Put(ctx, key, data); err != nil {
			// Keep uploading the remaining files.
			e.Logger.Warn("artifact upload failed", "file", rel, "error", err)
			return nil
		}
		uploaded++
		return nil
	})
	if err != nil {
		return fmt.Errorf("walk artifacts: %w", err)
	}

	e.Logger.Info("artifact upload complete", "uploaded", uploaded)
	return nil
}
