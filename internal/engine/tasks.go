package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/khushsharma-rampinfotech/whatsapp-service/internal/flow"
	"github.com/khushsharma-rampinfotech/whatsapp-service/internal/grn"
	"github.com/khushsharma-rampinfotech/whatsapp-service/internal/logging"
	"github.com/khushsharma-rampinfotech/whatsapp-service/internal/models"
	"github.com/khushsharma-rampinfotech/whatsapp-service/internal/recognition"
)

var errFileTooLarge = errors.New("file too large")

// processBatch downloads and recognizes every file of batchID, keeping batch
// order, then hands the results to the machine.
func (e *Engine) processBatch(ctx context.Context, t task) {
	logger := log.With().Str("user", logging.MaskPhone(t.user)).Str("batchId", t.batchID).Logger()

	sess, ok := e.begin(ctx, t)
	if !ok {
		return
	}

	files, bills, draftRef, err := e.recognizeBatch(ctx, sess)
	if err != nil {
		logger.Error().Err(err).Msg("batch processing failed")
		e.Media.Release(context.Background(), files)
		e.finish(t, msgStartOver, func(s *models.Session) flow.Outcome {
			return e.machine.BatchFailed(s, t.batchID, reasonFor(err))
		})
		return
	}
	logger.Info().Int("files", len(files)).Msg("batch recognized")

	if err := e.finish(t, msgStartOver, func(s *models.Session) flow.Outcome {
		return e.machine.BatchProcessed(s, t.batchID, files, bills, draftRef)
	}); err != nil {
		e.Media.Release(context.Background(), files)
	}
}

func (e *Engine) recognizeBatch(ctx context.Context, sess *models.Session) ([]models.FileRef, []models.Bill, string, error) {
	files := make([]models.FileRef, len(sess.Files))
	bills := make([]models.Bill, len(sess.Files))

	mapping, err := e.Directory.MappingFor(ctx, sess.Tenant)
	if err != nil {
		return nil, nil, "", err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Concurrency)
	for i, f := range sess.Files {
		g.Go(func() error {
			stored, content, err := e.download(gctx, sess.User, f)
			if err != nil {
				return err
			}
			files[i] = stored

			bill, err := e.Recognizer.Extract(gctx, recognition.Document{
				Name:     path.Base(stored.Path),
				MimeType: stored.MimeType,
				Content:  content,
			}, mapping)
			if errors.Is(err, models.ErrPartialExtraction) {
				log.Warn().Err(err).Str("mediaId", f.MediaID).Msg("recognition returned nothing usable")
				bill, err = models.Bill{}, nil
			}
			if err != nil {
				return err
			}
			bills[i] = bill
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return storedOnly(files), nil, "", err
	}

	var draftRef string
	if sess.RecordRef == "" {
		if draftRef, err = e.Directory.LatestDraftFor(ctx, sess.EmployeeID, sess.Tenant, sess.EntityID); err != nil {
			return files, nil, "", err
		}
	}
	return files, bills, draftRef, nil
}

// storedOnly keeps the refs that reached storage.
func storedOnly(files []models.FileRef) []models.FileRef {
	out := files[:0:0]
	for _, f := range files {
		if f.Path != "" {
			out = append(out, f)
		}
	}
	return out
}

// download copies channel media into temporary storage. Files already stored
// are read back instead.
func (e *Engine) download(ctx context.Context, user string, f models.FileRef) (models.FileRef, []byte, error) {
	if f.Path != "" {
		content, err := e.Media.Read(ctx, f)
		return f, content, err
	}

	body, mimeType, err := e.Fetcher.Fetch(ctx, f.MediaID)
	if err != nil {
		return models.FileRef{}, nil, err
	}
	defer body.Close()

	content, err := io.ReadAll(io.LimitReader(body, e.opts.MaxMediaBytes+1))
	if err != nil {
		return models.FileRef{}, nil, fmt.Errorf("read media %s: %w: %w", f.MediaID, models.ErrCollaboratorUnavailable, err)
	}
	if int64(len(content)) > e.opts.MaxMediaBytes {
		return models.FileRef{}, nil, fmt.Errorf("media %s: %w", f.MediaID, errFileTooLarge)
	}

	declared := f.MimeType
	if declared == "" {
		declared = mimeType
	}
	ref, err := e.Media.Save(ctx, user, f.MediaID, declared, content)
	if err != nil {
		return models.FileRef{}, nil, err
	}
	return ref, content, nil
}

// processGRN sends the single GRN document to the extractor. The session ends
// whatever the extractor answers.
func (e *Engine) processGRN(ctx context.Context, t task, eff flow.Effect) {
	logger := log.With().Str("user", logging.MaskPhone(t.user)).Str("batchId", t.batchID).Logger()

	if _, ok := e.begin(ctx, t); !ok {
		return
	}

	ref, content, err := e.download(ctx, t.user, eff.File)
	var res *grn.Result
	if err == nil {
		res, err = e.GRN.Extract(ctx, path.Base(ref.Path), bytes.NewReader(content))
		e.Media.Release(context.Background(), []models.FileRef{ref})
	}
	if err != nil {
		logger.Error().Err(err).Msg("grn processing failed")
	} else {
		logger.Info().
			Bool("complete", res.Complete()).
			Str("databaseStatus", res.DatabaseStatus).
			Msg("grn processed")
	}

	e.finish(t, msgStartOver, func(s *models.Session) flow.Outcome {
		return e.machine.GRNFinished(s, t.batchID, grn.ReplyFor(res, err))
	})
}
