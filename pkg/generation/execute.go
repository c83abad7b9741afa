package generation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/atelier/pkg/retry"
	"go.uber.org/zap"
)

const (
	reasonProvider = "provider failed"
	reasonPreview  = "preview could not be stored"
	reasonResult   = "result could not be recorded"
	reasonStale    = "generation timed out"
)

// Execute runs a pending generation to a terminal state. A generation that is
// no longer pending is left alone.
func (manager *Manager) Execute(ctx context.Context, generationID string) error {
	generation, err := manager.store.GetGeneration(ctx, generationID)
	if err != nil {
		return err
	}
	claimedAt := manager.now().UTC()
	claimed, err := manager.store.TransitionStatus(ctx, generationID, StatusPending, StatusProcessing, Transition{At: claimedAt})
	if err != nil {
		return err
	}
	if !claimed {
		manager.logger.Debug("generation already claimed", zap.String("generation_id", generationID))
		return nil
	}
	generation.Status = StatusProcessing

	image, err := retry.Do(ctx, manager.config.ProviderRetry, func(ctx context.Context) (Image, error) {
		return manager.provider.Generate(ctx, ProviderRequest{
			ToolID:          generation.ToolID,
			Prompt:          composePrompt(generation.Input),
			ReferenceImages: generation.Input.ReferenceImages,
			Edits:           generation.Input.Edits,
		})
	})
	if err != nil {
		return manager.fail(ctx, generation, reasonProvider, err)
	}

	preview, err := manager.watermarker.Watermark(ctx, image)
	if err != nil {
		return manager.fail(ctx, generation, reasonPreview, err)
	}

	resultID := manager.newID()
	previewPath := fmt.Sprintf("previews/%s/%s.%s", generation.AccountID.String(), resultID, ContentExtension(preview.ContentType))
	previewURL, err := retry.Do(ctx, manager.config.StorageRetry, func(ctx context.Context) (string, error) {
		return manager.assets.Put(ctx, previewPath, preview.Data, preview.ContentType)
	})
	if err != nil {
		return manager.fail(ctx, generation, reasonPreview, err)
	}

	result := Result{
		ID:              resultID,
		GenerationID:    generation.ID,
		AccountID:       generation.AccountID,
		ImageURL:        previewURL,
		ContentType:     image.ContentType,
		HasCleanPayload: len(image.Data) > 0,
		CreatedAt:       manager.now().UTC(),
	}
	if err := retry.Run(ctx, manager.config.StorageRetry, func(ctx context.Context) error {
		return manager.store.CreateResult(ctx, result, image.Data)
	}); err != nil {
		return manager.fail(ctx, generation, reasonResult, err)
	}

	if deadline := manager.config.CompletionDeadline; deadline > 0 && manager.now().UTC().Sub(claimedAt) >= deadline {
		return manager.fail(ctx, generation, reasonStale, nil)
	}

	output := &Output{ResultID: resultID, ImageURL: previewURL}
	completed, err := manager.store.TransitionStatus(ctx, generation.ID, StatusProcessing, StatusCompleted, Transition{Output: output, At: manager.now().UTC()})
	if err != nil {
		return err
	}
	if !completed {
		manager.logger.Warn("generation finished after it was failed elsewhere",
			zap.String("generation_id", generation.ID),
			zap.String("result_id", resultID),
		)
		return nil
	}
	generation.Status = StatusCompleted
	generation.Output = output
	manager.publish(ctx, subjectCompleted, generation, "")
	return nil
}

// SweepStale fails and refunds generations stuck in pending or processing
// since before olderThan ago. It returns how many were failed.
//
// The refund lands before the failed transition, so a concurrent Execute must
// not complete a generation the sweep already picked. Execute refuses to
// complete past Config.CompletionDeadline; olderThan has to exceed it.
func (manager *Manager) SweepStale(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := manager.now().UTC().Add(-olderThan)
	stale, err := manager.store.ListStale(ctx, cutoff, manager.config.SweepBatch)
	if err != nil {
		return 0, err
	}
	swept := 0
	var sweepErrors []error
	for _, generation := range stale {
		if generation.Status.IsTerminal() {
			continue
		}
		if err := manager.fail(ctx, generation, reasonStale, nil); err != nil {
			sweepErrors = append(sweepErrors, fmt.Errorf("%s: %w", generation.ID, err))
			continue
		}
		swept++
	}
	return swept, errors.Join(sweepErrors...)
}

// fail refunds the debit, if any, and only then marks the generation failed.
// When the refund cannot be applied the generation keeps its status so a
// later sweep retries it.
func (manager *Manager) fail(ctx context.Context, generation Generation, reason string, cause error) error {
	failCtx := context.WithoutCancel(ctx)
	fields := []zap.Field{
		zap.String("generation_id", generation.ID),
		zap.String("account_id", generation.AccountID.String()),
		zap.String("reason", reason),
	}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	if !generation.DebitTransactionID.IsZero() {
		_, err := retry.Do(failCtx, manager.config.CompensationRetry, func(ctx context.Context) (any, error) {
			return manager.ledger.Refund(ctx, generation.AccountID, generation.DebitTransactionID, reason)
		})
		if err != nil {
			manager.logger.Error("generation refund failed", append(fields, zap.NamedError("refund_error", err))...)
			return errors.Join(cause, err)
		}
	}
	failureReason := reason
	if cause != nil {
		failureReason = reason + ": " + cause.Error()
	}
	failed, err := manager.store.TransitionStatus(failCtx, generation.ID, generation.Status, StatusFailed, Transition{FailureReason: failureReason, At: manager.now().UTC()})
	if err != nil {
		return errors.Join(cause, err)
	}
	if !failed {
		manager.logger.Warn("generation changed state before it could be failed", fields...)
		return cause
	}
	manager.logger.Info("generation failed", fields...)
	generation.Status = StatusFailed
	manager.publish(failCtx, subjectFailed, generation, reason)
	return cause
}

func composePrompt(input Input) string {
	prompt := input.Prompt
	if input.Instructions != "" {
		prompt += "\n\nRefinement: " + input.Instructions
	}
	if input.FeedbackReason != "" {
		prompt += "\n\nAvoid: " + input.FeedbackReason
	}
	return prompt
}
