package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ScanSpan wraps the span of one batch scan
type ScanSpan struct {
	span trace.Span
}

// StartScan starts a batch scan span
func StartScan(ctx context.Context, tracer trace.Tracer, groupID, scanID string) (context.Context, *ScanSpan) {
	ctx, span := tracer.Start(ctx, "scan",
		trace.WithAttributes(
			attribute.String("group.id", groupID),
			attribute.String("scan.id", scanID),
		),
	)
	return ctx, &ScanSpan{span: span}
}

// RecordPage adds a page event
func (s *ScanSpan) RecordPage(offset, size int) {
	s.span.AddEvent("page", trace.WithAttributes(
		attribute.Int("page.offset", offset),
		attribute.Int("page.size", size),
	))
}

// End sets summary attributes and ends the span
func (s *ScanSpan) End(evaluated, flagged int, aborted bool) {
	s.span.SetAttributes(
		attribute.Int("members.evaluated", evaluated),
		attribute.Int("members.flagged", flagged),
		attribute.Bool("scan.aborted", aborted),
	)
	if aborted {
		s.span.SetStatus(codes.Error, "scan aborted")
	}
	s.span.End()
}

// StartCheck starts a live check span
func StartCheck(ctx context.Context, tracer trace.Tracer, groupID, userID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "check",
		trace.WithAttributes(
			attribute.String("group.id", groupID),
			attribute.String("user.id", userID),
		),
	)
}

// StartExecute starts an executor span
func StartExecute(ctx context.Context, tracer trace.Tracer, groupID, userID, action string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "execute",
		trace.WithAttributes(
			attribute.String("group.id", groupID),
			attribute.String("user.id", userID),
			attribute.String("action", action),
		),
	)
}

// EndWithError records err on the span, if any, and ends it
func EndWithError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
