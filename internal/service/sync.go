// Package service drives the sync pass: select flagged records, push them to
// Cityworks, propagate attachments and related comments, and write processing
// state back to the source layers. Setup failures abort the whole run;
// anything that goes wrong for a single record is reported and skipped so the
// record stays flagged for the next run.
package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/crowdsource-scripts/cityworks-sync/internal/arcgis"
	"github.com/crowdsource-scripts/cityworks-sync/internal/cityworks"
	"github.com/crowdsource-scripts/cityworks-sync/internal/config"
	"github.com/crowdsource-scripts/cityworks-sync/internal/mapper"
	"github.com/crowdsource-scripts/cityworks-sync/internal/models"
	"github.com/crowdsource-scripts/cityworks-sync/internal/report"
)

// ErrRunInProgress is returned when a run is requested while another one is
// still going. Runs are strictly sequential.
var ErrRunInProgress = errors.New("sync run already in progress")

type Syncer struct {
	Cfg       config.Config
	ArcGIS    *arcgis.Client
	Cityworks *cityworks.Client
	Report    report.Sink
	Logger    zerolog.Logger

	mu      sync.Mutex
	running bool
	last    *RunSummary
}

// RunSummary accumulates what happened during one pass.
type RunSummary struct {
	RunID      string           `json:"run_id"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	Events     []map[string]any `json:"events"`
	Counts     map[string]int   `json:"counts"`
	SetupError string           `json:"setup_error,omitempty"`
}

// TryRun executes a run unless one is already in progress.
func (s *Syncer) TryRun(ctx context.Context) (RunSummary, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return RunSummary{}, ErrRunInProgress
	}
	s.running = true
	s.mu.Unlock()

	summary, err := s.Run(ctx)

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	return summary, err
}

// Last returns the summary of the most recent run, or nil before the first.
func (s *Syncer) Last() *RunSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Run performs one full sync pass over every configured layer.
func (s *Syncer) Run(ctx context.Context) (RunSummary, error) {
	summary := RunSummary{
		RunID:     uuid.NewString(),
		StartedAt: time.Now().UTC(),
		Counts:    map[string]int{},
	}
	defer func() {
		summary.FinishedAt = time.Now().UTC()
		s.mu.Lock()
		last := summary
		s.last = &last
		s.mu.Unlock()
	}()

	// Setup phase. Any failure here aborts the entire run: without a token,
	// spatial reference, and a complete problem vocabulary no record can be
	// processed correctly.
	if err := s.Cityworks.Authenticate(ctx, s.Cfg.Cityworks.Username, s.Cfg.Cityworks.Password); err != nil {
		return s.abort(summary, fmt.Errorf("failed to get Cityworks token: %w", err))
	}
	wkid, err := s.Cityworks.SpatialReference(ctx)
	if err != nil {
		return s.abort(summary, err)
	}
	vocab, err := s.Cityworks.ProblemTypes(ctx)
	if err != nil {
		return s.abort(summary, fmt.Errorf("problem types not defined: %w", err))
	}
	if err := s.ArcGIS.Connect(ctx, s.Cfg.ArcGIS.Username, s.Cfg.ArcGIS.Password); err != nil {
		return s.abort(summary, fmt.Errorf("failed to connect to ArcGIS portal: %w", err))
	}

	tmpDir, err := os.MkdirTemp("", "cityworks-sync-")
	if err != nil {
		return s.abort(summary, fmt.Errorf("create temp dir: %w", err))
	}
	defer os.RemoveAll(tmpDir)

	for _, layerURL := range s.Cfg.ArcGIS.Layers {
		if err := s.processLayer(ctx, layerURL, wkid, vocab, tmpDir, &summary); err != nil {
			return s.abort(summary, err)
		}
	}
	return summary, nil
}

func (s *Syncer) abort(summary RunSummary, err error) (RunSummary, error) {
	summary.SetupError = err.Error()
	s.Report.Append(err.Error())
	s.Logger.Error().Err(err).Msg("sync run aborted")
	return summary, err
}

func (s *Syncer) processLayer(ctx context.Context, layerURL string, wkid int, vocab map[string]int, tmpDir string, summary *RunSummary) error {
	lyr := s.ArcGIS.Layer(layerURL)
	info, err := lyr.Info(ctx)
	if err != nil {
		return err
	}

	relTableURL, relKeyField := s.matchRelatedTable(layerURL, info.Relationships)

	where := fmt.Sprintf("%s='%s'", s.Cfg.Flag.Field, s.Cfg.Flag.On)
	features, err := lyr.Query(ctx, where, wkid)
	if err != nil {
		return err
	}

	var updates []models.Feature
	for _, f := range features {
		oid := asInt64(f.Attributes[info.ObjectIDField])

		outcome := s.submitRecord(ctx, f, oid, vocab)
		switch outcome.Kind {
		case models.OutcomeWarning:
			s.Report.Append(fmt.Sprintf("Warning generated while copying record to Cityworks: %s. Record %d not exported.", outcome.Reason, oid))
			summary.Counts["warnings"]++
			continue
		case models.OutcomeFailure:
			s.Report.Append(fmt.Sprintf("Error while copying record %d to Cityworks: %s", oid, outcome.Reason))
			s.Logger.Error().Str("reason", outcome.Reason).Int64("oid", oid).Msg("service request create failed")
			summary.Counts["submit_errors"]++
			continue
		}
		summary.Counts["submitted"]++

		// Attachment failures are logged but never block the flag flip:
		// the request itself exists in Cityworks at this point.
		summary.Counts["attachment_errors"] += s.copyAttachments(ctx, lyr, oid, outcome.RequestID, tmpDir)

		updates = append(updates, models.Feature{Attributes: map[string]any{
			info.ObjectIDField:  oid,
			s.Cfg.Flag.Field:    s.Cfg.Flag.Off,
			s.Cfg.Fields.IDs[1]: outcome.RequestID,
		}})
	}

	if len(updates) > 0 {
		results, err := lyr.ApplyEdits(ctx, updates)
		if err != nil {
			return err
		}
		s.reportEdits("ArcGIS layers", results, summary)
	}

	summary.Events = append(summary.Events, map[string]any{
		"type":    "layer",
		"layer":   info.Name,
		"flagged": len(features),
		"updated": len(updates),
		"time":    time.Now().UTC(),
	})

	if relTableURL == "" {
		// The source script silently went on with an empty table URL here.
		// There is nothing useful to do against an unset target, so the
		// related phase is skipped for this layer instead.
		s.Report.Append(fmt.Sprintf("No related table configured for layer %s, skipping comments", info.Name))
		s.Logger.Warn().Str("layer", info.Name).Msg("no related table matched, skipping related records")
		return nil
	}

	if err := s.processRelated(ctx, lyr, relTableURL, relKeyField, tmpDir, summary); err != nil {
		return err
	}

	s.Logger.Info().Str("layer", info.Name).Msg("finished processing layer")
	return nil
}

// submitRecord maps one flagged feature and pushes it to Cityworks,
// returning the tagged outcome the caller dispatches on.
func (s *Syncer) submitRecord(ctx context.Context, f models.Feature, oid int64, vocab map[string]int) models.Outcome {
	fields, warn := mapper.Map(f, vocab, s.Cfg.Fields.Layers, s.Cfg.Fields.Type, oid)
	if warn != nil {
		return *warn
	}
	requestID, err := s.Cityworks.CreateRequest(ctx, fields)
	if err != nil {
		return models.Failure(err.Error(), oid)
	}
	return models.Success(requestID)
}

// matchRelatedTable resolves which configured related-table URL belongs to
// this layer by substituting each relationship's related-table id into the
// layer URL. It returns the parent-side key field of the matched
// relationship.
func (s *Syncer) matchRelatedTable(layerURL string, rels []arcgis.Relationship) (string, string) {
	pieces := strings.Split(layerURL, "/")
	for _, rel := range rels {
		pieces[len(pieces)-1] = fmt.Sprintf("%d", rel.RelatedTableID)
		tableURL := strings.Join(pieces, "/")
		for _, configured := range s.Cfg.ArcGIS.Tables {
			if tableURL == configured {
				return tableURL, rel.KeyField
			}
		}
	}
	return "", ""
}

func (s *Syncer) processRelated(ctx context.Context, lyr *arcgis.Layer, tableURL, pkeyField, tmpDir string, summary *RunSummary) error {
	relLyr := s.ArcGIS.Layer(tableURL)
	relInfo, err := relLyr.Info(ctx)
	if err != nil {
		return err
	}
	fkeyField := pkeyField
	if len(relInfo.Relationships) > 0 {
		fkeyField = relInfo.Relationships[0].KeyField
	}

	// Related records use presence/absence of the flag, not on/off.
	records, err := relLyr.Query(ctx, fmt.Sprintf("%s IS NULL", s.Cfg.Flag.Field), 0)
	if err != nil {
		return err
	}

	var updates []models.Feature
	for _, rec := range records {
		relOID := asInt64(rec.Attributes[relInfo.ObjectIDField])

		parent, ok := s.findParent(ctx, lyr, pkeyField, rec.Attributes[fkeyField])
		if !ok {
			s.Report.Append(fmt.Sprintf("No parent record found for comment %d, skipping", relOID))
			summary.Counts["comment_errors"]++
			continue
		}
		parentRequestID := stringAttr(parent.Attributes[s.Cfg.Fields.IDs[1]])
		if parentRequestID == "" {
			s.Report.Append(fmt.Sprintf("Parent of comment %d has no Cityworks request id yet, skipping", relOID))
			summary.Counts["comment_errors"]++
			continue
		}

		summary.Counts["attachment_errors"] += s.copyAttachments(ctx, relLyr, relOID, parentRequestID, tmpDir)

		values := map[string]any{s.Cfg.Fields.IDs[0]: parentRequestID}
		for _, pair := range s.Cfg.Fields.Tables {
			values[pair[0]] = rec.Attributes[pair[1]]
		}
		resp, err := s.Cityworks.AddComment(ctx, values)
		if err != nil {
			s.Report.Append(fmt.Sprintf("Error while copying comment to Cityworks: %v", err))
			summary.Counts["comment_errors"]++
			continue
		}
		if !resp.OK() {
			s.Report.Append(fmt.Sprintf("Error while copying comment to Cityworks: %s", resp.ErrorText()))
			summary.Counts["comment_errors"]++
			continue
		}

		// The flag flip is conditioned on comment success.
		summary.Counts["comments_added"]++
		s.Report.Append(fmt.Sprintf("Comment %d copied to Cityworks request %s", relOID, parentRequestID))
		updates = append(updates, models.Feature{Attributes: map[string]any{
			relInfo.ObjectIDField: relOID,
			s.Cfg.Flag.Field:      s.Cfg.Flag.Off,
		}})
	}

	if len(updates) > 0 {
		results, err := relLyr.ApplyEdits(ctx, updates)
		if err != nil {
			return err
		}
		s.reportEdits("ArcGIS comments", results, summary)
	}

	summary.Events = append(summary.Events, map[string]any{
		"type":    "related",
		"table":   relInfo.Name,
		"records": len(records),
		"updated": len(updates),
		"time":    time.Now().UTC(),
	})
	return nil
}

// copyAttachments downloads each attachment of the record and forwards it to
// the Cityworks request, returning the number of failures. The local copy is
// removed whether or not the upload succeeded.
func (s *Syncer) copyAttachments(ctx context.Context, lyr *arcgis.Layer, oid int64, requestID, tmpDir string) int {
	attachments, err := lyr.Attachments(ctx, oid)
	if err != nil {
		s.Report.Append(fmt.Sprintf("Error while listing attachments for record %d: %v", oid, err))
		return 1
	}

	failures := 0
	for _, att := range attachments {
		if err := s.copyAttachment(ctx, lyr, oid, att, requestID, tmpDir); err != nil {
			s.Report.Append(fmt.Sprintf("Error while copying attachment to Cityworks: %v", err))
			failures++
		}
	}
	return failures
}

func (s *Syncer) copyAttachment(ctx context.Context, lyr *arcgis.Layer, oid int64, att models.Attachment, requestID, tmpDir string) error {
	path, err := lyr.Download(ctx, oid, att, tmpDir)
	if err != nil {
		return err
	}
	defer os.Remove(path)

	resp, err := s.Cityworks.AddAttachment(ctx, requestID, path)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return fmt.Errorf("%s", resp.ErrorText())
	}
	return nil
}

// findParent resolves the first source record whose key field equals the
// related record's foreign key.
func (s *Syncer) findParent(ctx context.Context, lyr *arcgis.Layer, pkeyField string, fkey any) (models.Feature, bool) {
	where := fmt.Sprintf("%s = '%s'", pkeyField, stringAttr(fkey))
	parents, err := lyr.Query(ctx, where, 0)
	if err != nil || len(parents) == 0 {
		return models.Feature{}, false
	}
	return parents[0], true
}

func (s *Syncer) reportEdits(target string, results []models.EditResult, summary *RunSummary) {
	for _, r := range results {
		if r.Success {
			summary.Counts["written_back"]++
			continue
		}
		summary.Counts["writeback_errors"]++
		s.Report.Append(fmt.Sprintf("Update of record %d failed: %s", r.ObjectID, r.Error))
	}
	s.Report.Append(fmt.Sprintf("Status of updates to %s: %d succeeded, %d failed",
		target, countSuccess(results), len(results)-countSuccess(results)))
}

func countSuccess(results []models.EditResult) int {
	n := 0
	for _, r := range results {
		if r.Success {
			n++
		}
	}
	return n
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}

func stringAttr(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	default:
		return strings.TrimSpace(fmt.Sprintf("%v", s))
	}
}
