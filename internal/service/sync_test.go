package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/crowdsource-scripts/cityworks-sync/internal/arcgis"
	"github.com/crowdsource-scripts/cityworks-sync/internal/cityworks"
	"github.com/crowdsource-scripts/cityworks-sync/internal/config"
	"github.com/crowdsource-scripts/cityworks-sync/internal/models"
)

const layerBase = "/rest/services/test/FeatureServer"

type memSink struct {
	mu    sync.Mutex
	lines []string
}

func (s *memSink) Append(line string) {
	s.mu.Lock()
	s.lines = append(s.lines, line)
	s.mu.Unlock()
}

func (s *memSink) Close() {}

func (s *memSink) contains(substr string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.lines {
		if strings.Contains(l, substr) {
			return true
		}
	}
	return false
}

// fixture wires a fake ArcGIS portal and a fake Cityworks API around a
// Syncer and records everything the sync sends.
type fixture struct {
	cw   *httptest.Server
	ag   *httptest.Server
	sink *memSink

	mu            sync.Mutex
	authStatus    int
	attachStatus  int
	commentStatus int

	features  []models.Feature
	related   []models.Feature
	parents   []models.Feature
	layerAtts []models.Attachment

	createBodies  []map[string]any
	commentBodies []map[string]any
	layerWheres   []string
	layerOutSR    []string
	layerUpdates  [][]models.Feature
	tableUpdates  [][]models.Feature
	tokenCalls    int
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{sink: &memSink{}}

	f.cw = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/Services/authentication/authenticate":
			f.mu.Lock()
			status := f.authStatus
			f.mu.Unlock()
			if status != 0 {
				writeJSON(w, map[string]any{"Status": status, "Message": "bad login"})
				return
			}
			writeJSON(w, map[string]any{"Status": 0, "Value": map[string]any{"Token": "cw-token"}})
		case "/Services/AMS/Preferences/User":
			writeJSON(w, map[string]any{"Status": 0, "Value": map[string]any{"SpatialReference": 102100}})
		case "/Services/AMS/ServiceRequest/Problems":
			writeJSON(w, map[string]any{"Status": 0, "Value": []map[string]any{
				{"ProblemCode": "Pothole", "ProblemSid": 42},
			}})
		case "/Services/AMS/ServiceRequest/Create":
			_ = r.ParseForm()
			var body map[string]any
			_ = json.Unmarshal([]byte(r.FormValue("data")), &body)
			f.mu.Lock()
			f.createBodies = append(f.createBodies, body)
			f.mu.Unlock()
			writeJSON(w, map[string]any{"Status": 0, "Value": map[string]any{"RequestId": 1001}})
		case "/Services/AMS/Attachments/AddRequestAttachment":
			f.mu.Lock()
			status := f.attachStatus
			f.mu.Unlock()
			if status != 0 {
				writeJSON(w, map[string]any{"Status": status, "ErrorMessages": []string{"upload rejected"}})
				return
			}
			writeJSON(w, map[string]any{"Status": 0})
		case "/Services/AMS/CustomerCall/AddToRequest":
			_ = r.ParseForm()
			var body map[string]any
			_ = json.Unmarshal([]byte(r.FormValue("data")), &body)
			f.mu.Lock()
			f.commentBodies = append(f.commentBodies, body)
			status := f.commentStatus
			f.mu.Unlock()
			if status != 0 {
				writeJSON(w, map[string]any{"Status": status, "ErrorMessages": []string{"comment rejected"}})
				return
			}
			writeJSON(w, map[string]any{"Status": 0})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(f.cw.Close)

	f.ag = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := r.URL.Path
		switch {
		case p == "/sharing/rest/generateToken":
			f.mu.Lock()
			f.tokenCalls++
			f.mu.Unlock()
			writeJSON(w, map[string]any{"token": "ag-token", "expires": 1})
		case p == layerBase+"/0":
			writeJSON(w, map[string]any{
				"name":          "Reports",
				"objectIdField": "OBJECTID",
				"relationships": []map[string]any{
					{"id": 0, "relatedTableId": 1, "keyField": "GLOBALID"},
				},
			})
		case p == layerBase+"/0/query":
			where := r.URL.Query().Get("where")
			f.mu.Lock()
			f.layerWheres = append(f.layerWheres, where)
			f.layerOutSR = append(f.layerOutSR, r.URL.Query().Get("outSR"))
			var feats []models.Feature
			if strings.HasPrefix(where, "GLOBALID") {
				feats = f.parents
			} else {
				feats = f.features
			}
			f.mu.Unlock()
			writeJSON(w, map[string]any{"features": feats})
		case p == layerBase+"/0/applyEdits":
			_ = r.ParseForm()
			var updates []models.Feature
			_ = json.Unmarshal([]byte(r.FormValue("updates")), &updates)
			f.mu.Lock()
			f.layerUpdates = append(f.layerUpdates, updates)
			f.mu.Unlock()
			writeJSON(w, editResults(updates))
		case p == layerBase+"/1":
			writeJSON(w, map[string]any{
				"name":          "Comments",
				"objectIdField": "OBJECTID",
				"relationships": []map[string]any{
					{"id": 0, "relatedTableId": 0, "keyField": "PARENTGID"},
				},
			})
		case p == layerBase+"/1/query":
			f.mu.Lock()
			related := f.related
			f.mu.Unlock()
			writeJSON(w, map[string]any{"features": related})
		case p == layerBase+"/1/applyEdits":
			_ = r.ParseForm()
			var updates []models.Feature
			_ = json.Unmarshal([]byte(r.FormValue("updates")), &updates)
			f.mu.Lock()
			f.tableUpdates = append(f.tableUpdates, updates)
			f.mu.Unlock()
			writeJSON(w, editResults(updates))
		case strings.Contains(p, "/attachments/"):
			w.Write([]byte("image-bytes"))
		case strings.HasPrefix(p, layerBase+"/0/") && strings.HasSuffix(p, "/attachments"):
			f.mu.Lock()
			atts := f.layerAtts
			f.mu.Unlock()
			writeJSON(w, map[string]any{"attachmentInfos": atts})
		case strings.HasSuffix(p, "/attachments"):
			writeJSON(w, map[string]any{"attachmentInfos": []models.Attachment{}})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(f.ag.Close)

	return f
}

func editResults(updates []models.Feature) map[string]any {
	results := make([]map[string]any, 0, len(updates))
	for _, u := range updates {
		oid, _ := u.Attributes["OBJECTID"].(float64)
		results = append(results, map[string]any{"objectId": int64(oid), "success": true})
	}
	return map[string]any{"updateResults": results}
}

func (f *fixture) syncer() *Syncer {
	cfg := config.Config{
		Cityworks: config.Credentials{URL: f.cw.URL, Username: "cwuser", Password: "cwpass"},
		ArcGIS: config.Portal{
			URL:      f.ag.URL,
			Username: "aguser",
			Password: "agpass",
			Layers:   []string{f.ag.URL + layerBase + "/0"},
			Tables:   []string{f.ag.URL + layerBase + "/1"},
		},
		Fields: config.Fields{
			Layers: [][]string{{"Comments", "desc"}},
			Tables: [][]string{{"Comments", "notes"}},
			IDs:    []string{"RequestId", "REQUESTID"},
			Type:   []string{"ProblemSid", "PROBTYPE"},
		},
		Flag:           config.Flag{Field: "status", On: "Y", Off: "N"},
		TimeoutSeconds: 5,
	}

	logger := zerolog.Nop()
	return &Syncer{
		Cfg:       cfg,
		ArcGIS:    arcgis.New(cfg.ArcGIS.URL, 5*time.Second, logger),
		Cityworks: cityworks.New(cfg.Cityworks.URL, 5*time.Second, logger),
		Report:    f.sink,
		Logger:    logger,
	}
}

func flaggedFeature(oid float64, probType, desc, globalID string) models.Feature {
	return models.Feature{
		Attributes: map[string]any{
			"OBJECTID": oid,
			"status":   "Y",
			"PROBTYPE": probType,
			"desc":     desc,
			"GLOBALID": globalID,
		},
		Geometry: &models.Geometry{X: -122.4, Y: 47.6},
	}
}

func TestRunSubmitsFlaggedRecordAndWritesBack(t *testing.T) {
	f := newFixture(t)
	f.features = []models.Feature{flaggedFeature(1, "Pothole", "Big hole", "g1")}
	f.parents = []models.Feature{{Attributes: map[string]any{
		"OBJECTID": float64(1), "GLOBALID": "g1", "REQUESTID": "1001",
	}}}
	f.related = []models.Feature{{Attributes: map[string]any{
		"OBJECTID": float64(5), "PARENTGID": "g1", "notes": "still there",
	}}}

	summary, err := f.syncer().Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Only flagged records are selected, reprojected to the Cityworks WKID.
	if f.layerWheres[0] != "status='Y'" {
		t.Fatalf("unexpected where clause: %q", f.layerWheres[0])
	}
	if f.layerOutSR[0] != "102100" {
		t.Fatalf("expected outSR=102100, got %q", f.layerOutSR[0])
	}

	if len(f.createBodies) != 1 {
		t.Fatalf("expected 1 create call, got %d", len(f.createBodies))
	}
	body := f.createBodies[0]
	if body["ProblemSid"] != float64(42) {
		t.Fatalf("expected ProblemSid 42, got %v", body["ProblemSid"])
	}
	if body["Comments"] != "Big hole" {
		t.Fatalf("expected Comments from desc field, got %v", body["Comments"])
	}
	if _, ok := body["X"]; !ok {
		t.Fatalf("expected X in payload: %v", body)
	}
	if _, ok := body["Y"]; !ok {
		t.Fatalf("expected Y in payload: %v", body)
	}

	if len(f.layerUpdates) != 1 || len(f.layerUpdates[0]) != 1 {
		t.Fatalf("expected 1 layer write-back, got %v", f.layerUpdates)
	}
	attrs := f.layerUpdates[0][0].Attributes
	if attrs["status"] != "N" {
		t.Fatalf("expected flag flipped to N, got %v", attrs["status"])
	}
	if attrs["REQUESTID"] != "1001" {
		t.Fatalf("expected REQUESTID 1001, got %v", attrs["REQUESTID"])
	}

	// Related comment was appended and its record flagged.
	if len(f.commentBodies) != 1 {
		t.Fatalf("expected 1 comment call, got %d", len(f.commentBodies))
	}
	comment := f.commentBodies[0]
	if comment["RequestId"] != "1001" {
		t.Fatalf("expected comment linked to request 1001, got %v", comment["RequestId"])
	}
	if comment["Comments"] != "still there" {
		t.Fatalf("expected comment text from notes field, got %v", comment["Comments"])
	}
	if len(f.tableUpdates) != 1 || len(f.tableUpdates[0]) != 1 {
		t.Fatalf("expected 1 table write-back, got %v", f.tableUpdates)
	}
	if f.tableUpdates[0][0].Attributes["status"] != "N" {
		t.Fatalf("expected related flag set, got %v", f.tableUpdates[0][0].Attributes)
	}

	if summary.Counts["submitted"] != 1 || summary.Counts["comments_added"] != 1 {
		t.Fatalf("unexpected counts: %v", summary.Counts)
	}
}

func TestRunSkipsRecordWithUnknownProblemType(t *testing.T) {
	f := newFixture(t)
	f.features = []models.Feature{
		flaggedFeature(1, "Sinkhole", "not in vocab", "g1"),
		flaggedFeature(2, "", "blank type", "g2"),
	}

	summary, err := f.syncer().Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(f.createBodies) != 0 {
		t.Fatalf("expected no submissions, got %d", len(f.createBodies))
	}
	if len(f.layerUpdates) != 0 {
		t.Fatalf("expected no write-back for skipped records, got %v", f.layerUpdates)
	}
	if summary.Counts["warnings"] != 2 {
		t.Fatalf("expected 2 warnings, got %v", summary.Counts)
	}
	if !f.sink.contains("not found in Cityworks") {
		t.Fatalf("expected unknown-type warning in report, got %v", f.sink.lines)
	}
	if !f.sink.contains("no problem type provided") {
		t.Fatalf("expected blank-type warning in report, got %v", f.sink.lines)
	}
}

func TestRunAttachmentFailureDoesNotBlockWriteBack(t *testing.T) {
	f := newFixture(t)
	f.features = []models.Feature{flaggedFeature(1, "Pothole", "Big hole", "g1")}
	f.layerAtts = []models.Attachment{{ID: 10, Name: "photo.jpg", Size: 11}}
	f.attachStatus = 5

	summary, err := f.syncer().Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(f.layerUpdates) != 1 || len(f.layerUpdates[0]) != 1 {
		t.Fatalf("expected write-back despite attachment failure, got %v", f.layerUpdates)
	}
	if f.layerUpdates[0][0].Attributes["status"] != "N" {
		t.Fatalf("expected flag flipped, got %v", f.layerUpdates[0][0].Attributes)
	}
	if summary.Counts["attachment_errors"] != 1 {
		t.Fatalf("expected 1 attachment error, got %v", summary.Counts)
	}
	if !f.sink.contains("upload rejected") {
		t.Fatalf("expected attachment error in report, got %v", f.sink.lines)
	}
}

func TestRunCommentFailureLeavesRelatedRecordUnflagged(t *testing.T) {
	f := newFixture(t)
	f.features = []models.Feature{flaggedFeature(1, "Pothole", "Big hole", "g1")}
	f.parents = []models.Feature{{Attributes: map[string]any{
		"OBJECTID": float64(1), "GLOBALID": "g1", "REQUESTID": "1001",
	}}}
	f.related = []models.Feature{{Attributes: map[string]any{
		"OBJECTID": float64(5), "PARENTGID": "g1", "notes": "still there",
	}}}
	f.commentStatus = 1

	summary, err := f.syncer().Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(f.tableUpdates) != 0 {
		t.Fatalf("expected no table write-back after comment failure, got %v", f.tableUpdates)
	}
	if summary.Counts["comment_errors"] != 1 {
		t.Fatalf("expected 1 comment error, got %v", summary.Counts)
	}
}

func TestRunAbortsWhenAuthenticationFails(t *testing.T) {
	f := newFixture(t)
	f.authStatus = 2

	summary, err := f.syncer().Run(context.Background())
	if err == nil {
		t.Fatal("expected setup error")
	}
	if summary.SetupError == "" {
		t.Fatal("expected setup error recorded in summary")
	}
	if f.tokenCalls != 0 {
		t.Fatalf("expected no ArcGIS connection after Cityworks auth failure, got %d token calls", f.tokenCalls)
	}
}

func TestTryRunRejectsOverlappingRuns(t *testing.T) {
	f := newFixture(t)
	s := f.syncer()

	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	if _, err := s.TryRun(context.Background()); err != ErrRunInProgress {
		t.Fatalf("expected ErrRunInProgress, got %v", err)
	}
}

func TestLastReturnsMostRecentSummary(t *testing.T) {
	f := newFixture(t)
	s := f.syncer()

	if s.Last() != nil {
		t.Fatal("expected no summary before first run")
	}
	if _, err := s.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	last := s.Last()
	if last == nil || last.RunID == "" {
		t.Fatalf("expected recorded summary, got %+v", last)
	}
}
