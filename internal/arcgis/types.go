package arcgis

import (
	"github.com/crowdsource-scripts/cityworks-sync/internal/models"
)

// apiError is how ArcGIS reports failures: inside a 200 body.
type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Details []any  `json:"details"`
}

type tokenResponse struct {
	Token   string    `json:"token"`
	Expires int64     `json:"expires"`
	Error   *apiError `json:"error"`
}

// Relationship links a layer to a related table.
type Relationship struct {
	ID             int    `json:"id"`
	RelatedTableID int    `json:"relatedTableId"`
	KeyField       string `json:"keyField"`
}

// LayerInfo is the subset of layer metadata the sync needs.
type LayerInfo struct {
	Name          string         `json:"name"`
	ObjectIDField string         `json:"objectIdField"`
	Relationships []Relationship `json:"relationships"`
	Error         *apiError      `json:"error"`
}

type queryResponse struct {
	Features              []models.Feature `json:"features"`
	ExceededTransferLimit bool             `json:"exceededTransferLimit"`
	Error                 *apiError        `json:"error"`
}

type attachmentsResponse struct {
	AttachmentInfos []models.Attachment `json:"attachmentInfos"`
	Error           *apiError           `json:"error"`
}

type editResult struct {
	ObjectID int64     `json:"objectId"`
	Success  bool      `json:"success"`
	Error    *apiError `json:"error"`
}

type editResponse struct {
	UpdateResults []editResult `json:"updateResults"`
	Error         *apiError    `json:"error"`
}
