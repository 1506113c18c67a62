package applications

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/intake/internal/forms"
	"github.com/MarcoPoloResearchLab/intake/internal/ids"
	"github.com/MarcoPoloResearchLab/intake/internal/typeform"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultChunkSize        = 50
	defaultRawSnapshotLimit = 200
	otherChoiceKey          = "other"
	labelChoiceKeyPrefix    = "label:"
)

// IngestorConfig describes the dependencies of an Ingestor.
type IngestorConfig struct {
	Database         *gorm.DB
	IDProvider       ids.Provider
	Clock            func() time.Time
	Logger           *zap.Logger
	ChunkSize        int
	RawSnapshotLimit int
}

// Ingestor turns submitted answers into versioned response rows.
type Ingestor struct {
	db               *gorm.DB
	idProvider       ids.Provider
	clock            func() time.Time
	logger           *zap.Logger
	chunkSize        int
	rawSnapshotLimit int
}

// IngestResult summarizes one ingestion pass. ProcessedCount counts response rows.
type IngestResult struct {
	ProcessedCount int
	SkippedCount   int
	UsedFallback   bool
}

// NewIngestor constructs an Ingestor with defaults applied.
func NewIngestor(cfg IngestorConfig) (*Ingestor, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opNewIngestor, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opNewIngestor, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	rawSnapshotLimit := cfg.RawSnapshotLimit
	if rawSnapshotLimit <= 0 {
		rawSnapshotLimit = defaultRawSnapshotLimit
	}
	return &Ingestor{
		db:               cfg.Database,
		idProvider:       cfg.IDProvider,
		clock:            clock,
		logger:           logger,
		chunkSize:        chunkSize,
		rawSnapshotLimit: rawSnapshotLimit,
	}, nil
}

// ProcessAnswers resolves each answer to its field version and writes one response
// row per answer, or one per selected choice for multi-select answers. Answers whose
// field was never synced are skipped and counted. When field versions cannot be
// loaded at all, a bounded raw snapshot is stored on the application instead.
func (i *Ingestor) ProcessAnswers(ctx context.Context, applicationID, formID string, answers []typeform.Answer, definitions map[string]typeform.FieldDefinition) (IngestResult, error) {
	if len(answers) == 0 {
		return IngestResult{}, i.recordSummary(ctx, applicationID, IngestResult{})
	}

	fieldVersions, err := i.loadFieldVersions(ctx, formID, answers)
	if err != nil {
		logError(i.logger, opProcessAnswers, "field_lookup_failed", err, zap.String("application_id", applicationID))
		return i.storeRawSnapshot(ctx, applicationID, answers)
	}

	choices, err := i.loadChoices(ctx, fieldVersions)
	if err != nil {
		// Rows are still written without choice bindings.
		i.logger.Warn("choice lookup failed", zap.String("application_id", applicationID), zap.Error(err))
		choices = newChoiceIndex(nil)
	}

	result := IngestResult{}
	rows := make([]FieldResponse, 0, len(answers))
	for _, answer := range answers {
		fieldVersion, ok := fieldVersions[answer.Field.ID]
		if !ok {
			result.SkippedCount++
			i.logger.Debug("answer skipped: field not synced",
				zap.String("application_id", applicationID),
				zap.String("external_field_id", answer.Field.ID))
			continue
		}
		answerRows := buildRows(applicationID, fieldVersion, answer, definitions[answer.Field.ID], choices)
		if len(answerRows) == 0 {
			result.SkippedCount++
			continue
		}
		rows = append(rows, answerRows...)
	}

	for index := range rows {
		id, idErr := i.idProvider.NewID()
		if idErr != nil {
			return IngestResult{}, newServiceError(opProcessAnswers, "id_generation_failed", idErr)
		}
		rows[index].ID = id
		rows[index].Position = index
	}

	db := i.db.WithContext(ctx)
	duplicates := 0
	for start := 0; start < len(rows); start += i.chunkSize {
		end := start + i.chunkSize
		if end > len(rows) {
			end = len(rows)
		}
		chunk := rows[start:end]
		insert := db.Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "application_id"},
				{Name: "field_version_id"},
				{Name: "choice_key"},
			},
			DoNothing: true,
		}).Create(&chunk)
		if insert.Error != nil {
			result.SkippedCount += len(chunk)
			logError(i.logger, opProcessAnswers, "chunk_insert_failed", insert.Error,
				zap.String("application_id", applicationID),
				zap.Int("chunk_start", start),
				zap.Int("chunk_size", len(chunk)))
			continue
		}
		written := int(insert.RowsAffected)
		result.ProcessedCount += written
		duplicates += len(chunk) - written
	}

	// Every row already existed: a repeat delivery leaves the recorded summary untouched.
	if len(rows) > 0 && duplicates == len(rows) {
		i.logger.Debug("answers already ingested", zap.String("application_id", applicationID))
		return result, nil
	}

	if err := i.recordSummary(ctx, applicationID, result); err != nil {
		return result, err
	}
	return result, nil
}

func (i *Ingestor) recordSummary(ctx context.Context, applicationID string, result IngestResult) error {
	db := i.db.WithContext(ctx)
	now := i.clock().UTC()
	if err := db.Model(&Application{}).Where("id = ?", applicationID).Updates(map[string]any{
		"processed_answer_count": result.ProcessedCount,
		"skipped_answer_count":   result.SkippedCount,
		"answers_processed":      true,
		"answers_processed_at":   now,
	}).Error; err != nil {
		logError(i.logger, opProcessAnswers, "summary_update_failed", err, zap.String("application_id", applicationID))
		return newServiceError(opProcessAnswers, "summary_update_failed", err)
	}
	if result.ProcessedCount == 0 {
		return nil
	}
	if err := db.Model(&Application{}).
		Where("id = ? AND status = ?", applicationID, StatusPending).
		Update("status", StatusNew).Error; err != nil {
		return newServiceError(opProcessAnswers, "status_update_failed", err)
	}
	return nil
}

func (i *Ingestor) storeRawSnapshot(ctx context.Context, applicationID string, answers []typeform.Answer) (IngestResult, error) {
	limit := len(answers)
	if limit > i.rawSnapshotLimit {
		limit = i.rawSnapshotLimit
	}
	snapshot := make([]json.RawMessage, 0, limit)
	for _, answer := range answers[:limit] {
		if raw := answer.Raw(); len(raw) > 0 {
			snapshot = append(snapshot, raw)
		}
	}
	encoded, err := json.Marshal(snapshot)
	if err != nil {
		return IngestResult{}, newServiceError(opProcessAnswers, "snapshot_encode_failed", err)
	}

	result := IngestResult{SkippedCount: len(answers), UsedFallback: true}
	if err := i.db.WithContext(ctx).Model(&Application{}).Where("id = ?", applicationID).Updates(map[string]any{
		"raw_answers":          datatypes.JSON(encoded),
		"skipped_answer_count": result.SkippedCount,
	}).Error; err != nil {
		logError(i.logger, opProcessAnswers, "snapshot_write_failed", err, zap.String("application_id", applicationID))
		return IngestResult{}, newServiceError(opProcessAnswers, "snapshot_write_failed", err)
	}
	i.logger.Warn("answers stored as raw snapshot",
		zap.String("application_id", applicationID),
		zap.Int("answers", len(answers)),
		zap.Int("stored", len(snapshot)))
	return result, nil
}

// loadFieldVersions fetches every version of the answered fields in one query and
// keeps the most recent per external id.
func (i *Ingestor) loadFieldVersions(ctx context.Context, formID string, answers []typeform.Answer) (map[string]forms.FieldVersion, error) {
	fieldIDs := make([]string, 0, len(answers))
	seen := make(map[string]struct{}, len(answers))
	for _, answer := range answers {
		if answer.Field.ID == "" {
			continue
		}
		if _, ok := seen[answer.Field.ID]; ok {
			continue
		}
		seen[answer.Field.ID] = struct{}{}
		fieldIDs = append(fieldIDs, answer.Field.ID)
	}
	latest := make(map[string]forms.FieldVersion, len(fieldIDs))
	if len(fieldIDs) == 0 {
		return latest, nil
	}

	var versions []forms.FieldVersion
	if err := i.db.WithContext(ctx).
		Where("form_id = ? AND external_field_id IN ?", formID, fieldIDs).
		Find(&versions).Error; err != nil {
		return nil, err
	}
	for _, version := range versions {
		current, ok := latest[version.ExternalFieldID]
		if !ok || newerVersion(version, current) {
			latest[version.ExternalFieldID] = version
		}
	}
	return latest, nil
}

func newerVersion(candidate, current forms.FieldVersion) bool {
	if candidate.VersionDate.Equal(current.VersionDate) {
		return candidate.IsActive && !current.IsActive
	}
	return candidate.VersionDate.After(current.VersionDate)
}

func (i *Ingestor) loadChoices(ctx context.Context, fieldVersions map[string]forms.FieldVersion) (choiceIndex, error) {
	versionIDs := make([]string, 0, len(fieldVersions))
	for _, version := range fieldVersions {
		versionIDs = append(versionIDs, version.ID)
	}
	if len(versionIDs) == 0 {
		return newChoiceIndex(nil), nil
	}
	var choices []forms.ChoiceVersion
	if err := i.db.WithContext(ctx).
		Where("field_version_id IN ?", versionIDs).
		Order("is_active ASC, version_date ASC").
		Find(&choices).Error; err != nil {
		return choiceIndex{}, err
	}
	return newChoiceIndex(choices), nil
}

// choiceIndex resolves choice versions by external id or label within a field version.
// Later entries win, so active rows override inactive ones.
type choiceIndex struct {
	byID    map[string]map[string]forms.ChoiceVersion
	byLabel map[string]map[string]forms.ChoiceVersion
}

func newChoiceIndex(choices []forms.ChoiceVersion) choiceIndex {
	index := choiceIndex{
		byID:    make(map[string]map[string]forms.ChoiceVersion),
		byLabel: make(map[string]map[string]forms.ChoiceVersion),
	}
	for _, choice := range choices {
		if index.byID[choice.FieldVersionID] == nil {
			index.byID[choice.FieldVersionID] = make(map[string]forms.ChoiceVersion)
			index.byLabel[choice.FieldVersionID] = make(map[string]forms.ChoiceVersion)
		}
		index.byID[choice.FieldVersionID][choice.ExternalChoiceID] = choice
		index.byLabel[choice.FieldVersionID][normalizeLabel(choice.Label)] = choice
	}
	return index
}

func (c choiceIndex) resolve(fieldVersionID, externalChoiceID, label string) (forms.ChoiceVersion, bool) {
	if externalChoiceID != "" {
		if choice, ok := c.byID[fieldVersionID][externalChoiceID]; ok {
			return choice, true
		}
	}
	if label != "" {
		if choice, ok := c.byLabel[fieldVersionID][normalizeLabel(label)]; ok {
			return choice, true
		}
	}
	return forms.ChoiceVersion{}, false
}

func normalizeLabel(label string) string {
	return strings.ToLower(strings.TrimSpace(label))
}

func buildRows(applicationID string, fieldVersion forms.FieldVersion, answer typeform.Answer, definition typeform.FieldDefinition, choices choiceIndex) []FieldResponse {
	switch selection := answer.Selection.(type) {
	case typeform.MultiChoice:
		return fanOutRows(applicationID, fieldVersion, selection, choices)
	case typeform.SingleChoice:
		return []FieldResponse{singleChoiceRow(applicationID, fieldVersion, answer, selection, choices)}
	}

	row := FieldResponse{
		ApplicationID:  applicationID,
		FieldVersionID: fieldVersion.ID,
		ResponseValue:  typeform.ExtractValue(answer),
		IsMultiSelect:  definition.AllowsMultiple() || fieldVersion.AllowsMultiple(),
		IsRaw:          !typeform.IsStructuredType(answer.Type),
	}
	if fieldVersion.Type == forms.FieldTypeOpinionScale && answer.Number != nil {
		step := int(*answer.Number)
		if choice, ok := choices.resolve(fieldVersion.ID, forms.SyntheticChoiceID(fieldVersion.ExternalFieldID, step), ""); ok {
			row.ChoiceVersionID = &choice.ID
			row.ChoiceKey = choice.ExternalChoiceID
		}
	}
	return []FieldResponse{row}
}

func singleChoiceRow(applicationID string, fieldVersion forms.FieldVersion, answer typeform.Answer, selection typeform.SingleChoice, choices choiceIndex) FieldResponse {
	row := FieldResponse{
		ApplicationID:  applicationID,
		FieldVersionID: fieldVersion.ID,
		ResponseValue:  typeform.ExtractValue(answer),
	}
	if selection.Other {
		row.ChoiceKey = otherChoiceKey
		return row
	}
	if choice, ok := choices.resolve(fieldVersion.ID, selection.ID, selection.Label); ok {
		row.ChoiceVersionID = &choice.ID
		row.ChoiceKey = choice.ExternalChoiceID
	}
	return row
}

// fanOutRows writes one independent row per selected choice and no summary row.
func fanOutRows(applicationID string, fieldVersion forms.FieldVersion, selection typeform.MultiChoice, choices choiceIndex) []FieldResponse {
	rows := make([]FieldResponse, 0, len(selection.Items))
	keys := make(map[string]struct{}, len(selection.Items))
	for _, item := range selection.Items {
		row := FieldResponse{
			ApplicationID:  applicationID,
			FieldVersionID: fieldVersion.ID,
			ResponseValue:  item.Label,
			IsMultiSelect:  true,
		}
		switch {
		case item.Other:
			row.ChoiceKey = otherChoiceKey
		default:
			if choice, ok := choices.resolve(fieldVersion.ID, item.ID, item.Label); ok {
				row.ChoiceVersionID = &choice.ID
				row.ChoiceKey = choice.ExternalChoiceID
				row.ResponseValue = choice.Label
			} else if item.ID != "" {
				row.ChoiceKey = item.ID
			} else {
				row.ChoiceKey = labelChoiceKeyPrefix + normalizeLabel(item.Label)
			}
		}
		if _, duplicate := keys[row.ChoiceKey]; duplicate {
			continue
		}
		keys[row.ChoiceKey] = struct{}{}
		rows = append(rows, row)
	}
	return rows
}
